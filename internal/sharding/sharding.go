package sharding

import (
	"fmt"
	"hash/crc32"
)

// ShardCount is the fixed number of partitions for the change feed.
const ShardCount = 256

// GetShardID calculates the deterministic shard ID for a given entity ID.
func GetShardID(entityID string) int {
	checksum := crc32.ChecksumIEEE([]byte(entityID))
	return int(checksum % ShardCount)
}

// ChangeSubject returns the NATS subject task-change events for a user
// are published on. Format: tasks.change.{shard_id}.user.{user_id}
func ChangeSubject(userID string) string {
	return fmt.Sprintf("tasks.change.%d.user.%s", GetShardID(userID), userID)
}

// UserWildcard returns the subscription subject matching a user's
// change events regardless of shard.
func UserWildcard(userID string) string {
	return "tasks.change.*.user." + userID
}
