package sharding

import (
	"strings"
	"testing"
)

func TestGetShardID_Deterministic(t *testing.T) {
	a := GetShardID("user-42")
	b := GetShardID("user-42")
	if a != b {
		t.Fatalf("shard ID not deterministic: %d vs %d", a, b)
	}
	if a < 0 || a >= ShardCount {
		t.Fatalf("shard ID %d out of range [0, %d)", a, ShardCount)
	}
}

func TestChangeSubject_ContainsShardAndUser(t *testing.T) {
	subject := ChangeSubject("user-42")
	if !strings.HasPrefix(subject, "tasks.change.") {
		t.Fatalf("unexpected subject prefix: %q", subject)
	}
	if !strings.HasSuffix(subject, ".user.user-42") {
		t.Fatalf("unexpected subject suffix: %q", subject)
	}
}

func TestUserWildcard_MatchesAnyShard(t *testing.T) {
	if got := UserWildcard("user-42"); got != "tasks.change.*.user.user-42" {
		t.Fatalf("unexpected wildcard subject: %q", got)
	}
}
