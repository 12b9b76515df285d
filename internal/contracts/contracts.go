package contracts

import "time"

// Change types carried by TaskChangeEvent.
const (
	ChangeInstancesMaterialized = "instances.materialized"
	ChangeInstanceCreated       = "instance.created"
	ChangeInstanceCompleted     = "instance.completed"
	ChangeInstanceReopened      = "instance.reopened"
)

// TaskChangeEvent is published whenever a user's task instances change
// and consumed by the badge-streamer to refresh pending counts. The feed
// is advisory: consumers recount from the store, they never apply deltas.
type TaskChangeEvent struct {
	EventID    string    `json:"event_id"`
	UserID     string    `json:"user_id"`
	GroupID    string    `json:"group_id"`
	Date       string    `json:"date"`
	ChangeType string    `json:"change_type"`
	Count      int       `json:"count"`
	OccurredAt time.Time `json:"occurred_at"`
}
