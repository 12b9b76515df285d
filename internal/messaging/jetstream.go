package messaging

import (
	"errors"

	"github.com/nats-io/nats.go"
)

const tasksStream = "TASKS"

// EnsureStreams creates (or validates) the stream backing the
// task-change feed: tasks.change.>
func EnsureStreams(js nats.JetStreamContext) error {
	if _, err := js.StreamInfo(tasksStream); err != nil {
		if errors.Is(err, nats.ErrStreamNotFound) {
			if _, addErr := js.AddStream(&nats.StreamConfig{
				Name:      tasksStream,
				Subjects:  []string{"tasks.change.>"},
				Retention: nats.LimitsPolicy,
				Storage:   nats.FileStorage,
				Replicas:  1,
			}); addErr != nil {
				return addErr
			}
		} else {
			return err
		}
	}
	return nil
}
