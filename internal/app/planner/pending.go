package planner

import (
	"context"
)

// CountsSnapshot is a full recount of today's pending instances per
// group. Snapshots carry absolute values, never deltas, so a missed
// change event self-heals on the next recount.
type CountsSnapshot struct {
	Date   string         `json:"date"`
	Counts map[string]int `json:"counts"`
}

// SubscribeFunc attaches notify to a user's change feed and returns a
// function that detaches it.
type SubscribeFunc func(userID string, notify func()) (stop func(), err error)

// PendingAggregator streams pending-count snapshots for one user,
// recomputing from the store whenever the change feed fires.
type PendingAggregator struct {
	Counts    func(ctx context.Context, userID string) (CountsSnapshot, error)
	Subscribe SubscribeFunc
}

func NewPendingAggregator(svc *Service, subscribe SubscribeFunc) *PendingAggregator {
	return &PendingAggregator{
		Counts:    svc.PendingCounts,
		Subscribe: subscribe,
	}
}

// Stream emits an initial snapshot and then one per burst of change
// notifications. Notifications arriving while a recount is in flight
// coalesce into a single follow-up recount. The returned release
// function detaches from the feed and stops the stream; the output
// channel closes after release or when ctx is done.
func (a *PendingAggregator) Stream(ctx context.Context, userID string) (<-chan CountsSnapshot, func(), error) {
	wake := make(chan struct{}, 1)
	stop, err := a.Subscribe(userID, func() {
		select {
		case wake <- struct{}{}:
		default:
		}
	})
	if err != nil {
		return nil, nil, err
	}

	streamCtx, cancel := context.WithCancel(ctx)
	out := make(chan CountsSnapshot, 1)

	go func() {
		defer close(out)
		a.emit(streamCtx, userID, out)
		for {
			select {
			case <-streamCtx.Done():
				return
			case <-wake:
				a.emit(streamCtx, userID, out)
			}
		}
	}()

	release := func() {
		stop()
		cancel()
	}
	return out, release, nil
}

// emit recounts and replaces any undelivered snapshot; only the latest
// one matters to a badge.
func (a *PendingAggregator) emit(ctx context.Context, userID string, out chan CountsSnapshot) {
	snapshot, err := a.Counts(ctx, userID)
	if err != nil {
		return
	}
	for {
		select {
		case out <- snapshot:
			return
		default:
		}
		select {
		case <-out:
		default:
		}
	}
}
