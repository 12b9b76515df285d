package planner

import (
	"context"
	"fmt"
	"time"

	"github.com/taskday/project/internal/datekey"
	"golang.org/x/sync/errgroup"
)

// Gate runs at most one generation pass per user per local day. The
// decision is driven entirely by the caller-supplied watermark, the last
// date for which generation completed; comparing day keys lexically is
// safe because they are zero-padded YYYY-MM-DD.
type Gate struct {
	Ensure func(ctx context.Context, userID, groupID string, day time.Time) error
	Now    func() time.Time
}

func NewGate(m *Materializer) *Gate {
	return &Gate{
		Ensure: m.EnsureInstances,
		Now:    func() time.Time { return time.Now() },
	}
}

// RunIfNeeded materializes today for every group concurrently and
// returns the watermark the caller should persist. On any group failure
// the old watermark comes back unchanged so the whole pass is retried
// later; groups that did succeed are protected by the materializer's
// existing-instances check and will not duplicate.
func (g *Gate) RunIfNeeded(ctx context.Context, userID, lastGenerated string, groups []Group) (string, error) {
	day := g.Now()
	today := datekey.Day(day)
	if today <= lastGenerated {
		return lastGenerated, nil
	}

	var eg errgroup.Group
	for _, group := range groups {
		groupID := group.ID
		eg.Go(func() error {
			if err := g.Ensure(ctx, userID, groupID, day); err != nil {
				return fmt.Errorf("group %s: %w", groupID, err)
			}
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		generationPasses.WithLabelValues("failed").Inc()
		return lastGenerated, err
	}

	generationPasses.WithLabelValues("completed").Inc()
	return today, nil
}
