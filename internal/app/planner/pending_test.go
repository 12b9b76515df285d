package planner

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func TestStream_EmitsInitialAndRecountedSnapshots(t *testing.T) {
	var mu sync.Mutex
	counts := map[string]int{"g1": 2}

	var notifyFeed func()
	stopped := false
	agg := &PendingAggregator{
		Counts: func(ctx context.Context, userID string) (CountsSnapshot, error) {
			mu.Lock()
			defer mu.Unlock()
			copied := make(map[string]int, len(counts))
			for k, v := range counts {
				copied[k] = v
			}
			return CountsSnapshot{Date: testToday, Counts: copied}, nil
		},
		Subscribe: func(userID string, notify func()) (func(), error) {
			notifyFeed = notify
			return func() { stopped = true }, nil
		},
	}

	out, release, err := agg.Stream(context.Background(), "u1")
	if err != nil {
		t.Fatalf("Stream error: %v", err)
	}

	first := <-out
	if first.Date != testToday || first.Counts["g1"] != 2 {
		t.Fatalf("unexpected initial snapshot: %+v", first)
	}

	mu.Lock()
	counts["g1"] = 1
	mu.Unlock()
	notifyFeed()

	select {
	case second := <-out:
		if second.Counts["g1"] != 1 {
			t.Fatalf("unexpected recounted snapshot: %+v", second)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for recounted snapshot")
	}

	release()
	if !stopped {
		t.Error("release did not detach from the change feed")
	}
	select {
	case _, ok := <-out:
		if ok {
			// A snapshot may have been in flight; the next read must
			// observe the close.
			if _, ok := <-out; ok {
				t.Error("stream did not close after release")
			}
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for stream close")
	}
}

func TestStream_SubscribeErrorFails(t *testing.T) {
	boom := errors.New("boom")
	agg := &PendingAggregator{
		Counts: func(ctx context.Context, userID string) (CountsSnapshot, error) {
			return CountsSnapshot{}, nil
		},
		Subscribe: func(userID string, notify func()) (func(), error) {
			return nil, boom
		},
	}

	if _, _, err := agg.Stream(context.Background(), "u1"); !errors.Is(err, boom) {
		t.Fatalf("expected subscribe error, got %v", err)
	}
}

func TestEmit_KeepsOnlyLatestSnapshot(t *testing.T) {
	snapshots := []CountsSnapshot{
		{Date: testToday, Counts: map[string]int{"g1": 3}},
		{Date: testToday, Counts: map[string]int{"g1": 1}},
	}
	idx := 0
	agg := &PendingAggregator{
		Counts: func(ctx context.Context, userID string) (CountsSnapshot, error) {
			s := snapshots[idx]
			idx++
			return s, nil
		},
	}

	out := make(chan CountsSnapshot, 1)
	agg.emit(context.Background(), "u1", out)
	agg.emit(context.Background(), "u1", out)

	got := <-out
	if got.Counts["g1"] != 1 {
		t.Fatalf("expected latest snapshot to win, got %+v", got)
	}
}

func TestEmit_DropsFailedRecount(t *testing.T) {
	agg := &PendingAggregator{
		Counts: func(ctx context.Context, userID string) (CountsSnapshot, error) {
			return CountsSnapshot{}, errors.New("store down")
		},
	}

	out := make(chan CountsSnapshot, 1)
	agg.emit(context.Background(), "u1", out)
	select {
	case s := <-out:
		t.Fatalf("expected no snapshot on recount failure, got %+v", s)
	default:
	}
}

func TestPendingCounts_GroupsPendingByGroup(t *testing.T) {
	repo := newFakeRepo()
	svc := newTestService(repo, nil)

	seed := []TaskInstance{
		{ID: "i1", UserID: "u1", GroupID: "g1", Date: testToday, Status: StatusPending, StartTime: "09:00"},
		{ID: "i2", UserID: "u1", GroupID: "g1", Date: testToday, Status: StatusPending, StartTime: "10:00"},
		{ID: "i3", UserID: "u1", GroupID: "g2", Date: testToday, Status: StatusPending, StartTime: "11:00"},
		{ID: "i4", UserID: "u1", GroupID: "g2", Date: testToday, Status: StatusCompleted, StartTime: "12:00"},
		{ID: "i5", UserID: "u1", GroupID: "g1", Date: "2026-06-02", Status: StatusPending, StartTime: "09:00"},
		{ID: "i6", UserID: "u2", GroupID: "g1", Date: testToday, Status: StatusPending, StartTime: "09:00"},
	}
	if err := repo.CreateInstances(context.Background(), seed); err != nil {
		t.Fatalf("seed instances: %v", err)
	}

	snapshot, err := svc.PendingCounts(context.Background(), "u1")
	if err != nil {
		t.Fatalf("PendingCounts error: %v", err)
	}
	if snapshot.Date != testToday {
		t.Errorf("date = %q, want %q", snapshot.Date, testToday)
	}
	if snapshot.Counts["g1"] != 2 || snapshot.Counts["g2"] != 1 {
		t.Errorf("counts = %v, want g1:2 g2:1", snapshot.Counts)
	}
	if len(snapshot.Counts) != 2 {
		t.Errorf("unexpected extra groups in counts: %v", snapshot.Counts)
	}
}
