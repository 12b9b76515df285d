package planner

import (
	"context"
	"errors"
	"testing"

	"github.com/taskday/project/internal/contracts"
	"github.com/taskday/project/internal/recurrence"
	"github.com/taskday/project/internal/sharding"
)

func seedGroup(t *testing.T, repo *fakeRepo, id, ownerID string) {
	t.Helper()
	if err := repo.CreateGroup(context.Background(), Group{ID: id, Name: "Group " + id, OwnerID: ownerID, CreatedAt: testNow()}); err != nil {
		t.Fatalf("seed group: %v", err)
	}
}

func seedTemplate(t *testing.T, repo *fakeRepo, id, groupID string, rule recurrence.Rule) TaskTemplate {
	t.Helper()
	tpl := TaskTemplate{
		ID:         id,
		Title:      "Template " + id,
		StartTime:  "09:00",
		EndTime:    "10:00",
		Recurrence: rule,
		GroupID:    groupID,
		CreatedAt:  testNow(),
	}
	if err := repo.CreateTemplate(context.Background(), tpl); err != nil {
		t.Fatalf("seed template: %v", err)
	}
	return tpl
}

func TestEnsureInstances_MaterializesMatchingTemplates(t *testing.T) {
	repo := newFakeRepo()
	pub := &capturePublisher{}
	svc := newTestService(repo, pub.publish)

	seedGroup(t, repo, "g1", "u1")
	// testNow is a Wednesday (weekday 3).
	seedTemplate(t, repo, "t1", "g1", recurrence.Daily())
	seedTemplate(t, repo, "t2", "g1", recurrence.Weekly(3))
	seedTemplate(t, repo, "t3", "g1", recurrence.Weekly(0, 6))
	seedTemplate(t, repo, "t4", "g1", recurrence.Once(testToday))
	seedTemplate(t, repo, "t5", "g1", recurrence.Once("2026-06-04"))

	if err := svc.Materializer.EnsureInstances(context.Background(), "u1", "g1", testNow()); err != nil {
		t.Fatalf("EnsureInstances error: %v", err)
	}

	instances, err := repo.ListInstances(context.Background(), "u1", "g1", testToday)
	if err != nil {
		t.Fatalf("ListInstances error: %v", err)
	}
	if len(instances) != 3 {
		t.Fatalf("expected 3 instances, got %d", len(instances))
	}
	byTemplate := map[string]TaskInstance{}
	for _, inst := range instances {
		byTemplate[inst.TemplateID] = inst
	}
	for _, want := range []string{"t1", "t2", "t4"} {
		inst, ok := byTemplate[want]
		if !ok {
			t.Fatalf("missing instance for template %s", want)
		}
		if inst.Status != StatusPending {
			t.Errorf("template %s: status = %q, want pending", want, inst.Status)
		}
		if inst.Title != "Template "+want || inst.StartTime != "09:00" || inst.EndTime != "10:00" {
			t.Errorf("template %s: fields not copied: %+v", want, inst)
		}
		if inst.Date != testToday || inst.UserID != "u1" || inst.GroupID != "g1" {
			t.Errorf("template %s: wrong placement: %+v", want, inst)
		}
	}
	if repo.createInstanceBatches != 1 {
		t.Errorf("expected a single batch write, got %d", repo.createInstanceBatches)
	}

	events := pub.captured()
	if len(events) != 1 {
		t.Fatalf("expected 1 change event, got %d", len(events))
	}
	ev := events[0]
	if ev.subject != sharding.ChangeSubject("u1") {
		t.Errorf("subject = %q, want %q", ev.subject, sharding.ChangeSubject("u1"))
	}
	if ev.event.ChangeType != contracts.ChangeInstancesMaterialized || ev.event.Count != 3 {
		t.Errorf("unexpected event: %+v", ev.event)
	}
}

func TestEnsureInstances_SkipsWhenAnyInstanceExists(t *testing.T) {
	repo := newFakeRepo()
	pub := &capturePublisher{}
	svc := newTestService(repo, pub.publish)

	seedGroup(t, repo, "g1", "u1")
	seedTemplate(t, repo, "t1", "g1", recurrence.Daily())
	seedTemplate(t, repo, "t2", "g1", recurrence.Daily())

	existing := TaskInstance{
		ID: "pre", UserID: "u1", GroupID: "g1", TemplateID: "t1",
		Title: "already here", StartTime: "08:00", EndTime: "08:30",
		Date: testToday, Status: StatusCompleted,
	}
	if err := repo.CreateInstances(context.Background(), []TaskInstance{existing}); err != nil {
		t.Fatalf("seed instance: %v", err)
	}
	pub.events = nil
	repo.createInstanceBatches = 0

	if err := svc.Materializer.EnsureInstances(context.Background(), "u1", "g1", testNow()); err != nil {
		t.Fatalf("EnsureInstances error: %v", err)
	}

	instances, _ := repo.ListInstances(context.Background(), "u1", "g1", testToday)
	if len(instances) != 1 {
		t.Fatalf("expected the pre-existing instance only, got %d", len(instances))
	}
	if repo.createInstanceBatches != 0 {
		t.Errorf("expected no writes, got %d batches", repo.createInstanceBatches)
	}
	if len(pub.captured()) != 0 {
		t.Errorf("expected no change events on a skipped day")
	}
}

func TestEnsureInstances_IsIdempotent(t *testing.T) {
	repo := newFakeRepo()
	svc := newTestService(repo, nil)

	seedGroup(t, repo, "g1", "u1")
	seedTemplate(t, repo, "t1", "g1", recurrence.Daily())

	for i := 0; i < 3; i++ {
		if err := svc.Materializer.EnsureInstances(context.Background(), "u1", "g1", testNow()); err != nil {
			t.Fatalf("pass %d: %v", i, err)
		}
	}

	instances, _ := repo.ListInstances(context.Background(), "u1", "g1", testToday)
	if len(instances) != 1 {
		t.Fatalf("expected 1 instance after repeated passes, got %d", len(instances))
	}
}

func TestEnsureInstances_NothingToMaterialize(t *testing.T) {
	repo := newFakeRepo()
	pub := &capturePublisher{}
	svc := newTestService(repo, pub.publish)

	seedGroup(t, repo, "g1", "u1")
	seedTemplate(t, repo, "t1", "g1", recurrence.Weekly(0))

	if err := svc.Materializer.EnsureInstances(context.Background(), "u1", "g1", testNow()); err != nil {
		t.Fatalf("EnsureInstances error: %v", err)
	}
	if repo.createInstanceBatches != 0 {
		t.Errorf("expected no batch write for an empty day")
	}
	if len(pub.captured()) != 0 {
		t.Errorf("expected no change event for an empty day")
	}
}

func TestEnsureInstances_WriteErrorPropagates(t *testing.T) {
	repo := newFakeRepo()
	pub := &capturePublisher{}
	svc := newTestService(repo, pub.publish)

	seedGroup(t, repo, "g1", "u1")
	seedTemplate(t, repo, "t1", "g1", recurrence.Daily())

	boom := errors.New("boom")
	repo.createInstancesErr = boom

	err := svc.Materializer.EnsureInstances(context.Background(), "u1", "g1", testNow())
	if !errors.Is(err, boom) {
		t.Fatalf("expected wrapped write error, got %v", err)
	}
	if len(pub.captured()) != 0 {
		t.Errorf("expected no change event after a failed write")
	}
}

func TestMaterializeTemplate_BypassesExistingInstancesCheck(t *testing.T) {
	repo := newFakeRepo()
	pub := &capturePublisher{}
	svc := newTestService(repo, pub.publish)

	seedGroup(t, repo, "g1", "u1")
	seedTemplate(t, repo, "t1", "g1", recurrence.Daily())

	if err := svc.Materializer.EnsureInstances(context.Background(), "u1", "g1", testNow()); err != nil {
		t.Fatalf("EnsureInstances error: %v", err)
	}

	tplB := seedTemplate(t, repo, "t2", "g1", recurrence.Daily())
	if err := svc.Materializer.MaterializeTemplate(context.Background(), "u1", tplB, testNow()); err != nil {
		t.Fatalf("MaterializeTemplate error: %v", err)
	}

	instances, _ := repo.ListInstances(context.Background(), "u1", "g1", testToday)
	if len(instances) != 2 {
		t.Fatalf("expected 2 instances after late template, got %d", len(instances))
	}
	events := pub.captured()
	last := events[len(events)-1]
	if last.event.ChangeType != contracts.ChangeInstanceCreated || last.event.Count != 1 {
		t.Errorf("unexpected event for late template: %+v", last.event)
	}
}

func TestMaterializeTemplate_NonMatchingDayIsNoop(t *testing.T) {
	repo := newFakeRepo()
	svc := newTestService(repo, nil)

	seedGroup(t, repo, "g1", "u1")
	tpl := seedTemplate(t, repo, "t1", "g1", recurrence.Once("2030-01-01"))

	if err := svc.Materializer.MaterializeTemplate(context.Background(), "u1", tpl, testNow()); err != nil {
		t.Fatalf("MaterializeTemplate error: %v", err)
	}
	instances, _ := repo.ListInstances(context.Background(), "u1", "g1", testToday)
	if len(instances) != 0 {
		t.Fatalf("expected no instance for non-matching template, got %d", len(instances))
	}
}
