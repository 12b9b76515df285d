package planner

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nuid"
	"github.com/taskday/project/internal/contracts"
	"github.com/taskday/project/internal/datekey"
	"github.com/taskday/project/internal/sharding"
)

// PublishFunc emits a change event onto the task change feed.
type PublishFunc func(subject string, payload []byte) error

// Materializer turns a group's templates into concrete task instances
// for one user and one day.
type Materializer struct {
	Repo    Repository
	Publish PublishFunc
	NewID   func() string
	Now     func() time.Time
}

func NewMaterializer(repo Repository, publish PublishFunc) *Materializer {
	return &Materializer{
		Repo:    repo,
		Publish: publish,
		NewID:   nuid.Next,
		Now:     func() time.Time { return time.Now() },
	}
}

// EnsureInstances materializes the given day for one (user, group) pair.
// If any instance already exists for that day the whole pass is skipped:
// presence of one instance means the day was generated before, and
// regenerating would duplicate tasks the user may have completed or
// whose templates were since edited. The check-then-write sequence is
// not guarded by a uniqueness constraint, so two concurrent callers can
// both pass the check and double-write; callers serialize per user to
// keep that window small.
func (m *Materializer) EnsureInstances(ctx context.Context, userID, groupID string, day time.Time) error {
	date := datekey.Day(day)

	existing, err := m.Repo.ListInstances(ctx, userID, groupID, date)
	if err != nil {
		return fmt.Errorf("check existing instances: %w", err)
	}
	if len(existing) > 0 {
		return nil
	}

	templates, err := m.Repo.ListTemplates(ctx, groupID)
	if err != nil {
		return fmt.Errorf("load templates: %w", err)
	}

	instances := make([]TaskInstance, 0, len(templates))
	for _, tpl := range templates {
		if !tpl.Recurrence.Matches(day) {
			continue
		}
		instances = append(instances, m.instanceFromTemplate(userID, tpl, date))
	}
	if len(instances) == 0 {
		return nil
	}

	if err := m.Repo.CreateInstances(ctx, instances); err != nil {
		return fmt.Errorf("write instances: %w", err)
	}
	instancesMaterialized.WithLabelValues("day").Add(float64(len(instances)))

	m.notify(contracts.TaskChangeEvent{
		EventID:    m.NewID(),
		UserID:     userID,
		GroupID:    groupID,
		Date:       date,
		ChangeType: contracts.ChangeInstancesMaterialized,
		Count:      len(instances),
		OccurredAt: m.Now(),
	})
	return nil
}

// MaterializeTemplate creates the day's instance for a single template,
// bypassing the existing-instances check. This is the path for templates
// added after the day was already generated.
func (m *Materializer) MaterializeTemplate(ctx context.Context, userID string, tpl TaskTemplate, day time.Time) error {
	if !tpl.Recurrence.Matches(day) {
		return nil
	}
	date := datekey.Day(day)

	inst := m.instanceFromTemplate(userID, tpl, date)
	if err := m.Repo.CreateInstances(ctx, []TaskInstance{inst}); err != nil {
		return fmt.Errorf("write instance: %w", err)
	}
	instancesMaterialized.WithLabelValues("template").Inc()

	m.notify(contracts.TaskChangeEvent{
		EventID:    m.NewID(),
		UserID:     userID,
		GroupID:    tpl.GroupID,
		Date:       date,
		ChangeType: contracts.ChangeInstanceCreated,
		Count:      1,
		OccurredAt: m.Now(),
	})
	return nil
}

func (m *Materializer) instanceFromTemplate(userID string, tpl TaskTemplate, date string) TaskInstance {
	return TaskInstance{
		ID:         m.NewID(),
		Title:      tpl.Title,
		StartTime:  tpl.StartTime,
		EndTime:    tpl.EndTime,
		Date:       date,
		Status:     StatusPending,
		UserID:     userID,
		GroupID:    tpl.GroupID,
		TemplateID: tpl.ID,
	}
}

// notify is best effort. The change feed only wakes subscribers into a
// fresh recount, so a lost event never corrupts state; persisted writes
// are not reported as failures because the feed was down.
func (m *Materializer) notify(event contracts.TaskChangeEvent) {
	publishChange(m.Publish, event)
}

func publishChange(publish PublishFunc, event contracts.TaskChangeEvent) {
	if publish == nil {
		return
	}
	payload, err := json.Marshal(event)
	if err != nil {
		return
	}
	_ = publish(sharding.ChangeSubject(event.UserID), payload)
}
