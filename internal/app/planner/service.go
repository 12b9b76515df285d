package planner

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/nats-io/nuid"
	"github.com/taskday/project/internal/contracts"
	"github.com/taskday/project/internal/datekey"
	"github.com/taskday/project/internal/recurrence"
)

var (
	ErrGroupNameRequired = errors.New("group name is required")
	ErrTitleRequired     = errors.New("title is required")
	ErrInvalidTime       = errors.New("start_time and end_time must be HH:MM")
	ErrInvalidStatus     = errors.New("status must be pending or completed")
	ErrInvalidDate       = errors.New("date must be YYYY-MM-DD")
	ErrForbidden         = errors.New("group does not belong to user")
)

// TemplateInput is the caller-supplied part of a task template.
type TemplateInput struct {
	Title      string          `json:"title"`
	StartTime  string          `json:"start_time"`
	EndTime    string          `json:"end_time"`
	Recurrence recurrence.Rule `json:"recurrence"`
}

type Service struct {
	Repo         Repository
	Materializer *Materializer
	Gate         *Gate
	Publish      PublishFunc
	NewID        func() string
	Now          func() time.Time
}

func NewService(repo Repository, publish PublishFunc) *Service {
	m := NewMaterializer(repo, publish)
	return &Service{
		Repo:         repo,
		Materializer: m,
		Gate:         NewGate(m),
		Publish:      publish,
		NewID:        nuid.Next,
		Now:          func() time.Time { return time.Now() },
	}
}

func (s *Service) CreateGroup(ctx context.Context, ownerID, name string) (Group, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return Group{}, ErrGroupNameRequired
	}
	g := Group{
		ID:        s.NewID(),
		Name:      name,
		OwnerID:   ownerID,
		CreatedAt: s.Now(),
	}
	if err := s.Repo.CreateGroup(ctx, g); err != nil {
		return Group{}, err
	}
	return g, nil
}

func (s *Service) ListGroups(ctx context.Context, ownerID string) ([]Group, error) {
	return s.Repo.ListGroupsByOwner(ctx, ownerID)
}

// DeleteGroup removes the group with its templates and the owner's
// instances.
func (s *Service) DeleteGroup(ctx context.Context, userID, groupID string) error {
	if _, err := s.ownedGroup(ctx, userID, groupID); err != nil {
		return err
	}
	return s.Repo.DeleteGroupCascade(ctx, groupID, userID)
}

func (s *Service) CreateTemplate(ctx context.Context, userID, groupID string, in TemplateInput) (TaskTemplate, error) {
	if _, err := s.ownedGroup(ctx, userID, groupID); err != nil {
		return TaskTemplate{}, err
	}
	title := strings.TrimSpace(in.Title)
	if title == "" {
		return TaskTemplate{}, ErrTitleRequired
	}
	if !isWallClock(in.StartTime) || !isWallClock(in.EndTime) {
		return TaskTemplate{}, ErrInvalidTime
	}
	if err := in.Recurrence.Validate(); err != nil {
		return TaskTemplate{}, err
	}

	tpl := TaskTemplate{
		ID:         s.NewID(),
		Title:      title,
		StartTime:  in.StartTime,
		EndTime:    in.EndTime,
		Recurrence: in.Recurrence,
		GroupID:    groupID,
		CreatedAt:  s.Now(),
	}
	if err := s.Repo.CreateTemplate(ctx, tpl); err != nil {
		return TaskTemplate{}, err
	}

	// A template created mid-day still has to show up today even though
	// the day's batch already ran, so it goes through the single-template
	// path that skips the existing-instances check.
	if err := s.Materializer.MaterializeTemplate(ctx, userID, tpl, s.Now()); err != nil {
		return TaskTemplate{}, err
	}
	return tpl, nil
}

func (s *Service) ListTemplates(ctx context.Context, userID, groupID string) ([]TaskTemplate, error) {
	if _, err := s.ownedGroup(ctx, userID, groupID); err != nil {
		return nil, err
	}
	return s.Repo.ListTemplates(ctx, groupID)
}

// DeleteTemplate removes a template; instances already materialized from
// it stay untouched.
func (s *Service) DeleteTemplate(ctx context.Context, userID, groupID, templateID string) error {
	if _, err := s.ownedGroup(ctx, userID, groupID); err != nil {
		return err
	}
	return s.Repo.DeleteTemplate(ctx, groupID, templateID)
}

// OpenDay materializes the day for the group if needed and returns its
// instances. This is the on-demand path a client hits when it shows a
// group's task list.
func (s *Service) OpenDay(ctx context.Context, userID, groupID string, day time.Time) ([]TaskInstance, error) {
	if _, err := s.ownedGroup(ctx, userID, groupID); err != nil {
		return nil, err
	}
	if err := s.Materializer.EnsureInstances(ctx, userID, groupID, day); err != nil {
		return nil, err
	}
	return s.Repo.ListInstances(ctx, userID, groupID, datekey.Day(day))
}

func (s *Service) SetInstanceStatus(ctx context.Context, userID, instanceID, status string) (TaskInstance, error) {
	if status != StatusPending && status != StatusCompleted {
		return TaskInstance{}, ErrInvalidStatus
	}
	inst, err := s.Repo.SetInstanceStatus(ctx, instanceID, userID, status)
	if err != nil {
		return TaskInstance{}, err
	}

	changeType := contracts.ChangeInstanceCompleted
	if status == StatusPending {
		changeType = contracts.ChangeInstanceReopened
	}
	publishChange(s.Publish, contracts.TaskChangeEvent{
		EventID:    s.NewID(),
		UserID:     userID,
		GroupID:    inst.GroupID,
		Date:       inst.Date,
		ChangeType: changeType,
		Count:      1,
		OccurredAt: s.Now(),
	})
	return inst, nil
}

// PendingCounts recounts today's pending instances per group.
func (s *Service) PendingCounts(ctx context.Context, userID string) (CountsSnapshot, error) {
	today := datekey.Day(s.Now())
	pending, err := s.Repo.ListPendingInstances(ctx, userID, today)
	if err != nil {
		return CountsSnapshot{}, err
	}
	counts := make(map[string]int, len(pending))
	for _, inst := range pending {
		counts[inst.GroupID]++
	}
	return CountsSnapshot{Date: today, Counts: counts}, nil
}

// RunDailyGeneration runs the gated generation pass for one user and
// persists the advanced watermark. It returns the watermark in effect
// after the call.
func (s *Service) RunDailyGeneration(ctx context.Context, userID, email string) (string, error) {
	user, err := s.Repo.EnsureUser(ctx, userID, email)
	if err != nil {
		return "", err
	}
	groups, err := s.Repo.ListGroupsByOwner(ctx, userID)
	if err != nil {
		return user.LastGeneratedDate, err
	}

	next, err := s.Gate.RunIfNeeded(ctx, userID, user.LastGeneratedDate, groups)
	if err != nil {
		return user.LastGeneratedDate, err
	}
	if next != user.LastGeneratedDate {
		if err := s.Repo.SetLastGeneratedDate(ctx, userID, next); err != nil {
			return user.LastGeneratedDate, err
		}
	}
	return next, nil
}

func (s *Service) ownedGroup(ctx context.Context, userID, groupID string) (Group, error) {
	g, err := s.Repo.GetGroup(ctx, groupID)
	if err != nil {
		return Group{}, err
	}
	if g.OwnerID != userID {
		return Group{}, ErrForbidden
	}
	return g, nil
}

func isWallClock(v string) bool {
	if len(v) != 5 {
		return false
	}
	_, err := time.Parse("15:04", v)
	return err == nil
}
