package planner

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/taskday/project/internal/contracts"
	"github.com/taskday/project/internal/datekey"
)

type fakeRepo struct {
	mu sync.Mutex

	users     map[string]UserRecord
	groups    map[string]Group
	templates map[string]TaskTemplate
	instances map[string]TaskInstance

	listInstancesErr   error
	listTemplatesErr   error
	createInstancesErr error
	setWatermarkErr    error

	createInstanceBatches int
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{
		users:     map[string]UserRecord{},
		groups:    map[string]Group{},
		templates: map[string]TaskTemplate{},
		instances: map[string]TaskInstance{},
	}
}

func (f *fakeRepo) EnsureSchema(ctx context.Context) error { return nil }

func (f *fakeRepo) EnsureUser(ctx context.Context, userID, email string) (UserRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	u, ok := f.users[userID]
	if !ok {
		u = UserRecord{ID: userID, Email: email, LastGeneratedDate: datekey.Epoch}
	}
	u.Email = email
	f.users[userID] = u
	return u, nil
}

func (f *fakeRepo) SetLastGeneratedDate(ctx context.Context, userID, date string) error {
	if f.setWatermarkErr != nil {
		return f.setWatermarkErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	u, ok := f.users[userID]
	if !ok {
		return ErrNotFound
	}
	u.LastGeneratedDate = date
	f.users[userID] = u
	return nil
}

func (f *fakeRepo) ListUsers(ctx context.Context) ([]UserRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	users := make([]UserRecord, 0, len(f.users))
	for _, u := range f.users {
		users = append(users, u)
	}
	sort.Slice(users, func(i, j int) bool { return users[i].ID < users[j].ID })
	return users, nil
}

func (f *fakeRepo) CreateGroup(ctx context.Context, group Group) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.groups[group.ID] = group
	return nil
}

func (f *fakeRepo) GetGroup(ctx context.Context, groupID string) (Group, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	g, ok := f.groups[groupID]
	if !ok {
		return Group{}, ErrNotFound
	}
	return g, nil
}

func (f *fakeRepo) ListGroupsByOwner(ctx context.Context, ownerID string) ([]Group, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	groups := make([]Group, 0)
	for _, g := range f.groups {
		if g.OwnerID == ownerID {
			groups = append(groups, g)
		}
	}
	sort.Slice(groups, func(i, j int) bool { return groups[i].ID < groups[j].ID })
	return groups, nil
}

func (f *fakeRepo) DeleteGroupCascade(ctx context.Context, groupID, ownerID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	g, ok := f.groups[groupID]
	if !ok || g.OwnerID != ownerID {
		return ErrNotFound
	}
	for id, inst := range f.instances {
		if inst.GroupID == groupID && inst.UserID == ownerID {
			delete(f.instances, id)
		}
	}
	for id, tpl := range f.templates {
		if tpl.GroupID == groupID {
			delete(f.templates, id)
		}
	}
	delete(f.groups, groupID)
	return nil
}

func (f *fakeRepo) CreateTemplate(ctx context.Context, template TaskTemplate) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.templates[template.ID] = template
	return nil
}

func (f *fakeRepo) ListTemplates(ctx context.Context, groupID string) ([]TaskTemplate, error) {
	if f.listTemplatesErr != nil {
		return nil, f.listTemplatesErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	templates := make([]TaskTemplate, 0)
	for _, tpl := range f.templates {
		if tpl.GroupID == groupID {
			templates = append(templates, tpl)
		}
	}
	sort.Slice(templates, func(i, j int) bool { return templates[i].ID < templates[j].ID })
	return templates, nil
}

func (f *fakeRepo) DeleteTemplate(ctx context.Context, groupID, templateID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	tpl, ok := f.templates[templateID]
	if !ok || tpl.GroupID != groupID {
		return ErrNotFound
	}
	delete(f.templates, templateID)
	return nil
}

func (f *fakeRepo) CreateInstances(ctx context.Context, instances []TaskInstance) error {
	if f.createInstancesErr != nil {
		return f.createInstancesErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.createInstanceBatches++
	for _, inst := range instances {
		f.instances[inst.ID] = inst
	}
	return nil
}

func (f *fakeRepo) ListInstances(ctx context.Context, userID, groupID, date string) ([]TaskInstance, error) {
	if f.listInstancesErr != nil {
		return nil, f.listInstancesErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	instances := make([]TaskInstance, 0)
	for _, inst := range f.instances {
		if inst.UserID == userID && inst.GroupID == groupID && inst.Date == date {
			instances = append(instances, inst)
		}
	}
	sortInstances(instances)
	return instances, nil
}

func (f *fakeRepo) ListPendingInstances(ctx context.Context, userID, date string) ([]TaskInstance, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	instances := make([]TaskInstance, 0)
	for _, inst := range f.instances {
		if inst.UserID == userID && inst.Date == date && inst.Status == StatusPending {
			instances = append(instances, inst)
		}
	}
	sortInstances(instances)
	return instances, nil
}

func (f *fakeRepo) SetInstanceStatus(ctx context.Context, instanceID, userID, status string) (TaskInstance, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	inst, ok := f.instances[instanceID]
	if !ok || inst.UserID != userID {
		return TaskInstance{}, ErrNotFound
	}
	inst.Status = status
	f.instances[instanceID] = inst
	return inst, nil
}

func sortInstances(instances []TaskInstance) {
	sort.Slice(instances, func(i, j int) bool {
		if instances[i].StartTime != instances[j].StartTime {
			return instances[i].StartTime < instances[j].StartTime
		}
		return instances[i].Title < instances[j].Title
	})
}

type capturedEvent struct {
	subject string
	event   contracts.TaskChangeEvent
}

type capturePublisher struct {
	mu     sync.Mutex
	events []capturedEvent
}

func (p *capturePublisher) publish(subject string, payload []byte) error {
	var ev contracts.TaskChangeEvent
	_ = json.Unmarshal(payload, &ev)
	p.mu.Lock()
	p.events = append(p.events, capturedEvent{subject: subject, event: ev})
	p.mu.Unlock()
	return nil
}

func (p *capturePublisher) captured() []capturedEvent {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]capturedEvent, len(p.events))
	copy(out, p.events)
	return out
}

// testNow is a Wednesday, local day 2026-06-03.
func testNow() time.Time {
	return time.Date(2026, 6, 3, 9, 0, 0, 0, time.UTC)
}

const testToday = "2026-06-03"

func newTestService(repo Repository, publish PublishFunc) *Service {
	svc := NewService(repo, publish)
	svc.Now = testNow
	svc.Materializer.Now = testNow
	svc.Gate.Now = testNow

	var seq int64
	newID := func() string {
		return fmt.Sprintf("id-%03d", atomic.AddInt64(&seq, 1))
	}
	svc.NewID = newID
	svc.Materializer.NewID = newID
	return svc
}
