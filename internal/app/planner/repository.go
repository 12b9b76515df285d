package planner

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/taskday/project/internal/datekey"
	"github.com/taskday/project/internal/recurrence"
)

var ErrNotFound = errors.New("not found")

// Task instance statuses.
const (
	StatusPending   = "pending"
	StatusCompleted = "completed"
)

type Group struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	OwnerID   string    `json:"owner_id"`
	CreatedAt time.Time `json:"created_at"`
}

// TaskTemplate is the recurring-task definition owned by a group.
type TaskTemplate struct {
	ID         string          `json:"id"`
	Title      string          `json:"title"`
	StartTime  string          `json:"start_time"`
	EndTime    string          `json:"end_time"`
	Recurrence recurrence.Rule `json:"recurrence"`
	GroupID    string          `json:"group_id"`
	CreatedAt  time.Time       `json:"created_at"`
}

// TaskInstance is a materialized occurrence for exactly one user and one
// day. Title and times are copied from the template at creation time;
// later template edits do not touch existing instances, and an instance
// survives deletion of its template.
type TaskInstance struct {
	ID         string `json:"id"`
	Title      string `json:"title"`
	StartTime  string `json:"start_time"`
	EndTime    string `json:"end_time"`
	Date       string `json:"date"`
	Status     string `json:"status"`
	UserID     string `json:"user_id"`
	GroupID    string `json:"group_id"`
	TemplateID string `json:"template_id"`
}

// UserRecord carries the per-user generation watermark.
type UserRecord struct {
	ID                string `json:"id"`
	Email             string `json:"email"`
	LastGeneratedDate string `json:"last_generated_date"`
}

type Repository interface {
	EnsureSchema(ctx context.Context) error

	EnsureUser(ctx context.Context, userID, email string) (UserRecord, error)
	SetLastGeneratedDate(ctx context.Context, userID, date string) error
	ListUsers(ctx context.Context) ([]UserRecord, error)

	CreateGroup(ctx context.Context, group Group) error
	GetGroup(ctx context.Context, groupID string) (Group, error)
	ListGroupsByOwner(ctx context.Context, ownerID string) ([]Group, error)
	DeleteGroupCascade(ctx context.Context, groupID, ownerID string) error

	CreateTemplate(ctx context.Context, template TaskTemplate) error
	ListTemplates(ctx context.Context, groupID string) ([]TaskTemplate, error)
	DeleteTemplate(ctx context.Context, groupID, templateID string) error

	CreateInstances(ctx context.Context, instances []TaskInstance) error
	ListInstances(ctx context.Context, userID, groupID, date string) ([]TaskInstance, error)
	ListPendingInstances(ctx context.Context, userID, date string) ([]TaskInstance, error)
	SetInstanceStatus(ctx context.Context, instanceID, userID, status string) (TaskInstance, error)
}

type PostgresRepository struct {
	Pool *pgxpool.Pool
}

func NewPostgresRepository(pool *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{Pool: pool}
}

const createPlannerUsersSQL = `
CREATE TABLE IF NOT EXISTS planner_users (
  id text PRIMARY KEY,
  email text NOT NULL DEFAULT '',
  last_generated_date text NOT NULL DEFAULT '` + datekey.Epoch + `',
  created_at timestamptz NOT NULL DEFAULT now()
)`

const createGroupsSQL = `
CREATE TABLE IF NOT EXISTS groups (
  id text PRIMARY KEY,
  name text NOT NULL,
  owner_id text NOT NULL,
  created_at timestamptz NOT NULL
)`

const createTemplatesSQL = `
CREATE TABLE IF NOT EXISTS task_templates (
  id text PRIMARY KEY,
  group_id text NOT NULL REFERENCES groups(id) ON DELETE CASCADE,
  title text NOT NULL,
  start_time text NOT NULL,
  end_time text NOT NULL,
  recurrence jsonb NOT NULL,
  created_at timestamptz NOT NULL
)`

// template_id is provenance only, deliberately no foreign key: instances
// outlive their template. There is also no uniqueness constraint on
// (user_id, group_id, template_id, date); concurrent materialization of
// the same day can duplicate instances, which the application accepts.
const createInstancesSQL = `
CREATE TABLE IF NOT EXISTS task_instances (
  id text PRIMARY KEY,
  user_id text NOT NULL,
  group_id text NOT NULL,
  template_id text NOT NULL,
  title text NOT NULL,
  start_time text NOT NULL,
  end_time text NOT NULL,
  date text NOT NULL,
  status text NOT NULL DEFAULT 'pending',
  created_at timestamptz NOT NULL DEFAULT now()
)`

const createInstancesDayIdxSQL = `
CREATE INDEX IF NOT EXISTS task_instances_user_group_date_idx
ON task_instances (user_id, group_id, date)`

const createInstancesPendingIdxSQL = `
CREATE INDEX IF NOT EXISTS task_instances_user_date_status_idx
ON task_instances (user_id, date, status)`

func (r *PostgresRepository) EnsureSchema(ctx context.Context) error {
	stmts := []string{
		createPlannerUsersSQL,
		createGroupsSQL,
		createTemplatesSQL,
		createInstancesSQL,
		createInstancesDayIdxSQL,
		createInstancesPendingIdxSQL,
	}
	for _, stmt := range stmts {
		if _, err := r.Pool.Exec(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

func (r *PostgresRepository) EnsureUser(ctx context.Context, userID, email string) (UserRecord, error) {
	var u UserRecord
	err := r.Pool.QueryRow(ctx,
		`INSERT INTO planner_users (id, email)
		 VALUES ($1, $2)
		 ON CONFLICT (id) DO UPDATE SET email = EXCLUDED.email
		 RETURNING id, email, last_generated_date`,
		userID, email,
	).Scan(&u.ID, &u.Email, &u.LastGeneratedDate)
	if err != nil {
		return UserRecord{}, err
	}
	return u, nil
}

func (r *PostgresRepository) SetLastGeneratedDate(ctx context.Context, userID, date string) error {
	res, err := r.Pool.Exec(ctx,
		`UPDATE planner_users SET last_generated_date = $2 WHERE id = $1`,
		userID, date,
	)
	if err != nil {
		return err
	}
	if res.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *PostgresRepository) ListUsers(ctx context.Context) ([]UserRecord, error) {
	rows, err := r.Pool.Query(ctx,
		`SELECT id, email, last_generated_date FROM planner_users ORDER BY created_at`,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	users := make([]UserRecord, 0)
	for rows.Next() {
		var u UserRecord
		if err := rows.Scan(&u.ID, &u.Email, &u.LastGeneratedDate); err != nil {
			return nil, err
		}
		users = append(users, u)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return users, nil
}

func (r *PostgresRepository) CreateGroup(ctx context.Context, group Group) error {
	_, err := r.Pool.Exec(ctx,
		`INSERT INTO groups (id, name, owner_id, created_at) VALUES ($1, $2, $3, $4)`,
		group.ID, group.Name, group.OwnerID, group.CreatedAt,
	)
	return err
}

func (r *PostgresRepository) GetGroup(ctx context.Context, groupID string) (Group, error) {
	var g Group
	err := r.Pool.QueryRow(ctx,
		`SELECT id, name, owner_id, created_at FROM groups WHERE id = $1`,
		groupID,
	).Scan(&g.ID, &g.Name, &g.OwnerID, &g.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Group{}, ErrNotFound
		}
		return Group{}, err
	}
	return g, nil
}

func (r *PostgresRepository) ListGroupsByOwner(ctx context.Context, ownerID string) ([]Group, error) {
	rows, err := r.Pool.Query(ctx,
		`SELECT id, name, owner_id, created_at
		 FROM groups
		 WHERE owner_id = $1
		 ORDER BY created_at DESC`,
		ownerID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	groups := make([]Group, 0)
	for rows.Next() {
		var g Group
		if err := rows.Scan(&g.ID, &g.Name, &g.OwnerID, &g.CreatedAt); err != nil {
			return nil, err
		}
		groups = append(groups, g)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return groups, nil
}

// DeleteGroupCascade removes the group, its templates and the owner's
// instances in one transaction.
func (r *PostgresRepository) DeleteGroupCascade(ctx context.Context, groupID, ownerID string) error {
	tx, err := r.Pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx,
		`DELETE FROM task_instances WHERE group_id = $1 AND user_id = $2`,
		groupID, ownerID,
	); err != nil {
		return err
	}
	if _, err := tx.Exec(ctx,
		`DELETE FROM task_templates WHERE group_id = $1`,
		groupID,
	); err != nil {
		return err
	}
	res, err := tx.Exec(ctx,
		`DELETE FROM groups WHERE id = $1 AND owner_id = $2`,
		groupID, ownerID,
	)
	if err != nil {
		return err
	}
	if res.RowsAffected() == 0 {
		return ErrNotFound
	}

	return tx.Commit(ctx)
}

func (r *PostgresRepository) CreateTemplate(ctx context.Context, template TaskTemplate) error {
	rule, err := json.Marshal(template.Recurrence)
	if err != nil {
		return err
	}
	_, err = r.Pool.Exec(ctx,
		`INSERT INTO task_templates (id, group_id, title, start_time, end_time, recurrence, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		template.ID, template.GroupID, template.Title, template.StartTime, template.EndTime, rule, template.CreatedAt,
	)
	return err
}

func (r *PostgresRepository) ListTemplates(ctx context.Context, groupID string) ([]TaskTemplate, error) {
	rows, err := r.Pool.Query(ctx,
		`SELECT id, group_id, title, start_time, end_time, recurrence, created_at
		 FROM task_templates
		 WHERE group_id = $1
		 ORDER BY created_at`,
		groupID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	templates := make([]TaskTemplate, 0)
	for rows.Next() {
		var t TaskTemplate
		var rule []byte
		if err := rows.Scan(&t.ID, &t.GroupID, &t.Title, &t.StartTime, &t.EndTime, &rule, &t.CreatedAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(rule, &t.Recurrence); err != nil {
			return nil, err
		}
		templates = append(templates, t)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return templates, nil
}

func (r *PostgresRepository) DeleteTemplate(ctx context.Context, groupID, templateID string) error {
	res, err := r.Pool.Exec(ctx,
		`DELETE FROM task_templates WHERE id = $1 AND group_id = $2`,
		templateID, groupID,
	)
	if err != nil {
		return err
	}
	if res.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// CreateInstances persists the batch atomically: either every instance
// is written or none is.
func (r *PostgresRepository) CreateInstances(ctx context.Context, instances []TaskInstance) error {
	if len(instances) == 0 {
		return nil
	}
	tx, err := r.Pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	for _, inst := range instances {
		if _, err := tx.Exec(ctx,
			`INSERT INTO task_instances (id, user_id, group_id, template_id, title, start_time, end_time, date, status)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
			inst.ID, inst.UserID, inst.GroupID, inst.TemplateID, inst.Title, inst.StartTime, inst.EndTime, inst.Date, inst.Status,
		); err != nil {
			return err
		}
	}

	return tx.Commit(ctx)
}

func (r *PostgresRepository) ListInstances(ctx context.Context, userID, groupID, date string) ([]TaskInstance, error) {
	rows, err := r.Pool.Query(ctx,
		`SELECT id, user_id, group_id, template_id, title, start_time, end_time, date, status
		 FROM task_instances
		 WHERE user_id = $1 AND group_id = $2 AND date = $3
		 ORDER BY start_time, title`,
		userID, groupID, date,
	)
	if err != nil {
		return nil, err
	}
	return scanInstances(rows)
}

func (r *PostgresRepository) ListPendingInstances(ctx context.Context, userID, date string) ([]TaskInstance, error) {
	rows, err := r.Pool.Query(ctx,
		`SELECT id, user_id, group_id, template_id, title, start_time, end_time, date, status
		 FROM task_instances
		 WHERE user_id = $1 AND date = $2 AND status = $3
		 ORDER BY start_time, title`,
		userID, date, StatusPending,
	)
	if err != nil {
		return nil, err
	}
	return scanInstances(rows)
}

func (r *PostgresRepository) SetInstanceStatus(ctx context.Context, instanceID, userID, status string) (TaskInstance, error) {
	var inst TaskInstance
	err := r.Pool.QueryRow(ctx,
		`UPDATE task_instances
		 SET status = $3
		 WHERE id = $1 AND user_id = $2
		 RETURNING id, user_id, group_id, template_id, title, start_time, end_time, date, status`,
		instanceID, userID, status,
	).Scan(&inst.ID, &inst.UserID, &inst.GroupID, &inst.TemplateID, &inst.Title, &inst.StartTime, &inst.EndTime, &inst.Date, &inst.Status)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return TaskInstance{}, ErrNotFound
		}
		return TaskInstance{}, err
	}
	return inst, nil
}

func scanInstances(rows pgx.Rows) ([]TaskInstance, error) {
	defer rows.Close()

	instances := make([]TaskInstance, 0)
	for rows.Next() {
		var inst TaskInstance
		if err := rows.Scan(&inst.ID, &inst.UserID, &inst.GroupID, &inst.TemplateID, &inst.Title, &inst.StartTime, &inst.EndTime, &inst.Date, &inst.Status); err != nil {
			return nil, err
		}
		instances = append(instances, inst)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return instances, nil
}
