package database

import (
	"context"

	"github.com/jackc/pgx/v5/pgtype"
)

const taskCreate = `
INSERT INTO tasks (id, type, target_id, message)
VALUES ($1, $2, $3, $4)
RETURNING id, type, target_id, status, progress, message, result, created_at, updated_at
`

type TaskCreateParams struct {
	ID       string
	Type     string
	TargetID pgtype.Text
	Message  pgtype.Text
}

func (q *Queries) TaskCreate(ctx context.Context, arg *TaskCreateParams) (*Task, error) {
	row := q.db.QueryRow(ctx, taskCreate,
		arg.ID,
		arg.Type,
		arg.TargetID,
		arg.Message,
	)
	var i Task
	err := row.Scan(
		&i.ID,
		&i.Type,
		&i.TargetID,
		&i.Status,
		&i.Progress,
		&i.Message,
		&i.Result,
		&i.CreatedAt,
		&i.UpdatedAt,
	)
	return &i, err
}

const taskFindById = `
SELECT id, type, target_id, status, progress, message, result, created_at, updated_at
FROM tasks WHERE id = $1
`

func (q *Queries) TaskFindById(ctx context.Context, id string) (*Task, error) {
	row := q.db.QueryRow(ctx, taskFindById, id)
	var i Task
	err := row.Scan(
		&i.ID,
		&i.Type,
		&i.TargetID,
		&i.Status,
		&i.Progress,
		&i.Message,
		&i.Result,
		&i.CreatedAt,
		&i.UpdatedAt,
	)
	return &i, err
}

const taskList = `
SELECT id, type, target_id, status, progress, message, result, created_at, updated_at
FROM tasks
WHERE ($1 = '' OR status = $1)
  AND ($2 = '' OR type = $2)
ORDER BY created_at DESC
LIMIT $3 OFFSET $4
`

type TaskListParams struct {
	Status string
	Type   string
	Limit  int32
	Offset int32
}

func (q *Queries) TaskList(ctx context.Context, arg *TaskListParams) ([]*Task, error) {
	rows, err := q.db.Query(ctx, taskList,
		arg.Status,
		arg.Type,
		arg.Limit,
		arg.Offset,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []*Task
	for rows.Next() {
		var i Task
		if err := rows.Scan(
			&i.ID,
			&i.Type,
			&i.TargetID,
			&i.Status,
			&i.Progress,
			&i.Message,
			&i.Result,
			&i.CreatedAt,
			&i.UpdatedAt,
		); err != nil {
			return nil, err
		}
		items = append(items, &i)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return items, nil
}

const taskCount = `
SELECT COUNT(*) FROM tasks
WHERE ($1 = '' OR status = $1)
  AND ($2 = '' OR type = $2)
`

type TaskCountParams struct {
	Status string
	Type   string
}

func (q *Queries) TaskCount(ctx context.Context, arg *TaskCountParams) (int64, error) {
	row := q.db.QueryRow(ctx, taskCount, arg.Status, arg.Type)
	var count int64
	err := row.Scan(&count)
	return count, err
}

const taskUpdate = `
UPDATE tasks
SET status = COALESCE($2, status),
    progress = COALESCE($3, progress),
    message = COALESCE($4, message),
    result = COALESCE($5, result),
    updated_at = now()
WHERE id = $1
RETURNING id, type, target_id, status, progress, message, result, created_at, updated_at
`

type TaskUpdateParams struct {
	ID       string
	Status   pgtype.Text
	Progress pgtype.Int4
	Message  pgtype.Text
	Result   []byte
}

func (q *Queries) TaskUpdate(ctx context.Context, arg *TaskUpdateParams) (*Task, error) {
	row := q.db.QueryRow(ctx, taskUpdate,
		arg.ID,
		arg.Status,
		arg.Progress,
		arg.Message,
		arg.Result,
	)
	var i Task
	err := row.Scan(
		&i.ID,
		&i.Type,
		&i.TargetID,
		&i.Status,
		&i.Progress,
		&i.Message,
		&i.Result,
		&i.CreatedAt,
		&i.UpdatedAt,
	)
	return &i, err
}
