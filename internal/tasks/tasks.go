// Package tasks provides the durable record of long-running operations
// and the bounded worker pool that executes them. Every mutating
// workflow (clone, install-tools, sync) runs through a Runner worker
// holding a Writer, the single writer for that task's progress stream.
package tasks

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/opsnav/opsnav/internal/database"
)

// Store is the slice of the query layer the tracker needs.
type Store interface {
	TaskCreate(ctx context.Context, arg *database.TaskCreateParams) (*database.Task, error)
	TaskUpdate(ctx context.Context, arg *database.TaskUpdateParams) (*database.Task, error)
	TaskFindById(ctx context.Context, id string) (*database.Task, error)
	TaskList(ctx context.Context, arg *database.TaskListParams) ([]*database.Task, error)
	TaskCount(ctx context.Context, arg *database.TaskCountParams) (int64, error)
}

// Publisher mirrors task transitions onto a message bus. Optional.
type Publisher interface {
	Publish(subject string, data []byte) error
}

// Service tracks tasks in the store and mirrors every transition to the
// event bus when one is configured.
type Service struct {
	logger *slog.Logger
	store  Store
	events Publisher
}

// NewService creates a task tracker. events may be nil.
func NewService(store Store, events Publisher, logger *slog.Logger) *Service {
	return &Service{
		logger: logger,
		store:  store,
		events: events,
	}
}

// Create records a new pending task with progress zero and returns it.
func (s *Service) Create(ctx context.Context, kind, targetID, message string) (*database.Task, error) {
	task, err := s.store.TaskCreate(ctx, &database.TaskCreateParams{
		ID:       uuid.New().String(),
		Type:     kind,
		TargetID: database.TextOrNull(targetID),
		Message:  database.TextOrNull(message),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create task: %w", err)
	}
	s.publish(task)
	return task, nil
}

// Update is a partial patch: zero-valued fields leave the stored value
// untouched.
type Update struct {
	Status   string  // "" leaves status unchanged
	Progress *int32  // nil leaves progress unchanged
	Message  *string // nil leaves message unchanged
	Result   any     // nil leaves result unchanged; marshaled to JSON
}

// Apply patches the task row and returns the updated task.
func (s *Service) Apply(ctx context.Context, id string, u Update) (*database.Task, error) {
	var result []byte
	if u.Result != nil {
		b, err := json.Marshal(u.Result)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal task result: %w", err)
		}
		result = b
	}

	task, err := s.store.TaskUpdate(ctx, &database.TaskUpdateParams{
		ID:       id,
		Status:   database.TextOrNull(u.Status),
		Progress: database.Int4Ptr(u.Progress),
		Message:  database.TextPtr(u.Message),
		Result:   result,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to update task %s: %w", id, err)
	}
	s.publish(task)
	return task, nil
}

// Get returns a task by id.
func (s *Service) Get(ctx context.Context, id string) (*database.Task, error) {
	return s.store.TaskFindById(ctx, id)
}

// Page is one page of tasks plus the unpaged total.
type Page struct {
	Total int64
	Items []*database.Task
}

// List returns tasks filtered by status and kind, newest first.
func (s *Service) List(ctx context.Context, status, kind string, page, pageSize int32) (*Page, error) {
	if page < 1 {
		page = 1
	}
	if pageSize < 1 {
		pageSize = 20
	}

	total, err := s.store.TaskCount(ctx, &database.TaskCountParams{Status: status, Type: kind})
	if err != nil {
		return nil, fmt.Errorf("failed to count tasks: %w", err)
	}
	items, err := s.store.TaskList(ctx, &database.TaskListParams{
		Status: status,
		Type:   kind,
		Limit:  pageSize,
		Offset: (page - 1) * pageSize,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list tasks: %w", err)
	}
	return &Page{Total: total, Items: items}, nil
}

// taskEvent is the payload mirrored to the bus on every transition.
type taskEvent struct {
	ID       string `json:"id"`
	Type     string `json:"type"`
	TargetID string `json:"target_id,omitempty"`
	Status   string `json:"status"`
	Progress int32  `json:"progress"`
	Message  string `json:"message,omitempty"`
}

func (s *Service) publish(task *database.Task) {
	if s.events == nil {
		return
	}
	data, err := json.Marshal(taskEvent{
		ID:       task.ID,
		Type:     task.Type,
		TargetID: task.TargetID.String,
		Status:   task.Status,
		Progress: task.Progress,
		Message:  task.Message.String,
	})
	if err != nil {
		return
	}
	subject := fmt.Sprintf("tasks.%s.%s", task.Type, task.ID)
	if err := s.events.Publish(subject, data); err != nil {
		s.logger.Warn("Failed to publish task event", "subject", subject, "error", err)
	}
}
