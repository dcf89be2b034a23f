package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/samber/lo"

	"github.com/opsnav/opsnav/internal/database"
	"github.com/opsnav/opsnav/internal/faults"
)

// taskResponse is the stored task row. Result is the raw payload the
// workflow recorded, or null while it is still running.
type taskResponse struct {
	ID        string          `json:"id"`
	Type      string          `json:"type"`
	TargetID  *string         `json:"target_id"`
	Status    string          `json:"status"`
	Progress  int32           `json:"progress"`
	Message   *string         `json:"message"`
	Result    json.RawMessage `json:"result"`
	CreatedAt *time.Time      `json:"created_at"`
	UpdatedAt *time.Time      `json:"updated_at"`
}

func taskView(t *database.Task) taskResponse {
	var result json.RawMessage
	if len(t.Result) > 0 {
		result = json.RawMessage(t.Result)
	}
	return taskResponse{
		ID:        t.ID,
		Type:      t.Type,
		TargetID:  textPtr(t.TargetID),
		Status:    t.Status,
		Progress:  t.Progress,
		Message:   textPtr(t.Message),
		Result:    result,
		CreatedAt: timePtr(t.CreatedAt),
		UpdatedAt: timePtr(t.UpdatedAt),
	}
}

// handleListTasks pages through task rows, newest first, optionally
// filtered by status and type.
func (s *Service) handleListTasks(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	query := r.URL.Query()

	page, err := s.tasks.List(ctx,
		query.Get("status"),
		query.Get("type"),
		queryInt(query.Get("page"), 1),
		queryInt(query.Get("page_size"), 20),
	)
	if err != nil {
		s.logger.Error("Failed to list tasks", "error", err)
		faults.WriteJSON(w, err)
		return
	}

	response := map[string]interface{}{
		"total": page.Total,
		"items": lo.Map(page.Items, func(t *database.Task, _ int) taskResponse {
			return taskView(t)
		}),
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(response)
}

// handleGetTask returns one task row by id.
func (s *Service) handleGetTask(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	task, err := s.tasks.Get(ctx, r.PathValue("id"))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			faults.WriteJSON(w, faults.NotFoundf("Task not found"))
			return
		}
		s.logger.Error("Failed to load task", "error", err)
		faults.WriteJSON(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(taskView(task))
}
