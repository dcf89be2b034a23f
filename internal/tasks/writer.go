package tasks

import (
	"context"
	"strings"
	"sync"
)

// Task lifecycle states. A task moves pending -> running -> success or
// failed; the terminal states are absorbing.
const (
	StatusPending = "pending"
	StatusRunning = "running"
	StatusSuccess = "success"
	StatusFailed  = "failed"
)

// Task kinds used across the control plane.
const (
	KindCloneVM      = "clone_vm"
	KindInstallTools = "install_tools"
	KindSyncHost     = "sync_host"
)

// Writer is the single writer for one task's progress stream. It keeps
// progress monotonically non-decreasing, prefixes every message with
// the task label, and ignores writes after a terminal transition so a
// slow goroutine cannot resurrect a finished task.
type Writer struct {
	svc *Service
	id  string

	mu       sync.Mutex
	prefix   string
	progress int32
	done     bool
}

// Writer returns a progress writer bound to the given task id.
func (s *Service) Writer(id string) *Writer {
	return &Writer{svc: s, id: id}
}

// ID returns the task id this writer is bound to.
func (w *Writer) ID() string { return w.id }

// SetPrefix sets a label stamped onto every subsequent message.
func (w *Writer) SetPrefix(prefix string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.prefix = prefix
}

func (w *Writer) withPrefix(message string) string {
	if message == "" || w.prefix == "" || strings.Contains(message, w.prefix) {
		return message
	}
	return w.prefix + message
}

// Running marks the task running with the given progress, message and
// optional result payload. Failures are logged, never propagated; a
// lost progress write must not abort the work itself.
func (w *Writer) Running(ctx context.Context, progress int32, message string, result any) {
	w.mu.Lock()
	if w.done {
		w.mu.Unlock()
		return
	}
	if progress < w.progress {
		progress = w.progress
	}
	w.progress = progress
	msg := w.withPrefix(message)
	w.mu.Unlock()

	w.apply(ctx, Update{Status: StatusRunning, Progress: &progress, Message: &msg, Result: result})
}

// Progress advances the task to the given progress and message.
func (w *Writer) Progress(ctx context.Context, progress int32, message string) {
	w.Running(ctx, progress, message, nil)
}

// Succeed marks the task successful at progress 100. An empty message
// or nil result leaves the stored value in place.
func (w *Writer) Succeed(ctx context.Context, message string, result any) {
	w.terminal(ctx, StatusSuccess, message, result)
}

// Fail marks the task failed at progress 100.
func (w *Writer) Fail(ctx context.Context, message string) {
	w.terminal(ctx, StatusFailed, message, nil)
}

func (w *Writer) terminal(ctx context.Context, status, message string, result any) {
	w.mu.Lock()
	if w.done {
		w.mu.Unlock()
		return
	}
	w.done = true
	w.progress = 100
	msg := w.withPrefix(message)
	w.mu.Unlock()

	u := Update{Status: status, Progress: progressDone(), Result: result}
	if msg != "" {
		u.Message = &msg
	}
	// The terminal write must land even when the submitting request's
	// context has been canceled.
	w.apply(context.WithoutCancel(ctx), u)
}

func (w *Writer) apply(ctx context.Context, u Update) {
	if _, err := w.svc.Apply(ctx, w.id, u); err != nil {
		w.svc.logger.Warn("Failed to record task progress", "task_id", w.id, "error", err)
	}
}

func progressDone() *int32 {
	p := int32(100)
	return &p
}
