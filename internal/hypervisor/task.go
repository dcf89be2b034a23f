package hypervisor

import (
	"context"
	"strings"
	"time"

	"github.com/vmware/govmomi/object"
	"github.com/vmware/govmomi/property"
	"github.com/vmware/govmomi/vim25/mo"
	"github.com/vmware/govmomi/vim25/types"

	"github.com/opsnav/opsnav/internal/faults"
)

const (
	taskPollInterval     = 2 * time.Second
	questionPollInterval = time.Second
)

// WaitTask polls a hypervisor task every two seconds until it finishes
// or the deadline elapses. The label names the operation in errors.
func (s *Session) WaitTask(ctx context.Context, task *object.Task, label string, timeout time.Duration) (*types.TaskInfo, error) {
	pc := property.DefaultCollector(s.Client.Client)
	deadline := time.Now().Add(timeout)

	for {
		info, err := s.readTaskInfo(ctx, pc, task)
		if err != nil {
			return nil, faults.Wrap(faults.KindHypervisor, label+": failed to read task state", err)
		}
		if done, err := taskOutcome(info, label); done {
			return info, err
		}
		if time.Now().After(deadline) {
			return nil, faults.Timeoutf("%s timed out after %s", label, timeout)
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(taskPollInterval):
		}
	}
}

// WaitTaskAnsweringQuestions polls a task every second, answering any
// question the VM raises while the task runs. Power-on of a copied VM
// blocks on the moved-or-copied prompt until it is answered. On deadline
// the latest observed state decides: an errored task fails, anything
// else returns a timeout fault and leaves the task running.
func (s *Session) WaitTaskAnsweringQuestions(ctx context.Context, task *object.Task, vm *object.VirtualMachine, label string, timeout time.Duration) (*types.TaskInfo, error) {
	pc := property.DefaultCollector(s.Client.Client)
	deadline := time.Now().Add(timeout)

	for {
		s.AnswerPendingQuestion(ctx, vm)

		info, err := s.readTaskInfo(ctx, pc, task)
		if err != nil {
			return nil, faults.Wrap(faults.KindHypervisor, label+": failed to read task state", err)
		}
		if done, err := taskOutcome(info, label); done {
			return info, err
		}
		if time.Now().After(deadline) {
			return nil, faults.Timeoutf("%s timed out after %s", label, timeout)
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(questionPollInterval):
		}
	}
}

func (s *Session) readTaskInfo(ctx context.Context, pc *property.Collector, task *object.Task) (*types.TaskInfo, error) {
	var t mo.Task
	if err := pc.RetrieveOne(ctx, task.Reference(), []string{"info"}, &t); err != nil {
		return nil, err
	}
	return &t.Info, nil
}

// taskOutcome reports whether the task reached a terminal state, and the
// error to surface if it failed.
func taskOutcome(info *types.TaskInfo, label string) (bool, error) {
	switch info.State {
	case types.TaskInfoStateSuccess:
		return true, nil
	case types.TaskInfoStateError:
		detail := "unknown error"
		if info.Error != nil {
			detail = info.Error.LocalizedMessage
		}
		return true, faults.Hypervisorf("%s failed: %s", label, detail)
	default:
		return false, nil
	}
}

// AnswerPendingQuestion answers a pending VM question, if any. Failures
// are logged and swallowed: the poll loop retries on the next tick.
func (s *Session) AnswerPendingQuestion(ctx context.Context, vm *object.VirtualMachine) {
	var m mo.VirtualMachine
	if err := vm.Properties(ctx, vm.Reference(), []string{"runtime.question"}, &m); err != nil {
		s.logger.Warn("Failed to read pending question", "error", err)
		return
	}
	q := m.Runtime.Question
	if q == nil {
		return
	}

	choice := chooseAnswer(q)
	s.logger.Info("Answering pending question", "question", q.Text, "choice", choice)
	if err := vm.Answer(ctx, q.Id, choice); err != nil {
		s.logger.Warn("Failed to answer question", "question_id", q.Id, "error", err)
	}
}

// chooseAnswer picks the choice whose label reads as "I copied it". A
// copied VM must answer exactly that to keep its new identity. Without a
// label match the second choice is used (the prompt lists "moved" first,
// "copied" second), falling back to the literal key "2".
func chooseAnswer(q *types.VirtualMachineQuestionInfo) string {
	var choice string
	var keys []string
	for _, base := range q.Choice.ChoiceInfo {
		ed := base.GetElementDescription()
		keys = append(keys, ed.Key)
		label := strings.ToLower(ed.Label)
		if strings.Contains(label, "copied") || strings.Contains(label, "copy") || strings.Contains(ed.Label, "复制") {
			choice = ed.Key
		}
	}
	if choice == "" && len(keys) >= 2 {
		choice = keys[1]
	}
	if choice == "" {
		choice = "2"
	}
	return choice
}
