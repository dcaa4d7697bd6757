// Package tasks converts long computations into a ticket-based poll/result
// protocol. Each controller owns one Engine; their registries are
// disjoint.
package tasks

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Sentinel errors mapped to the wire taxonomy by the HTTP layer.
var (
	ErrTaskMissing    = errors.New("tasks: task missing")
	ErrTaskUnfinished = errors.New("tasks: task unfinished")
)

// FailedError wraps a worker failure surfaced through HandleResult.
type FailedError struct {
	TaskID string
	Cause  error
}

func (e *FailedError) Error() string {
	return fmt.Sprintf("task %s failed: %v", e.TaskID, e.Cause)
}

func (e *FailedError) Unwrap() error { return e.Cause }

// Process is one unit of background work. It reports progress through the
// task and returns the result stored for later polling.
type Process func(ctx context.Context, task *Task) (any, error)

// Engine keys running and completed tasks by UUID within one controller
// namespace.
type Engine struct {
	namespace string
	logger    *slog.Logger
	now       func() time.Time

	mu    sync.Mutex
	tasks map[string]*Task
}

// NewEngine builds an engine for one controller namespace.
func NewEngine(namespace string, logger *slog.Logger) *Engine {
	return &Engine{
		namespace: namespace,
		logger:    logger.With("tasklist", namespace),
		now:       time.Now,
		tasks:     map[string]*Task{},
	}
}

// Namespace returns the controller namespace this engine serves.
func (e *Engine) Namespace() string { return e.namespace }

// RunTask allocates a ticket and runs process in the background. Panics
// and returned errors become the task's terminal Error state; nothing
// escapes to the caller.
func (e *Engine) RunTask(ctx context.Context, process Process) *Task {
	task := newTask(e.now())

	e.mu.Lock()
	e.tasks[task.id] = task
	e.mu.Unlock()

	go func() {
		defer func() {
			if r := recover(); r != nil {
				e.logger.Error("task worker panicked", "task", task.id, "panic", r)
				task.finish(nil, fmt.Errorf("worker panic: %v", r))
			}
		}()

		result, err := process(ctx, task)
		if err != nil {
			e.logger.Warn("task failed", "task", task.id, "error", err)
		}
		task.finish(result, err)
	}()

	return task
}

// SweepTasks removes every task that expired or terminated in Error.
func (e *Engine) SweepTasks() {
	now := e.now()
	e.mu.Lock()
	defer e.mu.Unlock()
	for id, task := range e.tasks {
		if task.Expired(now) || task.failed() {
			delete(e.tasks, id)
		}
	}
}

// SweepTask evicts one task. With checksOnly the eviction only happens
// when the task has expired.
func (e *Engine) SweepTask(id string, checksOnly bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	task, ok := e.tasks[id]
	if !ok {
		return
	}
	if checksOnly && !task.Expired(e.now()) {
		return
	}
	delete(e.tasks, id)
}

// StartSweeper runs periodic sweeps until ctx is cancelled.
func (e *Engine) StartSweeper(ctx context.Context, every time.Duration) {
	go func() {
		ticker := time.NewTicker(every)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				e.SweepTasks()
			case <-ctx.Done():
				return
			}
		}
	}()
}

func (e *Engine) lookup(id string) *Task {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.tasks[id]
}

// IsTaskExisting reports whether id is known to this engine.
func (e *Engine) IsTaskExisting(id string) bool {
	return e.lookup(id) != nil
}

// IsTaskExpired reports whether id exists and has passed its lifetime.
func (e *Engine) IsTaskExpired(id string) bool {
	task := e.lookup(id)
	return task != nil && task.Expired(e.now())
}

// GetTaskProgress reports progress, or an ErrTaskMissing.
func (e *Engine) GetTaskProgress(id string) (float64, error) {
	task := e.lookup(id)
	if task == nil {
		return 0, ErrTaskMissing
	}
	return task.Progress(), nil
}

// GetTaskFinished reports terminal state, or ErrTaskMissing.
func (e *Engine) GetTaskFinished(id string) (bool, error) {
	task := e.lookup(id)
	if task == nil {
		return false, ErrTaskMissing
	}
	return task.Finished(), nil
}

// GetTaskResult returns the stored result; nil for failed tasks.
func (e *Engine) GetTaskResult(id string) (any, error) {
	task := e.lookup(id)
	if task == nil {
		return nil, ErrTaskMissing
	}
	return task.Result(), nil
}

// ProgressResponse is the poll payload.
type ProgressResponse struct {
	ID       string  `json:"id"`
	Progress float64 `json:"progress"`
	Finished bool    `json:"finished"`
}

// HandleProgress builds the poll payload for id, or ErrTaskMissing.
func (e *Engine) HandleProgress(id string) (ProgressResponse, error) {
	task := e.lookup(id)
	if task == nil {
		return ProgressResponse{}, ErrTaskMissing
	}
	return ProgressResponse{
		ID:       task.id,
		Progress: task.Progress(),
		Finished: task.Finished(),
	}, nil
}

// HandleResult returns the stored result, ErrTaskMissing, ErrTaskUnfinished,
// or a FailedError carrying the captured worker failure.
func (e *Engine) HandleResult(id string) (any, error) {
	task := e.lookup(id)
	if task == nil {
		return nil, ErrTaskMissing
	}
	if !task.Finished() {
		return nil, ErrTaskUnfinished
	}
	if err := task.Err(); err != nil {
		return nil, &FailedError{TaskID: id, Cause: err}
	}
	return task.Result(), nil
}

// Ticket is the submission payload returned on task creation.
func (e *Engine) Ticket(task *Task) ProgressResponse {
	return ProgressResponse{
		ID:       task.id,
		Progress: task.Progress(),
		Finished: task.Finished(),
	}
}
