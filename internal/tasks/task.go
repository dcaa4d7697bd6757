package tasks

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// taskTTL is how long a task stays addressable after creation.
const taskTTL = time.Hour

// Task is one background job exposed through the poll/result protocol. Its
// worker advances progress; the engine owns expiry and error capture.
type Task struct {
	id     string
	expire time.Time

	mu       sync.Mutex
	progress float64
	finished bool
	result   any
	err      error
}

func newTask(now time.Time) *Task {
	return &Task{
		id:     uuid.NewString(),
		expire: now.Add(taskTTL),
	}
}

// ID returns the task's UUID.
func (t *Task) ID() string { return t.id }

// SetProgress advances progress. Values below the current progress or
// outside [0,1] are ignored so progress stays monotonic.
func (t *Task) SetProgress(p float64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.finished || p < t.progress || p < 0 || p > 1 {
		return
	}
	t.progress = p
}

// Progress reports the current progress; failed tasks report 1.
func (t *Task) Progress() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.err != nil {
		return 1
	}
	return t.progress
}

// Finished reports terminal state, error included.
func (t *Task) Finished() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.finished
}

// Result returns the stored result; nil for failed tasks.
func (t *Task) Result() any {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.err != nil {
		return nil
	}
	return t.result
}

// Err returns the captured worker failure, if any.
func (t *Task) Err() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.err
}

// Expired reports whether the task's lifetime has passed.
func (t *Task) Expired(now time.Time) bool {
	return t.expire.Before(now)
}

func (t *Task) finish(result any, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.finished = true
	t.result = result
	t.err = err
	t.progress = 1
}

func (t *Task) failed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.finished && t.err != nil
}
