package extract

// Package extract runs a weighted list of extraction tasks against a device (or a folder the
// user filled by hand) and hands each category count to the upload path.

import (
	"errors"
	"fmt"
	"strings"

	"github.com/hashicorp/go-multierror"
)

// Category names reported to the case registry.
const (
	TaskPhotos       = "photos"
	TaskVideos       = "videos"
	TaskMessages     = "messages"
	TaskContacts     = "contacts"
	TaskCallLogs     = "callLogs"
	TaskDeletedFiles = "deletedFiles"
)

// ErrInvalidTaskList is returned when a task list is rejected before the run starts.
var ErrInvalidTaskList = errors.New("invalid task list")

// Task is one named unit of extraction work. Weights of a task list sum to 100.
type Task struct {
	Name   string `json:"name" yaml:"name"`
	Weight int    `json:"weight" yaml:"weight"`
}

// DefaultTasks returns the standard extraction order.
func DefaultTasks() []Task {
	return []Task{
		{Name: TaskPhotos, Weight: 30},
		{Name: TaskVideos, Weight: 25},
		{Name: TaskMessages, Weight: 15},
		{Name: TaskContacts, Weight: 10},
		{Name: TaskCallLogs, Weight: 10},
		{Name: TaskDeletedFiles, Weight: 10},
	}
}

// ValidateTasks checks that names are unique and non-empty, that each weight is within
// 0..100 and that the weights sum to exactly 100. All problems are reported together.
func ValidateTasks(tasks []Task) error {
	var errs *multierror.Error
	if len(tasks) == 0 {
		errs = multierror.Append(errs, errors.New("no tasks"))
	}

	seen := make(map[string]bool, len(tasks))
	sum := 0
	for i, t := range tasks {
		name := strings.TrimSpace(t.Name)
		if name == "" {
			errs = multierror.Append(errs, fmt.Errorf("task %d: empty name", i))
		} else if seen[name] {
			errs = multierror.Append(errs, fmt.Errorf("task %d: duplicate name %q", i, name))
		}
		seen[name] = true
		if t.Weight < 0 || t.Weight > 100 {
			errs = multierror.Append(errs, fmt.Errorf("task %q: weight %d out of range", name, t.Weight))
		}
		sum += t.Weight
	}
	if len(tasks) > 0 && sum != 100 {
		errs = multierror.Append(errs, fmt.Errorf("weights sum to %d, want 100", sum))
	}

	if err := errs.ErrorOrNil(); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidTaskList, err)
	}
	return nil
}

// Outcome tags a TaskResult.
type Outcome int

const (
	OutcomeCompleted Outcome = iota
	OutcomeFailed
)

func (o Outcome) String() string {
	if o == OutcomeCompleted {
		return "completed"
	}
	return "failed"
}

// TaskResult is the outcome of one task: Completed(count) or Failed(reason).
type TaskResult struct {
	Name    string
	Outcome Outcome
	Count   int
	Err     error
}

// Completed returns a completed result.
func Completed(name string, count int) TaskResult {
	return TaskResult{Name: name, Outcome: OutcomeCompleted, Count: count}
}

// Failed returns a failed result.
func Failed(name string, err error) TaskResult {
	return TaskResult{Name: name, Outcome: OutcomeFailed, Err: err}
}

// Reason returns the failure reason, or "" for a completed task.
func (r TaskResult) Reason() string {
	if r.Err == nil {
		return ""
	}
	return r.Err.Error()
}

// Result is the outcome of one run.
type Result struct {
	// Statistics holds the count of every task whose batch was handed off.
	Statistics map[string]int
	Tasks      []TaskResult
}

// Failed returns the failed task results in run order.
func (r *Result) Failed() []TaskResult {
	var out []TaskResult
	for _, t := range r.Tasks {
		if t.Outcome == OutcomeFailed {
			out = append(out, t)
		}
	}
	return out
}
