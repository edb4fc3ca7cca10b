package extract

import (
	"context"
	"fmt"
	"log/slog"
)

// Collector counts the items of one task on a source. report is called with the completed
// fraction (0..1) of the task as work progresses.
type Collector interface {
	Collect(ctx context.Context, task Task, report func(fraction float64)) (int, error)
}

// ProgressFunc receives overall progress (0..100) and the label of the current task.
type ProgressFunc func(percent int, label string)

// BatchFunc hands a finished category count to the upload path.
type BatchFunc func(ctx context.Context, name string, count int) error

// CompleteLabel is the label of the final progress report.
const CompleteLabel = "complete"

// Runner executes tasks sequentially against one Collector.
type Runner struct {
	collector Collector
	logger    *slog.Logger
}

// NewRunner creates a Runner.
func NewRunner(c Collector, logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{collector: c, logger: logger}
}

// Run executes tasks in order.
//
// Progress is the sum of finished task weights plus the in-flight task's weight times its
// reported fraction. onProgress never sees a lower value than before, and the last call
// reports exactly 100. After each task the count is passed to onBatchReady before the next
// task starts. A collector error or a failed batch marks that task failed and the run goes
// on. Only context cancellation aborts the run; the partial result is returned with the error.
func (r *Runner) Run(ctx context.Context, tasks []Task, onProgress ProgressFunc, onBatchReady BatchFunc) (*Result, error) {
	if err := ValidateTasks(tasks); err != nil {
		return nil, err
	}
	if onProgress == nil {
		onProgress = func(int, string) {}
	}

	res := &Result{Statistics: make(map[string]int, len(tasks))}
	p := &progress{emit: onProgress, last: -1}
	done := 0

	for _, task := range tasks {
		if err := ctx.Err(); err != nil {
			return res, fmt.Errorf("extraction cancelled before %s: %w", task.Name, err)
		}

		p.report(done, task.Name)
		base, weight := done, task.Weight
		report := func(fraction float64) {
			if fraction < 0 {
				fraction = 0
			}
			if fraction > 1 {
				fraction = 1
			}
			p.report(base+int(float64(weight)*fraction), task.Name)
		}

		count, err := r.collector.Collect(ctx, task, report)
		if err != nil && ctx.Err() != nil {
			return res, fmt.Errorf("extraction cancelled during %s: %w", task.Name, ctx.Err())
		}

		switch {
		case err != nil:
			r.logger.Warn("Task failed", "task", task.Name, "error", err)
			res.Tasks = append(res.Tasks, Failed(task.Name, fmt.Errorf("collect: %w", err)))
		case onBatchReady != nil:
			if err := onBatchReady(ctx, task.Name, count); err != nil {
				r.logger.Warn("Batch upload failed", "task", task.Name, "count", count, "error", err)
				res.Tasks = append(res.Tasks, Failed(task.Name, fmt.Errorf("batch: %w", err)))
				break
			}
			fallthrough
		default:
			r.logger.Info("Task completed", "task", task.Name, "count", count)
			res.Statistics[task.Name] = count
			res.Tasks = append(res.Tasks, Completed(task.Name, count))
		}

		done += task.Weight
		p.report(done, task.Name)
	}

	p.report(100, CompleteLabel)
	return res, nil
}

// progress clamps reports so that percent never decreases.
type progress struct {
	emit ProgressFunc
	last int
}

func (p *progress) report(percent int, label string) {
	if percent < p.last {
		percent = p.last
	}
	if percent > 100 {
		percent = 100
	}
	p.last = percent
	p.emit(percent, label)
}
