package registry

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

const expireBatchSize = 100

// Expirer periodically moves overdue cases to expired.
type Expirer struct {
	svc      *Service
	interval time.Duration
	logger   *slog.Logger
	stop     chan struct{}
	once     sync.Once
	wg       sync.WaitGroup
}

func NewExpirer(svc *Service, interval time.Duration, logger *slog.Logger) *Expirer {
	if interval <= 0 {
		interval = time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Expirer{
		svc:      svc,
		interval: interval,
		logger:   logger,
		stop:     make(chan struct{}),
	}
}

func (e *Expirer) Start() {
	ticker := time.NewTicker(e.interval)
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		for {
			select {
			case <-ticker.C:
				e.Sweep(context.Background())
			case <-e.stop:
				ticker.Stop()
				return
			}
		}
	}()
}

// Stop returns once a sweep in progress has finished.
func (e *Expirer) Stop() {
	e.once.Do(func() { close(e.stop) })
	e.wg.Wait()
}

// Sweep expires overdue cases until none are left, and returns how many it expired.
func (e *Expirer) Sweep(ctx context.Context) int {
	total := 0
	for {
		n, err := e.svc.ExpireOverdue(ctx, expireBatchSize)
		if err != nil {
			e.logger.Error("Expirer: listing overdue cases failed", "error", err)
			return total
		}
		total += n
		// A short batch means the backlog is drained or the rest failed; those are retried
		// on the next tick.
		if n < expireBatchSize {
			break
		}
	}
	if total > 0 {
		e.logger.Info("Expired cases", "count", total)
	}
	return total
}
