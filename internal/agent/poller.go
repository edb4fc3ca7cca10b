package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"device-recovery/internal/api"
	"device-recovery/internal/recovery"
)

// DefaultPollInterval is used when a Poller is created with a non-positive interval.
const DefaultPollInterval = 3 * time.Second

// StatusSource returns the current status document of a case.
type StatusSource interface {
	Status(ctx context.Context, code string) (*recovery.StatusReport, error)
}

// Poller follows a case on a fixed interval.
type Poller struct {
	src      StatusSource
	code     string
	interval time.Duration
	view     *View
	logger   *slog.Logger
}

// NewPoller creates a Poller that feeds every document it receives into view.
func NewPoller(src StatusSource, code string, interval time.Duration, view *View, logger *slog.Logger) *Poller {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Poller{src: src, code: code, interval: interval, view: view, logger: logger}
}

// Run polls until the case reaches a terminal status, which it returns, or ctx ends.
//
// A failed request leaves the view untouched and is retried on the next tick. An unknown
// status is shown as is and polling goes on. Only an unknown recovery code stops the poller
// with an error.
func (p *Poller) Run(ctx context.Context) (recovery.Status, error) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		status, done, err := p.poll(ctx)
		if err != nil {
			return "", err
		}
		if done {
			return status, nil
		}
		select {
		case <-ctx.Done():
			return p.view.Snapshot().Status, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (p *Poller) poll(ctx context.Context) (recovery.Status, bool, error) {
	doc, err := p.src.Status(ctx, p.code)
	switch {
	case errors.Is(err, api.ErrCaseNotFound):
		return "", true, fmt.Errorf("poll %s: %w", p.code, err)
	case err != nil:
		if ctx.Err() == nil {
			p.logger.Warn("Status poll failed, retrying", "code", p.code, "error", err)
		}
		return "", false, nil
	}

	p.view.Apply(doc)
	if doc.Status == recovery.StatusUnknown {
		p.logger.Debug("Registry reported an unrecognized status", "code", p.code)
	}
	return doc.Status, doc.Status.Terminal(), nil
}
