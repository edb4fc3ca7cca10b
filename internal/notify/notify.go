package notify

// Package notify publishes case status transitions to downstream systems.

import (
	"context"
	"fmt"
	"time"

	"github.com/hashicorp/go-multierror"
)

// EventType is the type field of every published Transition.
const EventType = "case_transition"

// Transition is published after a case changes status.
type Transition struct {
	EventType    string         `json:"event_type"`
	CaseID       string         `json:"case_id"`
	ClientNumber string         `json:"client_number"`
	From         string         `json:"from"`
	To           string         `json:"to"`
	Event        string         `json:"event"`
	Statistics   map[string]int `json:"statistics,omitempty"`
	Detail       string         `json:"detail,omitempty"`
	Timestamp    string         `json:"timestamp"`
}

// NewTransition fills EventType and an RFC 3339 timestamp.
func NewTransition(caseID, clientNumber, from, to, event string, at time.Time) *Transition {
	return &Transition{
		EventType:    EventType,
		CaseID:       caseID,
		ClientNumber: clientNumber,
		From:         from,
		To:           to,
		Event:        event,
		Timestamp:    at.UTC().Format(time.RFC3339),
	}
}

// Notifier publishes transitions.
type Notifier interface {
	Notify(ctx context.Context, t *Transition) error
	Close() error
}

// Multi fans a transition out to every notifier and aggregates their errors.
type Multi []Notifier

func (m Multi) Notify(ctx context.Context, t *Transition) error {
	var errs *multierror.Error
	for _, n := range m {
		if err := n.Notify(ctx, t); err != nil {
			errs = multierror.Append(errs, err)
		}
	}
	return errs.ErrorOrNil()
}

func (m Multi) Close() error {
	var errs *multierror.Error
	for _, n := range m {
		if err := n.Close(); err != nil {
			errs = multierror.Append(errs, err)
		}
	}
	return errs.ErrorOrNil()
}

// Nop discards transitions.
type Nop struct{}

func (Nop) Notify(context.Context, *Transition) error { return nil }
func (Nop) Close() error                              { return nil }

// backoff waits before retry attempt i (i >= 1): 500ms, 1s, 2s, ...
func backoff(ctx context.Context, i int) error {
	d := time.Duration(1<<uint(i-1)) * 500 * time.Millisecond
	select {
	case <-ctx.Done():
		return fmt.Errorf("context canceled during backoff: %w", ctx.Err())
	case <-time.After(d):
		return nil
	}
}
