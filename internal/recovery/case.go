package recovery

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	// ErrExpired is returned for any transition on an expired case.
	ErrExpired = errors.New("recovery case expired")
	// ErrTerminal is returned for transitions on a completed or failed case.
	ErrTerminal = errors.New("recovery case is in a terminal state")
	// ErrInvalidTransition is returned when an event is not valid in the current status.
	ErrInvalidTransition = errors.New("invalid transition")
	// ErrCredentialRequired is returned when extraction is started without an unlock credential.
	ErrCredentialRequired = errors.New("unlock credential required")
)

// Event drives a case from one status to the next.
type Event string

const (
	EventDeviceConnected   Event = "device_connected"
	EventExtractionStarted Event = "extraction_started"
	EventFinalized         Event = "finalized"
	EventPackaged          Event = "packaged"
	EventFailed            Event = "failed"
	EventExpired           Event = "expired"
)

type transition struct {
	from  Status
	event Event
}

var transitions = map[transition]Status{
	{StatusPending, EventDeviceConnected}:           StatusDeviceConnected,
	{StatusDeviceConnected, EventExtractionStarted}: StatusExtracting,
	{StatusExtracting, EventFinalized}:              StatusProcessing,
	{StatusProcessing, EventPackaged}:               StatusCompleted,
	{StatusExtracting, EventFailed}:                 StatusFailed,
	{StatusProcessing, EventFailed}:                 StatusFailed,

	// Re-entries after an agent reconnects. The status does not change and partial
	// statistics are kept.
	{StatusDeviceConnected, EventDeviceConnected}: StatusDeviceConnected,
	{StatusExtracting, EventDeviceConnected}:      StatusExtracting,
	{StatusExtracting, EventExtractionStarted}:    StatusExtracting,
	{StatusProcessing, EventFinalized}:            StatusProcessing,
}

// Case is one recovery case.
type Case struct {
	ID               string          `json:"case_id"`
	RecoveryCode     string          `json:"recovery_code"`
	ClientNumber     string          `json:"client_number"`
	DeviceType       DeviceType      `json:"device_type"`
	Status           Status          `json:"status"`
	ProgressPercent  int             `json:"progress_percent"`
	CurrentStep      string          `json:"current_step"`
	Statistics       map[string]int  `json:"statistics"`
	DeviceSerial     string          `json:"device_serial,omitempty"`
	DeviceDescriptor json.RawMessage `json:"device_descriptor,omitempty"`
	FailureReason    string          `json:"failure_reason,omitempty"`
	CreatedAt        time.Time       `json:"created_at"`
	UpdatedAt        time.Time       `json:"updated_at"`
	ExpiresAt        time.Time       `json:"expires_at"`
	CompletedAt      *time.Time      `json:"completed_at,omitempty"`
}

// New creates a pending case that expires ttl after now.
func New(id, code, clientNumber string, deviceType DeviceType, now time.Time, ttl time.Duration) *Case {
	return &Case{
		ID:           id,
		RecoveryCode: code,
		ClientNumber: clientNumber,
		DeviceType:   deviceType,
		Status:       StatusPending,
		Statistics:   map[string]int{},
		CreatedAt:    now,
		UpdatedAt:    now,
		ExpiresAt:    now.Add(ttl),
	}
}

// CheckExpiry moves a non-terminal case past its expires_at to expired. It reports whether
// the status changed. A zero ExpiresAt never expires.
func (c *Case) CheckExpiry(now time.Time) bool {
	if c.Status.Terminal() || c.ExpiresAt.IsZero() || !now.After(c.ExpiresAt) {
		return false
	}
	c.Status = StatusExpired
	c.UpdatedAt = now
	return true
}

// Expired reports whether the case is expired or would be at now.
func (c *Case) Expired(now time.Time) bool {
	if c.Status == StatusExpired {
		return true
	}
	return !c.Status.Terminal() && !c.ExpiresAt.IsZero() && now.After(c.ExpiresAt)
}

// Apply applies ev at now. The expiry check always runs first. It reports whether the
// status changed; accepted re-entries report false with a nil error.
func (c *Case) Apply(ev Event, now time.Time) (bool, error) {
	if err := c.mutable(now); err != nil {
		return false, err
	}

	next, ok := transitions[transition{c.Status, ev}]
	if !ok {
		return false, fmt.Errorf("%w: %s in %s", ErrInvalidTransition, ev, c.Status)
	}
	if next == c.Status {
		return false, nil
	}

	c.Status = next
	c.UpdatedAt = now
	switch next {
	case StatusExtracting:
		c.ProgressPercent = 0
		c.CurrentStep = ""
	case StatusProcessing:
		c.ProgressPercent = 100
		c.CurrentStep = "processing"
	case StatusCompleted:
		c.CurrentStep = "completed"
		t := now
		c.CompletedAt = &t
	}
	return true, nil
}

// Fail moves the case to failed with a reason.
func (c *Case) Fail(reason string, now time.Time) error {
	if _, err := c.Apply(EventFailed, now); err != nil {
		return err
	}
	c.FailureReason = strings.TrimSpace(reason)
	return nil
}

// SetProgress records extraction progress. Progress is only accepted while extracting, never
// decreases and stays below 100 until the case moves to processing.
func (c *Case) SetProgress(percent int, step string, now time.Time) error {
	if err := c.mutable(now); err != nil {
		return err
	}
	if c.Status != StatusExtracting {
		return fmt.Errorf("%w: progress in %s", ErrInvalidTransition, c.Status)
	}
	if percent > 99 {
		percent = 99
	}
	if percent > c.ProgressPercent {
		c.ProgressPercent = percent
	}
	if step != "" {
		c.CurrentStep = step
	}
	c.UpdatedAt = now
	return nil
}

// RecordBatch sets the item count of one category. Counts are replaced, not added, so a
// retried batch never double-counts.
func (c *Case) RecordBatch(category string, count int, now time.Time) error {
	if err := c.mutable(now); err != nil {
		return err
	}
	if c.Status != StatusExtracting {
		return fmt.Errorf("%w: batch upload in %s", ErrInvalidTransition, c.Status)
	}
	if c.Statistics == nil {
		c.Statistics = map[string]int{}
	}
	c.Statistics[category] = count
	c.UpdatedAt = now
	return nil
}

func (c *Case) mutable(now time.Time) error {
	c.CheckExpiry(now)
	switch {
	case c.Status == StatusExpired:
		return ErrExpired
	case c.Status.Terminal():
		return fmt.Errorf("%w: %s", ErrTerminal, c.Status)
	}
	return nil
}

// Report returns the polled status document.
func (c *Case) Report() StatusReport {
	stats := make(map[string]int, len(c.Statistics))
	for k, v := range c.Statistics {
		stats[k] = v
	}
	return StatusReport{
		Status:          c.Status,
		ProgressPercent: c.ProgressPercent,
		CurrentStep:     c.CurrentStep,
		Statistics:      stats,
	}
}

// StatusReport is the document returned by the status endpoint.
type StatusReport struct {
	Status          Status         `json:"status"`
	ProgressPercent int            `json:"progress_percent"`
	CurrentStep     string         `json:"current_step"`
	Statistics      map[string]int `json:"statistics"`
}
