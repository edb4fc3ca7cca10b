package agent

// Package agent drives one recovery attempt from the client side: it owns the device
// handle, runs the extraction tasks, reports each batch to the case registry and follows
// the case status until it settles.

import (
	"fmt"
	"sync"
	"time"

	"device-recovery/internal/recovery"
)

// Snapshot is one rendering of the case as the registry last described it.
type Snapshot struct {
	Status          recovery.Status
	ProgressPercent int
	CurrentStep     string
	Statistics      map[string]int
	UpdatedAt       time.Time
}

func (s Snapshot) String() string {
	switch {
	case s.Status == "":
		return "waiting for registry"
	case s.Status.HasProgress() && s.CurrentStep != "":
		return fmt.Sprintf("%s %d%% (%s)", s.Status, s.ProgressPercent, s.CurrentStep)
	case s.Status.HasProgress():
		return fmt.Sprintf("%s %d%%", s.Status, s.ProgressPercent)
	default:
		return string(s.Status)
	}
}

// View is the client's read-only projection of a case. It only changes when a status
// document arrives from the registry.
type View struct {
	mu       sync.Mutex
	snap     Snapshot
	onChange func(Snapshot)
	now      func() time.Time
}

// NewView creates an empty view. onChange, if set, is called after every Apply.
func NewView(onChange func(Snapshot)) *View {
	return &View{onChange: onChange, now: time.Now}
}

// Apply replaces the projection with doc. A nil doc is ignored.
func (v *View) Apply(doc *recovery.StatusReport) {
	if doc == nil {
		return
	}
	stats := make(map[string]int, len(doc.Statistics))
	for k, n := range doc.Statistics {
		stats[k] = n
	}

	v.mu.Lock()
	v.snap = Snapshot{
		Status:          doc.Status,
		ProgressPercent: doc.ProgressPercent,
		CurrentStep:     doc.CurrentStep,
		Statistics:      stats,
		UpdatedAt:       v.now(),
	}
	snap := v.snap
	v.mu.Unlock()

	if v.onChange != nil {
		v.onChange(snap)
	}
}

// Snapshot returns a copy of the current projection.
func (v *View) Snapshot() Snapshot {
	v.mu.Lock()
	defer v.mu.Unlock()
	snap := v.snap
	snap.Statistics = make(map[string]int, len(v.snap.Statistics))
	for k, n := range v.snap.Statistics {
		snap.Statistics[k] = n
	}
	return snap
}
