package recovery

// Package recovery holds the lifecycle of a recovery case. The server applies transitions
// durably; clients only mirror the status documents the server returns.

import (
	"errors"
	"fmt"
	"strings"
)

// Status is the lifecycle state of a recovery case.
type Status string

const (
	StatusPending         Status = "pending"
	StatusDeviceConnected Status = "device_connected"
	StatusExtracting      Status = "extracting"
	StatusProcessing      Status = "processing"
	StatusCompleted       Status = "completed"
	StatusFailed          Status = "failed"
	StatusExpired         Status = "expired"

	// StatusUnknown is never stored. Clients use it for status values they do not recognize.
	StatusUnknown Status = "unknown"
)

var knownStatuses = map[Status]bool{
	StatusPending:         true,
	StatusDeviceConnected: true,
	StatusExtracting:      true,
	StatusProcessing:      true,
	StatusCompleted:       true,
	StatusFailed:          true,
	StatusExpired:         true,
}

// ParseStatus maps a status string from the server. Unrecognized values map to StatusUnknown.
func ParseStatus(s string) Status {
	st := Status(strings.ToLower(strings.TrimSpace(s)))
	if knownStatuses[st] {
		return st
	}
	return StatusUnknown
}

// Terminal reports whether no further transition is permitted.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusExpired
}

// Known reports whether s is part of the lifecycle.
func (s Status) Known() bool {
	return knownStatuses[s]
}

// HasProgress reports whether progress_percent is meaningful in s.
func (s Status) HasProgress() bool {
	return s == StatusExtracting || s == StatusProcessing || s == StatusCompleted
}

// DeviceType is the kind of device the operator expects.
type DeviceType string

const (
	DeviceAndroid DeviceType = "android"
	DeviceIOS     DeviceType = "ios"
	DeviceAuto    DeviceType = "auto"
)

// ErrInvalidDeviceType is returned by ParseDeviceType.
var ErrInvalidDeviceType = errors.New("invalid device type")

// ParseDeviceType parses a device type. The empty string means DeviceAuto.
func ParseDeviceType(s string) (DeviceType, error) {
	switch dt := DeviceType(strings.ToLower(strings.TrimSpace(s))); dt {
	case "":
		return DeviceAuto, nil
	case DeviceAndroid, DeviceIOS, DeviceAuto:
		return dt, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidDeviceType, s)
	}
}
