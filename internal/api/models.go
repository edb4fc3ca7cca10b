package api

import (
	"encoding/json"
	"time"
)

// CaseSummary is returned by the validate endpoint.
type CaseSummary struct {
	CaseID       string    `json:"case_id"`
	ClientNumber string    `json:"client_number"`
	DeviceType   string    `json:"device_type"`
	Status       string    `json:"status"`
	ExpiresAt    time.Time `json:"expires_at"`
}

// DeviceReport describes the attached device and the agent host.
type DeviceReport struct {
	DeviceSerial string          `json:"device_serial"`
	Manufacturer string          `json:"manufacturer,omitempty"`
	Product      string          `json:"product,omitempty"`
	VendorID     uint16          `json:"vendor_id,omitempty"`
	ProductID    uint16          `json:"product_id,omitempty"`
	Agent        json.RawMessage `json:"agent,omitempty"` // host descriptor, see sysinfo.Collect
}

// StartRequest starts extraction. The credential is checked by the server and never stored.
type StartRequest struct {
	UnlockCredential string `json:"unlock_credential"`
	DeviceSerial     string `json:"device_serial"`
}

// Batch reports the item count of one completed task.
type Batch struct {
	DataType        string `json:"data_type"`
	Count           int    `json:"count"`
	DeviceSerial    string `json:"device_serial,omitempty"`
	ProgressPercent int    `json:"progress_percent"`
	CurrentStep     string `json:"current_step,omitempty"`
}

// FinalizeRequest closes the extraction.
type FinalizeRequest struct {
	Statistics map[string]int `json:"statistics"`
}

// IssueRequest asks the registry for a new case.
type IssueRequest struct {
	ClientNumber string `json:"client_number"`
	DeviceType   string `json:"device_type,omitempty"`
	TTL          string `json:"ttl,omitempty"`
}

// IssuedCase is the registry's answer to IssueRequest.
type IssuedCase struct {
	CaseID       string    `json:"case_id"`
	RecoveryCode string    `json:"recovery_code"`
	ClientNumber string    `json:"client_number"`
	DeviceType   string    `json:"device_type"`
	Status       string    `json:"status"`
	ExpiresAt    time.Time `json:"expires_at"`
	Link         string    `json:"link"`
}
