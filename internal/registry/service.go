package registry

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"time"

	"github.com/google/uuid"

	"device-recovery/internal/notify"
	"device-recovery/internal/recovery"
)

// ErrInvalidRequest wraps request validation failures.
var ErrInvalidRequest = errors.New("invalid request")

// codeAlphabet leaves out characters that are easy to misread (0/O, 1/I/L).
const codeAlphabet = "ABCDEFGHJKMNPQRSTUVWXYZ23456789"

const codeAttempts = 5

// ServiceConfig configures a Service.
type ServiceConfig struct {
	// TTL is the default lifetime of issued cases.
	TTL time.Duration
	// PublicURL is the base of recovery links.
	PublicURL string
	Notifier  notify.Notifier
	Logger    *slog.Logger
	// Now defaults to time.Now.
	Now func() time.Time
}

// Service applies recovery case operations. All status changes go through it.
type Service struct {
	store     *Store
	ttl       time.Duration
	publicURL string
	notifier  notify.Notifier
	logger    *slog.Logger
	now       func() time.Time
}

func NewService(store *Store, cfg ServiceConfig) *Service {
	s := &Service{
		store:     store,
		ttl:       cfg.TTL,
		publicURL: strings.TrimRight(cfg.PublicURL, "/"),
		notifier:  cfg.Notifier,
		logger:    cfg.Logger,
		now:       cfg.Now,
	}
	if s.ttl <= 0 {
		s.ttl = 72 * time.Hour
	}
	if s.notifier == nil {
		s.notifier = notify.Nop{}
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	if s.now == nil {
		s.now = time.Now
	}
	return s
}

// IssueRequest is the body of POST /cases.
type IssueRequest struct {
	ClientNumber string `json:"client_number"`
	DeviceType   string `json:"device_type"`
	// TTL overrides the default lifetime, e.g. "48h".
	TTL string `json:"ttl,omitempty"`
}

// Issued is a newly created case with its recovery link.
type Issued struct {
	*recovery.Case
	Link string `json:"link"`
}

// Issue creates a pending case with a fresh recovery code.
func (s *Service) Issue(ctx context.Context, req IssueRequest) (*Issued, error) {
	client := strings.TrimSpace(req.ClientNumber)
	if client == "" {
		return nil, fmt.Errorf("%w: client_number is required", ErrInvalidRequest)
	}
	deviceType, err := recovery.ParseDeviceType(req.DeviceType)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidRequest, err)
	}
	ttl := s.ttl
	if req.TTL != "" {
		ttl, err = time.ParseDuration(req.TTL)
		if err != nil || ttl <= 0 {
			return nil, fmt.Errorf("%w: invalid ttl %q", ErrInvalidRequest, req.TTL)
		}
	}

	for i := 0; i < codeAttempts; i++ {
		code, err := newRecoveryCode()
		if err != nil {
			return nil, err
		}
		c := recovery.New(uuid.NewString(), code, client, deviceType, s.now().UTC(), ttl)
		err = s.store.Create(ctx, c)
		if errors.Is(err, ErrCodeConflict) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("create case: %w", err)
		}
		s.logger.Info("Case issued", "case_id", c.ID, "client_number", client, "expires_at", c.ExpiresAt)
		return &Issued{Case: c, Link: s.Link(code)}, nil
	}
	return nil, fmt.Errorf("create case: %w after %d attempts", ErrCodeConflict, codeAttempts)
}

// Link returns the recovery link for code.
func (s *Service) Link(code string) string {
	return s.publicURL + "/r/" + code
}

// newRecoveryCode returns a code of the form XXXX-XXXX.
func newRecoveryCode() (string, error) {
	var b strings.Builder
	size := big.NewInt(int64(len(codeAlphabet)))
	for i := 0; i < 8; i++ {
		if i == 4 {
			b.WriteByte('-')
		}
		n, err := rand.Int(rand.Reader, size)
		if err != nil {
			return "", fmt.Errorf("generate recovery code: %w", err)
		}
		b.WriteByte(codeAlphabet[n.Int64()])
	}
	return b.String(), nil
}

// normalizeCode accepts codes typed in lower case or with surrounding spaces.
func normalizeCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

// Validate returns the case for a recovery code. Expired cases return recovery.ErrExpired.
func (s *Service) Validate(ctx context.Context, code string) (*recovery.Case, error) {
	ch, err := s.mutate(ctx, code, func(c *recovery.Case) (string, string, error) {
		c.CheckExpiry(s.now().UTC())
		if c.Status == recovery.StatusExpired {
			return "", "", recovery.ErrExpired
		}
		return "", "", nil
	})
	if err != nil {
		return nil, err
	}
	return ch.Case, nil
}

// DeviceReport is the body of POST /recovery/device-connected.
type DeviceReport struct {
	DeviceSerial string          `json:"device_serial"`
	Manufacturer string          `json:"manufacturer,omitempty"`
	Product      string          `json:"product,omitempty"`
	VendorID     uint16          `json:"vendor_id,omitempty"`
	ProductID    uint16          `json:"product_id,omitempty"`
	Agent        json.RawMessage `json:"agent,omitempty"`
}

// DeviceConnected records the attached device. Reconnects are accepted without a status
// change.
func (s *Service) DeviceConnected(ctx context.Context, code string, report DeviceReport) (*recovery.Case, error) {
	descriptor, err := json.Marshal(report)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidRequest, err)
	}
	ch, err := s.mutate(ctx, code, func(c *recovery.Case) (string, string, error) {
		changed, err := c.Apply(recovery.EventDeviceConnected, s.now().UTC())
		if err != nil {
			return "", "", err
		}
		if report.DeviceSerial != "" {
			c.DeviceSerial = report.DeviceSerial
		}
		c.DeviceDescriptor = descriptor
		detail := report.DeviceSerial
		if !changed {
			detail = "reconnect " + detail
		}
		return string(recovery.EventDeviceConnected), strings.TrimSpace(detail), nil
	})
	if err != nil {
		return nil, err
	}
	return ch.Case, nil
}

// StartRequest is the body of POST /recovery/start-extraction.
type StartRequest struct {
	UnlockCredential string `json:"unlock_credential"`
	DeviceSerial     string `json:"device_serial"`
}

// StartExtraction moves a connected case to extracting. The unlock credential must be
// non-empty; it is checked and never stored.
func (s *Service) StartExtraction(ctx context.Context, code string, req StartRequest) (*recovery.Case, error) {
	ch, err := s.mutate(ctx, code, func(c *recovery.Case) (string, string, error) {
		now := s.now().UTC()
		if c.CheckExpiry(now) || c.Status == recovery.StatusExpired {
			return "", "", recovery.ErrExpired
		}
		if strings.TrimSpace(req.UnlockCredential) == "" {
			return "", "", recovery.ErrCredentialRequired
		}
		if req.DeviceSerial != "" && c.DeviceSerial != "" && req.DeviceSerial != c.DeviceSerial {
			return "", "", fmt.Errorf("%w: device %s is not the connected device", ErrInvalidRequest, req.DeviceSerial)
		}
		changed, err := c.Apply(recovery.EventExtractionStarted, now)
		if err != nil {
			return "", "", err
		}
		if !changed {
			return string(recovery.EventExtractionStarted), "resume", nil
		}
		return string(recovery.EventExtractionStarted), "", nil
	})
	if err != nil {
		return nil, err
	}
	return ch.Case, nil
}

// Batch is the body of POST /recovery/upload-data.
type Batch struct {
	DataType        string `json:"data_type"`
	Count           int    `json:"count"`
	DeviceSerial    string `json:"device_serial,omitempty"`
	ProgressPercent int    `json:"progress_percent"`
	CurrentStep     string `json:"current_step,omitempty"`
}

// UploadData records the count of one category and the agent's progress. The category count
// is replaced, so a retried batch never double-counts.
func (s *Service) UploadData(ctx context.Context, code string, b Batch) (*recovery.StatusReport, error) {
	name := strings.TrimSpace(b.DataType)
	if name == "" {
		return nil, fmt.Errorf("%w: data_type is required", ErrInvalidRequest)
	}
	if b.Count < 0 {
		return nil, fmt.Errorf("%w: count must be >= 0", ErrInvalidRequest)
	}
	ch, err := s.mutate(ctx, code, func(c *recovery.Case) (string, string, error) {
		now := s.now().UTC()
		if err := c.RecordBatch(name, b.Count, now); err != nil {
			return "", "", err
		}
		if err := c.SetProgress(b.ProgressPercent, b.CurrentStep, now); err != nil {
			return "", "", err
		}
		return "batch", fmt.Sprintf("%s=%d", name, b.Count), nil
	})
	if err != nil {
		return nil, err
	}
	report := ch.Case.Report()
	return &report, nil
}

// FinalizeRequest is the body of POST /recovery/finalize.
type FinalizeRequest struct {
	Statistics map[string]int `json:"statistics"`
}

// Finalize moves an extracting case to processing. Repeated calls on a processing or
// completed case return the stored case unchanged.
func (s *Service) Finalize(ctx context.Context, code string, req FinalizeRequest) (*recovery.Case, error) {
	for name, count := range req.Statistics {
		if strings.TrimSpace(name) == "" || count < 0 {
			return nil, fmt.Errorf("%w: invalid statistic %q=%d", ErrInvalidRequest, name, count)
		}
	}
	ch, err := s.mutate(ctx, code, func(c *recovery.Case) (string, string, error) {
		if c.Status == recovery.StatusProcessing || c.Status == recovery.StatusCompleted {
			return "", "", nil
		}
		if _, err := c.Apply(recovery.EventFinalized, s.now().UTC()); err != nil {
			return "", "", err
		}
		for name, count := range req.Statistics {
			c.Statistics[name] = count
		}
		return string(recovery.EventFinalized), "", nil
	})
	if err != nil {
		return nil, err
	}
	return ch.Case, nil
}

// Status returns the polled status document. Expired cases report status expired.
func (s *Service) Status(ctx context.Context, code string) (*recovery.StatusReport, error) {
	c, err := s.store.GetByCode(ctx, normalizeCode(code))
	if err != nil {
		return nil, err
	}
	if c.Expired(s.now().UTC()) && c.Status != recovery.StatusExpired {
		ch, err := s.mutate(ctx, code, func(c *recovery.Case) (string, string, error) {
			c.CheckExpiry(s.now().UTC())
			return "", "", nil
		})
		if err != nil {
			return nil, err
		}
		c = ch.Case
	}
	report := c.Report()
	return &report, nil
}

// CaseDetail is a case with its audit trail.
type CaseDetail struct {
	*recovery.Case
	Link   string  `json:"link"`
	Events []Event `json:"events"`
}

// Get returns the full case record by id.
func (s *Service) Get(ctx context.Context, id string) (*CaseDetail, error) {
	c, err := s.store.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	events, err := s.store.Events(ctx, c.ID)
	if err != nil {
		return nil, err
	}
	return &CaseDetail{Case: c, Link: s.Link(c.RecoveryCode), Events: events}, nil
}

// ExpireOverdue moves every overdue non-terminal case to expired and returns how many were
// expired.
func (s *Service) ExpireOverdue(ctx context.Context, limit int) (int, error) {
	ids, err := s.store.ListOverdue(ctx, s.now().UTC(), limit)
	if err != nil {
		return 0, err
	}
	expired := 0
	for _, id := range ids {
		ch, err := s.store.MutateByID(ctx, id, func(c *recovery.Case) (string, string, error) {
			c.CheckExpiry(s.now().UTC())
			return "", "", nil
		})
		if err != nil {
			s.logger.Error("Failed to expire case", "case_id", id, "error", err)
			continue
		}
		if ch.Changed() {
			expired++
			s.publish(ctx, ch)
		}
	}
	return expired, nil
}

// Processing returns up to limit cases waiting to be packaged.
func (s *Service) Processing(ctx context.Context, limit int) ([]*recovery.Case, error) {
	return s.store.ListByStatus(ctx, recovery.StatusProcessing, limit)
}

// MarkPackaged moves a processing case to completed.
func (s *Service) MarkPackaged(ctx context.Context, id, location string) (*recovery.Case, error) {
	ch, err := s.store.MutateByID(ctx, id, func(c *recovery.Case) (string, string, error) {
		if _, err := c.Apply(recovery.EventPackaged, s.now().UTC()); err != nil {
			return "", "", err
		}
		return string(recovery.EventPackaged), location, nil
	})
	if err := s.after(ctx, ch, err); err != nil {
		return nil, err
	}
	return ch.Case, nil
}

// Fail moves an extracting or processing case to failed.
func (s *Service) Fail(ctx context.Context, id, reason string) (*recovery.Case, error) {
	ch, err := s.store.MutateByID(ctx, id, func(c *recovery.Case) (string, string, error) {
		if err := c.Fail(reason, s.now().UTC()); err != nil {
			return "", "", err
		}
		return string(recovery.EventFailed), reason, nil
	})
	if err := s.after(ctx, ch, err); err != nil {
		return nil, err
	}
	return ch.Case, nil
}

// mutate runs fn on the case with the given code and publishes any status change, including
// an expiry committed alongside an error.
func (s *Service) mutate(ctx context.Context, code string, fn MutateFunc) (*Change, error) {
	ch, err := s.store.MutateByCode(ctx, normalizeCode(code), fn)
	return ch, s.after(ctx, ch, err)
}

func (s *Service) after(ctx context.Context, ch *Change, err error) error {
	if ch != nil && ch.Changed() {
		s.logger.Info("Case transition", "case_id", ch.Case.ID, "from", ch.From, "status", ch.Case.Status, "event", ch.Event)
		s.publish(ctx, ch)
	}
	return err
}

// publish is best effort: notifier errors are logged and never fail the request.
func (s *Service) publish(ctx context.Context, ch *Change) {
	c := ch.Case
	t := notify.NewTransition(c.ID, c.ClientNumber, string(ch.From), string(c.Status), ch.Event, c.UpdatedAt)
	t.Detail = ch.Detail
	if c.Status == recovery.StatusProcessing || c.Status == recovery.StatusCompleted {
		t.Statistics = c.Report().Statistics
	}
	if err := s.notifier.Notify(context.WithoutCancel(ctx), t); err != nil {
		s.logger.Warn("Notification failed", "case_id", c.ID, "status", c.Status, "error", err)
	}
}
