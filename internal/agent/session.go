package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"device-recovery/internal/adb"
	"device-recovery/internal/api"
	"device-recovery/internal/extract"
	"device-recovery/internal/recovery"
	"device-recovery/internal/usb"
)

// DefaultAuthRetryInterval is the wait between handshakes while the device shows the
// authorization prompt.
const DefaultAuthRetryInterval = 2 * time.Second

// ErrSessionClosed is returned by Recover after Close.
var ErrSessionClosed = errors.New("session closed")

// Registry is the part of the case registry API a session uses. *api.Client implements it.
type Registry interface {
	StatusSource
	Validate(ctx context.Context, code string) (*api.CaseSummary, error)
	DeviceConnected(ctx context.Context, code string, req api.DeviceReport) (*recovery.StatusReport, error)
	StartExtraction(ctx context.Context, code string, req api.StartRequest) (*recovery.StatusReport, error)
	UploadData(ctx context.Context, code string, req api.Batch) (*recovery.StatusReport, error)
	Finalize(ctx context.Context, code string, stats map[string]int) (*recovery.StatusReport, error)
}

// Options configures one recovery attempt.
type Options struct {
	Code             string
	UnlockCredential string
	VendorIDs        []uint16
	Tasks            []extract.Task
	// AuthRetryInterval is the wait between handshakes while authorization is pending.
	AuthRetryInterval time.Duration
	Identity          string
	PublicKey         []byte
	// Agent is the host descriptor sent with the device-connected report.
	Agent json.RawMessage
}

// Outcome is what a finished recovery attempt produced.
type Outcome struct {
	DeviceSerial string
	Result       *extract.Result
	Report       *recovery.StatusReport
}

// Session is one recovery attempt. It owns the device handle for its whole lifetime.
type Session struct {
	opts     Options
	registry Registry
	view     *View
	logger   *slog.Logger

	mu     sync.Mutex
	handle *usb.Handle
	cancel context.CancelFunc
	closed bool
}

// NewSession creates a session. A nil view gets a fresh one.
func NewSession(reg Registry, opts Options, view *View, logger *slog.Logger) *Session {
	if opts.AuthRetryInterval <= 0 {
		opts.AuthRetryInterval = DefaultAuthRetryInterval
	}
	if len(opts.Tasks) == 0 {
		opts.Tasks = extract.DefaultTasks()
	}
	if view == nil {
		view = NewView(nil)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Session{
		opts:     opts,
		registry: reg,
		view:     view,
		logger:   logger.With("code", opts.Code),
	}
}

// View returns the session's projection of the case.
func (s *Session) View() *View {
	return s.view
}

// Recover runs the USB path: validate the code, open and claim the device, complete the
// debug-bridge handshake, then extract, report and finalize.
//
// usb.ErrNoDeviceSelected is returned unwrapped so callers can treat it as a cancellation.
// If the run is cancelled, or the session is closed, nothing is finalized and no failure is
// reported to the registry.
func (s *Session) Recover(ctx context.Context, neg *usb.Negotiator) (*Outcome, error) {
	ctx, cancel, err := s.begin(ctx)
	if err != nil {
		return nil, err
	}
	defer cancel()

	if _, err := s.registry.Validate(ctx, s.opts.Code); err != nil {
		return nil, fmt.Errorf("validate: %w", err)
	}

	handle, err := neg.Open(ctx, s.opts.VendorIDs)
	if err != nil {
		return nil, err
	}
	if err := s.own(handle); err != nil {
		_ = handle.Release()
		return nil, err
	}
	defer s.releaseHandle()

	ep, err := handle.Negotiate()
	if err != nil {
		return nil, err
	}
	if err := handle.Claim(ep); err != nil {
		return nil, err
	}

	conn := adb.NewConn(handle,
		adb.WithIdentity(s.opts.Identity),
		adb.WithPublicKey(s.opts.PublicKey),
		adb.WithLogger(s.logger),
	)
	if err := s.connect(ctx, conn); err != nil {
		return nil, err
	}

	report := api.DeviceReport{
		DeviceSerial: serialOf(handle.Info),
		Manufacturer: handle.Info.Manufacturer,
		Product:      handle.Info.Product,
		VendorID:     handle.Info.VendorID,
		ProductID:    handle.Info.ProductID,
		Agent:        s.opts.Agent,
	}
	return s.extract(ctx, report, extract.NewADBCollector(conn, nil))
}

// RecoverFolder runs the plugless path over a folder the user filled from the device.
func (s *Session) RecoverFolder(ctx context.Context, dir string) (*Outcome, error) {
	ctx, cancel, err := s.begin(ctx)
	if err != nil {
		return nil, err
	}
	defer cancel()

	if _, err := s.registry.Validate(ctx, s.opts.Code); err != nil {
		return nil, fmt.Errorf("validate: %w", err)
	}

	dc := extract.NewDirCollector(dir)
	report := api.DeviceReport{
		DeviceSerial: "folder:" + filepath.Base(filepath.Clean(dir)),
		Product:      "manual export",
		Agent:        s.opts.Agent,
	}
	id, err := dc.Identity()
	switch {
	case err == nil:
		report.Manufacturer = "Apple"
		report.Product = id.ProductType
		if id.SerialNumber != "" {
			report.DeviceSerial = id.SerialNumber
		} else if id.UniqueID != "" {
			report.DeviceSerial = id.UniqueID
		}
	case !errors.Is(err, fs.ErrNotExist):
		s.logger.Warn("Ignoring unreadable backup identity", "dir", dir, "error", err)
	}
	return s.extract(ctx, report, dc)
}

// Close is the user disconnect: it stops a running attempt and releases the device.
// The registry is not told; the case stays where it is until the agent reconnects or
// the case expires.
func (s *Session) Close() error {
	s.mu.Lock()
	s.closed = true
	cancel := s.cancel
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	return s.releaseHandle()
}

func (s *Session) begin(ctx context.Context) (context.Context, context.CancelFunc, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, nil, ErrSessionClosed
	}
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	return ctx, cancel, nil
}

func (s *Session) own(h *usb.Handle) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrSessionClosed
	}
	s.handle = h
	return nil
}

func (s *Session) releaseHandle() error {
	s.mu.Lock()
	h := s.handle
	s.handle = nil
	s.mu.Unlock()

	if h == nil {
		return nil
	}
	if err := h.Release(); err != nil {
		s.logger.Warn("Device release failed", "error", err)
		return err
	}
	return nil
}

// connect repeats the handshake until the device accepts it. Approval is a human action,
// so only ctx bounds the wait.
func (s *Session) connect(ctx context.Context, conn *adb.Conn) error {
	prompted := false
	for {
		state, err := conn.Connect(ctx)
		if err != nil {
			return fmt.Errorf("handshake: %w", err)
		}
		if state == adb.StateConnected {
			s.logger.Info("Device connected", "banner", conn.Banner())
			return nil
		}
		if !prompted {
			s.logger.Info("Waiting for USB debugging authorization on the device")
			prompted = true
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("handshake: %w", ctx.Err())
		case <-time.After(s.opts.AuthRetryInterval):
		}
	}
}

func (s *Session) extract(ctx context.Context, device api.DeviceReport, c extract.Collector) (*Outcome, error) {
	code := s.opts.Code
	out := &Outcome{DeviceSerial: device.DeviceSerial}

	doc, err := s.registry.DeviceConnected(ctx, code, device)
	if err != nil {
		return out, fmt.Errorf("device-connected: %w", err)
	}
	s.view.Apply(doc)

	doc, err = s.registry.StartExtraction(ctx, code, api.StartRequest{
		UnlockCredential: s.opts.UnlockCredential,
		DeviceSerial:     device.DeviceSerial,
	})
	if err != nil {
		return out, fmt.Errorf("start-extraction: %w", err)
	}
	s.view.Apply(doc)

	// local progress only travels to the registry with the next batch
	var percent int
	onProgress := func(p int, _ string) { percent = p }
	onBatch := func(ctx context.Context, name string, count int) error {
		doc, err := s.registry.UploadData(ctx, code, api.Batch{
			DataType:        name,
			Count:           count,
			DeviceSerial:    device.DeviceSerial,
			ProgressPercent: percent,
			CurrentStep:     name,
		})
		if err != nil {
			return err
		}
		s.view.Apply(doc)
		return nil
	}

	res, err := extract.NewRunner(c, s.logger).Run(ctx, s.opts.Tasks, onProgress, onBatch)
	out.Result = res
	if err != nil {
		return out, err
	}
	if failed := res.Failed(); len(failed) > 0 {
		s.logger.Warn("Some tasks failed", "failed", len(failed), "tasks", len(res.Tasks))
	}

	doc, err = s.registry.Finalize(ctx, code, res.Statistics)
	if err != nil {
		return out, err
	}
	s.view.Apply(doc)
	out.Report = doc
	s.logger.Info("Extraction finalized", "status", doc.Status, "statistics", res.Statistics)
	return out, nil
}

// serialOf falls back to the bus position for devices without a serial string.
func serialOf(info usb.DeviceInfo) string {
	if info.Serial != "" {
		return info.Serial
	}
	return fmt.Sprintf("usb:%04x:%04x@%d.%d", info.VendorID, info.ProductID, info.Bus, info.Address)
}
