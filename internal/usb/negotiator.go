package usb

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/hashicorp/go-multierror"
)

// Selector chooses one of the candidate devices. Returning ok=false means the user
// cancelled the choice.
type Selector func(candidates []DeviceInfo) (index int, ok bool)

// FirstDevice selects the first candidate.
func FirstDevice(candidates []DeviceInfo) (int, bool) {
	return 0, len(candidates) > 0
}

// Negotiator opens devices from a Bus and hands out exclusively owned Handles.
type Negotiator struct {
	bus    Bus
	choose Selector
	logger *slog.Logger
}

// NewNegotiator creates a Negotiator. A nil selector selects the first candidate.
func NewNegotiator(bus Bus, choose Selector, logger *slog.Logger) *Negotiator {
	if choose == nil {
		choose = FirstDevice
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Negotiator{bus: bus, choose: choose, logger: logger}
}

// Close releases the underlying bus. Handles must be released first.
func (n *Negotiator) Close() error {
	return n.bus.Close()
}

// Open opens the device the selector picks among those whose vendor id is in vendorIDs.
// An empty vendorIDs matches DefaultVendorIDs.
//
// Errors:
//   - ErrNoDeviceSelected: nothing matched, or the selection was cancelled
//   - ErrOpenFailed: every matching device failed to open (causes are aggregated)
func (n *Negotiator) Open(ctx context.Context, vendorIDs []uint16) (*Handle, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(vendorIDs) == 0 {
		vendorIDs = DefaultVendorIDs
	}
	allowed := make(map[uint16]bool, len(vendorIDs))
	for _, id := range vendorIDs {
		allowed[id] = true
	}

	devs, openErr := n.bus.Open(func(vid, _ uint16) bool { return allowed[vid] })

	var errs *multierror.Error
	if openErr != nil {
		errs = multierror.Append(errs, openErr)
	}

	var (
		usable []Device
		infos  []DeviceInfo
	)
	for _, d := range devs {
		info, err := d.Info()
		if err != nil {
			errs = multierror.Append(errs, fmt.Errorf("read descriptor of %04x:%04x: %w", info.VendorID, info.ProductID, err))
			_ = d.Close()
			continue
		}
		usable = append(usable, d)
		infos = append(infos, info)
	}

	if len(usable) == 0 {
		if errs.ErrorOrNil() != nil {
			return nil, fmt.Errorf("%w: %w", ErrOpenFailed, errs.ErrorOrNil())
		}
		return nil, ErrNoDeviceSelected
	}
	if errs.ErrorOrNil() != nil {
		n.logger.Warn("Some devices could not be opened", "error", errs.ErrorOrNil())
	}

	idx, ok := n.choose(infos)
	if !ok || idx < 0 || idx >= len(usable) {
		closeAll(usable, -1)
		return nil, ErrNoDeviceSelected
	}
	closeAll(usable, idx)

	n.logger.Info("Device opened", "device", infos[idx].String())
	return &Handle{Info: infos[idx], dev: usable[idx], logger: n.logger}, nil
}

func closeAll(devs []Device, keep int) {
	for i, d := range devs {
		if i != keep {
			_ = d.Close()
		}
	}
}

// Handle is an opened device owned by exactly one recovery attempt.
// Transfers are serialized: at most one read or write is in flight at a time.
// Release does not wait for the caller's context; it cancels the transfer in flight.
type Handle struct {
	Info DeviceInfo

	dev    Device
	logger *slog.Logger

	xfer sync.Mutex // held for the duration of one transfer

	mu         sync.Mutex // guards the fields below
	pipe       Pipe
	claimed    Endpoints
	released   bool
	cancelXfer context.CancelFunc
}

// Negotiate finds the debug-bridge interface in the active configuration.
func (h *Handle) Negotiate() (Endpoints, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.released {
		return Endpoints{}, ErrReleased
	}

	ifaces, err := h.dev.Interfaces()
	if err != nil {
		return Endpoints{}, fmt.Errorf("%w: read active configuration: %w", ErrInterfaceNotFound, err)
	}
	ep, ok := SelectInterface(ifaces)
	if !ok {
		return Endpoints{}, fmt.Errorf("%w: %d interfaces, none with a bulk in/out pair", ErrInterfaceNotFound, len(ifaces))
	}
	if ep.Fallback {
		h.logger.Warn("Debug-bridge signature not found, using first bulk interface", "interface", ep.Interface)
	}
	return ep, nil
}

// Claim claims the interface in ep. Claiming while already holding a claim is an error.
func (h *Handle) Claim(ep Endpoints) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.released {
		return ErrReleased
	}
	if h.pipe != nil {
		return fmt.Errorf("%w: interface %d", ErrAlreadyClaimed, h.claimed.Interface)
	}

	pipe, err := h.dev.Claim(ep)
	if err != nil {
		return fmt.Errorf("claim interface %d: %w", ep.Interface, err)
	}
	h.pipe = pipe
	h.claimed = ep
	h.logger.Debug("Interface claimed", "interface", ep.Interface, "in", ep.In, "out", ep.Out)
	return nil
}

// Claimed returns the claimed endpoints, if any.
func (h *Handle) Claimed() (Endpoints, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.claimed, h.pipe != nil
}

// Release cancels a transfer in flight, releases the claimed interface and closes the
// device. It is safe to call on every exit path; calls after the first are no-ops.
func (h *Handle) Release() error {
	h.mu.Lock()
	if h.released {
		h.mu.Unlock()
		return nil
	}
	h.released = true
	if h.cancelXfer != nil {
		h.cancelXfer()
	}
	pipe := h.pipe
	h.pipe = nil
	h.mu.Unlock()

	// wait for the cancelled transfer to return before closing the pipe under it
	h.xfer.Lock()
	defer h.xfer.Unlock()

	var errs *multierror.Error
	if pipe != nil {
		if err := pipe.Close(); err != nil {
			errs = multierror.Append(errs, fmt.Errorf("release interface %d: %w", h.claimed.Interface, err))
		}
	}
	if err := h.dev.Close(); err != nil {
		errs = multierror.Append(errs, fmt.Errorf("close device: %w", err))
	}
	h.logger.Debug("Device released", "device", h.Info.String())
	return errs.ErrorOrNil()
}

// ReadContext performs one bulk IN transfer.
func (h *Handle) ReadContext(ctx context.Context, p []byte) (int, error) {
	return h.transfer(ctx, func(ctx context.Context, pipe Pipe) (int, error) {
		return pipe.ReadContext(ctx, p)
	})
}

// WriteContext performs one bulk OUT transfer.
func (h *Handle) WriteContext(ctx context.Context, p []byte) (int, error) {
	return h.transfer(ctx, func(ctx context.Context, pipe Pipe) (int, error) {
		return pipe.WriteContext(ctx, p)
	})
}

func (h *Handle) transfer(ctx context.Context, fn func(context.Context, Pipe) (int, error)) (int, error) {
	h.xfer.Lock()
	defer h.xfer.Unlock()

	h.mu.Lock()
	if err := h.usable(); err != nil {
		h.mu.Unlock()
		return 0, err
	}
	pipe := h.pipe
	ctx, cancel := context.WithCancel(ctx)
	h.cancelXfer = cancel
	h.mu.Unlock()

	defer func() {
		h.mu.Lock()
		h.cancelXfer = nil
		h.mu.Unlock()
		cancel()
	}()
	return fn(ctx, pipe)
}

func (h *Handle) usable() error {
	if h.released {
		return ErrReleased
	}
	if h.pipe == nil {
		return ErrNotClaimed
	}
	return nil
}
