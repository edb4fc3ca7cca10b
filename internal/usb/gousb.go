package usb

import (
	"context"
	"fmt"
	"sort"

	"github.com/google/gousb"
	"github.com/hashicorp/go-multierror"
)

// OpenBus initializes libusb. The returned Bus must be closed.
func OpenBus() (Bus, error) {
	ctx, err := newContext()
	if err != nil {
		return nil, fmt.Errorf("failed to initialize USB: %w", err)
	}
	return &gousbBus{ctx: ctx}, nil
}

// newContext converts libusb initialization panics (no backend, no permissions on the
// usbfs) into errors.
func newContext() (ctx *gousb.Context, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%v", r)
		}
	}()
	return gousb.NewContext(), nil
}

type gousbBus struct {
	ctx *gousb.Context
}

func (b *gousbBus) Open(match func(vendorID, productID uint16) bool) ([]Device, error) {
	devs, err := b.ctx.OpenDevices(func(desc *gousb.DeviceDesc) bool {
		return match(uint16(desc.Vendor), uint16(desc.Product))
	})
	out := make([]Device, 0, len(devs))
	for _, d := range devs {
		out = append(out, &gousbDevice{dev: d})
	}
	return out, err
}

func (b *gousbBus) Close() error {
	return b.ctx.Close()
}

type gousbDevice struct {
	dev *gousb.Device
}

func (d *gousbDevice) Info() (DeviceInfo, error) {
	info := DeviceInfo{
		VendorID:  uint16(d.dev.Desc.Vendor),
		ProductID: uint16(d.dev.Desc.Product),
		Bus:       d.dev.Desc.Bus,
		Address:   d.dev.Desc.Address,
	}

	// String descriptors need an opened, accessible device; failures here usually mean
	// missing udev permissions.
	var errs *multierror.Error
	var err error
	if info.Manufacturer, err = d.dev.Manufacturer(); err != nil {
		errs = multierror.Append(errs, fmt.Errorf("manufacturer: %w", err))
	}
	if info.Product, err = d.dev.Product(); err != nil {
		errs = multierror.Append(errs, fmt.Errorf("product: %w", err))
	}
	if info.Serial, err = d.dev.SerialNumber(); err != nil {
		errs = multierror.Append(errs, fmt.Errorf("serial: %w", err))
	}
	return info, errs.ErrorOrNil()
}

func (d *gousbDevice) activeConfig() (gousb.ConfigDesc, error) {
	num, err := d.dev.ActiveConfigNum()
	if err != nil {
		return gousb.ConfigDesc{}, err
	}
	cfg, ok := d.dev.Desc.Configs[num]
	if !ok {
		return gousb.ConfigDesc{}, fmt.Errorf("active configuration %d not in descriptor", num)
	}
	return cfg, nil
}

func (d *gousbDevice) Interfaces() ([]InterfaceDesc, error) {
	cfg, err := d.activeConfig()
	if err != nil {
		return nil, err
	}

	var out []InterfaceDesc
	for _, intf := range cfg.Interfaces {
		if len(intf.AltSettings) == 0 {
			continue
		}
		alt := intf.AltSettings[0]
		desc := InterfaceDesc{
			Number:    alt.Number,
			Alternate: alt.Alternate,
			Class:     uint8(alt.Class),
			SubClass:  uint8(alt.SubClass),
			Protocol:  uint8(alt.Protocol),
		}
		for _, ep := range alt.Endpoints {
			desc.Endpoints = append(desc.Endpoints, EndpointDesc{
				Number:        ep.Number,
				In:            ep.Direction == gousb.EndpointDirectionIn,
				Bulk:          ep.TransferType == gousb.TransferTypeBulk,
				MaxPacketSize: ep.MaxPacketSize,
			})
		}
		// Endpoints come from a map; keep the order stable so first-match is reproducible.
		sort.Slice(desc.Endpoints, func(i, j int) bool {
			if desc.Endpoints[i].Number != desc.Endpoints[j].Number {
				return desc.Endpoints[i].Number < desc.Endpoints[j].Number
			}
			return desc.Endpoints[i].In && !desc.Endpoints[j].In
		})
		out = append(out, desc)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Number < out[j].Number })
	return out, nil
}

func (d *gousbDevice) Claim(ep Endpoints) (Pipe, error) {
	// Detach a kernel driver bound to the interface where the platform supports it.
	_ = d.dev.SetAutoDetach(true)

	num, err := d.dev.ActiveConfigNum()
	if err != nil {
		return nil, fmt.Errorf("active config: %w", err)
	}
	cfg, err := d.dev.Config(num)
	if err != nil {
		return nil, fmt.Errorf("set config %d: %w", num, err)
	}
	intf, err := cfg.Interface(ep.Interface, ep.Alternate)
	if err != nil {
		_ = cfg.Close()
		return nil, err
	}
	in, err := intf.InEndpoint(ep.In)
	if err != nil {
		intf.Close()
		_ = cfg.Close()
		return nil, fmt.Errorf("in endpoint %d: %w", ep.In, err)
	}
	out, err := intf.OutEndpoint(ep.Out)
	if err != nil {
		intf.Close()
		_ = cfg.Close()
		return nil, fmt.Errorf("out endpoint %d: %w", ep.Out, err)
	}
	return &gousbPipe{cfg: cfg, intf: intf, in: in, out: out}, nil
}

func (d *gousbDevice) Close() error {
	return d.dev.Close()
}

type gousbPipe struct {
	cfg  *gousb.Config
	intf *gousb.Interface
	in   *gousb.InEndpoint
	out  *gousb.OutEndpoint
}

func (p *gousbPipe) ReadContext(ctx context.Context, buf []byte) (int, error) {
	return p.in.ReadContext(ctx, buf)
}

func (p *gousbPipe) WriteContext(ctx context.Context, buf []byte) (int, error) {
	return p.out.WriteContext(ctx, buf)
}

func (p *gousbPipe) Close() error {
	p.intf.Close()
	return p.cfg.Close()
}
