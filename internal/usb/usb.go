package usb

// Package usb finds a mobile device on the USB bus, locates its debug-bridge interface
// and exposes the claimed bulk endpoint pair as a serialized transport.
// The driver is abstracted behind Bus/Device/Pipe so the selection logic can run without hardware.

import (
	"context"
	"errors"
	"fmt"
)

// Debug-bridge interface signature (vendor specific class, ADB subclass and protocol).
const (
	ClassVendorSpecific uint8 = 0xFF
	SubClassADB         uint8 = 0x42
	ProtocolADB         uint8 = 0x01
)

// Well-known Android vendor ids used when no filter is configured.
var DefaultVendorIDs = []uint16{
	0x18d1, // Google
	0x04e8, // Samsung
	0x22b8, // Motorola
	0x2717, // Xiaomi
	0x12d1, // Huawei
	0x2a70, // OnePlus
	0x0bb4, // HTC
	0x1004, // LG
	0x0fce, // Sony
}

var (
	// ErrNoDeviceSelected means no matching device was present or the user cancelled
	// the selection. It is not a hardware failure.
	ErrNoDeviceSelected = errors.New("no device selected")
	// ErrOpenFailed means the OS refused to open the device.
	ErrOpenFailed = errors.New("device open failed")
	// ErrInterfaceNotFound means no interface with the debug-bridge signature or a bulk
	// in/out pair exists in the active configuration.
	ErrInterfaceNotFound = errors.New("debug-bridge interface not found")
	// ErrAlreadyClaimed is returned when Claim is called while a claim is held.
	ErrAlreadyClaimed = errors.New("interface already claimed")
	// ErrNotClaimed is returned for transfers before Claim.
	ErrNotClaimed = errors.New("interface not claimed")
	// ErrReleased is returned for any operation on a released handle.
	ErrReleased = errors.New("device handle released")
)

// DeviceInfo describes one attached device.
type DeviceInfo struct {
	VendorID     uint16 `json:"vendor_id"`
	ProductID    uint16 `json:"product_id"`
	Manufacturer string `json:"manufacturer"`
	Product      string `json:"product"`
	Serial       string `json:"serial"`
	Bus          int    `json:"bus"`
	Address      int    `json:"address"`
}

func (d DeviceInfo) String() string {
	return fmt.Sprintf("%04x:%04x %s %s (serial %s)", d.VendorID, d.ProductID, d.Manufacturer, d.Product, d.Serial)
}

// EndpointDesc describes one endpoint of an interface setting.
type EndpointDesc struct {
	Number        int
	In            bool
	Bulk          bool
	MaxPacketSize int
}

// InterfaceDesc describes the default alternate setting of one interface.
type InterfaceDesc struct {
	Number    int
	Alternate int
	Class     uint8
	SubClass  uint8
	Protocol  uint8
	Endpoints []EndpointDesc
}

// Endpoints identifies a claimable interface and its bulk endpoint pair.
type Endpoints struct {
	Interface int  `json:"interface"`
	Alternate int  `json:"alternate"`
	In        int  `json:"in"`
	Out       int  `json:"out"`
	Fallback  bool `json:"fallback"`
}

// Bus enumerates and opens devices.
type Bus interface {
	// Open opens every device for which match returns true. A non-nil error may
	// accompany a partial result.
	Open(match func(vendorID, productID uint16) bool) ([]Device, error)
	Close() error
}

// Device is one opened device.
type Device interface {
	Info() (DeviceInfo, error)
	// Interfaces lists the interfaces of the active configuration.
	Interfaces() ([]InterfaceDesc, error)
	Claim(ep Endpoints) (Pipe, error)
	Close() error
}

// Pipe is a claimed interface. Close releases the interface.
type Pipe interface {
	ReadContext(ctx context.Context, p []byte) (int, error)
	WriteContext(ctx context.Context, p []byte) (int, error)
	Close() error
}

// SelectInterface picks the debug-bridge interface: the first interface matching the
// class/subclass/protocol signature that has a bulk in/out pair, else the first interface
// with any bulk in/out pair. The fallback is first-match and provisional; multi-interface
// devices exposing several bulk pairs are not disambiguated.
func SelectInterface(ifaces []InterfaceDesc) (Endpoints, bool) {
	for _, intf := range ifaces {
		if intf.Class != ClassVendorSpecific || intf.SubClass != SubClassADB || intf.Protocol != ProtocolADB {
			continue
		}
		if in, out, ok := bulkPair(intf); ok {
			return Endpoints{Interface: intf.Number, Alternate: intf.Alternate, In: in, Out: out}, true
		}
	}
	for _, intf := range ifaces {
		if in, out, ok := bulkPair(intf); ok {
			return Endpoints{Interface: intf.Number, Alternate: intf.Alternate, In: in, Out: out, Fallback: true}, true
		}
	}
	return Endpoints{}, false
}

func bulkPair(intf InterfaceDesc) (in, out int, ok bool) {
	in, out = -1, -1
	for _, ep := range intf.Endpoints {
		if !ep.Bulk {
			continue
		}
		if ep.In && in < 0 {
			in = ep.Number
		}
		if !ep.In && out < 0 {
			out = ep.Number
		}
	}
	return in, out, in >= 0 && out >= 0
}
