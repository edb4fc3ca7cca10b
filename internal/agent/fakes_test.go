package agent

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"device-recovery/internal/adb"
	"device-recovery/internal/api"
	"device-recovery/internal/registry"
	"device-recovery/internal/usb"
)

// adbPeer is a device-side debug-bridge daemon. Every complete message written by the
// host is answered immediately by queueing the reply for the next reads.
type adbPeer struct {
	mu sync.Mutex

	authRounds   int               // AUTH challenges sent before CNXN is accepted
	approveOnKey bool              // the offered key is accepted at once and CNXN sent unprompted
	outputs      map[string]string // shell output by command substring; "3" otherwise
	refuse       []string          // command substrings whose stream is refused

	pending  *adb.Header
	reads    [][]byte
	received []uint32
	opened   []string
	closed   bool
}

func (p *adbPeer) ReadContext(ctx context.Context, b []byte) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return 0, errors.New("pipe closed")
	}
	if len(p.reads) == 0 {
		return 0, io.EOF
	}
	n := copy(b, p.reads[0])
	if n < len(p.reads[0]) {
		p.reads[0] = p.reads[0][n:]
	} else {
		p.reads = p.reads[1:]
	}
	return n, nil
}

func (p *adbPeer) WriteContext(ctx context.Context, b []byte) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return 0, errors.New("pipe closed")
	}
	if p.pending != nil {
		h := *p.pending
		p.pending = nil
		p.handle(h, bytes.Clone(b))
		return len(b), nil
	}
	h, err := adb.DecodeHeader(b)
	if err != nil {
		return 0, err
	}
	if h.PayloadLength > 0 {
		p.pending = &h
		return len(b), nil
	}
	p.handle(h, nil)
	return len(b), nil
}

func (p *adbPeer) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return nil
}

func (p *adbPeer) handle(h adb.Header, payload []byte) {
	p.received = append(p.received, h.Command)
	switch h.Command {
	case adb.CmdConnect:
		if p.authRounds > 0 {
			p.authRounds--
			p.send(adb.Message{Command: adb.CmdAuth, Arg0: adb.AuthToken, Payload: []byte("0123456789abcdef0123")})
			return
		}
		p.sendConnect()

	case adb.CmdAuth:
		if p.approveOnKey && h.Arg0 == adb.AuthRSAPublicKey {
			p.authRounds = 0
			p.sendConnect()
		}

	case adb.CmdOpen:
		cmd := strings.TrimSuffix(strings.TrimPrefix(string(payload), "shell:"), "\x00")
		p.opened = append(p.opened, cmd)
		local := h.Arg0
		for _, r := range p.refuse {
			if strings.Contains(cmd, r) {
				p.send(adb.Message{Command: adb.CmdClose, Arg1: local})
				return
			}
		}
		remote := 1000 + local
		p.send(
			adb.Message{Command: adb.CmdOkay, Arg0: remote, Arg1: local},
			adb.Message{Command: adb.CmdWrite, Arg0: remote, Arg1: local, Payload: []byte(p.output(cmd))},
			adb.Message{Command: adb.CmdClose, Arg0: remote, Arg1: local},
		)
	}
}

func (p *adbPeer) sendConnect() {
	p.send(adb.Message{Command: adb.CmdConnect, Arg0: adb.Version, Arg1: adb.MaxPayload, Payload: []byte("device::ro.product.model=Pixel 7;\x00")})
}

func (p *adbPeer) output(cmd string) string {
	for sub, out := range p.outputs {
		if strings.Contains(cmd, sub) {
			return out
		}
	}
	return "3\n"
}

func (p *adbPeer) send(msgs ...adb.Message) {
	for _, m := range msgs {
		p.reads = append(p.reads, m.Header().Encode())
		if len(m.Payload) > 0 {
			p.reads = append(p.reads, m.Payload)
		}
	}
}

func (p *adbPeer) count(cmd uint32) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, c := range p.received {
		if c == cmd {
			n++
		}
	}
	return n
}

func (p *adbPeer) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

type fakeDevice struct {
	info   usb.DeviceInfo
	peer   *adbPeer
	mu     sync.Mutex
	closed bool
}

func (d *fakeDevice) Info() (usb.DeviceInfo, error) { return d.info, nil }

func (d *fakeDevice) Interfaces() ([]usb.InterfaceDesc, error) {
	return []usb.InterfaceDesc{{
		Number:   0,
		Class:    usb.ClassVendorSpecific,
		SubClass: usb.SubClassADB,
		Protocol: usb.ProtocolADB,
		Endpoints: []usb.EndpointDesc{
			{Number: 1, In: true, Bulk: true, MaxPacketSize: 512},
			{Number: 1, In: false, Bulk: true, MaxPacketSize: 512},
		},
	}}, nil
}

func (d *fakeDevice) Claim(ep usb.Endpoints) (usb.Pipe, error) { return d.peer, nil }

func (d *fakeDevice) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed = true
	return nil
}

func (d *fakeDevice) isClosed() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.closed
}

type fakeBus struct {
	devices []*fakeDevice
	opens   int
}

func (b *fakeBus) Open(match func(vid, pid uint16) bool) ([]usb.Device, error) {
	b.opens++
	var out []usb.Device
	for _, d := range b.devices {
		if match(d.info.VendorID, d.info.ProductID) {
			out = append(out, d)
		}
	}
	return out, nil
}

func (b *fakeBus) Close() error { return nil }

func newPixel(peer *adbPeer) *fakeDevice {
	return &fakeDevice{
		info: usb.DeviceInfo{
			VendorID:     0x18d1,
			ProductID:    0x4ee7,
			Manufacturer: "Google",
			Product:      "Pixel 7",
			Serial:       "28031FDH2000AB",
			Bus:          1,
			Address:      4,
		},
		peer: peer,
	}
}

// testRegistry is a real registry behind httptest, reached through api.Client.
type testRegistry struct {
	svc    *registry.Service
	store  *registry.Store
	client *api.Client
}

func newTestRegistry(t *testing.T) *testRegistry {
	t.Helper()
	store, err := registry.NewStore(filepath.Join(t.TempDir(), "rcd.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { store.Close() })

	svc := registry.NewService(store, registry.ServiceConfig{TTL: time.Hour, PublicURL: "https://recover.example.org"})
	srv := httptest.NewServer(registry.NewRouter(svc, "", nil))
	t.Cleanup(srv.Close)

	return &testRegistry{svc: svc, store: store, client: api.NewClient(srv.URL, 5*time.Second, 5*time.Second)}
}

func (r *testRegistry) issue(t *testing.T) string {
	t.Helper()
	issued, err := r.svc.Issue(context.Background(), registry.IssueRequest{ClientNumber: "CL-1042", DeviceType: "android"})
	if err != nil {
		t.Fatal(err)
	}
	return issued.RecoveryCode
}
