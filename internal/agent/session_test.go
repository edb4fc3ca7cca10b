package agent

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"device-recovery/internal/adb"
	"device-recovery/internal/api"
	"device-recovery/internal/extract"
	"device-recovery/internal/recovery"
	"device-recovery/internal/usb"
)

func TestSession_RecoverReachesProcessing(t *testing.T) {
	reg := newTestRegistry(t)
	code := reg.issue(t)

	peer := &adbPeer{authRounds: 2, outputs: map[string]string{"content://sms": "10\n"}}
	dev := newPixel(peer)
	neg := usb.NewNegotiator(&fakeBus{devices: []*fakeDevice{dev}}, nil, nil)

	var (
		mu       sync.Mutex
		statuses []recovery.Status
	)
	view := NewView(func(s Snapshot) {
		mu.Lock()
		statuses = append(statuses, s.Status)
		mu.Unlock()
	})

	s := NewSession(reg.client, Options{
		Code:              code,
		UnlockCredential:  "1234",
		AuthRetryInterval: 10 * time.Millisecond,
		PublicKey:         []byte("QAAAAFakeKey host@rcd"),
		Agent:             []byte(`{"hostname":"bench-01"}`),
	}, view, nil)

	out, err := s.Recover(context.Background(), neg)
	if err != nil {
		t.Fatalf("recover: %v", err)
	}

	want := map[string]int{"photos": 6, "videos": 6, "messages": 13, "contacts": 3, "callLogs": 3, "deletedFiles": 6}
	for k, n := range want {
		if out.Result.Statistics[k] != n {
			t.Errorf("statistics[%s] = %d, want %d", k, out.Result.Statistics[k], n)
		}
	}
	if out.Report.Status != recovery.StatusProcessing || out.Report.ProgressPercent != 100 {
		t.Errorf("report = %+v", out.Report)
	}
	if out.DeviceSerial != "28031FDH2000AB" {
		t.Errorf("serial = %s", out.DeviceSerial)
	}

	// two AUTH challenges, then accepted; the key is offered once
	if n := peer.count(adb.CmdConnect); n != 3 {
		t.Errorf("CNXN sent %d times, want 3", n)
	}
	if n := peer.count(adb.CmdAuth); n != 1 {
		t.Errorf("AUTH sent %d times, want 1", n)
	}
	if len(peer.opened) != 10 {
		t.Errorf("opened %d shell streams, want 10", len(peer.opened))
	}
	if !dev.isClosed() || !peer.isClosed() {
		t.Error("device not released")
	}

	snap := view.Snapshot()
	if snap.Status != recovery.StatusProcessing || snap.Statistics["messages"] != 13 {
		t.Errorf("view = %+v", snap)
	}
	mu.Lock()
	if statuses[0] != recovery.StatusDeviceConnected || statuses[1] != recovery.StatusExtracting {
		t.Errorf("view history = %v", statuses)
	}
	mu.Unlock()

	c, err := reg.store.GetByCode(context.Background(), code)
	if err != nil {
		t.Fatal(err)
	}
	if c.DeviceSerial != "28031FDH2000AB" || len(c.DeviceDescriptor) == 0 {
		t.Errorf("case device = %q %s", c.DeviceSerial, c.DeviceDescriptor)
	}
}

func TestSession_ApprovalDuringRetry(t *testing.T) {
	reg := newTestRegistry(t)
	code := reg.issue(t)

	// The device answers the retried CNXN as well as sending its own on approval.
	peer := &adbPeer{authRounds: 5, approveOnKey: true}
	neg := usb.NewNegotiator(&fakeBus{devices: []*fakeDevice{newPixel(peer)}}, nil, nil)

	s := NewSession(reg.client, Options{
		Code:              code,
		UnlockCredential:  "1234",
		AuthRetryInterval: time.Millisecond,
		PublicKey:         []byte("QAAAAFakeKey host@rcd"),
	}, nil, nil)
	out, err := s.Recover(context.Background(), neg)
	if err != nil {
		t.Fatalf("recover: %v", err)
	}

	if failed := out.Result.Failed(); len(failed) != 0 {
		t.Fatalf("failed tasks: %+v", failed)
	}
	want := map[string]int{"photos": 6, "videos": 6, "messages": 6, "contacts": 3, "callLogs": 3, "deletedFiles": 6}
	for k, n := range want {
		if out.Result.Statistics[k] != n {
			t.Errorf("statistics[%s] = %d, want %d", k, out.Result.Statistics[k], n)
		}
	}
	if n := peer.count(adb.CmdConnect); n != 2 {
		t.Errorf("CNXN sent %d times, want 2", n)
	}
}

func TestSession_FailedTaskStillFinalizes(t *testing.T) {
	reg := newTestRegistry(t)
	code := reg.issue(t)

	peer := &adbPeer{refuse: []string{"content://sms"}}
	neg := usb.NewNegotiator(&fakeBus{devices: []*fakeDevice{newPixel(peer)}}, nil, nil)

	s := NewSession(reg.client, Options{Code: code, UnlockCredential: "1234"}, nil, nil)
	out, err := s.Recover(context.Background(), neg)
	if err != nil {
		t.Fatalf("recover: %v", err)
	}

	failed := out.Result.Failed()
	if len(failed) != 1 || failed[0].Name != extract.TaskMessages {
		t.Fatalf("failed tasks = %+v", failed)
	}
	if _, ok := out.Result.Statistics[extract.TaskMessages]; ok {
		t.Error("failed task has a count")
	}
	if out.Report.Status != recovery.StatusProcessing {
		t.Errorf("status = %s", out.Report.Status)
	}
}

func TestSession_NoDevice(t *testing.T) {
	reg := newTestRegistry(t)
	code := reg.issue(t)

	bus := &fakeBus{}
	s := NewSession(reg.client, Options{Code: code, UnlockCredential: "1234"}, nil, nil)
	_, err := s.Recover(context.Background(), usb.NewNegotiator(bus, nil, nil))
	if !errors.Is(err, usb.ErrNoDeviceSelected) {
		t.Fatalf("err = %v", err)
	}
	if bus.opens != 1 {
		t.Errorf("bus opened %d times", bus.opens)
	}

	c, _ := reg.store.GetByCode(context.Background(), code)
	if c.Status != recovery.StatusPending {
		t.Errorf("status = %s, want pending", c.Status)
	}
}

func TestSession_UnknownCodeNeverOpensDevice(t *testing.T) {
	reg := newTestRegistry(t)
	bus := &fakeBus{devices: []*fakeDevice{newPixel(&adbPeer{})}}

	s := NewSession(reg.client, Options{Code: "NONE-NONE", UnlockCredential: "1234"}, nil, nil)
	_, err := s.Recover(context.Background(), usb.NewNegotiator(bus, nil, nil))
	if !errors.Is(err, api.ErrCaseNotFound) {
		t.Fatalf("err = %v", err)
	}
	if bus.opens != 0 {
		t.Errorf("bus opened %d times", bus.opens)
	}
}

// closingRegistry disconnects the session on the first upload.
type closingRegistry struct {
	Registry
	session *Session
	once    sync.Once
}

func (r *closingRegistry) UploadData(ctx context.Context, code string, req api.Batch) (*recovery.StatusReport, error) {
	r.once.Do(func() { _ = r.session.Close() })
	return r.Registry.UploadData(ctx, code, req)
}

func TestSession_CloseStopsWithoutReporting(t *testing.T) {
	reg := newTestRegistry(t)
	code := reg.issue(t)

	peer := &adbPeer{}
	dev := newPixel(peer)
	neg := usb.NewNegotiator(&fakeBus{devices: []*fakeDevice{dev}}, nil, nil)

	cr := &closingRegistry{Registry: reg.client}
	s := NewSession(cr, Options{Code: code, UnlockCredential: "1234"}, nil, nil)
	cr.session = s

	out, err := s.Recover(context.Background(), neg)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v", err)
	}
	if out.Report != nil {
		t.Error("finalized after disconnect")
	}
	if !dev.isClosed() {
		t.Error("device not released")
	}

	c, _ := reg.store.GetByCode(context.Background(), code)
	if c.Status != recovery.StatusExtracting {
		t.Errorf("status = %s, want extracting", c.Status)
	}

	if _, err := s.Recover(context.Background(), neg); !errors.Is(err, ErrSessionClosed) {
		t.Errorf("recover after close: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Errorf("second close: %v", err)
	}
}

func TestSession_RecoverFolder(t *testing.T) {
	reg := newTestRegistry(t)
	code := reg.issue(t)

	dir := t.TempDir()
	files := map[string]string{
		"DCIM/Camera/IMG_0001.jpg":      "x",
		"DCIM/Camera/IMG_0002.heic":     "x",
		"DCIM/Camera/VID_0001.mp4":      "x",
		"contacts.vcf":                  "BEGIN:VCARD\nEND:VCARD\nBEGIN:VCARD\nEND:VCARD\n",
		"sms-20260301.xml":              "<smses>\n<sms address=\"1\"/>\n<sms address=\"2\"/>\n</smses>\n",
		"Recently Deleted/IMG_0003.jpg": "x",
		"calls-20260301.xml":            "<calls>\n<call number=\"1\"/>\n</calls>\n",
	}
	for name, body := range files {
		p := filepath.Join(dir, filepath.FromSlash(name))
		if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(p, []byte(body), 0o644); err != nil {
			t.Fatal(err)
		}
	}

	s := NewSession(reg.client, Options{Code: code, UnlockCredential: "1234"}, nil, nil)
	out, err := s.RecoverFolder(context.Background(), dir)
	if err != nil {
		t.Fatalf("recover folder: %v", err)
	}

	want := map[string]int{"photos": 2, "videos": 1, "messages": 2, "contacts": 2, "callLogs": 1, "deletedFiles": 1}
	for k, n := range want {
		if out.Result.Statistics[k] != n {
			t.Errorf("statistics[%s] = %d, want %d", k, out.Result.Statistics[k], n)
		}
	}
	if out.Report.Status != recovery.StatusProcessing {
		t.Errorf("status = %s", out.Report.Status)
	}
	if out.DeviceSerial != "folder:"+filepath.Base(dir) {
		t.Errorf("serial = %s", out.DeviceSerial)
	}
}
