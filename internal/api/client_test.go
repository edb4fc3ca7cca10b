package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"device-recovery/internal/recovery"
	"device-recovery/internal/registry"
)

func TestClient_AgainstRegistry(t *testing.T) {
	store, err := registry.NewStore(filepath.Join(t.TempDir(), "rcd.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer store.Close()
	svc := registry.NewService(store, registry.ServiceConfig{TTL: time.Hour, PublicURL: "https://r.example"})
	srv := httptest.NewServer(registry.NewRouter(svc, "tok", nil))
	defer srv.Close()

	ctx := context.Background()
	c := NewClient(srv.URL+"/", time.Second, time.Second)
	c.OperatorToken = "tok"

	issued, err := c.IssueCase(ctx, IssueRequest{ClientNumber: "CL-9", DeviceType: "ios"})
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if issued.Link != "https://r.example/r/"+issued.RecoveryCode {
		t.Errorf("link = %s", issued.Link)
	}
	code := issued.RecoveryCode

	summary, err := c.Validate(ctx, code)
	if err != nil || summary.ClientNumber != "CL-9" || summary.Status != "pending" {
		t.Fatalf("validate: %v %+v", err, summary)
	}
	if _, err := c.DeviceConnected(ctx, code, DeviceReport{DeviceSerial: "00008030"}); err != nil {
		t.Fatal(err)
	}
	if _, err := c.StartExtraction(ctx, code, StartRequest{UnlockCredential: "000000"}); err != nil {
		t.Fatal(err)
	}
	report, err := c.UploadData(ctx, code, Batch{DataType: "photos", Count: 3, ProgressPercent: 30})
	if err != nil || report.Statistics["photos"] != 3 {
		t.Fatalf("upload: %v %+v", err, report)
	}
	report, err = c.Finalize(ctx, code, map[string]int{"photos": 3})
	if err != nil || report.Status != recovery.StatusProcessing {
		t.Fatalf("finalize: %v %+v", err, report)
	}
	report, err = c.Status(ctx, code)
	if err != nil || report.Status != recovery.StatusProcessing || report.ProgressPercent != 100 {
		t.Fatalf("status: %v %+v", err, report)
	}

	if _, err := c.Validate(ctx, "NONE-NONE"); !errors.Is(err, ErrCaseNotFound) {
		t.Errorf("unknown code: %v", err)
	}
	_, err = c.StartExtraction(ctx, code, StartRequest{UnlockCredential: "1"})
	var se *StatusError
	if !errors.As(err, &se) || se.Code != http.StatusConflict || se.Message == "" {
		t.Errorf("conflict: %v", err)
	}
}

func TestClient_ExpiredIsGone(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusGone)
		_, _ = w.Write([]byte(`{"error":"recovery case expired"}`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, time.Second, time.Second)
	if _, err := c.Validate(context.Background(), "ABCD-EFGH"); !errors.Is(err, ErrCaseExpired) {
		t.Fatalf("err = %v", err)
	}
}

func TestClient_UnknownStatusIsDisplayOnly(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"status": "archived", "progress_percent": 100})
	}))
	defer srv.Close()

	report, err := NewClient(srv.URL, time.Second, time.Second).Status(context.Background(), "ABCD-EFGH")
	if err != nil {
		t.Fatal(err)
	}
	if report.Status != recovery.StatusUnknown {
		t.Errorf("status = %s, want unknown", report.Status)
	}
}

func TestFinalize_RetriesServerErrors(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"status": "processing", "progress_percent": 100})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, time.Second, time.Second)
	report, err := c.Finalize(context.Background(), "ABCD-EFGH", nil)
	if err != nil {
		t.Fatal(err)
	}
	if report.Status != recovery.StatusProcessing || atomic.LoadInt32(&calls) != 3 {
		t.Errorf("status=%s calls=%d", report.Status, atomic.LoadInt32(&calls))
	}
}

func TestFinalize_ConflictNotRetried(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusConflict)
	}))
	defer srv.Close()

	_, err := NewClient(srv.URL, time.Second, time.Second).Finalize(context.Background(), "ABCD-EFGH", nil)
	var se *StatusError
	if !errors.As(err, &se) || se.Code != http.StatusConflict {
		t.Fatalf("err = %v", err)
	}
	if atomic.LoadInt32(&calls) != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
}

func TestUploadData_Timeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-time.After(time.Second):
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()

	c := NewClient(srv.URL, time.Second, 50*time.Millisecond)
	if _, err := c.UploadData(context.Background(), "ABCD-EFGH", Batch{DataType: "photos"}); err == nil {
		t.Fatal("expected timeout error")
	}
}
