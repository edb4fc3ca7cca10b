package agent

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"
)

func TestWatcherSettle(t *testing.T) {
	tmpDir := t.TempDir()

	var settledCount int32
	settledCh := make(chan struct{}, 10)
	onSettled := func() {
		atomic.AddInt32(&settledCount, 1)
		settledCh <- struct{}{}
	}

	logger := slog.New(slog.NewTextHandler(os.Stdout, nil))
	settle := 200 * time.Millisecond

	w, err := NewWatcher(tmpDir, settle, onSettled, logger)
	if err != nil {
		t.Fatalf("Failed to create watcher: %v", err)
	}
	defer w.Close()

	time.Sleep(100 * time.Millisecond)

	// Simulating a slow copy: a new subfolder, then a file written in three parts
	sub := filepath.Join(tmpDir, "DCIM")
	if err := os.Mkdir(sub, 0o755); err != nil {
		t.Fatal(err)
	}
	time.Sleep(50 * time.Millisecond)

	f, err := os.Create(filepath.Join(sub, "IMG_0001.jpg"))
	if err != nil {
		t.Fatal(err)
	}
	f.WriteString("part1")
	f.Sync()
	time.Sleep(50 * time.Millisecond)
	f.WriteString("part2")
	f.Sync()
	time.Sleep(50 * time.Millisecond)
	f.WriteString("part3")
	f.Sync()
	f.Close()

	select {
	case <-settledCh:
	case <-time.After(2 * time.Second):
		t.Fatal("Timeout waiting for settle")
	}

	// Wait a little more to ensure no extra callbacks come in
	time.Sleep(300 * time.Millisecond)

	if count := atomic.LoadInt32(&settledCount); count != 1 {
		t.Errorf("Expected settle count 1, got %d", count)
	}
}

func TestWaitSettled_FilledFolder(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "contacts.vcf"), []byte("BEGIN:VCARD\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	start := time.Now()
	if err := WaitSettled(context.Background(), dir, 50*time.Millisecond, nil); err != nil {
		t.Fatal(err)
	}
	if elapsed := time.Since(start); elapsed < 50*time.Millisecond {
		t.Errorf("settled after %v", elapsed)
	}
}

func TestWaitSettled_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := WaitSettled(ctx, t.TempDir(), time.Hour, nil); err != context.Canceled {
		t.Fatalf("err = %v", err)
	}
}
