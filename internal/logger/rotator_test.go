package logger

import (
	"bytes"
	"compress/gzip"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

// steppingClock advances one second per call so every rotation gets its own name.
func steppingClock(start time.Time) func() time.Time {
	t := start
	return func() time.Time {
		t = t.Add(time.Second)
		return t
	}
}

func TestLogRotator_RotatesBySize(t *testing.T) {
	dir := t.TempDir()
	logFile := filepath.Join(dir, "rcd.log")

	r := &LogRotator{Filename: logFile, MaxBytes: 100, MaxBackups: 2, now: steppingClock(time.Now())}

	line := []byte(strings.Repeat("x", 59) + "\n") // 60 bytes
	for i := 0; i < 4; i++ {
		if _, err := r.Write(line); err != nil {
			t.Fatalf("write %d: %v", i, err)
		}
	}
	if err := r.Close(); err != nil {
		t.Fatal(err)
	}

	// four writes of 60 bytes into 100-byte files: three rotations, two backups kept
	backups, err := r.backups()
	if err != nil {
		t.Fatal(err)
	}
	if len(backups) != 2 {
		t.Fatalf("backups = %d, want 2", len(backups))
	}
	data, err := os.ReadFile(logFile)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(data, line) {
		t.Errorf("current file holds %d bytes, want %d", len(data), len(line))
	}
}

func TestLogRotator_TooLargeWrite(t *testing.T) {
	r := &LogRotator{Filename: filepath.Join(t.TempDir(), "rcd.log"), MaxBytes: 10}
	defer r.Close()
	if _, err := r.Write(make([]byte, 11)); err == nil {
		t.Fatal("expected error")
	}
}

func TestLogRotator_AppendsToExisting(t *testing.T) {
	logFile := filepath.Join(t.TempDir(), "rcd.log")
	if err := os.WriteFile(logFile, []byte("old\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	r := &LogRotator{Filename: logFile, MaxBytes: 1024}
	if _, err := r.Write([]byte("new\n")); err != nil {
		t.Fatal(err)
	}
	r.Close()

	data, _ := os.ReadFile(logFile)
	if string(data) != "old\nnew\n" {
		t.Errorf("content = %q", data)
	}
}

func TestLogRotator_Compress(t *testing.T) {
	dir := t.TempDir()
	logFile := filepath.Join(dir, "rcd.log")

	var bgErr error
	r := &LogRotator{
		Filename: logFile,
		MaxBytes: 1024,
		Compress: true,
		OnError:  func(err error) { bgErr = err },
		now:      steppingClock(time.Now()),
	}
	if _, err := r.Write([]byte("first generation\n")); err != nil {
		t.Fatal(err)
	}
	if err := r.Rotate(); err != nil {
		t.Fatal(err)
	}
	if err := r.Close(); err != nil {
		t.Fatal(err)
	}
	if bgErr != nil {
		t.Fatalf("background error: %v", bgErr)
	}

	matches, _ := filepath.Glob(filepath.Join(dir, "rcd-*.log.gz"))
	if len(matches) != 1 {
		t.Fatalf("compressed backups = %v", matches)
	}
	if plain, _ := filepath.Glob(filepath.Join(dir, "rcd-*.log")); len(plain) != 0 {
		t.Errorf("uncompressed backup left behind: %v", plain)
	}

	f, err := os.Open(matches[0])
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	zr, err := gzip.NewReader(f)
	if err != nil {
		t.Fatal(err)
	}
	content, err := io.ReadAll(zr)
	if err != nil {
		t.Fatal(err)
	}
	if string(content) != "first generation\n" {
		t.Errorf("content = %q", content)
	}
}

func TestLogRotator_PrunesByAge(t *testing.T) {
	dir := t.TempDir()
	logFile := filepath.Join(dir, "rcd.log")

	old := filepath.Join(dir, "rcd-"+time.Now().AddDate(0, 0, -10).Format(backupTimeFormat)+".log")
	if err := os.WriteFile(old, []byte("stale\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	unrelated := filepath.Join(dir, "other-2020-01-01T00-00-00.000.log")
	if err := os.WriteFile(unrelated, nil, 0o644); err != nil {
		t.Fatal(err)
	}

	r := &LogRotator{Filename: logFile, MaxBytes: 1024, MaxAgeDays: 7}
	r.Write([]byte("current\n"))
	if err := r.Rotate(); err != nil {
		t.Fatal(err)
	}
	r.Close()

	if _, err := os.Stat(old); !os.IsNotExist(err) {
		t.Errorf("stale backup still present: %v", err)
	}
	if _, err := os.Stat(unrelated); err != nil {
		t.Errorf("unrelated file removed: %v", err)
	}
	backups, _ := r.backups()
	if len(backups) != 1 {
		t.Errorf("backups = %d, want 1", len(backups))
	}
}
