package logger

import (
	"compress/gzip"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

var _ io.WriteCloser = (*LogRotator)(nil)

const (
	backupTimeFormat = "2006-01-02T15-04-05.000"
	defaultMaxBytes  = 10 * 1024 * 1024
)

// LogRotator is a size-rotated log file. Rotated files are named
// <name>-<timestamp><ext> and optionally gzipped; old ones are pruned by count and age.
type LogRotator struct {
	Filename   string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool
	// MaxBytes overrides MaxSizeMB when positive.
	MaxBytes int64
	// OnError receives compression and cleanup errors, which happen in the background.
	OnError func(error)

	mu   sync.Mutex
	size int64
	file *os.File
	now  func() time.Time
	wg   sync.WaitGroup
}

// NewLogRotator returns the rotator used for rcd.log: 10 MB files, five gzipped backups,
// thirty days.
func NewLogRotator(filename string) *LogRotator {
	return &LogRotator{Filename: filename, MaxSizeMB: 10, MaxBackups: 5, MaxAgeDays: 30, Compress: true}
}

// Write appends p, rotating first if p would not fit.
func (l *LogRotator) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	n := int64(len(p))
	if n > l.max() {
		return 0, fmt.Errorf("write of %d bytes exceeds max file size %d", n, l.max())
	}
	if l.file == nil {
		if err := l.openExistingOrNew(n); err != nil {
			return 0, err
		}
	}
	if l.size+n > l.max() {
		if err := l.rotate(); err != nil {
			return 0, err
		}
	}

	written, err := l.file.Write(p)
	l.size += int64(written)
	return written, err
}

// Rotate forces a rotation.
func (l *LogRotator) Rotate() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.rotate()
}

// Close closes the file and waits for background compression and cleanup.
func (l *LogRotator) Close() error {
	l.mu.Lock()
	err := l.close()
	l.mu.Unlock()
	l.wg.Wait()
	return err
}

func (l *LogRotator) close() error {
	if l.file == nil {
		return nil
	}
	err := l.file.Close()
	l.file = nil
	return err
}

func (l *LogRotator) openExistingOrNew(n int64) error {
	info, err := os.Stat(l.Filename)
	if os.IsNotExist(err) {
		return l.openNew()
	}
	if err != nil {
		return fmt.Errorf("stat log file: %w", err)
	}
	if info.Size()+n >= l.max() {
		return l.rotate()
	}

	f, err := os.OpenFile(l.Filename, os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return l.openNew()
	}
	l.file = f
	l.size = info.Size()
	return nil
}

func (l *LogRotator) openNew() error {
	if err := os.MkdirAll(filepath.Dir(l.Filename), 0o755); err != nil {
		return fmt.Errorf("create log directory: %w", err)
	}
	mode := os.FileMode(0o644)
	if info, err := os.Stat(l.Filename); err == nil {
		mode = info.Mode()
	}
	f, err := os.OpenFile(l.Filename, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, mode)
	if err != nil {
		return fmt.Errorf("open log file: %w", err)
	}
	l.file = f
	l.size = 0
	return nil
}

func (l *LogRotator) rotate() error {
	if err := l.close(); err != nil {
		return err
	}
	if _, err := os.Stat(l.Filename); err == nil {
		backup := l.backupName()
		if err := os.Rename(l.Filename, backup); err != nil {
			return fmt.Errorf("rename log file: %w", err)
		}
		l.wg.Add(1)
		go func() {
			defer l.wg.Done()
			l.postRotate(backup)
		}()
	}
	return l.openNew()
}

func (l *LogRotator) backupName() string {
	dir := filepath.Dir(l.Filename)
	base := filepath.Base(l.Filename)
	ext := filepath.Ext(base)
	return filepath.Join(dir, fmt.Sprintf("%s-%s%s", base[:len(base)-len(ext)], l.clock().Format(backupTimeFormat), ext))
}

func (l *LogRotator) clock() time.Time {
	if l.now != nil {
		return l.now()
	}
	return time.Now()
}

func (l *LogRotator) max() int64 {
	switch {
	case l.MaxBytes > 0:
		return l.MaxBytes
	case l.MaxSizeMB > 0:
		return int64(l.MaxSizeMB) * 1024 * 1024
	default:
		return defaultMaxBytes
	}
}

func (l *LogRotator) postRotate(backup string) {
	if l.Compress {
		if err := compressLogFile(backup); err != nil {
			l.report(fmt.Errorf("compress %s: %w", backup, err))
		} else if err := os.Remove(backup); err != nil {
			l.report(err)
		}
	}
	l.cleanup()
}

func (l *LogRotator) report(err error) {
	if l.OnError != nil {
		l.OnError(err)
	}
}

// cleanup removes backups older than MaxAgeDays, then all but the newest MaxBackups.
func (l *LogRotator) cleanup() {
	if l.MaxBackups == 0 && l.MaxAgeDays == 0 {
		return
	}
	files, err := l.backups()
	if err != nil {
		l.report(err)
		return
	}

	if l.MaxAgeDays > 0 {
		cutoff := l.clock().AddDate(0, 0, -l.MaxAgeDays)
		var kept []backupFile
		for _, f := range files {
			if f.timestamp.Before(cutoff) {
				l.remove(f.path)
			} else {
				kept = append(kept, f)
			}
		}
		files = kept
	}

	if l.MaxBackups > 0 && len(files) > l.MaxBackups {
		for _, f := range files[:len(files)-l.MaxBackups] {
			l.remove(f.path)
		}
	}
}

func (l *LogRotator) remove(path string) {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		l.report(err)
	}
}

type backupFile struct {
	timestamp time.Time
	path      string
}

// backups lists rotated files, oldest first.
func (l *LogRotator) backups() ([]backupFile, error) {
	dir := filepath.Dir(l.Filename)
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}

	base := filepath.Base(l.Filename)
	ext := filepath.Ext(base)
	prefix := base[:len(base)-len(ext)] + "-"

	var out []backupFile
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasPrefix(name, prefix) {
			continue
		}
		stamp := strings.TrimSuffix(strings.TrimPrefix(name, prefix), ".gz")
		if !strings.HasSuffix(stamp, ext) {
			continue
		}
		t, err := time.Parse(backupTimeFormat, strings.TrimSuffix(stamp, ext))
		if err != nil {
			continue
		}
		out = append(out, backupFile{timestamp: t, path: filepath.Join(dir, name)})
	}

	sort.Slice(out, func(i, j int) bool { return out[i].timestamp.Before(out[j].timestamp) })
	return out, nil
}

func compressLogFile(src string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(src + ".gz")
	if err != nil {
		return err
	}
	zw := gzip.NewWriter(out)
	if _, err := io.Copy(zw, in); err != nil {
		out.Close()
		return err
	}
	if err := zw.Close(); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
