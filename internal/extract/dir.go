package extract

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"howett.net/plist"
)

var (
	imageExt = map[string]bool{".jpg": true, ".jpeg": true, ".png": true, ".heic": true, ".webp": true, ".gif": true, ".dng": true}
	videoExt = map[string]bool{".mp4": true, ".3gp": true, ".mkv": true, ".mov": true, ".webm": true, ".m4v": true}
)

// DirCollector counts items in a folder the user filled from the device by hand: camera
// roll copies, vCard exports, SMS/call log XML backups and trash folders.
type DirCollector struct {
	root string

	once   sync.Once
	counts map[string]int
	err    error
}

// NewDirCollector creates a collector over root.
func NewDirCollector(root string) *DirCollector {
	return &DirCollector{root: root}
}

// Collect scans the folder on first use; later tasks read the cached counts.
func (d *DirCollector) Collect(ctx context.Context, task Task, report func(float64)) (int, error) {
	d.once.Do(func() { d.counts, d.err = d.scan(ctx) })
	if d.err != nil {
		return 0, d.err
	}
	switch task.Name {
	case TaskPhotos, TaskVideos, TaskMessages, TaskContacts, TaskCallLogs, TaskDeletedFiles:
	default:
		return 0, fmt.Errorf("%w: %s", ErrUnsupportedTask, task.Name)
	}
	report(1)
	return d.counts[task.Name], nil
}

func (d *DirCollector) scan(ctx context.Context) (map[string]int, error) {
	counts := make(map[string]int)
	err := filepath.WalkDir(d.root, func(path string, entry fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if entry.IsDir() {
			return nil
		}
		category, n, err := classify(d.root, path)
		if err != nil {
			return fmt.Errorf("read %s: %w", path, err)
		}
		if category != "" {
			counts[category] += n
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("scan %s: %w", d.root, err)
	}
	return counts, nil
}

// classify returns the category of one file and how many items it holds.
func classify(root, path string) (string, int, error) {
	name := strings.ToLower(filepath.Base(path))
	ext := filepath.Ext(name)

	if inTrash(pathContext(root, path)) || strings.HasPrefix(name, ".trashed-") {
		return TaskDeletedFiles, 1, nil
	}

	switch {
	case imageExt[ext]:
		return TaskPhotos, 1, nil
	case videoExt[ext]:
		return TaskVideos, 1, nil
	case ext == ".vcf":
		n, err := countLines(path, "BEGIN:VCARD")
		return TaskContacts, n, err
	case ext == ".xml" && strings.HasPrefix(name, "sms"):
		n, err := countLines(path, "<sms ", "<mms ")
		return TaskMessages, n, err
	case ext == ".xml" && strings.HasPrefix(name, "calls"):
		n, err := countLines(path, "<call ")
		return TaskCallLogs, n, err
	}
	return "", 0, nil
}

// pathContext returns the directory names between root and path.
func pathContext(root, path string) []string {
	rel, err := filepath.Rel(root, path)
	if err != nil {
		return nil
	}
	dir := filepath.Dir(rel)
	if dir == "." {
		return nil
	}
	var parts []string
	for _, part := range strings.Split(dir, string(os.PathSeparator)) {
		if part != "." && part != "" {
			parts = append(parts, part)
		}
	}
	return parts
}

func inTrash(dirs []string) bool {
	for _, d := range dirs {
		d = strings.ToLower(d)
		if strings.HasPrefix(d, ".trash") || d == "trash" || d == "deleted" || d == "recently deleted" {
			return true
		}
	}
	return false
}

// countLines counts occurrences of the markers in a text file, line by line.
func countLines(path string, markers ...string) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	n := 0
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 16*1024*1024)
	for sc.Scan() {
		line := sc.Bytes()
		for _, m := range markers {
			n += bytes.Count(line, []byte(m))
		}
	}
	return n, sc.Err()
}

// BackupIdentity is the device identity recorded in an iOS backup's Info.plist.
type BackupIdentity struct {
	DeviceName     string `plist:"Device Name" json:"device_name"`
	ProductType    string `plist:"Product Type" json:"product_type"`
	ProductVersion string `plist:"Product Version" json:"product_version"`
	SerialNumber   string `plist:"Serial Number" json:"serial_number"`
	UniqueID       string `plist:"Unique Identifier" json:"unique_identifier"`
}

// Identity reads Info.plist from the folder root. It returns os.ErrNotExist (wrapped) when
// the folder is not an iOS backup.
func (d *DirCollector) Identity() (*BackupIdentity, error) {
	raw, err := os.ReadFile(filepath.Join(d.root, "Info.plist"))
	if err != nil {
		return nil, err
	}
	var id BackupIdentity
	if _, err := plist.Unmarshal(raw, &id); err != nil {
		return nil, fmt.Errorf("parse Info.plist: %w", err)
	}
	return &id, nil
}
