package extract

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
)

const infoPlist = `<?xml version="1.0" encoding="UTF-8"?>
<!DOCTYPE plist PUBLIC "-//Apple//DTD PLIST 1.0//EN" "http://www.apple.com/DTDs/PropertyList-1.0.dtd">
<plist version="1.0">
<dict>
	<key>Device Name</key>
	<string>Maria's iPhone</string>
	<key>Product Type</key>
	<string>iPhone14,2</string>
	<key>Product Version</key>
	<string>17.4.1</string>
	<key>Serial Number</key>
	<string>F2LZK0ABCDEF</string>
	<key>Unique Identifier</key>
	<string>00008110-001A2B3C4D5E6F70</string>
</dict>
</plist>
`

func writeFile(t *testing.T, root, rel, content string) {
	t.Helper()
	path := filepath.Join(root, rel)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
}

func TestDirCollector_Counts(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "DCIM/Camera/IMG_0001.JPG", "x")
	writeFile(t, root, "DCIM/Camera/IMG_0002.heic", "x")
	writeFile(t, root, "Pictures/Screenshots/s1.png", "x")
	writeFile(t, root, "DCIM/Camera/VID_0001.mp4", "x")
	writeFile(t, root, "DCIM/Camera/.trashed-1712000000-IMG_0003.jpg", "x")
	writeFile(t, root, ".Trash-1000/files/old.pdf", "x")
	writeFile(t, root, "Recently Deleted/IMG_0009.jpg", "x")
	writeFile(t, root, "export/contacts.vcf", "BEGIN:VCARD\nFN:A\nEND:VCARD\nBEGIN:VCARD\nFN:B\nEND:VCARD\n")
	writeFile(t, root, "export/sms-20260301.xml", "<smses count=\"3\">\n<sms address=\"1\" />\n<sms address=\"2\" />\n<mms address=\"3\" />\n</smses>\n")
	writeFile(t, root, "export/calls-20260301.xml", "<calls count=\"2\">\n<call number=\"1\" /><call number=\"2\" />\n</calls>\n")
	writeFile(t, root, "notes.txt", "ignored")

	c := NewDirCollector(root)
	want := map[string]int{
		TaskPhotos:       3,
		TaskVideos:       1,
		TaskMessages:     3,
		TaskContacts:     2,
		TaskCallLogs:     2,
		TaskDeletedFiles: 3,
	}
	for _, task := range DefaultTasks() {
		reported := false
		n, err := c.Collect(context.Background(), task, func(f float64) { reported = f == 1 })
		if err != nil {
			t.Fatalf("%s: %v", task.Name, err)
		}
		if n != want[task.Name] {
			t.Errorf("%s = %d, want %d", task.Name, n, want[task.Name])
		}
		if !reported {
			t.Errorf("%s: completion not reported", task.Name)
		}
	}
}

func TestDirCollector_RunsInRunner(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "a.jpg", "x")

	res, err := NewRunner(NewDirCollector(root), nil).Run(context.Background(), DefaultTasks(), nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	if res.Statistics[TaskPhotos] != 1 || res.Statistics[TaskContacts] != 0 || len(res.Statistics) != 6 {
		t.Errorf("statistics = %v", res.Statistics)
	}
}

func TestDirCollector_MissingRoot(t *testing.T) {
	c := NewDirCollector(filepath.Join(t.TempDir(), "absent"))
	if _, err := c.Collect(context.Background(), Task{Name: TaskPhotos, Weight: 100}, func(float64) {}); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("err = %v, want not exist", err)
	}
}

func TestDirCollector_Identity(t *testing.T) {
	root := t.TempDir()
	c := NewDirCollector(root)
	if _, err := c.Identity(); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("no Info.plist: err = %v", err)
	}

	writeFile(t, root, "Info.plist", infoPlist)
	id, err := c.Identity()
	if err != nil {
		t.Fatal(err)
	}
	if id.ProductType != "iPhone14,2" || id.SerialNumber != "F2LZK0ABCDEF" || id.DeviceName != "Maria's iPhone" {
		t.Errorf("identity = %+v", id)
	}
}
