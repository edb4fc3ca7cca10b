package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoad_MissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.json"))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.ListenAddr != DefaultListenAddr {
		t.Errorf("ListenAddr = %s", cfg.ListenAddr)
	}
	if cfg.PollIntervalDuration() != 3*time.Second {
		t.Errorf("poll interval = %v", cfg.PollIntervalDuration())
	}
	if len(cfg.TaskList()) != 6 {
		t.Errorf("default tasks = %d", len(cfg.TaskList()))
	}
}

func TestLoad_JSON(t *testing.T) {
	t.Setenv("RCD_TEST_TOKEN", "tok-123")
	path := filepath.Join(t.TempDir(), "config.json")
	body := `{
  "listen_addr": ":9090",
  "operator_token": "${RCD_TEST_TOKEN}",
  "upload_timeout": "2m",
  "poll_interval": "garbage",
  "vendor_ids": ["18d1", "0x04E8"]
}`
	if err := os.WriteFile(path, []byte(body), 0644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.ListenAddr != ":9090" || cfg.OperatorToken != "tok-123" {
		t.Errorf("cfg = %+v", cfg)
	}
	if cfg.UploadTimeoutDuration() != 2*time.Minute {
		t.Errorf("upload timeout = %v", cfg.UploadTimeoutDuration())
	}
	if cfg.PollIntervalDuration() != 3*time.Second {
		t.Errorf("invalid duration should fall back, got %v", cfg.PollIntervalDuration())
	}
	// unset keys keep their defaults
	if cfg.CaseTTLDuration() != 72*time.Hour {
		t.Errorf("case ttl = %v", cfg.CaseTTLDuration())
	}
	ids, err := cfg.VendorFilter()
	if err != nil {
		t.Fatal(err)
	}
	if len(ids) != 2 || ids[0] != 0x18d1 || ids[1] != 0x04e8 {
		t.Errorf("vendor ids = %#v", ids)
	}
}

func TestLoad_YAMLWithTasks(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	body := `endpoint: https://recovery.example.net
tasks:
  - name: photos
    weight: 60
  - name: messages
    weight: 40
`
	if err := os.WriteFile(path, []byte(body), 0644); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Endpoint != "https://recovery.example.net" {
		t.Errorf("endpoint = %s", cfg.Endpoint)
	}
	tasks := cfg.TaskList()
	if len(tasks) != 2 || tasks[0].Name != "photos" || tasks[1].Weight != 40 {
		t.Errorf("tasks = %+v", tasks)
	}
}

func TestLoad_Rejects(t *testing.T) {
	tests := []struct {
		name string
		file string
		body string
	}{
		{"bad json", "c.json", `{"listen_addr":`},
		{"bad weights", "c.yaml", "tasks:\n  - name: photos\n    weight: 50\n"},
		{"bad vendor", "c.json", `{"vendor_ids":["zz"]}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), tt.file)
			if err := os.WriteFile(path, []byte(tt.body), 0644); err != nil {
				t.Fatal(err)
			}
			if _, err := Load(path); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestSaveRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	cfg := Default()
	cfg.PublicURL = "https://recover.example.org"
	if err := Save(path, cfg); err != nil {
		t.Fatal(err)
	}
	got, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if got.PublicURL != cfg.PublicURL || got.DBPath != cfg.DBPath {
		t.Errorf("got %+v", got)
	}
}
