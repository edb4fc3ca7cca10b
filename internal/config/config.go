package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"device-recovery/internal/extract"
)

const (
	DefaultListenAddr           = ":8080"
	DefaultPublicURL            = "http://localhost:8080"
	DefaultEndpoint             = "http://localhost:8080"
	DefaultCaseTTL              = "72h"
	DefaultExpiryCheckInterval  = "1m"
	DefaultPackageCheckInterval = "30s"
	DefaultAPITimeout           = "30s"
	DefaultUploadTimeout        = "10m"
	DefaultPollInterval         = "3s"
	DefaultAuthRetryInterval    = "2s"
	DefaultSettleDuration       = "5s"
	DefaultADBIdentity          = "host::rcd"
)

type Config struct {
	// Registry server
	ListenAddr           string `json:"listen_addr" yaml:"listen_addr"`
	PublicURL            string `json:"public_url" yaml:"public_url"`
	DBPath               string `json:"db_path" yaml:"db_path"`
	LogPath              string `json:"log_path" yaml:"log_path"`
	LogLevel             string `json:"log_level,omitempty" yaml:"log_level,omitempty"`
	ArchiveDir           string `json:"archive_dir" yaml:"archive_dir"`
	S3Bucket             string `json:"s3_bucket,omitempty" yaml:"s3_bucket,omitempty"`
	S3Region             string `json:"s3_region,omitempty" yaml:"s3_region,omitempty"`
	S3Endpoint           string `json:"s3_endpoint,omitempty" yaml:"s3_endpoint,omitempty"`
	RedisURL             string `json:"redis_url,omitempty" yaml:"redis_url,omitempty"`
	RedisChannel         string `json:"redis_channel,omitempty" yaml:"redis_channel,omitempty"`
	WebhookURL           string `json:"webhook_url,omitempty" yaml:"webhook_url,omitempty"`
	OperatorToken        string `json:"operator_token,omitempty" yaml:"operator_token,omitempty"`
	CaseTTL              string `json:"case_ttl" yaml:"case_ttl"`
	ExpiryCheckInterval  string `json:"expiry_check_interval" yaml:"expiry_check_interval"`
	PackageCheckInterval string `json:"package_check_interval" yaml:"package_check_interval"`

	// Agent
	Endpoint          string         `json:"endpoint" yaml:"endpoint"`
	APITimeout        string         `json:"api_timeout" yaml:"api_timeout"`
	UploadTimeout     string         `json:"upload_timeout" yaml:"upload_timeout"`
	PollInterval      string         `json:"poll_interval" yaml:"poll_interval"`
	AuthRetryInterval string         `json:"auth_retry_interval" yaml:"auth_retry_interval"`
	VendorIDs         []string       `json:"vendor_ids,omitempty" yaml:"vendor_ids,omitempty"`
	ADBIdentity       string         `json:"adb_identity" yaml:"adb_identity"`
	ADBPublicKeyPath  string         `json:"adb_public_key_path,omitempty" yaml:"adb_public_key_path,omitempty"`
	Tasks             []extract.Task `json:"tasks,omitempty" yaml:"tasks,omitempty"`
	SettleDuration    string         `json:"settle_duration" yaml:"settle_duration"`
}

// Default returns a config with every field at its default. Paths are relative to the
// executable's directory.
func Default() *Config {
	base := "."
	if ex, err := os.Executable(); err == nil {
		base = filepath.Dir(ex)
	}
	return &Config{
		ListenAddr:           DefaultListenAddr,
		PublicURL:            DefaultPublicURL,
		DBPath:               filepath.Join(base, "rcd.db"),
		LogPath:              filepath.Join(base, "rcd.log"),
		ArchiveDir:           filepath.Join(base, "archive"),
		CaseTTL:              DefaultCaseTTL,
		ExpiryCheckInterval:  DefaultExpiryCheckInterval,
		PackageCheckInterval: DefaultPackageCheckInterval,
		Endpoint:             DefaultEndpoint,
		APITimeout:           DefaultAPITimeout,
		UploadTimeout:        DefaultUploadTimeout,
		PollInterval:         DefaultPollInterval,
		AuthRetryInterval:    DefaultAuthRetryInterval,
		ADBIdentity:          DefaultADBIdentity,
		SettleDuration:       DefaultSettleDuration,
	}
}

// Load reads a JSON or YAML (by extension) config file over the defaults. A missing file
// yields the defaults. ${VAR} references are expanded from the environment.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, err
	}
	data = []byte(os.ExpandEnv(string(data)))

	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, cfg)
	default:
		err = json.Unmarshal(data, cfg)
	}
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}

	if len(cfg.Tasks) > 0 {
		if err := extract.ValidateTasks(cfg.Tasks); err != nil {
			return nil, err
		}
	}
	if _, err := cfg.VendorFilter(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func Save(path string, cfg *Config) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	encoder := json.NewEncoder(f)
	encoder.SetIndent("", "  ")
	return encoder.Encode(cfg)
}

// ParseDuration parses s, returning fallback when s is empty or invalid.
func ParseDuration(s string, fallback time.Duration) time.Duration {
	if s == "" {
		return fallback
	}
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}

func mustDefault(s string) time.Duration {
	d, _ := time.ParseDuration(s)
	return d
}

func (c *Config) CaseTTLDuration() time.Duration {
	return ParseDuration(c.CaseTTL, mustDefault(DefaultCaseTTL))
}

func (c *Config) ExpiryInterval() time.Duration {
	return ParseDuration(c.ExpiryCheckInterval, mustDefault(DefaultExpiryCheckInterval))
}

func (c *Config) PackageInterval() time.Duration {
	return ParseDuration(c.PackageCheckInterval, mustDefault(DefaultPackageCheckInterval))
}

func (c *Config) APITimeoutDuration() time.Duration {
	return ParseDuration(c.APITimeout, mustDefault(DefaultAPITimeout))
}

func (c *Config) UploadTimeoutDuration() time.Duration {
	return ParseDuration(c.UploadTimeout, mustDefault(DefaultUploadTimeout))
}

func (c *Config) PollIntervalDuration() time.Duration {
	return ParseDuration(c.PollInterval, mustDefault(DefaultPollInterval))
}

func (c *Config) AuthRetryDuration() time.Duration {
	return ParseDuration(c.AuthRetryInterval, mustDefault(DefaultAuthRetryInterval))
}

func (c *Config) SettleDurationValue() time.Duration {
	return ParseDuration(c.SettleDuration, mustDefault(DefaultSettleDuration))
}

// TaskList returns the configured tasks or the defaults.
func (c *Config) TaskList() []extract.Task {
	if len(c.Tasks) == 0 {
		return extract.DefaultTasks()
	}
	return c.Tasks
}

// VendorFilter parses vendor_ids ("18d1", "0x04e8"). An empty list returns nil.
func (c *Config) VendorFilter() ([]uint16, error) {
	if len(c.VendorIDs) == 0 {
		return nil, nil
	}
	ids := make([]uint16, 0, len(c.VendorIDs))
	for _, s := range c.VendorIDs {
		s = strings.TrimPrefix(strings.ToLower(strings.TrimSpace(s)), "0x")
		v, err := strconv.ParseUint(s, 16, 16)
		if err != nil {
			return nil, fmt.Errorf("invalid vendor id %q: %w", s, err)
		}
		ids = append(ids, uint16(v))
	}
	return ids, nil
}
