package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

// DefaultServerURL is the ChatToMap processing service.
const DefaultServerURL = "https://chattomap.com"

// Config represents the global ~/.ctm/config.toml.
type Config struct {
	ServerURL       string       `toml:"server_url"`
	DBPath          string       `toml:"db_path,omitempty"`
	AddressBookPath string       `toml:"addressbook_path,omitempty"`
	ContactsDir     string       `toml:"contacts_dir,omitempty"`
	Export          ExportConfig `toml:"export"`
	Upload          UploadConfig `toml:"upload"`
}

// ExportConfig tunes the archive builder.
type ExportConfig struct {
	Workers            int    `toml:"workers"`
	IncludeAttachments bool   `toml:"include_attachments"`
	MaxAttachmentMB    int64  `toml:"max_attachment_mb"`
	OutputDir          string `toml:"output_dir,omitempty"`
}

// UploadConfig tunes the upload orchestrator.
type UploadConfig struct {
	MaxAttempts    int      `toml:"max_attempts"`
	InitialBackoff Duration `toml:"initial_backoff"`
	MaxBackoff     Duration `toml:"max_backoff"`
	Timeout        Duration `toml:"timeout"`
}

// Duration is a time.Duration that round-trips through TOML as "500ms", "10m".
type Duration struct {
	time.Duration
}

// UnmarshalText parses a Go duration string.
func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("config: invalid duration %q: %w", text, err)
	}
	d.Duration = v
	return nil
}

// MarshalText renders the duration in Go syntax.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Default returns the configuration used when no config file exists.
func Default() *Config {
	cfg := &Config{
		Export: ExportConfig{IncludeAttachments: true},
	}
	cfg.applyDefaults()
	return cfg
}

// Load reads config from the given path. Returns nil config and error if file missing.
func Load(path string) (*Config, error) {
	cfg := &Config{Export: ExportConfig{IncludeAttachments: true}}
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, err
	}
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadOrDefault reads config from path, falling back to Default when the file
// does not exist. Parse errors are still returned.
func LoadOrDefault(path string) (*Config, error) {
	cfg, err := Load(path)
	if err == nil {
		return cfg, nil
	}
	if os.IsNotExist(err) {
		return Default(), nil
	}
	return nil, err
}

// Save writes config to the given path, creating parent dirs as needed.
func Save(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	encErr := toml.NewEncoder(f).Encode(cfg)
	if closeErr := f.Close(); closeErr != nil && encErr == nil {
		return closeErr
	}
	return encErr
}

func (c *Config) applyDefaults() {
	if c.ServerURL == "" {
		c.ServerURL = DefaultServerURL
	}
	if c.Export.Workers <= 0 {
		c.Export.Workers = 4
	}
	if c.Export.MaxAttachmentMB <= 0 {
		c.Export.MaxAttachmentMB = 100
	}
	if c.Upload.MaxAttempts <= 0 {
		c.Upload.MaxAttempts = 4
	}
	if c.Upload.InitialBackoff.Duration <= 0 {
		c.Upload.InitialBackoff.Duration = 500 * time.Millisecond
	}
	if c.Upload.MaxBackoff.Duration <= 0 {
		c.Upload.MaxBackoff.Duration = 30 * time.Second
	}
	if c.Upload.Timeout.Duration <= 0 {
		c.Upload.Timeout.Duration = 15 * time.Minute
	}
}

func (c *Config) validate() error {
	if c.Export.Workers > 64 {
		return fmt.Errorf("config: export.workers = %d, must be at most 64", c.Export.Workers)
	}
	if c.Upload.MaxBackoff.Duration < c.Upload.InitialBackoff.Duration {
		return fmt.Errorf("config: upload.max_backoff (%s) is shorter than upload.initial_backoff (%s)",
			c.Upload.MaxBackoff, c.Upload.InitialBackoff)
	}
	return nil
}

// MaxAttachmentBytes converts the configured cap to bytes.
func (c *Config) MaxAttachmentBytes() int64 {
	return c.Export.MaxAttachmentMB << 20
}
