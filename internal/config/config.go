package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Environment   string
	DBPath        string
	SourceRoot    string
	EnvelopeIndex string
	Accounts      []string
	BatchSize     int
	ParseWorkers  int
	LeaseTTL      time.Duration
	PollInterval  time.Duration
	FullSyncEvery int
	BusyTimeout   time.Duration
	LogLevel      string
	LogFormat     string
	MetricsAddr   string
	APIToken      string
}

// fileConfig is the on-disk shape. Durations are strings like "10m".
type fileConfig struct {
	DBPath        string   `yaml:"db_path" toml:"db_path"`
	SourceRoot    string   `yaml:"source_root" toml:"source_root"`
	EnvelopeIndex string   `yaml:"envelope_index" toml:"envelope_index"`
	Accounts      []string `yaml:"accounts" toml:"accounts"`
	BatchSize     int      `yaml:"batch_size" toml:"batch_size"`
	ParseWorkers  int      `yaml:"parse_workers" toml:"parse_workers"`
	LeaseTTL      string   `yaml:"lease_ttl" toml:"lease_ttl"`
	PollInterval  string   `yaml:"poll_interval" toml:"poll_interval"`
	FullSyncEvery int      `yaml:"full_sync_every" toml:"full_sync_every"`
	BusyTimeout   string   `yaml:"busy_timeout" toml:"busy_timeout"`
	LogLevel      string   `yaml:"log_level" toml:"log_level"`
	LogFormat     string   `yaml:"log_format" toml:"log_format"`
	MetricsAddr   string   `yaml:"metrics_addr" toml:"metrics_addr"`
	APIToken      string   `yaml:"api_token" toml:"api_token"`
}

func NewConfig() (*Config, error) {
	env := os.Getenv("MAILMIRROR_ENV")
	if env == "" {
		env = "development"
	}

	if env == "development" {
		if err := godotenv.Load(); err != nil {
			fmt.Fprintln(os.Stderr, "Warning: .env file not found, using environment variables")
		}
	}

	config := Default()
	config.Environment = env

	if path := os.Getenv("MAILMIRROR_CONFIG"); path != "" {
		if err := config.loadFile(path); err != nil {
			return nil, err
		}
	}

	if err := config.applyEnv(); err != nil {
		return nil, err
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return config, nil
}

// Default returns the built-in settings for Apple Mail's usual layout.
func Default() *Config {
	home, _ := os.UserHomeDir()
	root := filepath.Join(home, "Library", "Mail", "V10")
	return &Config{
		Environment:   "development",
		DBPath:        filepath.Join(home, "Library", "Application Support", "mailmirror", "mirror.db"),
		SourceRoot:    root,
		EnvelopeIndex: filepath.Join(root, "MailData", "Envelope Index"),
		BatchSize:     250,
		ParseWorkers:  runtime.NumCPU(),
		LeaseTTL:      10 * time.Minute,
		PollInterval:  5 * time.Minute,
		FullSyncEvery: 12,
		BusyTimeout:   5 * time.Second,
		LogLevel:      "info",
		LogFormat:     "json",
	}
}

func (c *Config) loadFile(path string) error {
	content, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	var fc fileConfig
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(content, &fc); err != nil {
			return fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	case ".toml":
		if _, err := toml.Decode(string(content), &fc); err != nil {
			return fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	default:
		return fmt.Errorf("unsupported config file extension %q (want .yaml, .yml or .toml)", ext)
	}

	// An explicit source root moves the default index along with it.
	if fc.SourceRoot != "" && fc.EnvelopeIndex == "" {
		fc.EnvelopeIndex = filepath.Join(fc.SourceRoot, "MailData", "Envelope Index")
	}

	setString(&c.DBPath, fc.DBPath)
	setString(&c.SourceRoot, fc.SourceRoot)
	setString(&c.EnvelopeIndex, fc.EnvelopeIndex)
	setString(&c.LogLevel, fc.LogLevel)
	setString(&c.LogFormat, fc.LogFormat)
	setString(&c.MetricsAddr, fc.MetricsAddr)
	setString(&c.APIToken, fc.APIToken)
	if len(fc.Accounts) > 0 {
		c.Accounts = fc.Accounts
	}
	if fc.BatchSize != 0 {
		c.BatchSize = fc.BatchSize
	}
	if fc.ParseWorkers != 0 {
		c.ParseWorkers = fc.ParseWorkers
	}
	if fc.FullSyncEvery != 0 {
		c.FullSyncEvery = fc.FullSyncEvery
	}
	for _, d := range []struct {
		key   string
		value string
		dst   *time.Duration
	}{
		{"lease_ttl", fc.LeaseTTL, &c.LeaseTTL},
		{"poll_interval", fc.PollInterval, &c.PollInterval},
		{"busy_timeout", fc.BusyTimeout, &c.BusyTimeout},
	} {
		if err := setDuration(d.dst, d.key, d.value); err != nil {
			return err
		}
	}
	return nil
}

func (c *Config) applyEnv() error {
	root := os.Getenv("MAILMIRROR_SOURCE_ROOT")
	if root != "" && os.Getenv("MAILMIRROR_ENVELOPE_INDEX") == "" {
		c.EnvelopeIndex = filepath.Join(root, "MailData", "Envelope Index")
	}
	setString(&c.DBPath, os.Getenv("MAILMIRROR_DB_PATH"))
	setString(&c.SourceRoot, root)
	setString(&c.EnvelopeIndex, os.Getenv("MAILMIRROR_ENVELOPE_INDEX"))
	setString(&c.LogLevel, os.Getenv("MAILMIRROR_LOG_LEVEL"))
	setString(&c.LogFormat, os.Getenv("MAILMIRROR_LOG_FORMAT"))
	setString(&c.MetricsAddr, os.Getenv("MAILMIRROR_METRICS_ADDR"))
	setString(&c.APIToken, os.Getenv("MAILMIRROR_API_TOKEN"))

	if v := os.Getenv("MAILMIRROR_ACCOUNTS"); v != "" {
		c.Accounts = splitList(v)
	}

	for _, n := range []struct {
		key string
		dst *int
	}{
		{"MAILMIRROR_BATCH_SIZE", &c.BatchSize},
		{"MAILMIRROR_PARSE_WORKERS", &c.ParseWorkers},
		{"MAILMIRROR_FULL_SYNC_EVERY", &c.FullSyncEvery},
	} {
		if v := os.Getenv(n.key); v != "" {
			i, err := strconv.Atoi(v)
			if err != nil {
				return fmt.Errorf("%s must be an integer: %w", n.key, err)
			}
			*n.dst = i
		}
	}

	for _, d := range []struct {
		key string
		dst *time.Duration
	}{
		{"MAILMIRROR_LEASE_TTL", &c.LeaseTTL},
		{"MAILMIRROR_POLL_INTERVAL", &c.PollInterval},
		{"MAILMIRROR_BUSY_TIMEOUT", &c.BusyTimeout},
	} {
		if err := setDuration(d.dst, d.key, os.Getenv(d.key)); err != nil {
			return err
		}
	}
	return nil
}

func (c *Config) Validate() error {
	if c.DBPath == "" {
		return fmt.Errorf("MAILMIRROR_DB_PATH is required")
	}

	if c.SourceRoot == "" {
		return fmt.Errorf("MAILMIRROR_SOURCE_ROOT is required")
	}

	if c.EnvelopeIndex == "" {
		return fmt.Errorf("MAILMIRROR_ENVELOPE_INDEX is required")
	}

	if c.BatchSize <= 0 {
		return fmt.Errorf("MAILMIRROR_BATCH_SIZE must be positive, got %d", c.BatchSize)
	}

	if c.ParseWorkers <= 0 {
		return fmt.Errorf("MAILMIRROR_PARSE_WORKERS must be positive, got %d", c.ParseWorkers)
	}

	if c.FullSyncEvery <= 0 {
		return fmt.Errorf("MAILMIRROR_FULL_SYNC_EVERY must be positive, got %d", c.FullSyncEvery)
	}

	if c.LeaseTTL <= 0 || c.PollInterval <= 0 || c.BusyTimeout <= 0 {
		return fmt.Errorf("lease TTL, poll interval and busy timeout must be positive")
	}

	switch c.LogFormat {
	case "json", "console":
	default:
		return fmt.Errorf("MAILMIRROR_LOG_FORMAT must be json or console, got %q", c.LogFormat)
	}

	for _, a := range c.Accounts {
		if strings.ContainsAny(a, `/\`) || a == "." || a == ".." {
			return fmt.Errorf("invalid account id %q", a)
		}
	}

	return nil
}

func setString(dst *string, value string) {
	if value != "" {
		*dst = value
	}
}

func setDuration(dst *time.Duration, key, value string) error {
	if value == "" {
		return nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return fmt.Errorf("%s must be a duration like 5m: %w", key, err)
	}
	*dst = d
	return nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
