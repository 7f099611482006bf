package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"bucketmigrate/internal/storage"

	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"
)

// Config represents the application configuration
type Config struct {
	Source    StorageConfig `yaml:"source"`
	Target    StorageConfig `yaml:"target"`
	Migration Migration     `yaml:"migration"`
	LogLevel  string        `yaml:"log_level"`
}

// StorageConfig describes one side of the migration
type StorageConfig struct {
	Type      string `yaml:"type"`
	Account   string `yaml:"account"`
	Endpoint  string `yaml:"endpoint"`
	Region    string `yaml:"region"`
	Secure    bool   `yaml:"secure"`
	PathStyle bool   `yaml:"path_style"`
	Bucket    string `yaml:"bucket"`
}

// Backend converts the section into a storage client configuration
func (s StorageConfig) Backend() storage.Config {
	return storage.Config{
		Type:      s.Type,
		Account:   s.Account,
		Endpoint:  s.Endpoint,
		Region:    s.Region,
		Secure:    s.Secure,
		PathStyle: s.PathStyle,
	}
}

// URI identifies the bucket in logs and in the ledger scope, e.g. "s3://photos".
func (s StorageConfig) URI() string {
	if s.Endpoint != "" {
		return fmt.Sprintf("%s://%s/%s", s.Type, s.Endpoint, s.Bucket)
	}
	return fmt.Sprintf("%s://%s", s.Type, s.Bucket)
}

// Migration represents migration-specific configuration
type Migration struct {
	Prefix          string        `yaml:"prefix"`
	Concurrency     int           `yaml:"concurrency"`
	MaxAttempts     int           `yaml:"max_attempts"`
	RetryBackoffMs  int           `yaml:"retry_backoff_ms"`
	TransferTimeout time.Duration `yaml:"transfer_timeout"`
	PageSize        int           `yaml:"page_size"`
	ListRateLimit   float64       `yaml:"list_rate_limit"`
	Ledger          string        `yaml:"ledger"`
	Resume          bool          `yaml:"resume"`
	SkipExisting    bool          `yaml:"skip_existing"`
	DryRun          bool          `yaml:"dry_run"`
	ShowProgress    bool          `yaml:"show_progress"`
	MetricsAddr     string        `yaml:"metrics_addr"`
}

// Default returns the configuration used before any file or flag is applied
func Default() *Config {
	return &Config{
		LogLevel: "info",
		Source:   StorageConfig{Type: storage.TypeS3, Secure: true},
		Target:   StorageConfig{Type: storage.TypeGCS, Secure: true},
		Migration: Migration{
			Concurrency:     8,
			MaxAttempts:     3,
			RetryBackoffMs:  500,
			TransferTimeout: 30 * time.Minute,
			PageSize:        storage.DefaultPageSize,
			Ledger:          "./migrate-ledger.db",
			SkipExisting:    true,
			ShowProgress:    true,
			MetricsAddr:     ":8080",
		},
	}
}

// Load loads configuration from file, positional arguments and command line
// flags, in that order of precedence (flags win). args is either empty or
// <source-account> <dest-account> <source-bucket> <dest-bucket>.
func Load(configFile string, flags *pflag.FlagSet, args []string) (*Config, error) {
	cfg := Default()

	// Load from YAML file if provided
	if configFile != "" {
		if err := loadFromFile(cfg, configFile); err != nil {
			return nil, fmt.Errorf("failed to load config file: %w", err)
		}
	}

	if err := loadFromArgs(cfg, args); err != nil {
		return nil, err
	}

	// Override with command line flags
	if err := loadFromFlags(cfg, flags); err != nil {
		return nil, fmt.Errorf("failed to load flags: %w", err)
	}

	// Validate configuration
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

func loadFromFile(cfg *Config, filename string) error {
	data, err := os.ReadFile(filename)
	if err != nil {
		return err
	}

	return yaml.Unmarshal(data, cfg)
}

func loadFromArgs(cfg *Config, args []string) error {
	switch len(args) {
	case 0:
		return nil
	case 4:
		cfg.Source.Account = args[0]
		cfg.Target.Account = args[1]
		cfg.Source.Bucket = args[2]
		cfg.Target.Bucket = args[3]
		return nil
	default:
		return fmt.Errorf("expected 4 arguments <source-account> <dest-account> <source-bucket> <dest-bucket>, got %d", len(args))
	}
}

func loadFromFlags(cfg *Config, flags *pflag.FlagSet) error {
	if flags == nil {
		return nil
	}

	var err error
	set := func(name string, apply func() error) {
		if err == nil && flags.Changed(name) {
			err = apply()
		}
	}
	str := func(dst *string, name string) func() error {
		return func() (e error) { *dst, e = flags.GetString(name); return }
	}
	boolean := func(dst *bool, name string) func() error {
		return func() (e error) { *dst, e = flags.GetBool(name); return }
	}
	integer := func(dst *int, name string) func() error {
		return func() (e error) { *dst, e = flags.GetInt(name); return }
	}

	set("src-type", str(&cfg.Source.Type, "src-type"))
	set("src-endpoint", str(&cfg.Source.Endpoint, "src-endpoint"))
	set("src-region", str(&cfg.Source.Region, "src-region"))
	set("src-secure", boolean(&cfg.Source.Secure, "src-secure"))

	set("dst-type", str(&cfg.Target.Type, "dst-type"))
	set("dst-endpoint", str(&cfg.Target.Endpoint, "dst-endpoint"))
	set("dst-region", str(&cfg.Target.Region, "dst-region"))
	set("dst-secure", boolean(&cfg.Target.Secure, "dst-secure"))

	set("path-style", func() error {
		v, e := flags.GetBool("path-style")
		cfg.Source.PathStyle, cfg.Target.PathStyle = v, v
		return e
	})

	set("prefix", str(&cfg.Migration.Prefix, "prefix"))
	set("concurrency", integer(&cfg.Migration.Concurrency, "concurrency"))
	set("max-attempts", integer(&cfg.Migration.MaxAttempts, "max-attempts"))
	set("retry-backoff-ms", integer(&cfg.Migration.RetryBackoffMs, "retry-backoff-ms"))
	set("timeout", func() (e error) {
		cfg.Migration.TransferTimeout, e = flags.GetDuration("timeout")
		return
	})
	set("page-size", integer(&cfg.Migration.PageSize, "page-size"))
	set("list-rate-limit", func() (e error) {
		cfg.Migration.ListRateLimit, e = flags.GetFloat64("list-rate-limit")
		return
	})
	set("ledger", str(&cfg.Migration.Ledger, "ledger"))
	set("resume", boolean(&cfg.Migration.Resume, "resume"))
	set("skip-existing", boolean(&cfg.Migration.SkipExisting, "skip-existing"))
	set("dry-run", boolean(&cfg.Migration.DryRun, "dry-run"))
	set("show-progress", boolean(&cfg.Migration.ShowProgress, "show-progress"))
	set("metrics-addr", str(&cfg.Migration.MetricsAddr, "metrics-addr"))
	set("log-level", str(&cfg.LogLevel, "log-level"))

	return err
}

func (c *Config) validate() error {
	for _, side := range []struct {
		name string
		cfg  StorageConfig
	}{{"source", c.Source}, {"target", c.Target}} {
		switch side.cfg.Type {
		case storage.TypeS3, storage.TypeMinIO, storage.TypeGCS:
		default:
			return fmt.Errorf("%s type %q is not one of s3, minio, gcs", side.name, side.cfg.Type)
		}
		if side.cfg.Bucket == "" {
			return fmt.Errorf("%s bucket is required", side.name)
		}
		if side.cfg.Type == storage.TypeMinIO && side.cfg.Endpoint == "" {
			return fmt.Errorf("%s endpoint is required for minio", side.name)
		}
	}

	if c.Source.URI() == c.Target.URI() {
		return fmt.Errorf("source and target are the same bucket")
	}

	if c.Migration.Concurrency <= 0 {
		return fmt.Errorf("concurrency must be positive")
	}
	if c.Migration.MaxAttempts <= 0 {
		return fmt.Errorf("max attempts must be positive")
	}
	if c.Migration.RetryBackoffMs < 0 {
		return fmt.Errorf("retry backoff must not be negative")
	}
	if c.Migration.TransferTimeout <= 0 {
		return fmt.Errorf("transfer timeout must be positive")
	}
	if c.Migration.PageSize <= 0 {
		return fmt.Errorf("page size must be positive")
	}
	if c.Migration.ListRateLimit < 0 {
		return fmt.Errorf("list rate limit must not be negative")
	}
	if c.Migration.Ledger == "" && !c.Migration.DryRun {
		return fmt.Errorf("ledger path is required")
	}

	switch strings.ToLower(c.LogLevel) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log level %q is not one of debug, info, warn, error", c.LogLevel)
	}

	return nil
}
