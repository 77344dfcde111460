// Package config loads squeeze settings from YAML and SQUEEZE_* environment
// variables.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/Sternrassler/squeeze/pkg/batch"
	"github.com/Sternrassler/squeeze/pkg/cache"
	"github.com/Sternrassler/squeeze/pkg/client"
	"github.com/Sternrassler/squeeze/pkg/credentials"
	"github.com/Sternrassler/squeeze/pkg/logging"
	"github.com/Sternrassler/squeeze/pkg/output"
	"github.com/Sternrassler/squeeze/pkg/pipeline"
	"github.com/spf13/afero"
	"github.com/spf13/viper"
)

// EnvPrefix is the prefix of every environment override, e.g.
// SQUEEZE_BATCH_CONCURRENCY.
const EnvPrefix = "SQUEEZE"

// Config is the full squeeze configuration.
type Config struct {
	Credentials credentials.State `mapstructure:"credentials"`
	Backend     BackendConfig     `mapstructure:"backend"`
	Batch       BatchConfig       `mapstructure:"batch"`
	Defaults    DefaultsConfig    `mapstructure:"defaults"`
	Output      output.Options    `mapstructure:"output"`
	Redis       RedisConfig       `mapstructure:"redis"`
	Retry       RetryConfig       `mapstructure:"retry"`
	Logging     logging.Config    `mapstructure:"logging"`
	Server      ServerConfig      `mapstructure:"server"`
}

// BackendConfig points the client at the compression service.
type BackendConfig struct {
	BaseURL   string        `mapstructure:"base_url"`
	UserAgent string        `mapstructure:"user_agent"`
	Timeout   time.Duration `mapstructure:"timeout"`
}

// BatchConfig contains batch execution settings.
type BatchConfig struct {
	Concurrency int `mapstructure:"concurrency"`
}

// DefaultsConfig holds the compression options used when the caller gives
// none. Zero dimensions and empty lists leave a stage out.
type DefaultsConfig struct {
	ResizeMethod string   `mapstructure:"resize_method"`
	Width        int      `mapstructure:"width"`
	Height       int      `mapstructure:"height"`
	Convert      []string `mapstructure:"convert"`
	Background   string   `mapstructure:"background"`
	Preserve     []string `mapstructure:"preserve"`
}

// RedisConfig enables the result cache and quota tracker. An empty Addr
// disables both.
type RedisConfig struct {
	Addr     string        `mapstructure:"addr"`
	Password string        `mapstructure:"password"`
	DB       int           `mapstructure:"db"`
	CacheTTL time.Duration `mapstructure:"cache_ttl"`
}

// RetryConfig controls retries of transient backend failures.
type RetryConfig struct {
	TransientAttempts int           `mapstructure:"transient_attempts"`
	InitialBackoff    time.Duration `mapstructure:"initial_backoff"`
	MaxBackoff        time.Duration `mapstructure:"max_backoff"`
}

// ServerConfig contains HTTP API settings.
type ServerConfig struct {
	Addr string `mapstructure:"addr"`
}

// DefaultConfig returns a configuration with default values.
func DefaultConfig() *Config {
	retry := client.DefaultRetryConfig()
	return &Config{
		Credentials: credentials.State{
			AutoRotate: true,
		},
		Backend: BackendConfig{
			BaseURL:   client.DefaultBaseURL,
			UserAgent: "squeeze/0.1.0",
			Timeout:   60 * time.Second,
		},
		Batch: BatchConfig{
			Concurrency: batch.DefaultConcurrency,
		},
		Defaults: DefaultsConfig{
			ResizeMethod: string(pipeline.ResizeFit),
		},
		Output: output.Options{
			ReplaceOriginal: true,
		},
		Redis: RedisConfig{
			CacheTTL: cache.DefaultTTL,
		},
		Retry: RetryConfig{
			TransientAttempts: retry.MaxAttempts,
			InitialBackoff:    retry.InitialBackoff,
			MaxBackoff:        retry.MaxBackoff,
		},
		Logging: logging.DefaultConfig(),
		Server: ServerConfig{
			Addr: ":8080",
		},
	}
}

// DefaultPath returns ~/.squeeze/config.yaml, or config.yaml when the home
// directory is unknown.
func DefaultPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "config.yaml"
	}
	return filepath.Join(home, ".squeeze", "config.yaml")
}

// Load reads path from the OS filesystem. See LoadFs.
func Load(path string) (*Config, error) {
	return LoadFs(afero.NewOsFs(), path)
}

// LoadFs reads the YAML file at path, applies SQUEEZE_* overrides and
// validates the result. A missing file yields the defaults.
func LoadFs(fsys afero.Fs, path string) (*Config, error) {
	cfg := DefaultConfig()

	v := newViper(fsys, path)
	setDefaults(v, cfg)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

func newViper(fsys afero.Fs, path string) *viper.Viper {
	v := viper.New()
	v.SetFs(fsys)
	v.SetConfigType("yaml")
	v.SetConfigFile(path)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// setDefaults registers every key so AutomaticEnv can override it.
func setDefaults(v *viper.Viper, cfg *Config) {
	v.SetDefault("credentials.keys", cfg.Credentials.Keys)
	v.SetDefault("credentials.current_index", cfg.Credentials.CurrentIndex)
	v.SetDefault("credentials.auto_rotate", cfg.Credentials.AutoRotate)

	v.SetDefault("backend.base_url", cfg.Backend.BaseURL)
	v.SetDefault("backend.user_agent", cfg.Backend.UserAgent)
	v.SetDefault("backend.timeout", cfg.Backend.Timeout)

	v.SetDefault("batch.concurrency", cfg.Batch.Concurrency)

	v.SetDefault("defaults.resize_method", cfg.Defaults.ResizeMethod)
	v.SetDefault("defaults.width", cfg.Defaults.Width)
	v.SetDefault("defaults.height", cfg.Defaults.Height)
	v.SetDefault("defaults.convert", cfg.Defaults.Convert)
	v.SetDefault("defaults.background", cfg.Defaults.Background)
	v.SetDefault("defaults.preserve", cfg.Defaults.Preserve)

	v.SetDefault("output.backup", cfg.Output.Backup)
	v.SetDefault("output.replace_original", cfg.Output.ReplaceOriginal)

	v.SetDefault("redis.addr", cfg.Redis.Addr)
	v.SetDefault("redis.password", cfg.Redis.Password)
	v.SetDefault("redis.db", cfg.Redis.DB)
	v.SetDefault("redis.cache_ttl", cfg.Redis.CacheTTL)

	v.SetDefault("retry.transient_attempts", cfg.Retry.TransientAttempts)
	v.SetDefault("retry.initial_backoff", cfg.Retry.InitialBackoff)
	v.SetDefault("retry.max_backoff", cfg.Retry.MaxBackoff)

	v.SetDefault("logging.level", string(cfg.Logging.Level))
	v.SetDefault("logging.pretty", cfg.Logging.Pretty)
	v.SetDefault("logging.file_path", cfg.Logging.FilePath)
	v.SetDefault("logging.max_size", cfg.Logging.MaxSizeMB)
	v.SetDefault("logging.max_backups", cfg.Logging.MaxBackups)
	v.SetDefault("logging.max_age", cfg.Logging.MaxAgeDays)
	v.SetDefault("logging.compress", cfg.Logging.Compress)

	v.SetDefault("server.addr", cfg.Server.Addr)
}

// Validate checks the configuration and fills in zero values.
func (c *Config) Validate() error {
	if c.Backend.UserAgent == "" {
		return fmt.Errorf("backend.user_agent is required")
	}
	if c.Backend.Timeout <= 0 {
		return fmt.Errorf("backend.timeout must be positive")
	}

	if c.Batch.Concurrency <= 0 {
		c.Batch.Concurrency = batch.DefaultConcurrency
	}
	if c.Retry.TransientAttempts <= 0 {
		c.Retry.TransientAttempts = 1
	}
	if c.Redis.CacheTTL <= 0 {
		c.Redis.CacheTTL = cache.DefaultTTL
	}

	if c.Defaults.ResizeMethod == "" {
		c.Defaults.ResizeMethod = string(pipeline.ResizeFit)
	}
	if _, err := c.Options(); err != nil {
		return err
	}

	c.Logging.Level = logging.LogLevel(strings.ToLower(string(c.Logging.Level)))
	if !logging.ValidLevel(c.Logging.Level) {
		return fmt.Errorf("invalid log level: %s (valid: debug, info, warn, error)", c.Logging.Level)
	}

	return nil
}

// Options converts the defaults section into validated pipeline options.
func (c *Config) Options() (pipeline.Options, error) {
	d := c.Defaults
	var opts pipeline.Options

	if d.Width > 0 || d.Height > 0 {
		resize := &pipeline.ResizeOptions{Method: pipeline.ResizeMethod(d.ResizeMethod)}
		if d.Width > 0 {
			resize.Width = pipeline.Dim(d.Width)
		}
		if d.Height > 0 {
			resize.Height = pipeline.Dim(d.Height)
		}
		opts.Resize = resize
	}

	if len(d.Convert) > 0 {
		opts.Convert = &pipeline.ConvertOptions{Types: d.Convert, Background: d.Background}
	}

	if len(d.Preserve) > 0 {
		kinds, err := pipeline.ParseMetadataKinds(d.Preserve)
		if err != nil {
			return pipeline.Options{}, fmt.Errorf("defaults.preserve: %w", err)
		}
		opts.Preserve = kinds
	}

	if _, err := pipeline.Build(opts); err != nil {
		return pipeline.Options{}, fmt.Errorf("defaults: %w", err)
	}
	return opts, nil
}

// Pool builds the credential pool from the credentials section.
func (c *Config) Pool(validator credentials.Validator) *credentials.Pool {
	return credentials.NewPoolFromState(c.Credentials, validator)
}

// ClientConfig returns the backend client configuration.
func (c *Config) ClientConfig() client.Config {
	return client.Config{
		BaseURL:   c.Backend.BaseURL,
		UserAgent: c.Backend.UserAgent,
		Timeout:   c.Backend.Timeout,
	}
}

// RetryPolicy returns the transient retry policy.
func (c *Config) RetryPolicy() client.RetryConfig {
	policy := client.DefaultRetryConfig()
	policy.MaxAttempts = c.Retry.TransientAttempts
	if c.Retry.InitialBackoff > 0 {
		policy.InitialBackoff = c.Retry.InitialBackoff
	}
	if c.Retry.MaxBackoff > 0 {
		policy.MaxBackoff = c.Retry.MaxBackoff
	}
	return policy
}

// RedisEnabled reports whether Redis-backed features are configured.
func (c *Config) RedisEnabled() bool {
	return c.Redis.Addr != ""
}

// SaveCredentials writes state into the credentials section of the file at
// path, keeping every other setting. The file is created if missing.
func SaveCredentials(fsys afero.Fs, path string, state credentials.State) error {
	v := viper.New()
	v.SetFs(fsys)
	v.SetConfigType("yaml")
	v.SetConfigFile(path)

	if err := v.ReadInConfig(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("error reading config file: %w", err)
	}

	keys := state.Keys
	if keys == nil {
		keys = []string{}
	}
	v.Set("credentials.keys", keys)
	v.Set("credentials.current_index", state.CurrentIndex)
	v.Set("credentials.auto_rotate", state.AutoRotate)

	if dir := filepath.Dir(path); dir != "" {
		if err := fsys.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("create config dir: %w", err)
		}
	}
	if err := v.WriteConfigAs(path); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}
