// Package config handles loading and validating wxvault configuration.
package config

import (
	"errors"
	"fmt"
	"math"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// AuthKeyEnv supplies the auth key when neither a flag nor the config
// file sets one.
const AuthKeyEnv = "WXVAULT_AUTH_KEY"

const (
	DefaultPort            = 8080
	DefaultBindAddr        = "127.0.0.1"
	DefaultRefreshInterval = 300 * time.Second
	MinRefreshInterval     = 10 * time.Second
	DefaultLimit           = 50
	MaxLimit               = 1000
	MaxOffset              = math.MaxInt32
)

// Config represents the wxvault configuration.
type Config struct {
	Data     DataConfig     `toml:"data"`
	Server   ServerConfig   `toml:"server"`
	Cache    CacheConfig    `toml:"cache"`
	Messages MessagesConfig `toml:"messages"`

	// Path of the file the config was read from, empty for defaults.
	Path string `toml:"-"`
}

// DataConfig locates the exported chat database directory.
type DataConfig struct {
	DBPath string `toml:"db_path"`
}

// ServerConfig holds HTTP API server configuration.
type ServerConfig struct {
	Port           int     `toml:"port"`
	BindAddr       string  `toml:"bind_addr"`
	AuthKey        string  `toml:"auth_key"`
	RateLimitRPS   float64 `toml:"rate_limit_rps"`   // 0 disables rate limiting
	RateLimitBurst int     `toml:"rate_limit_burst"` // default: 2x rps
	CORSMaxAge     int     `toml:"cors_max_age"`     // seconds
}

// CacheConfig controls the contact directory refresh timer.
type CacheConfig struct {
	RefreshInterval Duration `toml:"refresh_interval"`
}

// MessagesConfig controls message queries.
type MessagesConfig struct {
	SelfLabel        string `toml:"self_label"`
	DefaultLimit     int    `toml:"default_limit"`
	MaxLimit         int    `toml:"max_limit"`
	ShardConcurrency int    `toml:"shard_concurrency"`
}

// Duration accepts either a Go duration string ("5m") or a bare number of
// seconds, in TOML and on the command line.
type Duration struct {
	time.Duration
}

// ParseDuration parses a Go duration or a whole number of seconds.
func ParseDuration(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		return time.Duration(n) * time.Second, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("invalid duration %q: use seconds (300) or a Go duration (5m)", s)
	}
	return d, nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	v, err := ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

// UnmarshalTOML accepts integer seconds as well as strings.
func (d *Duration) UnmarshalTOML(v any) error {
	switch x := v.(type) {
	case int64:
		d.Duration = time.Duration(x) * time.Second
		return nil
	case string:
		return d.UnmarshalText([]byte(x))
	default:
		return fmt.Errorf("invalid duration %v: use seconds or a duration string", v)
	}
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// NewDefaultConfig returns a config populated with defaults.
func NewDefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port:         DefaultPort,
			BindAddr:     DefaultBindAddr,
			RateLimitRPS: 10,
			CORSMaxAge:   600,
		},
		Cache: CacheConfig{
			RefreshInterval: Duration{DefaultRefreshInterval},
		},
		Messages: MessagesConfig{
			SelfLabel:        "Me",
			DefaultLimit:     DefaultLimit,
			MaxLimit:         MaxLimit,
			ShardConcurrency: 4,
		},
	}
}

// Load reads the configuration from path on top of the defaults. An empty
// path returns the defaults; an explicit path that does not exist is an
// error.
func Load(path string) (*Config, error) {
	cfg := NewDefaultConfig()
	if path == "" {
		cfg.applyEnv()
		return cfg, nil
	}

	path = expandPath(path)
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config file not found: %s", path)
		}
		return nil, fmt.Errorf("stat config: %w", err)
	}
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, decodeError(path, err)
	}
	cfg.Path = path
	cfg.Data.DBPath = expandPath(cfg.Data.DBPath)
	cfg.applyEnv()
	return cfg, nil
}

func (c *Config) applyEnv() {
	if c.Server.AuthKey == "" {
		c.Server.AuthKey = os.Getenv(AuthKeyEnv)
	}
}

// decodeError adds a hint for the most common TOML mistake: Windows paths
// in double-quoted strings, where backslashes are escape sequences.
func decodeError(path string, err error) error {
	msg := err.Error()
	if strings.Contains(msg, "escape") || strings.Contains(msg, "hexadecimal") {
		return fmt.Errorf("decode config %s: %w\nhint: use forward slashes (C:/exports/wx) or single quotes ('C:\\exports\\wx') for paths", path, err)
	}
	return fmt.Errorf("decode config %s: %w", path, err)
}

// Validate checks that the configuration can start a server.
func (c *Config) Validate() error {
	var errs []error
	if c.Data.DBPath == "" {
		errs = append(errs, errors.New("db path is required (--db-path)"))
	}
	if c.Server.AuthKey == "" {
		errs = append(errs, fmt.Errorf("auth key is required (--auth-key or %s)", AuthKeyEnv))
	}
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("port %d out of range 1-65535", c.Server.Port))
	}
	if c.Cache.RefreshInterval.Duration < MinRefreshInterval {
		errs = append(errs, fmt.Errorf("refresh interval %s is below the %s minimum", c.Cache.RefreshInterval.Duration, MinRefreshInterval))
	}
	if c.Server.RateLimitRPS < 0 {
		errs = append(errs, errors.New("rate_limit_rps must not be negative"))
	}
	if c.Messages.MaxLimit < 1 {
		errs = append(errs, errors.New("max_limit must be at least 1"))
	}
	if c.Messages.DefaultLimit < 1 || c.Messages.DefaultLimit > c.Messages.MaxLimit {
		errs = append(errs, fmt.Errorf("default_limit %d must be between 1 and max_limit", c.Messages.DefaultLimit))
	}
	return errors.Join(errs...)
}

// ValidateSource checks only what a read-only, unauthenticated surface
// (MCP, locate) needs: a database path.
func (c *Config) ValidateSource() error {
	if c.Data.DBPath == "" {
		return errors.New("db path is required (--db-path)")
	}
	info, err := os.Stat(c.Data.DBPath)
	if err != nil {
		return fmt.Errorf("db path: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("db path %s is not a directory", c.Data.DBPath)
	}
	return nil
}

// RateBurst returns the configured burst, defaulting to twice the rate.
func (s ServerConfig) RateBurst() int {
	if s.RateLimitBurst > 0 {
		return s.RateLimitBurst
	}
	b := int(s.RateLimitRPS * 2)
	if b < 1 {
		b = 1
	}
	return b
}

// Addr returns the listen address.
func (s ServerConfig) Addr() string {
	return net.JoinHostPort(s.BindAddr, strconv.Itoa(s.Port))
}

// expandPath expands ~ to the user's home directory.
func expandPath(path string) string {
	if path == "" {
		return path
	}
	if path == "~" || strings.HasPrefix(path, "~/") || strings.HasPrefix(path, `~\`) {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, path[1:])
	}
	return path
}
