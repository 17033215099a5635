// Package config loads opswatch application settings.
//
// Settings are layered, lowest precedence first: built-in defaults, the
// optional settings file (opswatch.yaml in the user config directory, or the
// file named by OPSWATCH_SETTINGS), OPSWATCH_* environment variables, then
// runtime overrides passed to Load (CLI flags).
package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	gfconfig "github.com/fulmenhq/gofulmen/config"
	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
)

// Identity names the application for paths and environment variables.
type Identity struct {
	BinaryName string
	EnvPrefix  string
	ConfigName string
}

// DefaultIdentity is the identity used by the opswatch binary.
var DefaultIdentity = Identity{BinaryName: "opswatch", EnvPrefix: "OPSWATCH", ConfigName: "opswatch"}

// Notification drivers.
const (
	DriverNone    = ""
	DriverPrint   = "print"
	DriverCommand = "command"
	DriverRedis   = "redis"
	DriverMailgun = "mailgun"
)

// Config is the resolved application configuration.
type Config struct {
	ConfigFile   string        `mapstructure:"config_file"`
	StateFile    string        `mapstructure:"state_file"`
	HistoryFile  string        `mapstructure:"history_file"`
	DefaultCwd   string        `mapstructure:"default_cwd"`
	StrictState  bool          `mapstructure:"strict_state"`
	ProbeTimeout time.Duration `mapstructure:"probe_timeout"`
	StartTimeout time.Duration `mapstructure:"start_timeout"`

	Notify  NotifyConfig  `mapstructure:"notify"`
	Server  ServerConfig  `mapstructure:"server"`
	Logging LoggingConfig `mapstructure:"logging"`
}

// NotifyConfig selects and configures the digest sink.
type NotifyConfig struct {
	Driver        string        `mapstructure:"driver"`
	Target        string        `mapstructure:"target"`
	RatePerSecond float64       `mapstructure:"rate_per_second"`
	Command       []string      `mapstructure:"command"`
	Timeout       time.Duration `mapstructure:"timeout"`
	Redis         RedisConfig   `mapstructure:"redis"`
	Mailgun       MailgunConfig `mapstructure:"mailgun"`
}

type RedisConfig struct {
	URL string `mapstructure:"url"`
	Key string `mapstructure:"key"`
}

type MailgunConfig struct {
	Domain  string `mapstructure:"domain"`
	APIKey  string `mapstructure:"api_key"`
	From    string `mapstructure:"from"`
	Subject string `mapstructure:"subject"`
	APIBase string `mapstructure:"api_base"`
}

// ServerConfig configures `opswatch serve`.
type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	Interval        time.Duration `mapstructure:"interval"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

type LoggingConfig struct {
	Level string `mapstructure:"level"`
}

// EnvSpec maps a short environment variable onto a settings path.
type EnvSpec struct {
	Name string
	Path string
}

var (
	configMu    sync.RWMutex
	appIdentity *Identity
)

// Load resolves the configuration. Each override map is flattened into dotted
// keys and wins over every other layer.
func Load(ctx context.Context, overrides ...map[string]any) (*Config, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	configMu.Lock()
	defer configMu.Unlock()

	if appIdentity == nil {
		id := DefaultIdentity
		appIdentity = &id
	}

	v := viper.New()
	setDefaults(v, *appIdentity)

	v.SetEnvPrefix(appIdentity.EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for _, spec := range envSpecs(*appIdentity) {
		if err := v.BindEnv(spec.Path, spec.Name); err != nil {
			return nil, fmt.Errorf("bind %s: %w", spec.Name, err)
		}
	}

	if err := readSettingsFile(v, *appIdentity); err != nil {
		return nil, err
	}

	for _, o := range overrides {
		for key, value := range flatten("", o) {
			v.Set(key, value)
		}
	}

	var cfg Config
	hook := mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	)
	if err := v.Unmarshal(&cfg, viper.DecodeHook(hook)); err != nil {
		return nil, fmt.Errorf("decode settings: %w", err)
	}
	cfg.Notify.Driver = strings.ToLower(strings.TrimSpace(cfg.Notify.Driver))
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// GetIdentity returns the identity Load used, or nil before the first Load.
func GetIdentity() *Identity {
	configMu.RLock()
	defer configMu.RUnlock()
	return appIdentity
}

// Validate checks settings that cannot be expressed as defaults.
func (c *Config) Validate() error {
	var errs []error
	switch c.Notify.Driver {
	case DriverNone, DriverPrint:
	case DriverCommand:
		if len(c.Notify.Command) == 0 {
			errs = append(errs, errors.New("notify.command is required for the command driver"))
		}
	case DriverRedis:
		if strings.TrimSpace(c.Notify.Redis.URL) == "" {
			errs = append(errs, errors.New("notify.redis.url is required for the redis driver"))
		}
	case DriverMailgun:
		if c.Notify.Mailgun.Domain == "" || c.Notify.Mailgun.APIKey == "" || c.Notify.Mailgun.From == "" {
			errs = append(errs, errors.New("notify.mailgun requires domain, api_key and from"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown notify.driver %q", c.Notify.Driver))
	}
	if c.Notify.RatePerSecond < 0 {
		errs = append(errs, errors.New("notify.rate_per_second must be >= 0"))
	}
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port out of range: %d", c.Server.Port))
	}
	if c.Server.Interval < time.Second {
		errs = append(errs, fmt.Errorf("server.interval must be at least 1s, got %s", c.Server.Interval))
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("invalid settings: %w", err)
	}
	return nil
}

func setDefaults(v *viper.Viper, id Identity) {
	configDir := userConfigDir(id)
	dataDir := gfconfig.GetAppDataDir(id.ConfigName)

	v.SetDefault("config_file", filepath.Join(configDir, "ops-jobs.json"))
	v.SetDefault("state_file", filepath.Join(dataDir, "state", "ops-state.json"))
	v.SetDefault("history_file", filepath.Join(dataDir, "history.db"))
	v.SetDefault("default_cwd", "")
	v.SetDefault("strict_state", false)
	v.SetDefault("probe_timeout", "30s")
	v.SetDefault("start_timeout", "60s")

	v.SetDefault("notify.driver", DriverNone)
	v.SetDefault("notify.target", "")
	v.SetDefault("notify.rate_per_second", 0.0)
	v.SetDefault("notify.command", []string{})
	v.SetDefault("notify.timeout", "20s")
	v.SetDefault("notify.redis.url", "")
	v.SetDefault("notify.redis.key", "opswatch:notifications")
	v.SetDefault("notify.mailgun.domain", "")
	v.SetDefault("notify.mailgun.api_key", "")
	v.SetDefault("notify.mailgun.from", "")
	v.SetDefault("notify.mailgun.subject", "Ops report")
	v.SetDefault("notify.mailgun.api_base", "")

	v.SetDefault("server.host", "localhost")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.interval", "60s")
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.write_timeout", "30s")
	v.SetDefault("server.shutdown_timeout", "10s")

	v.SetDefault("logging.level", "info")
}

// envSpecs returns the short environment aliases bound for id.
func envSpecs(id Identity) []EnvSpec {
	p := id.EnvPrefix + "_"
	return []EnvSpec{
		{Name: p + "CONFIG", Path: "config_file"},
		{Name: p + "STATE", Path: "state_file"},
		{Name: p + "HISTORY", Path: "history_file"},
		{Name: p + "LOG_LEVEL", Path: "logging.level"},
		{Name: p + "TARGET", Path: "notify.target"},
		{Name: p + "NOTIFY", Path: "notify.driver"},
		{Name: p + "REDIS_URL", Path: "notify.redis.url"},
		{Name: p + "MAILGUN_DOMAIN", Path: "notify.mailgun.domain"},
		{Name: p + "MAILGUN_API_KEY", Path: "notify.mailgun.api_key"},
		{Name: p + "HOST", Path: "server.host"},
		{Name: p + "PORT", Path: "server.port"},
		{Name: p + "INTERVAL", Path: "server.interval"},
	}
}

// userConfigPaths lists candidate settings files, most specific first.
func userConfigPaths(id Identity) []string {
	var paths []string
	if explicit := strings.TrimSpace(os.Getenv(id.EnvPrefix + "_SETTINGS")); explicit != "" {
		paths = append(paths, explicit)
	}
	dir := userConfigDir(id)
	for _, ext := range []string{"yaml", "yml", "json"} {
		paths = append(paths, filepath.Join(dir, id.ConfigName+"."+ext))
	}
	return paths
}

func readSettingsFile(v *viper.Viper, id Identity) error {
	explicit := strings.TrimSpace(os.Getenv(id.EnvPrefix + "_SETTINGS"))
	for _, p := range userConfigPaths(id) {
		if _, err := os.Stat(p); err != nil {
			if p == explicit {
				return fmt.Errorf("settings file %s: %w", p, err)
			}
			continue
		}
		v.SetConfigFile(p)
		if err := v.ReadInConfig(); err != nil {
			return fmt.Errorf("read settings %s: %w", p, err)
		}
		return nil
	}
	return nil
}

func userConfigDir(id Identity) string {
	dir, err := os.UserConfigDir()
	if err != nil || dir == "" {
		home, _ := os.UserHomeDir()
		dir = filepath.Join(home, ".config")
	}
	return filepath.Join(dir, id.ConfigName)
}

func flatten(prefix string, m map[string]any) map[string]any {
	out := make(map[string]any)
	for k, val := range m {
		key := k
		if prefix != "" {
			key = prefix + "." + k
		}
		if nested, ok := val.(map[string]any); ok {
			for nk, nv := range flatten(key, nested) {
				out[nk] = nv
			}
			continue
		}
		out[key] = val
	}
	return out
}
