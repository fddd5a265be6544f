// Package config loads gorws configuration.
//
// Precedence, highest first: runtime overrides, GORWS_* environment
// variables, the config file, built-in defaults.
package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"sort"
	"strings"
	"sync"
	"time"

	gfconfig "github.com/fulmenhq/gofulmen/config"
	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
)

// Identity names the application for config discovery and env mapping.
type Identity struct {
	BinaryName string
	EnvPrefix  string
	ConfigName string
}

// DefaultIdentity is the identity used when none has been set.
var DefaultIdentity = Identity{BinaryName: "gorws", EnvPrefix: "GORWS", ConfigName: "gorws"}

type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Health    HealthConfig    `mapstructure:"health"`
	Debug     DebugConfig     `mapstructure:"debug"`
	Functions FunctionsConfig `mapstructure:"functions"`
	Jobs      JobsConfig      `mapstructure:"jobs"`
	Auth      AuthConfig      `mapstructure:"auth"`
	Notify    NotifyConfig    `mapstructure:"notify"`
	Storage   StorageConfig   `mapstructure:"storage"`
	Quotes    QuotesConfig    `mapstructure:"quotes"`
}

type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

type LoggingConfig struct {
	Level   string `mapstructure:"level"`
	Profile string `mapstructure:"profile"`
	File    string `mapstructure:"file"`
}

type HealthConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

type DebugConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

// FunctionsConfig lists the manifest directories scanned at startup, in
// order. Later directories override earlier ones on name collisions.
type FunctionsConfig struct {
	Dirs []string `mapstructure:"dirs"`
}

// JobsConfig bounds job execution. Retention 0 keeps terminal records for
// the life of the process; a positive value enables pruning.
type JobsConfig struct {
	Timeout       time.Duration `mapstructure:"timeout"`
	Retention     time.Duration `mapstructure:"retention"`
	PruneInterval time.Duration `mapstructure:"prune_interval"`
}

type AuthConfig struct {
	Keys []string `mapstructure:"keys"`
}

type NotifyConfig struct {
	Mail  MailConfig `mapstructure:"mail"`
	SMS   SMSConfig  `mapstructure:"sms"`
	Rate  float64    `mapstructure:"rate"`
	Burst int        `mapstructure:"burst"`
}

type MailConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Sender   string `mapstructure:"sender"`
	Password string `mapstructure:"password"`
}

type SMSConfig struct {
	AccountSID string `mapstructure:"account_sid"`
	AuthToken  string `mapstructure:"auth_token"`
	From       string `mapstructure:"from"`
	BaseURL    string `mapstructure:"base_url"`
}

// StorageConfig supplies defaults for storage.* capabilities.
type StorageConfig struct {
	Region         string `mapstructure:"region"`
	Endpoint       string `mapstructure:"endpoint"`
	Profile        string `mapstructure:"profile"`
	ForcePathStyle bool   `mapstructure:"force_path_style"`
}

// QuotesConfig supplies defaults for stock.previous_close.
type QuotesConfig struct {
	Endpoint string        `mapstructure:"endpoint"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

// EnvSpec maps one environment variable onto a config key.
type EnvSpec struct {
	Name string
	Path string
}

var (
	configMu    sync.RWMutex
	appIdentity *Identity
	appConfig   *Config

	// configFile, when set, replaces config file discovery.
	configFile string
)

// SetIdentity overrides the application identity used by Load.
func SetIdentity(id Identity) {
	configMu.Lock()
	defer configMu.Unlock()
	appIdentity = &id
}

// GetIdentity returns the active identity, or nil before Load/SetIdentity.
func GetIdentity() *Identity {
	configMu.RLock()
	defer configMu.RUnlock()
	if appIdentity == nil {
		return nil
	}
	id := *appIdentity
	return &id
}

// SetConfigFile pins the config file path (the --config flag).
func SetConfigFile(path string) {
	configMu.Lock()
	defer configMu.Unlock()
	configFile = path
}

// SetDefaults registers built-in defaults on v.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "localhost")
	v.SetDefault("server.port", 5000)
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.write_timeout", "30s")
	v.SetDefault("server.idle_timeout", "120s")
	v.SetDefault("server.shutdown_timeout", "10s")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.profile", "STRUCTURED")
	v.SetDefault("logging.file", "")

	v.SetDefault("health.enabled", true)
	v.SetDefault("debug.enabled", false)

	v.SetDefault("functions.dirs", []string{})
	v.SetDefault("jobs.timeout", "5m")
	v.SetDefault("jobs.retention", "0s")
	v.SetDefault("jobs.prune_interval", "1m")
	v.SetDefault("auth.keys", []string{})

	v.SetDefault("notify.mail.host", "smtp.gmail.com")
	v.SetDefault("notify.mail.port", 587)
	v.SetDefault("notify.mail.sender", "")
	v.SetDefault("notify.mail.password", "")
	v.SetDefault("notify.sms.account_sid", "")
	v.SetDefault("notify.sms.auth_token", "")
	v.SetDefault("notify.sms.from", "")
	v.SetDefault("notify.sms.base_url", "https://api.twilio.com")
	v.SetDefault("notify.rate", 1.0)
	v.SetDefault("notify.burst", 5)

	v.SetDefault("storage.region", "")
	v.SetDefault("storage.endpoint", "")
	v.SetDefault("storage.profile", "")
	v.SetDefault("storage.force_path_style", false)

	v.SetDefault("quotes.endpoint", "https://query1.finance.yahoo.com")
	v.SetDefault("quotes.timeout", "10s")
}

// Load builds the configuration and stores it for GetConfig.
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
	SetDefaults(v)

	if err := readConfigFile(v); err != nil {
		return nil, err
	}

	for _, spec := range getEnvSpecs() {
		if val, ok := os.LookupEnv(spec.Name); ok {
			v.Set(spec.Path, val)
		}
	}

	for _, o := range overrides {
		for key, val := range flatten("", o) {
			v.Set(key, val)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, viper.DecodeHook(decodeHook())); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	appConfig = &cfg
	return &cfg, nil
}

// GetConfig returns the last loaded configuration, or nil.
func GetConfig() *Config {
	configMu.RLock()
	defer configMu.RUnlock()
	return appConfig
}

// Validate rejects values the server cannot run with.
func (c *Config) Validate() error {
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port out of range: %d", c.Server.Port)
	}
	if c.Jobs.Timeout < 0 {
		return fmt.Errorf("jobs.timeout must not be negative")
	}
	if c.Jobs.Retention < 0 {
		return fmt.Errorf("jobs.retention must not be negative")
	}
	if c.Notify.Burst < 0 {
		return fmt.Errorf("notify.burst must not be negative")
	}
	return nil
}

// DataDir returns the per-user data directory for the active identity.
func DataDir() string {
	id := GetIdentity()
	if id == nil || strings.TrimSpace(id.ConfigName) == "" {
		return ""
	}
	return gfconfig.GetAppDataDir(id.ConfigName)
}

func readConfigFile(v *viper.Viper) error {
	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return fmt.Errorf("read config file %s: %w", configFile, err)
		}
		return nil
	}

	v.SetConfigName(appIdentity.ConfigName)
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	for _, p := range getUserConfigPaths() {
		v.AddConfigPath(p)
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) {
			return nil
		}
		return fmt.Errorf("read config file: %w", err)
	}
	return nil
}

// getUserConfigPaths must be called with configMu held.
func getUserConfigPaths() []string {
	if appIdentity == nil {
		return []string{}
	}
	dir, err := os.UserConfigDir()
	if err != nil {
		return []string{}
	}
	return []string{filepath.Join(dir, appIdentity.ConfigName)}
}

// getEnvSpecs must be called with configMu held.
func getEnvSpecs() []EnvSpec {
	if appIdentity == nil || appIdentity.EnvPrefix == "" {
		return []EnvSpec{}
	}
	p := appIdentity.EnvPrefix + "_"
	return []EnvSpec{
		{Name: p + "HOST", Path: "server.host"},
		{Name: p + "PORT", Path: "server.port"},
		{Name: p + "READ_TIMEOUT", Path: "server.read_timeout"},
		{Name: p + "WRITE_TIMEOUT", Path: "server.write_timeout"},
		{Name: p + "IDLE_TIMEOUT", Path: "server.idle_timeout"},
		{Name: p + "SHUTDOWN_TIMEOUT", Path: "server.shutdown_timeout"},
		{Name: p + "LOG_LEVEL", Path: "logging.level"},
		{Name: p + "LOG_PROFILE", Path: "logging.profile"},
		{Name: p + "LOG_FILE", Path: "logging.file"},
		{Name: p + "HEALTH_ENABLED", Path: "health.enabled"},
		{Name: p + "DEBUG", Path: "debug.enabled"},
		{Name: p + "FUNCTION_DIRS", Path: "functions.dirs"},
		{Name: p + "JOB_TIMEOUT", Path: "jobs.timeout"},
		{Name: p + "JOB_RETENTION", Path: "jobs.retention"},
		{Name: p + "API_KEYS", Path: "auth.keys"},
		{Name: p + "SMTP_HOST", Path: "notify.mail.host"},
		{Name: p + "SMTP_PORT", Path: "notify.mail.port"},
		{Name: p + "SENDER_EMAIL", Path: "notify.mail.sender"},
		{Name: p + "SENDER_PASSWORD", Path: "notify.mail.password"},
		{Name: p + "TWILIO_ACCOUNT_SID", Path: "notify.sms.account_sid"},
		{Name: p + "TWILIO_AUTH_TOKEN", Path: "notify.sms.auth_token"},
		{Name: p + "TWILIO_PHONE_NUMBER", Path: "notify.sms.from"},
		{Name: p + "NOTIFY_RATE", Path: "notify.rate"},
		{Name: p + "STORAGE_REGION", Path: "storage.region"},
		{Name: p + "STORAGE_ENDPOINT", Path: "storage.endpoint"},
		{Name: p + "QUOTES_ENDPOINT", Path: "quotes.endpoint"},
	}
}

func decodeHook() mapstructure.DecodeHookFunc {
	return mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		stringToTrimmedSliceHook(","),
	)
}

// stringToTrimmedSliceHook splits comma-separated env values into slices,
// dropping blanks ("a, b,," becomes [a b]).
func stringToTrimmedSliceHook(sep string) mapstructure.DecodeHookFuncType {
	return func(from reflect.Type, to reflect.Type, data any) (any, error) {
		if from.Kind() != reflect.String || to.Kind() != reflect.Slice {
			return data, nil
		}
		raw := data.(string)
		out := []string{}
		for _, part := range strings.Split(raw, sep) {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
		return out, nil
	}
}

// flatten turns nested override maps into dotted viper keys.
func flatten(prefix string, m map[string]any) map[string]any {
	out := make(map[string]any)
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		key := k
		if prefix != "" {
			key = prefix + "." + k
		}
		if nested, ok := m[k].(map[string]any); ok {
			for nk, nv := range flatten(key, nested) {
				out[nk] = nv
			}
			continue
		}
		out[key] = m[k]
	}
	return out
}
