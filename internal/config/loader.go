package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"bhyvebridge/internal/bhyve"
	"bhyvebridge/internal/stream"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// Config is the bridge configuration. Values come from defaults, then the
// YAML file, then BHYVE_* environment variables.
type Config struct {
	Bhyve    BhyveConfig    `yaml:"bhyve"`
	Stream   StreamConfig   `yaml:"stream"`
	Refresh  RefreshConfig  `yaml:"refresh"`
	MQTT     MQTTConfig     `yaml:"mqtt"`
	HTTP     HTTPConfig     `yaml:"http"`
	InfluxDB InfluxDBConfig `yaml:"influxdb"`
	Logging  LoggingConfig  `yaml:"logging"`
	Devices  []string       `yaml:"devices"`
	Timezone string         `yaml:"timezone"`
	ReadOnly bool           `yaml:"read_only"`
}

// BhyveConfig holds the vendor account and REST settings.
type BhyveConfig struct {
	Username       string        `yaml:"username"`
	Password       string        `yaml:"password"`
	BaseURL        string        `yaml:"base_url"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
	PollPeriod     time.Duration `yaml:"poll_period"`
}

// StreamConfig holds the event stream settings.
type StreamConfig struct {
	URL       string          `yaml:"url"`
	Heartbeat time.Duration   `yaml:"heartbeat"`
	Reconnect ReconnectConfig `yaml:"reconnect"`
}

// ReconnectConfig selects the reconnect backoff.
type ReconnectConfig struct {
	Policy   string        `yaml:"policy"`
	Initial  time.Duration `yaml:"initial"`
	MaxDelay time.Duration `yaml:"max_delay"`
}

// RefreshConfig controls the coordinator.
type RefreshConfig struct {
	Interval time.Duration `yaml:"interval"`
	Debounce time.Duration `yaml:"debounce"`
}

// MQTTConfig holds the broker and discovery settings.
type MQTTConfig struct {
	Enabled         bool   `yaml:"enabled"`
	Broker          string `yaml:"broker"`
	ClientID        string `yaml:"client_id"`
	Username        string `yaml:"username"`
	Password        string `yaml:"password"`
	QoS             int    `yaml:"qos"`
	DiscoveryPrefix string `yaml:"discovery_prefix"`
	BaseTopic       string `yaml:"base_topic"`
}

// HTTPConfig holds the API server settings.
type HTTPConfig struct {
	Enabled bool   `yaml:"enabled"`
	Listen  string `yaml:"listen"`
}

// InfluxDBConfig holds the telemetry sink settings.
type InfluxDBConfig struct {
	Enabled bool   `yaml:"enabled"`
	URL     string `yaml:"url"`
	Token   string `yaml:"token"`
	Org     string `yaml:"org"`
	Bucket  string `yaml:"bucket"`
}

// LoggingConfig selects the zap preset and level.
type LoggingConfig struct {
	Level       string `yaml:"level"`
	Development bool   `yaml:"development"`
}

// Loader reads the configuration file.
type Loader struct {
	path   string
	logger *zap.Logger
}

// NewLoader creates a loader for path. An empty path loads defaults and
// environment overrides only.
func NewLoader(path string, logger *zap.Logger) *Loader {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Loader{path: path, logger: logger}
}

// Load builds and validates the configuration.
func (l *Loader) Load() (*Config, error) {
	cfg := Default()

	if l.path != "" {
		l.logger.Debug("Loading config file", zap.String("path", l.path))
		data, err := os.ReadFile(l.path)
		if err != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	}

	if err := applyEnvOverrides(cfg); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	l.logger.Info("Configuration loaded",
		zap.String("path", l.path),
		zap.Bool("mqtt", cfg.MQTT.Enabled),
		zap.Bool("http", cfg.HTTP.Enabled),
		zap.Bool("influxdb", cfg.InfluxDB.Enabled),
		zap.Int("device_filter", len(cfg.Devices)))
	return cfg, nil
}

// Load is a shorthand for NewLoader(path, nil).Load().
func Load(path string) (*Config, error) {
	return NewLoader(path, nil).Load()
}

// Default returns the configuration defaults.
func Default() *Config {
	reconnect := stream.DefaultReconnectPolicy()
	return &Config{
		Bhyve: BhyveConfig{
			BaseURL:        bhyve.DefaultBaseURL,
			RequestTimeout: bhyve.DefaultRequestTimeout,
			PollPeriod:     bhyve.DefaultPollPeriod,
		},
		Stream: StreamConfig{
			URL:       bhyve.DefaultStreamURL,
			Heartbeat: stream.DefaultHeartbeat,
			Reconnect: ReconnectConfig{
				Policy:   reconnect.Mode,
				Initial:  reconnect.Initial,
				MaxDelay: reconnect.Max,
			},
		},
		Refresh: RefreshConfig{
			Interval: 5 * time.Minute,
			Debounce: time.Second,
		},
		MQTT: MQTTConfig{
			Broker:          "tcp://localhost:1883",
			QoS:             1,
			DiscoveryPrefix: "homeassistant",
			BaseTopic:       "bhyve",
		},
		HTTP: HTTPConfig{
			Enabled: true,
			Listen:  ":8080",
		},
		InfluxDB: InfluxDBConfig{
			URL:    "http://localhost:8086",
			Bucket: "bhyve",
		},
		Logging: LoggingConfig{Level: "info"},
	}
}

func applyEnvOverrides(cfg *Config) error {
	strVars := map[string]*string{
		"BHYVE_USERNAME":         &cfg.Bhyve.Username,
		"BHYVE_PASSWORD":         &cfg.Bhyve.Password,
		"BHYVE_BASE_URL":         &cfg.Bhyve.BaseURL,
		"BHYVE_STREAM_URL":       &cfg.Stream.URL,
		"BHYVE_MQTT_BROKER":      &cfg.MQTT.Broker,
		"BHYVE_MQTT_USERNAME":    &cfg.MQTT.Username,
		"BHYVE_MQTT_PASSWORD":    &cfg.MQTT.Password,
		"BHYVE_HTTP_LISTEN":      &cfg.HTTP.Listen,
		"BHYVE_INFLUXDB_URL":     &cfg.InfluxDB.URL,
		"BHYVE_INFLUXDB_TOKEN":   &cfg.InfluxDB.Token,
		"BHYVE_INFLUXDB_ORG":     &cfg.InfluxDB.Org,
		"BHYVE_INFLUXDB_BUCKET":  &cfg.InfluxDB.Bucket,
		"BHYVE_LOG_LEVEL":        &cfg.Logging.Level,
		"BHYVE_TIMEZONE":         &cfg.Timezone,
		"BHYVE_RECONNECT_POLICY": &cfg.Stream.Reconnect.Policy,
	}
	for key, dst := range strVars {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}

	boolVars := map[string]*bool{
		"BHYVE_MQTT_ENABLED":     &cfg.MQTT.Enabled,
		"BHYVE_HTTP_ENABLED":     &cfg.HTTP.Enabled,
		"BHYVE_INFLUXDB_ENABLED": &cfg.InfluxDB.Enabled,
		"BHYVE_READ_ONLY":        &cfg.ReadOnly,
		"BHYVE_LOG_DEVELOPMENT":  &cfg.Logging.Development,
	}
	for key, dst := range boolVars {
		v := os.Getenv(key)
		if v == "" {
			continue
		}
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("invalid %s: %w", key, err)
		}
		*dst = b
	}

	if v := os.Getenv("BHYVE_DEVICES"); v != "" {
		cfg.Devices = nil
		for _, id := range strings.Split(v, ",") {
			if id = strings.TrimSpace(id); id != "" {
				cfg.Devices = append(cfg.Devices, id)
			}
		}
	}
	return nil
}

// Validate checks the configuration for missing or inconsistent values.
func (c *Config) Validate() error {
	var errs []string

	if c.Bhyve.Username == "" || c.Bhyve.Password == "" {
		errs = append(errs, "bhyve.username and bhyve.password are required (set BHYVE_USERNAME and BHYVE_PASSWORD)")
	}
	if c.Bhyve.BaseURL == "" {
		errs = append(errs, "bhyve.base_url is required")
	}
	if c.Stream.URL == "" {
		errs = append(errs, "stream.url is required")
	}
	if c.Stream.Heartbeat <= 0 {
		errs = append(errs, "stream.heartbeat must be positive")
	}
	if err := c.ReconnectPolicy().Validate(); err != nil {
		errs = append(errs, "stream.reconnect: "+err.Error())
	}
	if c.Refresh.Interval <= 0 {
		errs = append(errs, "refresh.interval must be positive")
	}
	if c.MQTT.Enabled {
		if c.MQTT.Broker == "" {
			errs = append(errs, "mqtt.broker is required when mqtt is enabled")
		}
		if c.MQTT.QoS < 0 || c.MQTT.QoS > 2 {
			errs = append(errs, "mqtt.qos must be 0, 1, or 2")
		}
	}
	if c.InfluxDB.Enabled && (c.InfluxDB.URL == "" || c.InfluxDB.Bucket == "") {
		errs = append(errs, "influxdb.url and influxdb.bucket are required when influxdb is enabled")
	}
	if _, err := c.Location(); err != nil {
		errs = append(errs, err.Error())
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration errors: %s", strings.Join(errs, "; "))
	}
	return nil
}

// ReconnectPolicy returns the stream backoff described by the config.
func (c *Config) ReconnectPolicy() stream.ReconnectPolicy {
	r := c.Stream.Reconnect
	if r.Policy == stream.PolicyFixed {
		return stream.FixedReconnect(r.Initial)
	}
	return stream.ReconnectPolicy{Mode: r.Policy, Initial: r.Initial, Max: r.MaxDelay}
}

// Location resolves the configured timezone. Empty means local time.
func (c *Config) Location() (*time.Location, error) {
	if c.Timezone == "" {
		return time.Local, nil
	}
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return nil, fmt.Errorf("invalid timezone %q: %w", c.Timezone, err)
	}
	return loc, nil
}
