package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration structure for the Gray Logic NLP bridge.
// All configuration is loaded from YAML and can be overridden by environment variables.
type Config struct {
	Worker     WorkerConfig     `yaml:"worker"`
	Transport  TransportConfig  `yaml:"transport"`
	Classifier ClassifierConfig `yaml:"classifier"`
	Database   DatabaseConfig   `yaml:"database"`
	MQTT       MQTTConfig       `yaml:"mqtt"`
	InfluxDB   InfluxDBConfig   `yaml:"influxdb"`
	Logging    LoggingConfig    `yaml:"logging"`
}

// WorkerConfig describes the classifier worker process.
type WorkerConfig struct {
	// Binary is the executable to run (e.g. "python3").
	Binary string `yaml:"binary"`

	// Args are passed to Binary, typically the worker script and its flags.
	Args []string `yaml:"args"`

	// Env entries ("KEY=value") are appended to the inherited environment.
	Env []string `yaml:"env"`

	// WorkDir is the working directory for the worker. Empty means inherit.
	WorkDir string `yaml:"work_dir"`

	// GracefulTimeout is how long Stop waits after SIGTERM before SIGKILL.
	GracefulTimeout time.Duration `yaml:"graceful_timeout"`

	// StreamDrainTimeout bounds how long to wait for stdout to drain after exit.
	StreamDrainTimeout time.Duration `yaml:"stream_drain_timeout"`
}

// TransportConfig selects the wire format spoken with the worker.
type TransportConfig struct {
	// Framing is "stream" (concatenated JSON objects, newline optional),
	// "line" (newline-delimited) or "length" (4-byte prefix).
	Framing string `yaml:"framing"`

	// Encoding is "json" or "cbor". CBOR requires length framing.
	Encoding string `yaml:"encoding"`

	// MaxFrameSize caps a single record in bytes.
	MaxFrameSize int `yaml:"max_frame_size"`
}

// ClassifierConfig controls the classifier service that owns the worker.
type ClassifierConfig struct {
	RequestTimeout     time.Duration `yaml:"request_timeout"`
	RestartOnFailure   bool          `yaml:"restart_on_failure"`
	RestartDelay       time.Duration `yaml:"restart_delay"`
	MaxRestartDelay    time.Duration `yaml:"max_restart_delay"`
	MaxRestartAttempts int           `yaml:"max_restart_attempts"` // 0 = unlimited
	StableThreshold    time.Duration `yaml:"stable_threshold"`

	// WatchPaths are files (model, worker script) whose change triggers a reload.
	WatchPaths    []string      `yaml:"watch_paths"`
	WatchDebounce time.Duration `yaml:"watch_debounce"`
	DrainTimeout  time.Duration `yaml:"drain_timeout"`
}

// DatabaseConfig contains SQLite settings for the classification history.
type DatabaseConfig struct {
	Enabled     bool   `yaml:"enabled"`
	Path        string `yaml:"path"`
	WALMode     bool   `yaml:"wal_mode"`
	BusyTimeout int    `yaml:"busy_timeout"`
}

// MQTTConfig contains MQTT broker connection settings.
type MQTTConfig struct {
	Enabled   bool                `yaml:"enabled"`
	Broker    MQTTBrokerConfig    `yaml:"broker"`
	Auth      MQTTAuthConfig      `yaml:"auth"`
	QoS       int                 `yaml:"qos"`
	Reconnect MQTTReconnectConfig `yaml:"reconnect"`

	// MaxInflight bounds concurrent classifications started from MQTT requests.
	MaxInflight int `yaml:"max_inflight"`
}

// MQTTBrokerConfig contains MQTT broker connection details.
type MQTTBrokerConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	TLS      bool   `yaml:"tls"`
	ClientID string `yaml:"client_id"`
}

// MQTTAuthConfig contains MQTT authentication credentials.
type MQTTAuthConfig struct {
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// MQTTReconnectConfig contains MQTT reconnection settings (seconds).
type MQTTReconnectConfig struct {
	InitialDelay int `yaml:"initial_delay"`
	MaxDelay     int `yaml:"max_delay"`
}

// InfluxDBConfig contains InfluxDB connection settings.
type InfluxDBConfig struct {
	Enabled       bool   `yaml:"enabled"`
	URL           string `yaml:"url"`
	Token         string `yaml:"token"`
	Org           string `yaml:"org"`
	Bucket        string `yaml:"bucket"`
	BatchSize     int    `yaml:"batch_size"`
	FlushInterval int    `yaml:"flush_interval"`
}

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// Load reads configuration from a YAML file and applies environment variable overrides.
//
// The configuration loading order is:
//  1. Default values (hardcoded)
//  2. YAML file values (override defaults)
//  3. Environment variables (override file values)
//
// Environment variables follow the pattern: GRAYLOGIC_NLP_SECTION_KEY
// For example: GRAYLOGIC_NLP_WORKER_BINARY, GRAYLOGIC_NLP_MQTT_HOST
//
// Parameters:
//   - path: Path to the YAML configuration file
//
// Returns:
//   - *Config: Loaded and validated configuration
//   - error: If file cannot be read, parsed, or validation fails
func Load(path string) (*Config, error) {
	cfg := defaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// Default returns the built-in configuration with environment overrides applied.
// Used when no config file exists.
func Default() (*Config, error) {
	cfg := defaultConfig()
	applyEnvOverrides(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	return cfg, nil
}

// defaultConfig returns a Config with sensible defaults.
func defaultConfig() *Config {
	return &Config{
		Worker: WorkerConfig{
			Binary:             "python3",
			Args:               []string{"-u", "nlp/classifier_worker.py"},
			GracefulTimeout:    10 * time.Second,
			StreamDrainTimeout: 5 * time.Second,
		},
		Transport: TransportConfig{
			Framing:      "stream",
			Encoding:     "json",
			MaxFrameSize: 1 << 20,
		},
		Classifier: ClassifierConfig{
			RequestTimeout:     30 * time.Second,
			RestartOnFailure:   true,
			RestartDelay:       1 * time.Second,
			MaxRestartDelay:    30 * time.Second,
			MaxRestartAttempts: 10,
			StableThreshold:    1 * time.Minute,
			WatchDebounce:      500 * time.Millisecond,
			DrainTimeout:       10 * time.Second,
		},
		Database: DatabaseConfig{
			Enabled:     true,
			Path:        "./data/graylogic-nlp.db",
			WALMode:     true,
			BusyTimeout: 5,
		},
		MQTT: MQTTConfig{
			Broker: MQTTBrokerConfig{
				Host:     "localhost",
				Port:     1883,
				ClientID: "graylogic-nlp",
			},
			QoS: 1,
			Reconnect: MQTTReconnectConfig{
				InitialDelay: 1,
				MaxDelay:     60,
			},
			MaxInflight: 8,
		},
		InfluxDB: InfluxDBConfig{
			BatchSize:     100,
			FlushInterval: 10,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
	}
}

// applyEnvOverrides applies environment variable overrides to the configuration.
// Environment variables follow the pattern: GRAYLOGIC_NLP_SECTION_KEY
func applyEnvOverrides(cfg *Config) {
	// Worker
	if v := os.Getenv("GRAYLOGIC_NLP_WORKER_BINARY"); v != "" {
		cfg.Worker.Binary = v
	}
	if v := os.Getenv("GRAYLOGIC_NLP_WORKER_ARGS"); v != "" {
		cfg.Worker.Args = strings.Fields(v)
	}
	if v := os.Getenv("GRAYLOGIC_NLP_WORKER_WORK_DIR"); v != "" {
		cfg.Worker.WorkDir = v
	}

	// Transport
	if v := os.Getenv("GRAYLOGIC_NLP_TRANSPORT_FRAMING"); v != "" {
		cfg.Transport.Framing = v
	}
	if v := os.Getenv("GRAYLOGIC_NLP_TRANSPORT_ENCODING"); v != "" {
		cfg.Transport.Encoding = v
	}

	// Classifier
	if v := os.Getenv("GRAYLOGIC_NLP_CLASSIFIER_REQUEST_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Classifier.RequestTimeout = d
		}
	}

	// Database
	if v := os.Getenv("GRAYLOGIC_NLP_DATABASE_PATH"); v != "" {
		cfg.Database.Path = v
	}

	// MQTT
	if v := os.Getenv("GRAYLOGIC_NLP_MQTT_ENABLED"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.MQTT.Enabled = b
		}
	}
	if v := os.Getenv("GRAYLOGIC_NLP_MQTT_HOST"); v != "" {
		cfg.MQTT.Broker.Host = v
	}
	if v := os.Getenv("GRAYLOGIC_NLP_MQTT_USERNAME"); v != "" {
		cfg.MQTT.Auth.Username = v
	}
	if v := os.Getenv("GRAYLOGIC_NLP_MQTT_PASSWORD"); v != "" {
		cfg.MQTT.Auth.Password = v
	}

	// InfluxDB
	if v := os.Getenv("GRAYLOGIC_NLP_INFLUXDB_TOKEN"); v != "" {
		cfg.InfluxDB.Token = v
	}

	// Logging
	if v := os.Getenv("GRAYLOGIC_NLP_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
}

// Validate checks the configuration for errors.
//
// Returns:
//   - error: Description of every validation failure, or nil if valid
func (c *Config) Validate() error {
	var errs []string

	// Worker validation
	if c.Worker.Binary == "" {
		errs = append(errs, "worker.binary is required")
	}
	if c.Worker.GracefulTimeout < 0 || c.Worker.StreamDrainTimeout < 0 {
		errs = append(errs, "worker timeouts must not be negative")
	}

	// Transport validation
	switch c.Transport.Framing {
	case "stream", "line", "length":
	default:
		errs = append(errs, fmt.Sprintf("transport.framing %q must be stream, line or length", c.Transport.Framing))
	}
	switch c.Transport.Encoding {
	case "json":
	case "cbor":
		if c.Transport.Framing != "length" {
			errs = append(errs, "transport.encoding cbor requires length framing")
		}
	default:
		errs = append(errs, fmt.Sprintf("transport.encoding %q must be json or cbor", c.Transport.Encoding))
	}
	if c.Transport.MaxFrameSize < 0 {
		errs = append(errs, "transport.max_frame_size must not be negative")
	}

	// Classifier validation
	if c.Classifier.RequestTimeout < 0 {
		errs = append(errs, "classifier.request_timeout must not be negative")
	}
	if c.Classifier.MaxRestartAttempts < 0 {
		errs = append(errs, "classifier.max_restart_attempts must not be negative")
	}
	if c.Classifier.RestartDelay > 0 && c.Classifier.MaxRestartDelay > 0 &&
		c.Classifier.MaxRestartDelay < c.Classifier.RestartDelay {
		errs = append(errs, "classifier.max_restart_delay must be at least restart_delay")
	}

	// Database validation
	if c.Database.Enabled && c.Database.Path == "" {
		errs = append(errs, "database.path is required when database is enabled")
	}

	// MQTT validation
	if c.MQTT.QoS < 0 || c.MQTT.QoS > 2 {
		errs = append(errs, "mqtt.qos must be 0, 1, or 2")
	}
	if c.MQTT.Enabled {
		if c.MQTT.Broker.Host == "" {
			errs = append(errs, "mqtt.broker.host is required when mqtt is enabled")
		}
		if c.MQTT.Broker.Port < 1 || c.MQTT.Broker.Port > 65535 {
			errs = append(errs, "mqtt.broker.port must be between 1 and 65535")
		}
		if c.MQTT.MaxInflight < 1 {
			errs = append(errs, "mqtt.max_inflight must be at least 1")
		}
	}

	// InfluxDB validation
	if c.InfluxDB.Enabled && (c.InfluxDB.URL == "" || c.InfluxDB.Bucket == "") {
		errs = append(errs, "influxdb.url and influxdb.bucket are required when influxdb is enabled")
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration errors: %s", strings.Join(errs, "; "))
	}

	return nil
}
