package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	configPath := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(configPath, []byte(content), 0600); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}
	return configPath
}

func TestLoad_ValidConfig(t *testing.T) {
	configPath := writeConfig(t, `
worker:
  binary: "/usr/bin/python3"
  args: ["-u", "worker.py", "--model", "model.bin"]
  graceful_timeout: 3s
transport:
  framing: length
  encoding: cbor
classifier:
  request_timeout: 2s
  watch_paths: ["model.bin"]
database:
  path: "/tmp/test.db"
mqtt:
  enabled: true
  broker:
    host: "broker.local"
    port: 1883
    client_id: "test-client"
  qos: 1
`)

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Worker.Binary != "/usr/bin/python3" {
		t.Errorf("Worker.Binary = %q, want %q", cfg.Worker.Binary, "/usr/bin/python3")
	}
	if len(cfg.Worker.Args) != 4 || cfg.Worker.Args[1] != "worker.py" {
		t.Errorf("Worker.Args = %v, want 4 args with worker.py", cfg.Worker.Args)
	}
	if cfg.Worker.GracefulTimeout != 3*time.Second {
		t.Errorf("Worker.GracefulTimeout = %v, want 3s", cfg.Worker.GracefulTimeout)
	}
	if cfg.Transport.Framing != "length" || cfg.Transport.Encoding != "cbor" {
		t.Errorf("Transport = %+v, want length/cbor", cfg.Transport)
	}
	if cfg.Classifier.RequestTimeout != 2*time.Second {
		t.Errorf("Classifier.RequestTimeout = %v, want 2s", cfg.Classifier.RequestTimeout)
	}
	if cfg.MQTT.Broker.Host != "broker.local" {
		t.Errorf("MQTT.Broker.Host = %q, want %q", cfg.MQTT.Broker.Host, "broker.local")
	}

	// Unset values keep their defaults.
	if cfg.Classifier.DrainTimeout != 10*time.Second {
		t.Errorf("Classifier.DrainTimeout = %v, want default 10s", cfg.Classifier.DrainTimeout)
	}
	if cfg.MQTT.MaxInflight != 8 {
		t.Errorf("MQTT.MaxInflight = %d, want default 8", cfg.MQTT.MaxInflight)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load("/nonexistent/path/config.yaml")
	if err == nil {
		t.Error("Load() expected error for missing file, got nil")
	}
}

func TestLoad_InvalidYAML(t *testing.T) {
	configPath := writeConfig(t, "invalid: [yaml: content")

	_, err := Load(configPath)
	if err == nil {
		t.Error("Load() expected error for invalid YAML, got nil")
	}
}

func TestLoad_ValidationFailure(t *testing.T) {
	configPath := writeConfig(t, `
worker:
  binary: ""
transport:
  framing: line
  encoding: cbor
`)

	_, err := Load(configPath)
	if err == nil {
		t.Fatal("Load() expected validation error, got nil")
	}
	for _, want := range []string{"worker.binary", "cbor requires length framing"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("Load() error = %v, want it to mention %q", err, want)
		}
	}
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(*Config)
		wantErr string
	}{
		{
			name:   "defaults are valid",
			modify: func(*Config) {},
		},
		{
			name:    "unknown framing",
			modify:  func(c *Config) { c.Transport.Framing = "xml" },
			wantErr: "transport.framing",
		},
		{
			name:    "unknown encoding",
			modify:  func(c *Config) { c.Transport.Encoding = "msgpack" },
			wantErr: "transport.encoding",
		},
		{
			name:   "line framing",
			modify: func(c *Config) { c.Transport.Framing = "line" },
		},
		{
			name:    "cbor with stream framing",
			modify:  func(c *Config) { c.Transport.Encoding = "cbor" },
			wantErr: "cbor requires length framing",
		},
		{
			name: "cbor with length framing",
			modify: func(c *Config) {
				c.Transport.Framing = "length"
				c.Transport.Encoding = "cbor"
			},
		},
		{
			name:    "negative restart attempts",
			modify:  func(c *Config) { c.Classifier.MaxRestartAttempts = -1 },
			wantErr: "max_restart_attempts",
		},
		{
			name: "max restart delay below base",
			modify: func(c *Config) {
				c.Classifier.RestartDelay = 5 * time.Second
				c.Classifier.MaxRestartDelay = time.Second
			},
			wantErr: "max_restart_delay",
		},
		{
			name: "database path only required when enabled",
			modify: func(c *Config) {
				c.Database.Enabled = false
				c.Database.Path = ""
			},
		},
		{
			name:    "database enabled without path",
			modify:  func(c *Config) { c.Database.Path = "" },
			wantErr: "database.path",
		},
		{
			name:    "invalid qos",
			modify:  func(c *Config) { c.MQTT.QoS = 3 },
			wantErr: "mqtt.qos",
		},
		{
			name: "mqtt enabled with bad port",
			modify: func(c *Config) {
				c.MQTT.Enabled = true
				c.MQTT.Broker.Port = 0
			},
			wantErr: "mqtt.broker.port",
		},
		{
			name:    "influxdb enabled without url",
			modify:  func(c *Config) { c.InfluxDB.Enabled = true },
			wantErr: "influxdb.url",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := defaultConfig()
			tt.modify(cfg)

			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Errorf("Validate() error = %v, want nil", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Validate() error = %v, want it to mention %q", err, tt.wantErr)
			}
		})
	}
}

func TestApplyEnvOverrides(t *testing.T) {
	t.Setenv("GRAYLOGIC_NLP_WORKER_BINARY", "/opt/venv/bin/python")
	t.Setenv("GRAYLOGIC_NLP_WORKER_ARGS", "-u  classify.py --quiet")
	t.Setenv("GRAYLOGIC_NLP_TRANSPORT_FRAMING", "length")
	t.Setenv("GRAYLOGIC_NLP_CLASSIFIER_REQUEST_TIMEOUT", "750ms")
	t.Setenv("GRAYLOGIC_NLP_DATABASE_PATH", "/var/lib/nlp.db")
	t.Setenv("GRAYLOGIC_NLP_MQTT_ENABLED", "true")
	t.Setenv("GRAYLOGIC_NLP_MQTT_HOST", "mqtt.example.com")
	t.Setenv("GRAYLOGIC_NLP_MQTT_PASSWORD", "secret")
	t.Setenv("GRAYLOGIC_NLP_INFLUXDB_TOKEN", "influx-token")
	t.Setenv("GRAYLOGIC_NLP_LOG_LEVEL", "debug")

	cfg := defaultConfig()
	applyEnvOverrides(cfg)

	if cfg.Worker.Binary != "/opt/venv/bin/python" {
		t.Errorf("Worker.Binary = %q, want override", cfg.Worker.Binary)
	}
	if got := strings.Join(cfg.Worker.Args, ","); got != "-u,classify.py,--quiet" {
		t.Errorf("Worker.Args = %q, want split on whitespace", got)
	}
	if cfg.Transport.Framing != "length" {
		t.Errorf("Transport.Framing = %q, want length", cfg.Transport.Framing)
	}
	if cfg.Classifier.RequestTimeout != 750*time.Millisecond {
		t.Errorf("Classifier.RequestTimeout = %v, want 750ms", cfg.Classifier.RequestTimeout)
	}
	if cfg.Database.Path != "/var/lib/nlp.db" {
		t.Errorf("Database.Path = %q, want override", cfg.Database.Path)
	}
	if !cfg.MQTT.Enabled || cfg.MQTT.Broker.Host != "mqtt.example.com" || cfg.MQTT.Auth.Password != "secret" {
		t.Errorf("MQTT = %+v, want env overrides", cfg.MQTT)
	}
	if cfg.InfluxDB.Token != "influx-token" {
		t.Errorf("InfluxDB.Token = %q, want override", cfg.InfluxDB.Token)
	}
	if cfg.Logging.Level != "debug" {
		t.Errorf("Logging.Level = %q, want debug", cfg.Logging.Level)
	}
}

func TestApplyEnvOverrides_InvalidValuesIgnored(t *testing.T) {
	t.Setenv("GRAYLOGIC_NLP_CLASSIFIER_REQUEST_TIMEOUT", "soon")
	t.Setenv("GRAYLOGIC_NLP_MQTT_ENABLED", "maybe")

	cfg := defaultConfig()
	applyEnvOverrides(cfg)

	if cfg.Classifier.RequestTimeout != 30*time.Second {
		t.Errorf("Classifier.RequestTimeout = %v, want default", cfg.Classifier.RequestTimeout)
	}
	if cfg.MQTT.Enabled {
		t.Error("MQTT.Enabled = true, want default false")
	}
}

func TestDefault(t *testing.T) {
	cfg, err := Default()
	if err != nil {
		t.Fatalf("Default() error = %v", err)
	}
	if cfg.Worker.Binary != "python3" {
		t.Errorf("Worker.Binary = %q, want python3", cfg.Worker.Binary)
	}
	if cfg.Transport.Framing != "stream" || cfg.Transport.Encoding != "json" {
		t.Errorf("Transport = %+v, want stream/json", cfg.Transport)
	}
	if cfg.MQTT.Enabled || cfg.InfluxDB.Enabled {
		t.Error("MQTT and InfluxDB should be disabled by default")
	}
	if !cfg.Classifier.RestartOnFailure {
		t.Error("Classifier.RestartOnFailure should default to true")
	}
}
