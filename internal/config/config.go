package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all Vigil configuration. Values come from an optional YAML
// file overridden by VIGIL_* environment variables.
type Config struct {
	// Listener
	ListenAddr string `yaml:"listen_addr"`

	// Transport security. TLS is enabled when both cert and key exist; a
	// readable CA cert additionally turns on required client certificates.
	TLSCert string `yaml:"tls_cert"`
	TLSKey  string `yaml:"tls_key"`
	TLSCA   string `yaml:"tls_ca"`

	// Storage
	DataDir string `yaml:"data_dir"`

	// Persistence throttling
	SaveInterval time.Duration `yaml:"save_interval"`

	// Stream timings
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	InactivityTimeout time.Duration `yaml:"inactivity_timeout"`
	IOCCheckInterval  time.Duration `yaml:"ioc_check_interval"`

	// Liveness
	PingTimeout   time.Duration `yaml:"ping_timeout"`
	CheckInterval time.Duration `yaml:"check_interval"`

	// SendCommand reachability window for non-IOC commands.
	CommandWindow time.Duration `yaml:"command_window"`

	// Maintenance. ResultRetention of 0 keeps command results forever.
	FlushSchedule   string        `yaml:"flush_schedule"`
	ResultRetention time.Duration `yaml:"result_retention"`

	// Notifications
	WebhookURL string `yaml:"webhook_url"`
	MQTTBroker string `yaml:"mqtt_broker"`
	MQTTTopic  string `yaml:"mqtt_topic"`

	// Logging
	LogJSON  bool   `yaml:"log_json"`
	LogLevel string `yaml:"log_level"`

	// Metrics textfile export for node_exporter; empty disables it.
	MetricsTextfile string `yaml:"metrics_textfile"`
}

// Load reads the optional config file named by VIGIL_CONFIG, then applies
// environment variables on top of the file values (env wins).
func Load() (*Config, error) {
	cfg := &Config{
		ListenAddr:        ":50051",
		DataDir:           "/data",
		SaveInterval:      60 * time.Second,
		HeartbeatInterval: 60 * time.Second,
		InactivityTimeout: 180 * time.Second,
		IOCCheckInterval:  15 * time.Second,
		PingTimeout:       600 * time.Second,
		CheckInterval:     60 * time.Second,
		CommandWindow:     300 * time.Second,
		FlushSchedule:     "* * * * *",
		MQTTTopic:         "vigil/events",
		LogJSON:           true,
		LogLevel:          "info",
	}

	if path := os.Getenv("VIGIL_CONFIG"); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config file %s: %w", path, err)
		}
	}

	cfg.ListenAddr = envStr("VIGIL_LISTEN_ADDR", cfg.ListenAddr)
	cfg.TLSCert = envStr("VIGIL_TLS_CERT", cfg.TLSCert)
	cfg.TLSKey = envStr("VIGIL_TLS_KEY", cfg.TLSKey)
	cfg.TLSCA = envStr("VIGIL_TLS_CA", cfg.TLSCA)
	cfg.DataDir = envStr("VIGIL_DATA_DIR", cfg.DataDir)
	cfg.SaveInterval = envDuration("VIGIL_SAVE_INTERVAL", cfg.SaveInterval)
	cfg.HeartbeatInterval = envDuration("VIGIL_HEARTBEAT_INTERVAL", cfg.HeartbeatInterval)
	cfg.InactivityTimeout = envDuration("VIGIL_INACTIVITY_TIMEOUT", cfg.InactivityTimeout)
	cfg.IOCCheckInterval = envDuration("VIGIL_IOC_CHECK_INTERVAL", cfg.IOCCheckInterval)
	cfg.PingTimeout = envDuration("VIGIL_PING_TIMEOUT", cfg.PingTimeout)
	cfg.CheckInterval = envDuration("VIGIL_CHECK_INTERVAL", cfg.CheckInterval)
	cfg.CommandWindow = envDuration("VIGIL_COMMAND_WINDOW", cfg.CommandWindow)
	cfg.FlushSchedule = envStr("VIGIL_FLUSH_SCHEDULE", cfg.FlushSchedule)
	cfg.ResultRetention = envDuration("VIGIL_RESULT_RETENTION", cfg.ResultRetention)
	cfg.WebhookURL = envStr("VIGIL_WEBHOOK_URL", cfg.WebhookURL)
	cfg.MQTTBroker = envStr("VIGIL_MQTT_BROKER", cfg.MQTTBroker)
	cfg.MQTTTopic = envStr("VIGIL_MQTT_TOPIC", cfg.MQTTTopic)
	cfg.LogJSON = envBool("VIGIL_LOG_JSON", cfg.LogJSON)
	cfg.LogLevel = envStr("VIGIL_LOG_LEVEL", cfg.LogLevel)
	cfg.MetricsTextfile = envStr("VIGIL_METRICS_TEXTFILE", cfg.MetricsTextfile)

	return cfg, nil
}

// Validate checks configuration for invalid values.
func (c *Config) Validate() error {
	var errs []error
	if c.ListenAddr == "" {
		errs = append(errs, errors.New("VIGIL_LISTEN_ADDR must not be empty"))
	}
	if c.DataDir == "" {
		errs = append(errs, errors.New("VIGIL_DATA_DIR must not be empty"))
	}
	if c.SaveInterval <= 0 {
		errs = append(errs, fmt.Errorf("VIGIL_SAVE_INTERVAL must be > 0, got %s", c.SaveInterval))
	}
	if c.HeartbeatInterval <= 0 {
		errs = append(errs, fmt.Errorf("VIGIL_HEARTBEAT_INTERVAL must be > 0, got %s", c.HeartbeatInterval))
	}
	if c.InactivityTimeout <= c.HeartbeatInterval {
		errs = append(errs, fmt.Errorf("VIGIL_INACTIVITY_TIMEOUT (%s) must exceed the heartbeat interval (%s)",
			c.InactivityTimeout, c.HeartbeatInterval))
	}
	if c.PingTimeout <= 0 {
		errs = append(errs, fmt.Errorf("VIGIL_PING_TIMEOUT must be > 0, got %s", c.PingTimeout))
	}
	if c.CheckInterval <= 0 {
		errs = append(errs, fmt.Errorf("VIGIL_CHECK_INTERVAL must be > 0, got %s", c.CheckInterval))
	}
	if c.ResultRetention < 0 {
		errs = append(errs, fmt.Errorf("VIGIL_RESULT_RETENTION must be >= 0, got %s", c.ResultRetention))
	}
	if (c.TLSCert == "") != (c.TLSKey == "") {
		errs = append(errs, errors.New("VIGIL_TLS_CERT and VIGIL_TLS_KEY must be set together"))
	}
	return errors.Join(errs...)
}

func envStr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envBool(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func envDuration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def
	}
	return d
}
