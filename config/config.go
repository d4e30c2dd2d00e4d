// Package config loads the bridge settings.
//
// The file is JSON5 (.json, .json5) or YAML (.yaml, .yml). Missing keys keep
// their defaults, then GARAGE_* environment variables override the file.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/flynn/json5"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

// Config is the whole bridge configuration
type Config struct {
	Serial   SerialConfig `json:"serial" yaml:"serial"`
	MQTT     MQTTConfig   `json:"mqtt" yaml:"mqtt"`
	Redis    RedisConfig  `json:"redis" yaml:"redis"`
	Bridge   BridgeConfig `json:"bridge" yaml:"bridge"`
	LogLevel string       `json:"log_level" yaml:"log_level"`
}

// SerialConfig selects the controller's device
type SerialConfig struct {
	Device  string `json:"device" yaml:"device"`
	Baud    int    `json:"baud" yaml:"baud"`
	Driver  string `json:"driver" yaml:"driver"` // tarm or bugst
	Timeout string `json:"timeout" yaml:"timeout"`

	timeout time.Duration
}

// MQTTConfig ...
type MQTTConfig struct {
	Broker      string `json:"broker" yaml:"broker"`
	ClientID    string `json:"client_id" yaml:"client_id"`
	Username    string `json:"username" yaml:"username"`
	Password    string `json:"password" yaml:"password"`
	QoS         int    `json:"qos" yaml:"qos"`
	TopicPrefix string `json:"topic_prefix" yaml:"topic_prefix"`
}

// RedisConfig enables the telemetry mirror when Address is set
type RedisConfig struct {
	Address   string `json:"address" yaml:"address"`
	KeyPrefix string `json:"key_prefix" yaml:"key_prefix"`
}

// BridgeConfig holds the loop timings
type BridgeConfig struct {
	PollInterval   string `json:"poll_interval" yaml:"poll_interval"`
	ReconnectDelay string `json:"reconnect_delay" yaml:"reconnect_delay"`
	Idle           string `json:"idle" yaml:"idle"`
	// StatusTopic publishes the link state, retained, on <prefix>/link
	StatusTopic bool `json:"status_topic" yaml:"status_topic"`

	pollInterval   time.Duration
	reconnectDelay time.Duration
	idle           time.Duration
}

// Drivers accepted in serial.driver
var Drivers = []string{"tarm", "bugst"}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Serial: SerialConfig{
			Device:  "/dev/ttyACM0",
			Baud:    115200,
			Driver:  "tarm",
			Timeout: "3s",
		},
		MQTT: MQTTConfig{
			Broker:      "tcp://192.168.1.20:1883",
			TopicPrefix: "workshop/door",
		},
		Redis: RedisConfig{
			KeyPrefix: "garage:",
		},
		Bridge: BridgeConfig{
			PollInterval:   "15s",
			ReconnectDelay: "5s",
			Idle:           "10ms",
		},
		LogLevel: "info",
	}
}

// Load reads path over the defaults, applies the environment and validates
// the result. An empty path skips the file.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := unmarshal(path, data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config %v: %w", path, err)
		}
	}
	cfg.ApplyEnv(os.LookupEnv)
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func unmarshal(path string, data []byte, cfg *Config) error {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return yaml.Unmarshal(data, cfg)
	case ".json", ".json5", "":
		return json5.Unmarshal(data, cfg)
	}
	return fmt.Errorf("unsupported config format %q", filepath.Ext(path))
}

// ApplyEnv overrides settings from GARAGE_* variables found by lookup.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) {
	str := map[string]*string{
		"GARAGE_SERIAL_DEVICE":  &c.Serial.Device,
		"GARAGE_SERIAL_DRIVER":  &c.Serial.Driver,
		"GARAGE_MQTT_BROKER":    &c.MQTT.Broker,
		"GARAGE_MQTT_CLIENT_ID": &c.MQTT.ClientID,
		"GARAGE_MQTT_USERNAME":  &c.MQTT.Username,
		"GARAGE_MQTT_PASSWORD":  &c.MQTT.Password,
		"GARAGE_TOPIC_PREFIX":   &c.MQTT.TopicPrefix,
		"GARAGE_REDIS_ADDRESS":  &c.Redis.Address,
		"GARAGE_POLL_INTERVAL":  &c.Bridge.PollInterval,
		"GARAGE_LOG_LEVEL":      &c.LogLevel,
	}
	for name, field := range str {
		if v, ok := lookup(name); ok {
			*field = v
		}
	}
	if v, ok := lookup("GARAGE_SERIAL_BAUD"); ok {
		if baud, err := strconv.Atoi(v); err == nil {
			c.Serial.Baud = baud
		} else {
			// left for Validate to reject
			c.Serial.Baud = -1
		}
	}
}

// Validate checks every field and parses the durations. A missing client ID
// is generated.
func (c *Config) Validate() error {
	var errs []error
	if c.Serial.Device == "" {
		errs = append(errs, errors.New("serial.device is empty"))
	}
	if c.Serial.Baud <= 0 {
		errs = append(errs, fmt.Errorf("serial.baud %d is not positive", c.Serial.Baud))
	}
	if !validDriver(c.Serial.Driver) {
		errs = append(errs, fmt.Errorf("serial.driver %q is not one of %v", c.Serial.Driver, Drivers))
	}
	if c.MQTT.Broker == "" {
		errs = append(errs, errors.New("mqtt.broker is empty"))
	}
	if c.MQTT.QoS < 0 || c.MQTT.QoS > 2 {
		errs = append(errs, fmt.Errorf("mqtt.qos %d is out of range", c.MQTT.QoS))
	}
	c.MQTT.TopicPrefix = strings.Trim(c.MQTT.TopicPrefix, "/")
	if c.MQTT.TopicPrefix == "" || strings.ContainsAny(c.MQTT.TopicPrefix, "#+") {
		errs = append(errs, fmt.Errorf("mqtt.topic_prefix %q is not a valid topic", c.MQTT.TopicPrefix))
	}
	if _, err := logrus.ParseLevel(c.LogLevel); err != nil {
		errs = append(errs, fmt.Errorf("log_level: %w", err))
	}
	durations := []struct {
		name  string
		value string
		to    *time.Duration
	}{
		{"serial.timeout", c.Serial.Timeout, &c.Serial.timeout},
		{"bridge.poll_interval", c.Bridge.PollInterval, &c.Bridge.pollInterval},
		{"bridge.reconnect_delay", c.Bridge.ReconnectDelay, &c.Bridge.reconnectDelay},
		{"bridge.idle", c.Bridge.Idle, &c.Bridge.idle},
	}
	for _, d := range durations {
		v, err := time.ParseDuration(d.value)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", d.name, err))
			continue
		}
		if v <= 0 {
			errs = append(errs, fmt.Errorf("%s %v is not positive", d.name, v))
			continue
		}
		*d.to = v
	}
	if c.MQTT.ClientID == "" {
		c.MQTT.ClientID = "garage-door-" + uuid.NewString()
	}
	return errors.Join(errs...)
}

func validDriver(d string) bool {
	for _, v := range Drivers {
		if d == v {
			return true
		}
	}
	return false
}

// ReadTimeout is serial.timeout, valid after Validate.
func (s SerialConfig) ReadTimeout() time.Duration { return s.timeout }

// PollEvery is bridge.poll_interval, valid after Validate.
func (b BridgeConfig) PollEvery() time.Duration { return b.pollInterval }

// Backoff is bridge.reconnect_delay, valid after Validate.
func (b BridgeConfig) Backoff() time.Duration { return b.reconnectDelay }

// IdleSleep is bridge.idle, valid after Validate.
func (b BridgeConfig) IdleSleep() time.Duration { return b.idle }

// SetupLogger returns a text logger on stdout at level. An unknown level
// falls back to info.
func SetupLogger(level string) *logrus.Logger {
	log := logrus.New()
	log.Formatter = &logrus.TextFormatter{FullTimestamp: true}
	log.Out = os.Stdout
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		lvl = logrus.InfoLevel
		log.Warnf("unknown log level %q, using info", level)
	}
	log.Level = lvl
	return log
}
