package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Transport kinds
const (
	TransportMQTT   = "mqtt"
	TransportSerial = "serial"
)

// TopicsConfig names the broker topics, seen from the host.
type TopicsConfig struct {
	Send    string `mapstructure:"send"`
	Receive string `mapstructure:"receive"`
}

// TLSConfig configures the broker connection security.
type TLSConfig struct {
	Enable             bool   `mapstructure:"enable"`
	InsecureSkipVerify bool   `mapstructure:"insecureSkipVerify"`
	CAFile             string `mapstructure:"caFile"`
}

// MQTTConfig configures the broker binding.
type MQTTConfig struct {
	Broker         string        `mapstructure:"broker"`
	ClientID       string        `mapstructure:"clientID"`
	Username       string        `mapstructure:"username"`
	Password       string        `mapstructure:"password"`
	QoS            byte          `mapstructure:"qos"`
	ConnectTimeout time.Duration `mapstructure:"connectTimeout"`
	Topics         TopicsConfig  `mapstructure:"topics"`
	TLS            TLSConfig     `mapstructure:"tls"`
}

// SerialConfig configures the UART bridge binding.
type SerialConfig struct {
	Port string `mapstructure:"port"`
	Baud int    `mapstructure:"baud"`
}

// RetriesConfig holds the attempt limits per exchange type.
type RetriesConfig struct {
	Handshake int `mapstructure:"handshake"`
	Command   int `mapstructure:"command"`
	Transfer  int `mapstructure:"transfer"`
}

// ProtocolConfig holds protocol timing.
type ProtocolConfig struct {
	ResponseTimeout time.Duration `mapstructure:"responseTimeout"`
	PacketDelay     time.Duration `mapstructure:"packetDelay"`
	Retries         RetriesConfig `mapstructure:"retries"`
}

// LumberjackConfig configures the rolling log file.
type LumberjackConfig struct {
	Filename   string `mapstructure:"filename"`
	MaxSizeMB  int    `mapstructure:"maxSize"`
	MaxBackups int    `mapstructure:"maxBackups"`
	MaxAgeDays int    `mapstructure:"maxAge"`
	Compress   bool   `mapstructure:"compress"`
}

// LoggingConfig configures level and outputs.
type LoggingConfig struct {
	Level  string           `mapstructure:"level"`
	Format string           `mapstructure:"format"`
	File   LumberjackConfig `mapstructure:"file"`
}

// Config is the top-level configuration.
type Config struct {
	Transport string         `mapstructure:"transport"`
	MQTT      MQTTConfig     `mapstructure:"mqtt"`
	Serial    SerialConfig   `mapstructure:"serial"`
	Protocol  ProtocolConfig `mapstructure:"protocol"`
	Logging   LoggingConfig  `mapstructure:"logging"`
}

// Load reads configuration from a YAML/TOML/JSON file and the environment.
// Without path, ota-flasher.yaml is looked up in . and ./configs; a missing
// file falls back to defaults. Environment variables use the OTA_FLASHER_
// prefix with dots replaced by underscores.
func Load(path string) (*Config, error) {
	v := viper.New()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
		v.SetConfigName("ota-flasher")
		v.SetConfigType("yaml")
	}

	setDefaults(v)

	v.SetEnvPrefix("OTA_FLASHER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks values the engine cannot work with.
func (c *Config) Validate() error {
	switch c.Transport {
	case TransportMQTT:
		if c.MQTT.Broker == "" {
			return errors.New("config: mqtt.broker is required")
		}
		if c.MQTT.Topics.Send == "" || c.MQTT.Topics.Receive == "" {
			return errors.New("config: mqtt.topics.send and mqtt.topics.receive are required")
		}
		if c.MQTT.QoS > 2 {
			return fmt.Errorf("config: mqtt.qos %d out of range", c.MQTT.QoS)
		}
	case TransportSerial:
		if c.Serial.Baud <= 0 {
			return fmt.Errorf("config: serial.baud %d out of range", c.Serial.Baud)
		}
	default:
		return fmt.Errorf("config: unknown transport %q", c.Transport)
	}

	if c.Protocol.ResponseTimeout <= 0 {
		return errors.New("config: protocol.responseTimeout must be positive")
	}
	if c.Protocol.PacketDelay < 0 {
		return errors.New("config: protocol.packetDelay must not be negative")
	}
	r := c.Protocol.Retries
	if r.Handshake < 1 || r.Command < 1 || r.Transfer < 1 {
		return errors.New("config: protocol.retries must be at least 1")
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("transport", TransportMQTT)

	v.SetDefault("mqtt.broker", "tls://broker.hivemq.com:8883")
	v.SetDefault("mqtt.clientID", "")
	v.SetDefault("mqtt.username", "")
	v.SetDefault("mqtt.password", "")
	v.SetDefault("mqtt.qos", 1)
	v.SetDefault("mqtt.connectTimeout", "10s")
	v.SetDefault("mqtt.topics.send", "bootloader-receive")
	v.SetDefault("mqtt.topics.receive", "bootloader-send")
	v.SetDefault("mqtt.tls.enable", true)
	v.SetDefault("mqtt.tls.insecureSkipVerify", true)
	v.SetDefault("mqtt.tls.caFile", "")

	v.SetDefault("serial.port", "")
	v.SetDefault("serial.baud", 115200)

	v.SetDefault("protocol.responseTimeout", "5s")
	v.SetDefault("protocol.packetDelay", "500ms")
	v.SetDefault("protocol.retries.handshake", 1)
	v.SetDefault("protocol.retries.command", 5)
	v.SetDefault("protocol.retries.transfer", 3)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "console")
	v.SetDefault("logging.file.filename", "")
	v.SetDefault("logging.file.maxSize", 10)
	v.SetDefault("logging.file.maxBackups", 3)
	v.SetDefault("logging.file.maxAge", 7)
	v.SetDefault("logging.file.compress", false)
}
