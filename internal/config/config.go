package config

import (
	"os"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/viper"
)

// Defaults match the station's historical config file layout.
const (
	DefaultFirmwarePath = "static/firmware/firmware.bin"
	DefaultBaudRate     = 921600
	DefaultChip         = "esp32"
	DefaultFlashOffset  = "0x1000"
	DefaultMaxWorkers   = 10
	DefaultFlashTimeout = 300 * time.Second
	DefaultPollInterval = time.Second
	DefaultEsptool      = "esptool.py"
	DefaultLogDir       = "static/logs"
	DefaultDBPath       = "static/flash_history.db"
	DefaultMQTTBroker   = "tcp://localhost:1883"
	DefaultMQTTTopic    = "zflash/results"
)

// MQTT configures the optional result publisher.
type MQTT struct {
	Enabled bool   `mapstructure:"enabled"`
	Broker  string `mapstructure:"broker"`
	Topic   string `mapstructure:"topic"`
}

// Config is the station configuration, loaded from YAML with FLASHD_*
// environment overrides.
type Config struct {
	FirmwarePath   string        `mapstructure:"firmware_path"`
	BaudRate       int           `mapstructure:"baud_rate"`
	Chip           string        `mapstructure:"chip"`
	FlashOffset    string        `mapstructure:"flash_offset"`
	Verify         bool          `mapstructure:"verify"`
	MaxWorkers     int           `mapstructure:"max_workers"`
	FlashTimeout   time.Duration `mapstructure:"flash_timeout"`
	PollInterval   time.Duration `mapstructure:"poll_interval"`
	Esptool        string        `mapstructure:"esptool"`
	LogDir         string        `mapstructure:"log_dir"`
	DBPath         string        `mapstructure:"db_path"`
	DevicePatterns []string      `mapstructure:"device_patterns"`
	ForcePoll      bool          `mapstructure:"force_poll"`
	MQTT           MQTT          `mapstructure:"mqtt"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("firmware_path", DefaultFirmwarePath)
	v.SetDefault("baud_rate", DefaultBaudRate)
	v.SetDefault("chip", DefaultChip)
	v.SetDefault("flash_offset", DefaultFlashOffset)
	v.SetDefault("verify", true)
	v.SetDefault("max_workers", DefaultMaxWorkers)
	v.SetDefault("flash_timeout", DefaultFlashTimeout)
	v.SetDefault("poll_interval", DefaultPollInterval)
	v.SetDefault("esptool", DefaultEsptool)
	v.SetDefault("log_dir", DefaultLogDir)
	v.SetDefault("db_path", DefaultDBPath)
	v.SetDefault("device_patterns", []string{})
	v.SetDefault("force_poll", false)
	v.SetDefault("mqtt.enabled", false)
	v.SetDefault("mqtt.broker", DefaultMQTTBroker)
	v.SetDefault("mqtt.topic", DefaultMQTTTopic)
}

// Load reads the YAML config at path and applies environment overrides.
// An empty path falls back to ./config.yaml; a missing default file is not
// an error, the defaults apply. A missing explicit path is an error.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix("FLASHD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	explicit := path != ""
	if !explicit {
		path = "config.yaml"
	}
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	if err := v.ReadInConfig(); err != nil {
		if _, statErr := os.Stat(path); explicit || statErr == nil {
			return nil, errors.Wrapf(err, "config: read %s failed", path)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, errors.Wrap(err, "config: unmarshal failed")
	}
	cfg.normalize()
	return cfg, nil
}

func (c *Config) normalize() {
	if c.BaudRate <= 0 {
		c.BaudRate = DefaultBaudRate
	}
	if c.Chip == "" {
		c.Chip = DefaultChip
	}
	if c.FlashOffset == "" {
		c.FlashOffset = DefaultFlashOffset
	}
	if c.MaxWorkers <= 0 {
		c.MaxWorkers = DefaultMaxWorkers
	}
	if c.FlashTimeout <= 0 {
		c.FlashTimeout = DefaultFlashTimeout
	}
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}
	if c.Esptool == "" {
		c.Esptool = DefaultEsptool
	}
	if c.LogDir == "" {
		c.LogDir = DefaultLogDir
	}
	if c.DBPath == "" {
		c.DBPath = DefaultDBPath
	}
	if c.MQTT.Broker == "" {
		c.MQTT.Broker = DefaultMQTTBroker
	}
	if c.MQTT.Topic == "" {
		c.MQTT.Topic = DefaultMQTTTopic
	}
}
