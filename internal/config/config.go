package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server      ServerConfig      `mapstructure:"server"`
	Acquisition AcquisitionConfig `mapstructure:"acquisition"`

	// Instrument holds the raw detector parameters. They stay untyped here;
	// acquisition.ParseSettings owns their validation.
	Instrument map[string]any `mapstructure:"instrument"`
}

type ServerConfig struct {
	HTTPPort        int           `mapstructure:"http_port"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

type AcquisitionConfig struct {
	SampleInterval time.Duration `mapstructure:"sample_interval"`
}

func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")

	v.SetDefault("server.http_port", 8080)
	v.SetDefault("server.shutdown_timeout", "30s")
	v.SetDefault("acquisition.sample_interval", "1s")

	v.AutomaticEnv()
	v.SetEnvPrefix("URSA")

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return &config, nil
}
