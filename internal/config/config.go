package config

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/viper"
)

type EngineConfig struct {
	// Mode selects the media engine gateway: "inprocess" runs the
	// pion-backed engine in this process, "relay" talks to a remote
	// engine over HTTP.
	Mode     string        `mapstructure:"mode"`
	URL      string        `mapstructure:"url"`
	Timeout  time.Duration `mapstructure:"timeout"`
	StunURLs []string      `mapstructure:"stun_urls"`
}

type Config struct {
	Mode       string        `mapstructure:"mode"`
	Port       int           `mapstructure:"port"`
	StaticPath string        `mapstructure:"static_path"`
	ReadLimit  int64         `mapstructure:"read_limit"`
	PingPeriod time.Duration `mapstructure:"ping_period"`
	Secret     string        `mapstructure:"secret"`
	Engine     EngineConfig  `mapstructure:"engine"`
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")

	env := os.Getenv("CONFIG_ENV")
	if env == "" {
		env = "dev"
	}
	fileName := fmt.Sprintf("config/config.%s.yaml", env)

	v.SetConfigFile(fileName)
	v.AddConfigPath(".")
	v.AddConfigPath("./config")

	v.SetDefault("mode", "release")
	v.SetDefault("port", 8080)
	v.SetDefault("static_path", "./web")
	v.SetDefault("read_limit", 32768)
	v.SetDefault("ping_period", "54s")
	v.SetDefault("engine.mode", "inprocess")
	v.SetDefault("engine.url", "http://127.0.0.1:3000")
	v.SetDefault("engine.timeout", "10s")

	if err := v.ReadInConfig(); err != nil {
		fmt.Printf("config file not found (%s), using defaults\n", fileName)
	} else {
		fmt.Printf("loaded config: %s\n", fileName)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return &cfg, nil
}
