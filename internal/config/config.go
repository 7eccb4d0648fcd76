package config

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Mode       string        `mapstructure:"mode"`
	Port       int           `mapstructure:"port"`
	StaticPath string        `mapstructure:"static_path"`
	ReadLimit  int64         `mapstructure:"read_limit"`
	PingPeriod time.Duration `mapstructure:"ping_period"`
	Secret     string        `mapstructure:"secret"`

	// Signaling policy knobs.
	CandidateBuffer int           `mapstructure:"candidate_buffer"`
	CallTimeout     time.Duration `mapstructure:"call_timeout"`
	ReconnectGrace  time.Duration `mapstructure:"reconnect_grace"`
	OfferLimit      int           `mapstructure:"offer_limit"`
	OfferInterval   time.Duration `mapstructure:"offer_interval"`
	StunURL         string        `mapstructure:"stun_url"`
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

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		fmt.Printf("config file not found (%s), using defaults\n", fileName)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("mode", "release")
	v.SetDefault("port", 8080)
	v.SetDefault("static_path", "./web")
	v.SetDefault("read_limit", 32768)
	v.SetDefault("ping_period", "54s")
	v.SetDefault("candidate_buffer", 16)
	v.SetDefault("call_timeout", "30s")
	v.SetDefault("reconnect_grace", "5s")
	v.SetDefault("offer_limit", 5)
	v.SetDefault("offer_interval", "10s")
	v.SetDefault("stun_url", "stun:stun.l.google.com:19302")
}
