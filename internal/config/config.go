package config

import (
	"fmt"
	"os"

	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
)

type Config struct {
	Mode       string `mapstructure:"mode"`
	Port       int    `mapstructure:"port" validate:"gte=1,lte=65535"`
	StaticPath string `mapstructure:"static_path"`
	Secret     string `mapstructure:"secret"`
	LogLevel   string `mapstructure:"log_level"`

	// ReadLimit is the hard frame cap; exceeding it closes the connection
	// with the size-violation code. It must leave headroom above
	// MaxMessageBytes, which is enforced per envelope without closing.
	ReadLimit         int64 `mapstructure:"read_limit" validate:"gte=1024"`
	MaxMessageBytes   int64 `mapstructure:"max_message_bytes" validate:"gte=1"`
	MaxMessages       int   `mapstructure:"max_messages" validate:"gte=10,lte=1000"`
	StorageMaxBytes   int64 `mapstructure:"storage_max_bytes" validate:"gte=1048576"`
	StorageMaxAgeDays int   `mapstructure:"storage_max_age_days" validate:"gte=1"`
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
	v.SetDefault("log_level", "info")
	v.SetDefault("read_limit", 32*1024*1024)
	v.SetDefault("max_message_bytes", 16*1024*1024)
	v.SetDefault("max_messages", 100)
	v.SetDefault("storage_max_bytes", 5*1024*1024)
	v.SetDefault("storage_max_age_days", 7)

	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		log.Warn().Str("module", "config").Str("file", fileName).Msg("config file not found, using defaults")
	} else {
		log.Info().Str("module", "config").Str("file", fileName).Msg("config loaded")
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := validator.New().Struct(&cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}
