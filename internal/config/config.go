package config

import (
	"strings"

	"github.com/spf13/viper"
)

// Config holds all configuration for the application.
type Config struct {
	Feed     Feed     `mapstructure:"feed"`
	Trading  Trading  `mapstructure:"trading"`
	Logger   Logger   `mapstructure:"logger"`
	Server   Server   `mapstructure:"server"`
	Database Database `mapstructure:"database"`
}

// Feed holds the configuration for the market-data poller.
type Feed struct {
	BaseURL        string   `mapstructure:"base_url"`
	Symbols        []string `mapstructure:"symbols"`
	PollInterval   int      `mapstructure:"poll_interval"`
	RateLimit      float64  `mapstructure:"rate_limit"`
	RateLimitBurst int      `mapstructure:"rate_limit_burst"`
}

// Server holds the configuration for the query API server.
type Server struct {
	Port int `mapstructure:"port"`
}

// Database holds the configuration for the database.
type Database struct {
	DSN string `mapstructure:"dsn"`
}

// Trading holds the configuration for order execution.
type Trading struct {
	FeeRate          float64 `mapstructure:"fee_rate"`
	MaxOrderQuantity float64 `mapstructure:"max_order_quantity"`
}

// Logger holds the configuration for the logger.
type Logger struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// LoadConfig reads configuration from file or environment variables.
func LoadConfig(path string) (config Config, err error) {
	viper.AddConfigPath(path)
	viper.SetConfigName("config") // name of config file (without extension)
	viper.SetConfigType("yml")    // or yaml, json

	// Allow environment variables to override config file
	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// Set default values
	viper.SetDefault("feed.poll_interval", 5)    // seconds between polls
	viper.SetDefault("feed.rate_limit", 10)      // requests per second
	viper.SetDefault("feed.rate_limit_burst", 5) // burst size
	viper.SetDefault("trading.fee_rate", 0.001)
	viper.SetDefault("trading.max_order_quantity", 0) // 0 disables the cap
	viper.SetDefault("database.dsn", "ledger.db")
	viper.SetDefault("logger.level", "info")
	viper.SetDefault("logger.format", "console")
	viper.SetDefault("server.port", 8080)

	err = viper.ReadInConfig()
	if err != nil {
		return
	}

	err = viper.Unmarshal(&config)
	return
}
