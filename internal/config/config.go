// Package config loads service configuration from a YAML file, NED_-prefixed
// environment variables and built-in defaults.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config aggregates all configuration settings for the service.
type Config struct {
	// LogLevel sets the slog level: debug, info, warn or error.
	LogLevel string         `mapstructure:"log_level"`
	Server   ServerConfig   `mapstructure:"server"`
	Provider ProviderConfig `mapstructure:"provider"`
	Forecast ForecastConfig `mapstructure:"forecast"`
	History  HistoryConfig  `mapstructure:"history"`
	Database DatabaseConfig `mapstructure:"database"`
	Redis    RedisConfig    `mapstructure:"redis"`
}

// ServerConfig defines the HTTP server settings.
type ServerConfig struct {
	Port int `mapstructure:"port"`
}

// ProviderConfig defines the NED API client settings.
type ProviderConfig struct {
	BaseURL     string        `mapstructure:"base_url"`
	APIKey      string        `mapstructure:"api_key"`
	Timeout     time.Duration `mapstructure:"timeout"`
	RateLimit   float64       `mapstructure:"rate_limit"`
	Burst       int           `mapstructure:"burst"`
	UnitDivisor float64       `mapstructure:"unit_divisor"`
}

// ForecastConfig holds the coordinator, model and derivation settings.
type ForecastConfig struct {
	HorizonHours int `mapstructure:"horizon_hours"`
	// PriceEntity is the history id of the externally supplied price series.
	// Empty disables the regression model; the fallback formula is used.
	PriceEntity       string        `mapstructure:"price_entity"`
	WindowDays        int           `mapstructure:"window_days"`
	MinDatapoints     int           `mapstructure:"min_datapoints"`
	RefitTime         string        `mapstructure:"refit_time"`
	MaxModelAge       time.Duration `mapstructure:"max_model_age"`
	SolarGridFraction float64       `mapstructure:"solar_grid_fraction"`
	FallbackAlpha     float64       `mapstructure:"fallback_alpha"`
	FallbackBeta      float64       `mapstructure:"fallback_beta"`
	PriceMin          float64       `mapstructure:"price_min"`
	PriceMax          float64       `mapstructure:"price_max"`
	FeedInFactor      float64       `mapstructure:"feed_in_factor"`
}

// Window returns the trailing history window.
func (f ForecastConfig) Window() time.Duration {
	return time.Duration(f.WindowDays) * 24 * time.Hour
}

// RefitClock returns the daily refit hour and minute.
func (f ForecastConfig) RefitClock() (hour, minute int, err error) {
	return ParseClock(f.RefitTime)
}

// HistoryConfig maps canonical series keys to the history ids they are
// recorded under.
type HistoryConfig struct {
	Entities map[string]string `mapstructure:"entities"`
}

// DatabaseConfig defines the PostgreSQL connection. An empty URL selects the
// in-memory history store.
type DatabaseConfig struct {
	URL string `mapstructure:"url"`
}

// RedisConfig defines the optional read-through cache.
type RedisConfig struct {
	URL string        `mapstructure:"url"`
	TTL time.Duration `mapstructure:"ttl"`
}

// Horizon bounds.
const (
	MinHorizonHours = 1
	MaxHorizonHours = 168
)

// ErrMissingAPIKey is returned by RequireAPIKey.
var ErrMissingAPIKey = errors.New("config: provider.api_key is required (NED_PROVIDER_API_KEY)")

// Load reads configuration. path may name a config file; when empty,
// config.yaml is searched in ./configs and the working directory, and a
// missing file is not an error.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath("./configs")
		v.AddConfigPath(".")
	}

	v.SetEnvPrefix("NED")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Conventional unprefixed names.
	_ = v.BindEnv("database.url", "NED_DATABASE_URL", "DATABASE_URL")
	_ = v.BindEnv("redis.url", "NED_REDIS_URL", "REDIS_URL")
	_ = v.BindEnv("server.port", "NED_SERVER_PORT", "PORT")

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	cfg.Provider.APIKey = strings.TrimSpace(cfg.Provider.APIKey)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("log_level", "info")
	v.SetDefault("server.port", 8080)

	v.SetDefault("provider.base_url", "https://api.ned.nl/v1")
	v.SetDefault("provider.api_key", "")
	v.SetDefault("provider.timeout", "30s")
	v.SetDefault("provider.rate_limit", 1.0)
	v.SetDefault("provider.burst", 4)
	v.SetDefault("provider.unit_divisor", 1e6)

	v.SetDefault("forecast.horizon_hours", 48)
	v.SetDefault("forecast.price_entity", "")
	v.SetDefault("forecast.window_days", 30)
	v.SetDefault("forecast.min_datapoints", 24)
	v.SetDefault("forecast.refit_time", "03:00")
	v.SetDefault("forecast.max_model_age", "24h")
	v.SetDefault("forecast.solar_grid_fraction", 1.0)
	v.SetDefault("forecast.fallback_alpha", 1.27)
	v.SetDefault("forecast.fallback_beta", 1.5)
	v.SetDefault("forecast.price_min", -5.0)
	v.SetDefault("forecast.price_max", 50.0)
	v.SetDefault("forecast.feed_in_factor", 1.0)

	v.SetDefault("history.entities.consumption", "ned.consumption")
	v.SetDefault("history.entities.wind_onshore", "ned.wind_onshore")
	v.SetDefault("history.entities.wind_offshore", "ned.wind_offshore")
	v.SetDefault("history.entities.solar", "ned.solar")

	v.SetDefault("database.url", "")
	v.SetDefault("redis.url", "")
	v.SetDefault("redis.ttl", "5m")
}

// Validate checks value ranges. The API key is checked separately by
// RequireAPIKey since not every command needs it.
func (c *Config) Validate() error {
	var errs []error
	f := c.Forecast
	if f.HorizonHours < MinHorizonHours || f.HorizonHours > MaxHorizonHours {
		errs = append(errs, fmt.Errorf("forecast.horizon_hours must be within %d..%d, got %d", MinHorizonHours, MaxHorizonHours, f.HorizonHours))
	}
	if f.WindowDays < 1 {
		errs = append(errs, fmt.Errorf("forecast.window_days must be at least 1, got %d", f.WindowDays))
	}
	if f.MinDatapoints < 1 {
		errs = append(errs, fmt.Errorf("forecast.min_datapoints must be at least 1, got %d", f.MinDatapoints))
	}
	if f.SolarGridFraction <= 0 || f.SolarGridFraction > 1 {
		errs = append(errs, fmt.Errorf("forecast.solar_grid_fraction must be in (0, 1], got %g", f.SolarGridFraction))
	}
	if f.PriceMin >= f.PriceMax {
		errs = append(errs, fmt.Errorf("forecast.price_min (%g) must be below price_max (%g)", f.PriceMin, f.PriceMax))
	}
	if f.MaxModelAge <= 0 {
		errs = append(errs, fmt.Errorf("forecast.max_model_age must be positive, got %s", f.MaxModelAge))
	}
	if _, _, err := ParseClock(f.RefitTime); err != nil {
		errs = append(errs, err)
	}
	if c.Provider.UnitDivisor == 0 {
		errs = append(errs, errors.New("provider.unit_divisor must be non-zero"))
	}
	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}

// RequireAPIKey reports ErrMissingAPIKey when no credential is configured.
func (c *Config) RequireAPIKey() error {
	if c.Provider.APIKey == "" {
		return ErrMissingAPIKey
	}
	return nil
}

// ParseClock parses an "HH:MM" time of day.
func ParseClock(s string) (hour, minute int, err error) {
	t, err := time.Parse("15:04", strings.TrimSpace(s))
	if err != nil {
		return 0, 0, fmt.Errorf("forecast.refit_time must be HH:MM, got %q", s)
	}
	return t.Hour(), t.Minute(), nil
}
