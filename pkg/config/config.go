// Package config loads service settings from defaults, an optional YAML
// file, .env and BUSTRACKER_* environment variables, in increasing order of
// precedence.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"bustracker/pkg/eta"
	"bustracker/pkg/registry"
	"bustracker/pkg/types"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

const EnvPrefix = "BUSTRACKER"

type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Liveness LivenessConfig `mapstructure:"liveness"`
	Ingest   IngestConfig   `mapstructure:"ingest"`
	Cache    CacheConfig    `mapstructure:"cache"`
	History  HistoryConfig  `mapstructure:"history"`
	Registry RegistryConfig `mapstructure:"registry"`
	Auth     AuthConfig     `mapstructure:"auth"`
	Realtime RealtimeConfig `mapstructure:"realtime"`
	ETA      ETAConfig      `mapstructure:"eta"`
	Feed     FeedConfig     `mapstructure:"feed"`
	Kafka    KafkaConfig    `mapstructure:"kafka"`
}

type ServerConfig struct {
	Port        int      `mapstructure:"port"`
	CORSOrigins []string `mapstructure:"cors_origins"`
}

type LivenessConfig struct {
	Threshold time.Duration `mapstructure:"threshold"`
}

type IngestConfig struct {
	MinInterval time.Duration `mapstructure:"min_interval"`
	RejectStale bool          `mapstructure:"reject_stale"`
	MaxSpeedKmh float64       `mapstructure:"max_speed_kmh"`
}

type CacheConfig struct {
	Backend  string        `mapstructure:"backend"`
	RedisURL string        `mapstructure:"redis_url"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

type HistoryConfig struct {
	Backend      string        `mapstructure:"backend"`
	DatabaseURL  string        `mapstructure:"database_url"`
	LokiURL      string        `mapstructure:"loki_url"`
	LokiUser     string        `mapstructure:"loki_user"`
	LokiPassword string        `mapstructure:"loki_password"`
	QueueSize    int           `mapstructure:"queue_size"`
	Workers      int           `mapstructure:"workers"`
	Timeout      time.Duration `mapstructure:"timeout"`
}

// SeedBus registers a bus in the in-memory registry when no registry
// database is configured.
type SeedBus struct {
	ID             string     `mapstructure:"id"`
	Number         string     `mapstructure:"number"`
	Name           string     `mapstructure:"name"`
	OrganizationID string     `mapstructure:"organization_id"`
	DriverID       string     `mapstructure:"driver_id"`
	APIKey         string     `mapstructure:"api_key"`
	Stops          []SeedStop `mapstructure:"stops"`
}

// SeedStop is one route stop. A zero order means list position.
type SeedStop struct {
	ID        string  `mapstructure:"id"`
	Name      string  `mapstructure:"name"`
	Latitude  float64 `mapstructure:"latitude"`
	Longitude float64 `mapstructure:"longitude"`
	Order     int     `mapstructure:"order"`
}

type SeedDriver struct {
	ID             string `mapstructure:"id"`
	Name           string `mapstructure:"name"`
	Phone          string `mapstructure:"phone"`
	OrganizationID string `mapstructure:"organization_id"`
}

type RegistryConfig struct {
	DatabaseURL string       `mapstructure:"database_url"`
	Buses       []SeedBus    `mapstructure:"buses"`
	Drivers     []SeedDriver `mapstructure:"drivers"`
}

// Memory builds the in-memory registry from the seed lists.
func (c RegistryConfig) Memory() *registry.Memory {
	mem := registry.NewMemory()
	for _, d := range c.Drivers {
		mem.AddDriver(registry.Driver{
			ID:             d.ID,
			Name:           d.Name,
			Phone:          d.Phone,
			OrganizationID: d.OrganizationID,
		})
	}
	for _, b := range c.Buses {
		mem.AddBus(registry.Bus{
			ID:             b.ID,
			Number:         b.Number,
			Name:           b.Name,
			OrganizationID: b.OrganizationID,
			DriverID:       b.DriverID,
		}, b.APIKey)

		if len(b.Stops) == 0 {
			continue
		}
		stops := make([]types.Stop, 0, len(b.Stops))
		for i, st := range b.Stops {
			order := st.Order
			if order == 0 {
				order = i + 1
			}
			stops = append(stops, types.Stop{
				ID:        st.ID,
				Name:      st.Name,
				Latitude:  st.Latitude,
				Longitude: st.Longitude,
				Order:     order,
			})
		}
		mem.SetStops(b.ID, stops)
	}
	return mem
}

type AuthConfig struct {
	JWTSecret string `mapstructure:"jwt_secret"`
}

type RealtimeConfig struct {
	MaxMessageBytes int           `mapstructure:"max_message_bytes"`
	SendBuffer      int           `mapstructure:"send_buffer"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	RejoinInterval  time.Duration `mapstructure:"rejoin_interval"`
	FleetStatusSpec string        `mapstructure:"fleet_status_spec"`
}

type ETAConfig struct {
	CruiseSpeedKmh     float64       `mapstructure:"cruise_speed_kmh"`
	StationarySpeedKmh float64       `mapstructure:"stationary_speed_kmh"`
	MinETA             time.Duration `mapstructure:"min_eta"`
	ArrivalRadiusM     float64       `mapstructure:"arrival_radius_m"`
	LowAccuracyM       float64       `mapstructure:"low_accuracy_m"`
	// Traffic overrides the default speed multiplier per hour ("0".."23").
	Traffic  map[string]float64 `mapstructure:"traffic"`
	Timezone string             `mapstructure:"timezone"`
}

type FeedConfig struct {
	URL            string        `mapstructure:"url"`
	APIKey         string        `mapstructure:"api_key"`
	LineRefs       []string      `mapstructure:"line_refs"`
	OrganizationID string        `mapstructure:"organization_id"`
	Interval       time.Duration `mapstructure:"interval"`
}

type KafkaConfig struct {
	Brokers  []string      `mapstructure:"brokers"`
	Topic    string        `mapstructure:"topic"`
	GroupID  string        `mapstructure:"group_id"`
	MinBytes int           `mapstructure:"min_bytes"`
	MaxBytes int           `mapstructure:"max_bytes"`
	MaxWait  time.Duration `mapstructure:"max_wait"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.cors_origins", []string{})

	v.SetDefault("liveness.threshold", "30s")

	v.SetDefault("ingest.min_interval", "1s")
	v.SetDefault("ingest.reject_stale", false)
	v.SetDefault("ingest.max_speed_kmh", 200.0)

	v.SetDefault("cache.backend", "memory")
	v.SetDefault("cache.redis_url", "")
	v.SetDefault("cache.timeout", "2s")

	v.SetDefault("history.backend", "none")
	v.SetDefault("history.database_url", "")
	v.SetDefault("history.loki_url", "")
	v.SetDefault("history.loki_user", "")
	v.SetDefault("history.loki_password", "")
	v.SetDefault("history.queue_size", 1024)
	v.SetDefault("history.workers", 2)
	v.SetDefault("history.timeout", "3s")

	v.SetDefault("registry.database_url", "")

	v.SetDefault("auth.jwt_secret", "")

	v.SetDefault("realtime.max_message_bytes", 16*1024)
	v.SetDefault("realtime.send_buffer", 32)
	v.SetDefault("realtime.write_timeout", "5s")
	v.SetDefault("realtime.rejoin_interval", "500ms")
	v.SetDefault("realtime.fleet_status_spec", "@every 10s")

	v.SetDefault("eta.cruise_speed_kmh", 25.0)
	v.SetDefault("eta.stationary_speed_kmh", 3.0)
	v.SetDefault("eta.min_eta", "30s")
	v.SetDefault("eta.arrival_radius_m", 50.0)
	v.SetDefault("eta.low_accuracy_m", 100.0)
	v.SetDefault("eta.timezone", "Local")

	v.SetDefault("feed.url", "")
	v.SetDefault("feed.api_key", "")
	v.SetDefault("feed.line_refs", []string{})
	v.SetDefault("feed.organization_id", "")
	v.SetDefault("feed.interval", "30s")

	v.SetDefault("kafka.brokers", []string{})
	v.SetDefault("kafka.topic", "gps-fixes")
	v.SetDefault("kafka.group_id", "bustracker")
	v.SetDefault("kafka.min_bytes", 1)
	v.SetDefault("kafka.max_bytes", 10000000)
	v.SetDefault("kafka.max_wait", "1s")
}

// Load reads the configuration. An empty path falls back to
// BUSTRACKER_CONFIG, then to ./config.yaml if present.
func Load(path string) (*Config, error) {
	// ignore missing file
	_ = godotenv.Load()

	v := viper.New()
	setDefaults(v)

	if path == "" {
		path = os.Getenv(EnvPrefix + "_CONFIG")
	}
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.AddConfigPath(".")
		v.SetConfigName("config")
		v.SetConfigType("yaml")
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
		slog.Debug("Config file not found, using defaults and environment")
	} else {
		slog.Info("Loaded config file", "path", v.ConfigFileUsed())
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects settings the service cannot run with.
func (c *Config) Validate() error {
	var errs []error

	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port must be in 1..65535, got %d", c.Server.Port))
	}
	if c.Liveness.Threshold <= 0 {
		errs = append(errs, fmt.Errorf("liveness.threshold must be positive"))
	}
	if c.Ingest.MinInterval < 0 {
		errs = append(errs, fmt.Errorf("ingest.min_interval must not be negative"))
	}
	if c.Ingest.MaxSpeedKmh <= 0 {
		errs = append(errs, fmt.Errorf("ingest.max_speed_kmh must be positive"))
	}

	switch c.Cache.Backend {
	case "memory":
	case "redis":
		if c.Cache.RedisURL == "" {
			errs = append(errs, fmt.Errorf("cache.redis_url is required for the redis backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown cache.backend %q", c.Cache.Backend))
	}

	switch c.History.Backend {
	case "none":
	case "postgres":
		if c.History.DatabaseURL == "" {
			errs = append(errs, fmt.Errorf("history.database_url is required for the postgres backend"))
		}
	case "loki":
		if c.History.LokiURL == "" {
			errs = append(errs, fmt.Errorf("history.loki_url is required for the loki backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown history.backend %q", c.History.Backend))
	}

	drivers := make(map[string]string, len(c.Registry.Drivers))
	for i, d := range c.Registry.Drivers {
		if d.ID == "" || d.OrganizationID == "" {
			errs = append(errs, fmt.Errorf("registry.drivers[%d] needs id and organization_id", i))
		}
		drivers[d.ID] = d.OrganizationID
	}
	for i, bus := range c.Registry.Buses {
		if bus.ID == "" || bus.OrganizationID == "" {
			errs = append(errs, fmt.Errorf("registry.buses[%d] needs id and organization_id", i))
		}
		if org, ok := drivers[bus.DriverID]; ok && org != bus.OrganizationID {
			errs = append(errs, fmt.Errorf("registry.buses[%d] driver %s belongs to another organization", i, bus.DriverID))
		}
		for j, st := range bus.Stops {
			if st.ID == "" {
				errs = append(errs, fmt.Errorf("registry.buses[%d].stops[%d] needs id", i, j))
			}
			if st.Latitude < -90 || st.Latitude > 90 || st.Longitude < -180 || st.Longitude > 180 {
				errs = append(errs, fmt.Errorf("registry.buses[%d].stops[%d] coordinates out of range", i, j))
			}
		}
	}

	if _, err := c.ETA.Build(); err != nil {
		errs = append(errs, err)
	}

	if c.Feed.URL != "" && c.Feed.OrganizationID == "" {
		errs = append(errs, fmt.Errorf("feed.organization_id is required when feed.url is set"))
	}
	if len(c.Kafka.Brokers) > 0 && c.Kafka.Topic == "" {
		errs = append(errs, fmt.Errorf("kafka.topic is required when kafka.brokers is set"))
	}

	return errors.Join(errs...)
}

// Build converts the settings into a predictor configuration.
func (c ETAConfig) Build() (eta.Config, error) {
	cfg := eta.DefaultConfig()

	for name, value := range map[string]float64{
		"eta.cruise_speed_kmh":     c.CruiseSpeedKmh,
		"eta.stationary_speed_kmh": c.StationarySpeedKmh,
		"eta.arrival_radius_m":     c.ArrivalRadiusM,
		"eta.low_accuracy_m":       c.LowAccuracyM,
	} {
		if value < 0 {
			return cfg, fmt.Errorf("%s must not be negative", name)
		}
	}
	if c.StationarySpeedKmh > 0 && c.CruiseSpeedKmh > 0 && c.StationarySpeedKmh >= c.CruiseSpeedKmh {
		return cfg, fmt.Errorf("eta.stationary_speed_kmh must be below eta.cruise_speed_kmh")
	}

	if c.CruiseSpeedKmh > 0 {
		cfg.CruiseSpeedKmh = c.CruiseSpeedKmh
	}
	if c.StationarySpeedKmh > 0 {
		cfg.StationarySpeedKmh = c.StationarySpeedKmh
	}
	if c.MinETA > 0 {
		cfg.MinETA = c.MinETA
	}
	if c.ArrivalRadiusM > 0 {
		cfg.ArrivalRadiusMeters = c.ArrivalRadiusM
	}
	if c.LowAccuracyM > 0 {
		cfg.LowAccuracyMeters = c.LowAccuracyM
	}

	traffic, err := cfg.Traffic.WithOverrides(c.Traffic)
	if err != nil {
		return cfg, fmt.Errorf("eta.traffic: %w", err)
	}
	cfg.Traffic = traffic

	if c.Timezone != "" {
		loc, err := time.LoadLocation(c.Timezone)
		if err != nil {
			return cfg, fmt.Errorf("invalid eta.timezone %q: %w", c.Timezone, err)
		}
		cfg.Location = loc
	}

	return cfg, nil
}
