// pkg/config/config.go
package config

import (
	"fmt"
	"strings"
	"time"
)

// Config is the root configuration tree for dispatchd.
type Config struct {
	App      AppConfig      `koanf:"app"`
	HTTP     HTTPConfig     `koanf:"http"`
	Log      LogConfig      `koanf:"log"`
	Metrics  MetricsConfig  `koanf:"metrics"`
	Tracing  TracingConfig  `koanf:"tracing"`
	Database DatabaseConfig `koanf:"database"`
	Cache    CacheConfig    `koanf:"cache"`
	Dispatch DispatchConfig `koanf:"dispatch"`
	ML       MLConfig       `koanf:"ml"`
	Routing  RoutingConfig  `koanf:"routing"`
	Device   DeviceConfig   `koanf:"device"`
}

// AppConfig holds process-wide identity settings.
type AppConfig struct {
	Name        string `koanf:"name"`
	Version     string `koanf:"version"`
	Environment string `koanf:"environment"` // development, staging, production
	Debug       bool   `koanf:"debug"`
}

// HTTPConfig configures the ingress HTTP server.
type HTTPConfig struct {
	Port            int           `koanf:"port"`
	ReadTimeout     time.Duration `koanf:"read_timeout"`
	WriteTimeout    time.Duration `koanf:"write_timeout"`
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout"`
	CORS            CORSConfig    `koanf:"cors"`
}

// CORSConfig configures cross-origin access to the HTTP ingress.
type CORSConfig struct {
	Enabled          bool     `koanf:"enabled"`
	AllowedOrigins   []string `koanf:"allowed_origins"`
	AllowedMethods   []string `koanf:"allowed_methods"`
	AllowedHeaders   []string `koanf:"allowed_headers"`
	AllowCredentials bool     `koanf:"allow_credentials"`
	MaxAge           int      `koanf:"max_age"`
}

// LogConfig configures structured logging output.
type LogConfig struct {
	Level      string `koanf:"level"`       // debug, info, warn, error
	Format     string `koanf:"format"`      // json, text
	Output     string `koanf:"output"`      // stdout, stderr, file
	FilePath   string `koanf:"file_path"`
	MaxSize    int    `koanf:"max_size"`    // MB
	MaxBackups int    `koanf:"max_backups"`
	MaxAge     int    `koanf:"max_age"`     // days
	Compress   bool   `koanf:"compress"`
}

// MetricsConfig configures the Prometheus exposition endpoint.
type MetricsConfig struct {
	Enabled   bool   `koanf:"enabled"`
	Port      int    `koanf:"port"`
	Path      string `koanf:"path"`
	Namespace string `koanf:"namespace"`
	Subsystem string `koanf:"subsystem"`
}

// TracingConfig configures OpenTelemetry span export.
type TracingConfig struct {
	Enabled     bool    `koanf:"enabled"`
	Endpoint    string  `koanf:"endpoint"`
	ServiceName string  `koanf:"service_name"`
	SampleRate  float64 `koanf:"sample_rate"`
}

// DatabaseConfig configures the Postgres connection pool.
type DatabaseConfig struct {
	Driver          string        `koanf:"driver"`
	Host            string        `koanf:"host"`
	Port            int           `koanf:"port"`
	Database        string        `koanf:"database"`
	Username        string        `koanf:"username"`
	Password        string        `koanf:"password"`
	SSLMode         string        `koanf:"ssl_mode"`
	MaxOpenConns    int           `koanf:"max_open_conns"`
	MaxIdleConns    int           `koanf:"max_idle_conns"`
	ConnMaxLifetime time.Duration `koanf:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `koanf:"conn_max_idle_time"`
	MigrationsPath  string        `koanf:"migrations_path"`
	AutoMigrate     bool          `koanf:"auto_migrate"`
}

// DSN renders the driver-appropriate connection string.
func (d DatabaseConfig) DSN() string {
	switch strings.ToLower(d.Driver) {
	case "postgres", "postgresql", "":
		return fmt.Sprintf(
			"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
			d.Host, d.Port, d.Username, d.Password, d.Database, d.SSLMode,
		)
	default:
		return ""
	}
}

// CacheConfig configures the Redis-backed cache and device pub/sub transport.
type CacheConfig struct {
	Enabled    bool          `koanf:"enabled"`
	Driver     string        `koanf:"driver"` // redis, memory
	Host       string        `koanf:"host"`
	Port       int           `koanf:"port"`
	Password   string        `koanf:"password"`
	DB         int           `koanf:"db"`
	DefaultTTL time.Duration `koanf:"default_ttl"`
	MaxEntries int           `koanf:"max_entries"` // in-memory backend only
}

// Address returns the host:port pair for the cache backend.
func (c CacheConfig) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// DispatchConfig tunes the assignment protocol and lifecycle timers.
type DispatchConfig struct {
	Engine                    string        `koanf:"engine"` // rules, ml
	PrototypeMode             bool          `koanf:"prototype_mode"`
	AckDeadline               time.Duration `koanf:"ack_deadline"`
	AutoResolveDeadline       time.Duration `koanf:"auto_resolve_deadline"`
	SweeperInterval           time.Duration `koanf:"sweeper_interval"`
	ArrivalThresholdMeters    float64       `koanf:"arrival_threshold_m"`
	DeviationThresholdMeters  float64       `koanf:"deviation_threshold_m"`
	MinDistForRecalcMeters    float64       `koanf:"min_dist_to_dest_for_recalc_m"`
	MaxRedispatchAttempts     int           `koanf:"max_redispatch_attempts"`
	DefaultLocationLat        float64       `koanf:"default_location_lat"`
	DefaultLocationLon        float64       `koanf:"default_location_lon"`
}

// MLConfig configures the optional ML scoring collaborator.
type MLConfig struct {
	Enabled    bool          `koanf:"enabled"`
	ServiceURL string        `koanf:"service_url"`
	Timeout    time.Duration `koanf:"timeout"`
	HealthPath string        `koanf:"health_path"`
	HealthTTL  time.Duration `koanf:"health_ttl"`
}

// RoutingConfig configures the external route collaborator and its fallback.
type RoutingConfig struct {
	ServiceURL        string        `koanf:"service_url"`
	Timeout           time.Duration `koanf:"timeout"`
	CacheTTL          time.Duration `koanf:"cache_ttl"`
	BreakerMaxFails   uint32        `koanf:"breaker_max_fails"`
	BreakerOpenPeriod time.Duration `koanf:"breaker_open_period"`
}

// DeviceConfig configures the device command/ack channel.
type DeviceConfig struct {
	OutboundQueueSize int           `koanf:"outbound_queue_size"`
	ReconnectMaxTries int           `koanf:"reconnect_max_tries"`
	ReconnectBackoff  time.Duration `koanf:"reconnect_backoff"`
}

// Validate checks the configuration for internally inconsistent values.
func (c *Config) Validate() error {
	var errs []string

	if c.App.Name == "" {
		errs = append(errs, "app.name is required")
	}

	if c.HTTP.Port <= 0 || c.HTTP.Port > 65535 {
		errs = append(errs, fmt.Sprintf("http.port must be between 1 and 65535, got %d", c.HTTP.Port))
	}

	if c.Log.Level == "" {
		c.Log.Level = "info"
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(c.Log.Level)] {
		errs = append(errs, fmt.Sprintf("log.level must be one of: debug, info, warn, error, got %s", c.Log.Level))
	}

	validEngines := map[string]bool{"rules": true, "ml": true, "": true}
	if !validEngines[strings.ToLower(c.Dispatch.Engine)] {
		errs = append(errs, fmt.Sprintf("dispatch.engine must be one of: rules, ml, got %s", c.Dispatch.Engine))
	}

	if c.ML.Enabled && c.ML.ServiceURL == "" {
		errs = append(errs, "ml.service_url is required when ml.enabled is true")
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration validation failed: %s", strings.Join(errs, "; "))
	}

	return nil
}

// IsDevelopment reports whether the process is running in a development environment.
func (c *Config) IsDevelopment() bool {
	return c.App.Environment == "development" || c.App.Environment == "dev"
}

// IsProduction reports whether the process is running in a production environment.
func (c *Config) IsProduction() bool {
	return c.App.Environment == "production" || c.App.Environment == "prod"
}
