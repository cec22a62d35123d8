package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Storage   StorageConfig   `mapstructure:"storage"`
	Auth      AuthConfig      `mapstructure:"auth"`
	Stream    StreamConfig    `mapstructure:"stream"`
	Discovery DiscoveryConfig `mapstructure:"discovery"`
	Broadcast BroadcastConfig `mapstructure:"broadcast"`
	Devices   DevicesConfig   `mapstructure:"devices"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

type ServerConfig struct {
	GRPCPort        int           `mapstructure:"grpc_port"`
	HTTPPort        int           `mapstructure:"http_port"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

type DatabaseConfig struct {
	Host           string `mapstructure:"host"`
	Port           int    `mapstructure:"port"`
	Database       string `mapstructure:"database"`
	User           string `mapstructure:"user"`
	Password       string `mapstructure:"password"`
	MaxConnections int    `mapstructure:"max_connections"`
}

// StorageConfig selects the persistence backend ("postgres" or "memory").
type StorageConfig struct {
	Driver string `mapstructure:"driver"`
}

// Auth Configuration
type AuthConfig struct {
	Enabled      bool          `mapstructure:"enabled"`
	JWTSecretEnv string        `mapstructure:"jwt_secret_env"`
	TokenTTL     time.Duration `mapstructure:"token_ttl"`
}

// StreamConfig tunes the orchestrator and per-device sessions.
type StreamConfig struct {
	ControlInterval   time.Duration `mapstructure:"control_interval"`
	WatchdogThreshold time.Duration `mapstructure:"watchdog_threshold"`
	SectorCount       int           `mapstructure:"sector_count"`
	LEDCount          int           `mapstructure:"led_count"`
	ConnectTimeout    time.Duration `mapstructure:"connect_timeout"`
	SendTimeout       time.Duration `mapstructure:"send_timeout"`
	StopGrace         time.Duration `mapstructure:"stop_grace"`
	FailureThreshold  int           `mapstructure:"failure_threshold"`
	AmbientColor      string        `mapstructure:"ambient_color"`
}

type DiscoveryConfig struct {
	ProbeTimeout     time.Duration `mapstructure:"probe_timeout"`
	AggregateTimeout time.Duration `mapstructure:"aggregate_timeout"`
	RefreshInterval  time.Duration `mapstructure:"refresh_interval"`
	ScanOnStart      bool          `mapstructure:"scan_on_start"`
	// BridgeEndpoint lists bridges as JSON; empty disables the bridge probe.
	BridgeEndpoint string `mapstructure:"bridge_endpoint"`
}

// BroadcastConfig addresses the subscriber heartbeat protocol.
type BroadcastConfig struct {
	Group   int    `mapstructure:"group"`
	Port    int    `mapstructure:"port"`
	Address string `mapstructure:"address"`
}

type DevicesConfig struct {
	SeedFile string `mapstructure:"seed_file"`
}

type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// SetDefaults registers every default on v.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("server.grpc_port", 50051)
	v.SetDefault("server.http_port", 8080)
	v.SetDefault("server.shutdown_timeout", "30s")

	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.database", "openlightcore")
	v.SetDefault("database.user", "openlightcore")
	v.SetDefault("database.max_connections", 4)
	v.SetDefault("storage.driver", "postgres")

	// Auth Defaults
	v.SetDefault("auth.enabled", false)
	v.SetDefault("auth.jwt_secret_env", "JWT_SECRET")
	v.SetDefault("auth.token_ttl", "24h")

	v.SetDefault("stream.control_interval", "5s")
	v.SetDefault("stream.watchdog_threshold", "5s")
	v.SetDefault("stream.sector_count", 12)
	v.SetDefault("stream.led_count", 150)
	v.SetDefault("stream.connect_timeout", "3s")
	v.SetDefault("stream.send_timeout", "1s")
	v.SetDefault("stream.stop_grace", "500ms")
	v.SetDefault("stream.failure_threshold", 3)
	v.SetDefault("stream.ambient_color", "#ff8c32")

	v.SetDefault("discovery.probe_timeout", "5s")
	v.SetDefault("discovery.aggregate_timeout", "30s")
	v.SetDefault("discovery.refresh_interval", "10m")
	v.SetDefault("discovery.scan_on_start", true)
	v.SetDefault("discovery.bridge_endpoint", "")

	v.SetDefault("broadcast.group", 0)
	v.SetDefault("broadcast.port", 8888)
	v.SetDefault("broadcast.address", "255.255.255.255")

	v.SetDefault("logging.development", false)
}

// Load reads the YAML file at path. An empty path yields defaults plus environment.
func Load(path string) (*Config, error) {
	v := viper.New()
	SetDefaults(v)

	// Environment Variables mit Prefix OLC_
	v.SetEnvPrefix("OLC")
	v.SetEnvKeyReplacer(envKeyReplacer)
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &config, nil
}

// Validate rejects values the orchestrator cannot run with.
func (c *Config) Validate() error {
	var errs []error

	if c.Stream.ControlInterval <= 0 {
		errs = append(errs, errors.New("stream.control_interval must be positive"))
	}
	if c.Stream.WatchdogThreshold <= 0 {
		errs = append(errs, errors.New("stream.watchdog_threshold must be positive"))
	}
	if c.Stream.SectorCount < 1 {
		errs = append(errs, errors.New("stream.sector_count must be at least 1"))
	}
	if c.Stream.LEDCount < 1 {
		errs = append(errs, errors.New("stream.led_count must be at least 1"))
	}
	if c.Stream.ConnectTimeout <= 0 || c.Stream.SendTimeout <= 0 || c.Stream.StopGrace <= 0 {
		errs = append(errs, errors.New("stream timeouts must be positive"))
	}
	if c.Stream.FailureThreshold < 1 {
		errs = append(errs, errors.New("stream.failure_threshold must be at least 1"))
	}
	if c.Discovery.ProbeTimeout <= 0 || c.Discovery.AggregateTimeout <= 0 {
		errs = append(errs, errors.New("discovery timeouts must be positive"))
	}
	if c.Discovery.RefreshInterval <= 0 {
		errs = append(errs, errors.New("discovery.refresh_interval must be positive"))
	}
	switch c.Storage.Driver {
	case "postgres", "memory":
	default:
		errs = append(errs, fmt.Errorf("storage.driver %q not supported", c.Storage.Driver))
	}

	return errors.Join(errs...)
}

func (c *DatabaseConfig) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=disable",
		c.User, c.Password, c.Host, c.Port, c.Database)
}

// JWT Secret aus Environment Variable laden
func (a *AuthConfig) GetJWTSecret() string {
	envVar := a.JWTSecretEnv
	if envVar == "" {
		envVar = "JWT_SECRET"
	}

	secret := os.Getenv(envVar)
	if secret == "" {
		return devSecret
	}
	return secret
}

// IsProductionReady reports whether a real secret of sufficient length is configured.
func (a *AuthConfig) IsProductionReady() bool {
	secret := a.GetJWTSecret()
	return secret != devSecret && len(secret) >= 32
}

const devSecret = "dev-secret-change-in-production-min-32-chars"

// stream.sector_count -> OLC_STREAM_SECTOR_COUNT
var envKeyReplacer = strings.NewReplacer(".", "_")
