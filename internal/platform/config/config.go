package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the full service configuration.
type Config struct {
	Service  ServiceConfig  `mapstructure:"service"`
	Server   ServerConfig   `mapstructure:"server"`
	Database DatabaseConfig `mapstructure:"database"`
	Provider ProviderConfig `mapstructure:"provider"`
	Storage  StorageConfig  `mapstructure:"storage"`
	NATS     NATSConfig     `mapstructure:"nats"`
}

type ServiceConfig struct {
	Name        string `mapstructure:"name"`
	Version     string `mapstructure:"version"`
	Environment string `mapstructure:"environment"`
	LogLevel    string `mapstructure:"log_level"`
}

type ServerConfig struct {
	Port            int           `mapstructure:"port"`
	GRPCPort        int           `mapstructure:"grpc_port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	MaxArchiveBytes int64         `mapstructure:"max_archive_bytes"`
}

type DatabaseConfig struct {
	Host        string        `mapstructure:"host"`
	Port        int           `mapstructure:"port"`
	User        string        `mapstructure:"user"`
	Password    string        `mapstructure:"password"`
	Database    string        `mapstructure:"database"`
	SSLMode     string        `mapstructure:"ssl_mode"`
	MaxConns    int32         `mapstructure:"max_conns"`
	MinConns    int32         `mapstructure:"min_conns"`
	MaxConnTime time.Duration `mapstructure:"max_conn_time"`
	MaxIdleTime time.Duration `mapstructure:"max_idle_time"`
	HealthCheck time.Duration `mapstructure:"health_check"`
}

// ProviderConfig holds the signing provider endpoint and organization
// credentials. Field names follow the provider's form parameters.
type ProviderConfig struct {
	BaseURL     string        `mapstructure:"base_url"`
	Org         string        `mapstructure:"org"`
	User        string        `mapstructure:"user"`
	Password    string        `mapstructure:"password"`
	IDCat       string        `mapstructure:"idcat"`
	IDSol       string        `mapstructure:"idsol"`
	IDCto       string        `mapstructure:"idcto"`
	HandlerID   string        `mapstructure:"hd"`
	UpdateTipo  string        `mapstructure:"update_tipo"`
	TokenTipo   string        `mapstructure:"token_tipo"`
	TokenPerfil string        `mapstructure:"token_perfil"`
	TokenFirma  string        `mapstructure:"token_firma"`
	Timeout     time.Duration `mapstructure:"timeout"`
}

type StorageConfig struct {
	Bucket       string `mapstructure:"bucket"`
	Region       string `mapstructure:"region"`
	Endpoint     string `mapstructure:"endpoint"`
	UsePathStyle bool   `mapstructure:"use_path_style"`
}

type NATSConfig struct {
	URL     string `mapstructure:"url"`
	Stream  string `mapstructure:"stream"`
	Enabled bool   `mapstructure:"enabled"`
}

// DSN builds the PostgreSQL connection string.
func (c DatabaseConfig) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		c.User, c.Password, c.Host, c.Port, c.Database, c.SSLMode)
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("service.name", "be-esign-orchestrator")
	v.SetDefault("service.version", "dev")
	v.SetDefault("service.environment", "development")
	v.SetDefault("service.log_level", "info")

	v.SetDefault("server.port", 8086)
	v.SetDefault("server.grpc_port", 9086)
	v.SetDefault("server.read_timeout", 30*time.Second)
	v.SetDefault("server.write_timeout", 60*time.Second)
	v.SetDefault("server.idle_timeout", 120*time.Second)
	v.SetDefault("server.shutdown_timeout", 15*time.Second)
	v.SetDefault("server.max_archive_bytes", 64<<20)

	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "postgres")
	v.SetDefault("database.database", "esign")
	v.SetDefault("database.ssl_mode", "disable")
	v.SetDefault("database.max_conns", 10)
	v.SetDefault("database.min_conns", 1)
	v.SetDefault("database.max_conn_time", 30*time.Minute)
	v.SetDefault("database.max_idle_time", 5*time.Minute)
	v.SetDefault("database.health_check", 30*time.Second)

	v.SetDefault("provider.update_tipo", "1")
	v.SetDefault("provider.token_tipo", "1")
	v.SetDefault("provider.token_perfil", "1")
	v.SetDefault("provider.token_firma", "1")
	v.SetDefault("provider.timeout", 30*time.Second)

	v.SetDefault("storage.region", "us-east-1")

	v.SetDefault("nats.url", "nats://localhost:4222")
	v.SetDefault("nats.stream", "ALERTS")
	v.SetDefault("nats.enabled", true)
}

// Load reads defaults, an optional config file named by CONFIG_FILE and
// ESIGN_* environment variables, in increasing precedence.
func Load() (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("ESIGN")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path := os.Getenv("CONFIG_FILE"); path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("reading config %s: %w", path, err)
		}
	}

	// AutomaticEnv only applies to keys viper already knows about; bind the
	// ones without defaults explicitly.
	for _, key := range []string{
		"database.password",
		"provider.base_url", "provider.org", "provider.user", "provider.password",
		"provider.idcat", "provider.idsol", "provider.idcto", "provider.hd",
		"storage.bucket", "storage.endpoint", "storage.use_path_style",
	} {
		if err := v.BindEnv(key); err != nil {
			return nil, fmt.Errorf("binding %s: %w", key, err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decoding config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the settings the service cannot start without.
func (c *Config) Validate() error {
	var missing []string
	if c.Provider.BaseURL == "" {
		missing = append(missing, "provider.base_url")
	}
	if c.Provider.Org == "" {
		missing = append(missing, "provider.org")
	}
	if c.Provider.HandlerID == "" {
		missing = append(missing, "provider.hd")
	}
	if c.Storage.Bucket == "" {
		missing = append(missing, "storage.bucket")
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing required configuration: %s", strings.Join(missing, ", "))
	}
	if c.Provider.Timeout <= 0 {
		return fmt.Errorf("provider.timeout must be positive")
	}
	return nil
}
