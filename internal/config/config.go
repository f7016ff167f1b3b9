// Package config loads service configuration through viper. Every key has a
// default so the service starts with an empty environment in memory mode.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type StorageDriver string

const (
	StorageDriverPostgres StorageDriver = "postgres"
	StorageDriverMemory   StorageDriver = "memory"
)

// Config is the root configuration.
type Config struct {
	Service      ServiceConfig                `mapstructure:"service"`
	Server       ServerConfig                 `mapstructure:"server"`
	Database     DatabaseConfig               `mapstructure:"database"`
	Storage      StorageConfig                `mapstructure:"storage"`
	Redis        RedisConfig                  `mapstructure:"redis"`
	NATS         NATSConfig                   `mapstructure:"nats"`
	Directory    DirectoryConfig              `mapstructure:"directory"`
	Cache        CacheConfig                  `mapstructure:"cache"`
	RequestTypes map[string]RequestTypeConfig `mapstructure:"request_types"`
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
	RequestTimeout  time.Duration `mapstructure:"request_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
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

type StorageConfig struct {
	Driver StorageDriver `mapstructure:"driver"`
	// OrgSeedFile is a JSON array of assignments loaded into the in-memory
	// directory. Ignored by the postgres driver.
	OrgSeedFile string `mapstructure:"org_seed_file"`
}

type RedisConfig struct {
	Addr           string        `mapstructure:"addr"`
	Password       string        `mapstructure:"password"`
	DB             int           `mapstructure:"db"`
	Namespace      string        `mapstructure:"namespace"`
	IdempotencyTTL time.Duration `mapstructure:"idempotency_ttl"`
}

type NATSConfig struct {
	URL                 string `mapstructure:"url"`
	NotificationSubject string `mapstructure:"notification_subject"`
	CallbackSubject     string `mapstructure:"callback_subject"`
}

type DirectoryConfig struct {
	ManagerLevelThreshold int `mapstructure:"manager_level_threshold"`
}

type CacheConfig struct {
	DefinitionTTL time.Duration `mapstructure:"definition_ttl"`
}

// RequestTypeConfig is one entry of the static request-type catalog used to
// label notifications. LinkTemplate may contain
// "{module}", "{ref_id}" and "{instance_id}".
type RequestTypeConfig struct {
	Label        string `mapstructure:"label"`
	LinkTemplate string `mapstructure:"link_template"`
}

// SetDefaults registers the default value of every key.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("service.name", "be-approval-engine")
	v.SetDefault("service.version", "dev")
	v.SetDefault("service.environment", "development")
	v.SetDefault("service.log_level", "info")

	v.SetDefault("server.port", 8086)
	v.SetDefault("server.grpc_port", 9086)
	v.SetDefault("server.read_timeout", 15*time.Second)
	v.SetDefault("server.write_timeout", 15*time.Second)
	v.SetDefault("server.idle_timeout", 60*time.Second)
	v.SetDefault("server.request_timeout", 30*time.Second)
	v.SetDefault("server.shutdown_timeout", 20*time.Second)

	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "postgres")
	v.SetDefault("database.password", "")
	v.SetDefault("database.database", "approvals")
	v.SetDefault("database.ssl_mode", "disable")
	v.SetDefault("database.max_conns", 20)
	v.SetDefault("database.min_conns", 2)
	v.SetDefault("database.max_conn_time", time.Hour)
	v.SetDefault("database.max_idle_time", 30*time.Minute)
	v.SetDefault("database.health_check", time.Minute)

	v.SetDefault("storage.driver", string(StorageDriverMemory))
	v.SetDefault("storage.org_seed_file", "")

	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.namespace", "approval")
	v.SetDefault("redis.idempotency_ttl", 24*time.Hour)

	v.SetDefault("nats.url", "")
	v.SetDefault("nats.notification_subject", "notifications.approval")
	v.SetDefault("nats.callback_subject", "requests")

	v.SetDefault("directory.manager_level_threshold", 5)
	v.SetDefault("cache.definition_ttl", 10*time.Minute)

	v.SetDefault("request_types", map[string]any{
		"leave":      map[string]any{"label": "Leave request", "link_template": "/leave/{ref_id}"},
		"expense":    map[string]any{"label": "Expense claim", "link_template": "/expenses/{ref_id}"},
		"seal":       map[string]any{"label": "Seal usage request", "link_template": "/seals/{ref_id}"},
		"card":       map[string]any{"label": "Business card request", "link_template": "/cards/{ref_id}"},
		"stationery": map[string]any{"label": "Stationery request", "link_template": "/stationery/{ref_id}"},
		"generic":    map[string]any{"label": "Request", "link_template": "/requests/{ref_id}"},
	})
}

// Load reads the optional config file, the APPROVAL_* environment and the
// defaults into a Config.
func Load(v *viper.Viper, configFile string) (*Config, error) {
	SetDefaults(v)

	v.SetEnvPrefix("APPROVAL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				return nil, fmt.Errorf("read config file: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks values that would otherwise fail late at startup.
func (c *Config) Validate() error {
	switch c.Storage.Driver {
	case StorageDriverPostgres, StorageDriverMemory:
	default:
		return fmt.Errorf("unsupported storage driver %q", c.Storage.Driver)
	}
	if c.Server.Port <= 0 || c.Server.GRPCPort <= 0 {
		return fmt.Errorf("server ports must be positive")
	}
	if c.Directory.ManagerLevelThreshold < 0 {
		return fmt.Errorf("directory.manager_level_threshold must not be negative")
	}
	return nil
}

// DSN renders the postgres connection string.
func (c DatabaseConfig) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		c.User, c.Password, c.Host, c.Port, c.Database, c.SSLMode)
}
