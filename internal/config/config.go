package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

const (
	EnvLocal = "local"
	EnvDev   = "dev"
	EnvProd  = "prod"
)

const envPrefix = "KWARI"

type Config struct {
	Env           string
	Port          string
	AllowedOrigin string
	LogLevel      string

	StoreDriver string
	DataPath    string

	RemoteDriver          string
	RemoteEndpoint        string
	RemoteProject         string
	RemoteAPIKey          string
	RemoteDatabaseID      string
	RemoteDatabaseURL     string
	SalesCollectionID     string
	InventoryCollectionID string
	BrokersCollectionID   string

	RedisAddr     string
	RedisPassword string
	RedisDB       int

	SyncIntervalSeconds   int
	SyncMaxAttempts       int
	SyncBackoffMinSeconds int
	SyncBackoffMaxSeconds int
	PullLimit             int

	AuthSecret            string
	AccessTokenTTLMinutes int
	RejectOversell        bool
}

var defaults = map[string]any{
	"env":                      EnvLocal,
	"port":                     "8080",
	"allowed_origin":           "http://127.0.0.1:3000",
	"log_level":                "",
	"store_driver":             "sqlite",
	"data_path":                "kwari.db",
	"remote_driver":            "none",
	"remote_endpoint":          "",
	"remote_project":           "",
	"remote_api_key":           "",
	"remote_database_id":       "",
	"remote_database_url":      "",
	"sales_collection_id":      "sales",
	"inventory_collection_id":  "inventory",
	"brokers_collection_id":    "brokers",
	"redis_addr":               "",
	"redis_password":           "",
	"redis_db":                 0,
	"sync_interval_seconds":    60,
	"sync_max_attempts":        10,
	"sync_backoff_min_seconds": 5,
	"sync_backoff_max_seconds": 600,
	"pull_limit":               5000,
	"auth_secret":              "",
	"access_token_ttl_minutes": 480,
	"reject_oversell":          false,
}

// Load reads defaults, then a .env file if present, then configFile if
// given, then KWARI_* environment variables, each overriding the last.
func Load(configFile string) (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return Config{}, fmt.Errorf("read .env: %w", err)
	}

	v := viper.New()
	for key, value := range defaults {
		v.SetDefault(key, value)
	}
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", configFile, err)
		}
	}

	cfg := Config{
		Env:                   strings.ToLower(v.GetString("env")),
		Port:                  v.GetString("port"),
		AllowedOrigin:         v.GetString("allowed_origin"),
		LogLevel:              strings.ToLower(v.GetString("log_level")),
		StoreDriver:           strings.ToLower(v.GetString("store_driver")),
		DataPath:              v.GetString("data_path"),
		RemoteDriver:          strings.ToLower(v.GetString("remote_driver")),
		RemoteEndpoint:        strings.TrimRight(v.GetString("remote_endpoint"), "/"),
		RemoteProject:         v.GetString("remote_project"),
		RemoteAPIKey:          strings.TrimSpace(v.GetString("remote_api_key")),
		RemoteDatabaseID:      v.GetString("remote_database_id"),
		RemoteDatabaseURL:     v.GetString("remote_database_url"),
		SalesCollectionID:     v.GetString("sales_collection_id"),
		InventoryCollectionID: v.GetString("inventory_collection_id"),
		BrokersCollectionID:   v.GetString("brokers_collection_id"),
		RedisAddr:             v.GetString("redis_addr"),
		RedisPassword:         v.GetString("redis_password"),
		RedisDB:               v.GetInt("redis_db"),
		SyncIntervalSeconds:   positiveOr(v.GetInt("sync_interval_seconds"), 60),
		SyncMaxAttempts:       v.GetInt("sync_max_attempts"),
		SyncBackoffMinSeconds: positiveOr(v.GetInt("sync_backoff_min_seconds"), 5),
		SyncBackoffMaxSeconds: positiveOr(v.GetInt("sync_backoff_max_seconds"), 600),
		PullLimit:             positiveOr(v.GetInt("pull_limit"), 5000),
		AuthSecret:            strings.TrimSpace(v.GetString("auth_secret")),
		AccessTokenTTLMinutes: positiveOr(v.GetInt("access_token_ttl_minutes"), 480),
		RejectOversell:        v.GetBool("reject_oversell"),
	}
	if cfg.SyncMaxAttempts < 0 {
		cfg.SyncMaxAttempts = 0
	}
	return cfg, cfg.Validate()
}

// Validate checks the driver choices. Security settings are checked by the
// server, which is the only command that needs them.
func (c Config) Validate() error {
	switch c.Env {
	case EnvLocal, EnvDev, EnvProd:
	default:
		return fmt.Errorf("env must be one of local, dev, prod; got %q", c.Env)
	}
	switch c.StoreDriver {
	case "sqlite", "memory":
	default:
		return fmt.Errorf("unknown store_driver %q", c.StoreDriver)
	}
	switch c.RemoteDriver {
	case "none", "memory":
	case "appwrite":
		if c.RemoteEndpoint == "" || c.RemoteProject == "" {
			return fmt.Errorf("appwrite remote needs remote_endpoint and remote_project")
		}
	case "postgres":
		if c.RemoteDatabaseURL == "" {
			return fmt.Errorf("postgres remote needs remote_database_url")
		}
	default:
		return fmt.Errorf("unknown remote_driver %q", c.RemoteDriver)
	}
	return nil
}

func (c Config) Address() string {
	return fmt.Sprintf(":%s", c.Port)
}

func (c Config) SyncInterval() time.Duration {
	return time.Duration(c.SyncIntervalSeconds) * time.Second
}

func (c Config) AccessTokenTTL() time.Duration {
	return time.Duration(c.AccessTokenTTLMinutes) * time.Minute
}

func positiveOr(v int, fallback int) int {
	if v < 1 {
		return fallback
	}
	return v
}
