package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

type LookupFunc func(string) (string, bool)

type Profile string

const (
	ProfileDev  Profile = "dev"
	ProfileTest Profile = "test"
	ProfileProd Profile = "prod"
)

type AutoRouteMode string

const (
	// AutoRouteOff executes against the hinted connector unconditionally.
	AutoRouteOff AutoRouteMode = "off"
	// AutoRouteSwitch executes against the detected connector on a confident
	// mismatch and reports the switch in the response.
	AutoRouteSwitch AutoRouteMode = "switch"
	// AutoRouteSuggest refuses execution on a confident mismatch and tells
	// the caller which connector to use instead.
	AutoRouteSuggest AutoRouteMode = "suggest"
)

type Config struct {
	Profile       Profile
	Service       ServiceConfig
	HTTP          HTTPConfig
	Engine        EngineConfig
	ChunkCache    ChunkCacheConfig
	Connectors    ConnectorsConfig
	ObjectStore   ObjectStoreConfig
	Observability ObservabilityConfig
	Auth          AuthConfig
}

type ServiceConfig struct {
	Name string
}

type HTTPConfig struct {
	Address      string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

// EngineConfig centralizes the routing heuristics and cache windows:
// statements whose estimate stays under InMemoryRowCutoff may materialize
// fully, explicit LIMITs above LargeLimitCutoff always stream.
type EngineConfig struct {
	InMemoryRowCutoff int
	LargeLimitCutoff  int
	DefaultChunkSize  int
	CountCacheTTL     time.Duration
	EstimationTimeout time.Duration
	AutoRoute         AutoRouteMode
}

type ChunkCacheConfig struct {
	Enabled           bool
	Path              string
	RetentionWindow   time.Duration
	RetentionInterval time.Duration
}

type ConnectorsConfig struct {
	DuckDBPath  string
	PostgresDSN string
	LakeEnabled bool
	// LakeTables pins logical table names to snapshot versions, as
	// "table=version,table2=version2"; object keys are derived from the pins.
	LakeTables string
}

type ObjectStoreConfig struct {
	Endpoint        string
	Region          string
	Bucket          string
	AccessKeyID     string
	SecretAccessKey string
	UseSSL          bool
	Prefix          string
}

type ObservabilityConfig struct {
	LogLevel slog.Level
	LogJSON  bool
}

type AuthConfig struct {
	Required   bool
	StaticKeys string
}

func LoadFromEnv(serviceName string) (Config, error) {
	return Load(serviceName, os.LookupEnv)
}

func Load(serviceName string, lookup LookupFunc) (Config, error) {
	if lookup == nil {
		return Config{}, fmt.Errorf("lookup function is required")
	}

	profile := ProfileDev
	if raw, ok := lookup("QUERYSTREAM_PROFILE"); ok {
		profile = Profile(strings.ToLower(strings.TrimSpace(raw)))
	}
	if !isValidProfile(profile) {
		return Config{}, fmt.Errorf("invalid QUERYSTREAM_PROFILE: %q", profile)
	}

	cfg := defaultsForProfile(profile)
	if serviceName != "" {
		cfg.Service.Name = serviceName
	}

	if err := applyString(lookup, "QUERYSTREAM_SERVICE_NAME", &cfg.Service.Name); err != nil {
		return Config{}, err
	}
	if err := applyString(lookup, "QUERYSTREAM_HTTP_ADDR", &cfg.HTTP.Address); err != nil {
		return Config{}, err
	}
	if err := applyDuration(lookup, "QUERYSTREAM_HTTP_READ_TIMEOUT", &cfg.HTTP.ReadTimeout); err != nil {
		return Config{}, err
	}
	if err := applyDuration(lookup, "QUERYSTREAM_HTTP_WRITE_TIMEOUT", &cfg.HTTP.WriteTimeout); err != nil {
		return Config{}, err
	}
	if err := applyDuration(lookup, "QUERYSTREAM_HTTP_IDLE_TIMEOUT", &cfg.HTTP.IdleTimeout); err != nil {
		return Config{}, err
	}
	if err := applyInt(lookup, "QUERYSTREAM_ENGINE_IN_MEMORY_ROW_CUTOFF", &cfg.Engine.InMemoryRowCutoff); err != nil {
		return Config{}, err
	}
	if err := applyInt(lookup, "QUERYSTREAM_ENGINE_LARGE_LIMIT_CUTOFF", &cfg.Engine.LargeLimitCutoff); err != nil {
		return Config{}, err
	}
	if err := applyInt(lookup, "QUERYSTREAM_ENGINE_DEFAULT_CHUNK_SIZE", &cfg.Engine.DefaultChunkSize); err != nil {
		return Config{}, err
	}
	if err := applyDuration(lookup, "QUERYSTREAM_ENGINE_COUNT_CACHE_TTL", &cfg.Engine.CountCacheTTL); err != nil {
		return Config{}, err
	}
	if err := applyDuration(lookup, "QUERYSTREAM_ENGINE_ESTIMATION_TIMEOUT", &cfg.Engine.EstimationTimeout); err != nil {
		return Config{}, err
	}
	if err := applyAutoRoute(lookup, "QUERYSTREAM_ENGINE_AUTO_ROUTE", &cfg.Engine.AutoRoute); err != nil {
		return Config{}, err
	}
	if err := applyBool(lookup, "QUERYSTREAM_CHUNK_CACHE_ENABLED", &cfg.ChunkCache.Enabled); err != nil {
		return Config{}, err
	}
	if err := applyString(lookup, "QUERYSTREAM_CHUNK_CACHE_PATH", &cfg.ChunkCache.Path); err != nil {
		return Config{}, err
	}
	if err := applyDuration(lookup, "QUERYSTREAM_CHUNK_CACHE_RETENTION_WINDOW", &cfg.ChunkCache.RetentionWindow); err != nil {
		return Config{}, err
	}
	if err := applyDuration(lookup, "QUERYSTREAM_CHUNK_CACHE_RETENTION_INTERVAL", &cfg.ChunkCache.RetentionInterval); err != nil {
		return Config{}, err
	}
	if err := applyString(lookup, "QUERYSTREAM_CONNECTOR_DUCKDB_PATH", &cfg.Connectors.DuckDBPath); err != nil {
		return Config{}, err
	}
	if err := applyString(lookup, "QUERYSTREAM_CONNECTOR_POSTGRES_DSN", &cfg.Connectors.PostgresDSN); err != nil {
		return Config{}, err
	}
	if err := applyBool(lookup, "QUERYSTREAM_CONNECTOR_LAKE_ENABLED", &cfg.Connectors.LakeEnabled); err != nil {
		return Config{}, err
	}
	if err := applyString(lookup, "QUERYSTREAM_CONNECTOR_LAKE_TABLES", &cfg.Connectors.LakeTables); err != nil {
		return Config{}, err
	}
	if err := applyString(lookup, "QUERYSTREAM_OBJECTSTORE_ENDPOINT", &cfg.ObjectStore.Endpoint); err != nil {
		return Config{}, err
	}
	if err := applyString(lookup, "QUERYSTREAM_OBJECTSTORE_REGION", &cfg.ObjectStore.Region); err != nil {
		return Config{}, err
	}
	if err := applyString(lookup, "QUERYSTREAM_OBJECTSTORE_BUCKET", &cfg.ObjectStore.Bucket); err != nil {
		return Config{}, err
	}
	if err := applyString(lookup, "QUERYSTREAM_OBJECTSTORE_ACCESS_KEY", &cfg.ObjectStore.AccessKeyID); err != nil {
		return Config{}, err
	}
	if err := applyString(lookup, "QUERYSTREAM_OBJECTSTORE_SECRET_KEY", &cfg.ObjectStore.SecretAccessKey); err != nil {
		return Config{}, err
	}
	if err := applyBool(lookup, "QUERYSTREAM_OBJECTSTORE_USE_SSL", &cfg.ObjectStore.UseSSL); err != nil {
		return Config{}, err
	}
	if err := applyString(lookup, "QUERYSTREAM_OBJECTSTORE_PREFIX", &cfg.ObjectStore.Prefix); err != nil {
		return Config{}, err
	}
	if err := applyBool(lookup, "QUERYSTREAM_LOG_JSON", &cfg.Observability.LogJSON); err != nil {
		return Config{}, err
	}
	if err := applyLogLevel(lookup, "QUERYSTREAM_LOG_LEVEL", &cfg.Observability.LogLevel); err != nil {
		return Config{}, err
	}
	if err := applyBool(lookup, "QUERYSTREAM_AUTH_REQUIRED", &cfg.Auth.Required); err != nil {
		return Config{}, err
	}
	if err := applyString(lookup, "QUERYSTREAM_AUTH_STATIC_KEYS", &cfg.Auth.StaticKeys); err != nil {
		return Config{}, err
	}

	if cfg.Service.Name == "" {
		return Config{}, fmt.Errorf("service name is required")
	}
	if cfg.HTTP.Address == "" {
		return Config{}, fmt.Errorf("http address is required")
	}
	if cfg.Engine.DefaultChunkSize <= 0 {
		return Config{}, fmt.Errorf("default chunk size must be positive")
	}
	if cfg.Engine.CountCacheTTL <= 0 {
		return Config{}, fmt.Errorf("count cache ttl must be positive")
	}
	return cfg, nil
}

func defaultsForProfile(profile Profile) Config {
	cfg := Config{
		Profile: profile,
		Service: ServiceConfig{Name: "querystream-api"},
		HTTP: HTTPConfig{
			Address:      ":8080",
			ReadTimeout:  5 * time.Second,
			WriteTimeout: 60 * time.Second,
			IdleTimeout:  60 * time.Second,
		},
		Engine: EngineConfig{
			InMemoryRowCutoff: 100,
			LargeLimitCutoff:  10000,
			DefaultChunkSize:  500,
			CountCacheTTL:     2 * time.Minute,
			EstimationTimeout: 10 * time.Second,
			AutoRoute:         AutoRouteSwitch,
		},
		ChunkCache: ChunkCacheConfig{
			Enabled:           true,
			Path:              "querystream-cache.db",
			RetentionWindow:   time.Hour,
			RetentionInterval: 10 * time.Minute,
		},
		Connectors: ConnectorsConfig{
			DuckDBPath: "",
		},
		ObjectStore: ObjectStoreConfig{
			Endpoint:        "localhost:9000",
			Region:          "us-east-1",
			Bucket:          "querystream",
			AccessKeyID:     "minio",
			SecretAccessKey: "miniostorage",
			UseSSL:          false,
		},
		Observability: ObservabilityConfig{
			LogLevel: slog.LevelDebug,
			LogJSON:  true,
		},
		Auth: AuthConfig{
			Required:   false,
			StaticKeys: "",
		},
	}

	switch profile {
	case ProfileTest:
		cfg.HTTP.Address = ":18080"
		cfg.Observability.LogLevel = slog.LevelWarn
		cfg.ChunkCache.Path = ""
	case ProfileProd:
		cfg.Observability.LogLevel = slog.LevelInfo
		cfg.Auth.Required = true
		cfg.ObjectStore.UseSSL = true
	}

	return cfg
}

func isValidProfile(profile Profile) bool {
	switch profile {
	case ProfileDev, ProfileTest, ProfileProd:
		return true
	default:
		return false
	}
}

func applyString(lookup LookupFunc, key string, dst *string) error {
	raw, ok := lookup(key)
	if !ok {
		return nil
	}
	*dst = strings.TrimSpace(raw)
	return nil
}

func applyDuration(lookup LookupFunc, key string, dst *time.Duration) error {
	raw, ok := lookup(key)
	if !ok {
		return nil
	}
	value, err := time.ParseDuration(strings.TrimSpace(raw))
	if err != nil {
		return fmt.Errorf("invalid %s: %w", key, err)
	}
	*dst = value
	return nil
}

func applyBool(lookup LookupFunc, key string, dst *bool) error {
	raw, ok := lookup(key)
	if !ok {
		return nil
	}
	value, err := strconv.ParseBool(strings.TrimSpace(raw))
	if err != nil {
		return fmt.Errorf("invalid %s: %w", key, err)
	}
	*dst = value
	return nil
}

func applyInt(lookup LookupFunc, key string, dst *int) error {
	raw, ok := lookup(key)
	if !ok {
		return nil
	}
	value, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return fmt.Errorf("invalid %s: %w", key, err)
	}
	*dst = value
	return nil
}

func applyAutoRoute(lookup LookupFunc, key string, dst *AutoRouteMode) error {
	raw, ok := lookup(key)
	if !ok {
		return nil
	}
	mode := AutoRouteMode(strings.ToLower(strings.TrimSpace(raw)))
	switch mode {
	case AutoRouteOff, AutoRouteSwitch, AutoRouteSuggest:
		*dst = mode
		return nil
	default:
		return fmt.Errorf("invalid %s: %q", key, raw)
	}
}

func applyLogLevel(lookup LookupFunc, key string, dst *slog.Level) error {
	raw, ok := lookup(key)
	if !ok {
		return nil
	}
	level := strings.ToLower(strings.TrimSpace(raw))
	switch level {
	case "debug":
		*dst = slog.LevelDebug
	case "info":
		*dst = slog.LevelInfo
	case "warn", "warning":
		*dst = slog.LevelWarn
	case "error":
		*dst = slog.LevelError
	default:
		return fmt.Errorf("invalid %s: %q", key, raw)
	}
	return nil
}
