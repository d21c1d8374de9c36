package config

import (
	"errors"
	"fmt"
	"math"
	"os"
	"strconv"
	"strings"
	"time"

	sharedcfg "github.com/couchcryptid/storm-data-shared/config"
)

// Source strategies.
const (
	StrategyListing  = "listing"
	StrategyComputed = "computed"
)

// Fallback policies.
const (
	PolicyMockOnFailure = "mockOnFailure"
	PolicyFailClosed    = "failClosed"
)

// Store backends.
const (
	BackendMemory = "memory"
	BackendMongo  = "mongo"
	BackendRedis  = "redis"
)

// Config holds all service settings, populated from environment variables.
type Config struct {
	TargetLat float64
	TargetLon float64

	// Raster source.
	SourceStrategy      string
	SourceBaseURL       string
	SourcePrefix        string
	SourceExt           string
	SourceName          string
	ForecastHorizonDays int

	FallbackPolicy string

	FetchTimeout    time.Duration
	FetchMaxBytes   int64
	RunTimeout      time.Duration
	RunInterval     time.Duration
	RasterCacheSize int

	// Result store.
	StoreBackend        string
	DocumentID          string
	MongoURI            string
	MongoDatabase       string
	MongoCollection     string
	MongoConnectTimeout time.Duration
	RedisAddr           string
	RedisPassword       string
	RedisDB             int
	RedisKeyPrefix      string

	// Optional outcome events; disabled when no brokers are set.
	KafkaBrokers []string
	KafkaTopic   string

	HTTPAddr        string
	LogLevel        string
	LogFormat       string
	ShutdownTimeout time.Duration
}

// Load reads configuration from environment variables, applying defaults where unset.
func Load() (*Config, error) {
	shutdownTimeout, err := sharedcfg.ParseShutdownTimeout()
	if err != nil {
		return nil, err
	}

	lat, err := parseFloat("TARGET_LAT", "20.63")
	if err != nil {
		return nil, err
	}
	lon, err := parseFloat("TARGET_LON", "-88.52")
	if err != nil {
		return nil, err
	}
	horizon, err := parsePositiveInt("FORECAST_HORIZON_DAYS", "5")
	if err != nil {
		return nil, err
	}
	fetchTimeout, err := parseDuration("FETCH_TIMEOUT", "60s")
	if err != nil {
		return nil, err
	}
	runTimeout, err := parseDuration("RUN_TIMEOUT", "120s")
	if err != nil {
		return nil, err
	}
	mongoTimeout, err := parseDuration("MONGO_CONNECT_TIMEOUT", "10s")
	if err != nil {
		return nil, err
	}
	runInterval, err := parseOptionalDuration("RUN_INTERVAL")
	if err != nil {
		return nil, err
	}
	maxBytes, err := parsePositiveInt("FETCH_MAX_BYTES", strconv.Itoa(256<<20))
	if err != nil {
		return nil, err
	}
	cacheSize, err := parseNonNegativeInt("RASTER_CACHE_SIZE", "2")
	if err != nil {
		return nil, err
	}
	redisDB, err := parseNonNegativeInt("REDIS_DB", "0")
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		TargetLat: lat,
		TargetLon: lon,

		SourceStrategy:      sharedcfg.EnvOrDefault("SOURCE_STRATEGY", StrategyListing),
		SourceBaseURL:       sharedcfg.EnvOrDefault("SOURCE_BASE_URL", "https://data.chc.ucsb.edu/products/EWX/data/forecasts/CHIRPS-GEFS_precip_v12/05day/precip_mean/"),
		SourcePrefix:        sharedcfg.EnvOrDefault("SOURCE_PREFIX", "data-mean"),
		SourceExt:           sharedcfg.EnvOrDefault("SOURCE_EXT", "tif"),
		SourceName:          sharedcfg.EnvOrDefault("SOURCE_NAME", "CHIRPS-GEFS"),
		ForecastHorizonDays: horizon,

		FallbackPolicy: sharedcfg.EnvOrDefault("FALLBACK_POLICY", PolicyMockOnFailure),

		FetchTimeout:    fetchTimeout,
		FetchMaxBytes:   int64(maxBytes),
		RunTimeout:      runTimeout,
		RunInterval:     runInterval,
		RasterCacheSize: cacheSize,

		StoreBackend:        sharedcfg.EnvOrDefault("STORE_BACKEND", BackendMemory),
		DocumentID:          sharedcfg.EnvOrDefault("DOCUMENT_ID", "latest"),
		MongoURI:            sharedcfg.EnvOrDefault("MONGO_URI", "mongodb://localhost:27017"),
		MongoDatabase:       sharedcfg.EnvOrDefault("MONGO_DB", "weather"),
		MongoCollection:     sharedcfg.EnvOrDefault("MONGO_COLLECTION", "precipitation"),
		MongoConnectTimeout: mongoTimeout,
		RedisAddr:           sharedcfg.EnvOrDefault("REDIS_ADDR", "localhost:6379"),
		RedisPassword:       os.Getenv("REDIS_PASSWORD"),
		RedisDB:             redisDB,
		RedisKeyPrefix:      sharedcfg.EnvOrDefault("REDIS_KEY_PREFIX", "precipitation:"),

		KafkaTopic: sharedcfg.EnvOrDefault("KAFKA_TOPIC", "precipitation-runs"),

		HTTPAddr:        sharedcfg.EnvOrDefault("HTTP_ADDR", ":8080"),
		LogLevel:        sharedcfg.EnvOrDefault("LOG_LEVEL", "info"),
		LogFormat:       sharedcfg.EnvOrDefault("LOG_FORMAT", "json"),
		ShutdownTimeout: shutdownTimeout,
	}
	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		cfg.KafkaBrokers = sharedcfg.ParseBrokers(brokers)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if math.IsNaN(c.TargetLat) || c.TargetLat < -90 || c.TargetLat > 90 {
		return errors.New("TARGET_LAT must be within [-90, 90]")
	}
	if math.IsNaN(c.TargetLon) || c.TargetLon < -180 || c.TargetLon > 180 {
		return errors.New("TARGET_LON must be within [-180, 180]")
	}
	switch c.SourceStrategy {
	case StrategyListing, StrategyComputed:
	default:
		return fmt.Errorf("invalid SOURCE_STRATEGY %q: want %s or %s", c.SourceStrategy, StrategyListing, StrategyComputed)
	}
	switch c.FallbackPolicy {
	case PolicyMockOnFailure, PolicyFailClosed:
	default:
		return fmt.Errorf("invalid FALLBACK_POLICY %q: want %s or %s", c.FallbackPolicy, PolicyMockOnFailure, PolicyFailClosed)
	}
	switch c.StoreBackend {
	case BackendMemory, BackendMongo, BackendRedis:
	default:
		return fmt.Errorf("invalid STORE_BACKEND %q", c.StoreBackend)
	}
	if !strings.HasPrefix(c.SourceBaseURL, "http://") && !strings.HasPrefix(c.SourceBaseURL, "https://") {
		return errors.New("SOURCE_BASE_URL must be an http(s) URL")
	}
	if c.DocumentID == "" {
		return errors.New("DOCUMENT_ID is required")
	}
	if c.KafkaTopic == "" && len(c.KafkaBrokers) > 0 {
		return errors.New("KAFKA_TOPIC is required when KAFKA_BROKERS is set")
	}
	return nil
}

// EventsEnabled reports whether run outcome events should be published.
func (c *Config) EventsEnabled() bool { return len(c.KafkaBrokers) > 0 }

func parseFloat(key, def string) (float64, error) {
	s := sharedcfg.EnvOrDefault(key, def)
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, s, err)
	}
	return v, nil
}

func parseDuration(key, def string) (time.Duration, error) {
	s := sharedcfg.EnvOrDefault(key, def)
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return 0, fmt.Errorf("invalid %s %q: must be a positive duration", key, s)
	}
	return d, nil
}

// parseOptionalDuration returns zero when key is unset.
func parseOptionalDuration(key string) (time.Duration, error) {
	if os.Getenv(key) == "" {
		return 0, nil
	}
	return parseDuration(key, "")
}

func parsePositiveInt(key, def string) (int, error) {
	s := sharedcfg.EnvOrDefault(key, def)
	n, err := strconv.Atoi(s)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("invalid %s %q: must be a positive integer", key, s)
	}
	return n, nil
}

func parseNonNegativeInt(key, def string) (int, error) {
	s := sharedcfg.EnvOrDefault(key, def)
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("invalid %s %q: must be a non-negative integer", key, s)
	}
	return n, nil
}
