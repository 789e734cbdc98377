package config

import (
	"crypto/tls"
	"fmt"
	"os"
	"strconv"
	"time"

	"nftmarket/internal/log"

	"github.com/joho/godotenv"
	"go.uber.org/zap"
)

type Config struct {
	HTTPAddr           string
	MetricsAddr        string
	DatabaseURL        string
	WALDir             string
	RedisAddr          string
	RedisPassword      string
	EventsStream       string
	JWTSecret          string
	MarketOwner        string
	MarketAddress      string
	FeeRatePercent     uint64
	NodeID             int64
	RateLimitPerMinute int
	RelayInterval      time.Duration
	MetricsInterval    time.Duration
	LogLevel           string
	TLSCertFile        string
	TLSKeyFile         string
}

// Load reads an optional .env file and then the process environment.
func Load(logger *log.Logger) (*Config, error) {
	if err := godotenv.Load(); err != nil {
		// .env is optional when the variables are set elsewhere
		logger.Warn("Failed to load .env file", zap.Error(err))
	}

	cfg := &Config{
		HTTPAddr:      getenv("HTTP_ADDR", ":8080"),
		MetricsAddr:   getenv("METRICS_ADDR", ":2112"),
		DatabaseURL:   os.Getenv("DATABASE_URL"),
		WALDir:        getenv("WAL_DIR", "data/wal"),
		RedisAddr:     os.Getenv("REDIS_ADDR"),
		RedisPassword: os.Getenv("REDIS_PASSWORD"),
		EventsStream:  getenv("EVENTS_STREAM", "nftmarket:events"),
		JWTSecret:     os.Getenv("JWT_SECRET"),
		MarketOwner:   os.Getenv("MARKET_OWNER"),
		MarketAddress: getenv("MARKET_ADDRESS", "nftmarket"),
		LogLevel:      getenv("LOG_LEVEL", "info"),
		TLSCertFile:   os.Getenv("TLS_CERT_FILE"),
		TLSKeyFile:    os.Getenv("TLS_KEY_FILE"),
	}

	if cfg.JWTSecret == "" {
		logger.Error("JWT_SECRET is required")
		return nil, fmt.Errorf("JWT_SECRET is required")
	}
	if cfg.MarketOwner == "" {
		logger.Error("MARKET_OWNER is required")
		return nil, fmt.Errorf("MARKET_OWNER is required")
	}
	if cfg.MarketOwner == cfg.MarketAddress {
		return nil, fmt.Errorf("MARKET_OWNER must differ from MARKET_ADDRESS")
	}

	var err error
	if cfg.FeeRatePercent, err = parseUint("FEE_RATE_PERCENT", 2); err != nil {
		return nil, err
	}
	if cfg.FeeRatePercent >= 10 {
		return nil, fmt.Errorf("FEE_RATE_PERCENT must be lower than 10, got %d", cfg.FeeRatePercent)
	}
	nodeID, err := parseUint("NODE_ID", 1)
	if err != nil {
		return nil, err
	}
	cfg.NodeID = int64(nodeID)
	limit, err := parseUint("RATE_LIMIT_PER_MINUTE", 100)
	if err != nil {
		return nil, err
	}
	cfg.RateLimitPerMinute = int(limit)
	if cfg.RelayInterval, err = parseDuration("EVENTS_RELAY_INTERVAL", 2*time.Second); err != nil {
		return nil, err
	}
	if cfg.MetricsInterval, err = parseDuration("METRICS_INTERVAL", 10*time.Second); err != nil {
		return nil, err
	}
	if (cfg.TLSCertFile == "") != (cfg.TLSKeyFile == "") {
		return nil, fmt.Errorf("TLS_CERT_FILE and TLS_KEY_FILE must be set together")
	}

	if cfg.DatabaseURL == "" {
		logger.Info("DATABASE_URL not set, using journaled memory store", zap.String("wal_dir", cfg.WALDir))
	}
	logger.Info("Config loaded successfully")
	return cfg, nil
}

// TLS loads the configured key pair, or returns nil when TLS is off.
func (c *Config) TLS() (*tls.Config, error) {
	if c.TLSCertFile == "" {
		return nil, nil
	}
	cert, err := tls.LoadX509KeyPair(c.TLSCertFile, c.TLSKeyFile)
	if err != nil {
		return nil, fmt.Errorf("load TLS certificates: %w", err)
	}
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
	}, nil
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func parseUint(key string, def uint64) (uint64, error) {
	raw := os.Getenv(key)
	if raw == "" {
		return def, nil
	}
	v, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, raw, err)
	}
	return v, nil
}

func parseDuration(key string, def time.Duration) (time.Duration, error) {
	raw := os.Getenv(key)
	if raw == "" {
		return def, nil
	}
	v, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, raw, err)
	}
	if v <= 0 {
		return 0, fmt.Errorf("%s must be positive", key)
	}
	return v, nil
}
