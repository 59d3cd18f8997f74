package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

type Config struct {
	Port     int
	LogLevel string
	Env      string

	// Database
	DBHost     string
	DBPort     int
	DBUser     string
	DBPassword string
	DBName     string
	DBSSLMode  string

	// Redis config (tick lock)
	RedisHost     string
	RedisPort     int
	RedisPassword string
	RedisDB       int
	LockTTL       time.Duration

	// Transport: "log", "sns" or "http"
	Transport     string
	SNSRegion     string
	GatewayURL    string
	GatewayAPIKey string

	// Dispatch loop
	TickInterval     time.Duration
	BatchSize        int
	SendTimeout      time.Duration
	ClaimLease       time.Duration
	DayOffset        time.Duration
	TenantDayOffsets map[uuid.UUID]time.Duration
}

// Load reads configuration from environment variables with sensible defaults
func Load() (*Config, error) {
	cfg := &Config{
		Port:     8080,
		LogLevel: "info",
		Env:      "development",

		// Local postgres defaults
		DBHost:     "localhost",
		DBPort:     5432,
		DBUser:     "courier",
		DBPassword: "",
		DBName:     "courier",
		DBSSLMode:  "disable",

		// Redis defaults
		RedisHost:     "localhost",
		RedisPort:     6379,
		RedisPassword: "",
		RedisDB:       0,
		LockTTL:       2 * time.Minute,

		Transport: "log",
		SNSRegion: "us-east-1",

		TickInterval: 30 * time.Second,
		BatchSize:    50,
		SendTimeout:  30 * time.Second,
		ClaimLease:   5 * time.Minute,
		DayOffset:    -3 * time.Hour,
	}

	if port := os.Getenv("PORT"); port != "" {
		p, err := strconv.Atoi(port)
		if err != nil {
			return nil, fmt.Errorf("invalid PORT: %w", err)
		}
		cfg.Port = p
	}

	if level := os.Getenv("LOG_LEVEL"); level != "" {
		cfg.LogLevel = level
	}

	if env := os.Getenv("ENV"); env != "" {
		cfg.Env = env
	}

	// Database config
	if host := os.Getenv("DB_HOST"); host != "" {
		cfg.DBHost = host
	}

	if port := os.Getenv("DB_PORT"); port != "" {
		p, err := strconv.Atoi(port)
		if err != nil {
			return nil, fmt.Errorf("invalid DB_PORT: %w", err)
		}
		cfg.DBPort = p
	}

	if user := os.Getenv("DB_USER"); user != "" {
		cfg.DBUser = user
	}

	if password := os.Getenv("DB_PASSWORD"); password != "" {
		cfg.DBPassword = password
	}

	if dbname := os.Getenv("DB_NAME"); dbname != "" {
		cfg.DBName = dbname
	}

	if sslmode := os.Getenv("DB_SSLMODE"); sslmode != "" {
		cfg.DBSSLMode = sslmode
	}

	// Redis config
	if host := os.Getenv("REDIS_HOST"); host != "" {
		cfg.RedisHost = host
	}

	if port := os.Getenv("REDIS_PORT"); port != "" {
		p, err := strconv.Atoi(port)
		if err != nil {
			return nil, fmt.Errorf("invalid REDIS_PORT: %w", err)
		}
		cfg.RedisPort = p
	}

	if password := os.Getenv("REDIS_PASSWORD"); password != "" {
		cfg.RedisPassword = password
	}

	if db := os.Getenv("REDIS_DB"); db != "" {
		d, err := strconv.Atoi(db)
		if err != nil {
			return nil, fmt.Errorf("invalid REDIS_DB: %w", err)
		}
		cfg.RedisDB = d
	}

	if ttl := os.Getenv("LOCK_TTL"); ttl != "" {
		d, err := time.ParseDuration(ttl)
		if err != nil {
			return nil, fmt.Errorf("invalid LOCK_TTL: %w", err)
		}
		cfg.LockTTL = d
	}

	// Transport config
	if transport := os.Getenv("TRANSPORT"); transport != "" {
		if transport != "log" && transport != "sns" && transport != "http" {
			return nil, fmt.Errorf("invalid TRANSPORT: %q (must be log, sns or http)", transport)
		}
		cfg.Transport = transport
	}

	if region := os.Getenv("SNS_REGION"); region != "" {
		cfg.SNSRegion = region
	} else if region := os.Getenv("AWS_REGION"); region != "" {
		cfg.SNSRegion = region
	}

	if url := os.Getenv("GATEWAY_URL"); url != "" {
		cfg.GatewayURL = url
	}

	if key := os.Getenv("GATEWAY_API_KEY"); key != "" {
		cfg.GatewayAPIKey = key
	}

	// Dispatch loop config
	if interval := os.Getenv("TICK_INTERVAL"); interval != "" {
		d, err := time.ParseDuration(interval)
		if err != nil {
			return nil, fmt.Errorf("invalid TICK_INTERVAL: %w", err)
		}
		cfg.TickInterval = d
	}

	if size := os.Getenv("BATCH_SIZE"); size != "" {
		s, err := strconv.Atoi(size)
		if err != nil {
			return nil, fmt.Errorf("invalid BATCH_SIZE: %w", err)
		}
		cfg.BatchSize = s
	}

	if timeout := os.Getenv("SEND_TIMEOUT"); timeout != "" {
		d, err := time.ParseDuration(timeout)
		if err != nil {
			return nil, fmt.Errorf("invalid SEND_TIMEOUT: %w", err)
		}
		cfg.SendTimeout = d
	}

	if lease := os.Getenv("CLAIM_LEASE"); lease != "" {
		d, err := time.ParseDuration(lease)
		if err != nil {
			return nil, fmt.Errorf("invalid CLAIM_LEASE: %w", err)
		}
		cfg.ClaimLease = d
	}

	if offset := os.Getenv("QUOTA_DAY_OFFSET"); offset != "" {
		d, err := time.ParseDuration(offset)
		if err != nil {
			return nil, fmt.Errorf("invalid QUOTA_DAY_OFFSET: %w", err)
		}
		cfg.DayOffset = d
	}

	if overrides := os.Getenv("TENANT_DAY_OFFSETS"); overrides != "" {
		parsed, err := parseTenantOffsets(overrides)
		if err != nil {
			return nil, fmt.Errorf("invalid TENANT_DAY_OFFSETS: %w", err)
		}
		cfg.TenantDayOffsets = parsed
	}

	return cfg, nil
}

// parseTenantOffsets parses "tenant-uuid=-3h,tenant-uuid=1h" pairs.
func parseTenantOffsets(raw string) (map[uuid.UUID]time.Duration, error) {
	offsets := make(map[uuid.UUID]time.Duration)

	for _, pair := range strings.Split(raw, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}

		parts := strings.SplitN(pair, "=", 2)
		if len(parts) != 2 {
			return nil, fmt.Errorf("malformed pair: %q", pair)
		}

		tenantID, err := uuid.Parse(strings.TrimSpace(parts[0]))
		if err != nil {
			return nil, fmt.Errorf("bad tenant id in %q: %w", pair, err)
		}

		offset, err := time.ParseDuration(strings.TrimSpace(parts[1]))
		if err != nil {
			return nil, fmt.Errorf("bad offset in %q: %w", pair, err)
		}

		offsets[tenantID] = offset
	}

	return offsets, nil
}
