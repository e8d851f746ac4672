package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// ServerConfig captures all tunable parameters for the dispatcher process.
// Values are loaded from environment variables with defaults that let the
// binary run locally with no external services.
type ServerConfig struct {
	HTTPAddr        string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration

	LockTimeout         time.Duration
	PingTimeout         time.Duration
	ArrivingDelay       time.Duration
	OnTripDelay         time.Duration
	CompleteDelay       time.Duration
	RetryInterval       time.Duration
	MaxRings            int
	TimerWorkers        int
	ValidateCoordinates bool

	RedisAddr      string
	RedisPassword  string
	RedisGeoPrefix string

	KafkaBrokers        []string
	KafkaEventsTopic    string
	KafkaLocationsTopic string
	KafkaGroup          string

	PGDSN         string
	RunMigrations bool

	PingWebhookURL   string
	OSRMURL          string
	GoogleMapsAPIKey string
	ETACacheTTL      time.Duration
	DefaultSpeedMps  float64

	CORSAllowedOrigins []string

	OTLPEndpoint     string
	TraceSampleRatio float64

	LogLevel string
}

func defaultServerConfig() ServerConfig {
	return ServerConfig{
		HTTPAddr:            ":8080",
		ReadTimeout:         5 * time.Second,
		WriteTimeout:        10 * time.Second,
		IdleTimeout:         120 * time.Second,
		ShutdownTimeout:     15 * time.Second,
		LockTimeout:         200 * time.Millisecond,
		PingTimeout:         15 * time.Second,
		ArrivingDelay:       5 * time.Second,
		OnTripDelay:         5 * time.Second,
		CompleteDelay:       10 * time.Second,
		RetryInterval:       5 * time.Second,
		MaxRings:            30,
		TimerWorkers:        4,
		ValidateCoordinates: true,
		RedisGeoPrefix:      "dispatcher:geo",
		KafkaEventsTopic:    "ride-events",
		KafkaLocationsTopic: "driver-locations",
		KafkaGroup:          "ride-dispatcher",
		ETACacheTTL:         time.Minute,
		DefaultSpeedMps:     8,
		CORSAllowedOrigins:  []string{"*"},
		TraceSampleRatio:    0.1,
		LogLevel:            "info",
	}
}

func LoadServerConfig() (ServerConfig, error) {
	cfg := defaultServerConfig()
	var errs []error

	setStringFromEnv(&cfg.HTTPAddr, "HTTP_ADDR")
	setDurationFromEnv(&cfg.ReadTimeout, "HTTP_READ_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.WriteTimeout, "HTTP_WRITE_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.IdleTimeout, "HTTP_IDLE_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.ShutdownTimeout, "HTTP_SHUTDOWN_TIMEOUT", &errs)

	setDurationFromEnv(&cfg.LockTimeout, "LOCK_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.PingTimeout, "PING_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.ArrivingDelay, "ARRIVING_DELAY", &errs)
	setDurationFromEnv(&cfg.OnTripDelay, "ON_TRIP_DELAY", &errs)
	setDurationFromEnv(&cfg.CompleteDelay, "COMPLETE_DELAY", &errs)
	setDurationFromEnv(&cfg.RetryInterval, "DISPATCH_RETRY_INTERVAL", &errs)
	setIntFromEnv(&cfg.MaxRings, "DISPATCH_MAX_RINGS", &errs)
	setIntFromEnv(&cfg.TimerWorkers, "TIMER_WORKERS", &errs)
	setBoolFromEnv(&cfg.ValidateCoordinates, "VALIDATE_COORDINATES", &errs)

	cfg.RedisAddr = strings.TrimSpace(os.Getenv("REDIS_ADDR"))
	cfg.RedisPassword = os.Getenv("REDIS_PASSWORD")
	setStringFromEnv(&cfg.RedisGeoPrefix, "REDIS_GEO_PREFIX")

	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		cfg.KafkaBrokers = splitAndTrim(brokers)
	}
	setStringFromEnv(&cfg.KafkaEventsTopic, "KAFKA_EVENTS_TOPIC")
	setStringFromEnv(&cfg.KafkaLocationsTopic, "KAFKA_LOCATIONS_TOPIC")
	setStringFromEnv(&cfg.KafkaGroup, "KAFKA_GROUP")

	cfg.PGDSN = os.Getenv("PG_DSN")
	cfg.RunMigrations = strings.EqualFold(os.Getenv("MIGRATE"), "true")

	cfg.PingWebhookURL = strings.TrimSpace(os.Getenv("PING_WEBHOOK_URL"))
	cfg.OSRMURL = strings.TrimSpace(os.Getenv("OSRM_URL"))
	cfg.GoogleMapsAPIKey = strings.TrimSpace(os.Getenv("GOOGLE_MAPS_API_KEY"))
	setDurationFromEnv(&cfg.ETACacheTTL, "ETA_CACHE_TTL", &errs)
	setFloatFromEnv(&cfg.DefaultSpeedMps, "DEFAULT_SPEED_MPS", &errs)

	if origins := os.Getenv("CORS_ALLOWED_ORIGINS"); origins != "" {
		cfg.CORSAllowedOrigins = splitAndTrim(origins)
	}

	cfg.OTLPEndpoint = strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"))
	setFloatFromEnv(&cfg.TraceSampleRatio, "TRACE_SAMPLE_RATIO", &errs)

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = strings.ToLower(v)
	}

	if cfg.LockTimeout <= 0 {
		errs = append(errs, fmt.Errorf("LOCK_TIMEOUT must be > 0"))
	}
	if cfg.PingTimeout <= 0 {
		errs = append(errs, fmt.Errorf("PING_TIMEOUT must be > 0"))
	}
	if cfg.MaxRings <= 0 {
		errs = append(errs, fmt.Errorf("DISPATCH_MAX_RINGS must be > 0"))
	}
	if cfg.TimerWorkers <= 0 {
		errs = append(errs, fmt.Errorf("TIMER_WORKERS must be > 0"))
	}
	if cfg.DefaultSpeedMps <= 0 {
		errs = append(errs, fmt.Errorf("DEFAULT_SPEED_MPS must be > 0"))
	}
	if cfg.TraceSampleRatio < 0 || cfg.TraceSampleRatio > 1 {
		errs = append(errs, fmt.Errorf("TRACE_SAMPLE_RATIO must be within [0,1]"))
	}

	return cfg, errors.Join(errs...)
}

func setDurationFromEnv(target *time.Duration, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = d
	}
}

func setFloatFromEnv(target *float64, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = f
	}
}

func setIntFromEnv(target *int, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		i, err := strconv.Atoi(v)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = i
	}
}

func setBoolFromEnv(target *bool, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = b
	}
}

func setStringFromEnv(target *string, key string) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		*target = v
	}
}

func splitAndTrim(v string) []string {
	raw := strings.Split(v, ",")
	out := make([]string, 0, len(raw))
	for _, r := range raw {
		r = strings.TrimSpace(r)
		if r == "" {
			continue
		}
		out = append(out, r)
	}
	return out
}
