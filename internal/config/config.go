// Package config reads the daemon's environment configuration. Everything
// has a default except the Postgres identity and the project sentinel name,
// so a bad deployment dies at startup instead of mid-run.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/homereach/dispatch/internal/store"
	"github.com/homereach/dispatch/internal/traveltime"
)

// Config holds everything dispatchd reads from the environment.
type Config struct {
	// Postgres
	PostgresHost     string
	PostgresPort     string
	PostgresDB       string
	PostgresUser     string
	PostgresPassword string
	PostgresSSLMode  string
	RunMigrations    bool

	// HTTP surfaces
	ListenAddr  string
	MetricsAddr string
	CORSOrigins []string

	// ExpectedProjectName is checked against the store's sentinel before the
	// daemon serves anything.
	ExpectedProjectName string

	// Matching
	MaxTravelMinutes int
	ConflictPolicy   store.ConflictPolicy

	// Travel times. An empty GoogleMapsAPIKey switches both the travel and
	// geocode providers to their offline fallbacks.
	GoogleMapsAPIKey        string
	PeakBucketName          string
	PeakSampleTimes         []traveltime.SampleTime
	TrafficModel            traveltime.TrafficModel
	TravelTimeTTL           time.Duration
	TravelTimeMaxConcurrent int
	LegacyBuckets           []string

	// Geocoding
	GeocodeMinSpacing       time.Duration
	GeocodeMaxAttempts      int
	GeocodeBreakerThreshold int
	GeocodeBreakerCooldown  time.Duration

	// Scheduler
	SchedulerEnabled bool
	SchedulerAt      string
	Location         *time.Location

	// Integrations, all optional. An empty CRMBaseURL leaves the sync
	// endpoints unconfigured; an empty SlackWebhookURL skips notifications.
	CRMBaseURL      string
	CRMAPIToken     string
	SlackWebhookURL string
	SentryDSN       string
}

// Load reads configuration from environment variables, applying defaults for
// anything unset.
func Load() (*Config, error) {
	cfg := &Config{
		PostgresHost:     envOr("POSTGRES_HOST", "localhost"),
		PostgresPort:     envOr("POSTGRES_PORT", "5432"),
		PostgresDB:       os.Getenv("POSTGRES_DB"),
		PostgresUser:     os.Getenv("POSTGRES_USER"),
		PostgresPassword: os.Getenv("POSTGRES_PASSWORD"),
		PostgresSSLMode:  envOr("POSTGRES_SSLMODE", "disable"),
		RunMigrations:    os.Getenv("POSTGRES_RUN_MIGRATIONS") == "true",

		ListenAddr:  envOr("LISTEN_ADDR", ":8080"),
		MetricsAddr: envOr("METRICS_ADDR", ":9090"),
		CORSOrigins: envList("CORS_ALLOWED_ORIGINS"),

		ExpectedProjectName: os.Getenv("EXPECTED_PROJECT_NAME"),

		GoogleMapsAPIKey: os.Getenv("GOOGLE_MAPS_API_KEY"),
		PeakBucketName:   envOr("PEAK_BUCKET_NAME", "weekday_2to8"),
		LegacyBuckets:    envList("TRAVEL_TIME_LEGACY_BUCKETS"),

		SchedulerEnabled: os.Getenv("SCHEDULER_ENABLED") == "true",
		SchedulerAt:      envOr("SCHEDULER_CRON_LOCAL", "02:30"),

		CRMBaseURL:      os.Getenv("CRM_BASE_URL"),
		CRMAPIToken:     os.Getenv("CRM_API_TOKEN"),
		SlackWebhookURL: os.Getenv("SLACK_WEBHOOK_URL"),
		SentryDSN:       os.Getenv("SENTRY_DSN"),
	}

	if cfg.PostgresDB == "" {
		return nil, fmt.Errorf("POSTGRES_DB is required")
	}
	if cfg.PostgresUser == "" {
		return nil, fmt.Errorf("POSTGRES_USER is required")
	}
	if cfg.ExpectedProjectName == "" {
		return nil, fmt.Errorf("EXPECTED_PROJECT_NAME is required")
	}

	var err error
	if cfg.MaxTravelMinutes, err = envInt("MAX_TRAVEL_MINUTES", 30); err != nil {
		return nil, err
	}
	if cfg.MaxTravelMinutes <= 0 {
		return nil, fmt.Errorf("MAX_TRAVEL_MINUTES must be positive, got %d", cfg.MaxTravelMinutes)
	}

	cfg.PeakSampleTimes, err = traveltime.ParseSampleTimes(envOr("PEAK_SAMPLE_TIMES", "14:30,16:30,18:30"))
	if err != nil {
		return nil, fmt.Errorf("invalid PEAK_SAMPLE_TIMES: %w", err)
	}

	cfg.TrafficModel = traveltime.TrafficModel(envOr("TRAFFIC_MODEL", string(traveltime.TrafficPessimistic)))
	switch cfg.TrafficModel {
	case traveltime.TrafficBestGuess, traveltime.TrafficPessimistic, traveltime.TrafficOptimistic:
	default:
		return nil, fmt.Errorf("TRAFFIC_MODEL must be 'best_guess', 'pessimistic', or 'optimistic', got: %s", cfg.TrafficModel)
	}

	ttlDays, err := envInt("TRAVEL_TIME_TTL_DAYS", 14)
	if err != nil {
		return nil, err
	}
	if ttlDays <= 0 {
		return nil, fmt.Errorf("TRAVEL_TIME_TTL_DAYS must be positive, got %d", ttlDays)
	}
	cfg.TravelTimeTTL = time.Duration(ttlDays) * 24 * time.Hour

	if cfg.TravelTimeMaxConcurrent, err = envInt("TRAVEL_TIME_MAX_CONCURRENT", 5); err != nil {
		return nil, err
	}

	spacingMS, err := envInt("GEOCODE_MIN_SPACING_MS", 100)
	if err != nil {
		return nil, err
	}
	cfg.GeocodeMinSpacing = time.Duration(spacingMS) * time.Millisecond

	if cfg.GeocodeMaxAttempts, err = envInt("GEOCODE_MAX_ATTEMPTS", 3); err != nil {
		return nil, err
	}
	if cfg.GeocodeBreakerThreshold, err = envInt("GEOCODE_BREAKER_THRESHOLD", 5); err != nil {
		return nil, err
	}
	cooldownS, err := envInt("GEOCODE_BREAKER_COOLDOWN_S", 60)
	if err != nil {
		return nil, err
	}
	cfg.GeocodeBreakerCooldown = time.Duration(cooldownS) * time.Second

	cfg.ConflictPolicy = store.ConflictPolicy(envOr("OVERRIDE_CONFLICT_POLICY", string(store.ConflictReject)))
	if !cfg.ConflictPolicy.Valid() {
		return nil, fmt.Errorf("OVERRIDE_CONFLICT_POLICY must be 'reject' or 'replace', got: %s", cfg.ConflictPolicy)
	}

	if _, err := time.Parse("15:04", cfg.SchedulerAt); err != nil {
		return nil, fmt.Errorf("invalid SCHEDULER_CRON_LOCAL %q: %w", cfg.SchedulerAt, err)
	}

	tz := envOr("TIMEZONE", "America/New_York")
	cfg.Location, err = time.LoadLocation(tz)
	if err != nil {
		return nil, fmt.Errorf("invalid TIMEZONE %q: %w", tz, err)
	}

	return cfg, nil
}

// StoreConfig shapes the Postgres slice of the config for the store layer.
func (c *Config) StoreConfig(log *slog.Logger) store.Config {
	return store.Config{
		Logger:        log,
		Host:          c.PostgresHost,
		Port:          c.PostgresPort,
		Database:      c.PostgresDB,
		Username:      c.PostgresUser,
		Password:      c.PostgresPassword,
		SSLMode:       c.PostgresSSLMode,
		RunMigrations: c.RunMigrations,
	}
}

// Bucket assembles the active travel-time sampling regime.
func (c *Config) Bucket() traveltime.Bucket {
	return traveltime.Bucket{
		Name:         c.PeakBucketName,
		TrafficModel: c.TrafficModel,
		SampleTimes:  c.PeakSampleTimes,
		TTL:          c.TravelTimeTTL,
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, v, err)
	}
	return n, nil
}

func envList(key string) []string {
	var out []string
	for _, part := range strings.Split(os.Getenv(key), ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
