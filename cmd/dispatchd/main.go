package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/homereach/dispatch/internal/config"
	"github.com/homereach/dispatch/internal/crm"
	"github.com/homereach/dispatch/internal/geocode"
	"github.com/homereach/dispatch/internal/match"
	"github.com/homereach/dispatch/internal/metrics"
	"github.com/homereach/dispatch/internal/notify"
	"github.com/homereach/dispatch/internal/scheduler"
	"github.com/homereach/dispatch/internal/server"
	"github.com/homereach/dispatch/internal/simulation"
	"github.com/homereach/dispatch/internal/store"
	"github.com/homereach/dispatch/internal/traveltime"
	"github.com/homereach/dispatch/pkg/logger"
)

var (
	// Set by LDFLAGS
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	verboseFlag := flag.Bool("verbose", false, "Enable verbose (debug) logging")
	envFileFlag := flag.String("env-file", ".env", "Env file loaded before configuration, if present")
	shutdownTimeoutFlag := flag.Duration("shutdown-timeout", 30*time.Second, "Maximum time to wait for in-flight requests during graceful shutdown")
	flag.Parse()

	if err := godotenv.Load(*envFileFlag); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to load env file %s: %w", *envFileFlag, err)
	}

	log := logger.New(*verboseFlag)

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	log.Info("starting dispatchd", "version", version, "project", cfg.ExpectedProjectName)

	if cfg.SentryDSN != "" {
		err := sentry.Init(sentry.ClientOptions{
			Dsn:         cfg.SentryDSN,
			Environment: os.Getenv("SENTRY_ENVIRONMENT"),
			Release:     version,
		})
		if err != nil {
			return fmt.Errorf("failed to init sentry: %w", err)
		}
		defer sentry.Flush(2 * time.Second)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	st, err := store.New(ctx, cfg.StoreConfig(log))
	if err != nil {
		return err
	}
	defer st.Close()

	// The sentinel check runs before anything serves: a store initialized
	// by another deployment is refused, not adopted.
	if err := st.ValidateProject(ctx, cfg.ExpectedProjectName); err != nil {
		return err
	}

	var travelProvider traveltime.Provider
	var geoProvider geocode.Provider
	if cfg.GoogleMapsAPIKey != "" {
		travelProvider, err = traveltime.NewGoogle(traveltime.GoogleConfig{Logger: log, APIKey: cfg.GoogleMapsAPIKey})
		if err != nil {
			return err
		}
		geoProvider, err = geocode.NewGoogle(geocode.GoogleConfig{Logger: log, APIKey: cfg.GoogleMapsAPIKey})
		if err != nil {
			return err
		}
	} else {
		log.Warn("GOOGLE_MAPS_API_KEY is not set, travel times fall back to haversine and geocoding is disabled")
		travelProvider = traveltime.Haversine{}
		geoProvider = geocode.Disabled{}
	}

	geocoder, err := geocode.New(geocode.Config{
		Logger:           log,
		Provider:         geoProvider,
		MinSpacing:       cfg.GeocodeMinSpacing,
		MaxAttempts:      cfg.GeocodeMaxAttempts,
		BreakerThreshold: cfg.GeocodeBreakerThreshold,
		BreakerCooldown:  cfg.GeocodeBreakerCooldown,
	})
	if err != nil {
		return err
	}

	travel, err := traveltime.New(traveltime.Config{
		Logger:        log,
		Provider:      travelProvider,
		Cache:         st.TravelCache(),
		Bucket:        cfg.Bucket(),
		LegacyBuckets: cfg.LegacyBuckets,
		Location:      cfg.Location,
		MaxConcurrent: cfg.TravelTimeMaxConcurrent,
	})
	if err != nil {
		return err
	}

	ensurer, err := match.NewEnsurer(match.EnsurerConfig{
		Logger:   log,
		Resolver: geocoder,
		Store:    st,
		Cache:    st.TravelCache(),
	})
	if err != nil {
		return err
	}

	matcher, err := match.New(match.Config{
		Logger:        log,
		Travel:        travel,
		Ensure:        ensurer,
		BudgetMinutes: cfg.MaxTravelMinutes,
		BucketName:    cfg.PeakBucketName,
	})
	if err != nil {
		return err
	}

	runnerCfg := match.ServiceConfig{Logger: log, Store: st, Matcher: matcher}
	if cfg.SlackWebhookURL != "" {
		slackNotifier, err := notify.NewSlack(notify.SlackConfig{Logger: log, WebhookURL: cfg.SlackWebhookURL})
		if err != nil {
			return err
		}
		runnerCfg.Notifier = slackNotifier
	}
	runner, err := match.NewService(runnerCfg)
	if err != nil {
		return err
	}

	sim, err := simulation.New(simulation.Config{
		Logger:   log,
		Store:    st,
		Runner:   runner,
		Geocoder: geocoder,
	})
	if err != nil {
		return err
	}

	srvCfg := server.Config{
		Logger:         log,
		Store:          st,
		Runner:         runner,
		Simulator:      sim,
		Estimator:      travel,
		Geocoder:       geocoder,
		ConflictPolicy: cfg.ConflictPolicy,
		ListenAddr:     cfg.ListenAddr,
		CORSOrigins:    cfg.CORSOrigins,
	}
	if cfg.CRMBaseURL != "" {
		source, err := crm.NewHTTPSource(crm.HTTPConfig{Logger: log, BaseURL: cfg.CRMBaseURL, Token: cfg.CRMAPIToken})
		if err != nil {
			return err
		}
		syncer, err := crm.NewSyncer(crm.Config{
			Logger:   log,
			Source:   source,
			Store:    st,
			Cache:    st.TravelCache(),
			Geocoder: geocoder,
		})
		if err != nil {
			return err
		}
		srvCfg.Syncer = syncer
	}

	srv, err := server.New(srvCfg)
	if err != nil {
		return err
	}
	srv.MarkStoreValidated()

	if cfg.SchedulerEnabled {
		sched, err := scheduler.New(scheduler.Config{
			Logger:   log,
			Runner:   runner,
			At:       cfg.SchedulerAt,
			Location: cfg.Location,
		})
		if err != nil {
			return err
		}
		sched.Start(ctx)
	}

	// Start metrics server
	if cfg.MetricsAddr != "" {
		metrics.BuildInfo.WithLabelValues(version, commit, date).Set(1)
		go func() {
			listener, err := net.Listen("tcp", cfg.MetricsAddr)
			if err != nil {
				log.Error("failed to start prometheus metrics server listener", "error", err)
				return
			}
			log.Info("prometheus metrics server listening", "address", listener.Addr().String())
			http.Handle("/metrics", promhttp.Handler())
			if err := http.Serve(listener, nil); err != nil {
				log.Error("failed to start prometheus metrics server", "error", err)
			}
		}()
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	log.Info("shutdown signal received, draining in-flight requests", "timeout", *shutdownTimeoutFlag)
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), *shutdownTimeoutFlag)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("failed to shut down http server", "error", err)
	}
	log.Info("dispatchd stopped")
	return nil
}
