package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	flag "github.com/spf13/pflag"

	"github.com/homereach/dispatch/internal/config"
	"github.com/homereach/dispatch/internal/crm"
	"github.com/homereach/dispatch/internal/geocode"
	"github.com/homereach/dispatch/internal/match"
	"github.com/homereach/dispatch/internal/store"
	"github.com/homereach/dispatch/internal/traveltime"
	"github.com/homereach/dispatch/pkg/logger"
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

	// Commands
	migrateFlag := flag.Bool("migrate", false, "Run database migrations using goose")
	validateStoreFlag := flag.Bool("validate-store", false, "Verify the store's project sentinel")
	runMatchFlag := flag.Bool("run-match", false, "Execute one match run and report its counters")
	syncClientsFlag := flag.Bool("sync-clients", false, "Run one CRM reconciliation pass")
	geocodeBackfillFlag := flag.Bool("geocode-backfill", false, "Geocode active clients and technicians with missing or stale coordinates")
	pruneCacheFlag := flag.Bool("prune-cache", false, "Drop expired travel-time cache rows")
	invalidateEntityFlag := flag.String("invalidate-entity", "", "Drop travel-time cache rows touching this entity id")

	// Options
	requestedByFlag := flag.String("requested-by", "dispatch-admin", "Author recorded on runs started by this tool")
	backfillLimitFlag := flag.Int("backfill-limit", 0, "Maximum entities to geocode during backfill (0 = no cap)")

	flag.Parse()

	if err := godotenv.Load(*envFileFlag); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to load env file %s: %w", *envFileFlag, err)
	}

	log := logger.New(*verboseFlag)

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	ctx := context.Background()

	if *migrateFlag {
		sc := cfg.StoreConfig(log)
		return store.Migrate(log, sc.ConnString())
	}

	st, err := store.New(ctx, cfg.StoreConfig(log))
	if err != nil {
		return err
	}
	defer st.Close()

	// Every command below reads or writes the store, so all of them go
	// through the sentinel first.
	if err := st.ValidateProject(ctx, cfg.ExpectedProjectName); err != nil {
		return err
	}
	if *validateStoreFlag {
		log.Info("store sentinel verified", "project", cfg.ExpectedProjectName)
		return nil
	}

	if *pruneCacheFlag {
		pruned, err := st.TravelCache().PruneExpired(ctx, time.Now().UTC())
		if err != nil {
			return err
		}
		log.Info("travel cache pruned", "rows", pruned)
		return nil
	}

	if *invalidateEntityFlag != "" {
		id, err := uuid.Parse(*invalidateEntityFlag)
		if err != nil {
			return fmt.Errorf("invalid entity id %q: %w", *invalidateEntityFlag, err)
		}
		dropped, err := st.TravelCache().InvalidateEntity(ctx, id)
		if err != nil {
			return err
		}
		log.Info("travel cache invalidated", "entity", id, "rows", dropped)
		return nil
	}

	if *geocodeBackfillFlag {
		geocoder, err := buildGeocoder(log, cfg)
		if err != nil {
			return err
		}
		return geocodeBackfill(ctx, log, st, geocoder, *backfillLimitFlag)
	}

	if *syncClientsFlag {
		if cfg.CRMBaseURL == "" {
			return fmt.Errorf("CRM_BASE_URL is required for --sync-clients")
		}
		geocoder, err := buildGeocoder(log, cfg)
		if err != nil {
			return err
		}
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
		sr, err := syncer.Sync(ctx)
		if err != nil {
			return err
		}
		log.Info("crm sync finished",
			"run", sr.ID,
			"fetched", sr.Fetched,
			"created", sr.Created,
			"updated", sr.Updated,
			"deactivated", sr.Deactivated,
			"geocoded", sr.Geocoded,
			"geocode_failures", sr.GeocodeFailures,
		)
		return nil
	}

	if *runMatchFlag {
		geocoder, err := buildGeocoder(log, cfg)
		if err != nil {
			return err
		}
		runner, err := buildRunner(log, cfg, st, geocoder)
		if err != nil {
			return err
		}
		params, err := json.Marshal(map[string]string{"requested_by": *requestedByFlag})
		if err != nil {
			return err
		}
		run, _, err := runner.Execute(ctx, store.TriggerManual, params)
		if err != nil {
			return err
		}
		log.Info("match run finished",
			"run", run.ID,
			"clients", run.ClientCount,
			"technicians", run.TechnicianCount,
			"matched", run.Matched,
			"unmatched", run.Unmatched,
			"needs_review", run.NeedsReview,
			"duration_ms", run.DurationMS,
		)
		return nil
	}

	flag.Usage()
	return nil
}

func buildGeocoder(log *slog.Logger, cfg *config.Config) (*geocode.Service, error) {
	var provider geocode.Provider
	if cfg.GoogleMapsAPIKey != "" {
		g, err := geocode.NewGoogle(geocode.GoogleConfig{Logger: log, APIKey: cfg.GoogleMapsAPIKey})
		if err != nil {
			return nil, err
		}
		provider = g
	} else {
		provider = geocode.Disabled{}
	}
	return geocode.New(geocode.Config{
		Logger:           log,
		Provider:         provider,
		MinSpacing:       cfg.GeocodeMinSpacing,
		MaxAttempts:      cfg.GeocodeMaxAttempts,
		BreakerThreshold: cfg.GeocodeBreakerThreshold,
		BreakerCooldown:  cfg.GeocodeBreakerCooldown,
	})
}

func buildRunner(log *slog.Logger, cfg *config.Config, st *store.Store, geocoder *geocode.Service) (*match.Service, error) {
	var provider traveltime.Provider
	if cfg.GoogleMapsAPIKey != "" {
		g, err := traveltime.NewGoogle(traveltime.GoogleConfig{Logger: log, APIKey: cfg.GoogleMapsAPIKey})
		if err != nil {
			return nil, err
		}
		provider = g
	} else {
		provider = traveltime.Haversine{}
	}

	travel, err := traveltime.New(traveltime.Config{
		Logger:        log,
		Provider:      provider,
		Cache:         st.TravelCache(),
		Bucket:        cfg.Bucket(),
		LegacyBuckets: cfg.LegacyBuckets,
		Location:      cfg.Location,
		MaxConcurrent: cfg.TravelTimeMaxConcurrent,
	})
	if err != nil {
		return nil, err
	}

	ensurer, err := match.NewEnsurer(match.EnsurerConfig{
		Logger:   log,
		Resolver: geocoder,
		Store:    st,
		Cache:    st.TravelCache(),
	})
	if err != nil {
		return nil, err
	}

	matcher, err := match.New(match.Config{
		Logger:        log,
		Travel:        travel,
		Ensure:        ensurer,
		BudgetMinutes: cfg.MaxTravelMinutes,
		BucketName:    cfg.PeakBucketName,
	})
	if err != nil {
		return nil, err
	}

	return match.NewService(match.ServiceConfig{Logger: log, Store: st, Matcher: matcher})
}

// geocodeBackfill walks the active roster and resolves anything without
// fresh coordinates. Failures are counted, not fatal: one bad address must
// not stall the rest of the backfill.
func geocodeBackfill(ctx context.Context, log *slog.Logger, st *store.Store, geocoder *geocode.Service, limit int) error {
	ensurer, err := match.NewEnsurer(match.EnsurerConfig{
		Logger:   log,
		Resolver: geocoder,
		Store:    st,
		Cache:    st.TravelCache(),
	})
	if err != nil {
		return err
	}

	active := true
	resolved, failed := 0, 0
	capped := func() bool { return limit > 0 && resolved >= limit }

	for offset := 0; !capped(); offset += backfillPage {
		clients, _, err := st.ListClients(ctx, store.ClientFilter{Active: &active, Limit: backfillPage, Offset: offset})
		if err != nil {
			return err
		}
		for i := range clients {
			c := &clients[i]
			if c.HasCoords() && !c.CoordsStale {
				continue
			}
			if capped() {
				break
			}
			if err := ensurer.EnsureClient(ctx, c); err != nil {
				log.Warn("backfill: client geocode failed", "client", c.ID, "error", err)
				failed++
				continue
			}
			resolved++
		}
		if len(clients) < backfillPage {
			break
		}
	}

	for offset := 0; !capped(); offset += backfillPage {
		technicians, _, err := st.ListTechnicians(ctx, store.TechnicianFilter{Active: &active, Limit: backfillPage, Offset: offset})
		if err != nil {
			return err
		}
		for i := range technicians {
			tech := &technicians[i]
			if tech.HasCoords() && !tech.CoordsStale {
				continue
			}
			if capped() {
				break
			}
			if err := ensurer.EnsureTechnician(ctx, tech); err != nil {
				log.Warn("backfill: technician geocode failed", "technician", tech.ID, "error", err)
				failed++
				continue
			}
			resolved++
		}
		if len(technicians) < backfillPage {
			break
		}
	}

	log.Info("geocode backfill finished", "resolved", resolved, "failed", failed)
	return nil
}

const backfillPage = 200
