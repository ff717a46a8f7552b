package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/homereach/dispatch/internal/traveltime"
)

// TravelCache is the Postgres backing for the travel time service. It keeps
// the entity ids alongside the coordinate hashes so invalidation by entity
// still works after the entity's coordinates move.
type TravelCache struct {
	s *Store
}

func (s *Store) TravelCache() *TravelCache { return &TravelCache{s: s} }

func uuidOrNil(raw string) *uuid.UUID {
	id, err := uuid.Parse(raw)
	if err != nil {
		return nil
	}
	return &id
}

// Get returns the live or expired entry for key, nil on a miss. Expiry is
// the caller's call to honor; the service compares against its own clock.
func (c *TravelCache) Get(ctx context.Context, key traveltime.CacheKey) (*traveltime.CacheEntry, error) {
	row := c.s.pool.QueryRow(ctx, `
		SELECT origin_id, dest_id, duration_avg_s, duration_pessimistic_s,
			duration_samples_s, distance_m, sample_count, computed_at, expires_at
		FROM travel_time_cache
		WHERE origin_hash = $1 AND dest_hash = $2 AND origin_type = $3
			AND dest_type = $4 AND mode = $5 AND bucket = $6
	`, key.OriginHash, key.DestHash, key.OriginType, key.DestType, key.Mode, key.Bucket)

	var (
		originID, destID *uuid.UUID
		avgS, pessS      int64
		samplesS         []int64
		distance         int64
		sampleCount      int
		computedAt       time.Time
		expiresAt        time.Time
	)
	err := row.Scan(&originID, &destID, &avgS, &pessS, &samplesS, &distance,
		&sampleCount, &computedAt, &expiresAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read travel cache: %w", err)
	}

	entry := &traveltime.CacheEntry{
		CacheKey:            key,
		DurationAvg:         time.Duration(avgS) * time.Second,
		DurationPessimistic: time.Duration(pessS) * time.Second,
		Samples:             make([]time.Duration, len(samplesS)),
		DistanceMeters:      int(distance),
		SampleCount:         sampleCount,
		ComputedAt:          computedAt,
		ExpiresAt:           expiresAt,
	}
	for i, s := range samplesS {
		entry.Samples[i] = time.Duration(s) * time.Second
	}
	if originID != nil {
		entry.OriginID = originID.String()
	}
	if destID != nil {
		entry.DestID = destID.String()
	}
	return entry, nil
}

func (c *TravelCache) Upsert(ctx context.Context, entry *traveltime.CacheEntry) error {
	samplesS := make([]int64, len(entry.Samples))
	for i, d := range entry.Samples {
		samplesS[i] = int64(d / time.Second)
	}

	_, err := c.s.pool.Exec(ctx, `
		INSERT INTO travel_time_cache (origin_hash, dest_hash, origin_type,
			dest_type, origin_id, dest_id, mode, bucket, duration_avg_s,
			duration_pessimistic_s, duration_samples_s, distance_m, sample_count,
			computed_at, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
		ON CONFLICT (origin_hash, dest_hash, origin_type, dest_type, mode, bucket)
		DO UPDATE SET
			origin_id = EXCLUDED.origin_id,
			dest_id = EXCLUDED.dest_id,
			duration_avg_s = EXCLUDED.duration_avg_s,
			duration_pessimistic_s = EXCLUDED.duration_pessimistic_s,
			duration_samples_s = EXCLUDED.duration_samples_s,
			distance_m = EXCLUDED.distance_m,
			sample_count = EXCLUDED.sample_count,
			computed_at = EXCLUDED.computed_at,
			expires_at = EXCLUDED.expires_at
	`, entry.OriginHash, entry.DestHash, entry.OriginType, entry.DestType,
		uuidOrNil(entry.OriginID), uuidOrNil(entry.DestID), entry.Mode, entry.Bucket,
		int64(entry.DurationAvg/time.Second), int64(entry.DurationPessimistic/time.Second),
		samplesS, int64(entry.DistanceMeters), entry.SampleCount,
		entry.ComputedAt, entry.ExpiresAt)
	if err != nil {
		return fmt.Errorf("failed to upsert travel cache: %w", err)
	}
	return nil
}

// InvalidateEntity removes every row where the entity appears on either
// side, regardless of which coordinates it had when the row was written.
func (c *TravelCache) InvalidateEntity(ctx context.Context, id uuid.UUID) (int64, error) {
	tag, err := c.s.pool.Exec(ctx,
		`DELETE FROM travel_time_cache WHERE origin_id = $1 OR dest_id = $1`, id)
	if err != nil {
		return 0, fmt.Errorf("failed to invalidate travel cache for entity: %w", err)
	}
	c.s.log.Debug("store: travel cache invalidated", "entity", id, "rows", tag.RowsAffected())
	return tag.RowsAffected(), nil
}

// InvalidateHash removes rows touching a coordinate hash. Covers bulk edits
// where no entity id is at hand.
func (c *TravelCache) InvalidateHash(ctx context.Context, hash string) (int64, error) {
	tag, err := c.s.pool.Exec(ctx,
		`DELETE FROM travel_time_cache WHERE origin_hash = $1 OR dest_hash = $1`, hash)
	if err != nil {
		return 0, fmt.Errorf("failed to invalidate travel cache for hash: %w", err)
	}
	return tag.RowsAffected(), nil
}

// PruneExpired drops rows whose TTL elapsed before cutoff.
func (c *TravelCache) PruneExpired(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := c.s.pool.Exec(ctx,
		`DELETE FROM travel_time_cache WHERE expires_at <= $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to prune travel cache: %w", err)
	}
	return tag.RowsAffected(), nil
}
