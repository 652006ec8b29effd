// Package profilestore keeps operator overrides of provider availability and
// scores in Postgres so they survive restarts and apply over providers.yaml.
package profilestore

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/af-corp/aegis-orchestrator/internal/router"
)

// Override is one row of provider_overrides. Nil fields leave the YAML value
// in place.
type Override struct {
	Provider  string
	Available *bool
	Scores    *router.Scores
	Reason    string
	UpdatedAt time.Time
}

// Store reads and writes provider_overrides.
type Store struct {
	db *pgxpool.Pool
}

func New(db *pgxpool.Pool) *Store {
	return &Store{db: db}
}

// Connect opens a pool for dsn and verifies it with a ping.
func Connect(ctx context.Context, dsn string, maxConns int32) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse database config: %w", err)
	}
	if maxConns > 0 {
		cfg.MaxConns = maxConns
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect to database: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return pool, nil
}

// Load returns every override.
func (s *Store) Load(ctx context.Context) ([]Override, error) {
	rows, err := s.db.Query(ctx, `
		SELECT provider, available, quality, speed, reliability, reason, updated_at
		FROM provider_overrides
		ORDER BY provider
	`)
	if err != nil {
		return nil, fmt.Errorf("query provider_overrides: %w", err)
	}

	out, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (Override, error) {
		var (
			o                           Override
			quality, speed, reliability *float64
		)
		if err := row.Scan(&o.Provider, &o.Available, &quality, &speed, &reliability, &o.Reason, &o.UpdatedAt); err != nil {
			return Override{}, err
		}
		if quality != nil && speed != nil && reliability != nil {
			o.Scores = &router.Scores{Quality: *quality, Speed: *speed, Reliability: *reliability}
		}
		return o, nil
	})
	if err != nil {
		return nil, fmt.Errorf("scan provider_overrides: %w", err)
	}
	return out, nil
}

// SaveAvailability upserts the availability of a provider.
func (s *Store) SaveAvailability(ctx context.Context, provider string, available bool, reason string) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO provider_overrides (provider, available, reason, updated_at)
		VALUES ($1, $2, $3, NOW())
		ON CONFLICT (provider) DO UPDATE
		SET available = EXCLUDED.available, reason = EXCLUDED.reason, updated_at = NOW()
	`, provider, available, reason)
	if err != nil {
		return fmt.Errorf("save availability for %s: %w", provider, err)
	}
	return nil
}

// SaveScores upserts the ranking scores of a provider.
func (s *Store) SaveScores(ctx context.Context, provider string, scores router.Scores) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO provider_overrides (provider, quality, speed, reliability, updated_at)
		VALUES ($1, $2, $3, $4, NOW())
		ON CONFLICT (provider) DO UPDATE
		SET quality = EXCLUDED.quality, speed = EXCLUDED.speed,
		    reliability = EXCLUDED.reliability, updated_at = NOW()
	`, provider, scores.Quality, scores.Speed, scores.Reliability)
	if err != nil {
		return fmt.Errorf("save scores for %s: %w", provider, err)
	}
	return nil
}

// Delete removes the override of a provider so YAML values apply again.
func (s *Store) Delete(ctx context.Context, provider string) error {
	if _, err := s.db.Exec(ctx, `DELETE FROM provider_overrides WHERE provider = $1`, provider); err != nil {
		return fmt.Errorf("delete override for %s: %w", provider, err)
	}
	return nil
}

// Apply writes overrides into the registry and returns how many were applied.
// Overrides for providers the registry does not know are skipped.
func Apply(reg *router.Registry, overrides []Override) int {
	n := 0
	for _, o := range overrides {
		applied := false
		if o.Available != nil {
			if err := reg.SetAvailable(o.Provider, *o.Available); err == nil {
				applied = true
			}
		}
		if o.Scores != nil {
			if err := reg.SetScores(o.Provider, *o.Scores); err == nil {
				applied = true
			}
		}
		if applied {
			n++
		}
	}
	return n
}
