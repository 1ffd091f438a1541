package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// SeedStore implements accession.SeedStore on the accession_seeds table
type SeedStore struct {
	pool *pgxpool.Pool
}

// NewSeedStore creates a seed store
func NewSeedStore(pool *pgxpool.Pool) *SeedStore {
	return &SeedStore{pool: pool}
}

// LoadSeed returns the stored value and its version
func (s *SeedStore) LoadSeed(ctx context.Context, key string) (string, int64, bool, error) {
	var (
		value   string
		version int64
	)
	err := s.pool.QueryRow(ctx, "SELECT value, version FROM accession_seeds WHERE key = $1", key).Scan(&value, &version)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", 0, false, nil
	}
	if err != nil {
		return "", 0, false, fmt.Errorf("load seed %s: %w", key, err)
	}
	return value, version, true, nil
}

// SwapSeed writes value if the row is still at version
func (s *SeedStore) SwapSeed(ctx context.Context, key string, version int64, value string) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE accession_seeds SET value = $3, version = version + 1, updated_at = NOW()
		WHERE key = $1 AND version = $2
	`, key, version, value)
	if err != nil {
		return false, fmt.Errorf("swap seed %s: %w", key, err)
	}
	return tag.RowsAffected() == 1, nil
}

// ProvisionSeed creates the seed entry if it does not exist yet. An existing value is kept.
func (s *SeedStore) ProvisionSeed(ctx context.Context, key, value string) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO accession_seeds (key, value) VALUES ($1, $2)
		ON CONFLICT (key) DO NOTHING
	`, key, value)
	if err != nil {
		return false, fmt.Errorf("provision seed %s: %w", key, err)
	}
	return tag.RowsAffected() == 1, nil
}
