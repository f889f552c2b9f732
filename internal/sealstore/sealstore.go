// Package sealstore is the Postgres-backed, Redis-cached SealStore
// (engine.SealStore) used to persist and recall per-block consensus
// content (§4.6 "persist the seal", §4.8 seal replies), adapted from
// the teacher's internal/storage postgresStorage.
package sealstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	_ "github.com/lib/pq"
	"go.uber.org/zap"

	"github.com/meridianchain/pbft/internal/config"
	"github.com/meridianchain/pbft/internal/pbft"
)

// Store implements engine.SealStore against Postgres with a Redis
// read-through cache, mirroring the teacher's connection-pool and
// error-wrapping conventions.
type Store struct {
	db     *sql.DB
	cache  *redis.Client
	logger *zap.Logger
	ttl    time.Duration
}

// New opens the Postgres pool and Redis client described by cfg and
// ensures the consensus_content table exists.
func New(ctx context.Context, dbCfg config.DatabaseConfig, redisCfg config.RedisConfig, logger *zap.Logger) (*Store, error) {
	dsn := fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		dbCfg.Host, dbCfg.Port, dbCfg.User, dbCfg.Password, dbCfg.DBName, dbCfg.SSLMode)

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if _, err := db.ExecContext(ctx, createTableSQL); err != nil {
		return nil, fmt.Errorf("failed to create consensus_content table: %w", err)
	}

	cache := redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%d", redisCfg.Host, redisCfg.Port),
		Password: redisCfg.Password,
		DB:       redisCfg.DB,
	})

	return &Store{db: db, cache: cache, logger: logger, ttl: time.Hour}, nil
}

const createTableSQL = `
CREATE TABLE IF NOT EXISTS consensus_content (
	block_id   BYTEA PRIMARY KEY,
	seal_bytes BYTEA NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
)`

func cacheKey(blockID pbft.BlockID) string {
	return fmt.Sprintf("seal:%x", blockID)
}

// SaveConsensusContent persists sealBytes for blockID in Postgres and
// primes the Redis cache, matching engine.SealStore.
func (s *Store) SaveConsensusContent(ctx context.Context, blockID pbft.BlockID, sealBytes []byte) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO consensus_content (block_id, seal_bytes) VALUES ($1, $2)
		 ON CONFLICT (block_id) DO UPDATE SET seal_bytes = EXCLUDED.seal_bytes`,
		blockID[:], sealBytes)
	if err != nil {
		s.logger.Error("failed to save consensus content", zap.Error(err))
		return fmt.Errorf("failed to save consensus content: %w", err)
	}

	if err := s.cache.Set(ctx, cacheKey(blockID), sealBytes, s.ttl).Err(); err != nil {
		s.logger.Warn("redis cache set failed, continuing with db as source of truth", zap.Error(err))
	}
	return nil
}

// ConsensusContent returns sealBytes for blockID, checking Redis first
// and falling back to Postgres on a cache miss (engine.SealStore).
func (s *Store) ConsensusContent(ctx context.Context, blockID pbft.BlockID) ([]byte, bool, error) {
	if cached, err := s.cache.Get(ctx, cacheKey(blockID)).Bytes(); err == nil {
		return cached, true, nil
	} else if !errors.Is(err, redis.Nil) {
		s.logger.Warn("redis cache get failed, falling through to db", zap.Error(err))
	}

	var sealBytes []byte
	row := s.db.QueryRowContext(ctx, `SELECT seal_bytes FROM consensus_content WHERE block_id = $1`, blockID[:])
	if err := row.Scan(&sealBytes); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, false, nil
		}
		s.logger.Error("failed to query consensus content", zap.Error(err))
		return nil, false, fmt.Errorf("failed to query consensus content: %w", err)
	}

	if err := s.cache.Set(ctx, cacheKey(blockID), sealBytes, s.ttl).Err(); err != nil {
		s.logger.Warn("redis cache set failed after db hit", zap.Error(err))
	}
	return sealBytes, true, nil
}

// Close closes the database and cache connections.
func (s *Store) Close() error {
	if err := s.cache.Close(); err != nil {
		return err
	}
	return s.db.Close()
}
