// Package storage persists completed evaluation results to PostgreSQL.
// Persistence is a best-effort collaborator of the engine: a storage
// failure marks the result but never discards it.
package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/convoscore/go-facet/internal/domain"
	"github.com/convoscore/go-facet/internal/ports"
)

var _ ports.ResultStore = (*PostgresStore)(nil)

// Config holds the connection settings for the result store.
type Config struct {
	// DSN is the PostgreSQL connection string. Empty disables persistence.
	DSN string `yaml:"dsn"`

	// MaxConns caps the connection pool size.
	MaxConns int32 `yaml:"max_conns" validate:"omitempty,min=1,max=100"`

	// ConnectTimeout bounds the initial connection attempt.
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
}

const schema = `
CREATE TABLE IF NOT EXISTS evaluations (
	id UUID PRIMARY KEY,
	conversation TEXT NOT NULL,
	model_used TEXT NOT NULL,
	overall_confidence DOUBLE PRECISION NOT NULL
		CHECK (overall_confidence BETWEEN 0 AND 1),
	model_confidence DOUBLE PRECISION NOT NULL
		CHECK (model_confidence BETWEEN 0 AND 1),
	consistency_score DOUBLE PRECISION NOT NULL
		CHECK (consistency_score BETWEEN 0 AND 1),
	uncertainty_estimate DOUBLE PRECISION NOT NULL
		CHECK (uncertainty_estimate BETWEEN 0 AND 1),
	processing_ms BIGINT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS facet_scores (
	evaluation_id UUID NOT NULL REFERENCES evaluations(id) ON DELETE CASCADE,
	position INT NOT NULL,
	facet_name TEXT NOT NULL,
	score INT NOT NULL CHECK (score BETWEEN 1 AND 5),
	confidence DOUBLE PRECISION NOT NULL CHECK (confidence BETWEEN 0 AND 1),
	reasoning TEXT NOT NULL,
	PRIMARY KEY (evaluation_id, facet_name)
);

CREATE TABLE IF NOT EXISTS batch_evaluations (
	batch_id UUID PRIMARY KEY,
	conversations_processed INT NOT NULL,
	total_processing_ms BIGINT NOT NULL,
	average_confidence DOUBLE PRECISION NOT NULL
		CHECK (average_confidence BETWEEN 0 AND 1),
	facets_evaluated TEXT[] NOT NULL,
	created_at TIMESTAMPTZ NOT NULL
);
`

// PostgresStore persists results through a pgx connection pool.
// Safe for concurrent use.
type PostgresStore struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
}

// NewPostgresStore connects a pool and ensures the schema exists.
func NewPostgresStore(ctx context.Context, cfg Config, logger *zap.Logger) (*PostgresStore, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parsing storage DSN: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.ConnectTimeout > 0 {
		poolCfg.ConnConfig.ConnectTimeout = cfg.ConnectTimeout
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connecting result store: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging result store: %w", err)
	}
	if _, err := pool.Exec(ctx, schema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ensuring result store schema: %w", err)
	}

	return &PostgresStore{pool: pool, logger: logger}, nil
}

// SaveEvaluation writes the evaluation and its facet scores in one
// transaction so partial results never persist.
func (s *PostgresStore) SaveEvaluation(ctx context.Context, result *domain.EvaluationResult) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return &ports.StoreError{Entity: "evaluation", ID: result.ID, Err: err}
	}
	defer func() { _ = tx.Rollback(ctx) }()

	_, err = tx.Exec(ctx, `
		INSERT INTO evaluations (
			id, conversation, model_used,
			overall_confidence, model_confidence,
			consistency_score, uncertainty_estimate,
			processing_ms, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		result.ID, result.Conversation, result.ModelUsed,
		result.Confidence.OverallConfidence, result.Confidence.ModelConfidence,
		result.Confidence.ConsistencyScore, result.Confidence.UncertaintyEstimate,
		result.ProcessingTime.Milliseconds(), result.CreatedAt,
	)
	if err != nil {
		return &ports.StoreError{Entity: "evaluation", ID: result.ID, Err: err}
	}

	for i, name := range result.FacetOrder {
		fr := result.FacetScores[name]
		_, err = tx.Exec(ctx, `
			INSERT INTO facet_scores (
				evaluation_id, position, facet_name, score, confidence, reasoning
			) VALUES ($1, $2, $3, $4, $5, $6)`,
			result.ID, i, name, fr.Score, fr.Confidence, fr.Reasoning,
		)
		if err != nil {
			return &ports.StoreError{Entity: "facet_score", ID: result.ID, Err: err}
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return &ports.StoreError{Entity: "evaluation", ID: result.ID, Err: err}
	}

	s.logger.Debug("evaluation persisted",
		zap.String("evaluation_id", result.ID),
		zap.Int("facets", len(result.FacetOrder)))
	return nil
}

// SaveBatch writes the batch summary row.
func (s *PostgresStore) SaveBatch(ctx context.Context, result *domain.BatchEvaluationResult) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO batch_evaluations (
			batch_id, conversations_processed, total_processing_ms,
			average_confidence, facets_evaluated, created_at
		) VALUES ($1, $2, $3, $4, $5, $6)`,
		result.BatchID, result.ConversationsProcessed,
		result.TotalProcessingTime.Milliseconds(),
		result.AverageConfidence, result.FacetsEvaluated, result.CreatedAt,
	)
	if err != nil {
		return &ports.StoreError{Entity: "batch", ID: result.BatchID, Err: err}
	}
	return nil
}

// Close releases the connection pool.
func (s *PostgresStore) Close() {
	s.pool.Close()
}

// NoopStore discards results. Used when persistence is not configured.
type NoopStore struct{}

var _ ports.ResultStore = NoopStore{}

func (NoopStore) SaveEvaluation(context.Context, *domain.EvaluationResult) error { return nil }
func (NoopStore) SaveBatch(context.Context, *domain.BatchEvaluationResult) error { return nil }
