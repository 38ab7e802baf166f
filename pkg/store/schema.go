package store

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// schema is applied on startup inside one transaction. Statements are
// idempotent so repeated bootstraps are safe.
const schema = `
CREATE TABLE IF NOT EXISTS consensus_rounds (
	round_id     TEXT PRIMARY KEY,
	window_hours INT NOT NULL,
	started_at   TIMESTAMPTZ NOT NULL,
	status       TEXT NOT NULL,
	consensus_tis DOUBLE PRECISION,
	consensus_biases JSONB NOT NULL DEFAULT '[]',
	finalized_at TIMESTAMPTZ
);

CREATE INDEX IF NOT EXISTS idx_rounds_started_at
	ON consensus_rounds (started_at DESC);

CREATE TABLE IF NOT EXISTS observations (
	id           BIGSERIAL PRIMARY KEY,
	round_id     TEXT NOT NULL REFERENCES consensus_rounds (round_id) ON DELETE CASCADE,
	node_id      TEXT NOT NULL,
	audit_id     TEXT NOT NULL,
	window_hours INT NOT NULL,
	observed_at  TIMESTAMPTZ NOT NULL,
	forecast_hash TEXT NOT NULL,
	outcome_hash  TEXT NOT NULL,
	prediction_accuracy DOUBLE PRECISION NOT NULL,
	ethical_alignment   DOUBLE PRECISION NOT NULL,
	coherence_stability DOUBLE PRECISION NOT NULL,
	tis_overall  DOUBLE PRECISION NOT NULL,
	bias_flags   JSONB NOT NULL DEFAULT '[]',
	signature    BYTEA,
	counted      BOOLEAN NOT NULL,
	received_at  TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_observations_round
	ON observations (round_id);

CREATE TABLE IF NOT EXISTS byzantine_nodes (
	node_id     TEXT PRIMARY KEY,
	detected_at TIMESTAMPTZ NOT NULL,
	reason      TEXT NOT NULL,
	excluded_until TIMESTAMPTZ
);

CREATE TABLE IF NOT EXISTS advisories (
	id           BIGSERIAL PRIMARY KEY,
	round_id     TEXT NOT NULL,
	window_hours INT NOT NULL,
	source       TEXT NOT NULL,
	tis          DOUBLE PRECISION NOT NULL,
	biases       JSONB NOT NULL DEFAULT '[]',
	message      TEXT NOT NULL,
	created_at   TIMESTAMPTZ NOT NULL
);
`

func initSchema(ctx context.Context, pool *pgxpool.Pool) error {
	tx, err := pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("beginning schema transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, schema); err != nil {
		return fmt.Errorf("executing schema: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("committing schema transaction: %w", err)
	}

	return nil
}
