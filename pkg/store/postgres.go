package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/auditmesh/auditmesh/pkg/advisory"
	"github.com/auditmesh/auditmesh/pkg/consensus"
)

// PostgresRepository implements Repository using PostgreSQL
type PostgresRepository struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
}

// NewPostgresRepository connects, verifies the connection and applies
// the schema.
func NewPostgresRepository(ctx context.Context, connStr string, logger *zap.Logger) (*PostgresRepository, error) {
	config, err := pgxpool.ParseConfig(connStr)
	if err != nil {
		return nil, fmt.Errorf("parsing connection string: %w", err)
	}

	config.MaxConns = 10
	config.MinConns = 2
	config.MaxConnLifetime = time.Hour
	config.MaxConnIdleTime = 30 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("connecting to database: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	if err := initSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, fmt.Errorf("initializing schema: %w", err)
	}

	return &PostgresRepository{
		pool:   pool,
		logger: logger,
	}, nil
}

// Close releases all database resources
func (r *PostgresRepository) Close() {
	r.pool.Close()
}

// SaveRound upserts the round row and rewrites its observations in one
// transaction. Rounds are small, so replace-on-save keeps the write
// path idempotent for the dirty-flag retry loop.
func (r *PostgresRepository) SaveRound(ctx context.Context, round *consensus.ConsensusRound) error {
	biases, err := json.Marshal(biasesOrEmpty(round.ConsensusBiases))
	if err != nil {
		return fmt.Errorf("encoding consensus biases: %w", err)
	}

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	query := `
		INSERT INTO consensus_rounds (
			round_id, window_hours, started_at, status,
			consensus_tis, consensus_biases, finalized_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (round_id) DO UPDATE SET
			status = EXCLUDED.status,
			consensus_tis = EXCLUDED.consensus_tis,
			consensus_biases = EXCLUDED.consensus_biases,
			finalized_at = EXCLUDED.finalized_at`

	_, err = tx.Exec(ctx, query,
		round.RoundID, round.WindowHours, round.StartedAt, string(round.Status),
		round.ConsensusTIS, biases, round.FinalizedAt,
	)
	if err != nil {
		return fmt.Errorf("upserting round: %w", err)
	}

	if _, err := tx.Exec(ctx, `DELETE FROM observations WHERE round_id = $1`, round.RoundID); err != nil {
		return fmt.Errorf("clearing round observations: %w", err)
	}

	obsQuery := `
		INSERT INTO observations (
			round_id, node_id, audit_id, window_hours, observed_at,
			forecast_hash, outcome_hash, prediction_accuracy,
			ethical_alignment, coherence_stability, tis_overall,
			bias_flags, signature, counted, received_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`

	for _, rec := range round.Observations {
		obs := rec.Observation
		flags, err := json.Marshal(biasesOrEmpty(obs.BiasFlags))
		if err != nil {
			return fmt.Errorf("encoding bias flags: %w", err)
		}

		_, err = tx.Exec(ctx, obsQuery,
			round.RoundID, obs.NodeID, obs.AuditID, obs.WindowHours, obs.Timestamp,
			obs.ForecastHash, obs.OutcomeHash, obs.TISComponents.PredictionAccuracy,
			obs.TISComponents.EthicalAlignment, obs.TISComponents.CoherenceStability,
			obs.TISOverall, flags, obs.Signature, rec.Counted, rec.ReceivedAt,
		)
		if err != nil {
			return fmt.Errorf("inserting observation: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("committing round: %w", err)
	}

	return nil
}

// GetRound retrieves one round with its observations
func (r *PostgresRepository) GetRound(ctx context.Context, roundID string) (*consensus.ConsensusRound, error) {
	query := `
		SELECT round_id, window_hours, started_at, status,
			   consensus_tis, consensus_biases, finalized_at
		FROM consensus_rounds
		WHERE round_id = $1`

	round, err := r.scanRound(r.pool.QueryRow(ctx, query, roundID))
	if err != nil {
		return nil, err
	}

	round.Observations, err = r.queryObservations(ctx, roundID)
	if err != nil {
		return nil, err
	}

	return round, nil
}

// ListRounds retrieves rounds newest first, observations included
func (r *PostgresRepository) ListRounds(ctx context.Context, limit int) ([]*consensus.ConsensusRound, error) {
	query := `
		SELECT round_id, window_hours, started_at, status,
			   consensus_tis, consensus_biases, finalized_at
		FROM consensus_rounds
		ORDER BY started_at DESC`

	args := make([]interface{}, 0, 1)
	if limit > 0 {
		query += ` LIMIT $1`
		args = append(args, limit)
	}

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying rounds: %w", err)
	}
	defer rows.Close()

	var rounds []*consensus.ConsensusRound
	for rows.Next() {
		round, err := r.scanRound(rows)
		if err != nil {
			return nil, err
		}
		rounds = append(rounds, round)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating round rows: %w", err)
	}

	for _, round := range rounds {
		round.Observations, err = r.queryObservations(ctx, round.RoundID)
		if err != nil {
			return nil, err
		}
	}

	return rounds, nil
}

// PruneRounds drops everything beyond the newest keep rounds
func (r *PostgresRepository) PruneRounds(ctx context.Context, keep int) error {
	if keep <= 0 {
		return nil
	}

	query := `
		DELETE FROM consensus_rounds
		WHERE round_id NOT IN (
			SELECT round_id FROM consensus_rounds
			ORDER BY started_at DESC
			LIMIT $1
		)`

	result, err := r.pool.Exec(ctx, query, keep)
	if err != nil {
		return fmt.Errorf("pruning rounds: %w", err)
	}

	if n := result.RowsAffected(); n > 0 {
		r.logger.Info("Pruned consensus rounds", zap.Int64("removed", n), zap.Int("kept", keep))
	}

	return nil
}

// SaveByzantineNode upserts an exclusion record
func (r *PostgresRepository) SaveByzantineNode(ctx context.Context, node consensus.ByzantineNode) error {
	query := `
		INSERT INTO byzantine_nodes (node_id, detected_at, reason, excluded_until)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (node_id) DO NOTHING`

	_, err := r.pool.Exec(ctx, query,
		node.NodeID, node.DetectedAt, string(node.Reason), node.ExcludedUntil,
	)
	if err != nil {
		return fmt.Errorf("inserting byzantine node: %w", err)
	}

	return nil
}

// ListByzantineNodes retrieves all exclusion records
func (r *PostgresRepository) ListByzantineNodes(ctx context.Context) ([]consensus.ByzantineNode, error) {
	query := `
		SELECT node_id, detected_at, reason, excluded_until
		FROM byzantine_nodes
		ORDER BY node_id`

	rows, err := r.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("querying byzantine nodes: %w", err)
	}
	defer rows.Close()

	var nodes []consensus.ByzantineNode
	for rows.Next() {
		var node consensus.ByzantineNode
		var reason string
		if err := rows.Scan(&node.NodeID, &node.DetectedAt, &reason, &node.ExcludedUntil); err != nil {
			return nil, fmt.Errorf("scanning byzantine node row: %w", err)
		}
		node.Reason = consensus.ByzantineReason(reason)
		nodes = append(nodes, node)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating byzantine node rows: %w", err)
	}

	return nodes, nil
}

// ClearByzantineNode removes an exclusion record
func (r *PostgresRepository) ClearByzantineNode(ctx context.Context, nodeID string) error {
	result, err := r.pool.Exec(ctx, `DELETE FROM byzantine_nodes WHERE node_id = $1`, nodeID)
	if err != nil {
		return fmt.Errorf("deleting byzantine node: %w", err)
	}

	if result.RowsAffected() == 0 {
		return ErrNotFound
	}

	return nil
}

// SaveAdvisory persists one advisory adjustment
func (r *PostgresRepository) SaveAdvisory(ctx context.Context, adj *advisory.Adjustment) error {
	biases, err := json.Marshal(biasesOrEmpty(adj.Biases))
	if err != nil {
		return fmt.Errorf("encoding advisory biases: %w", err)
	}

	query := `
		INSERT INTO advisories (round_id, window_hours, source, tis, biases, message, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`

	_, err = r.pool.Exec(ctx, query,
		adj.RoundID, adj.WindowHours, string(adj.Source), adj.TIS,
		biases, adj.Message, adj.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("inserting advisory: %w", err)
	}

	return nil
}

// LoadState restores rounds and exclusions after a restart
func (r *PostgresRepository) LoadState(ctx context.Context, roundLimit int) (*State, error) {
	rounds, err := r.ListRounds(ctx, roundLimit)
	if err != nil {
		return nil, err
	}

	nodes, err := r.ListByzantineNodes(ctx)
	if err != nil {
		return nil, err
	}

	return &State{Rounds: rounds, ByzantineNodes: nodes}, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func (r *PostgresRepository) scanRound(row rowScanner) (*consensus.ConsensusRound, error) {
	round := &consensus.ConsensusRound{}
	var status string
	var biases []byte

	err := row.Scan(
		&round.RoundID, &round.WindowHours, &round.StartedAt, &status,
		&round.ConsensusTIS, &biases, &round.FinalizedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scanning round row: %w", err)
	}

	round.Status = consensus.RoundStatus(status)
	if err := json.Unmarshal(biases, &round.ConsensusBiases); err != nil {
		return nil, fmt.Errorf("decoding consensus biases: %w", err)
	}
	if len(round.ConsensusBiases) == 0 {
		round.ConsensusBiases = nil
	}

	return round, nil
}

func (r *PostgresRepository) queryObservations(ctx context.Context, roundID string) ([]consensus.RecordedObservation, error) {
	query := `
		SELECT node_id, audit_id, window_hours, observed_at,
			   forecast_hash, outcome_hash, prediction_accuracy,
			   ethical_alignment, coherence_stability, tis_overall,
			   bias_flags, signature, counted, received_at
		FROM observations
		WHERE round_id = $1
		ORDER BY received_at, id`

	rows, err := r.pool.Query(ctx, query, roundID)
	if err != nil {
		return nil, fmt.Errorf("querying observations: %w", err)
	}
	defer rows.Close()

	var records []consensus.RecordedObservation
	for rows.Next() {
		var rec consensus.RecordedObservation
		var flags []byte

		obs := &rec.Observation
		obs.RoundID = roundID
		err := rows.Scan(
			&obs.NodeID, &obs.AuditID, &obs.WindowHours, &obs.Timestamp,
			&obs.ForecastHash, &obs.OutcomeHash, &obs.TISComponents.PredictionAccuracy,
			&obs.TISComponents.EthicalAlignment, &obs.TISComponents.CoherenceStability,
			&obs.TISOverall, &flags, &obs.Signature, &rec.Counted, &rec.ReceivedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scanning observation row: %w", err)
		}

		if err := json.Unmarshal(flags, &obs.BiasFlags); err != nil {
			return nil, fmt.Errorf("decoding bias flags: %w", err)
		}
		if len(obs.BiasFlags) == 0 {
			obs.BiasFlags = nil
		}

		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating observation rows: %w", err)
	}

	return records, nil
}

// biasesOrEmpty keeps JSONB columns at '[]' instead of 'null'
func biasesOrEmpty(biases []consensus.BiasKind) []consensus.BiasKind {
	if biases == nil {
		return []consensus.BiasKind{}
	}
	return biases
}
