// Package store persists consensus rounds, Byzantine exclusion records
// and advisory adjustments. The engine treats persistence as best
// effort: a failed save is retried on the next tick, never fatal.
package store

import (
	"context"
	"errors"

	"github.com/auditmesh/auditmesh/pkg/advisory"
	"github.com/auditmesh/auditmesh/pkg/consensus"
)

var (
	ErrNotFound  = errors.New("record not found")
	ErrDuplicate = errors.New("duplicate record")
)

// State is everything restored on daemon restart
type State struct {
	Rounds         []*consensus.ConsensusRound
	ByzantineNodes []consensus.ByzantineNode
}

// Repository defines the persistence interface for the daemon
type Repository interface {
	// Round operations
	SaveRound(ctx context.Context, round *consensus.ConsensusRound) error
	GetRound(ctx context.Context, roundID string) (*consensus.ConsensusRound, error)
	ListRounds(ctx context.Context, limit int) ([]*consensus.ConsensusRound, error)
	PruneRounds(ctx context.Context, keep int) error

	// Byzantine exclusion operations
	SaveByzantineNode(ctx context.Context, node consensus.ByzantineNode) error
	ListByzantineNodes(ctx context.Context) ([]consensus.ByzantineNode, error)
	ClearByzantineNode(ctx context.Context, nodeID string) error

	// Advisory operations
	SaveAdvisory(ctx context.Context, adj *advisory.Adjustment) error

	// LoadState restores rounds and exclusions after a restart
	LoadState(ctx context.Context, roundLimit int) (*State, error)

	Close()
}
