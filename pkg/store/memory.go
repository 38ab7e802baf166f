package store

import (
	"context"
	"sort"
	"sync"

	"github.com/auditmesh/auditmesh/pkg/advisory"
	"github.com/auditmesh/auditmesh/pkg/consensus"
)

// MemoryRepository is an in-memory Repository for tests and for
// running the daemon without a database.
type MemoryRepository struct {
	mu         sync.RWMutex
	rounds     map[string]*consensus.ConsensusRound
	byzantine  map[string]consensus.ByzantineNode
	advisories []*advisory.Adjustment

	// SaveRoundErr, when set, is returned by SaveRound. Tests use it
	// to exercise the dirty-flag retry path.
	SaveRoundErr error
}

var _ Repository = (*MemoryRepository)(nil)

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		rounds:    make(map[string]*consensus.ConsensusRound),
		byzantine: make(map[string]consensus.ByzantineNode),
	}
}

func (m *MemoryRepository) SaveRound(ctx context.Context, round *consensus.ConsensusRound) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.SaveRoundErr != nil {
		return m.SaveRoundErr
	}

	clone := *round
	clone.Observations = append([]consensus.RecordedObservation(nil), round.Observations...)
	m.rounds[round.RoundID] = &clone
	return nil
}

func (m *MemoryRepository) GetRound(ctx context.Context, roundID string) (*consensus.ConsensusRound, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	round, ok := m.rounds[roundID]
	if !ok {
		return nil, ErrNotFound
	}
	clone := *round
	return &clone, nil
}

func (m *MemoryRepository) ListRounds(ctx context.Context, limit int) ([]*consensus.ConsensusRound, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	rounds := make([]*consensus.ConsensusRound, 0, len(m.rounds))
	for _, round := range m.rounds {
		clone := *round
		rounds = append(rounds, &clone)
	}
	sort.Slice(rounds, func(i, j int) bool {
		return rounds[i].StartedAt.After(rounds[j].StartedAt)
	})

	if limit > 0 && len(rounds) > limit {
		rounds = rounds[:limit]
	}
	return rounds, nil
}

func (m *MemoryRepository) PruneRounds(ctx context.Context, keep int) error {
	if keep <= 0 {
		return nil
	}

	kept, err := m.ListRounds(ctx, keep)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	survivors := make(map[string]*consensus.ConsensusRound, len(kept))
	for _, round := range kept {
		if existing, ok := m.rounds[round.RoundID]; ok {
			survivors[round.RoundID] = existing
		}
	}
	m.rounds = survivors
	return nil
}

func (m *MemoryRepository) SaveByzantineNode(ctx context.Context, node consensus.ByzantineNode) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.byzantine[node.NodeID]; !ok {
		m.byzantine[node.NodeID] = node
	}
	return nil
}

func (m *MemoryRepository) ListByzantineNodes(ctx context.Context) ([]consensus.ByzantineNode, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	nodes := make([]consensus.ByzantineNode, 0, len(m.byzantine))
	for _, node := range m.byzantine {
		nodes = append(nodes, node)
	}
	sort.Slice(nodes, func(i, j int) bool {
		return nodes[i].NodeID < nodes[j].NodeID
	})
	return nodes, nil
}

func (m *MemoryRepository) ClearByzantineNode(ctx context.Context, nodeID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.byzantine[nodeID]; !ok {
		return ErrNotFound
	}
	delete(m.byzantine, nodeID)
	return nil
}

func (m *MemoryRepository) SaveAdvisory(ctx context.Context, adj *advisory.Adjustment) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	clone := *adj
	m.advisories = append(m.advisories, &clone)
	return nil
}

// Advisories returns saved adjustments, oldest first
func (m *MemoryRepository) Advisories() []*advisory.Adjustment {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return append([]*advisory.Adjustment(nil), m.advisories...)
}

func (m *MemoryRepository) LoadState(ctx context.Context, roundLimit int) (*State, error) {
	rounds, err := m.ListRounds(ctx, roundLimit)
	if err != nil {
		return nil, err
	}
	nodes, err := m.ListByzantineNodes(ctx)
	if err != nil {
		return nil, err
	}
	return &State{Rounds: rounds, ByzantineNodes: nodes}, nil
}

func (m *MemoryRepository) Close() {}
