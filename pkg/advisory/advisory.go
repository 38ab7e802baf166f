// Package advisory turns consensus outcomes into recommendations for
// the downstream advisory subsystem. Output here is advisory-only:
// nothing in this daemon ever applies a system change itself.
package advisory

import (
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/auditmesh/auditmesh/pkg/audit"
	"github.com/auditmesh/auditmesh/pkg/consensus"
)

// Source says where an adjustment's score came from
type Source string

const (
	SourceConsensus Source = "consensus"
	SourceLocal     Source = "local"
)

// reviewThreshold is the agreed score below which the advisory
// consumer is told to review forecast inputs.
const reviewThreshold = 0.7

// Adjustment is one advisory record emitted per finalized window
type Adjustment struct {
	RoundID     string               `json:"round_id"`
	WindowHours int                  `json:"window_hours"`
	Source      Source               `json:"source"`
	TIS         float64              `json:"tis"`
	Biases      []consensus.BiasKind `json:"biases,omitempty"`
	Message     string               `json:"message"`
	CreatedAt   time.Time            `json:"created_at"`
}

// Recommender builds adjustments from round outcomes
type Recommender struct {
	nodeID string
	logger *zap.Logger
}

// NewRecommender creates a recommender for this node
func NewRecommender(nodeID string, logger *zap.Logger) *Recommender {
	return &Recommender{nodeID: nodeID, logger: logger}
}

// FromConsensus builds the adjustment for a Complete round
func (r *Recommender) FromConsensus(result *consensus.ConsensusResult) *Adjustment {
	if result.Status != consensus.RoundComplete || result.ConsensusTIS == nil {
		return nil
	}

	tis := *result.ConsensusTIS
	msg := fmt.Sprintf("consensus TIS %.3f across %d nodes", tis, len(result.ParticipatingNodes))
	if tis < reviewThreshold {
		msg += "; recommend reviewing forecast inputs for this window"
	}
	if len(result.ConsensusBiases) > 0 {
		msg += fmt.Sprintf("; %d bias kind(s) confirmed by quorum", len(result.ConsensusBiases))
	}

	adj := &Adjustment{
		RoundID:     result.RoundID,
		WindowHours: result.WindowHours,
		Source:      SourceConsensus,
		TIS:         tis,
		Biases:      result.ConsensusBiases,
		Message:     msg,
		CreatedAt:   time.Now().UTC(),
	}

	r.logger.Info("Advisory adjustment from consensus",
		zap.String("roundID", adj.RoundID),
		zap.Float64("tis", adj.TIS),
		zap.Int("biases", len(adj.Biases)))
	return adj
}

// FromLocalFallback builds the single-node adjustment for a window
// where consensus was unavailable. The local score is always reported:
// consensus failure never blocks local health reporting.
func (r *Recommender) FromLocalFallback(roundID string, local *audit.LocalAudit) *Adjustment {
	biases := make([]consensus.BiasKind, len(local.BiasFlags))
	for i, f := range local.BiasFlags {
		biases[i] = consensus.BiasKind(f)
	}

	adj := &Adjustment{
		RoundID:     roundID,
		WindowHours: local.WindowHours,
		Source:      SourceLocal,
		TIS:         local.TISOverall,
		Biases:      biases,
		Message: fmt.Sprintf(
			"consensus unavailable for %dh window; local TIS %.3f from node %s",
			local.WindowHours, local.TISOverall, r.nodeID),
		CreatedAt: time.Now().UTC(),
	}

	r.logger.Warn("Advisory fallback to single-node score",
		zap.String("roundID", roundID),
		zap.Float64("localTIS", local.TISOverall))
	return adj
}
