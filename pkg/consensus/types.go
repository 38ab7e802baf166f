// Package consensus implements round-based, quorum-driven agreement
// over signed temporal-integrity audit observations exchanged between
// statically configured peers.
package consensus

import (
	"errors"
	"time"
)

var (
	ErrRoundNotFound  = errors.New("round not found")
	ErrRoundFinalized = errors.New("round already finalized")
	ErrUnknownNode    = errors.New("unknown node")
	ErrBadSignature   = errors.New("signature verification failed")
	ErrNodeExcluded   = errors.New("node is Byzantine-excluded")
)

// BiasKind names an anomaly class a node may flag in its local audit
type BiasKind string

const (
	BiasOptimismSkew     BiasKind = "optimism_skew"
	BiasRecencyWeighting BiasKind = "recency_weighting"
	BiasAnchoring        BiasKind = "anchoring"
	BiasCoherenceDrift   BiasKind = "coherence_drift"
)

// TISComponents are the parts of a temporal integrity score, each in [0, 1]
type TISComponents struct {
	PredictionAccuracy float64 `json:"prediction_accuracy"`
	EthicalAlignment   float64 `json:"ethical_alignment"`
	CoherenceStability float64 `json:"coherence_stability"`
}

// AuditObservation is one node's signed claim about one audit window
// within one round. The signature covers the canonical encoding of
// every other field.
type AuditObservation struct {
	NodeID        string        `json:"node_id"`
	AuditID       string        `json:"audit_id"`
	RoundID       string        `json:"round_id"`
	WindowHours   int           `json:"window_hours"`
	Timestamp     time.Time     `json:"timestamp"`
	ForecastHash  string        `json:"forecast_hash"`
	OutcomeHash   string        `json:"outcome_hash"`
	TISComponents TISComponents `json:"tis_components"`
	TISOverall    float64       `json:"tis_overall"`
	BiasFlags     []BiasKind    `json:"bias_flags"`
	Signature     []byte        `json:"signature"`
}

// RecordedObservation is an observation as retained in a round.
// Counted=false entries stay in the audit record (late submissions,
// conflicting pairs kept for forensics) but never enter quorum math.
type RecordedObservation struct {
	Observation AuditObservation `json:"observation"`
	Counted     bool             `json:"counted"`
	ReceivedAt  time.Time        `json:"received_at"`
}

// RoundStatus is the lifecycle state of a consensus round
type RoundStatus string

const (
	RoundPending  RoundStatus = "pending"
	RoundComplete RoundStatus = "complete"
	RoundFailed   RoundStatus = "failed"
)

// Finalized reports whether the status is terminal
func (s RoundStatus) Finalized() bool {
	return s == RoundComplete || s == RoundFailed
}

// ConsensusRound is the unit of agreement for one audit window.
// Rounds are immutable once Complete or Failed and are retained for
// audit history.
type ConsensusRound struct {
	RoundID         string                `json:"round_id"`
	WindowHours     int                   `json:"window_hours"`
	StartedAt       time.Time             `json:"started_at"`
	Observations    []RecordedObservation `json:"observations"`
	Status          RoundStatus           `json:"status"`
	ConsensusTIS    *float64              `json:"consensus_tis,omitempty"`
	ConsensusBiases []BiasKind            `json:"consensus_biases,omitempty"`
	FinalizedAt     *time.Time            `json:"finalized_at,omitempty"`
}

// ConsensusResult is the externally visible outcome of a round
type ConsensusResult struct {
	RoundID            string               `json:"round_id"`
	WindowHours        int                  `json:"window_hours"`
	Status             RoundStatus          `json:"status"`
	ParticipatingNodes []string             `json:"participating_nodes"`
	TotalObservations  int                  `json:"total_observations"`
	RequiredQuorum     int                  `json:"required_quorum"`
	ConsensusTIS       *float64             `json:"consensus_tis,omitempty"`
	ConsensusBiases    []BiasKind           `json:"consensus_biases,omitempty"`
	Signatures         []ValidatorSignature `json:"signatures"`
}

// ValidatorSignature pairs a contributing node with its observation signature
type ValidatorSignature struct {
	NodeID    string `json:"node_id"`
	Signature []byte `json:"signature"`
}

// ByzantineReason classifies why a node was excluded
type ByzantineReason string

const (
	ReasonConflictingObservations ByzantineReason = "conflicting_observations"
	ReasonExcessiveDeviation      ByzantineReason = "excessive_deviation"
	ReasonInvalidSignature        ByzantineReason = "invalid_signature"
)

// ByzantineNode is a sticky exclusion record. Automatic reinstatement
// is deliberately unsupported: only an operator clear removes it.
type ByzantineNode struct {
	NodeID        string          `json:"node_id"`
	DetectedAt    time.Time       `json:"detected_at"`
	Reason        ByzantineReason `json:"reason"`
	ExcludedUntil *time.Time      `json:"excluded_until,omitempty"`
}
