package consensus

import (
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
)

// DetectorConfig tunes the Byzantine detection thresholds
type DetectorConfig struct {
	// DeviationTolerance is the maximum |tis - round median| before a
	// round counts against a node.
	DeviationTolerance float64
	// DeviationWindow is how many consecutive deviating rounds exclude
	// a node.
	DeviationWindow int
	// SignatureStrikeLimit is how many consecutive bad signatures from
	// one claimed node id exclude it. A single bad signature only
	// rejects that observation.
	SignatureStrikeLimit int
}

// Detector maintains the sticky exclusion table. Exclusion state is
// kept apart from the peer registry so it survives configuration
// reloads, and it never expires on its own: only an operator clear
// reinstates a node.
type Detector struct {
	cfg    DetectorConfig
	logger *zap.Logger

	mu               sync.RWMutex
	excluded         map[string]ByzantineNode
	deviationStreaks map[string]int
	signatureStrikes map[string]int
}

// NewDetector creates a detector with the given thresholds
func NewDetector(cfg DetectorConfig, logger *zap.Logger) *Detector {
	return &Detector{
		cfg:              cfg,
		logger:           logger,
		excluded:         make(map[string]ByzantineNode),
		deviationStreaks: make(map[string]int),
		signatureStrikes: make(map[string]int),
	}
}

// Restore seeds the exclusion table from persisted records at startup
func (d *Detector) Restore(records []ByzantineNode) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, r := range records {
		d.excluded[r.NodeID] = r
	}
}

// IsExcluded reports whether a node is currently Byzantine-excluded
func (d *Detector) IsExcluded(nodeID string) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	_, ok := d.excluded[nodeID]
	return ok
}

// Exclude records a node as Byzantine. Idempotent: re-excluding an
// already excluded node returns false and changes nothing, so
// re-evaluating an observation set never double-excludes or flaps.
func (d *Detector) Exclude(nodeID string, reason ByzantineReason) (ByzantineNode, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if existing, ok := d.excluded[nodeID]; ok {
		return existing, false
	}

	record := ByzantineNode{
		NodeID:     nodeID,
		DetectedAt: time.Now().UTC(),
		Reason:     reason,
	}
	d.excluded[nodeID] = record
	delete(d.deviationStreaks, nodeID)
	delete(d.signatureStrikes, nodeID)

	d.logger.Warn("Node excluded as Byzantine",
		zap.String("nodeID", nodeID),
		zap.String("reason", string(reason)))
	return record, true
}

// Clear removes an exclusion. Operator action only.
func (d *Detector) Clear(nodeID string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, ok := d.excluded[nodeID]; !ok {
		return false
	}
	delete(d.excluded, nodeID)
	d.logger.Info("Byzantine exclusion cleared by operator", zap.String("nodeID", nodeID))
	return true
}

// List returns all exclusion records sorted by node id
func (d *Detector) List() []ByzantineNode {
	d.mu.RLock()
	defer d.mu.RUnlock()

	out := make([]ByzantineNode, 0, len(d.excluded))
	for _, r := range d.excluded {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].NodeID < out[j].NodeID })
	return out
}

// Count returns the number of currently excluded nodes
func (d *Detector) Count() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.excluded)
}

// RecordDeviation tracks whether a node deviated beyond tolerance in
// a finalized round. DeviationWindow consecutive deviations exclude
// the node; any in-tolerance round resets the streak.
func (d *Detector) RecordDeviation(nodeID string, deviated bool) (ByzantineNode, bool) {
	d.mu.Lock()
	if _, excluded := d.excluded[nodeID]; excluded {
		d.mu.Unlock()
		return ByzantineNode{}, false
	}

	if !deviated {
		delete(d.deviationStreaks, nodeID)
		d.mu.Unlock()
		return ByzantineNode{}, false
	}

	d.deviationStreaks[nodeID]++
	streak := d.deviationStreaks[nodeID]
	d.mu.Unlock()

	if streak >= d.cfg.DeviationWindow {
		return d.Exclude(nodeID, ReasonExcessiveDeviation)
	}
	return ByzantineNode{}, false
}

// SignatureStrike records a failed signature verification for a
// claimed node id. Returns an exclusion once the strike limit is hit.
func (d *Detector) SignatureStrike(nodeID string) (ByzantineNode, bool) {
	d.mu.Lock()
	if _, excluded := d.excluded[nodeID]; excluded {
		d.mu.Unlock()
		return ByzantineNode{}, false
	}
	d.signatureStrikes[nodeID]++
	strikes := d.signatureStrikes[nodeID]
	d.mu.Unlock()

	if strikes >= d.cfg.SignatureStrikeLimit {
		return d.Exclude(nodeID, ReasonInvalidSignature)
	}
	return ByzantineNode{}, false
}

// ResetSignatureStrikes clears the strike counter after a node
// produces a valid signature again.
func (d *Detector) ResetSignatureStrikes(nodeID string) {
	d.mu.Lock()
	delete(d.signatureStrikes, nodeID)
	d.mu.Unlock()
}
