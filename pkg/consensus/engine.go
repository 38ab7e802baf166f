package consensus

import (
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/auditmesh/auditmesh/pkg/peers"
)

// DefaultRoundTimeout bounds how long a round may stay pending before
// it fails and the node degrades to single-node reporting.
const DefaultRoundTimeout = 300 * time.Second

// SubmitResult is the reply to an observation submission
type SubmitResult struct {
	Accepted bool   `json:"accepted"`
	Reason   string `json:"reason,omitempty"`
}

// EngineConfig wires the round manager
type EngineConfig struct {
	NodeID       string
	RoundTimeout time.Duration
	// OnFinalized runs after a round reaches Complete or Failed, outside
	// any round lock. The engine keeps the round flagged dirty until
	// MarkDurable is called, so persistence failures are retried rather
	// than crashing anything.
	OnFinalized func(round *ConsensusRound, result *ConsensusResult)
}

// Engine owns the lifecycle of consensus rounds. All mutations of one
// round are serialized through that round's lock; different rounds do
// not block each other.
type Engine struct {
	cfg      EngineConfig
	detector *Detector
	registry *peers.Registry
	logger   *zap.Logger

	mu     sync.RWMutex
	rounds map[string]*roundState
}

// roundState pairs a round with the registry snapshot it was created
// under. Mid-round registry reloads never touch an in-flight round:
// it evaluates against its snapshot until finalized.
type roundState struct {
	mu    sync.Mutex
	round ConsensusRound
	snap  *peers.Snapshot
	dirty bool
}

// NewEngine creates a round manager
func NewEngine(cfg EngineConfig, detector *Detector, registry *peers.Registry, logger *zap.Logger) *Engine {
	if cfg.RoundTimeout <= 0 {
		cfg.RoundTimeout = DefaultRoundTimeout
	}
	return &Engine{
		cfg:      cfg,
		detector: detector,
		registry: registry,
		logger:   logger,
		rounds:   make(map[string]*roundState),
	}
}

// Detector exposes the exclusion table for status reporting and
// operator clears.
func (e *Engine) Detector() *Detector {
	return e.detector
}

func (e *Engine) getOrCreateRound(roundID string, windowHours int, startedAt time.Time) *roundState {
	e.mu.Lock()
	defer e.mu.Unlock()

	if rs, ok := e.rounds[roundID]; ok {
		return rs
	}

	rs := &roundState{
		round: ConsensusRound{
			RoundID:     roundID,
			WindowHours: windowHours,
			StartedAt:   startedAt.UTC(),
			Status:      RoundPending,
		},
		snap: e.registry.Snapshot(),
	}
	e.rounds[roundID] = rs
	e.logger.Debug("Round created",
		zap.String("roundID", roundID),
		zap.Int("windowHours", windowHours),
		zap.Int("peerSnapshot", rs.snap.Size()))
	return rs
}

// RestoreRound reinstates a persisted round at startup
func (e *Engine) RestoreRound(round ConsensusRound) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.rounds[round.RoundID]; ok {
		return
	}
	e.rounds[round.RoundID] = &roundState{
		round: round,
		snap:  e.registry.Snapshot(),
	}
}

// Submit runs the full acceptance pipeline on one observation:
// membership check, signature verification, Byzantine screening, then
// quorum evaluation. The returned reason explains any rejection.
func (e *Engine) Submit(obs *AuditObservation) SubmitResult {
	rs := e.getOrCreateRound(obs.RoundID, obs.WindowHours, time.Now())

	rs.mu.Lock()

	peer, err := rs.snap.Lookup(obs.NodeID)
	if err != nil {
		rs.mu.Unlock()
		e.logger.Warn("Observation from unconfigured node rejected",
			zap.String("roundID", obs.RoundID),
			zap.String("nodeID", obs.NodeID))
		return SubmitResult{Accepted: false, Reason: "unknown node_id"}
	}

	// Payload signature is mandatory even though the transport already
	// authenticated the peer. A bad signature never enters the round.
	if !obs.VerifySignature(peer.PublicKey) {
		rs.mu.Unlock()
		e.logger.Warn("Observation signature verification failed",
			zap.String("roundID", obs.RoundID),
			zap.String("nodeID", obs.NodeID))
		if record, excluded := e.detector.SignatureStrike(obs.NodeID); excluded {
			e.logger.Warn("Recurring invalid signatures",
				zap.String("nodeID", record.NodeID),
				zap.Time("detectedAt", record.DetectedAt))
		}
		return SubmitResult{Accepted: false, Reason: "invalid signature"}
	}
	e.detector.ResetSignatureStrikes(obs.NodeID)

	if e.detector.IsExcluded(obs.NodeID) {
		// Retained uncounted for the audit trail, never for quorum.
		rs.round.Observations = append(rs.round.Observations, RecordedObservation{
			Observation: *obs, Counted: false, ReceivedAt: time.Now().UTC(),
		})
		rs.dirty = true
		rs.mu.Unlock()
		return SubmitResult{Accepted: false, Reason: "node is Byzantine-excluded"}
	}

	if rs.round.Status.Finalized() {
		rs.round.Observations = append(rs.round.Observations, RecordedObservation{
			Observation: *obs, Counted: false, ReceivedAt: time.Now().UTC(),
		})
		rs.dirty = true
		rs.mu.Unlock()
		e.logger.Info("Late observation recorded after finalization",
			zap.String("roundID", obs.RoundID),
			zap.String("nodeID", obs.NodeID))
		return SubmitResult{Accepted: false, Reason: "round already finalized"}
	}

	// Duplicate mints of the same window converge on the earliest
	// verified observation timestamp, so the timeout clock runs from
	// the true round origin.
	if ts := obs.Timestamp.UTC(); ts.Before(rs.round.StartedAt) {
		rs.round.StartedAt = ts
		rs.dirty = true
	}

	// Conflict screening against this node's earlier claim
	for i := range rs.round.Observations {
		prior := &rs.round.Observations[i]
		if prior.Observation.NodeID != obs.NodeID {
			continue
		}
		if !prior.Observation.ConflictsWith(obs) {
			rs.mu.Unlock()
			return SubmitResult{Accepted: true, Reason: "duplicate observation"}
		}

		// Equivocation: neither claim counts, both stay on record.
		prior.Counted = false
		rs.round.Observations = append(rs.round.Observations, RecordedObservation{
			Observation: *obs, Counted: false, ReceivedAt: time.Now().UTC(),
		})
		rs.dirty = true

		finalized, round, result := func() (bool, *ConsensusRound, *ConsensusResult) {
			defer rs.mu.Unlock()
			if _, fresh := e.detector.Exclude(obs.NodeID, ReasonConflictingObservations); fresh {
				e.logger.Warn("Conflicting observations in round",
					zap.String("roundID", obs.RoundID),
					zap.String("nodeID", obs.NodeID),
					zap.Float64("firstTIS", prior.Observation.TISOverall),
					zap.Float64("secondTIS", obs.TISOverall))
			}
			// Re-run the quorum check with the remaining nodes
			return e.evaluateLocked(rs)
		}()
		if finalized {
			e.notifyFinalized(round, result)
		}
		return SubmitResult{Accepted: false, Reason: "conflicting observation"}
	}

	rs.round.Observations = append(rs.round.Observations, RecordedObservation{
		Observation: *obs, Counted: true, ReceivedAt: time.Now().UTC(),
	})
	rs.dirty = true

	finalized, round, result := func() (bool, *ConsensusRound, *ConsensusResult) {
		defer rs.mu.Unlock()
		return e.evaluateLocked(rs)
	}()
	if finalized {
		e.notifyFinalized(round, result)
	}
	return SubmitResult{Accepted: true}
}

// acceptedObservations returns the counted observations whose nodes
// are not currently excluded. Computed fresh on every evaluation so
// exclusions recorded after an observation arrived are honored
// without flapping.
func (e *Engine) acceptedObservations(rs *roundState) []AuditObservation {
	var out []AuditObservation
	for _, rec := range rs.round.Observations {
		if rec.Counted && !e.detector.IsExcluded(rec.Observation.NodeID) {
			out = append(out, rec.Observation)
		}
	}
	return out
}

// quorumFor computes the quorum size for a round: the denominator is
// the round's peer snapshot minus currently excluded members.
func (e *Engine) quorumFor(rs *roundState) int {
	eligible := 0
	for _, id := range rs.snap.NodeIDs() {
		if !e.detector.IsExcluded(id) {
			eligible++
		}
	}
	return QuorumSize(eligible, rs.snap.Policy.ThresholdMode)
}

// evaluateLocked runs the quorum check. Caller holds rs.mu. On
// success it finalizes the round Complete; the returned copies are
// handed to OnFinalized by the caller after the lock is released.
func (e *Engine) evaluateLocked(rs *roundState) (bool, *ConsensusRound, *ConsensusResult) {
	if rs.round.Status.Finalized() {
		return false, nil, nil
	}

	accepted := e.acceptedObservations(rs)
	quorum := e.quorumFor(rs)
	if len(accepted) < quorum {
		return false, nil, nil
	}

	tis, biases := agreement(accepted, quorum)
	now := time.Now().UTC()
	rs.round.Status = RoundComplete
	rs.round.ConsensusTIS = &tis
	rs.round.ConsensusBiases = biases
	rs.round.FinalizedAt = &now
	rs.dirty = true

	e.logger.Info("Quorum reached",
		zap.String("roundID", rs.round.RoundID),
		zap.Int("accepted", len(accepted)),
		zap.Int("quorum", quorum),
		zap.Float64("consensusTIS", tis))

	e.trackDeviations(accepted, tis)

	round := cloneRound(&rs.round)
	result := e.resultLocked(rs)
	return true, round, result
}

// trackDeviations feeds the finalized round's spread into the
// detector. Exclusions triggered here take effect from the next
// round on; the finalized result stands.
func (e *Engine) trackDeviations(accepted []AuditObservation, consensusTIS float64) {
	tolerance := e.detector.cfg.DeviationTolerance
	for _, obs := range accepted {
		deviated := abs(obs.TISOverall-consensusTIS) > tolerance
		if record, excluded := e.detector.RecordDeviation(obs.NodeID, deviated); excluded {
			e.logger.Warn("Node exceeded deviation tolerance repeatedly",
				zap.String("nodeID", record.NodeID),
				zap.Float64("tolerance", tolerance))
		}
	}
}

func abs(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}

// ExpireSweep fails pending rounds whose timeout has elapsed. It
// returns the results of every round failed by this sweep so the
// caller can emit the single-node fallback for each.
func (e *Engine) ExpireSweep(now time.Time) []*ConsensusResult {
	e.mu.RLock()
	states := make([]*roundState, 0, len(e.rounds))
	for _, rs := range e.rounds {
		states = append(states, rs)
	}
	e.mu.RUnlock()

	var failed []*ConsensusResult
	for _, rs := range states {
		rs.mu.Lock()
		timeout := e.cfg.RoundTimeout
		if rs.snap.Policy.RoundTimeout > 0 {
			timeout = rs.snap.Policy.RoundTimeout
		}
		if rs.round.Status != RoundPending || now.Sub(rs.round.StartedAt) < timeout {
			rs.mu.Unlock()
			continue
		}

		finalizedAt := now.UTC()
		rs.round.Status = RoundFailed
		rs.round.FinalizedAt = &finalizedAt
		rs.dirty = true

		round := cloneRound(&rs.round)
		result := e.resultLocked(rs)
		rs.mu.Unlock()

		e.logger.Warn("Round failed: quorum not reached before timeout",
			zap.String("roundID", round.RoundID),
			zap.Duration("timeout", timeout),
			zap.Int("observations", len(round.Observations)))

		e.notifyFinalized(round, result)
		failed = append(failed, result)
	}
	return failed
}

// Reconcile forces immediate quorum evaluation of pending rounds for
// a window. Idempotent: finalized rounds return their recorded result
// unchanged, and a round that still lacks quorum stays Pending.
func (e *Engine) Reconcile(windowHours int) []*ConsensusResult {
	e.mu.RLock()
	states := make([]*roundState, 0, len(e.rounds))
	for _, rs := range e.rounds {
		states = append(states, rs)
	}
	e.mu.RUnlock()

	var results []*ConsensusResult
	for _, rs := range states {
		rs.mu.Lock()
		if rs.round.WindowHours != windowHours {
			rs.mu.Unlock()
			continue
		}

		finalized, round, result := e.evaluateLocked(rs)
		if !finalized {
			result = e.resultLocked(rs)
		}
		rs.mu.Unlock()

		if finalized {
			e.notifyFinalized(round, result)
		}
		results = append(results, result)
	}
	return results
}

// Round returns a copy of one round's full detail
func (e *Engine) Round(roundID string) (*ConsensusRound, error) {
	e.mu.RLock()
	rs, ok := e.rounds[roundID]
	e.mu.RUnlock()
	if !ok {
		return nil, ErrRoundNotFound
	}

	rs.mu.Lock()
	defer rs.mu.Unlock()
	return cloneRound(&rs.round), nil
}

// Result returns the consensus result view of one round
func (e *Engine) Result(roundID string) (*ConsensusResult, error) {
	e.mu.RLock()
	rs, ok := e.rounds[roundID]
	e.mu.RUnlock()
	if !ok {
		return nil, ErrRoundNotFound
	}

	rs.mu.Lock()
	defer rs.mu.Unlock()
	return e.resultLocked(rs), nil
}

// Rounds returns copies of all known rounds, newest first
func (e *Engine) Rounds() []*ConsensusRound {
	e.mu.RLock()
	states := make([]*roundState, 0, len(e.rounds))
	for _, rs := range e.rounds {
		states = append(states, rs)
	}
	e.mu.RUnlock()

	out := make([]*ConsensusRound, 0, len(states))
	for _, rs := range states {
		rs.mu.Lock()
		out = append(out, cloneRound(&rs.round))
		rs.mu.Unlock()
	}
	sortRoundsNewestFirst(out)
	return out
}

// Results returns the result view of every known round, newest first
func (e *Engine) Results() []*ConsensusResult {
	e.mu.RLock()
	states := make([]*roundState, 0, len(e.rounds))
	for _, rs := range e.rounds {
		states = append(states, rs)
	}
	e.mu.RUnlock()

	starts := make(map[string]time.Time, len(states))
	out := make([]*ConsensusResult, 0, len(states))
	for _, rs := range states {
		rs.mu.Lock()
		starts[rs.round.RoundID] = rs.round.StartedAt
		out = append(out, e.resultLocked(rs))
		rs.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool {
		return starts[out[i].RoundID].After(starts[out[j].RoundID])
	})
	return out
}

// DirtyRounds returns rounds with unpersisted state. The persistence
// loop calls MarkDurable once a round has been durably recorded.
func (e *Engine) DirtyRounds() []*ConsensusRound {
	e.mu.RLock()
	states := make([]*roundState, 0, len(e.rounds))
	for _, rs := range e.rounds {
		states = append(states, rs)
	}
	e.mu.RUnlock()

	var out []*ConsensusRound
	for _, rs := range states {
		rs.mu.Lock()
		if rs.dirty {
			out = append(out, cloneRound(&rs.round))
		}
		rs.mu.Unlock()
	}
	return out
}

// MarkDurable clears the dirty flag after a successful persist
func (e *Engine) MarkDurable(roundID string) {
	e.mu.RLock()
	rs, ok := e.rounds[roundID]
	e.mu.RUnlock()
	if !ok {
		return
	}
	rs.mu.Lock()
	rs.dirty = false
	rs.mu.Unlock()
}

// resultLocked builds the result view. Caller holds rs.mu.
func (e *Engine) resultLocked(rs *roundState) *ConsensusResult {
	result := &ConsensusResult{
		RoundID:           rs.round.RoundID,
		WindowHours:       rs.round.WindowHours,
		Status:            rs.round.Status,
		TotalObservations: len(rs.round.Observations),
		RequiredQuorum:    e.quorumFor(rs),
		ConsensusTIS:      rs.round.ConsensusTIS,
		ConsensusBiases:   append([]BiasKind(nil), rs.round.ConsensusBiases...),
	}
	for _, rec := range rs.round.Observations {
		if !rec.Counted {
			continue
		}
		result.ParticipatingNodes = append(result.ParticipatingNodes, rec.Observation.NodeID)
		result.Signatures = append(result.Signatures, ValidatorSignature{
			NodeID:    rec.Observation.NodeID,
			Signature: rec.Observation.Signature,
		})
	}
	return result
}

func (e *Engine) notifyFinalized(round *ConsensusRound, result *ConsensusResult) {
	if e.cfg.OnFinalized != nil {
		e.cfg.OnFinalized(round, result)
	}
}

func cloneRound(r *ConsensusRound) *ConsensusRound {
	clone := *r
	clone.Observations = append([]RecordedObservation(nil), r.Observations...)
	clone.ConsensusBiases = append([]BiasKind(nil), r.ConsensusBiases...)
	if r.ConsensusTIS != nil {
		v := *r.ConsensusTIS
		clone.ConsensusTIS = &v
	}
	if r.FinalizedAt != nil {
		t := *r.FinalizedAt
		clone.FinalizedAt = &t
	}
	return &clone
}

func sortRoundsNewestFirst(rounds []*ConsensusRound) {
	sort.Slice(rounds, func(i, j int) bool {
		return rounds[i].StartedAt.After(rounds[j].StartedAt)
	})
}
