// Package node assembles the daemon: audit intake, round scheduling,
// consensus, transport, persistence and advisory output.
package node

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/auditmesh/auditmesh/pkg/advisory"
	"github.com/auditmesh/auditmesh/pkg/audit"
	"github.com/auditmesh/auditmesh/pkg/config"
	"github.com/auditmesh/auditmesh/pkg/consensus"
	"github.com/auditmesh/auditmesh/pkg/identity"
	"github.com/auditmesh/auditmesh/pkg/p2p"
	"github.com/auditmesh/auditmesh/pkg/peers"
	"github.com/auditmesh/auditmesh/pkg/store"
)

const (
	sweepInterval   = 30 * time.Second
	persistInterval = 10 * time.Second
	restoredRounds  = 100
)

// ErrNotExcluded is returned when clearing a node that is not in the
// exclusion table.
var ErrNotExcluded = errors.New("node is not Byzantine-excluded")

// Service runs one mesh node
type Service struct {
	cfg         *config.Config
	id          *identity.Identity
	registry    *peers.Registry
	engine      *consensus.Engine
	builder     *consensus.ObservationBuilder
	producer    audit.Producer
	repo        store.Repository
	recommender *advisory.Recommender
	transport   *p2p.Host
	logger      *zap.Logger

	scheduler *cron.Cron

	mu       sync.Mutex
	running  bool
	cleanup  []func() error
	shutdown chan struct{}
	wg       sync.WaitGroup
}

// NewService wires the node together. The transport is attached
// separately so the service can run without networking in tests and in
// single-node deployments.
func NewService(cfg *config.Config, id *identity.Identity, registry *peers.Registry, producer audit.Producer, repo store.Repository, logger *zap.Logger) *Service {
	s := &Service{
		cfg:         cfg,
		id:          id,
		registry:    registry,
		builder:     consensus.NewObservationBuilder(id),
		producer:    producer,
		repo:        repo,
		recommender: advisory.NewRecommender(id.NodeID, logger),
		logger:      logger,
		scheduler:   cron.New(),
		shutdown:    make(chan struct{}),
	}

	detector := consensus.NewDetector(consensus.DetectorConfig{
		DeviationTolerance:   cfg.Consensus.DeviationTolerance,
		DeviationWindow:      cfg.Consensus.DeviationWindow,
		SignatureStrikeLimit: cfg.Consensus.SignatureStrikeLimit,
	}, logger)

	s.engine = consensus.NewEngine(consensus.EngineConfig{
		NodeID:       id.NodeID,
		RoundTimeout: cfg.Consensus.RoundTimeout,
		OnFinalized:  s.onRoundFinalized,
	}, detector, registry, logger)

	return s
}

// AttachTransport hands the service its mesh transport. Must be called
// before Start.
func (s *Service) AttachTransport(t *p2p.Host) {
	s.transport = t
}

// Engine exposes the consensus engine for transport handlers and tests
func (s *Service) Engine() *consensus.Engine {
	return s.engine
}

// TransportHandlers returns the callbacks the mesh transport invokes
// for inbound traffic.
func (s *Service) TransportHandlers() p2p.Handlers {
	return p2p.Handlers{
		OnObservation: func(ctx context.Context, obs *consensus.AuditObservation) consensus.SubmitResult {
			return s.Submit(obs)
		},
		OnStatus:        s.RoundStatus,
		OnStatusSummary: s.StatusSummary,
		OnReconcile: func(windowHours int) ([]*consensus.ConsensusResult, error) {
			return s.Reconcile(context.Background(), windowHours), nil
		},
	}
}

// Start restores persisted state and launches the background loops
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return errors.New("service already running")
	}

	s.logger.Info("Starting node service", zap.String("nodeID", s.id.NodeID))

	if err := s.restoreState(ctx); err != nil {
		return fmt.Errorf("restoring persisted state: %w", err)
	}

	if s.transport != nil {
		if err := s.transport.Start(ctx); err != nil {
			return fmt.Errorf("starting transport: %w", err)
		}
		s.pushCleanup(s.transport.Stop)
	}

	spec := fmt.Sprintf("@every %dh", s.cfg.Audit.WindowHours)
	if _, err := s.scheduler.AddFunc(spec, func() { s.runWindow(context.Background()) }); err != nil {
		return fmt.Errorf("scheduling audit window: %w", err)
	}
	s.scheduler.Start()
	s.pushCleanup(func() error {
		s.scheduler.Stop()
		return nil
	})

	s.wg.Add(2)
	go s.sweepLoop()
	go s.persistLoop()

	// Current window submission does not wait for the first cron tick
	go s.runWindow(ctx)

	s.running = true
	s.logger.Info("Node service started")
	return nil
}

// Stop unwinds everything Start set up, in reverse order
func (s *Service) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return nil
	}

	s.logger.Info("Stopping node service")
	close(s.shutdown)
	s.wg.Wait()

	var firstErr error
	for i := len(s.cleanup) - 1; i >= 0; i-- {
		if err := s.cleanup[i](); err != nil {
			s.logger.Error("Cleanup step failed", zap.Error(err))
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	s.cleanup = nil

	// Last chance to flush finalized rounds before exit
	s.persistDirty(context.Background())

	s.running = false
	s.logger.Info("Node service stopped")
	return firstErr
}

func (s *Service) pushCleanup(fn func() error) {
	s.cleanup = append(s.cleanup, fn)
}

// restoreState reloads rounds and exclusions persisted by a previous
// run. Failed rounds come back Failed: they never resurrect.
func (s *Service) restoreState(ctx context.Context) error {
	state, err := s.repo.LoadState(ctx, restoredRounds)
	if err != nil {
		return err
	}

	s.engine.Detector().Restore(state.ByzantineNodes)
	for _, round := range state.Rounds {
		s.engine.RestoreRound(*round)
	}

	s.logger.Info("State restored",
		zap.Int("rounds", len(state.Rounds)),
		zap.Int("byzantineNodes", len(state.ByzantineNodes)))
	return nil
}

// runWindow performs this node's part of the current audit window:
// pick up the local audit, sign it into an observation, submit it
// locally and broadcast it. The local audit stands even if every peer
// is unreachable.
func (s *Service) runWindow(ctx context.Context) {
	windowHours := s.cfg.Audit.WindowHours
	roundID := consensus.MintRoundID(windowHours, time.Now())

	local, err := s.producer.Next(ctx, windowHours)
	if err != nil {
		s.logger.Warn("No local audit for window",
			zap.Int("windowHours", windowHours), zap.Error(err))
		return
	}

	obs, err := s.builder.Build(roundID, local)
	if err != nil {
		s.logger.Error("Building observation failed",
			zap.String("roundID", roundID), zap.Error(err))
		return
	}

	result := s.Submit(obs)
	s.logger.Info("Own observation submitted",
		zap.String("roundID", roundID),
		zap.String("auditID", local.AuditID),
		zap.Bool("accepted", result.Accepted),
		zap.String("reason", result.Reason))

	if s.transport != nil {
		if err := s.transport.BroadcastObservation(ctx, obs); err != nil {
			s.logger.Warn("Observation broadcast failed; peers will pull on reconcile",
				zap.String("roundID", roundID), zap.Error(err))
		}
	}
}

// Submit runs one observation through the consensus pipeline
func (s *Service) Submit(obs *consensus.AuditObservation) consensus.SubmitResult {
	return s.engine.Submit(obs)
}

// RoundStatus returns the result view of one round
func (s *Service) RoundStatus(roundID string) (*consensus.ConsensusResult, error) {
	return s.engine.Result(roundID)
}

// StatusSummary returns every known round's result view plus the
// current Byzantine exclusion count.
func (s *Service) StatusSummary() ([]*consensus.ConsensusResult, int) {
	return s.engine.Results(), len(s.engine.Detector().List())
}

// Rounds returns all known rounds, newest first
func (s *Service) Rounds() []*consensus.ConsensusRound {
	return s.engine.Rounds()
}

// ByzantineNodes returns the current exclusion table
func (s *Service) ByzantineNodes() []consensus.ByzantineNode {
	return s.engine.Detector().List()
}

// ClearByzantineNode removes an exclusion, in memory and durably
func (s *Service) ClearByzantineNode(ctx context.Context, nodeID string) error {
	if !s.engine.Detector().Clear(nodeID) {
		return ErrNotExcluded
	}

	if err := s.repo.ClearByzantineNode(ctx, nodeID); err != nil && !errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("clearing persisted exclusion: %w", err)
	}

	s.logger.Info("Byzantine exclusion cleared by operator", zap.String("nodeID", nodeID))
	return nil
}

// ReloadPeers re-reads the registry file. In-flight rounds keep their
// snapshot; new rounds see the new membership.
func (s *Service) ReloadPeers() error {
	return s.registry.Reload()
}

// Reconcile forces quorum re-evaluation for a window and re-offers
// this node's observation to each peer, for use after a partition.
func (s *Service) Reconcile(ctx context.Context, windowHours int) []*consensus.ConsensusResult {
	results := s.engine.Reconcile(windowHours)

	if s.transport != nil {
		s.reofferObservations(ctx, results)
	}

	return results
}

// reofferObservations pushes this node's own observation for each
// still-pending round directly to every peer, filling gaps gossip
// missed during a partition.
func (s *Service) reofferObservations(ctx context.Context, results []*consensus.ConsensusResult) {
	for _, result := range results {
		if result.Status != consensus.RoundPending {
			continue
		}

		round, err := s.engine.Round(result.RoundID)
		if err != nil {
			continue
		}

		var own *consensus.AuditObservation
		for i := range round.Observations {
			if round.Observations[i].Observation.NodeID == s.id.NodeID {
				own = &round.Observations[i].Observation
				break
			}
		}
		if own == nil {
			continue
		}

		for _, nodeID := range s.registry.Snapshot().NodeIDs() {
			if nodeID == s.id.NodeID {
				continue
			}
			resp, err := s.transport.SendObservation(ctx, nodeID, own)
			if err != nil {
				s.logger.Debug("Reconcile re-offer failed",
					zap.String("nodeID", nodeID), zap.Error(err))
				continue
			}
			s.logger.Debug("Reconcile re-offer delivered",
				zap.String("nodeID", nodeID),
				zap.Bool("accepted", resp.Accepted),
				zap.String("reason", resp.Reason))
		}
	}
}

// onRoundFinalized persists the finalized round and emits the advisory
// adjustment. Runs outside all round locks.
func (s *Service) onRoundFinalized(round *consensus.ConsensusRound, result *consensus.ConsensusResult) {
	ctx := context.Background()

	if err := s.repo.SaveRound(ctx, round); err != nil {
		s.logger.Error("Persisting finalized round failed; will retry",
			zap.String("roundID", round.RoundID), zap.Error(err))
	} else {
		s.engine.MarkDurable(round.RoundID)
	}

	switch round.Status {
	case consensus.RoundComplete:
		if adj := s.recommender.FromConsensus(result); adj != nil {
			s.saveAdvisory(ctx, adj)
		}
	case consensus.RoundFailed:
		// Graceful degradation: report the local score on its own
		local, err := s.producer.Next(ctx, round.WindowHours)
		if err != nil {
			s.logger.Warn("Round failed and no local audit to fall back on",
				zap.String("roundID", round.RoundID), zap.Error(err))
			return
		}
		s.saveAdvisory(ctx, s.recommender.FromLocalFallback(round.RoundID, local))
	}
}

func (s *Service) saveAdvisory(ctx context.Context, adj *advisory.Adjustment) {
	if err := s.repo.SaveAdvisory(ctx, adj); err != nil {
		s.logger.Error("Persisting advisory failed",
			zap.String("roundID", adj.RoundID), zap.Error(err))
	}
}

// sweepLoop fails pending rounds past their timeout
func (s *Service) sweepLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case now := <-ticker.C:
			failed := s.engine.ExpireSweep(now)
			if len(failed) > 0 {
				s.logger.Warn("Rounds expired without quorum", zap.Int("count", len(failed)))
			}
		case <-s.shutdown:
			return
		}
	}
}

// persistLoop retries unpersisted rounds and exclusion records until
// they stick. Persistence failure degrades durability, never liveness.
func (s *Service) persistLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(persistInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.persistDirty(context.Background())
		case <-s.shutdown:
			return
		}
	}
}

func (s *Service) persistDirty(ctx context.Context) {
	for _, round := range s.engine.DirtyRounds() {
		if err := s.repo.SaveRound(ctx, round); err != nil {
			s.logger.Warn("Round persist retry failed",
				zap.String("roundID", round.RoundID), zap.Error(err))
			continue
		}
		s.engine.MarkDurable(round.RoundID)
	}

	for _, node := range s.engine.Detector().List() {
		if err := s.repo.SaveByzantineNode(ctx, node); err != nil {
			s.logger.Warn("Exclusion persist failed",
				zap.String("nodeID", node.NodeID), zap.Error(err))
		}
	}

	if keep := s.cfg.Consensus.RetentionRounds; keep > 0 {
		if err := s.repo.PruneRounds(ctx, keep); err != nil {
			s.logger.Warn("Round pruning failed", zap.Error(err))
		}
	}
}
