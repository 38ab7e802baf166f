package node

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/auditmesh/auditmesh/pkg/advisory"
	"github.com/auditmesh/auditmesh/pkg/audit"
	"github.com/auditmesh/auditmesh/pkg/config"
	"github.com/auditmesh/auditmesh/pkg/consensus"
	"github.com/auditmesh/auditmesh/pkg/identity"
	"github.com/auditmesh/auditmesh/pkg/peers"
	"github.com/auditmesh/auditmesh/pkg/store"
)

// fakeProducer serves a fixed local audit
type fakeProducer struct {
	audit *audit.LocalAudit
	err   error
}

func (p *fakeProducer) Next(ctx context.Context, windowHours int) (*audit.LocalAudit, error) {
	if p.err != nil {
		return nil, p.err
	}
	return p.audit, nil
}

type testFixture struct {
	service    *Service
	repo       *store.MemoryRepository
	producer   *fakeProducer
	identities []*identity.Identity
	registry   *peers.Registry
}

// newFixture builds a service over an n-node registry. The service
// runs as identities[0]; the rest are peers whose observations tests
// sign directly.
func newFixture(t *testing.T, n int) *testFixture {
	t.Helper()

	identities := make([]*identity.Identity, n)
	for i := range identities {
		kp, err := identity.GenerateKeyPair()
		require.NoError(t, err)
		identities[i] = identity.New(kp)
	}

	var peersYAML string
	for i, id := range identities {
		peersYAML += fmt.Sprintf("  %s:\n    public_key: %s\n    address: /ip4/127.0.0.1/tcp/%d\n",
			id.NodeID, id.ExportPublicKey(), 7500+i)
	}
	path := filepath.Join(t.TempDir(), "peers.yaml")
	require.NoError(t, os.WriteFile(path, []byte("peers:\n"+peersYAML), 0600))

	registry, err := peers.NewRegistry(path, zaptest.NewLogger(t))
	require.NoError(t, err)

	cfg := &config.Config{
		Audit: config.AuditConfig{WindowHours: 24},
		Consensus: config.ConsensusConfig{
			ThresholdMode:        "majority",
			RoundTimeout:         300 * time.Second,
			DeviationTolerance:   0.2,
			DeviationWindow:      3,
			SignatureStrikeLimit: 3,
		},
	}

	repo := store.NewMemoryRepository()
	producer := &fakeProducer{audit: testLocalAudit(0.85)}
	service := NewService(cfg, identities[0], registry, producer, repo, zaptest.NewLogger(t))

	return &testFixture{
		service:    service,
		repo:       repo,
		producer:   producer,
		identities: identities,
		registry:   registry,
	}
}

func testLocalAudit(tis float64) *audit.LocalAudit {
	return &audit.LocalAudit{
		AuditID:      "audit-1",
		WindowHours:  24,
		CompletedAt:  time.Now().UTC(),
		ForecastHash: "fhash",
		OutcomeHash:  "ohash",
		Components: audit.Components{
			PredictionAccuracy: tis,
			EthicalAlignment:   tis,
			CoherenceStability: tis,
		},
		TISOverall: tis,
		BiasFlags:  []string{"anchoring"},
	}
}

// peerObservation signs an observation as one of the fixture's peers
func (f *testFixture) peerObservation(t *testing.T, idx int, roundID string, tis float64) *consensus.AuditObservation {
	t.Helper()

	builder := consensus.NewObservationBuilder(f.identities[idx])
	obs, err := builder.Build(roundID, testLocalAudit(tis))
	require.NoError(t, err)
	return obs
}

func TestRunWindowSubmitsOwnObservation(t *testing.T) {
	f := newFixture(t, 3)
	ctx := context.Background()

	f.service.runWindow(ctx)

	roundID := consensus.MintRoundID(24, time.Now())
	result, err := f.service.RoundStatus(roundID)
	require.NoError(t, err)
	assert.Equal(t, consensus.RoundPending, result.Status)
	assert.Equal(t, []string{f.identities[0].NodeID}, result.ParticipatingNodes)
}

func TestQuorumFinalizationPersistsRoundAndAdvisory(t *testing.T) {
	f := newFixture(t, 3)
	ctx := context.Background()
	roundID := consensus.MintRoundID(24, time.Now())

	f.service.runWindow(ctx)
	res := f.service.Submit(f.peerObservation(t, 1, roundID, 0.87))
	require.True(t, res.Accepted)

	result, err := f.service.RoundStatus(roundID)
	require.NoError(t, err)
	assert.Equal(t, consensus.RoundComplete, result.Status)

	// Finalization wrote the round through immediately
	saved, err := f.repo.GetRound(ctx, roundID)
	require.NoError(t, err)
	assert.Equal(t, consensus.RoundComplete, saved.Status)
	assert.Empty(t, f.service.Engine().DirtyRounds())

	advisories := f.repo.Advisories()
	require.Len(t, advisories, 1)
	assert.Equal(t, advisory.SourceConsensus, advisories[0].Source)
	assert.InDelta(t, 0.86, advisories[0].TIS, 1e-9)
}

func TestFailedRoundFallsBackToLocalScore(t *testing.T) {
	f := newFixture(t, 3)
	ctx := context.Background()
	roundID := consensus.MintRoundID(24, time.Now())

	f.service.runWindow(ctx)

	failed := f.service.Engine().ExpireSweep(time.Now().Add(10 * time.Minute))
	require.Len(t, failed, 1)
	assert.Equal(t, consensus.RoundFailed, failed[0].Status)

	advisories := f.repo.Advisories()
	require.Len(t, advisories, 1)
	assert.Equal(t, advisory.SourceLocal, advisories[0].Source)
	assert.Equal(t, roundID, advisories[0].RoundID)
	assert.Equal(t, 0.85, advisories[0].TIS)
}

func TestPersistRetriesUntilRepositoryRecovers(t *testing.T) {
	f := newFixture(t, 3)
	ctx := context.Background()
	roundID := consensus.MintRoundID(24, time.Now())

	f.repo.SaveRoundErr = errors.New("disk full")

	f.service.runWindow(ctx)
	f.service.Submit(f.peerObservation(t, 1, roundID, 0.87))

	// Finalized but not yet durable
	require.Len(t, f.service.Engine().DirtyRounds(), 1)
	f.service.persistDirty(ctx)
	require.Len(t, f.service.Engine().DirtyRounds(), 1)

	f.repo.SaveRoundErr = nil
	f.service.persistDirty(ctx)
	assert.Empty(t, f.service.Engine().DirtyRounds())

	saved, err := f.repo.GetRound(ctx, roundID)
	require.NoError(t, err)
	assert.Equal(t, consensus.RoundComplete, saved.Status)
}

func TestPersistDirtyWritesExclusions(t *testing.T) {
	f := newFixture(t, 3)
	ctx := context.Background()

	f.service.Engine().Detector().Exclude(f.identities[1].NodeID, consensus.ReasonConflictingObservations)
	f.service.persistDirty(ctx)

	nodes, err := f.repo.ListByzantineNodes(ctx)
	require.NoError(t, err)
	require.Len(t, nodes, 1)
	assert.Equal(t, f.identities[1].NodeID, nodes[0].NodeID)
}

func TestClearByzantineNode(t *testing.T) {
	f := newFixture(t, 3)
	ctx := context.Background()
	target := f.identities[1].NodeID

	f.service.Engine().Detector().Exclude(target, consensus.ReasonInvalidSignature)
	f.service.persistDirty(ctx)

	require.NoError(t, f.service.ClearByzantineNode(ctx, target))
	assert.Empty(t, f.service.ByzantineNodes())

	nodes, err := f.repo.ListByzantineNodes(ctx)
	require.NoError(t, err)
	assert.Empty(t, nodes)

	assert.ErrorIs(t, f.service.ClearByzantineNode(ctx, target), ErrNotExcluded)
}

func TestRestoreStateReinstatesRoundsAndExclusions(t *testing.T) {
	f := newFixture(t, 3)
	ctx := context.Background()

	finalized := time.Now().UTC()
	tis := 0.85
	require.NoError(t, f.repo.SaveRound(ctx, &consensus.ConsensusRound{
		RoundID:      "r24-100",
		WindowHours:  24,
		StartedAt:    finalized.Add(-time.Hour),
		Status:       consensus.RoundFailed,
		FinalizedAt:  &finalized,
		ConsensusTIS: &tis,
	}))
	require.NoError(t, f.repo.SaveByzantineNode(ctx, consensus.ByzantineNode{
		NodeID:     f.identities[2].NodeID,
		DetectedAt: finalized,
		Reason:     consensus.ReasonExcessiveDeviation,
	}))

	require.NoError(t, f.service.restoreState(ctx))

	// Failed rounds come back Failed and stay that way
	round, err := f.service.Engine().Round("r24-100")
	require.NoError(t, err)
	assert.Equal(t, consensus.RoundFailed, round.Status)

	assert.True(t, f.service.Engine().Detector().IsExcluded(f.identities[2].NodeID))

	// A late observation for the restored round is recorded uncounted
	res := f.service.Submit(f.peerObservation(t, 1, "r24-100", 0.80))
	assert.False(t, res.Accepted)
	assert.Equal(t, "round already finalized", res.Reason)
}

func TestReconcileWithoutTransport(t *testing.T) {
	f := newFixture(t, 3)
	ctx := context.Background()

	f.service.runWindow(ctx)

	results := f.service.Reconcile(ctx, 24)
	require.Len(t, results, 1)
	assert.Equal(t, consensus.RoundPending, results[0].Status)

	// Idempotent on repeat
	again := f.service.Reconcile(ctx, 24)
	require.Len(t, again, 1)
	assert.Equal(t, consensus.RoundPending, again[0].Status)
}

func TestStatusSummaryCountsExclusions(t *testing.T) {
	f := newFixture(t, 3)

	res := f.service.Submit(f.peerObservation(t, 1, "r24-1756000000", 0.80))
	require.True(t, res.Accepted)
	f.service.Engine().Detector().Exclude(f.identities[2].NodeID, consensus.ReasonConflictingObservations)

	rounds, excluded := f.service.StatusSummary()
	require.Len(t, rounds, 1)
	assert.Equal(t, "r24-1756000000", rounds[0].RoundID)
	assert.Equal(t, 1, excluded)
}
