package consensus

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/auditmesh/auditmesh/pkg/identity"
	"github.com/auditmesh/auditmesh/pkg/peers"
)

// testMesh is a set of node identities plus a registry listing them
type testMesh struct {
	ids      []*identity.Identity
	registry *peers.Registry
	path     string
}

func newTestMesh(t *testing.T, size int) *testMesh {
	t.Helper()

	ids := make([]*identity.Identity, size)
	for i := range ids {
		kp, err := identity.GenerateKeyPair()
		require.NoError(t, err)
		ids[i] = identity.New(kp)
	}

	path := filepath.Join(t.TempDir(), "peers.yaml")
	writeMeshRegistry(t, path, ids)

	registry, err := peers.NewRegistry(path, zaptest.NewLogger(t))
	require.NoError(t, err)

	return &testMesh{ids: ids, registry: registry, path: path}
}

func writeMeshRegistry(t *testing.T, path string, ids []*identity.Identity) {
	t.Helper()
	out := `policy:
  threshold_mode: majority
  deviation_tolerance: 0.2
  deviation_window: 3
peers:
`
	for i, id := range ids {
		out += fmt.Sprintf("  %s:\n    public_key: %s\n    address: /ip4/10.0.0.%d/tcp/7420\n",
			id.NodeID, id.ExportPublicKey(), i+1)
	}
	require.NoError(t, os.WriteFile(path, []byte(out), 0644))
}

func (m *testMesh) observation(t *testing.T, idx int, roundID string, tis float64) *AuditObservation {
	t.Helper()
	obs := &AuditObservation{
		NodeID:       m.ids[idx].NodeID,
		AuditID:      fmt.Sprintf("audit-%s-%d", roundID, idx),
		RoundID:      roundID,
		WindowHours:  24,
		Timestamp:    time.Now().UTC().Truncate(time.Second),
		ForecastHash: fmt.Sprintf("fh-%d", idx),
		OutcomeHash:  fmt.Sprintf("oh-%d", idx),
		TISComponents: TISComponents{
			PredictionAccuracy: tis,
			EthicalAlignment:   tis,
			CoherenceStability: tis,
		},
		TISOverall: tis,
	}
	require.NoError(t, obs.SignWith(m.ids[idx]))
	return obs
}

func newTestEngine(t *testing.T, mesh *testMesh, cfg EngineConfig) *Engine {
	t.Helper()
	detector := NewDetector(DetectorConfig{
		DeviationTolerance:   0.2,
		DeviationWindow:      3,
		SignatureStrikeLimit: 3,
	}, zaptest.NewLogger(t))
	if cfg.NodeID == "" {
		cfg.NodeID = mesh.ids[0].NodeID
	}
	return NewEngine(cfg, detector, mesh.registry, zaptest.NewLogger(t))
}

func TestThreeNodeQuorumScenario(t *testing.T) {
	mesh := newTestMesh(t, 3)
	engine := newTestEngine(t, mesh, EngineConfig{})

	roundID := "r24-1756000000"

	// Node A submits 0.82: one of three, still pending
	res := engine.Submit(mesh.observation(t, 0, roundID, 0.82))
	assert.True(t, res.Accepted)

	round, err := engine.Round(roundID)
	require.NoError(t, err)
	assert.Equal(t, RoundPending, round.Status)

	// Node B submits 0.85: majority quorum of 2 reached
	res = engine.Submit(mesh.observation(t, 1, roundID, 0.85))
	assert.True(t, res.Accepted)

	round, err = engine.Round(roundID)
	require.NoError(t, err)
	assert.Equal(t, RoundComplete, round.Status)
	require.NotNil(t, round.ConsensusTIS)
	assert.InDelta(t, 0.835, *round.ConsensusTIS, 1e-9)

	// Node C's late 0.50 is recorded for audit but changes nothing
	res = engine.Submit(mesh.observation(t, 2, roundID, 0.50))
	assert.False(t, res.Accepted)
	assert.Equal(t, "round already finalized", res.Reason)

	round, err = engine.Round(roundID)
	require.NoError(t, err)
	assert.InDelta(t, 0.835, *round.ConsensusTIS, 1e-9)
	assert.Len(t, round.Observations, 3)
	assert.False(t, round.Observations[2].Counted)
}

func TestConflictingObservationsExcludeNode(t *testing.T) {
	mesh := newTestMesh(t, 3)
	engine := newTestEngine(t, mesh, EngineConfig{})

	roundID := "r24-1756000000"

	res := engine.Submit(mesh.observation(t, 1, roundID, 0.90))
	assert.True(t, res.Accepted)

	// Same node, same round, different claim
	res = engine.Submit(mesh.observation(t, 1, roundID, 0.50))
	assert.False(t, res.Accepted)
	assert.Equal(t, "conflicting observation", res.Reason)

	assert.True(t, engine.Detector().IsExcluded(mesh.ids[1].NodeID))

	// Neither of the two conflicting observations counts
	round, err := engine.Round(roundID)
	require.NoError(t, err)
	assert.Len(t, round.Observations, 2)
	for _, rec := range round.Observations {
		assert.False(t, rec.Counted)
	}

	// Quorum is recomputed over the remaining two peers: both needed
	engine.Submit(mesh.observation(t, 0, roundID, 0.80))
	round, _ = engine.Round(roundID)
	assert.Equal(t, RoundPending, round.Status)

	engine.Submit(mesh.observation(t, 2, roundID, 0.84))
	round, _ = engine.Round(roundID)
	assert.Equal(t, RoundComplete, round.Status)
	assert.InDelta(t, 0.82, *round.ConsensusTIS, 1e-9)
}

func TestInvalidSignatureNeverEntersRound(t *testing.T) {
	mesh := newTestMesh(t, 3)
	engine := newTestEngine(t, mesh, EngineConfig{})

	roundID := "r24-1756000000"

	obs := mesh.observation(t, 0, roundID, 0.85)
	obs.TISOverall = 0.99 // tamper after signing

	res := engine.Submit(obs)
	assert.False(t, res.Accepted)
	assert.Equal(t, "invalid signature", res.Reason)

	round, err := engine.Round(roundID)
	require.NoError(t, err)
	assert.Empty(t, round.Observations)

	// One bad signature does not exclude the node
	assert.False(t, engine.Detector().IsExcluded(mesh.ids[0].NodeID))

	// A properly signed observation from the same node still counts
	res = engine.Submit(mesh.observation(t, 0, roundID, 0.85))
	assert.True(t, res.Accepted)
}

func TestRecurringInvalidSignaturesExclude(t *testing.T) {
	mesh := newTestMesh(t, 3)
	engine := newTestEngine(t, mesh, EngineConfig{})

	for i := 0; i < 3; i++ {
		obs := mesh.observation(t, 2, fmt.Sprintf("r24-%d", i), 0.80)
		obs.Signature = []byte("forged")
		engine.Submit(obs)
	}

	assert.True(t, engine.Detector().IsExcluded(mesh.ids[2].NodeID))
}

func TestUnknownNodeRejected(t *testing.T) {
	mesh := newTestMesh(t, 3)
	engine := newTestEngine(t, mesh, EngineConfig{})

	kp, err := identity.GenerateKeyPair()
	require.NoError(t, err)
	stranger := identity.New(kp)

	obs := &AuditObservation{
		NodeID:      stranger.NodeID,
		AuditID:     "audit-x",
		RoundID:     "r24-1756000000",
		WindowHours: 24,
		Timestamp:   time.Now(),
		TISOverall:  0.8,
	}
	require.NoError(t, obs.SignWith(stranger))

	res := engine.Submit(obs)
	assert.False(t, res.Accepted)
	assert.Equal(t, "unknown node_id", res.Reason)
}

func TestDuplicateResubmitIsIdempotent(t *testing.T) {
	mesh := newTestMesh(t, 5)
	engine := newTestEngine(t, mesh, EngineConfig{})

	roundID := "r24-1756000000"
	obs := mesh.observation(t, 0, roundID, 0.85)

	res := engine.Submit(obs)
	assert.True(t, res.Accepted)

	// Re-broadcast of the identical claim is not equivocation
	res = engine.Submit(obs)
	assert.True(t, res.Accepted)
	assert.Equal(t, "duplicate observation", res.Reason)

	assert.False(t, engine.Detector().IsExcluded(mesh.ids[0].NodeID))
	round, _ := engine.Round(roundID)
	assert.Len(t, round.Observations, 1)
}

func TestTimeoutFailsRoundWithNoResurrection(t *testing.T) {
	mesh := newTestMesh(t, 5)

	var finalized []*ConsensusResult
	engine := newTestEngine(t, mesh, EngineConfig{
		RoundTimeout: 50 * time.Millisecond,
		OnFinalized: func(_ *ConsensusRound, result *ConsensusResult) {
			finalized = append(finalized, result)
		},
	})

	roundID := "r24-1756000000"
	engine.Submit(mesh.observation(t, 0, roundID, 0.85))

	failed := engine.ExpireSweep(time.Now().Add(time.Minute))
	require.Len(t, failed, 1)
	assert.Equal(t, RoundFailed, failed[0].Status)
	assert.Nil(t, failed[0].ConsensusTIS)
	require.Len(t, finalized, 1)

	// Quorum-worth of late arrivals must not resurrect the round
	for i := 1; i < 5; i++ {
		res := engine.Submit(mesh.observation(t, i, roundID, 0.85))
		assert.False(t, res.Accepted)
	}
	round, err := engine.Round(roundID)
	require.NoError(t, err)
	assert.Equal(t, RoundFailed, round.Status)

	// Reconcile cannot revive it either
	results := engine.Reconcile(24)
	require.Len(t, results, 1)
	assert.Equal(t, RoundFailed, results[0].Status)
	require.Len(t, finalized, 1, "no second finalization")
}

func TestReconcileIdempotent(t *testing.T) {
	mesh := newTestMesh(t, 3)
	engine := newTestEngine(t, mesh, EngineConfig{})

	roundID := "r24-1756000000"
	engine.Submit(mesh.observation(t, 0, roundID, 0.82))
	engine.Submit(mesh.observation(t, 1, roundID, 0.85))

	first := engine.Reconcile(24)
	second := engine.Reconcile(24)

	require.Len(t, first, 1)
	require.Len(t, second, 1)
	assert.Equal(t, first[0], second[0])
	assert.Equal(t, RoundComplete, first[0].Status)
}

func TestReconcilePendingStaysPending(t *testing.T) {
	mesh := newTestMesh(t, 5)
	engine := newTestEngine(t, mesh, EngineConfig{})

	roundID := "r24-1756000000"
	engine.Submit(mesh.observation(t, 0, roundID, 0.82))

	results := engine.Reconcile(24)
	require.Len(t, results, 1)
	assert.Equal(t, RoundPending, results[0].Status)
	assert.Equal(t, 3, results[0].RequiredQuorum)
}

func TestMidRoundReloadKeepsSnapshot(t *testing.T) {
	mesh := newTestMesh(t, 3)
	engine := newTestEngine(t, mesh, EngineConfig{})

	roundID := "r24-1756000000"
	engine.Submit(mesh.observation(t, 0, roundID, 0.82))

	// A fourth peer joins mid-round
	kp, err := identity.GenerateKeyPair()
	require.NoError(t, err)
	joined := append(mesh.ids, identity.New(kp))
	writeMeshRegistry(t, mesh.path, joined)
	require.NoError(t, mesh.registry.Reload())

	// The in-flight round still needs only the original quorum of 2
	engine.Submit(mesh.observation(t, 1, roundID, 0.85))
	round, err := engine.Round(roundID)
	require.NoError(t, err)
	assert.Equal(t, RoundComplete, round.Status)

	// A subsequent round evaluates against the grown mesh: quorum 3
	nextID := "r24-1756090000"
	engine.Submit(mesh.observation(t, 0, nextID, 0.82))
	engine.Submit(mesh.observation(t, 1, nextID, 0.85))
	next, err := engine.Round(nextID)
	require.NoError(t, err)
	assert.Equal(t, RoundPending, next.Status)
}

// timedObservation signs an observation carrying an explicit timestamp
func timedObservation(t *testing.T, mesh *testMesh, idx int, roundID string, tis float64, ts time.Time) *AuditObservation {
	t.Helper()
	obs := mesh.observation(t, idx, roundID, tis)
	obs.Timestamp = ts.UTC()
	require.NoError(t, obs.SignWith(mesh.ids[idx]))
	return obs
}

func TestSubmitConvergesOnEarliestRoundStart(t *testing.T) {
	mesh := newTestMesh(t, 5)
	engine := newTestEngine(t, mesh, EngineConfig{})

	roundID := "r24-1756000000"
	base := time.Now().UTC().Truncate(time.Second)

	engine.Submit(timedObservation(t, mesh, 0, roundID, 0.82, base))
	round, err := engine.Round(roundID)
	require.NoError(t, err)
	require.True(t, round.StartedAt.Equal(base))

	// A peer that minted the round a minute before us moves the start
	// back, so the timeout clock runs from the true round origin
	earlier := base.Add(-time.Minute)
	engine.Submit(timedObservation(t, mesh, 1, roundID, 0.85, earlier))
	round, err = engine.Round(roundID)
	require.NoError(t, err)
	assert.True(t, round.StartedAt.Equal(earlier))

	// A later mint never moves it forward
	engine.Submit(timedObservation(t, mesh, 2, roundID, 0.80, base.Add(time.Minute)))
	round, err = engine.Round(roundID)
	require.NoError(t, err)
	assert.True(t, round.StartedAt.Equal(earlier))
}

func TestDirtyRoundsAndMarkDurable(t *testing.T) {
	mesh := newTestMesh(t, 3)
	engine := newTestEngine(t, mesh, EngineConfig{})

	roundID := "r24-1756000000"
	engine.Submit(mesh.observation(t, 0, roundID, 0.82))

	dirty := engine.DirtyRounds()
	require.Len(t, dirty, 1)
	assert.Equal(t, roundID, dirty[0].RoundID)

	engine.MarkDurable(roundID)
	assert.Empty(t, engine.DirtyRounds())

	// New activity re-dirties the round
	engine.Submit(mesh.observation(t, 1, roundID, 0.85))
	assert.Len(t, engine.DirtyRounds(), 1)
}

func TestExcessiveDeviationAcrossRounds(t *testing.T) {
	mesh := newTestMesh(t, 5)
	engine := newTestEngine(t, mesh, EngineConfig{})

	// Node E sits far from the median three completed rounds in a row.
	// It contributes before quorum, so its score is in each round's
	// accepted set when deviation is measured.
	for i := 0; i < 3; i++ {
		roundID := fmt.Sprintf("r24-%d", i)
		engine.Submit(mesh.observation(t, 0, roundID, 0.85))
		engine.Submit(mesh.observation(t, 4, roundID, 0.20))
		engine.Submit(mesh.observation(t, 1, roundID, 0.86))

		round, err := engine.Round(roundID)
		require.NoError(t, err)
		assert.Equal(t, RoundComplete, round.Status)
		assert.InDelta(t, 0.85, *round.ConsensusTIS, 1e-9)
	}

	assert.True(t, engine.Detector().IsExcluded(mesh.ids[4].NodeID))

	// Excluded from the denominator: quorum over the remaining four
	engine.Submit(mesh.observation(t, 0, "r24-next", 0.85))
	engine.Submit(mesh.observation(t, 1, "r24-next", 0.86))
	res := engine.Submit(mesh.observation(t, 4, "r24-next", 0.20))
	assert.False(t, res.Accepted)
	assert.Equal(t, "node is Byzantine-excluded", res.Reason)

	round, err := engine.Round("r24-next")
	require.NoError(t, err)
	assert.Equal(t, RoundPending, round.Status)

	engine.Submit(mesh.observation(t, 2, "r24-next", 0.84))
	round, _ = engine.Round("r24-next")
	assert.Equal(t, RoundComplete, round.Status)
}

func TestRestoreRound(t *testing.T) {
	mesh := newTestMesh(t, 3)
	engine := newTestEngine(t, mesh, EngineConfig{})

	tis := 0.8
	finalized := time.Now().UTC()
	engine.RestoreRound(ConsensusRound{
		RoundID:      "r24-old",
		WindowHours:  24,
		StartedAt:    finalized.Add(-time.Hour),
		Status:       RoundComplete,
		ConsensusTIS: &tis,
		FinalizedAt:  &finalized,
	})

	round, err := engine.Round("r24-old")
	require.NoError(t, err)
	assert.Equal(t, RoundComplete, round.Status)

	// Restored finalized rounds reject new observations
	res := engine.Submit(mesh.observation(t, 0, "r24-old", 0.9))
	assert.False(t, res.Accepted)
	assert.Equal(t, "round already finalized", res.Reason)
}
