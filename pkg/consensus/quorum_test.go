package consensus

import (
	"fmt"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestQuorumSizeMajority(t *testing.T) {
	cases := []struct {
		n    int
		want int
	}{
		{1, 1},
		{2, 2},
		{3, 2},
		{4, 3},
		{5, 3},
		{7, 4},
		{10, 6},
	}
	for _, tc := range cases {
		t.Run(fmt.Sprintf("n=%d", tc.n), func(t *testing.T) {
			assert.Equal(t, tc.want, QuorumSize(tc.n, "majority"))
		})
	}

	// ceil((n+1)/2) for every valid peer count
	for n := 1; n <= 100; n++ {
		want := (n + 1 + 1) / 2
		assert.Equal(t, want, QuorumSize(n, "majority"), "n=%d", n)
	}
}

func TestQuorumSizeTwoThirds(t *testing.T) {
	cases := []struct {
		n    int
		want int
	}{
		{3, 2},
		{4, 3},
		{6, 4},
		{9, 6},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, QuorumSize(tc.n, "two_thirds"), "n=%d", tc.n)
	}
}

func TestQuorumSizeDegenerate(t *testing.T) {
	assert.Equal(t, 1, QuorumSize(0, "majority"))
	assert.Equal(t, 1, QuorumSize(-3, "two_thirds"))
}

func TestMedian(t *testing.T) {
	assert.Equal(t, 0.85, median([]float64{0.80, 0.85, 0.90}))
	assert.InDelta(t, 0.835, median([]float64{0.82, 0.85}), 1e-9)
	assert.Equal(t, 0.5, median([]float64{0.5}))

	// Outlier influence is bounded
	assert.Equal(t, 0.85, median([]float64{0.01, 0.85, 0.86, 0.84, 0.99}))
}

func obsWithTIS(nodeID string, tis float64, flags ...BiasKind) AuditObservation {
	return AuditObservation{
		NodeID:     nodeID,
		RoundID:    "r24-1",
		TISOverall: tis,
		BiasFlags:  flags,
	}
}

func TestAgreementOrderInvariance(t *testing.T) {
	observations := []AuditObservation{
		obsWithTIS("nodeA", 0.82, BiasAnchoring),
		obsWithTIS("nodeB", 0.85, BiasAnchoring, BiasOptimismSkew),
		obsWithTIS("nodeC", 0.91),
		obsWithTIS("nodeD", 0.78, BiasAnchoring),
		obsWithTIS("nodeE", 0.88),
	}

	baseTIS, baseBiases := agreement(observations, 3)

	rng := rand.New(rand.NewSource(42))
	for i := 0; i < 50; i++ {
		shuffled := make([]AuditObservation, len(observations))
		copy(shuffled, observations)
		rng.Shuffle(len(shuffled), func(a, b int) {
			shuffled[a], shuffled[b] = shuffled[b], shuffled[a]
		})

		tis, biases := agreement(shuffled, 3)
		assert.Equal(t, baseTIS, tis)
		assert.Equal(t, baseBiases, biases)
	}

	assert.Equal(t, 0.85, baseTIS)
	assert.Equal(t, []BiasKind{BiasAnchoring}, baseBiases)
}

func TestQuorumBiases(t *testing.T) {
	obs := []AuditObservation{
		obsWithTIS("a", 0.8, BiasAnchoring, BiasCoherenceDrift),
		obsWithTIS("b", 0.8, BiasAnchoring),
		obsWithTIS("c", 0.8, BiasCoherenceDrift),
	}

	assert.Equal(t, []BiasKind{BiasAnchoring, BiasCoherenceDrift}, quorumBiases(obs, 2))
	assert.Empty(t, quorumBiases(obs, 3))

	// Repeated flags within one observation count once
	dup := []AuditObservation{
		obsWithTIS("a", 0.8, BiasAnchoring, BiasAnchoring),
	}
	assert.Empty(t, quorumBiases(dup, 2))
}
