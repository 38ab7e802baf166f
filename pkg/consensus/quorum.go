package consensus

import "sort"

// QuorumSize returns the number of accepted observations required to
// finalize a round over n eligible peers. Majority is ceil((n+1)/2);
// the stricter two-thirds policy is ceil(2n/3).
func QuorumSize(n int, mode string) int {
	if n <= 0 {
		return 1
	}
	switch mode {
	case "two_thirds":
		return (2*n + 2) / 3
	default: // majority
		return (n + 2) / 2
	}
}

// agreement is the pure reduction over an accepted observation set.
// It is invariant to submission order: observations are sorted by
// node id before the median is taken, so every node computes the same
// result from the same set.
func agreement(accepted []AuditObservation, quorum int) (float64, []BiasKind) {
	obs := make([]AuditObservation, len(accepted))
	copy(obs, accepted)
	sort.Slice(obs, func(i, j int) bool { return obs[i].NodeID < obs[j].NodeID })

	values := make([]float64, len(obs))
	for i, o := range obs {
		values[i] = o.TISOverall
	}

	return median(values), quorumBiases(obs, quorum)
}

// median bounds the influence of any single outlier node, including a
// Byzantine one not yet detected.
func median(values []float64) float64 {
	sorted := make([]float64, len(values))
	copy(sorted, values)
	sort.Float64s(sorted)

	n := len(sorted)
	if n%2 == 1 {
		return sorted[n/2]
	}
	return (sorted[n/2-1] + sorted[n/2]) / 2
}

// quorumBiases returns the bias kinds reported by at least quorum-many
// accepted observations, in sorted order.
func quorumBiases(obs []AuditObservation, quorum int) []BiasKind {
	counts := make(map[BiasKind]int)
	for _, o := range obs {
		seen := make(map[BiasKind]bool, len(o.BiasFlags))
		for _, b := range o.BiasFlags {
			if !seen[b] {
				seen[b] = true
				counts[b]++
			}
		}
	}

	var out []BiasKind
	for b, c := range counts {
		if c >= quorum {
			out = append(out, b)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
