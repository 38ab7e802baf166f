package consensus

import (
	"fmt"
	"time"

	"github.com/auditmesh/auditmesh/pkg/audit"
	"github.com/auditmesh/auditmesh/pkg/identity"
)

// ObservationBuilder assembles signed observations from local audit
// results. Aside from timestamping it is side-effect free: identical
// inputs and clock produce an identical observation.
type ObservationBuilder struct {
	id  *identity.Identity
	now func() time.Time
}

// NewObservationBuilder creates a builder bound to the node identity
func NewObservationBuilder(id *identity.Identity) *ObservationBuilder {
	return &ObservationBuilder{id: id, now: time.Now}
}

// Build wraps a local audit into a signed observation for roundID
func (b *ObservationBuilder) Build(roundID string, local *audit.LocalAudit) (*AuditObservation, error) {
	if err := local.Validate(); err != nil {
		return nil, fmt.Errorf("invalid local audit %s: %w", local.AuditID, err)
	}

	flags := make([]BiasKind, len(local.BiasFlags))
	for i, f := range local.BiasFlags {
		flags[i] = BiasKind(f)
	}

	obs := &AuditObservation{
		NodeID:       b.id.NodeID,
		AuditID:      local.AuditID,
		RoundID:      roundID,
		WindowHours:  local.WindowHours,
		Timestamp:    b.now().UTC().Truncate(time.Second),
		ForecastHash: local.ForecastHash,
		OutcomeHash:  local.OutcomeHash,
		TISComponents: TISComponents{
			PredictionAccuracy: local.Components.PredictionAccuracy,
			EthicalAlignment:   local.Components.EthicalAlignment,
			CoherenceStability: local.Components.CoherenceStability,
		},
		TISOverall: local.TISOverall,
		BiasFlags:  flags,
	}

	if err := obs.SignWith(b.id); err != nil {
		return nil, err
	}
	return obs, nil
}

// MintRoundID derives the deterministic round id for an audit window.
// Every node mints the same id for the same window, so origination is
// convergent without leader election.
func MintRoundID(windowHours int, now time.Time) string {
	windowStart := now.UTC().Truncate(time.Duration(windowHours) * time.Hour)
	return fmt.Sprintf("r%d-%d", windowHours, windowStart.Unix())
}
