package consensus

import (
	"crypto/ed25519"
	"fmt"
	"sort"
	"strings"

	"github.com/auditmesh/auditmesh/pkg/identity"
)

// CanonicalEncoding produces the deterministic byte encoding the
// signature covers: fixed field order, unix-second timestamps, %.6f
// numeric formatting, bias flags sorted. Two observations with equal
// signable fields always encode identically regardless of how they
// were transported or stored.
func (o *AuditObservation) CanonicalEncoding() []byte {
	flags := make([]string, len(o.BiasFlags))
	for i, b := range o.BiasFlags {
		flags[i] = string(b)
	}
	sort.Strings(flags)

	encoded := fmt.Sprintf(
		"%s|%s|%s|%d|%d|%s|%s|%.6f|%.6f|%.6f|%.6f|%s",
		o.NodeID,
		o.AuditID,
		o.RoundID,
		o.WindowHours,
		o.Timestamp.Unix(),
		o.ForecastHash,
		o.OutcomeHash,
		o.TISOverall,
		o.TISComponents.PredictionAccuracy,
		o.TISComponents.EthicalAlignment,
		o.TISComponents.CoherenceStability,
		strings.Join(flags, ","),
	)
	return []byte(encoded)
}

// SignWith signs the canonical encoding with the node identity
func (o *AuditObservation) SignWith(id *identity.Identity) error {
	sig, err := id.Sign(o.CanonicalEncoding())
	if err != nil {
		return fmt.Errorf("signing observation %s: %w", o.AuditID, err)
	}
	o.Signature = sig
	return nil
}

// VerifySignature checks the observation signature against the given
// public key. A false return rejects the single observation; it is
// never fatal.
func (o *AuditObservation) VerifySignature(publicKey ed25519.PublicKey) bool {
	if len(o.Signature) == 0 {
		return false
	}
	return identity.Verify(o.CanonicalEncoding(), o.Signature, publicKey)
}

// ConflictsWith reports whether another observation from the same
// node in the same round makes a different claim. Identical claims
// (a re-broadcast) are not conflicts.
func (o *AuditObservation) ConflictsWith(other *AuditObservation) bool {
	if o.NodeID != other.NodeID || o.RoundID != other.RoundID {
		return false
	}
	return o.TISOverall != other.TISOverall ||
		o.ForecastHash != other.ForecastHash ||
		o.OutcomeHash != other.OutcomeHash
}
