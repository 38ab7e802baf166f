// Package audit is the boundary to the node-local audit subsystem.
// That subsystem is an external collaborator: it computes temporal
// integrity scores on its own schedule and this package only reads
// its output.
package audit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

var ErrNoAudit = errors.New("no local audit available for window")

// Components mirrors the score breakdown produced by the local auditor
type Components struct {
	PredictionAccuracy float64 `json:"prediction_accuracy"`
	EthicalAlignment   float64 `json:"ethical_alignment"`
	CoherenceStability float64 `json:"coherence_stability"`
}

// LocalAudit is one completed local audit for one window
type LocalAudit struct {
	AuditID      string     `json:"audit_id"`
	WindowHours  int        `json:"window_hours"`
	CompletedAt  time.Time  `json:"completed_at"`
	ForecastHash string     `json:"forecast_hash"`
	OutcomeHash  string     `json:"outcome_hash"`
	Components   Components `json:"tis_components"`
	TISOverall   float64    `json:"tis_overall"`
	BiasFlags    []string   `json:"bias_flags"`
}

// Validate checks score ranges and required digests
func (a *LocalAudit) Validate() error {
	if a.AuditID == "" {
		return errors.New("audit_id cannot be empty")
	}
	if a.ForecastHash == "" || a.OutcomeHash == "" {
		return errors.New("forecast and outcome hashes are required")
	}
	for name, v := range map[string]float64{
		"tis_overall":         a.TISOverall,
		"prediction_accuracy": a.Components.PredictionAccuracy,
		"ethical_alignment":   a.Components.EthicalAlignment,
		"coherence_stability": a.Components.CoherenceStability,
	} {
		if v < 0 || v > 1 {
			return fmt.Errorf("%s out of range [0, 1]: %f", name, v)
		}
	}
	return nil
}

// Producer supplies the latest local audit for a window
type Producer interface {
	Next(ctx context.Context, windowHours int) (*LocalAudit, error)
}

// SpoolProducer reads audit results the local audit subsystem drops
// as JSON files into a spool directory, newest file first.
type SpoolProducer struct {
	dir string
}

// NewSpoolProducer creates a producer over the given spool directory
func NewSpoolProducer(dir string) *SpoolProducer {
	return &SpoolProducer{dir: dir}
}

// Next returns the newest spooled audit matching windowHours
func (p *SpoolProducer) Next(ctx context.Context, windowHours int) (*LocalAudit, error) {
	entries, err := os.ReadDir(p.dir)
	if err != nil {
		return nil, fmt.Errorf("reading audit spool %s: %w", p.dir, err)
	}

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		names = append(names, e.Name())
	}
	// Spool files are named <unix-ts>-<audit-id>.json; lexical order
	// is chronological.
	sort.Sort(sort.Reverse(sort.StringSlice(names)))

	for _, name := range names {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		raw, err := os.ReadFile(filepath.Join(p.dir, name))
		if err != nil {
			continue
		}
		var a LocalAudit
		if err := json.Unmarshal(raw, &a); err != nil {
			continue
		}
		if a.WindowHours != windowHours {
			continue
		}
		if err := a.Validate(); err != nil {
			continue
		}
		return &a, nil
	}

	return nil, fmt.Errorf("%w: %dh in %s", ErrNoAudit, windowHours, p.dir)
}
