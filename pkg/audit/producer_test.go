package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func spoolAudit(t *testing.T, dir string, ts int64, a LocalAudit) {
	t.Helper()
	raw, err := json.Marshal(a)
	require.NoError(t, err)
	name := fmt.Sprintf("%d-%s.json", ts, a.AuditID)
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), raw, 0644))
}

func validAudit(id string, window int, tis float64) LocalAudit {
	return LocalAudit{
		AuditID:      id,
		WindowHours:  window,
		CompletedAt:  time.Now(),
		ForecastHash: "fh-" + id,
		OutcomeHash:  "oh-" + id,
		Components: Components{
			PredictionAccuracy: tis,
			EthicalAlignment:   tis,
			CoherenceStability: tis,
		},
		TISOverall: tis,
	}
}

func TestSpoolProducerNewestFirst(t *testing.T) {
	dir := t.TempDir()
	spoolAudit(t, dir, 1700000000, validAudit("old", 24, 0.70))
	spoolAudit(t, dir, 1700090000, validAudit("new", 24, 0.85))

	p := NewSpoolProducer(dir)
	a, err := p.Next(context.Background(), 24)
	require.NoError(t, err)
	assert.Equal(t, "new", a.AuditID)
	assert.Equal(t, 0.85, a.TISOverall)
}

func TestSpoolProducerFiltersWindow(t *testing.T) {
	dir := t.TempDir()
	spoolAudit(t, dir, 1700090000, validAudit("daily", 24, 0.8))
	spoolAudit(t, dir, 1700091000, validAudit("hourly", 1, 0.9))

	p := NewSpoolProducer(dir)
	a, err := p.Next(context.Background(), 24)
	require.NoError(t, err)
	assert.Equal(t, "daily", a.AuditID)

	_, err = p.Next(context.Background(), 48)
	assert.ErrorIs(t, err, ErrNoAudit)
}

func TestSpoolProducerSkipsInvalid(t *testing.T) {
	dir := t.TempDir()

	bad := validAudit("bad", 24, 1.4) // score out of range
	spoolAudit(t, dir, 1700095000, bad)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "1700099999-junk.json"), []byte("{not json"), 0644))
	spoolAudit(t, dir, 1700090000, validAudit("good", 24, 0.8))

	p := NewSpoolProducer(dir)
	a, err := p.Next(context.Background(), 24)
	require.NoError(t, err)
	assert.Equal(t, "good", a.AuditID)
}

func TestValidate(t *testing.T) {
	a := validAudit("x", 24, 0.5)
	assert.NoError(t, a.Validate())

	a.TISOverall = -0.1
	assert.Error(t, a.Validate())

	b := validAudit("", 24, 0.5)
	assert.Error(t, b.Validate())

	c := validAudit("y", 24, 0.5)
	c.OutcomeHash = ""
	assert.Error(t, c.Validate())
}
