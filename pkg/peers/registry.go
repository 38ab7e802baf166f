// Package peers holds the operator-curated peer registry. The
// registry file is the sole source of peer trust: there is no
// discovery and no certificate authority. Reload replaces the whole
// registry atomically; consumers work against immutable snapshots.
package peers

import (
	"crypto/ed25519"
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/multiformats/go-multiaddr"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

var (
	ErrUnknownPeer = errors.New("unknown peer")
	ErrEmptyFile   = errors.New("peer registry file has no peers")
)

// Peer is one configured member of the mesh
type Peer struct {
	NodeID    string
	PublicKey ed25519.PublicKey
	Address   multiaddr.Multiaddr
}

// Policy carries the quorum-policy parameters distributed with the
// peer list so every node agrees on them.
type Policy struct {
	ThresholdMode      string
	DeviationTolerance float64
	DeviationWindow    int
	RoundTimeout       time.Duration
}

// Snapshot is an immutable view of the registry. Rounds capture a
// snapshot at creation and evaluate against it for their lifetime.
type Snapshot struct {
	Version  int
	LoadedAt time.Time
	Policy   Policy
	peers    map[string]Peer
}

// Registry owns the current snapshot and swaps it on reload
type Registry struct {
	path   string
	logger *zap.Logger

	mu      sync.RWMutex
	current *Snapshot
}

// registryFile is the on-disk YAML shape
type registryFile struct {
	Policy struct {
		ThresholdMode      string  `yaml:"threshold_mode"`
		DeviationTolerance float64 `yaml:"deviation_tolerance"`
		DeviationWindow    int     `yaml:"deviation_window"`
		RoundTimeout       string  `yaml:"round_timeout"`
	} `yaml:"policy"`
	Peers map[string]struct {
		PublicKey string `yaml:"public_key"`
		Address   string `yaml:"address"`
	} `yaml:"peers"`
}

// NewRegistry loads the registry file at path
func NewRegistry(path string, logger *zap.Logger) (*Registry, error) {
	r := &Registry{path: path, logger: logger}
	if err := r.Reload(); err != nil {
		return nil, err
	}
	return r, nil
}

// Snapshot returns the current immutable registry view
func (r *Registry) Snapshot() *Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.current
}

// Reload re-reads the registry file and swaps the snapshot in one
// step. A parse or validation error leaves the previous snapshot in
// place untouched.
func (r *Registry) Reload() error {
	raw, err := os.ReadFile(r.path)
	if err != nil {
		return fmt.Errorf("reading peer registry %s: %w", r.path, err)
	}

	snap, err := parseRegistry(raw)
	if err != nil {
		return fmt.Errorf("parsing peer registry %s: %w", r.path, err)
	}

	r.mu.Lock()
	if r.current != nil {
		snap.Version = r.current.Version + 1
	} else {
		snap.Version = 1
	}
	r.current = snap
	r.mu.Unlock()

	r.logger.Info("Peer registry loaded",
		zap.Int("version", snap.Version),
		zap.Int("peers", len(snap.peers)),
		zap.String("thresholdMode", snap.Policy.ThresholdMode))
	return nil
}

func parseRegistry(raw []byte) (*Snapshot, error) {
	var file registryFile
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return nil, err
	}
	if len(file.Peers) == 0 {
		return nil, ErrEmptyFile
	}

	snap := &Snapshot{
		LoadedAt: time.Now(),
		peers:    make(map[string]Peer, len(file.Peers)),
		Policy: Policy{
			ThresholdMode:      file.Policy.ThresholdMode,
			DeviationTolerance: file.Policy.DeviationTolerance,
			DeviationWindow:    file.Policy.DeviationWindow,
		},
	}

	if snap.Policy.ThresholdMode == "" {
		snap.Policy.ThresholdMode = "majority"
	}
	switch snap.Policy.ThresholdMode {
	case "majority", "two_thirds":
	default:
		return nil, fmt.Errorf("invalid threshold_mode %q", snap.Policy.ThresholdMode)
	}

	if file.Policy.RoundTimeout != "" {
		d, err := time.ParseDuration(file.Policy.RoundTimeout)
		if err != nil {
			return nil, fmt.Errorf("invalid round_timeout: %w", err)
		}
		snap.Policy.RoundTimeout = d
	}

	for nodeID, entry := range file.Peers {
		pub, err := base64.StdEncoding.DecodeString(entry.PublicKey)
		if err != nil {
			return nil, fmt.Errorf("peer %s: decoding public key: %w", nodeID, err)
		}
		if len(pub) != ed25519.PublicKeySize {
			return nil, fmt.Errorf("peer %s: public key must be %d bytes, got %d",
				nodeID, ed25519.PublicKeySize, len(pub))
		}

		addr, err := multiaddr.NewMultiaddr(entry.Address)
		if err != nil {
			return nil, fmt.Errorf("peer %s: invalid address %q: %w", nodeID, entry.Address, err)
		}

		snap.peers[nodeID] = Peer{
			NodeID:    nodeID,
			PublicKey: ed25519.PublicKey(pub),
			Address:   addr,
		}
	}

	return snap, nil
}

// Lookup returns the configured peer for a node id
func (s *Snapshot) Lookup(nodeID string) (Peer, error) {
	p, ok := s.peers[nodeID]
	if !ok {
		return Peer{}, fmt.Errorf("%w: %s", ErrUnknownPeer, nodeID)
	}
	return p, nil
}

// Contains reports whether a node id is a configured peer
func (s *Snapshot) Contains(nodeID string) bool {
	_, ok := s.peers[nodeID]
	return ok
}

// Size returns the number of configured peers
func (s *Snapshot) Size() int {
	return len(s.peers)
}

// NodeIDs returns all configured node ids in sorted order
func (s *Snapshot) NodeIDs() []string {
	ids := make([]string, 0, len(s.peers))
	for id := range s.peers {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Peers returns all configured peers keyed by node id order
func (s *Snapshot) Peers() []Peer {
	out := make([]Peer, 0, len(s.peers))
	for _, id := range s.NodeIDs() {
		out = append(out, s.peers[id])
	}
	return out
}
