// Package p2p runs the mesh transport: a libp2p host with a gossip
// topic for observation broadcast and request/response streams for
// status queries and reconciliation. Only peers whose ed25519 keys
// appear in the registry are spoken to; everything else is dropped.
package p2p

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/libp2p/go-libp2p"
	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/peerstore"
	"github.com/libp2p/go-libp2p/core/protocol"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"go.uber.org/zap"

	"github.com/auditmesh/auditmesh/pkg/config"
	"github.com/auditmesh/auditmesh/pkg/consensus"
	"github.com/auditmesh/auditmesh/pkg/identity"
	"github.com/auditmesh/auditmesh/pkg/peers"
)

const (
	// Protocol IDs
	SubmitProtocol    = "/auditmesh/submit/1.0.0"
	StatusProtocol    = "/auditmesh/status/1.0.0"
	ReconcileProtocol = "/auditmesh/reconcile/1.0.0"

	// Topic names
	ObservationTopic = "auditmesh/observations/1.0.0"

	streamTimeout = 20 * time.Second
)

// Handlers are the node-side callbacks invoked for inbound traffic
type Handlers struct {
	OnObservation   func(ctx context.Context, obs *consensus.AuditObservation) consensus.SubmitResult
	OnStatus        func(roundID string) (*consensus.ConsensusResult, error)
	OnStatusSummary func() (rounds []*consensus.ConsensusResult, excluded int)
	OnReconcile     func(windowHours int) ([]*consensus.ConsensusResult, error)
}

// Host manages the mesh transport for one node
type Host struct {
	cfg      *config.TransportConfig
	nodeID   string
	host     host.Host
	pubsub   *pubsub.PubSub
	topic    *pubsub.Topic
	sub      *pubsub.Subscription
	registry *peers.Registry
	handlers Handlers
	logger   *zap.Logger

	shutdown chan struct{}

	// authorized peer IDs, rebuilt when the registry snapshot changes
	mu             sync.RWMutex
	allowedVersion int
	allowed        map[peer.ID]string
}

// NewHost creates the libp2p host from the node's own ed25519 key so
// the transport identity and the observation-signing identity are the
// same key.
func NewHost(ctx context.Context, cfg *config.TransportConfig, id *identity.Identity, registry *peers.Registry, handlers Handlers, logger *zap.Logger) (*Host, error) {
	priv, err := crypto.UnmarshalEd25519PrivateKey(id.PrivateKey())
	if err != nil {
		return nil, fmt.Errorf("converting node key: %w", err)
	}

	h, err := libp2p.New(
		libp2p.Identity(priv),
		libp2p.ListenAddrStrings(fmt.Sprintf("/ip4/0.0.0.0/tcp/%d", cfg.Port)),
	)
	if err != nil {
		return nil, fmt.Errorf("creating libp2p host: %w", err)
	}

	ps, err := pubsub.NewGossipSub(ctx, h)
	if err != nil {
		h.Close()
		return nil, fmt.Errorf("creating pubsub: %w", err)
	}

	topic, err := ps.Join(ObservationTopic)
	if err != nil {
		h.Close()
		return nil, fmt.Errorf("joining topic %s: %w", ObservationTopic, err)
	}

	sub, err := topic.Subscribe()
	if err != nil {
		h.Close()
		return nil, fmt.Errorf("subscribing to topic %s: %w", ObservationTopic, err)
	}

	mesh := &Host{
		cfg:      cfg,
		nodeID:   id.NodeID,
		host:     h,
		pubsub:   ps,
		topic:    topic,
		sub:      sub,
		registry: registry,
		handlers: handlers,
		logger:   logger,
		shutdown: make(chan struct{}),
	}

	h.SetStreamHandler(SubmitProtocol, mesh.handleSubmitStream)
	h.SetStreamHandler(StatusProtocol, mesh.handleStatusStream)
	h.SetStreamHandler(ReconcileProtocol, mesh.handleReconcileStream)

	return mesh, nil
}

// Start begins consuming gossip and dials the configured peers
func (h *Host) Start(ctx context.Context) error {
	h.logger.Info("Starting mesh transport",
		zap.String("peerID", h.host.ID().String()),
		zap.Any("listenAddrs", h.host.Addrs()))

	go h.consumeGossip(ctx)

	if err := h.connectConfiguredPeers(ctx); err != nil {
		h.logger.Warn("Some configured peers are unreachable", zap.Error(err))
	}

	return nil
}

// Stop shuts the transport down
func (h *Host) Stop() error {
	h.logger.Info("Stopping mesh transport")

	close(h.shutdown)
	h.sub.Cancel()
	h.topic.Close()

	if err := h.host.Close(); err != nil {
		return fmt.Errorf("closing libp2p host: %w", err)
	}

	return nil
}

// PeerID returns this node's libp2p peer id
func (h *Host) PeerID() peer.ID {
	return h.host.ID()
}

// BroadcastObservation publishes a signed observation to the mesh
func (h *Host) BroadcastObservation(ctx context.Context, obs *consensus.AuditObservation) error {
	msg, err := NewMessage(ObservationMessage, h.nodeID, obs)
	if err != nil {
		return err
	}

	raw, err := msg.Marshal()
	if err != nil {
		return fmt.Errorf("marshaling observation message: %w", err)
	}

	if err := h.topic.Publish(ctx, raw); err != nil {
		return fmt.Errorf("publishing observation: %w", err)
	}

	h.logger.Debug("Observation broadcast",
		zap.String("roundID", obs.RoundID),
		zap.String("auditID", obs.AuditID))
	return nil
}

// SendObservation submits an observation directly to one peer
func (h *Host) SendObservation(ctx context.Context, nodeID string, obs *consensus.AuditObservation) (*SubmitResponse, error) {
	msg, err := NewMessage(ObservationMessage, h.nodeID, obs)
	if err != nil {
		return nil, err
	}

	reply, err := h.request(ctx, nodeID, SubmitProtocol, msg)
	if err != nil {
		return nil, err
	}

	resp := &SubmitResponse{}
	if err := reply.DecodePayload(resp); err != nil {
		return nil, err
	}
	return resp, nil
}

// QueryRoundStatus asks one peer for its view of a round
func (h *Host) QueryRoundStatus(ctx context.Context, nodeID, roundID string) (*consensus.ConsensusResult, error) {
	msg, err := NewMessage(StatusRequestMessage, h.nodeID, StatusRequest{RoundID: roundID})
	if err != nil {
		return nil, err
	}

	reply, err := h.request(ctx, nodeID, StatusProtocol, msg)
	if err != nil {
		return nil, err
	}

	result := &consensus.ConsensusResult{}
	if err := reply.DecodePayload(result); err != nil {
		return nil, err
	}
	return result, nil
}

// request opens a stream to a configured peer, sends one envelope and
// reads one envelope back.
func (h *Host) request(ctx context.Context, nodeID string, proto protocol.ID, msg *Message) (*Message, error) {
	pid, err := h.peerIDFor(nodeID)
	if err != nil {
		return nil, err
	}

	stream, err := h.host.NewStream(ctx, pid, proto)
	if err != nil {
		return nil, fmt.Errorf("opening %s stream to %s: %w", proto, nodeID, err)
	}
	defer stream.Close()
	stream.SetDeadline(time.Now().Add(streamTimeout))

	if err := json.NewEncoder(stream).Encode(msg); err != nil {
		return nil, fmt.Errorf("sending %s request: %w", proto, err)
	}

	reply := &Message{}
	if err := json.NewDecoder(stream).Decode(reply); err != nil {
		return nil, fmt.Errorf("reading %s response: %w", proto, err)
	}

	if reply.Type == ErrorResponseMessage {
		errResp := &ErrorResponse{}
		if err := reply.DecodePayload(errResp); err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("peer %s: %s", nodeID, errResp.Message)
	}

	return reply, nil
}

func (h *Host) consumeGossip(ctx context.Context) {
	for {
		msg, err := h.sub.Next(ctx)
		if err != nil {
			select {
			case <-h.shutdown:
			case <-ctx.Done():
			default:
				h.logger.Error("Gossip subscription failed", zap.Error(err))
			}
			return
		}

		if msg.ReceivedFrom == h.host.ID() {
			continue
		}

		nodeID, ok := h.authorize(msg.ReceivedFrom)
		if !ok {
			h.logger.Warn("Dropping gossip from unconfigured peer",
				zap.String("peerID", msg.ReceivedFrom.String()))
			continue
		}

		envelope := &Message{}
		if err := envelope.Unmarshal(msg.Data); err != nil {
			h.logger.Warn("Dropping malformed gossip message",
				zap.String("from", nodeID), zap.Error(err))
			continue
		}

		if envelope.Type != ObservationMessage {
			continue
		}

		obs := &consensus.AuditObservation{}
		if err := envelope.DecodePayload(obs); err != nil {
			h.logger.Warn("Dropping undecodable observation",
				zap.String("from", nodeID), zap.Error(err))
			continue
		}

		result := h.handlers.OnObservation(ctx, obs)
		h.logger.Debug("Gossip observation processed",
			zap.String("from", nodeID),
			zap.String("roundID", obs.RoundID),
			zap.Bool("accepted", result.Accepted),
			zap.String("reason", result.Reason))
	}
}

func (h *Host) handleSubmitStream(stream network.Stream) {
	defer stream.Close()
	stream.SetDeadline(time.Now().Add(streamTimeout))

	nodeID, ok := h.authorize(stream.Conn().RemotePeer())
	if !ok {
		stream.Reset()
		return
	}

	envelope := &Message{}
	if err := json.NewDecoder(stream).Decode(envelope); err != nil {
		h.replyError(stream, 400, "malformed request")
		return
	}

	obs := &consensus.AuditObservation{}
	if err := envelope.DecodePayload(obs); err != nil {
		h.replyError(stream, 400, "undecodable observation")
		return
	}

	result := h.handlers.OnObservation(context.Background(), obs)
	h.reply(stream, SubmitResponseMessage, SubmitResponse{
		Accepted: result.Accepted,
		Reason:   result.Reason,
	})

	h.logger.Debug("Direct observation processed",
		zap.String("from", nodeID),
		zap.String("roundID", obs.RoundID),
		zap.Bool("accepted", result.Accepted))
}

func (h *Host) handleStatusStream(stream network.Stream) {
	defer stream.Close()
	stream.SetDeadline(time.Now().Add(streamTimeout))

	if _, ok := h.authorize(stream.Conn().RemotePeer()); !ok {
		stream.Reset()
		return
	}

	envelope := &Message{}
	if err := json.NewDecoder(stream).Decode(envelope); err != nil {
		h.replyError(stream, 400, "malformed request")
		return
	}

	req := &StatusRequest{}
	if err := envelope.DecodePayload(req); err != nil {
		h.replyError(stream, 400, "undecodable status request")
		return
	}

	msgType, payload := h.statusPayload(req)
	h.reply(stream, msgType, payload)
}

// statusPayload resolves a status request: one round's result view, or
// the all-rounds summary when the round id is omitted.
func (h *Host) statusPayload(req *StatusRequest) (MessageType, interface{}) {
	if req.RoundID == "" {
		rounds, excluded := h.handlers.OnStatusSummary()
		return StatusResponseMessage, StatusSummary{Rounds: rounds, ExcludedCount: excluded}
	}

	result, err := h.handlers.OnStatus(req.RoundID)
	if err != nil {
		return ErrorResponseMessage, ErrorResponse{Code: 404, Message: err.Error()}
	}
	return StatusResponseMessage, result
}

func (h *Host) handleReconcileStream(stream network.Stream) {
	defer stream.Close()
	stream.SetDeadline(time.Now().Add(streamTimeout))

	if _, ok := h.authorize(stream.Conn().RemotePeer()); !ok {
		stream.Reset()
		return
	}

	envelope := &Message{}
	if err := json.NewDecoder(stream).Decode(envelope); err != nil {
		h.replyError(stream, 400, "malformed request")
		return
	}

	req := &ReconcileRequest{}
	if err := envelope.DecodePayload(req); err != nil {
		h.replyError(stream, 400, "undecodable reconcile request")
		return
	}

	results, err := h.handlers.OnReconcile(req.WindowHours)
	if err != nil {
		h.replyError(stream, 500, err.Error())
		return
	}

	h.reply(stream, StatusResponseMessage, results)
}

func (h *Host) reply(stream network.Stream, msgType MessageType, payload interface{}) {
	msg, err := NewMessage(msgType, h.nodeID, payload)
	if err != nil {
		h.logger.Error("Building stream reply failed", zap.Error(err))
		return
	}
	if err := json.NewEncoder(stream).Encode(msg); err != nil {
		h.logger.Debug("Writing stream reply failed", zap.Error(err))
	}
}

func (h *Host) replyError(stream network.Stream, code int, message string) {
	h.reply(stream, ErrorResponseMessage, ErrorResponse{Code: code, Message: message})
}

// connectConfiguredPeers dials every registry peer, seeding the
// peerstore with the operator-configured addresses.
func (h *Host) connectConfiguredPeers(ctx context.Context) error {
	snap := h.registry.Snapshot()

	var firstErr error
	for _, p := range snap.Peers() {
		if p.NodeID == h.nodeID {
			continue
		}

		pid, err := libp2pPeerID(p)
		if err != nil {
			h.logger.Warn("Skipping peer with unusable key",
				zap.String("nodeID", p.NodeID), zap.Error(err))
			continue
		}

		h.host.Peerstore().AddAddr(pid, p.Address, peerstore.PermanentAddrTTL)

		dialCtx := ctx
		if h.cfg.DialTimeout > 0 {
			var cancel context.CancelFunc
			dialCtx, cancel = context.WithTimeout(ctx, h.cfg.DialTimeout)
			defer cancel()
		}

		if err := h.host.Connect(dialCtx, peer.AddrInfo{ID: pid}); err != nil {
			h.logger.Warn("Peer dial failed",
				zap.String("nodeID", p.NodeID),
				zap.String("address", p.Address.String()),
				zap.Error(err))
			if firstErr == nil {
				firstErr = err
			}
			continue
		}

		h.logger.Info("Connected to peer", zap.String("nodeID", p.NodeID))
	}

	return firstErr
}

// authorize maps a libp2p peer id back to a configured node id. The
// allowed set is derived from registry public keys, so a reload that
// removes a peer also revokes its transport access.
func (h *Host) authorize(pid peer.ID) (string, bool) {
	snap := h.registry.Snapshot()

	h.mu.RLock()
	if h.allowedVersion == snap.Version {
		nodeID, ok := h.allowed[pid]
		h.mu.RUnlock()
		return nodeID, ok
	}
	h.mu.RUnlock()

	allowed := make(map[peer.ID]string, snap.Size())
	for _, p := range snap.Peers() {
		id, err := libp2pPeerID(p)
		if err != nil {
			continue
		}
		allowed[id] = p.NodeID
	}

	h.mu.Lock()
	h.allowed = allowed
	h.allowedVersion = snap.Version
	h.mu.Unlock()

	nodeID, ok := allowed[pid]
	return nodeID, ok
}

func (h *Host) peerIDFor(nodeID string) (peer.ID, error) {
	snap := h.registry.Snapshot()
	p, err := snap.Lookup(nodeID)
	if err != nil {
		return "", err
	}

	pid, err := libp2pPeerID(p)
	if err != nil {
		return "", err
	}

	h.host.Peerstore().AddAddr(pid, p.Address, peerstore.PermanentAddrTTL)
	return pid, nil
}

// libp2pPeerID derives the transport identity from a registry entry
func libp2pPeerID(p peers.Peer) (peer.ID, error) {
	pub, err := crypto.UnmarshalEd25519PublicKey(p.PublicKey)
	if err != nil {
		return "", fmt.Errorf("peer %s: converting public key: %w", p.NodeID, err)
	}

	pid, err := peer.IDFromPublicKey(pub)
	if err != nil {
		return "", fmt.Errorf("peer %s: deriving peer id: %w", p.NodeID, err)
	}

	return pid, nil
}
