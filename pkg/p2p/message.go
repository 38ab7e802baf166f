package p2p

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/auditmesh/auditmesh/pkg/consensus"
)

// MessageType represents the type of mesh message
type MessageType string

const (
	ObservationMessage    MessageType = "Observation"
	StatusRequestMessage  MessageType = "StatusRequest"
	StatusResponseMessage MessageType = "StatusResponse"
	ReconcileMessage      MessageType = "Reconcile"
	SubmitResponseMessage MessageType = "SubmitResponse"
	ErrorResponseMessage  MessageType = "Error"
)

const messageVersion = "1.0.0"

// Message is the envelope every mesh exchange travels in. Payload
// authenticity rests on the observation's own ed25519 signature, not
// on this envelope; the envelope only carries routing metadata.
type Message struct {
	Type      MessageType     `json:"type"`
	Version   string          `json:"version"`
	ID        string          `json:"id"`
	Timestamp time.Time       `json:"timestamp"`
	Sender    string          `json:"sender"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// NewMessage wraps a payload in a fresh envelope
func NewMessage(msgType MessageType, sender string, payload interface{}) (*Message, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encoding %s payload: %w", msgType, err)
	}

	return &Message{
		Type:      msgType,
		Version:   messageVersion,
		ID:        uuid.New().String(),
		Timestamp: time.Now().UTC(),
		Sender:    sender,
		Payload:   raw,
	}, nil
}

// Marshal serializes the envelope
func (m *Message) Marshal() ([]byte, error) {
	return json.Marshal(m)
}

// Unmarshal deserializes the envelope
func (m *Message) Unmarshal(data []byte) error {
	return json.Unmarshal(data, m)
}

// DecodePayload unpacks the payload into out
func (m *Message) DecodePayload(out interface{}) error {
	if len(m.Payload) == 0 {
		return fmt.Errorf("%s message has no payload", m.Type)
	}
	if err := json.Unmarshal(m.Payload, out); err != nil {
		return fmt.Errorf("decoding %s payload: %w", m.Type, err)
	}
	return nil
}

// StatusRequest asks a peer for its view of one round. An empty
// round id asks for the all-rounds summary instead.
type StatusRequest struct {
	RoundID string `json:"round_id,omitempty"`
}

// StatusSummary is the reply to a status request with no round id
type StatusSummary struct {
	Rounds        []*consensus.ConsensusResult `json:"rounds"`
	ExcludedCount int                          `json:"excluded_count"`
}

// ReconcileRequest asks a peer to re-evaluate a window
type ReconcileRequest struct {
	WindowHours int `json:"window_hours"`
}

// SubmitResponse reports how a peer handled a submitted observation
type SubmitResponse struct {
	Accepted bool   `json:"accepted"`
	Reason   string `json:"reason,omitempty"`
}

// ErrorResponse carries a failure back over a stream
type ErrorResponse struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}
