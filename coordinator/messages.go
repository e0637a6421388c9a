// Package coordinator implements the distributed coordinator and the
// worker-facing wire protocol. The message-kind enum and envelope carry
// registration, assignment, heartbeat, and result frames over
// length-prefixed binary messages rather than JSON-over-WebSocket.
package coordinator

import (
	"crypto/rand"
	"encoding/hex"
	"io"
	"time"

	"forge.build/action"
	"forge.build/internal/codec"
)

// Kind enumerates the coordinator/worker wire message kinds.
type Kind string

const (
	KindRegister Kind = "register"
	KindHeartbeat Kind = "heartbeat"
	KindAssign   Kind = "assign"
	KindAck      Kind = "ack"
	KindResult   Kind = "result"
	KindSteal    Kind = "steal"
	KindCancel   Kind = "cancel"
)

// Message is the single wire envelope for every message kind. All carry a
// monotonic sequence id so they may be replayed idempotently.
type Message struct {
	ID        string
	Seq       uint64
	Kind      Kind
	Timestamp time.Time

	// Register
	Capabilities     []string
	HeartbeatInterval time.Duration
	AuthToken        string

	// Heartbeat
	LoadStats LoadStats

	// Assign
	ActionRequest *ActionRequest

	// Ack / Result / Cancel / Steal
	ActionID string
	Outcome  action.OutcomeKind
	Outputs  map[string]string // path -> hex digest
	Stdout   []byte
	Stderr   []byte
	ExitCode int
	Duration time.Duration
	VictimID string
}

// LoadStats summarizes a worker's current load, reported on every
// heartbeat and used by SelectWorker to pick the least-loaded worker.
type LoadStats struct {
	QueueDepth int
	Busy       bool
}

// ActionRequest is the internal shape of work offered to a worker; it is
// also what the REAPI adapter translates Bazel Action messages into.
type ActionRequest struct {
	ActionID         string
	Command          []string
	Env              map[string]string
	RequiredCapabilities []string
	TimeoutSeconds   int64
}

// NewMessage allocates a Message of kind with a fresh id and sequence
// number (the caller supplies seq from its own monotonic counter).
func NewMessage(kind Kind, seq uint64) *Message {
	return &Message{ID: generateID(), Seq: seq, Kind: kind, Timestamp: time.Now()}
}

func generateID() string {
	var b [16]byte
	_, _ = rand.Read(b[:])
	return hex.EncodeToString(b[:])
}

// WriteMessage encodes m as a versioned, length-prefixed frame on w.
func WriteMessage(w io.Writer, m *Message) error {
	return codec.Encode(w, codec.TypeWireMessage, m)
}

// ReadMessage decodes one frame from r into a Message.
func ReadMessage(r io.Reader) (*Message, error) {
	var m Message
	if err := codec.Decode(r, codec.TypeWireMessage, &m); err != nil {
		return nil, err
	}
	return &m, nil
}
