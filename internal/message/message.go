// Package message defines the wire-stable records exchanged between
// producers, the broker, the delayed-message store, and the result
// backend: TaskMessage, TaskResult, RevocationRecord, and DelayedEntry.
package message

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// State is a task's position in the execution state machine.
type State string

const (
	StatePending   State = "pending"
	StateReceived  State = "received"
	StateStarted   State = "started"
	StateSuccess   State = "success"
	StateFailure   State = "failure"
	StateRevoked   State = "revoked"
	StateRejected  State = "rejected"
	StateRetry     State = "retry"
	StateProgress  State = "progress"
	StateRequeued  State = "requeued"
)

// Terminal reports whether no further transitions are legal from s.
func (s State) Terminal() bool {
	switch s {
	case StateSuccess, StateFailure, StateRevoked, StateRejected:
		return true
	default:
		return false
	}
}

// transitions enumerates the legal edges of the state machine (§4.1).
// The zero state "" represents ⊥, the pre-existence state.
var transitions = map[State]map[State]bool{
	"": {
		StatePending:  true,
		StateReceived: true,
	},
	StatePending: {
		StateReceived: true,
		StateRevoked:  true,
	},
	StateReceived: {
		StateStarted: true,
		StateRevoked: true,
	},
	StateStarted: {
		StateSuccess:  true,
		StateFailure:  true,
		StateRetry:    true,
		StateRevoked:  true,
		StateRejected: true,
		StateRequeued: true,
		StateProgress: true,
	},
	StateRetry: {
		StateReceived: true,
		StateFailure:  true,
		StateRevoked:  true,
		StateRejected: true,
	},
	StateRequeued: {
		StateReceived: true,
		StateRevoked:  true,
	},
	StateProgress: {
		StateProgress: true,
		StateSuccess:  true,
		StateFailure:  true,
		StateRevoked:  true,
		StateRejected: true,
	},
}

// ValidTransition reports whether moving from `from` to `to` is legal.
// Same-state transitions are always idempotent per §4.1, except that a
// terminal state may never transition anywhere, including to itself
// trivially re-applied by a caller (callers should treat that as a
// no-op rather than calling ValidTransition at all).
func ValidTransition(from, to State) bool {
	if from == to && !from.Terminal() {
		return true
	}
	if from.Terminal() {
		return false
	}
	edges, ok := transitions[from]
	if !ok {
		return false
	}
	return edges[to]
}

// Exception is the serialized shape of a handler failure.
type Exception struct {
	Type    string `json:"type,omitempty"`
	Message string `json:"message,omitempty"`
	Stack   string `json:"stack,omitempty"`
	Inner   string `json:"inner,omitempty"`
}

// TaskMessage is the wire-stable envelope a producer publishes and a
// worker dequeues (§3, §6).
type TaskMessage struct {
	SchemaVersion int               `json:"schema_version"`
	ID            string            `json:"id"`
	Task          string            `json:"task"`
	Args          []byte            `json:"args"`
	ContentType   string            `json:"content_type"`
	Timestamp     time.Time         `json:"timestamp"`
	Queue         string            `json:"queue"`
	Priority      int               `json:"priority,omitempty"`
	ETA           *time.Time        `json:"eta,omitempty"`
	Expires       *time.Time        `json:"expires,omitempty"`
	Retries       int               `json:"retries"`
	MaxRetries    int               `json:"max_retries"`
	ParentID      string            `json:"parent_id,omitempty"`
	RootID        string            `json:"root_id,omitempty"`
	BatchID       string            `json:"batch_id,omitempty"`
	CorrelationID string            `json:"correlation_id,omitempty"`
	PartitionKey  string            `json:"partition_key,omitempty"`
	TenantID      string            `json:"tenant_id,omitempty"`
	Headers       map[string]string `json:"headers,omitempty"`
	Signature     string            `json:"signature,omitempty"`

	// DoNotIncrementRetries, when set by the pipeline on a requeue
	// carried via a fresh TaskMessage copy, tells the next dispatch not
	// to treat this as a retry attempt against max_retries.
	DoNotIncrementRetries bool `json:"do_not_increment_retries,omitempty"`
}

const CurrentSchemaVersion = 1

// NewTaskMessage constructs a message with a fresh id and timestamp,
// defaulting schema_version to the current version.
func NewTaskMessage(task, queue string, args []byte, contentType string) *TaskMessage {
	return &TaskMessage{
		SchemaVersion: CurrentSchemaVersion,
		ID:            uuid.NewString(),
		Task:          task,
		Args:          args,
		ContentType:   contentType,
		Timestamp:     time.Now().UTC(),
		Queue:         queue,
	}
}

// Validate enforces the invariants in §3: retries <= max_retries, eta
// >= timestamp-5m (clock skew tolerance), expires >= eta.
func (m *TaskMessage) Validate() error {
	if m.ID == "" {
		return fmt.Errorf("message: id is required")
	}
	if m.Task == "" {
		return fmt.Errorf("message: task is required")
	}
	if m.Retries > m.MaxRetries {
		return fmt.Errorf("message %s: retries %d exceeds max_retries %d", m.ID, m.Retries, m.MaxRetries)
	}
	if m.ETA != nil && m.ETA.Before(m.Timestamp.Add(-5*time.Minute)) {
		return fmt.Errorf("message %s: eta %s is before timestamp-5m skew tolerance", m.ID, m.ETA)
	}
	if m.Expires != nil && m.ETA != nil && m.Expires.Before(*m.ETA) {
		return fmt.Errorf("message %s: expires %s precedes eta %s", m.ID, m.Expires, m.ETA)
	}
	return nil
}

// CompatibleVersion reports whether msg's schema_version is supported
// by a reader whose maximum understood version is maxSupported.
func CompatibleVersion(msg *TaskMessage, maxSupported int) bool {
	return msg.SchemaVersion <= maxSupported
}

// Clone returns a deep-enough copy safe to mutate (retries, eta) when
// republishing for a retry or requeue.
func (m *TaskMessage) Clone() *TaskMessage {
	c := *m
	if m.ETA != nil {
		t := *m.ETA
		c.ETA = &t
	}
	if m.Expires != nil {
		t := *m.Expires
		c.Expires = &t
	}
	if m.Headers != nil {
		c.Headers = make(map[string]string, len(m.Headers))
		for k, v := range m.Headers {
			c.Headers[k] = v
		}
	}
	if m.Args != nil {
		c.Args = append([]byte(nil), m.Args...)
	}
	return &c
}

// TaskResult is the outcome a pipeline stores into the result backend.
type TaskResult struct {
	TaskID                string                 `json:"task_id"`
	State                 State                  `json:"state"`
	Result                []byte                 `json:"result,omitempty"`
	ContentType           string                 `json:"content_type,omitempty"`
	Exception             *Exception             `json:"exception,omitempty"`
	CompletedAt           time.Time              `json:"completed_at"`
	Duration              time.Duration          `json:"duration"`
	Retries               int                    `json:"retries"`
	Worker                string                 `json:"worker,omitempty"`
	Metadata              map[string]any         `json:"metadata,omitempty"`
	RetryAfter            *time.Duration         `json:"retry_after,omitempty"`
	RequeueDelay          *time.Duration         `json:"requeue_delay,omitempty"`
	DoNotIncrementRetries bool                   `json:"do_not_increment_retries,omitempty"`
}

// RevocationRecord marks a task id as revoked until ExpiresAt (§3, §4.5).
type RevocationRecord struct {
	TaskID    string    `json:"task_id"`
	ExpiresAt time.Time `json:"expires_at"`
	Terminate bool      `json:"terminate"`
	Signal    Signal    `json:"signal"`
}

// Signal is the style of cancellation a revocation requests.
type Signal string

const (
	SignalGraceful  Signal = "graceful"
	SignalImmediate Signal = "immediate"
)

// DelayedEntry holds a message awaiting its deliver_at time (§3, §4.4).
type DelayedEntry struct {
	Message   *TaskMessage `json:"message"`
	DeliverAt time.Time    `json:"deliver_at"`
}

// MarshalCanonical produces a deterministic JSON encoding of m with the
// signature field cleared, used as the HMAC signing input (DESIGN.md
// "Signature bytes" resolution).
func (m *TaskMessage) MarshalCanonical() ([]byte, error) {
	clone := m.Clone()
	clone.Signature = ""
	return json.Marshal(clone)
}
