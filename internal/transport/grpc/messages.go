// Package grpc exposes an optional remote transport for a worker that
// wants to dispatch into, or query results from, a dotcelery cluster it
// isn't colocated with — grounded on the teacher's Comet/Nebula split,
// where internal/executor.RemoteInvoker forwards invocations to a
// remote gRPC endpoint instead of running them locally.
//
// # On hand-written service wiring
//
// The teacher generates its wire types from api/proto/novapb via
// protoc. That generation step isn't available here (no protoc, and
// running any Go/build tooling is out of scope for this exercise), so
// this package defines its RPC methods directly against
// wrapperspb.BytesValue — a message type protoc-gen-go already
// generated and ships inside google.golang.org/protobuf itself — and
// carries a JSON-encoded envelope inside its Value field. The
// ServiceDesc, server registration and client stub below are written
// by hand in the same shape protoc-gen-go-grpc would produce for a
// single-field-bytes service; only the .proto compilation step is
// skipped; the wire representation is still real protobuf framing
// over real gRPC/HTTP2.
package grpc

import (
	"encoding/json"

	"github.com/kidoz/dotcelery/internal/message"
)

// dispatchEnvelope carries a task message to a remote worker (§4.2
// Publish, forwarded instead of enqueued locally).
type dispatchEnvelope struct {
	Task *message.TaskMessage `json:"task"`
}

// ackEnvelope is the uniform accept/reject response for Dispatch and Revoke.
type ackEnvelope struct {
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
}

// resultQueryEnvelope requests a stored result by task id (§4.3 GetResult).
type resultQueryEnvelope struct {
	TaskID string `json:"task_id"`
}

// resultEnvelope carries a possibly-absent stored result back to the caller.
type resultEnvelope struct {
	Found  bool                 `json:"found"`
	Result *message.TaskResult  `json:"result,omitempty"`
}

// revokeEnvelope requests revocation of a task id (§4.6).
type revokeEnvelope struct {
	TaskID    string `json:"task_id"`
	Terminate bool   `json:"terminate"`
}

func marshalEnvelope(v any) ([]byte, error) {
	return json.Marshal(v)
}

func unmarshalEnvelope(data []byte, v any) error {
	return json.Unmarshal(data, v)
}
