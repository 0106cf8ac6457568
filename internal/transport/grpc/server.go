package grpc

import (
	"context"
	"net"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/kidoz/dotcelery/internal/broker"
	"github.com/kidoz/dotcelery/internal/logging"
	"github.com/kidoz/dotcelery/internal/message"
	"github.com/kidoz/dotcelery/internal/resultbackend"
	"github.com/kidoz/dotcelery/internal/revocation"
)

const defaultRevokeExpiry = 24 * time.Hour

var (
	errNoResultBackend   = errNoStore("no result backend configured on this transport server")
	errNoRevocationStore = errNoStore("no revocation store configured on this transport server")
)

type errNoStore string

func (e errNoStore) Error() string { return string(e) }

// Server exposes a local broker, result backend and revocation store to
// remote callers, so a producer or another cluster's worker can reach
// this node without sharing its broker driver directly. Grounded on the
// teacher's Comet dataplane/controlplane server split: Dispatch plays
// the dataplane role (accept work), Revoke the controlplane role
// (admin signal), GetResult bridges both.
type Server struct {
	broker  broker.Broker
	results resultbackend.ResultBackend
	revoke  revocation.Store

	grpcServer *grpc.Server
	addr       string
}

// NewServer builds a Server over the given stores. Any of results/revoke
// may be nil, in which case the corresponding RPC returns an error.
func NewServer(b broker.Broker, results resultbackend.ResultBackend, revoke revocation.Store) *Server {
	return &Server{broker: b, results: results, revoke: revoke}
}

// Serve starts a gRPC listener on addr and blocks until it stops or ctx
// is cancelled.
func (s *Server) Serve(ctx context.Context, addr string) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return s.serveOn(ctx, lis)
}

// serveOn runs the server on an already-bound listener, letting tests
// pick an ephemeral port (":0") and read back the resolved address via
// Addr before the first RPC.
func (s *Server) serveOn(ctx context.Context, lis net.Listener) error {
	s.addr = lis.Addr().String()
	s.grpcServer = grpc.NewServer()
	RegisterTaskServiceServer(s.grpcServer, s)

	errCh := make(chan error, 1)
	go func() { errCh <- s.grpcServer.Serve(lis) }()

	logging.Op().Info("transport gRPC server listening", "addr", s.addr)

	select {
	case <-ctx.Done():
		s.grpcServer.GracefulStop()
		return nil
	case err := <-errCh:
		return err
	}
}

// Addr returns the address the server is listening on, valid once
// Serve/serveOn has bound its listener.
func (s *Server) Addr() string {
	return s.addr
}

// Stop gracefully stops the server, if running.
func (s *Server) Stop() {
	if s.grpcServer != nil {
		s.grpcServer.GracefulStop()
	}
}

func (s *Server) Dispatch(ctx context.Context, req *wrapperspb.BytesValue) (*wrapperspb.BytesValue, error) {
	var env dispatchEnvelope
	ack := ackEnvelope{OK: true}
	if err := unmarshalEnvelope(req.Value, &env); err != nil {
		ack = ackEnvelope{OK: false, Error: err.Error()}
	} else if env.Task == nil {
		ack = ackEnvelope{OK: false, Error: "missing task"}
	} else if err := s.broker.Publish(ctx, env.Task); err != nil {
		ack = ackEnvelope{OK: false, Error: err.Error()}
	}
	return encodeAck(ack)
}

func (s *Server) GetResult(ctx context.Context, req *wrapperspb.BytesValue) (*wrapperspb.BytesValue, error) {
	var q resultQueryEnvelope
	if err := unmarshalEnvelope(req.Value, &q); err != nil {
		return encodeResult(resultEnvelope{}, err)
	}
	if s.results == nil {
		return encodeResult(resultEnvelope{}, errNoResultBackend)
	}
	res, err := s.results.GetResult(ctx, q.TaskID)
	if err != nil {
		return encodeResult(resultEnvelope{}, err)
	}
	return encodeResult(resultEnvelope{Found: res != nil, Result: res}, nil)
}

func (s *Server) Revoke(ctx context.Context, req *wrapperspb.BytesValue) (*wrapperspb.BytesValue, error) {
	var rv revokeEnvelope
	ack := ackEnvelope{OK: true}
	if err := unmarshalEnvelope(req.Value, &rv); err != nil {
		ack = ackEnvelope{OK: false, Error: err.Error()}
	} else if s.revoke == nil {
		ack = ackEnvelope{OK: false, Error: errNoRevocationStore.Error()}
	} else if err := s.revoke.Revoke(ctx, rv.TaskID, rv.Terminate, defaultRevokeExpiry, message.SignalImmediate); err != nil {
		ack = ackEnvelope{OK: false, Error: err.Error()}
	}
	return encodeAck(ack)
}

func encodeAck(ack ackEnvelope) (*wrapperspb.BytesValue, error) {
	data, err := marshalEnvelope(ack)
	if err != nil {
		return nil, err
	}
	return wrapperspb.Bytes(data), nil
}

func encodeResult(env resultEnvelope, cause error) (*wrapperspb.BytesValue, error) {
	if cause != nil {
		env = resultEnvelope{Found: false}
	}
	data, err := marshalEnvelope(env)
	if err != nil {
		return nil, err
	}
	return wrapperspb.Bytes(data), cause
}
