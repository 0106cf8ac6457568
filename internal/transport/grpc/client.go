package grpc

import (
	"context"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/kidoz/dotcelery/internal/message"
)

// Client forwards dispatch, result-query and revoke calls to a remote
// Server, playing the role the teacher's executor.RemoteInvoker plays
// for Comet: a thin gRPC wrapper so a caller can treat a remote cluster
// node the same way it treats a local one.
type Client struct {
	conn   *grpc.ClientConn
	client *taskServiceClient
}

// NewClient dials addr and returns a Client, or an error if the dial
// fails (grpc.NewClient validates the target but connects lazily,
// matching the teacher's RemoteInvoker dial shape).
func NewClient(addr string) (*Client, error) {
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("transport grpc: connect to %s: %w", addr, err)
	}
	return &Client{conn: conn, client: newTaskServiceClient(conn)}, nil
}

// Close shuts down the underlying connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

// Dispatch forwards msg to the remote node for local enqueue.
func (c *Client) Dispatch(ctx context.Context, msg *message.TaskMessage) error {
	payload, err := marshalEnvelope(dispatchEnvelope{Task: msg})
	if err != nil {
		return err
	}
	out, err := c.client.Dispatch(ctx, wrapperspb.Bytes(payload))
	if err != nil {
		return fmt.Errorf("transport grpc: dispatch %s: %w", msg.ID, err)
	}
	var ack ackEnvelope
	if err := unmarshalEnvelope(out.Value, &ack); err != nil {
		return err
	}
	if !ack.OK {
		return fmt.Errorf("transport grpc: remote dispatch rejected: %s", ack.Error)
	}
	return nil
}

// GetResult queries the remote node's result backend for taskID.
func (c *Client) GetResult(ctx context.Context, taskID string) (*message.TaskResult, error) {
	payload, err := marshalEnvelope(resultQueryEnvelope{TaskID: taskID})
	if err != nil {
		return nil, err
	}
	out, err := c.client.GetResult(ctx, wrapperspb.Bytes(payload))
	if err != nil {
		return nil, fmt.Errorf("transport grpc: get result %s: %w", taskID, err)
	}
	var env resultEnvelope
	if err := unmarshalEnvelope(out.Value, &env); err != nil {
		return nil, err
	}
	if !env.Found {
		return nil, nil
	}
	return env.Result, nil
}

// Revoke requests revocation of taskID on the remote node.
func (c *Client) Revoke(ctx context.Context, taskID string, terminate bool) error {
	payload, err := marshalEnvelope(revokeEnvelope{TaskID: taskID, Terminate: terminate})
	if err != nil {
		return err
	}
	out, err := c.client.Revoke(ctx, wrapperspb.Bytes(payload))
	if err != nil {
		return fmt.Errorf("transport grpc: revoke %s: %w", taskID, err)
	}
	var ack ackEnvelope
	if err := unmarshalEnvelope(out.Value, &ack); err != nil {
		return err
	}
	if !ack.OK {
		return fmt.Errorf("transport grpc: remote revoke rejected: %s", ack.Error)
	}
	return nil
}
