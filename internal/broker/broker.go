// Package broker defines the abstract publish/consume/ack contract
// that the worker loop and delayed-message promoter depend on (§4.2).
// Concrete drivers (memorybroker, redisbroker) satisfy this contract;
// the core never depends on a specific driver.
package broker

import (
	"context"
	"time"

	"github.com/kidoz/dotcelery/internal/message"
)

// DeliveryTag identifies one unacknowledged delivery of a message so
// Ack/Reject can target it without re-parsing the payload.
type DeliveryTag string

// BrokerMessage is one yielded delivery: the decoded message plus the
// delivery bookkeeping needed to ack or reject it.
type BrokerMessage struct {
	Message     *message.TaskMessage
	DeliveryTag DeliveryTag
	Queue       string
	ReceivedAt  time.Time
}

// Broker is the contract any driver (Redis, Postgres, in-memory, ...)
// must satisfy. All methods must be safe for concurrent use.
type Broker interface {
	// Publish appends message to message.Queue, returning once the
	// enqueue is durable (for durable drivers) or committed in-memory.
	Publish(ctx context.Context, msg *message.TaskMessage) error

	// Consume returns a channel that yields BrokerMessage values drawn
	// fairly across queues (round-robin), one goroutine-safe stream per
	// call. The channel closes when ctx is cancelled or the broker is
	// closed. Each yielded message remains unacknowledged until Ack or
	// Reject is called with its DeliveryTag.
	Consume(ctx context.Context, queues []string) (<-chan BrokerMessage, error)

	// Ack completes a delivery; the message will not be redelivered.
	Ack(ctx context.Context, tag DeliveryTag) error

	// Reject either returns the message to its queue (requeue=true) or
	// drops it (requeue=false).
	Reject(ctx context.Context, tag DeliveryTag, requeue bool) error

	// Health reports whether the broker is reachable and serving.
	Health(ctx context.Context) bool

	Close() error
}
