// Package memorybroker is an in-process Broker driver for tests and
// single-process deployments. Grounded on the teacher's
// queue.ChannelNotifier subscriber-list bookkeeping and on
// internal/mq.MessageQueue's flat publish/consume/ack/nack shape.
package memorybroker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/kidoz/dotcelery/internal/broker"
	"github.com/kidoz/dotcelery/internal/message"
)

// Broker is a channel-backed in-memory implementation of broker.Broker.
// Each queue is a buffered channel; unacked deliveries are tracked in a
// map and returned to their queue by a visibility-timeout reaper if not
// acked or rejected in time.
type Broker struct {
	mu              sync.Mutex
	queues          map[string]chan broker.BrokerMessage
	unacked         map[broker.DeliveryTag]unackedEntry
	visibility      time.Duration
	closed          bool
	closeCh         chan struct{}
}

type unackedEntry struct {
	queue   string
	msg     *message.TaskMessage
	expires time.Time
}

const defaultQueueBuffer = 1024
const defaultVisibility = 30 * time.Second

// New creates an in-memory broker. visibility is the redelivery window
// for messages consumed but not acked/rejected in time; 0 uses the
// default of 30s.
func New(visibility time.Duration) *Broker {
	if visibility <= 0 {
		visibility = defaultVisibility
	}
	b := &Broker{
		queues:     make(map[string]chan broker.BrokerMessage),
		unacked:    make(map[broker.DeliveryTag]unackedEntry),
		visibility: visibility,
		closeCh:    make(chan struct{}),
	}
	go b.reap()
	return b
}

func (b *Broker) queueFor(name string) chan broker.BrokerMessage {
	b.mu.Lock()
	defer b.mu.Unlock()
	ch, ok := b.queues[name]
	if !ok {
		ch = make(chan broker.BrokerMessage, defaultQueueBuffer)
		b.queues[name] = ch
	}
	return ch
}

func (b *Broker) Publish(ctx context.Context, msg *message.TaskMessage) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return fmt.Errorf("memorybroker: closed")
	}
	b.mu.Unlock()

	ch := b.queueFor(msg.Queue)
	bm := broker.BrokerMessage{
		Message:     msg,
		DeliveryTag: broker.DeliveryTag(uuid.NewString()),
		Queue:       msg.Queue,
		ReceivedAt:  time.Time{},
	}
	select {
	case ch <- bm:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (b *Broker) Consume(ctx context.Context, queues []string) (<-chan broker.BrokerMessage, error) {
	out := make(chan broker.BrokerMessage)
	chans := make([]chan broker.BrokerMessage, len(queues))
	for i, q := range queues {
		chans[i] = b.queueFor(q)
	}

	go func() {
		defer close(out)
		idx := 0
		empties := 0
		for {
			if len(chans) == 0 {
				return
			}
			select {
			case <-ctx.Done():
				return
			case <-b.closeCh:
				return
			default:
			}

			ch := chans[idx%len(chans)]
			idx++
			select {
			case bm, ok := <-ch:
				if !ok {
					return
				}
				empties = 0
				bm.ReceivedAt = time.Now()
				b.mu.Lock()
				b.unacked[bm.DeliveryTag] = unackedEntry{
					queue:   bm.Queue,
					msg:     bm.Message,
					expires: bm.ReceivedAt.Add(b.visibility),
				}
				b.mu.Unlock()
				select {
				case out <- bm:
				case <-ctx.Done():
					return
				}
			case <-ctx.Done():
				return
			case <-b.closeCh:
				return
			default:
				empties++
				if empties >= len(chans) {
					// All queues were empty this pass; briefly yield to
					// avoid a hot spin, then round-robin again. Fairness
					// is preserved since idx keeps advancing regardless.
					select {
					case <-time.After(10 * time.Millisecond):
					case <-ctx.Done():
						return
					case <-b.closeCh:
						return
					}
					empties = 0
				}
			}
		}
	}()

	return out, nil
}

func (b *Broker) Ack(ctx context.Context, tag broker.DeliveryTag) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.unacked, tag)
	return nil
}

func (b *Broker) Reject(ctx context.Context, tag broker.DeliveryTag, requeue bool) error {
	b.mu.Lock()
	entry, ok := b.unacked[tag]
	delete(b.unacked, tag)
	b.mu.Unlock()
	if !ok {
		return nil
	}
	if !requeue {
		return nil
	}
	ch := b.queueFor(entry.queue)
	select {
	case ch <- broker.BrokerMessage{
		Message:     entry.msg,
		DeliveryTag: broker.DeliveryTag(uuid.NewString()),
		Queue:       entry.queue,
	}:
	default:
		// Queue buffer full; drop rather than block a caller holding no
		// context. A bounded in-memory broker trades this corner case
		// for simplicity.
	}
	return nil
}

func (b *Broker) Health(ctx context.Context) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return !b.closed
}

func (b *Broker) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	b.mu.Unlock()
	close(b.closeCh)
	return nil
}

// reap returns expired unacked deliveries to their queues, implementing
// the visibility-timeout guarantee required of any driver (§4.2).
func (b *Broker) reap() {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-b.closeCh:
			return
		case now := <-ticker.C:
			type expiredEntry struct {
				tag   broker.DeliveryTag
				entry unackedEntry
			}
			var expired []expiredEntry
			b.mu.Lock()
			for tag, entry := range b.unacked {
				if now.After(entry.expires) {
					expired = append(expired, expiredEntry{tag, entry})
					delete(b.unacked, tag)
				}
			}
			b.mu.Unlock()
			for _, x := range expired {
				ch := b.queueFor(x.entry.queue)
				select {
				case ch <- broker.BrokerMessage{
					Message:     x.entry.msg,
					DeliveryTag: broker.DeliveryTag(uuid.NewString()),
					Queue:       x.entry.queue,
				}:
				default:
				}
			}
		}
	}
}
