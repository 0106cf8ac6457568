// Package redisbroker implements broker.Broker atop Redis lists,
// grounded on the teacher's Lua-script-for-atomicity idiom
// (internal/ratelimit/ratelimit.go, internal/store/redis.go) and on
// internal/asyncqueue's periodic-refresh background goroutine pattern
// for the visibility-timeout reaper.
package redisbroker

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"github.com/kidoz/dotcelery/internal/broker"
	"github.com/kidoz/dotcelery/internal/message"
	"github.com/kidoz/dotcelery/internal/queue"
)

const keyPrefix = "dotcelery:queue:"

// claimScript atomically moves the tail of the ready list into a
// per-delivery processing hash with a visibility deadline, mirroring a
// BRPOPLPUSH-with-metadata operation in one round trip.
var claimScript = redis.NewScript(`
local ready = KEYS[1]
local processing = KEYS[2]
local tag = ARGV[1]
local deadline = ARGV[2]
local payload = redis.call('RPOP', ready)
if not payload then
	return nil
end
redis.call('HSET', processing, tag, payload)
redis.call('ZADD', processing .. ':deadlines', deadline, tag)
return payload
`)

// Broker is a Redis-backed Broker driver.
type Broker struct {
	client     *redis.Client
	visibility time.Duration
	closeCh    chan struct{}
	notifier   queue.Notifier

	mu     sync.Mutex
	queues map[string]struct{}
}

const defaultVisibility = 30 * time.Second

// New creates a Redis-backed broker. visibility is the redelivery
// window for claimed-but-unacked messages. notifier wakes Consume's
// empty-claim wait as soon as a Publish lands instead of it sitting out
// the full poll interval; pass queue.NewNoopNotifier() for pure
// polling.
func New(client *redis.Client, visibility time.Duration, notifier queue.Notifier) *Broker {
	if visibility <= 0 {
		visibility = defaultVisibility
	}
	if notifier == nil {
		notifier = queue.NewNoopNotifier()
	}
	b := &Broker{client: client, visibility: visibility, closeCh: make(chan struct{}), notifier: notifier, queues: make(map[string]struct{})}
	go b.reap()
	return b
}

func readyKey(queue string) string      { return keyPrefix + queue + ":ready" }
func processingKey(queue string) string { return keyPrefix + queue + ":processing" }

func (b *Broker) Publish(ctx context.Context, msg *message.TaskMessage) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("redisbroker: marshal message: %w", err)
	}
	if err := b.client.LPush(ctx, readyKey(msg.Queue), payload).Err(); err != nil {
		return fmt.Errorf("redisbroker: publish: %w", err)
	}
	// Best-effort wake-up for any Consume loop idling on this queue; a
	// failed or slow notify never blocks the publish since the claim
	// script still finds the message on its next poll either way.
	_ = b.notifier.Notify(ctx, queue.QueueType(msg.Queue))
	return nil
}

type envelope struct {
	Queue string               `json:"queue"`
	Tag   string                `json:"tag"`
	Msg   *message.TaskMessage `json:"msg"`
}

func (b *Broker) Consume(ctx context.Context, queues []string) (<-chan broker.BrokerMessage, error) {
	out := make(chan broker.BrokerMessage)
	waiters := make(map[string]<-chan struct{}, len(queues))
	for _, q := range queues {
		waiters[q] = b.notifier.Subscribe(ctx, queue.QueueType(q))
	}
	go func() {
		defer close(out)
		idx := 0
		for {
			select {
			case <-ctx.Done():
				return
			case <-b.closeCh:
				return
			default:
			}
			if len(queues) == 0 {
				return
			}
			q := queues[idx%len(queues)]
			idx++
			b.mu.Lock()
			b.queues[q] = struct{}{}
			b.mu.Unlock()

			tag := uuid.NewString()
			deadline := time.Now().Add(b.visibility).Unix()
			res, err := claimScript.Run(ctx, b.client, []string{readyKey(q), processingKey(q)}, tag, deadline).Result()
			if err != nil && err != redis.Nil {
				select {
				case <-time.After(100 * time.Millisecond):
				case <-ctx.Done():
					return
				}
				continue
			}
			if res == nil {
				// Wait for either a push notification on this queue or the
				// poll interval to elapse, whichever comes first, so a
				// notifier-equipped broker reacts to a fresh Publish
				// immediately instead of idling out the full interval.
				select {
				case <-waiters[q]:
				case <-time.After(100 * time.Millisecond):
				case <-ctx.Done():
					return
				case <-b.closeCh:
					return
				}
				continue
			}
			var msg message.TaskMessage
			if err := json.Unmarshal([]byte(res.(string)), &msg); err != nil {
				continue
			}
			env := envelope{Queue: q, Tag: tag, Msg: &msg}
			encodedTag, _ := json.Marshal(env)
			bm := broker.BrokerMessage{
				Message:     &msg,
				DeliveryTag: broker.DeliveryTag(encodedTag),
				Queue:       q,
				ReceivedAt:  time.Now(),
			}
			select {
			case out <- bm:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

func decodeTag(tag broker.DeliveryTag) (envelope, error) {
	var env envelope
	if err := json.Unmarshal([]byte(tag), &env); err != nil {
		return envelope{}, fmt.Errorf("redisbroker: decode delivery tag: %w", err)
	}
	return env, nil
}

func (b *Broker) Ack(ctx context.Context, tag broker.DeliveryTag) error {
	env, err := decodeTag(tag)
	if err != nil {
		return err
	}
	pk := processingKey(env.Queue)
	pipe := b.client.TxPipeline()
	pipe.HDel(ctx, pk, env.Tag)
	pipe.ZRem(ctx, pk+":deadlines", env.Tag)
	_, err = pipe.Exec(ctx)
	return err
}

func (b *Broker) Reject(ctx context.Context, tag broker.DeliveryTag, requeue bool) error {
	env, err := decodeTag(tag)
	if err != nil {
		return err
	}
	pk := processingKey(env.Queue)
	payload, err := b.client.HGet(ctx, pk, env.Tag).Result()
	if err != nil && err != redis.Nil {
		return err
	}
	pipe := b.client.TxPipeline()
	pipe.HDel(ctx, pk, env.Tag)
	pipe.ZRem(ctx, pk+":deadlines", env.Tag)
	if requeue && payload != "" {
		pipe.LPush(ctx, readyKey(env.Queue), payload)
	}
	_, err = pipe.Exec(ctx)
	return err
}

func (b *Broker) Health(ctx context.Context) bool {
	return b.client.Ping(ctx).Err() == nil
}

func (b *Broker) Close() error {
	close(b.closeCh)
	return nil
}

// reap sweeps processing entries whose visibility deadline elapsed and
// returns them to the ready list, satisfying the visibility-timeout
// guarantee required of any driver (§4.2). Grounded on the teacher's
// asyncqueue.isGloballyPaused periodic-refresh goroutine shape.
func (b *Broker) reap() {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-b.closeCh:
			return
		case <-ticker.C:
			now := float64(time.Now().Unix())
			b.mu.Lock()
			queues := make([]string, 0, len(b.queues))
			for q := range b.queues {
				queues = append(queues, q)
			}
			b.mu.Unlock()
			ctx := context.Background()
			for _, q := range queues {
				pk := processingKey(q)
				tags, err := b.client.ZRangeByScore(ctx, pk+":deadlines", &redis.ZRangeBy{
					Min: "-inf", Max: fmt.Sprintf("%f", now),
				}).Result()
				if err != nil {
					continue
				}
				for _, tag := range tags {
					payload, err := b.client.HGet(ctx, pk, tag).Result()
					if err != nil {
						continue
					}
					pipe := b.client.TxPipeline()
					pipe.HDel(ctx, pk, tag)
					pipe.ZRem(ctx, pk+":deadlines", tag)
					pipe.LPush(ctx, readyKey(q), payload)
					pipe.Exec(ctx)
				}
			}
		}
	}
}
