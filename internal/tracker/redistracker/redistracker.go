// Package redistracker implements tracker.Tracker atop Redis, grounded
// on internal/ratelimit's Lua-script atomic-read-then-write idiom: a
// single script implements the compare-and-set described in §4.7
// (acquire if absent, expired, or owned by the same task id) using
// PEXPIRE-backed key TTLs so a crashed worker's lease self-expires
// without any cleanup loop.
package redistracker

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

const keyPrefix = "dotcelery:lease:"

// tryStartScript acquires KEYS[1] for ARGV[1] (task id) with a TTL of
// ARGV[2] ms if the key is absent or already owned by ARGV[1]. Redis's
// own key expiry handles the "existing record has expired" case: an
// expired key is simply gone.
var tryStartScript = redis.NewScript(`
local key = KEYS[1]
local taskID = ARGV[1]
local ttl = tonumber(ARGV[2])

local owner = redis.call('GET', key)
if owner == false or owner == taskID then
	redis.call('SET', key, taskID, 'PX', ttl)
	return 1
end
return 0
`)

// stopScript deletes KEYS[1] iff it is owned by ARGV[1].
var stopScript = redis.NewScript(`
local key = KEYS[1]
local taskID = ARGV[1]
if redis.call('GET', key) == taskID then
	redis.call('DEL', key)
	return 1
end
return 0
`)

// extendScript renews KEYS[1]'s TTL iff it is owned by ARGV[1].
var extendScript = redis.NewScript(`
local key = KEYS[1]
local taskID = ARGV[1]
local extension = tonumber(ARGV[2])
if redis.call('GET', key) == taskID then
	local ttl = redis.call('PTTL', key)
	if ttl < 0 then
		ttl = 0
	end
	redis.call('PEXPIRE', key, ttl + extension)
	return 1
end
return 0
`)

// Tracker is a Redis-backed execution tracker.
type Tracker struct {
	client *redis.Client
}

// New creates a Redis-backed execution tracker.
func New(client *redis.Client) *Tracker {
	return &Tracker{client: client}
}

func (t *Tracker) TryStart(ctx context.Context, taskName, taskID, key string, timeout time.Duration) (bool, error) {
	res, err := tryStartScript.Run(ctx, t.client, []string{leaseKeyFor(taskName, key)}, taskID, timeout.Milliseconds()).Int()
	if err != nil {
		return false, fmt.Errorf("redistracker: try start: %w", err)
	}
	return res == 1, nil
}

func (t *Tracker) Stop(ctx context.Context, taskName, taskID, key string) error {
	_, err := stopScript.Run(ctx, t.client, []string{leaseKeyFor(taskName, key)}, taskID).Int()
	if err != nil {
		return fmt.Errorf("redistracker: stop: %w", err)
	}
	return nil
}

func (t *Tracker) Extend(ctx context.Context, taskName, taskID, key string, extension time.Duration) error {
	_, err := extendScript.Run(ctx, t.client, []string{leaseKeyFor(taskName, key)}, taskID, extension.Milliseconds()).Int()
	if err != nil {
		return fmt.Errorf("redistracker: extend: %w", err)
	}
	return nil
}

func (t *Tracker) Close() error { return nil }

func leaseKeyFor(taskName, key string) string {
	if key == "" {
		return keyPrefix + taskName
	}
	return keyPrefix + taskName + ":" + key
}
