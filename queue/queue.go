// Package queue implements an at-least-once delayed queue on Redis.
//
// Each queue keeps three keys: a ready sorted set scored by the time a
// delivery becomes visible, an in-flight sorted set scored by the
// reservation deadline, and a hash of payloads. A consumer that dies while
// holding a reservation loses it once the deadline passes and
// RequeueExpired makes the delivery visible again.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
)

// Delivery is one queued dispatch of a message.
type Delivery struct {
	ID        string `json:"delivery_id"`
	MessageID string `json:"message_id"`
	To        string `json:"to"`
	Subject   string `json:"subject,omitempty"`
	Body      string `json:"body"`
	Attempts  int    `json:"attempts"`
}

// ErrAlreadyQueued is returned by Enqueue when a delivery with the same id
// is still waiting or reserved.
var ErrAlreadyQueued = errors.New("delivery already queued")

type Queue struct {
	client     *redis.Client
	name       string
	visibility time.Duration
	now        func() time.Time
}

func New(client *redis.Client, name string, visibility time.Duration) *Queue {
	return &Queue{
		client:     client,
		name:       name,
		visibility: visibility,
		now:        time.Now,
	}
}

func (q *Queue) Name() string { return q.name }

func (q *Queue) readyKey() string    { return "queue:" + q.name + ":ready" }
func (q *Queue) inflightKey() string { return "queue:" + q.name + ":inflight" }
func (q *Queue) payloadKey() string  { return "queue:" + q.name + ":payload" }

func score(t time.Time) float64 {
	return float64(t.UnixMilli())
}

// KEYS: payload, ready. ARGV: id, payload, visible-at.
var enqueueScript = redis.NewScript(`
if redis.call('HSETNX', KEYS[1], ARGV[1], ARGV[2]) == 0 then
	return 0
end
redis.call('ZADD', KEYS[2], ARGV[3], ARGV[1])
return 1
`)

// Enqueue stores d and makes it visible after delay. A delivery id is
// assigned when d has none. While a delivery with the same id is ready or
// in flight nothing is stored and ErrAlreadyQueued is returned.
func (q *Queue) Enqueue(ctx context.Context, d *Delivery, delay time.Duration) error {
	if d.ID == "" {
		d.ID = uuid.NewString()
	}
	payload, err := json.Marshal(d)
	if err != nil {
		return fmt.Errorf("encode delivery: %w", err)
	}

	added, err := enqueueScript.Run(ctx, q.client,
		[]string{q.payloadKey(), q.readyKey()},
		d.ID,
		string(payload),
		strconv.FormatFloat(score(q.now().Add(delay)), 'f', 0, 64),
	).Int()
	if err != nil {
		return fmt.Errorf("enqueue %s: %w", q.name, err)
	}
	if added == 0 {
		return ErrAlreadyQueued
	}
	return nil
}

// KEYS: ready, inflight, payload. ARGV: now, limit, deadline.
var reserveScript = redis.NewScript(`
local ids = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, tonumber(ARGV[2]))
local out = {}
for _, id in ipairs(ids) do
	redis.call('ZREM', KEYS[1], id)
	local payload = redis.call('HGET', KEYS[3], id)
	if payload then
		redis.call('ZADD', KEYS[2], ARGV[3], id)
		table.insert(out, payload)
	end
end
return out
`)

// Reserve claims up to limit visible deliveries for the visibility timeout.
func (q *Queue) Reserve(ctx context.Context, limit int) ([]*Delivery, error) {
	now := q.now()
	res, err := reserveScript.Run(ctx, q.client,
		[]string{q.readyKey(), q.inflightKey(), q.payloadKey()},
		strconv.FormatFloat(score(now), 'f', 0, 64),
		limit,
		strconv.FormatFloat(score(now.Add(q.visibility)), 'f', 0, 64),
	).StringSlice()
	if err != nil {
		return nil, fmt.Errorf("reserve %s: %w", q.name, err)
	}

	out := make([]*Delivery, 0, len(res))
	for _, raw := range res {
		var d Delivery
		if err := json.Unmarshal([]byte(raw), &d); err != nil {
			continue
		}
		out = append(out, &d)
	}
	return out, nil
}

// Ack removes a delivery for good.
func (q *Queue) Ack(ctx context.Context, id string) error {
	_, err := q.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZRem(ctx, q.inflightKey(), id)
		pipe.HDel(ctx, q.payloadKey(), id)
		return nil
	})
	return err
}

// Retry puts a reserved delivery back with its updated payload, visible
// again after delay.
func (q *Queue) Retry(ctx context.Context, d *Delivery, delay time.Duration) error {
	payload, err := json.Marshal(d)
	if err != nil {
		return fmt.Errorf("encode delivery: %w", err)
	}
	_, err = q.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZRem(ctx, q.inflightKey(), d.ID)
		pipe.HSet(ctx, q.payloadKey(), d.ID, payload)
		pipe.ZAdd(ctx, q.readyKey(), &redis.Z{Score: score(q.now().Add(delay)), Member: d.ID})
		return nil
	})
	return err
}

// KEYS: inflight, ready. ARGV: now.
var requeueScript = redis.NewScript(`
local ids = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1])
for _, id in ipairs(ids) do
	redis.call('ZREM', KEYS[1], id)
	redis.call('ZADD', KEYS[2], ARGV[1], id)
end
return #ids
`)

// RequeueExpired makes reservations past their deadline visible again.
func (q *Queue) RequeueExpired(ctx context.Context) (int, error) {
	n, err := requeueScript.Run(ctx, q.client,
		[]string{q.inflightKey(), q.readyKey()},
		strconv.FormatFloat(score(q.now()), 'f', 0, 64),
	).Int()
	if err != nil {
		return 0, fmt.Errorf("requeue %s: %w", q.name, err)
	}
	return n, nil
}

// Ready counts deliveries waiting in the ready set, delayed ones included.
func (q *Queue) Ready(ctx context.Context) (int64, error) {
	return q.client.ZCard(ctx, q.readyKey()).Result()
}

func (q *Queue) InFlight(ctx context.Context) (int64, error) {
	return q.client.ZCard(ctx, q.inflightKey()).Result()
}
