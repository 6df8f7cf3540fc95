package taskqueue

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/redis/go-redis/v9"

	"github.com/petrijr/steward/internal/persistence"
	"github.com/petrijr/steward/pkg/api"
)

// RedisQueue implements Queue on Redis.
//
// Key layout:
//
//	<prefix>inv:<id>  => HASH with the invocation (body, status, owner, lease, ...)
//	<prefix>ready     => ZSET of pending ids scored by scheduled_at (unix ms)
//	<prefix>leased    => ZSET of running ids scored by lease expiry (unix ms)
//
// State changes run as Lua scripts so claims and reports are atomic. The
// scripts build invocation keys from the prefix, so the queue expects a
// single-node deployment rather than Redis Cluster.
type RedisQueue struct {
	client redis.UniversalClient
	prefix string
	cfg    Config
}

var _ Queue = (*RedisQueue)(nil)

// NewRedisQueue constructs a Redis-backed Queue. prefix defaults to "steward:".
func NewRedisQueue(client redis.UniversalClient, prefix string, cfg Config) *RedisQueue {
	if prefix == "" {
		prefix = "steward:"
	}
	return &RedisQueue{client: client, prefix: prefix, cfg: cfg.withDefaults()}
}

func (q *RedisQueue) keyInv(id string) string { return q.prefix + "inv:" + id }
func (q *RedisQueue) keyReady() string        { return q.prefix + "ready" }
func (q *RedisQueue) keyLeased() string       { return q.prefix + "leased" }

// redisBody is the immutable part of an invocation.
type redisBody struct {
	ExecutionID string `cbor:"execution_id"`
	Step        int    `cbor:"step"`
	Action      string `cbor:"action"`
	Input       []byte `cbor:"input"`
	Attempt     int    `cbor:"attempt"`
	ScheduledAt int64  `cbor:"scheduled_at"`
	CreatedAt   int64  `cbor:"created_at"`
}

var enqueueScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 1 then
	return 0
end
redis.call('HSET', KEYS[1], 'body', ARGV[1], 'status', 'pending', 'deliveries', 0)
redis.call('ZADD', KEYS[2], ARGV[2], ARGV[3])
return 1
`)

var claimScript = redis.NewScript(`
local now = tonumber(ARGV[1])
local id
local expired = redis.call('ZRANGEBYSCORE', KEYS[2], '-inf', now, 'LIMIT', 0, 1)
if #expired > 0 then
	id = expired[1]
else
	local ready = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', now, 'LIMIT', 0, 1)
	if #ready == 0 then
		return false
	end
	id = ready[1]
	redis.call('ZREM', KEYS[1], id)
end
redis.call('ZADD', KEYS[2], ARGV[2], id)
local key = ARGV[4] .. id
redis.call('HSET', key, 'status', 'running', 'owner', ARGV[3], 'lease', ARGV[2])
redis.call('HINCRBY', key, 'deliveries', 1)
return id
`)

// checkLease is shared by extend and finish: it returns an error code when
// ARGV[1] does not hold the lease on KEYS[1].
const checkLease = `
local status = redis.call('HGET', KEYS[1], 'status')
if not status then
	return 'missing'
end
if status == 'succeeded' or status == 'failed' then
	return 'finished'
end
if status ~= 'running' or redis.call('HGET', KEYS[1], 'owner') ~= ARGV[1] then
	return 'lost'
end
`

var extendScript = redis.NewScript(checkLease + `
redis.call('HSET', KEYS[1], 'lease', ARGV[2])
redis.call('ZADD', KEYS[2], ARGV[2], ARGV[3])
return 'ok'
`)

var finishScript = redis.NewScript(checkLease + `
redis.call('HSET', KEYS[1], 'status', ARGV[2], 'result_status', ARGV[3], 'output', ARGV[4], 'error', ARGV[5], 'completed_at', ARGV[6])
redis.call('HDEL', KEYS[1], 'lease')
redis.call('ZREM', KEYS[2], ARGV[7])
return 'ok'
`)

func scriptError(code string) error {
	switch code {
	case "ok":
		return nil
	case "missing":
		return ErrNotFound
	case "finished":
		return ErrAlreadyFinished
	case "lost":
		return ErrLeaseLost
	}
	return fmt.Errorf("taskqueue: unexpected script result %q", code)
}

func (q *RedisQueue) Enqueue(ctx context.Context, inv *api.ActionInvocation) error {
	prepare(inv, q.cfg.Now())
	input, err := persistence.EncodePayload(inv.Input)
	if err != nil {
		return fmt.Errorf("taskqueue: encode input: %w", err)
	}
	body, err := cbor.Marshal(redisBody{
		ExecutionID: inv.ExecutionID,
		Step:        inv.Step,
		Action:      string(inv.Action),
		Input:       input,
		Attempt:     inv.Attempt,
		ScheduledAt: inv.ScheduledAt.UnixNano(),
		CreatedAt:   inv.CreatedAt.UnixNano(),
	})
	if err != nil {
		return err
	}
	added, err := enqueueScript.Run(ctx, q.client,
		[]string{q.keyInv(inv.ID), q.keyReady()},
		body, inv.ScheduledAt.UnixMilli(), inv.ID,
	).Int()
	if err != nil {
		return fmt.Errorf("taskqueue: enqueue: %w", err)
	}
	if added == 0 {
		return ErrDuplicate
	}
	return nil
}

func (q *RedisQueue) Claim(ctx context.Context, owner string) (*api.ActionInvocation, error) {
	now := q.cfg.Now()
	lease := now.Add(q.cfg.VisibilityTimeout).UnixMilli()
	id, err := claimScript.Run(ctx, q.client,
		[]string{q.keyReady(), q.keyLeased()},
		now.UnixMilli(), lease, owner, q.prefix+"inv:",
	).Text()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("taskqueue: claim: %w", err)
	}
	return q.Get(ctx, id)
}

func (q *RedisQueue) Extend(ctx context.Context, id, owner string) error {
	lease := q.cfg.Now().Add(q.cfg.VisibilityTimeout).UnixMilli()
	code, err := extendScript.Run(ctx, q.client,
		[]string{q.keyInv(id), q.keyLeased()},
		owner, lease, id,
	).Text()
	if err != nil {
		return fmt.Errorf("taskqueue: extend: %w", err)
	}
	return scriptError(code)
}

func (q *RedisQueue) finish(ctx context.Context, id, owner string, r api.Result) error {
	output, err := persistence.EncodePayload(r.Output)
	if err != nil {
		return fmt.Errorf("taskqueue: encode output: %w", err)
	}
	errText := ""
	if !r.Succeeded() {
		errText = r.Detail
	}
	code, err := finishScript.Run(ctx, q.client,
		[]string{q.keyInv(id), q.keyLeased()},
		owner, string(finishedStatus(r)), string(r.Status), output, errText, q.cfg.Now().UnixNano(), id,
	).Text()
	if err != nil {
		return fmt.Errorf("taskqueue: report: %w", err)
	}
	return scriptError(code)
}

func (q *RedisQueue) Complete(ctx context.Context, id, owner string, res api.Result) error {
	return q.finish(ctx, id, owner, res)
}

func (q *RedisQueue) Fail(ctx context.Context, id, owner string, res api.Result) error {
	return q.finish(ctx, id, owner, res)
}

func (q *RedisQueue) Get(ctx context.Context, id string) (*api.ActionInvocation, error) {
	fields, err := q.client.HGetAll(ctx, q.keyInv(id)).Result()
	if err != nil {
		return nil, fmt.Errorf("taskqueue: get: %w", err)
	}
	if len(fields) == 0 {
		return nil, ErrNotFound
	}

	var body redisBody
	if err := cbor.Unmarshal([]byte(fields["body"]), &body); err != nil {
		return nil, fmt.Errorf("taskqueue: decode %s: %w", id, err)
	}
	inv := &api.ActionInvocation{
		ID:           id,
		ExecutionID:  body.ExecutionID,
		Step:         body.Step,
		Action:       api.ActionName(body.Action),
		Attempt:      body.Attempt,
		Status:       api.InvocationStatus(fields["status"]),
		ScheduledAt:  time.Unix(0, body.ScheduledAt).UTC(),
		CreatedAt:    time.Unix(0, body.CreatedAt).UTC(),
		Owner:        fields["owner"],
		Error:        fields["error"],
		ResultStatus: api.ResultStatus(fields["result_status"]),
	}
	if inv.Input, err = persistence.DecodePayload(body.Input); err != nil {
		return nil, err
	}
	if out := fields["output"]; out != "" {
		if inv.Output, err = persistence.DecodePayload([]byte(out)); err != nil {
			return nil, err
		}
	}
	if n, err := strconv.Atoi(fields["deliveries"]); err == nil {
		inv.Deliveries = n
	}
	if ms, err := strconv.ParseInt(fields["lease"], 10, 64); err == nil {
		t := time.UnixMilli(ms).UTC()
		inv.LeaseExpiresAt = &t
	}
	if ns, err := strconv.ParseInt(fields["completed_at"], 10, 64); err == nil {
		t := time.Unix(0, ns).UTC()
		inv.CompletedAt = &t
	}
	return inv, nil
}

func (q *RedisQueue) Len(ctx context.Context) (int, error) {
	pipe := q.client.Pipeline()
	ready := pipe.ZCard(ctx, q.keyReady())
	leased := pipe.ZCard(ctx, q.keyLeased())
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}
	return int(ready.Val() + leased.Val()), nil
}
