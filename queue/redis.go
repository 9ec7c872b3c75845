package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"
)

const defaultLeaseTimeout = time.Minute

type redisKeys struct {
	pending    string
	processing string
	lease      string
	delayed    string
	dead       string
	jobs       string
}

func queueKeys(prefix, queue string) redisKeys {
	base := prefix + queue
	return redisKeys{
		pending:    base + ":pending",
		processing: base + ":processing",
		lease:      base + ":lease",
		delayed:    base + ":delayed",
		dead:       base + ":dead",
		jobs:       base + ":jobs",
	}
}

// RedisOptions configures a RedisBroker.
type RedisOptions struct {
	// KeyPrefix namespaces every key. Defaults to "automation:queue:".
	KeyPrefix string
	// LeaseTimeout is how long a dequeued job may go without Extend before
	// Recover makes it ready again.
	LeaseTimeout time.Duration
	// MaxPending bounds pending plus delayed jobs per queue when positive.
	MaxPending int64
}

// RedisBroker is a Broker backed by Redis lists. Ready jobs live in a pending
// list and are moved atomically to a processing list on dequeue; a lease
// ZSET tracks when processing jobs were last heard of.
type RedisBroker struct {
	rdb  redis.UniversalClient
	opts RedisOptions
}

var (
	_ Broker    = (*RedisBroker)(nil)
	_ Recoverer = (*RedisBroker)(nil)
)

// NewRedisBroker creates a broker on rdb.
func NewRedisBroker(rdb redis.UniversalClient, opts RedisOptions) *RedisBroker {
	if opts.KeyPrefix == "" {
		opts.KeyPrefix = "automation:queue:"
	}
	if opts.LeaseTimeout <= 0 {
		opts.LeaseTimeout = defaultLeaseTimeout
	}
	return &RedisBroker{rdb: rdb, opts: opts}
}

func (b *RedisBroker) keys(queue string) redisKeys {
	return queueKeys(b.opts.KeyPrefix, queue)
}

// Enqueue stores job and pushes its id onto the pending list.
func (b *RedisBroker) Enqueue(ctx context.Context, queue string, job Job) error {
	k := b.keys(queue)
	if b.opts.MaxPending > 0 {
		n, err := b.backlog(ctx, k)
		if err != nil {
			return err
		}
		if n >= b.opts.MaxPending {
			return fmt.Errorf("%w: %s has %d pending jobs", ErrQueueFull, queue, n)
		}
	}

	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("could not marshal job: %w", err)
	}
	_, err = b.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, k.jobs, job.ID, data)
		pipe.LPush(ctx, k.pending, job.ID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("could not enqueue job: %w", err)
	}
	return nil
}

func (b *RedisBroker) backlog(ctx context.Context, k redisKeys) (int64, error) {
	var pending *redis.IntCmd
	var delayed *redis.IntCmd
	_, err := b.rdb.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		pending = pipe.LLen(ctx, k.pending)
		delayed = pipe.ZCard(ctx, k.delayed)
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("could not read queue length: %w", err)
	}
	return pending.Val() + delayed.Val(), nil
}

// Move due delayed jobs onto the pending list.
// - KEYS[1] = delayed ZSET
// - KEYS[2] = pending LIST
// - ARGV[1] = current timestamp in milliseconds
var promoteCmd = redis.NewScript(`
local ids = redis.call("ZRANGEBYSCORE", KEYS[1], "-inf", ARGV[1])
for _, id in ipairs(ids) do
	redis.call("ZREM", KEYS[1], id)
	redis.call("LPUSH", KEYS[2], id)
end
return #ids
`)

// Dequeue moves the oldest pending job to processing and takes a lease on it.
func (b *RedisBroker) Dequeue(ctx context.Context, queue string, timeout time.Duration) (*Job, error) {
	k := b.keys(queue)
	now := time.Now()
	if err := promoteCmd.Run(ctx, b.rdb, []string{k.delayed, k.pending}, now.UnixMilli()).Err(); err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("could not promote delayed jobs: %w", err)
	}

	if timeout < time.Second {
		// BLMOVE timeouts have second granularity; zero would block forever.
		timeout = time.Second
	}
	id, err := b.rdb.BLMove(ctx, k.pending, k.processing, "RIGHT", "LEFT", timeout).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("could not get queue item: %w", err)
	}

	if err := b.rdb.ZAdd(ctx, k.lease, &redis.Z{
		Score:  float64(time.Now().Add(b.opts.LeaseTimeout).Unix()),
		Member: id,
	}).Err(); err != nil {
		return nil, fmt.Errorf("could not store lease for queue item: %w", err)
	}

	data, err := b.rdb.HGet(ctx, k.jobs, id).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			// Orphaned id; drop it so it does not block the queue.
			b.rdb.LRem(ctx, k.processing, 1, id)
			b.rdb.ZRem(ctx, k.lease, id)
			return nil, fmt.Errorf("job %s has no stored payload", id)
		}
		return nil, fmt.Errorf("could not load job %s: %w", id, err)
	}
	var job Job
	if err := json.Unmarshal(data, &job); err != nil {
		return nil, fmt.Errorf("could not unmarshal job %s: %w", id, err)
	}
	return &job, nil
}

// Extend renews the lease of job.
func (b *RedisBroker) Extend(ctx context.Context, queue string, job *Job) error {
	lockTimeout := time.Now().Add(b.opts.LeaseTimeout).Unix()
	if err := b.rdb.ZAdd(ctx, b.keys(queue).lease, &redis.Z{
		Score:  float64(lockTimeout),
		Member: job.ID,
	}).Err(); err != nil {
		return fmt.Errorf("could not store lease for queue item: %w", err)
	}
	return nil
}

// Complete removes job from processing and deletes its payload.
func (b *RedisBroker) Complete(ctx context.Context, queue string, job *Job) error {
	k := b.keys(queue)
	_, err := b.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.LRem(ctx, k.processing, 1, job.ID)
		pipe.ZRem(ctx, k.lease, job.ID)
		pipe.HDel(ctx, k.jobs, job.ID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("could not complete job %s: %w", job.ID, err)
	}
	return nil
}

// Retry stores the updated job and schedules it on the delayed ZSET.
func (b *RedisBroker) Retry(ctx context.Context, queue string, job *Job, delay time.Duration) error {
	k := b.keys(queue)
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("could not marshal job: %w", err)
	}
	due := time.Now().Add(delay).UnixMilli()
	_, err = b.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, k.jobs, job.ID, data)
		pipe.LRem(ctx, k.processing, 1, job.ID)
		pipe.ZRem(ctx, k.lease, job.ID)
		pipe.ZAdd(ctx, k.delayed, &redis.Z{Score: float64(due), Member: job.ID})
		return nil
	})
	if err != nil {
		return fmt.Errorf("could not reschedule job %s: %w", job.ID, err)
	}
	return nil
}

// DeadLetter moves job to the dead-letter list, keeping its payload.
func (b *RedisBroker) DeadLetter(ctx context.Context, queue string, job *Job) error {
	k := b.keys(queue)
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("could not marshal job: %w", err)
	}
	_, err = b.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, k.jobs, job.ID, data)
		pipe.LRem(ctx, k.processing, 1, job.ID)
		pipe.ZRem(ctx, k.lease, job.ID)
		pipe.LPush(ctx, k.dead, job.ID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("could not dead-letter job %s: %w", job.ID, err)
	}
	return nil
}

// Stats reports the queue's job counts.
func (b *RedisBroker) Stats(ctx context.Context, queue string) (Stats, error) {
	k := b.keys(queue)
	var pending, processing, delayed, dead *redis.IntCmd
	_, err := b.rdb.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		pending = pipe.LLen(ctx, k.pending)
		processing = pipe.LLen(ctx, k.processing)
		delayed = pipe.ZCard(ctx, k.delayed)
		dead = pipe.LLen(ctx, k.dead)
		return nil
	})
	if err != nil {
		return Stats{}, fmt.Errorf("could not read queue stats: %w", err)
	}
	return Stats{
		Pending:    pending.Val(),
		Processing: processing.Val(),
		Delayed:    delayed.Val(),
		Dead:       dead.Val(),
	}, nil
}

// Check all items in the processing list; if one has no lease or an expired
// lease, move it back to pending and drop the lease.
// - KEYS[1] = processing LIST
// - KEYS[2] = lease ZSET
// - KEYS[3] = pending LIST
// - ARGV[1] = current timestamp
var recoverCmd = redis.NewScript(`
local res = {}
local ids = redis.call("LRANGE", KEYS[1], 0, -1)
local now = tonumber(ARGV[1])
for _, id in ipairs(ids) do
	local lease = redis.call("ZSCORE", KEYS[2], id)
	if not lease or tonumber(lease) < now then
		redis.call("LREM", KEYS[1], 1, id)
		redis.call("ZREM", KEYS[2], id)
		redis.call("RPUSH", KEYS[3], id)
		table.insert(res, id)
	end
end
return res
`)

// Recover makes jobs whose lease expired ready again. They are put at the
// head of the pending list so they are dequeued next.
func (b *RedisBroker) Recover(ctx context.Context, queue string) ([]string, error) {
	k := b.keys(queue)
	res, err := recoverCmd.Run(ctx, b.rdb, []string{k.processing, k.lease, k.pending}, time.Now().Unix()).Result()
	if err != nil {
		return nil, fmt.Errorf("could not recover queue: %w", err)
	}

	arr, _ := res.([]interface{})
	ids := make([]string, 0, len(arr))
	for _, v := range arr {
		switch id := v.(type) {
		case string:
			ids = append(ids, id)
		case int64:
			ids = append(ids, strconv.FormatInt(id, 10))
		}
	}
	return ids, nil
}
