package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/lysyi3m/feed-depot/app/feed"
	"github.com/redis/go-redis/v9"
)

const payloadField = "job"

type RedisConfig struct {
	Stream            string
	Group             string
	Consumer          string        // Defaults to a random name per process
	VisibilityTimeout time.Duration // Idle time after which pending jobs are claimed by another consumer
	Block             time.Duration // Upper bound of one blocking read
	MaxLen            int64         // Approximate stream cap, 0 disables trimming
}

// NewRedisClient connects to Redis and verifies the connection
func NewRedisClient(ctx context.Context, addr, password string, db int) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DB:           db,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
		PoolSize:     10,
		MinIdleConns: 5,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	slog.Info("Connected to Redis", "addr", addr)

	return client, nil
}

// Redis is a broker over a Redis stream and consumer group. Unacked entries
// stay in the group's pending list and are claimed again once idle for the
// visibility timeout.
type Redis struct {
	client *redis.Client
	cfg    RedisConfig
}

func NewRedis(ctx context.Context, client *redis.Client, cfg RedisConfig) (*Redis, error) {
	if cfg.Stream == "" {
		cfg.Stream = "feed-depot:jobs"
	}
	if cfg.Group == "" {
		cfg.Group = "feed-depot-workers"
	}
	if cfg.Consumer == "" {
		cfg.Consumer = "consumer-" + uuid.NewString()
	}
	if cfg.VisibilityTimeout <= 0 {
		cfg.VisibilityTimeout = 30 * time.Second
	}
	if cfg.Block <= 0 {
		cfg.Block = 2 * time.Second
	}

	err := client.XGroupCreateMkStream(ctx, cfg.Stream, cfg.Group, "0").Err()
	if err != nil && !strings.HasPrefix(err.Error(), "BUSYGROUP") {
		return nil, fmt.Errorf("failed to create consumer group %s: %w", cfg.Group, err)
	}

	return &Redis{client: client, cfg: cfg}, nil
}

func (r *Redis) Publish(ctx context.Context, job FetchJob) error {
	job.AttemptCount = 0
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to encode job: %w", err)
	}

	args := &redis.XAddArgs{
		Stream: r.cfg.Stream,
		Values: map[string]any{payloadField: string(data)},
	}
	if r.cfg.MaxLen > 0 {
		args.MaxLen = r.cfg.MaxLen
		args.Approx = true
	}

	if err := r.client.XAdd(ctx, args).Err(); err != nil {
		return feed.NewError(feed.KindBrokerUnavailable, "publish", err)
	}
	return nil
}

func (r *Redis) Consume(ctx context.Context) (*Delivery, error) {
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		d, err := r.claimExpired(ctx)
		if err != nil {
			return nil, err
		}
		if d != nil {
			return d, nil
		}

		d, err = r.readNew(ctx)
		if err != nil {
			return nil, err
		}
		if d != nil {
			return d, nil
		}
	}
}

// claimExpired takes over one entry that another delivery left unacked for
// longer than the visibility timeout.
func (r *Redis) claimExpired(ctx context.Context) (*Delivery, error) {
	msgs, _, err := r.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   r.cfg.Stream,
		Group:    r.cfg.Group,
		Consumer: r.cfg.Consumer,
		MinIdle:  r.cfg.VisibilityTimeout,
		Start:    "0-0",
		Count:    1,
	}).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, r.consumeError(ctx, err)
	}
	if len(msgs) == 0 {
		return nil, nil
	}

	msg := msgs[0]
	attempts := 1
	pending, err := r.client.XPendingExt(ctx, &redis.XPendingExtArgs{
		Stream: r.cfg.Stream,
		Group:  r.cfg.Group,
		Start:  msg.ID,
		End:    msg.ID,
		Count:  1,
	}).Result()
	if err != nil {
		return nil, r.consumeError(ctx, err)
	}
	if len(pending) > 0 {
		attempts = int(pending[0].RetryCount)
	}

	return r.decode(ctx, msg, attempts)
}

func (r *Redis) readNew(ctx context.Context) (*Delivery, error) {
	streams, err := r.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    r.cfg.Group,
		Consumer: r.cfg.Consumer,
		Streams:  []string{r.cfg.Stream, ">"},
		Count:    1,
		Block:    r.cfg.Block,
	}).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, r.consumeError(ctx, err)
	}

	if len(streams) == 0 || len(streams[0].Messages) == 0 {
		return nil, nil
	}
	return r.decode(ctx, streams[0].Messages[0], 1)
}

func (r *Redis) decode(ctx context.Context, msg redis.XMessage, attempts int) (*Delivery, error) {
	raw, _ := msg.Values[payloadField].(string)

	var job FetchJob
	if err := json.Unmarshal([]byte(raw), &job); err != nil || job.FeedID == "" {
		slog.Error("Dropping malformed job", "stream", r.cfg.Stream, "entry", msg.ID, "error", err)
		if ackErr := r.ack(ctx, msg.ID); ackErr != nil {
			return nil, ackErr
		}
		return nil, nil
	}

	job.AttemptCount = attempts
	return &Delivery{Job: job, handle: msg.ID}, nil
}

func (r *Redis) Ack(ctx context.Context, d *Delivery) error {
	return r.ack(ctx, d.handle)
}

func (r *Redis) ack(ctx context.Context, id string) error {
	pipe := r.client.TxPipeline()
	pipe.XAck(ctx, r.cfg.Stream, r.cfg.Group, id)
	pipe.XDel(ctx, r.cfg.Stream, id)
	if _, err := pipe.Exec(ctx); err != nil {
		return feed.NewError(feed.KindBrokerUnavailable, "ack", err)
	}
	return nil
}

func (r *Redis) consumeError(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if errors.Is(err, redis.ErrClosed) {
		return ErrClosed
	}
	return feed.NewError(feed.KindBrokerUnavailable, "consume", err)
}

// Close releases the underlying client.
func (r *Redis) Close() error {
	return r.client.Close()
}

func (r *Redis) Client() *redis.Client {
	return r.client
}

// Health reports connectivity and backlog of the stream
func (r *Redis) Health(ctx context.Context) map[string]any {
	stats := map[string]any{
		"broker": "redis",
		"stream": r.cfg.Stream,
		"group":  r.cfg.Group,
	}

	if err := r.client.Ping(ctx).Err(); err != nil {
		stats["status"] = "unhealthy"
		stats["error"] = err.Error()
		return stats
	}
	stats["status"] = "healthy"

	if n, err := r.client.XLen(ctx, r.cfg.Stream).Result(); err == nil {
		stats["length"] = n
	}
	if p, err := r.client.XPending(ctx, r.cfg.Stream, r.cfg.Group).Result(); err == nil {
		stats["pending"] = p.Count
	}

	return stats
}
