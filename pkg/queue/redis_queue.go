package queue

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/LifelineOCR/medscribe-backend/internal/util"
)

const payloadField = "payload"

type RedisQueueConfig struct {
	Addr     string
	Password string
	Stream   string
	Group    string
	Consumer string
	// Block bounds each XREADGROUP wait.
	Block time.Duration
	// ClaimIdle is how long a delivery may stay unacknowledged before another
	// consumer takes it over.
	ClaimIdle time.Duration
	MaxLen    int64
	Batch     int64
}

// RedisJobQueue carries jobs over a Redis stream read by a consumer group.
// Every message is acknowledged and removed once its handler returns.
type RedisJobQueue struct {
	client *redis.Client
	cfg    RedisQueueConfig
	// groupReady is cleared when Redis reports the group missing so it is recreated.
	groupReady atomic.Bool
}

func NewRedisJobQueue(cfg RedisQueueConfig) (*RedisJobQueue, error) {
	cfg.Addr = strings.TrimSpace(cfg.Addr)
	cfg.Stream = strings.TrimSpace(cfg.Stream)
	if cfg.Addr == "" {
		return nil, errors.New("redis addr required")
	}
	if cfg.Stream == "" {
		return nil, errors.New("queue stream required")
	}
	cfg.Group = orDefault(strings.TrimSpace(cfg.Group), "dispatchers")
	cfg.Consumer = orDefault(strings.TrimSpace(cfg.Consumer), util.NewID())
	cfg.Block = orDefault(cfg.Block, 5*time.Second)
	cfg.ClaimIdle = orDefault(cfg.ClaimIdle, time.Minute)
	cfg.MaxLen = orDefault(cfg.MaxLen, 10000)
	cfg.Batch = orDefault(cfg.Batch, 10)

	return &RedisJobQueue{
		client: redis.NewClient(&redis.Options{Addr: cfg.Addr, Password: cfg.Password}),
		cfg:    cfg,
	}, nil
}

func orDefault[T comparable](v, def T) T {
	var zero T
	if v == zero {
		return def
	}
	return v
}

func (q *RedisJobQueue) Enqueue(ctx context.Context, job Job) error {
	body, err := encodeJob(job)
	if err != nil {
		return err
	}
	if err := q.ensureGroup(ctx); err != nil {
		return err
	}
	return q.client.XAdd(ctx, &redis.XAddArgs{
		Stream: q.cfg.Stream,
		MaxLen: q.cfg.MaxLen,
		Approx: true,
		Values: map[string]any{payloadField: string(body)},
	}).Err()
}

func (q *RedisJobQueue) Consume(ctx context.Context, concurrency int, handler Handler) error {
	if err := q.ensureGroup(ctx); err != nil {
		return err
	}
	g, gctx := errgroup.WithContext(ctx)
	for i := range max(concurrency, 1) {
		consumer := fmt.Sprintf("%s-%d", q.cfg.Consumer, i)
		g.Go(func() error {
			q.run(gctx, consumer, handler)
			return nil
		})
	}
	return g.Wait()
}

func (q *RedisJobQueue) Close() error {
	return q.client.Close()
}

// ensureGroup starts the group at "0" so jobs added before any worker ran are delivered.
func (q *RedisJobQueue) ensureGroup(ctx context.Context) error {
	if q.groupReady.Load() {
		return nil
	}
	err := q.client.XGroupCreateMkStream(ctx, q.cfg.Stream, q.cfg.Group, "0").Err()
	if err != nil && !strings.HasPrefix(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("create consumer group %s: %w", q.cfg.Group, err)
	}
	q.groupReady.Store(true)
	return nil
}

func (q *RedisJobQueue) run(ctx context.Context, consumer string, handler Handler) {
	log := util.LoggerFromContext(ctx).With("stream", q.cfg.Stream, "consumer", consumer)
	for ctx.Err() == nil {
		msgs, err := q.next(ctx, consumer)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if strings.HasPrefix(err.Error(), "NOGROUP") {
				q.groupReady.Store(false)
				_ = q.ensureGroup(ctx)
			}
			log.Warn("queue_read_failed", "err", err)
			sleepCtx(ctx, time.Second)
			continue
		}
		for _, msg := range msgs {
			q.deliver(ctx, msg, handler)
		}
	}
}

// next prefers deliveries abandoned by dead consumers over new messages.
func (q *RedisJobQueue) next(ctx context.Context, consumer string) ([]redis.XMessage, error) {
	stale, err := q.reclaim(ctx, consumer)
	if err != nil {
		return nil, err
	}
	if len(stale) > 0 {
		return stale, nil
	}
	streams, err := q.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    q.cfg.Group,
		Consumer: consumer,
		Streams:  []string{q.cfg.Stream, ">"},
		Count:    q.cfg.Batch,
		Block:    q.cfg.Block,
	}).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var out []redis.XMessage
	for _, s := range streams {
		out = append(out, s.Messages...)
	}
	return out, nil
}

func (q *RedisJobQueue) reclaim(ctx context.Context, consumer string) ([]redis.XMessage, error) {
	msgs, _, err := q.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   q.cfg.Stream,
		Group:    q.cfg.Group,
		Consumer: consumer,
		MinIdle:  q.cfg.ClaimIdle,
		Start:    "0-0",
		Count:    q.cfg.Batch,
	}).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	return msgs, err
}

func (q *RedisJobQueue) deliver(ctx context.Context, msg redis.XMessage, handler Handler) {
	raw, _ := msg.Values[payloadField].(string)
	job, err := decodeJob([]byte(raw))
	if err != nil {
		util.LoggerFromContext(ctx).Warn("queue_message_malformed", "stream", q.cfg.Stream, "messageId", msg.ID, "err", err)
	} else {
		handler(ctx, job)
	}
	// settle even when ctx is done so a finished job is not redelivered
	settle := context.WithoutCancel(ctx)
	_, err = q.client.TxPipelined(settle, func(p redis.Pipeliner) error {
		p.XAck(settle, q.cfg.Stream, q.cfg.Group, msg.ID)
		p.XDel(settle, q.cfg.Stream, msg.ID)
		return nil
	})
	if err != nil {
		util.LoggerFromContext(ctx).Warn("queue_ack_failed", "stream", q.cfg.Stream, "messageId", msg.ID, "err", err)
	}
}

func sleepCtx(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
