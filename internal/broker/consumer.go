package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/openhj/judger/internal/judge"
)

// Redis transport keys used by Celery for late acknowledgement.
const (
	unackedKey      = "unacked"
	unackedIndexKey = "unacked_index"
)

// Consumer prefetches tasks from the queue into a bounded channel.
// A delivery stays in the unacked hash until Ack or Reject, so a worker
// crash lets the broker redeliver it (at-least-once).
type Consumer struct {
	rdb      *redis.Client
	queue    string
	prefetch int
	out      chan *Delivery
	log      *slog.Logger

	// unacked entries older than this are considered abandoned by a dead
	// worker and are restored to the queue at startup
	Visibility time.Duration
}

func NewConsumer(rdb *redis.Client, queue string, prefetch int, log *slog.Logger) *Consumer {
	return &Consumer{
		rdb:        rdb,
		queue:      queue,
		prefetch:   prefetch,
		out:        make(chan *Delivery, prefetch),
		log:        log,
		Visibility: time.Hour,
	}
}

// Deliveries is the stream of decoded tasks. Closed when Start returns.
func (c *Consumer) Deliveries() <-chan *Delivery { return c.out }

// Start restores abandoned deliveries and then consumes the queue until ctx
// is cancelled. Messages that fail to decode are logged and dropped before
// any unacked bookkeeping; only well-formed deliveries enter the unacked
// hash.
func (c *Consumer) Start(ctx context.Context) error {
	defer close(c.out)

	if err := c.RestoreUnacked(ctx); err != nil {
		return fmt.Errorf("failed to restore unacked deliveries: %w", err)
	}

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		// producers LPUSH, so the oldest entry sits at the tail
		res, err := c.rdb.BRPop(ctx, time.Second, c.queue).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			c.log.Error("queue receive failed", "err", err)
			select {
			case <-time.After(time.Second):
			case <-ctx.Done():
				return ctx.Err()
			}
			continue
		}
		// BRPop returns [key, value]
		raw := res[1]

		msg, err := decode([]byte(raw))
		if err != nil {
			var perr *judge.ProtocolError
			if errors.As(err, &perr) {
				c.log.Error("rejecting malformed task message", "err", err)
				continue
			}
			return err
		}

		if err := c.markUnacked(ctx, msg.Tag, raw); err != nil {
			c.log.Error("failed to record unacked delivery", "tag", msg.Tag, "err", err)
		}

		d := &Delivery{Msg: msg, consumer: c}
		select {
		case c.out <- d:
		case <-ctx.Done():
			// put it back so another worker picks it up
			if err := c.requeue(context.Background(), msg.Tag, raw); err != nil {
				c.log.Error("failed to requeue delivery on shutdown", "tag", msg.Tag, "err", err)
			}
			return ctx.Err()
		}
	}
}

func (c *Consumer) markUnacked(ctx context.Context, tag, raw string) error {
	// kombu stores [message, exchange, routing_key]
	entry, err := json.Marshal([]json.RawMessage{
		json.RawMessage(raw),
		json.RawMessage(`""`),
		json.RawMessage(fmt.Sprintf("%q", c.queue)),
	})
	if err != nil {
		return err
	}
	pipe := c.rdb.TxPipeline()
	pipe.HSet(ctx, unackedKey, tag, string(entry))
	pipe.ZAdd(ctx, unackedIndexKey, &redis.Z{
		Score:  float64(time.Now().Unix()),
		Member: tag,
	})
	_, err = pipe.Exec(ctx)
	return err
}

func (c *Consumer) forget(ctx context.Context, tag string) error {
	pipe := c.rdb.TxPipeline()
	pipe.HDel(ctx, unackedKey, tag)
	pipe.ZRem(ctx, unackedIndexKey, tag)
	_, err := pipe.Exec(ctx)
	return err
}

func (c *Consumer) requeue(ctx context.Context, tag, raw string) error {
	pipe := c.rdb.TxPipeline()
	pipe.RPush(ctx, c.queue, raw)
	pipe.HDel(ctx, unackedKey, tag)
	pipe.ZRem(ctx, unackedIndexKey, tag)
	_, err := pipe.Exec(ctx)
	return err
}

// RestoreUnacked pushes deliveries abandoned before the visibility horizon
// back onto the queue.
func (c *Consumer) RestoreUnacked(ctx context.Context) error {
	horizon := time.Now().Add(-c.Visibility).Unix()
	tags, err := c.rdb.ZRangeByScore(ctx, unackedIndexKey, &redis.ZRangeBy{
		Min: "-inf",
		Max: fmt.Sprintf("%d", horizon),
	}).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return err
	}
	for _, tag := range tags {
		entry, err := c.rdb.HGet(ctx, unackedKey, tag).Result()
		if errors.Is(err, redis.Nil) {
			c.rdb.ZRem(ctx, unackedIndexKey, tag)
			continue
		}
		if err != nil {
			return err
		}
		var parts []json.RawMessage
		if err := json.Unmarshal([]byte(entry), &parts); err != nil || len(parts) == 0 {
			c.log.Error("dropping unparseable unacked entry", "tag", tag)
			c.forget(ctx, tag)
			continue
		}
		if err := c.requeue(ctx, tag, string(parts[0])); err != nil {
			return err
		}
		c.log.Info("restored abandoned delivery", "tag", tag)
	}
	return nil
}

// Delivery is one in-flight task. Exactly one of Ack or Reject must be
// called, after the pipeline reported or the message proved malformed.
type Delivery struct {
	Msg      *Message
	consumer *Consumer
	once     sync.Once
}

// Ack removes the delivery from the unacked bookkeeping. Called only after
// a report was produced for the task.
func (d *Delivery) Ack(ctx context.Context) error {
	var err error
	d.once.Do(func() {
		err = d.consumer.forget(ctx, d.Msg.Tag)
	})
	return err
}

// Reject discards the delivery without a report. Used for malformed or
// unsupported tasks which must not be retried locally.
func (d *Delivery) Reject(ctx context.Context) error {
	var err error
	d.once.Do(func() {
		err = d.consumer.forget(ctx, d.Msg.Tag)
	})
	return err
}
