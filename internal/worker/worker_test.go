package worker

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openhj/judger/internal/broker"
	"github.com/openhj/judger/internal/judge"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func celeryMessage(task, tag string, args string, kwargs string) string {
	body := base64.StdEncoding.EncodeToString(
		[]byte(fmt.Sprintf(`[%s, %s, {"callbacks": null}]`, args, kwargs)))
	raw, _ := json.Marshal(map[string]any{
		"body":             body,
		"content-encoding": "utf-8",
		"content-type":     "application/json",
		"headers":          map[string]any{"task": task, "id": tag},
		"properties": map[string]any{
			"delivery_tag":  tag,
			"body_encoding": "base64",
			"delivery_info": map[string]any{"exchange": "", "routing_key": "celery"},
		},
	})
	return string(raw)
}

// startBroker runs a consumer against a fresh miniredis and returns its
// delivery stream plus a push function.
func startBroker(t *testing.T, ctx context.Context) (*miniredis.Miniredis, *broker.Consumer) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	c := broker.NewConsumer(rdb, "celery", 8, testLogger())
	go c.Start(ctx)
	return mr, c
}

func TestConcurrencyBound(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	mr, c := startBroker(t, ctx)

	var running, peak, handled atomic.Int64
	w := New(2, testLogger())
	w.Register(TaskLocalRun, func(context.Context, *broker.Message) error {
		n := running.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(30 * time.Millisecond)
		running.Add(-1)
		handled.Add(1)
		return nil
	})

	for i := 0; i < 8; i++ {
		mr.Lpush("celery", celeryMessage(TaskLocalRun, fmt.Sprintf("tag-%d", i), `[{"id": 1}, {}]`, `{}`))
	}

	done := make(chan struct{})
	go func() {
		w.Run(ctx, c.Deliveries())
		close(done)
	}()
	require.Eventually(t, func() bool { return handled.Load() == 8 }, 5*time.Second, 10*time.Millisecond)
	cancel()
	<-done

	assert.LessOrEqual(t, peak.Load(), int64(2))
}

func TestUnknownTaskRejected(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	mr, c := startBroker(t, ctx)

	w := New(1, testLogger())
	mr.Lpush("celery", celeryMessage("judgers.remote.run", "tag-x", `[]`, `{}`))

	go func() {
		time.Sleep(200 * time.Millisecond)
		cancel()
	}()
	w.Run(ctx, c.Deliveries())

	// rejected deliveries leave no unacked bookkeeping behind; a drained
	// list key is deleted, so absence means empty
	assert.False(t, mr.Exists("unacked"))
	assert.False(t, mr.Exists("celery"))
}

func TestMalformedArgsRejected(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	mr, c := startBroker(t, ctx)

	invoked := false
	reported := false
	w := New(1, testLogger())
	w.Register(TaskLocalRun, func(_ context.Context, msg *broker.Message) error {
		invoked = true
		var sub map[string]any
		if err := msg.Arg(0, "submission_data", &sub); err != nil {
			return err
		}
		reported = true
		return nil
	})
	// no positional args and no kwargs: the handler cannot build a task
	mr.Lpush("celery", celeryMessage(TaskLocalRun, "tag-bad", `[]`, `{}`))

	go func() {
		time.Sleep(200 * time.Millisecond)
		cancel()
	}()
	w.Run(ctx, c.Deliveries())

	assert.True(t, invoked)
	assert.False(t, reported)
	assert.False(t, mr.Exists("unacked"))
}

func TestPanicContained(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	mr, c := startBroker(t, ctx)

	var handled atomic.Int64
	w := New(1, testLogger())
	w.Register(TaskLocalRun, func(_ context.Context, msg *broker.Message) error {
		if msg.Tag == "tag-boom" {
			panic("handler bug")
		}
		handled.Add(1)
		return nil
	})

	mr.Lpush("celery", celeryMessage(TaskLocalRun, "tag-boom", `[{}]`, `{}`))
	mr.Lpush("celery", celeryMessage(TaskLocalRun, "tag-ok", `[{}]`, `{}`))

	done := make(chan struct{})
	go func() {
		w.Run(ctx, c.Deliveries())
		close(done)
	}()
	require.Eventually(t, func() bool { return handled.Load() == 1 }, 5*time.Second, 10*time.Millisecond)
	// let the final ack land before shutting down
	time.Sleep(50 * time.Millisecond)
	cancel()
	<-done
	assert.False(t, mr.Exists("unacked"))
}

func TestHandlerErrorStillAcks(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	mr, c := startBroker(t, ctx)

	w := New(1, testLogger())
	w.Register(TaskLocalRun, func(context.Context, *broker.Message) error {
		return &judge.SandboxError{Op: "create container", Err: fmt.Errorf("daemon down")}
	})
	mr.Lpush("celery", celeryMessage(TaskLocalRun, "tag-err", `[{}]`, `{}`))

	go func() {
		time.Sleep(200 * time.Millisecond)
		cancel()
	}()
	w.Run(ctx, c.Deliveries())

	// the pipeline reported judge_failed, so the task must not redeliver
	assert.False(t, mr.Exists("unacked"))
	assert.False(t, mr.Exists("celery"))
}
