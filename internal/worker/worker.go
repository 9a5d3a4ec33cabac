// Package worker dispatches broker deliveries to task handlers under a
// concurrency cap.
package worker

import (
	"context"
	"errors"
	"log/slog"
	"runtime/debug"
	"sync"

	"golang.org/x/sync/semaphore"

	"github.com/openhj/judger/internal/broker"
	"github.com/openhj/judger/internal/judge"
)

// Handler processes one decoded task message. A returned ProtocolError
// rejects the delivery; any other outcome acknowledges it, because the
// handler has already reported to the platform by then.
type Handler func(ctx context.Context, msg *broker.Message) error

type Worker struct {
	handlers map[string]Handler
	sem      *semaphore.Weighted
	log      *slog.Logger
	wg       sync.WaitGroup
}

// New builds a worker running at most maxTasks handlers at once,
// independent of how many deliveries sit prefetched.
func New(maxTasks int64, log *slog.Logger) *Worker {
	return &Worker{
		handlers: map[string]Handler{},
		sem:      semaphore.NewWeighted(maxTasks),
		log:      log,
	}
}

func (w *Worker) Register(taskName string, h Handler) {
	w.handlers[taskName] = h
}

// Run consumes deliveries until the channel closes, then waits for running
// handlers to drain. An unknown task name or a handler ProtocolError
// rejects the delivery; everything else acknowledges it.
func (w *Worker) Run(ctx context.Context, deliveries <-chan *broker.Delivery) {
	for d := range deliveries {
		h, ok := w.handlers[d.Msg.TaskName]
		if !ok {
			w.log.Error("rejecting task with unknown name", "task", d.Msg.TaskName, "tag", d.Msg.Tag)
			if err := d.Reject(ctx); err != nil {
				w.log.Error("reject failed", "tag", d.Msg.Tag, "err", err)
			}
			continue
		}
		if err := w.sem.Acquire(ctx, 1); err != nil {
			// shutting down; the delivery stays unacked for redelivery
			break
		}
		w.wg.Add(1)
		go func(d *broker.Delivery) {
			defer w.wg.Done()
			defer w.sem.Release(1)
			w.handle(ctx, h, d)
		}(d)
	}
	w.wg.Wait()
}

func (w *Worker) handle(ctx context.Context, h Handler, d *broker.Delivery) {
	defer func() {
		if r := recover(); r != nil {
			w.log.Error("handler panicked", "task", d.Msg.TaskName, "tag", d.Msg.Tag,
				"panic", r, "stack", string(debug.Stack()))
			if err := d.Ack(ctx); err != nil {
				w.log.Error("ack failed after panic", "tag", d.Msg.Tag, "err", err)
			}
		}
	}()

	err := h(ctx, d.Msg)
	var perr *judge.ProtocolError
	if errors.As(err, &perr) {
		w.log.Error("rejecting malformed task", "task", d.Msg.TaskName, "tag", d.Msg.Tag, "err", err)
		if err := d.Reject(ctx); err != nil {
			w.log.Error("reject failed", "tag", d.Msg.Tag, "err", err)
		}
		return
	}
	if err != nil {
		// the handler already reported the failure to the submitter
		w.log.Error("task failed", "task", d.Msg.TaskName, "tag", d.Msg.Tag, "err", err)
	}
	if err := d.Ack(ctx); err != nil {
		w.log.Error("ack failed", "tag", d.Msg.Tag, "err", err)
	}
}
