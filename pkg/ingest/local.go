package ingest

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/menome/thelink/backend/pkg/logger"
)

// Handler processes one delivered message.
type Handler func(ctx context.Context, msg Message) error

// LocalQueue is an in-process Queue for single-binary setups and tests.
// Messages are lost on exit; the unit store and Recover bring them back.
type LocalQueue struct {
	mu          sync.Mutex
	ready       []Message
	delayed     map[int]*time.Timer
	nextID      int
	outstanding int
	notify      chan struct{}
}

var _ Queue = (*LocalQueue)(nil)

func NewLocalQueue() *LocalQueue {
	return &LocalQueue{
		delayed: make(map[int]*time.Timer),
		notify:  make(chan struct{}, 1),
	}
}

func (q *LocalQueue) signal() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

func (q *LocalQueue) Publish(ctx context.Context, msg Message, delay time.Duration) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.outstanding++
	if delay <= 0 {
		q.ready = append(q.ready, msg)
		q.signal()
		return nil
	}

	id := q.nextID
	q.nextID++
	q.delayed[id] = time.AfterFunc(delay, func() {
		q.mu.Lock()
		defer q.mu.Unlock()
		if _, ok := q.delayed[id]; !ok {
			return
		}
		delete(q.delayed, id)
		q.ready = append(q.ready, msg)
		q.signal()
	})
	return nil
}

func (q *LocalQueue) PurgeAll(ctx context.Context) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	n := len(q.ready) + len(q.delayed)
	for id, t := range q.delayed {
		t.Stop()
		delete(q.delayed, id)
	}
	q.ready = nil
	q.outstanding -= n
	q.signal()
	return n, nil
}

// Len is the number of messages waiting, delayed ones included.
func (q *LocalQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.ready) + len(q.delayed)
}

func (q *LocalQueue) done() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.outstanding--
	q.signal()
}

// Run delivers messages to handler, at most parallel at a time, until ctx
// is cancelled.
func (q *LocalQueue) Run(ctx context.Context, parallel int, handler Handler) error {
	return q.consume(ctx, parallel, handler, false)
}

// Drain is Run that returns once no message is waiting, delayed or being
// handled.
func (q *LocalQueue) Drain(ctx context.Context, parallel int, handler Handler) error {
	return q.consume(ctx, parallel, handler, true)
}

func (q *LocalQueue) consume(ctx context.Context, parallel int, handler Handler, untilIdle bool) error {
	if parallel <= 0 {
		parallel = 1
	}
	g := new(errgroup.Group)
	g.SetLimit(parallel)

	for {
		q.mu.Lock()
		if len(q.ready) > 0 {
			msg := q.ready[0]
			q.ready = q.ready[1:]
			q.mu.Unlock()

			g.Go(func() error {
				defer q.done()
				if err := handler(ctx, msg); err != nil {
					logger.Error("[Queue] Local delivery failed", "unit_id", msg.UnitID, "err", err)
				}
				return nil
			})
			continue
		}
		idle := q.outstanding == 0
		q.mu.Unlock()

		if untilIdle && idle {
			return g.Wait()
		}
		select {
		case <-ctx.Done():
			_ = g.Wait()
			return ctx.Err()
		case <-q.notify:
		}
	}
}
