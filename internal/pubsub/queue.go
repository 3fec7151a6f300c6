package pubsub

import (
	"context"
	"sync"
)

// queue feeds one subscription's handler in publish order from a single
// goroutine. Pushing never blocks, so a slow handler delays only its own
// subscriber.
type queue struct {
	handler Handler
	ctx     context.Context
	cancel  context.CancelFunc
	wake    chan struct{}

	mu      sync.Mutex
	pending []*Message
	stopped bool
}

func newQueue(handler Handler) *queue {
	ctx, cancel := context.WithCancel(context.Background())
	q := &queue{
		handler: handler,
		ctx:     ctx,
		cancel:  cancel,
		wake:    make(chan struct{}, 1),
	}
	go q.run()
	return q
}

// push appends msg. It reports false once the queue is stopped.
func (q *queue) push(msg *Message) bool {
	q.mu.Lock()
	if q.stopped {
		q.mu.Unlock()
		return false
	}
	q.pending = append(q.pending, msg)
	q.mu.Unlock()

	select {
	case q.wake <- struct{}{}:
	default:
	}
	return true
}

// stop discards undelivered messages. A handler already running finishes;
// no new one starts.
func (q *queue) stop() {
	q.mu.Lock()
	q.stopped = true
	q.pending = nil
	q.mu.Unlock()
	q.cancel()
}

func (q *queue) next() (*Message, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.pending) == 0 {
		return nil, false
	}
	msg := q.pending[0]
	q.pending[0] = nil
	q.pending = q.pending[1:]
	return msg, true
}

func (q *queue) run() {
	for {
		select {
		case <-q.ctx.Done():
			return
		case <-q.wake:
		}
		for msg, ok := q.next(); ok; msg, ok = q.next() {
			if q.ctx.Err() != nil {
				return
			}
			q.handler(q.ctx, msg)
		}
	}
}

func (q *queue) backlog() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}
