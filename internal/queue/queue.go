// Package queue holds the bounded FIFO that sits between the front end and
// the inference worker.
package queue

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/Sped0n/texa/internal/types"
)

// DefaultCapacity bounds how many requests may wait for the worker.
const DefaultCapacity = 3

var (
	ErrFull    = errors.New("request queue is full")
	ErrClosed  = errors.New("request queue is closed")
	ErrTimeout = errors.New("request queue pop timed out")
)

// RequestQueue is a bounded FIFO with a single consumer in mind.
// The buffered channel is never closed; done signals shutdown instead so
// that a racing Push can never panic.
type RequestQueue struct {
	items chan types.InferRequest
	done  chan struct{}
	once  sync.Once
}

// New creates a queue. A capacity below 1 falls back to DefaultCapacity.
func New(capacity int) *RequestQueue {
	if capacity < 1 {
		capacity = DefaultCapacity
	}
	return &RequestQueue{
		items: make(chan types.InferRequest, capacity),
		done:  make(chan struct{}),
	}
}

// Push blocks until there is room, the context ends or the queue closes.
func (q *RequestQueue) Push(ctx context.Context, req types.InferRequest) error {
	// Closed wins over free space.
	select {
	case <-q.done:
		return ErrClosed
	default:
	}

	select {
	case q.items <- req:
		return nil
	case <-q.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// TryPush enqueues without waiting and reports ErrFull at capacity.
func (q *RequestQueue) TryPush(req types.InferRequest) error {
	select {
	case <-q.done:
		return ErrClosed
	default:
	}

	select {
	case q.items <- req:
		return nil
	default:
		return ErrFull
	}
}

// Pop waits up to timeout for the next request.
func (q *RequestQueue) Pop(timeout time.Duration) (types.InferRequest, error) {
	select {
	case <-q.done:
		return types.InferRequest{}, ErrClosed
	default:
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case req := <-q.items:
		return req, nil
	case <-q.done:
		return types.InferRequest{}, ErrClosed
	case <-timer.C:
		return types.InferRequest{}, ErrTimeout
	}
}

// Close wakes every blocked caller. Pending requests are left unserviced.
func (q *RequestQueue) Close() {
	q.once.Do(func() { close(q.done) })
}

// Closed reports whether Close has been called.
func (q *RequestQueue) Closed() bool {
	select {
	case <-q.done:
		return true
	default:
		return false
	}
}

func (q *RequestQueue) Len() int { return len(q.items) }

func (q *RequestQueue) Cap() int { return cap(q.items) }
