package utils

import (
	"context"
	"errors"
	"sync"
)

var ErrClosed = errors.New("[omnisync] frame queue is closed")
var ErrOverflow = errors.New("[omnisync] frame queue is overflowed")

// FrameQueue is a bounded FIFO of wire frames shared between the
// producers (anyone with outbound frames) and the single connection
// writer. Drain appends frames, Feed takes a batch of up to batchSize
// bytes, blocking while the queue is empty. Overflow is terminal: once
// the byte limit is hit the queue only errors until closed.
type FrameQueue struct {
	lock       sync.Mutex
	cond       sync.Cond
	frames     [][]byte
	size       int
	maxSize    int
	batchSize  int
	overflowed bool

	ctx   context.Context
	close context.CancelFunc
}

func NewFrameQueue(limit, batchSize int) *FrameQueue {
	ctx, cancel := context.WithCancel(context.Background())
	q := &FrameQueue{
		maxSize:   limit,
		batchSize: batchSize,
		ctx:       ctx,
		close:     cancel,
	}
	q.cond.L = &q.lock
	return q
}

func (q *FrameQueue) Close() error {
	q.close()
	q.lock.Lock()
	q.frames = nil
	q.size = 0
	q.cond.Broadcast()
	q.lock.Unlock()
	return nil
}

func (q *FrameQueue) Size() int {
	q.lock.Lock()
	defer q.lock.Unlock()
	return q.size
}

func (q *FrameQueue) Drain(ctx context.Context, frames [][]byte) error {
	if q.ctx.Err() != nil {
		return ErrClosed
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}

	q.lock.Lock()
	defer q.lock.Unlock()
	if q.overflowed {
		return ErrOverflow
	}
	add := 0
	for _, f := range frames {
		add += len(f)
	}
	if q.size+add > q.maxSize {
		q.overflowed = true
		q.cond.Broadcast()
		return ErrOverflow
	}
	q.frames = append(q.frames, frames...)
	q.size += add
	q.cond.Broadcast()
	return nil
}

func (q *FrameQueue) Feed(ctx context.Context) (frames [][]byte, err error) {
	// unblock the cond wait when either context ends
	wake := context.AfterFunc(ctx, func() {
		q.lock.Lock()
		q.cond.Broadcast()
		q.lock.Unlock()
	})
	defer wake()
	qwake := context.AfterFunc(q.ctx, func() {
		q.lock.Lock()
		q.cond.Broadcast()
		q.lock.Unlock()
	})
	defer qwake()

	q.lock.Lock()
	defer q.lock.Unlock()

	for len(q.frames) == 0 {
		if q.ctx.Err() != nil {
			return nil, ErrClosed
		}
		if q.overflowed {
			return nil, ErrOverflow
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		q.cond.Wait()
	}

	taken := 0
	n := 0
	for _, f := range q.frames {
		if n > 0 && taken+len(f) > q.batchSize {
			break
		}
		taken += len(f)
		n++
	}
	frames = q.frames[:n:n]
	q.frames = q.frames[n:]
	q.size -= taken
	return frames, nil
}
