package relay

import (
	"sync"
	"sync/atomic"
)

// CloseInfo is delivered to the writer once the queue is closed.
type CloseInfo struct {
	Code   int
	Reason string
}

// SendQueue is a byte-bounded FIFO of outbound frames for one connection.
//
// Producers never block: a frame that does not fit is rejected and the caller
// drops the slow connection. A single writer drains the queue with Dequeue.
type SendQueue struct {
	mu       sync.Mutex
	notEmpty *sync.Cond
	closed   bool
	close    CloseInfo

	maxBytes int
	curBytes int
	frames   [][]byte

	drops atomic.Uint64
}

func NewSendQueue(maxBytes int) *SendQueue {
	q := &SendQueue{maxBytes: maxBytes}
	q.notEmpty = sync.NewCond(&q.mu)
	return q
}

func (q *SendQueue) DropCount() uint64 {
	return q.drops.Load()
}

// Enqueue appends frame if it fits within the byte budget.
func (q *SendQueue) Enqueue(frame []byte) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		q.drops.Add(1)
		return ErrQueueClosed
	}
	if len(frame) > q.maxBytes || q.curBytes+len(frame) > q.maxBytes {
		q.drops.Add(1)
		return ErrQueueFull
	}

	q.frames = append(q.frames, frame)
	q.curBytes += len(frame)
	q.notEmpty.Signal()
	return nil
}

// Dequeue blocks until a frame is available or the queue is closed. Pending
// frames are dropped once the queue is closed.
func (q *SendQueue) Dequeue() ([]byte, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for len(q.frames) == 0 && !q.closed {
		q.notEmpty.Wait()
	}
	if q.closed {
		return nil, false
	}
	frame := q.frames[0]
	copy(q.frames, q.frames[1:])
	q.frames[len(q.frames)-1] = nil
	q.frames = q.frames[:len(q.frames)-1]
	q.curBytes -= len(frame)
	return frame, true
}

// Close closes the queue with a close code for the writer. Only the first
// call has an effect; it reports whether this call closed the queue.
func (q *SendQueue) Close(code int, reason string) bool {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return false
	}
	q.closed = true
	q.close = CloseInfo{Code: code, Reason: reason}
	for i := range q.frames {
		q.frames[i] = nil
	}
	q.frames = nil
	q.curBytes = 0
	q.mu.Unlock()
	q.notEmpty.Broadcast()
	return true
}

func (q *SendQueue) Closed() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closed
}

// CloseInfo returns the code passed to Close.
func (q *SendQueue) CloseInfo() (CloseInfo, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.close, q.closed
}

// Len returns the number of queued frames and bytes.
func (q *SendQueue) Len() (frames, bytes int) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.frames), q.curBytes
}
