package vmkernel

import (
	"context"
	"fmt"
	"sync"

	"github.com/vmledger/vmledger/internal/errs"
	"github.com/vmledger/vmledger/internal/wireval"
)

// DefaultQMax is the call queue's default bound, per §6 Configuration.
const DefaultQMax = 1000

// callRequest is one pending invocation waiting for the VM's single
// worker goroutine to dequeue and run it.
type callRequest struct {
	ctx      context.Context
	method   string
	args     wireval.Value
	callerID string
	result   chan callResult
}

type callResult struct {
	value wireval.Value
	err   error
}

// callQueue is the bounded per-VM FIFO described in §3/§4.4. A buffered
// channel acts as the thread-safe queue, the same idiom the teacher
// uses for its pool's warm-VM ready channel: enqueue is a non-blocking
// channel send that fails over to a capacity error when the buffer is
// full, rather than blocking the submitter.
type callQueue struct {
	mu     sync.Mutex
	ch     chan *callRequest
	qMax   int
	closed bool
}

func newCallQueue(qMax int) *callQueue {
	if qMax <= 0 {
		qMax = DefaultQMax
	}
	return &callQueue{
		ch:   make(chan *callRequest, qMax),
		qMax: qMax,
	}
}

// enqueue submits req for execution. Returns a capacity error without
// advancing the queue if it is already at qMax, and a closed error once
// the VM has begun shutting down.
func (q *callQueue) enqueue(req *callRequest) error {
	q.mu.Lock()
	closed := q.closed
	q.mu.Unlock()
	if closed {
		return fmt.Errorf("%w: vm is closed", errs.ErrClosed)
	}
	select {
	case q.ch <- req:
		return nil
	default:
		return fmt.Errorf("%w: call queue full (max %d)", errs.ErrCapacity, q.qMax)
	}
}

// len reports the number of calls currently queued (not counting the
// one actively executing).
func (q *callQueue) len() int {
	return len(q.ch)
}

// markClosed stops enqueue from accepting further calls. The VM's
// worker goroutine is responsible for draining any buffer contents
// still sitting behind the closed gate.
func (q *callQueue) markClosed() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
}
