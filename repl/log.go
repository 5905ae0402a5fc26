package repl

import (
	"container/ring"
	"sync"

	"github.com/golang/glog"
)

// Log is a mutex-guarded, ring-backed bounded FIFO. Append never blocks the
// producer: once full, the oldest pending entry is dropped and a warning is
// logged, matching §4.7's "producer is NOT blocked" invariant.
type Log struct {
	mu       sync.Mutex
	write    *ring.Ring
	size     int
	capacity int

	wake chan struct{}
}

// NewLog builds a Log bounded to capacity entries (cmn.SyncConfig.MaxQueueSize).
func NewLog(capacity int) *Log {
	if capacity <= 0 {
		capacity = 1000
	}
	return &Log{
		write:    ring.New(capacity),
		capacity: capacity,
		wake:     make(chan struct{}, 1),
	}
}

// Append enqueues op, overwriting the oldest entry if the log is full.
func (l *Log) Append(op Op) {
	l.mu.Lock()
	overflowed := l.size == l.capacity
	l.write.Value = op
	l.write = l.write.Next()
	if l.size < l.capacity {
		l.size++
	}
	l.mu.Unlock()

	if overflowed {
		glog.Warningf("repl: log overflow, dropped oldest pending op for table %s", op.Table)
	}
	select {
	case l.wake <- struct{}{}:
	default:
	}
}

// Len reports how many operations are currently queued.
func (l *Log) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.size
}

// Wake is signaled whenever Append is called, letting the drain loop wake
// early instead of waiting for the next ticker tick.
func (l *Log) Wake() <-chan struct{} {
	return l.wake
}

// Drain atomically swaps out every queued operation, oldest first, leaving
// the log empty. The drain loop holds the mutex only long enough to copy
// the pointer range out -- apply work proceeds entirely outside the lock.
func (l *Log) Drain() []Op {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.size == 0 {
		return nil
	}
	ops := make([]Op, 0, l.size)
	cur := l.write.Move(-l.size)
	for i := 0; i < l.size; i++ {
		ops = append(ops, cur.Value.(Op))
		cur.Value = nil
		cur = cur.Next()
	}
	l.size = 0
	return ops
}
