package batching

import "sync"

// ingress is the FIFO between callers and the cutter. push never blocks on
// anything but the mutex.
type ingress struct {
	mu      sync.Mutex
	entries []*entry
	spare   []*entry
	closed  bool
}

func (q *ingress) push(e *entry) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return false
	}
	q.entries = append(q.entries, e)
	return true
}

// drain hands back everything queued since the last drain. The returned
// slice is owned by the caller until the next drain.
func (q *ingress) drain() []*entry {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := q.entries
	clear(q.spare)
	q.entries = q.spare[:0]
	q.spare = out
	return out
}

// close rejects further pushes and returns whatever was still queued.
func (q *ingress) close() []*entry {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	out := q.entries
	q.entries = nil
	q.spare = nil
	return out
}

func (q *ingress) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}
