package batching

import (
	"context"
	"time"

	"golang.org/x/time/rate"
)

// draft is a group of entries bound for one batch.
type draft struct {
	entries []*entry
	items   int
	seq     uint64 // position in its shard's dispatch order
}

func (d *draft) oldest() time.Time { return d.entries[0].enqueued }

type packing struct {
	ready   []*draft
	carry   []*entry
	expired []*entry
}

// pack greedily groups pending entries in arrival order into drafts of at
// most maxItems. Full drafts are ready immediately; the trailing partial
// draft is ready only once its oldest entry has waited timeout, otherwise it
// is carried to the next tick. Entries older than timeout+grace are expired.
func pack(pending []*entry, now time.Time, maxItems int, timeout, grace time.Duration) packing {
	var out packing
	var cur *draft
	for _, e := range pending {
		if now.Sub(e.enqueued) >= timeout+grace {
			out.expired = append(out.expired, e)
			continue
		}
		if cur != nil && cur.items+e.items() > maxItems {
			out.ready = append(out.ready, cur)
			cur = nil
		}
		if cur == nil {
			cur = &draft{}
		}
		cur.entries = append(cur.entries, e)
		cur.items += e.items()
		if cur.items >= maxItems {
			out.ready = append(out.ready, cur)
			cur = nil
		}
	}
	if cur != nil {
		if now.Sub(cur.oldest()) >= timeout {
			out.ready = append(out.ready, cur)
		} else {
			out.carry = cur.entries
		}
	}
	return out
}

// runCutter drains the ingress queue every batching interval and whenever
// the oldest carried entry reaches its deadline.
func (q *Queue) runCutter(ctx context.Context) error {
	log := q.log.With("component", "cutter")
	warn := rate.Sometimes{Interval: time.Second}

	ticker := time.NewTicker(q.cfg.BatchingInterval)
	defer ticker.Stop()
	deadline := time.NewTimer(q.cfg.QueueTimeout)
	deadline.Stop()
	defer deadline.Stop()

	var pending []*entry
	for {
		select {
		case <-ctx.Done():
			q.settle(pending, ErrShutdown, nil)
			return nil
		case <-ticker.C:
		case <-deadline.C:
		}

		pending = append(pending, q.ingress.drain()...)
		if len(pending) == 0 {
			continue
		}
		res := pack(pending, time.Now(), q.cfg.MaxBatchSize, q.cfg.QueueTimeout, q.cfg.lagGrace())
		if len(res.expired) > 0 {
			warn.Do(func() {
				log.Warn("requests aged out before batching", "count", len(res.expired), "timeout", q.cfg.QueueTimeout)
			})
			q.settle(res.expired, ErrTimeout, nil)
		}
		for i, d := range res.ready {
			if !q.dispatch(ctx, d) {
				for _, rest := range res.ready[i+1:] {
					q.settle(rest.entries, ErrShutdown, nil)
				}
				q.settle(res.carry, ErrShutdown, nil)
				return nil
			}
		}

		pending = append(pending[:0:0], res.carry...)
		if len(pending) > 0 {
			deadline.Reset(time.Until(pending[0].enqueued.Add(q.cfg.QueueTimeout)))
		} else {
			deadline.Stop()
		}
	}
}

// dispatch hands d to the next shard in round-robin order, blocking while
// that shard's queue is full. It reports false if ctx ended first, in which
// case d has been failed with ErrShutdown.
func (q *Queue) dispatch(ctx context.Context, d *draft) bool {
	shard := q.next % len(q.shards)
	q.next++
	offset := 0
	for _, e := range d.entries {
		e.rc.Offset = offset
		offset += e.items()
	}
	d.seq = q.dispatched[shard]
	select {
	case q.shards[shard] <- d:
		q.dispatched[shard]++
		q.pending.Add(-int64(len(d.entries)))
		q.metrics.SetShardDepth(shard, len(q.shards[shard]))
		q.metrics.SetPending(q.pending.Load())
		return true
	case <-ctx.Done():
		q.settle(d.entries, ErrShutdown, nil)
		return false
	}
}

// settle fails entries that never reached a shard and releases their
// pending slots.
func (q *Queue) settle(entries []*entry, kind, cause error) {
	if len(entries) == 0 {
		return
	}
	q.pending.Add(-int64(len(entries)))
	q.metrics.SetPending(q.pending.Load())
	q.reject(entries, kind, cause)
}
