package batching

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"pgregory.net/rapid"

	"github.com/samcharles93/batchd/internal/admission"
)

// Every future resolves exactly once, with success or a known failure kind,
// no matter how callbacks behave or when the queue is stopped.
func TestExactlyOnceResolution(t *testing.T) {
	t.Parallel()

	rapid.Check(t, func(rt *rapid.T) {
		cfg := DefaultConfig()
		cfg.BatchingInterval = time.Millisecond
		cfg.QueueTimeout = time.Duration(rapid.IntRange(2, 20).Draw(rt, "timeoutMs")) * time.Millisecond
		cfg.MaxBatchSize = rapid.IntRange(1, 8).Draw(rt, "maxBatch")
		cfg.ExceptionThreads = rapid.IntRange(1, 3).Draw(rt, "exceptionThreads")
		cfg.PinnerThreads = rapid.IntRange(1, 3).Draw(rt, "pinners")
		cfg.ShardQueueDepth = rapid.IntRange(1, 3).Draw(rt, "depth")
		shards := rapid.IntRange(1, 3).Draw(rt, "shards")
		mode := rapid.SampledFrom([]string{"resolve", "fail", "ignore", "panic"}).Draw(rt, "callback")

		var authority admission.Authority
		if rapid.Bool().Draw(rt, "admission") {
			authority = admission.NewLimiter(shards, int64(rapid.IntRange(1, 10).Draw(rt, "capacity")))
		}

		var oversized atomic.Int32
		cb := func(_ context.Context, b *Batch) error {
			if b.Items() > cfg.MaxBatchSize {
				oversized.Add(1)
			}
			switch mode {
			case "resolve":
				for _, rc := range b.Contexts() {
					rc.Resolve(&Response{})
				}
			case "fail":
				for _, rc := range b.Contexts() {
					rc.Fail(errors.New("model error"))
				}
			case "panic":
				panic("callback exploded")
			}
			return nil
		}

		q, err := New([]Callback{cb}, cfg, shards, authority)
		if err != nil {
			rt.Fatalf("New: %v", err)
		}

		submitters := rapid.IntRange(1, 4).Draw(rt, "submitters")
		perSubmitter := rapid.IntRange(0, 10).Draw(rt, "perSubmitter")
		sizes := make([]int, submitters*perSubmitter)
		for i := range sizes {
			sizes[i] = rapid.IntRange(0, cfg.MaxBatchSize+1).Draw(rt, "size")
		}
		stopEarly := rapid.Bool().Draw(rt, "stopEarly")

		futures := make([]*Future, len(sizes))
		counts := make([]atomic.Int32, len(sizes))
		var wg sync.WaitGroup
		for s := range submitters {
			wg.Go(func() {
				for j := range perSubmitter {
					i := s*perSubmitter + j
					req := rowsRequest(fmt.Sprint(i), max(sizes[i], 1), 1)
					req.BatchSize = sizes[i]
					f := q.Submit(req, nil)
					f.OnComplete(func(*Response, error) { counts[i].Add(1) })
					futures[i] = f
				}
			})
		}
		wg.Wait()
		if !stopEarly {
			ctx, cancel := context.WithTimeout(context.Background(), time.Second)
			for _, f := range futures {
				_, _ = f.Wait(ctx)
			}
			cancel()
		}
		q.Stop()

		for i, f := range futures {
			if !f.Resolved() {
				rt.Fatalf("request %d unresolved after Stop", i)
			}
			if n := counts[i].Load(); n != 1 {
				rt.Fatalf("request %d resolved %d times", i, n)
			}
			_, err := f.Wait(context.Background())
			if err == nil {
				continue
			}
			if KindOf(err) == nil && err.Error() != "model error" {
				rt.Fatalf("request %d failed with unexpected error %v", i, err)
			}
		}
		if n := oversized.Load(); n > 0 {
			rt.Fatalf("%d batches exceeded max batch size", n)
		}
	})
}
