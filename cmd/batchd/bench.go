package main

import (
	"context"
	"fmt"
	"maps"
	"math"
	"math/rand/v2"
	"runtime"
	"slices"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/urfave/cli/v3"

	"github.com/samcharles93/batchd/internal/batching"
	"github.com/samcharles93/batchd/internal/logger"
	"github.com/samcharles93/batchd/internal/tensor"
)

func benchCmd() *cli.Command {
	var (
		requests    int64
		concurrency int64
		maxRows     int64
		width       int64
		seed        int64
	)

	return &cli.Command{
		Name:  "bench",
		Usage: "Drive the queue with synthetic load and report latency",
		Flags: append(queueFlags(),
			&cli.Int64Flag{
				Name:        "requests",
				Aliases:     []string{"n"},
				Usage:       "total requests to submit",
				Value:       10000,
				Destination: &requests,
			},
			&cli.Int64Flag{
				Name:        "concurrency",
				Aliases:     []string{"c"},
				Usage:       "concurrent submitters",
				Value:       int64(runtime.GOMAXPROCS(0)),
				Destination: &concurrency,
			},
			&cli.Int64Flag{
				Name:        "max-rows",
				Usage:       "largest item count per request (sizes are uniform in [1, max-rows])",
				Value:       4,
				Destination: &maxRows,
			},
			&cli.Int64Flag{
				Name:        "width",
				Usage:       "f32 elements per item",
				Value:       256,
				Destination: &width,
			},
			&cli.Int64Flag{
				Name:        "seed",
				Usage:       "request size seed",
				Value:       42,
				Destination: &seed,
			},
		),
		Action: func(ctx context.Context, cmd *cli.Command) error {
			log := logger.FromContext(ctx)
			if requests < 1 || concurrency < 1 || maxRows < 1 || width < 1 {
				return cli.Exit("error: requests, concurrency, max-rows and width must be >= 1", 1)
			}

			p, err := startPipeline(cmd, log, nil, nil)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: start pipeline: %v", err), 1)
			}
			defer func() { _ = p.Close() }()

			cfg := p.queue.Config()
			if maxRows > int64(cfg.MaxBatchSize) {
				maxRows = int64(cfg.MaxBatchSize)
			}

			fmt.Println("=== batchd bench ===")
			fmt.Printf("Engine:      %s\n", p.engine.Name())
			fmt.Printf("Shards:      %d (%s)\n", p.queue.Shards(), deviceKind)
			fmt.Printf("Requests:    %d x [1,%d] rows x %d f32\n", requests, maxRows, width)
			fmt.Printf("Concurrency: %d\n", concurrency)
			fmt.Printf("Max batch:   %d items, timeout %s\n", cfg.MaxBatchSize, cfg.QueueTimeout)
			fmt.Println()

			run := runBench(ctx, p.queue, benchPlan{
				requests:    int(requests),
				concurrency: int(concurrency),
				maxRows:     int(maxRows),
				width:       int(width),
				seed:        uint64(seed),
			})
			run.print()
			st := p.queue.Stats()
			fmt.Printf("\nBatches:     %d (%.1f requests/batch)\n", st.Batches, float64(run.ok)/max(float64(st.Batches), 1))
			return nil
		},
	}
}

type benchPlan struct {
	requests    int
	concurrency int
	maxRows     int
	width       int
	seed        uint64
}

type benchResult struct {
	elapsed   time.Duration
	latencies []time.Duration
	ok        int
	items     int
	bytes     uint64
	failures  map[string]int
}

func runBench(ctx context.Context, q *batching.Queue, plan benchPlan) benchResult {
	var (
		mu  sync.Mutex
		res = benchResult{failures: make(map[string]int)}
		wg  sync.WaitGroup
	)
	res.latencies = make([]time.Duration, 0, plan.requests)
	jobs := make(chan int)

	start := time.Now()
	for w := range plan.concurrency {
		rng := rand.New(rand.NewPCG(plan.seed, uint64(w)))
		wg.Go(func() {
			for range jobs {
				rows := 1 + rng.IntN(plan.maxRows)
				values := make([]float32, rows*plan.width)
				req := &batching.Request{
					ID:        uuid.NewString(),
					BatchSize: rows,
					Features:  map[string]*tensor.Tensor{"x": tensor.FromFloat32([]int{rows, plan.width}, values)},
				}
				t0 := time.Now()
				_, err := q.Submit(req, nil).Wait(ctx)
				lat := time.Since(t0)

				mu.Lock()
				if err != nil {
					res.failures[batching.KindName(err)]++
				} else {
					res.ok++
					res.items += rows
					res.bytes += uint64(req.Features["x"].Bytes())
					res.latencies = append(res.latencies, lat)
				}
				mu.Unlock()
			}
		})
	}
	for i := range plan.requests {
		if ctx.Err() != nil {
			break
		}
		jobs <- i
	}
	close(jobs)
	wg.Wait()
	res.elapsed = time.Since(start)
	slices.Sort(res.latencies)
	return res
}

func (r benchResult) print() {
	secs := max(r.elapsed.Seconds(), 1e-9)
	fmt.Println("=== Results ===")
	fmt.Printf("Elapsed:     %s\n", r.elapsed.Round(time.Millisecond))
	fmt.Printf("Completed:   %s requests (%s req/s)\n", humanize.Comma(int64(r.ok)), humanize.CommafWithDigits(float64(r.ok)/secs, 1))
	fmt.Printf("Items:       %s (%s items/s)\n", humanize.Comma(int64(r.items)), humanize.CommafWithDigits(float64(r.items)/secs, 1))
	fmt.Printf("Payload:     %s (%s/s)\n", humanize.IBytes(r.bytes), humanize.IBytes(uint64(float64(r.bytes)/secs)))
	if len(r.latencies) > 0 {
		fmt.Printf("%-8s %10s %10s %10s %10s %10s\n", "Latency", "p50", "p90", "p99", "p99.9", "max")
		fmt.Printf("%-8s %10s %10s %10s %10s %10s\n", "",
			percentile(r.latencies, 50), percentile(r.latencies, 90), percentile(r.latencies, 99),
			percentile(r.latencies, 99.9), r.latencies[len(r.latencies)-1])
	}
	for _, kind := range slices.Sorted(maps.Keys(r.failures)) {
		fmt.Printf("Failed:      %d %s\n", r.failures[kind], kind)
	}
}

// percentile returns the nearest-rank percentile of sorted.
func percentile(sorted []time.Duration, p float64) time.Duration {
	if len(sorted) == 0 {
		return 0
	}
	rank := int(math.Ceil(p/100*float64(len(sorted)))) - 1
	rank = min(max(rank, 0), len(sorted)-1)
	return sorted[rank].Round(time.Microsecond)
}
