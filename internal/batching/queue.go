// Package batching groups individually submitted inference requests into
// size- and latency-bounded batches, stages them on per-shard devices and
// hands them to downstream callbacks.
package batching

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/samcharles93/batchd/internal/admission"
	"github.com/samcharles93/batchd/internal/device"
	"github.com/samcharles93/batchd/internal/logger"
	"github.com/samcharles93/batchd/internal/merge"
	"github.com/samcharles93/batchd/internal/metrics"
)

const tracerName = "github.com/samcharles93/batchd/internal/batching"

// State is the queue lifecycle stage.
type State int32

const (
	Running State = iota
	Stopping
	Stopped
)

func (s State) String() string {
	switch s {
	case Running:
		return "running"
	case Stopping:
		return "stopping"
	case Stopped:
		return "stopped"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Option customises a Queue.
type Option func(*options)

type options struct {
	devices  []device.Device
	registry *merge.Registry
	log      logger.Logger
	metrics  *metrics.Collector
	tracer   trace.Tracer
}

// WithDevices supplies one device per shard. The queue does not close
// devices it did not open.
func WithDevices(devs []device.Device) Option {
	return func(o *options) { o.devices = devs }
}

// WithRegistry supplies the merge registry. Config.Merge is bound onto it.
func WithRegistry(r *merge.Registry) Option {
	return func(o *options) { o.registry = r }
}

func WithLogger(l logger.Logger) Option {
	return func(o *options) { o.log = l }
}

func WithMetrics(c *metrics.Collector) Option {
	return func(o *options) { o.metrics = c }
}

func WithTracer(t trace.Tracer) Option {
	return func(o *options) { o.tracer = t }
}

// Queue is the batching engine. It is safe for concurrent use.
type Queue struct {
	cfg       Config
	callbacks []Callback
	authority admission.Authority
	registry  *merge.Registry
	devices   []device.Device
	ownsDevs  bool
	log       logger.Logger
	metrics   *metrics.Collector
	tracer    trace.Tracer

	ingress    ingress
	shards     []chan *draft
	rejections *rejectionPool
	turns      []*turnstile
	next       int      // cutter-owned round-robin cursor
	dispatched []uint64 // cutter-owned per-shard sequence

	state    atomic.Int32
	cancel   context.CancelFunc
	group    *errgroup.Group
	stopOnce sync.Once

	pending          atomic.Int64
	inflight         atomic.Int64
	submitted        atomic.Uint64
	batches          atomic.Uint64
	callbackFailures atomic.Uint64
	failures         [len(failureKinds)]atomic.Uint64
}

// New builds a queue over shards shards and starts its loops. callbacks run
// on every completed batch in order. authority may be nil to disable
// admission control.
func New(callbacks []Callback, cfg Config, shards int, authority admission.Authority, opts ...Option) (*Queue, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("batching config: %w", err)
	}
	if shards <= 0 {
		return nil, fmt.Errorf("batching: shard count must be > 0, got %d", shards)
	}
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	if o.log == nil {
		o.log = logger.Discard()
	}
	if o.tracer == nil {
		o.tracer = otel.Tracer(tracerName)
	}
	if o.registry == nil {
		o.registry = merge.NewRegistry()
	}
	if err := o.registry.Bind(cfg.Merge); err != nil {
		return nil, fmt.Errorf("batching: %w", err)
	}

	q := &Queue{
		cfg:       cfg,
		callbacks: append([]Callback(nil), callbacks...),
		authority: authority,
		registry:  o.registry,
		devices:   o.devices,
		log:       o.log,
		metrics:   o.metrics,
		tracer:    o.tracer,
	}
	if q.devices == nil {
		devs, err := device.OpenAll(device.CPU, shards, 0)
		if err != nil {
			return nil, err
		}
		q.devices = devs
		q.ownsDevs = true
	}
	if len(q.devices) != shards {
		return nil, fmt.Errorf("batching: %d devices supplied for %d shards", len(q.devices), shards)
	}

	if cfg.Warmup != nil {
		if err := cfg.Warmup(context.Background()); err != nil {
			q.closeDevices()
			return nil, fmt.Errorf("batching warmup: %w", err)
		}
	}

	q.shards = make([]chan *draft, shards)
	q.turns = make([]*turnstile, shards)
	q.dispatched = make([]uint64, shards)
	for i := range q.shards {
		q.shards[i] = make(chan *draft, cfg.ShardQueueDepth)
		q.turns[i] = newTurnstile()
	}
	q.rejections = newRejectionPool(cfg.ExceptionThreads, q.log.With("component", "rejections"))

	ctx, cancel := context.WithCancel(context.Background())
	q.cancel = cancel
	q.group, ctx = errgroup.WithContext(ctx)
	q.group.Go(func() error { return q.runCutter(ctx) })
	pinners := cfg.pinners(shards)
	for w := range pinners {
		q.group.Go(func() error { return q.runPinner(ctx, w, w%shards) })
	}

	q.log.Info("batching queue started",
		"shards", shards,
		"pinners", pinners,
		"interval", cfg.BatchingInterval,
		"timeout", cfg.QueueTimeout,
		"max_batch", cfg.MaxBatchSize,
		"admission", authority != nil,
	)
	return q, nil
}

// Submit enqueues req and returns immediately. rc may be nil; a context may
// not be submitted twice. Submit never blocks and never fails synchronously:
// every problem is reported through the returned Future.
func (q *Queue) Submit(req *Request, rc *RequestContext) *Future {
	s := newSink()
	s.onDone = q.observe
	f := &Future{s: s}
	q.submitted.Add(1)
	q.metrics.Submitted()

	if rc == nil {
		rc = &RequestContext{}
	}
	if rc.sink != nil {
		s.resolve(nil, newError(ErrInvalidRequest, rc.RequestID, errors.New("request context already submitted")))
		return f
	}
	if req != nil {
		if rc.RequestID == "" {
			rc.RequestID = req.ID
		}
		if rc.BatchSize == 0 {
			rc.BatchSize = req.BatchSize
		}
	}
	rc.sink = s
	rc.EnqueuedAt = time.Now()
	e := &entry{req: req, rc: rc, sink: s, enqueued: rc.EnqueuedAt}

	if q.State() != Running {
		s.resolve(nil, newError(ErrShutdown, rc.RequestID, nil))
		return f
	}
	if err := q.validate(req, rc); err != nil {
		q.reject([]*entry{e}, ErrInvalidRequest, err)
		return f
	}
	n := q.pending.Add(1)
	if q.cfg.MaxPending > 0 && n > int64(q.cfg.MaxPending) {
		q.pending.Add(-1)
		q.reject([]*entry{e}, ErrResourceExhausted, fmt.Errorf("%d requests pending", q.cfg.MaxPending))
		return f
	}
	if !q.ingress.push(e) {
		q.pending.Add(-1)
		s.resolve(nil, newError(ErrShutdown, rc.RequestID, nil))
		return f
	}
	q.metrics.SetPending(n)
	return f
}

func (q *Queue) validate(req *Request, rc *RequestContext) error {
	if req == nil {
		return errors.New("nil request")
	}
	if rc.BatchSize < 1 || rc.BatchSize > q.cfg.MaxBatchSize {
		return fmt.Errorf("batch size %d outside [1, %d]", rc.BatchSize, q.cfg.MaxBatchSize)
	}
	for name, t := range req.Features {
		if t == nil {
			return fmt.Errorf("feature %q is nil", name)
		}
		if !t.OnHost() {
			return fmt.Errorf("feature %q is not a host tensor", name)
		}
	}
	return nil
}

// reject fails entries through the rejection pool.
func (q *Queue) reject(entries []*entry, kind, cause error) {
	if len(entries) == 0 {
		return
	}
	q.metrics.Failed(KindName(kind), len(entries))
	q.rejections.submit(func() {
		for _, e := range entries {
			e.sink.complete(nil, newError(kind, e.rc.RequestID, cause))
		}
	})
}

// observe runs once per resolved request.
func (q *Queue) observe(err error) {
	if err == nil {
		return
	}
	kind := KindOf(err)
	for i, k := range failureKinds {
		if k == kind {
			q.failures[i].Add(1)
			return
		}
	}
}

// Stop halts every loop, fails all requests that have not reached a
// callback with ErrShutdown and returns once they are resolved. Batches
// already handed to callbacks finish normally. Stop is idempotent and must
// not be called from a callback.
func (q *Queue) Stop() {
	q.stopOnce.Do(func() {
		q.state.Store(int32(Stopping))
		q.log.Info("batching queue stopping", "pending", q.pending.Load())

		q.cancel()
		if err := q.group.Wait(); err != nil {
			q.log.Error("batching loop exited with error", "error", err)
		}

		residual := q.ingress.close()
		q.pending.Add(-int64(len(residual)))
		q.reject(residual, ErrShutdown, nil)
		for i, ch := range q.shards {
			q.drainShard(ch)
			q.metrics.SetShardDepth(i, 0)
		}
		q.metrics.SetPending(q.pending.Load())

		q.rejections.stop()
		q.closeDevices()
		q.state.Store(int32(Stopped))
		q.log.Info("batching queue stopped")
	})
}

func (q *Queue) drainShard(ch chan *draft) {
	for {
		select {
		case d := <-ch:
			q.reject(d.entries, ErrShutdown, nil)
		default:
			return
		}
	}
}

func (q *Queue) closeDevices() {
	if !q.ownsDevs {
		return
	}
	for _, d := range q.devices {
		if err := d.Close(); err != nil {
			q.log.Warn("close device", "device", d.Index(), "error", err)
		}
	}
}

func (q *Queue) State() State { return State(q.state.Load()) }

// Shards is the number of dispatch queues.
func (q *Queue) Shards() int { return len(q.shards) }

func (q *Queue) Config() Config { return q.cfg }

// Stats is a point-in-time view of the queue.
type Stats struct {
	State            string            `json:"state"`
	Shards           int               `json:"shards"`
	Submitted        uint64            `json:"submitted"`
	Pending          int64             `json:"pending"`
	Ingress          int               `json:"ingress"`
	ShardDepth       []int             `json:"shard_depth"`
	Batches          uint64            `json:"batches"`
	InFlight         int64             `json:"in_flight"`
	CallbackFailures uint64            `json:"callback_failures"`
	RejectionBacklog int               `json:"rejection_backlog"`
	Failures         map[string]uint64 `json:"failures"`
}

func (q *Queue) Stats() Stats {
	st := Stats{
		State:            q.State().String(),
		Shards:           len(q.shards),
		Submitted:        q.submitted.Load(),
		Pending:          q.pending.Load(),
		Ingress:          q.ingress.len(),
		ShardDepth:       make([]int, len(q.shards)),
		Batches:          q.batches.Load(),
		InFlight:         q.inflight.Load(),
		CallbackFailures: q.callbackFailures.Load(),
		RejectionBacklog: q.rejections.backlog(),
		Failures:         make(map[string]uint64, len(failureKinds)),
	}
	for i, ch := range q.shards {
		st.ShardDepth[i] = len(ch)
	}
	for i, k := range failureKinds {
		if n := q.failures[i].Load(); n > 0 {
			st.Failures[KindName(k)] = n
		}
	}
	return st
}
