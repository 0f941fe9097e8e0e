package batching

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/oklog/ulid/v2"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	"github.com/samcharles93/batchd/internal/admission"
	"github.com/samcharles93/batchd/internal/device"
	"github.com/samcharles93/batchd/internal/logger"
	"github.com/samcharles93/batchd/internal/tensor"
)

// Callback consumes a completed batch. Callbacks run in registration order
// on the pinning worker. A returned error or panic is logged and does not
// affect later callbacks.
type Callback func(ctx context.Context, b *Batch) error

type pinner struct {
	q      *Queue
	shard  int
	dev    device.Device
	log    logger.Logger
	denied rate.Sometimes
}

// runPinner serves one shard's dispatch queue until ctx ends. Cancellation
// is observed between drafts only.
func (q *Queue) runPinner(ctx context.Context, worker, shard int) error {
	p := &pinner{
		q:      q,
		shard:  shard,
		dev:    q.devices[shard],
		log:    q.log.With("component", "pinner", "worker", worker, "shard", shard),
		denied: rate.Sometimes{Interval: time.Second},
	}
	in := q.shards[shard]
	for ctx.Err() == nil {
		select {
		case <-ctx.Done():
			return nil
		case d := <-in:
			q.metrics.SetShardDepth(shard, len(in))
			p.process(ctx, d)
		}
	}
	return nil
}

func (p *pinner) process(ctx context.Context, d *draft) {
	q := p.q
	start := time.Now()
	for _, e := range d.entries {
		q.metrics.ObserveQueueWait(start.Sub(e.enqueued))
	}

	inputs, err := p.merge(d)
	turn := q.turns[p.shard]
	turn.enter(d.seq)
	if err != nil {
		turn.leave()
		p.log.Debug("merge failed", "requests", len(d.entries), "error", err)
		q.reject(d.entries, ErrMerge, err)
		return
	}
	b := p.stage(ctx, d, inputs, start)
	if b != nil {
		p.deliver(ctx, b)
	}
	turn.leave()
	if b != nil {
		b.Release()
	}
}

// stage admits and uploads a merged draft and wraps it in a Batch holding
// one reference. On failure the draft is rejected and stage returns nil.
func (p *pinner) stage(ctx context.Context, d *draft, inputs map[string]*tensor.Tensor, start time.Time) *Batch {
	q := p.q
	guard, err := p.admit(ctx, d)
	if err != nil {
		kind := ErrResourceExhausted
		if ctx.Err() != nil {
			kind = ErrShutdown
		} else {
			p.denied.Do(func() {
				p.log.Warn("admission denied", "items", d.items, "error", err)
			})
		}
		q.reject(d.entries, kind, err)
		return nil
	}

	features, ev, err := p.transfer(inputs)
	if err != nil {
		guard.Release()
		p.log.Error("device transfer failed", "error", err)
		q.reject(d.entries, ErrDevice, err)
		return nil
	}

	b := &Batch{
		id:        ulid.Make(),
		shard:     p.shard,
		items:     d.items,
		inputs:    inputs,
		features:  features,
		event:     ev,
		guard:     guard,
		createdAt: time.Now(),
		finalize:  p.finalize,
	}
	b.contexts = make([]*RequestContext, len(d.entries))
	for i, e := range d.entries {
		b.contexts[i] = e.rc
	}
	b.refs.Store(1)
	q.inflight.Add(1)
	q.batches.Add(1)
	q.metrics.BatchFormed(b.items, b.Bytes())
	q.metrics.SetInFlight(q.inflight.Load())
	p.log.Debug("batch ready",
		"batch", b.id.String(),
		"items", b.items,
		"requests", len(b.contexts),
		"size", humanize.IBytes(uint64(b.Bytes())),
		"elapsed", time.Since(start),
	)
	return b
}

// turnstile lets the workers of one shard admit, upload and deliver drafts
// strictly in dispatch order. Merging still runs in parallel.
type turnstile struct {
	mu   sync.Mutex
	cond *sync.Cond
	next uint64
}

func newTurnstile() *turnstile {
	t := &turnstile{}
	t.cond = sync.NewCond(&t.mu)
	return t
}

// enter blocks until every draft dispatched before seq has left. Drafts are
// popped in dispatch order, so an earlier draft is always being processed.
func (t *turnstile) enter(seq uint64) {
	t.mu.Lock()
	for t.next != seq {
		t.cond.Wait()
	}
	t.mu.Unlock()
}

func (t *turnstile) leave() {
	t.mu.Lock()
	t.next++
	t.mu.Unlock()
	t.cond.Broadcast()
}

// merge combines each feature across the draft in entry order. Every entry
// must supply every feature.
func (p *pinner) merge(d *draft) (map[string]*tensor.Tensor, error) {
	names := make(map[string]struct{})
	for _, e := range d.entries {
		for name := range e.req.Features {
			names[name] = struct{}{}
		}
	}
	out := make(map[string]*tensor.Tensor, len(names))
	for _, name := range slices.Sorted(maps.Keys(names)) {
		parts := make([]*tensor.Tensor, len(d.entries))
		for i, e := range d.entries {
			t, ok := e.req.Features[name]
			if !ok {
				return nil, fmt.Errorf("request %s is missing feature %q", e.rc.RequestID, name)
			}
			parts[i] = t
		}
		merged, err := p.q.registry.Merge(name, parts)
		if err != nil {
			return nil, err
		}
		out[name] = merged
	}
	return out, nil
}

func (p *pinner) admit(ctx context.Context, d *draft) (*admission.Guard, error) {
	if p.q.authority == nil {
		return nil, nil
	}
	start := time.Now()
	guard, err := p.q.authority.Occupy(ctx, p.shard, int64(d.items), p.q.cfg.AdmissionWait)
	p.q.metrics.ObserveAdmissionWait(time.Since(start))
	if err == nil && guard == nil {
		err = errors.New("authority returned neither guard nor error")
	}
	return guard, err
}

// transfer pins and uploads every merged feature, then records the event
// marking completion of the uploads. On error nothing stays allocated.
func (p *pinner) transfer(inputs map[string]*tensor.Tensor) (map[string]*tensor.Tensor, device.Event, error) {
	features := make(map[string]*tensor.Tensor, len(inputs))
	fail := func(err error) (map[string]*tensor.Tensor, device.Event, error) {
		for _, t := range features {
			_ = p.dev.Free(t)
		}
		return nil, nil, err
	}
	for _, name := range slices.Sorted(maps.Keys(inputs)) {
		pinned, err := p.dev.Pin(inputs[name])
		if err != nil {
			return fail(fmt.Errorf("pin %q: %w", name, err))
		}
		up, err := p.dev.Upload(pinned)
		if err != nil {
			_ = p.dev.Free(pinned)
			return fail(fmt.Errorf("upload %q: %w", name, err))
		}
		features[name] = up
	}

	var ev device.Event
	var err error
	if p.q.cfg.NewEvent != nil {
		ev, err = p.q.cfg.NewEvent(p.shard)
	} else {
		ev, err = p.dev.NewEvent()
	}
	if err != nil {
		return fail(fmt.Errorf("create event: %w", err))
	}
	if err := p.dev.Record(ev); err != nil {
		return fail(fmt.Errorf("record event: %w", err))
	}
	return features, ev, nil
}

// deliver runs every callback in order. Callbacks get a context that
// survives queue shutdown so in-flight batches complete.
func (p *pinner) deliver(ctx context.Context, b *Batch) {
	ctx, span := p.q.tracer.Start(context.WithoutCancel(ctx), "batching.deliver",
		trace.WithAttributes(
			attribute.String("batch.id", b.id.String()),
			attribute.Int("batch.shard", b.shard),
			attribute.Int("batch.items", b.items),
			attribute.Int("batch.requests", len(b.contexts)),
		),
	)
	defer span.End()
	ctx = logger.WithContext(ctx, p.log)

	for i, cb := range p.q.callbacks {
		if err := invoke(ctx, cb, b); err != nil {
			p.q.callbackFailures.Add(1)
			p.q.metrics.CallbackFailed()
			span.RecordError(err, trace.WithAttributes(attribute.Int("callback", i)))
			span.SetStatus(codes.Error, err.Error())
			p.log.Error("batch callback failed", "callback", i, "batch", b.id.String(), "error", err)
		}
	}
}

func invoke(ctx context.Context, cb Callback, b *Batch) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("callback panic: %v", rec)
		}
	}()
	return cb(ctx, b)
}

// finalize runs on the last Release of a batch.
func (p *pinner) finalize(b *Batch) {
	q := p.q
	for _, t := range b.features {
		if err := p.dev.Free(t); err != nil {
			p.log.Warn("free device buffer", "batch", b.id.String(), "error", err)
		}
	}
	b.guard.Release()
	q.inflight.Add(-1)
	q.metrics.SetInFlight(q.inflight.Load())

	var unanswered []*RequestContext
	for _, rc := range b.contexts {
		if !rc.Resolved() {
			unanswered = append(unanswered, rc)
		}
	}
	if len(unanswered) == 0 {
		return
	}
	p.log.Warn("batch released with unresolved requests", "batch", b.id.String(), "count", len(unanswered))
	q.metrics.Failed(KindName(ErrUnanswered), len(unanswered))
	q.rejections.submit(func() {
		for _, rc := range unanswered {
			rc.sink.resolve(nil, newError(ErrUnanswered, rc.RequestID, nil))
		}
	})
}
