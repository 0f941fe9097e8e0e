package inference

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/samcharles93/batchd/internal/batching"
	"github.com/samcharles93/batchd/internal/logger"
	"github.com/samcharles93/batchd/internal/tensor"
)

type engineFunc func(ctx context.Context, b *batching.Batch) (map[string]*tensor.Tensor, error)

func (engineFunc) Name() string { return "test" }
func (f engineFunc) Run(ctx context.Context, b *batching.Batch) (map[string]*tensor.Tensor, error) {
	return f(ctx, b)
}

func startQueue(t *testing.T, engine Engine, maxBatch int) *batching.Queue {
	t.Helper()
	cfg := batching.DefaultConfig()
	cfg.BatchingInterval = 2 * time.Millisecond
	cfg.QueueTimeout = 50 * time.Millisecond
	cfg.MaxBatchSize = maxBatch
	cfg.PinnerThreads = 1
	cfg.Merge = map[string]string{"ragged": "pad"}
	q, err := batching.New([]batching.Callback{Callback(engine, logger.Discard())}, cfg, 1, nil)
	require.NoError(t, err)
	t.Cleanup(q.Stop)
	return q
}

func request(id string, rows int, base float32) *batching.Request {
	vals := make([]float32, rows*2)
	for i := range vals {
		vals[i] = base + float32(i)
	}
	return &batching.Request{
		ID:        id,
		BatchSize: rows,
		Features:  map[string]*tensor.Tensor{"x": tensor.FromFloat32([]int{rows, 2}, vals)},
	}
}

func await(t *testing.T, f *batching.Future) (*batching.Response, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	resp, err := f.Wait(ctx)
	require.NotErrorIs(t, err, context.DeadlineExceeded)
	return resp, err
}

func TestPassthroughSplitsOutputsPerRequest(t *testing.T) {
	t.Parallel()

	q := startQueue(t, Passthrough{}, 3)
	fa := q.Submit(request("a", 1, 0), nil)
	fb := q.Submit(request("b", 2, 10), nil)

	ra, err := await(t, fa)
	require.NoError(t, err)
	rb, err := await(t, fb)
	require.NoError(t, err)

	xa, err := ra.Outputs["x"].Float32()
	require.NoError(t, err)
	assert.Equal(t, []float32{0, 1}, xa)
	assert.Equal(t, []int{1, 2}, ra.Outputs["x"].Shape)

	xb, err := rb.Outputs["x"].Float32()
	require.NoError(t, err)
	assert.Equal(t, []float32{10, 11, 12, 13}, xb)
	assert.Equal(t, []int{2, 2}, rb.Outputs["x"].Shape)
}

func TestAffineEngine(t *testing.T) {
	t.Parallel()

	q := startQueue(t, Affine{Scale: 3, Bias: -1}, 1)
	req := request("a", 1, 1)
	req.Features["ids"] = tensor.FromInt64([]int{1}, []int64{42})

	resp, err := await(t, q.Submit(req, nil))
	require.NoError(t, err)
	x, err := resp.Outputs["x"].Float32()
	require.NoError(t, err)
	assert.Equal(t, []float32{2, 5}, x)
	assert.NotContains(t, resp.Outputs, "ids")
}

func TestPaddedFeatureMergesRaggedRequests(t *testing.T) {
	t.Parallel()

	q := startQueue(t, Passthrough{}, 2)
	short := &batching.Request{ID: "s", BatchSize: 1, Features: map[string]*tensor.Tensor{
		"ragged": tensor.FromFloat32([]int{1, 1}, []float32{7}),
	}}
	long := &batching.Request{ID: "l", BatchSize: 1, Features: map[string]*tensor.Tensor{
		"ragged": tensor.FromFloat32([]int{1, 3}, []float32{1, 2, 3}),
	}}
	fs := q.Submit(short, nil)
	fl := q.Submit(long, nil)

	rs, err := await(t, fs)
	require.NoError(t, err)
	_, err = await(t, fl)
	require.NoError(t, err)
	got, err := rs.Outputs["ragged"].Float32()
	require.NoError(t, err)
	assert.Equal(t, []float32{7, 0, 0}, got)
}

func TestEngineFailureFailsEveryRequest(t *testing.T) {
	t.Parallel()

	boom := errors.New("out of memory")
	q := startQueue(t, engineFunc(func(context.Context, *batching.Batch) (map[string]*tensor.Tensor, error) {
		return nil, boom
	}), 2)
	fa := q.Submit(request("a", 1, 0), nil)
	fb := q.Submit(request("b", 1, 0), nil)
	for _, f := range []*batching.Future{fa, fb} {
		_, err := await(t, f)
		assert.ErrorIs(t, err, boom)
	}
}

func TestEnginePanicIsContained(t *testing.T) {
	t.Parallel()

	q := startQueue(t, engineFunc(func(context.Context, *batching.Batch) (map[string]*tensor.Tensor, error) {
		panic("kernel launch failed")
	}), 1)
	_, err := await(t, q.Submit(request("a", 1, 0), nil))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "panic in test engine")

	assert.Eventually(t, func() bool { return q.Stats().CallbackFailures == 1 }, time.Second, time.Millisecond)
}

func TestOutputRowMismatchFails(t *testing.T) {
	t.Parallel()

	q := startQueue(t, engineFunc(func(context.Context, *batching.Batch) (map[string]*tensor.Tensor, error) {
		return map[string]*tensor.Tensor{"y": tensor.FromFloat32([]int{5}, make([]float32, 5))}, nil
	}), 1)
	_, err := await(t, q.Submit(request("a", 1, 0), nil))
	require.Error(t, err)
	assert.Contains(t, err.Error(), `output "y" has 5 rows for a batch of 1 items`)
}

func TestOpen(t *testing.T) {
	t.Parallel()

	for _, name := range []string{"", "echo", "Passthrough"} {
		e, err := Open(name)
		require.NoError(t, err)
		assert.Equal(t, "echo", e.Name())
	}
	e, err := Open("affine")
	require.NoError(t, err)
	assert.Equal(t, "affine", e.Name())
	_, err = Open("llama")
	assert.Error(t, err)
}
