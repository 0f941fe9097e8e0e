package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/labstack/echo/v5"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/samcharles93/batchd/internal/batching"
	"github.com/samcharles93/batchd/internal/inference"
	"github.com/samcharles93/batchd/internal/logger"
	"github.com/samcharles93/batchd/internal/metrics"
)

func newTestQueue(t *testing.T) *batching.Queue {
	t.Helper()
	cfg := batching.DefaultConfig()
	cfg.BatchingInterval = 2 * time.Millisecond
	cfg.QueueTimeout = 20 * time.Millisecond
	cfg.MaxBatchSize = 4
	q, err := batching.New([]batching.Callback{inference.Callback(inference.Passthrough{}, logger.Discard())}, cfg, 1, nil)
	if err != nil {
		t.Fatalf("new queue: %v", err)
	}
	t.Cleanup(q.Stop)
	return q
}

func newTestEcho(q Queue, opts ...Option) *echo.Echo {
	e := echo.New()
	NewServer(q, opts...).Register(e)
	return e
}

func doJSON(t *testing.T, e *echo.Echo, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) ResponseError {
	t.Helper()
	var out ErrorResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode error body %q: %v", rec.Body.String(), err)
	}
	return out.Error
}

func TestInferRoundTrip(t *testing.T) {
	t.Parallel()

	e := newTestEcho(newTestQueue(t))
	rec := doJSON(t, e, http.MethodPost, "/v1/infer",
		`{"id":"r1","inputs":{"x":{"dtype":"f32","shape":[2,2],"data":[1,2,3,4]},"ids":{"dtype":"i64","shape":[2],"data":[7,8]}}}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status: got %d body=%s", rec.Code, rec.Body.String())
	}
	var resp InferResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.ID != "r1" {
		t.Fatalf("id: got %q", resp.ID)
	}
	x := resp.Outputs["x"]
	if x.DType != "f32" || fmt.Sprint(x.Shape) != "[2 2]" || fmt.Sprint(x.Data) != "[1 2 3 4]" {
		t.Fatalf("unexpected x output: %+v", x)
	}
	ids := resp.Outputs["ids"]
	if ids.DType != "i64" || fmt.Sprint(ids.Data) != "[7 8]" {
		t.Fatalf("unexpected ids output: %+v", ids)
	}
}

func TestInferAssignsID(t *testing.T) {
	t.Parallel()

	e := newTestEcho(newTestQueue(t))
	rec := doJSON(t, e, http.MethodPost, "/v1/infer", `{"inputs":{"x":{"dtype":"f32","shape":[1,1],"data":[5]}}}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status: got %d body=%s", rec.Code, rec.Body.String())
	}
	var resp InferResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if len(resp.ID) != 36 {
		t.Fatalf("expected a uuid id, got %q", resp.ID)
	}
}

func TestInferValidation(t *testing.T) {
	t.Parallel()

	e := newTestEcho(newTestQueue(t))
	cases := []struct {
		name string
		body string
		want string
	}{
		{"malformed", `{"inputs":`, "decode request"},
		{"unknown field", `{"inputs":{},"model":"x"}`, "decode request"},
		{"empty inputs", `{"inputs":{}}`, "inputs must not be empty"},
		{"bad dtype", `{"inputs":{"x":{"dtype":"q4","shape":[1],"data":[1]}}}`, "unknown dtype"},
		{"scalar", `{"inputs":{"x":{"dtype":"f32","shape":[],"data":[1]}}}`, "at least one dimension"},
		{"length mismatch", `{"inputs":{"x":{"dtype":"f32","shape":[2],"data":[1]}}}`, "needs 8 bytes"},
		{"negative batch", `{"batch_size":-1,"inputs":{"x":{"dtype":"f32","shape":[1],"data":[1]}}}`, "must not be negative"},
		{"oversized batch", `{"inputs":{"x":{"dtype":"f32","shape":[5],"data":[1,2,3,4,5]}}}`, "outside [1, 4]"},
	}
	for _, tc := range cases {
		rec := doJSON(t, e, http.MethodPost, "/v1/infer", tc.body)
		if rec.Code != http.StatusBadRequest {
			t.Fatalf("%s: expected 400, got %d body=%s", tc.name, rec.Code, rec.Body.String())
		}
		got := decodeError(t, rec)
		if got.Type != "invalid_request" || !strings.Contains(got.Message, tc.want) {
			t.Fatalf("%s: unexpected error %+v", tc.name, got)
		}
	}
}

// failingQueue fails every request with err from inside the callback.
func failingQueue(t *testing.T, err error) *batching.Queue {
	t.Helper()
	cfg := batching.DefaultConfig()
	cfg.BatchingInterval = time.Millisecond
	cfg.QueueTimeout = 5 * time.Millisecond
	q, qerr := batching.New([]batching.Callback{func(_ context.Context, b *batching.Batch) error {
		for _, rc := range b.Contexts() {
			rc.Fail(err)
		}
		return nil
	}}, cfg, 1, nil)
	if qerr != nil {
		t.Fatalf("new queue: %v", qerr)
	}
	t.Cleanup(q.Stop)
	return q
}

func TestInferErrorStatus(t *testing.T) {
	t.Parallel()

	cases := []struct {
		err    error
		status int
		typ    string
	}{
		{&batching.Error{Kind: batching.ErrTimeout}, http.StatusGatewayTimeout, "timeout"},
		{&batching.Error{Kind: batching.ErrResourceExhausted}, http.StatusServiceUnavailable, "resource_exhausted"},
		{&batching.Error{Kind: batching.ErrMerge}, http.StatusUnprocessableEntity, "merge"},
		{&batching.Error{Kind: batching.ErrShutdown}, http.StatusServiceUnavailable, "shutdown"},
		{&batching.Error{Kind: batching.ErrDevice}, http.StatusInternalServerError, "device"},
		{errors.New("engine exploded"), http.StatusInternalServerError, "other"},
	}
	for _, tc := range cases {
		e := newTestEcho(failingQueue(t, tc.err))
		rec := doJSON(t, e, http.MethodPost, "/v1/infer", `{"inputs":{"x":{"dtype":"f32","shape":[1],"data":[1]}}}`)
		if rec.Code != tc.status {
			t.Fatalf("%v: expected %d, got %d body=%s", tc.err, tc.status, rec.Code, rec.Body.String())
		}
		if got := decodeError(t, rec); got.Type != tc.typ || got.Code != tc.status {
			t.Fatalf("%v: unexpected error %+v", tc.err, got)
		}
	}
}

func TestInferWaitTimeout(t *testing.T) {
	t.Parallel()

	cfg := batching.DefaultConfig()
	cfg.BatchingInterval = time.Millisecond
	release := make(chan struct{})
	q, err := batching.New([]batching.Callback{func(context.Context, *batching.Batch) error {
		<-release
		return nil
	}}, cfg, 1, nil)
	if err != nil {
		t.Fatalf("new queue: %v", err)
	}
	t.Cleanup(func() {
		close(release)
		q.Stop()
	})

	e := newTestEcho(q, WithWaitTimeout(20*time.Millisecond))
	rec := doJSON(t, e, http.MethodPost, "/v1/infer", `{"batch_size":1,"inputs":{"x":{"dtype":"f32","shape":[1],"data":[1]}}}`)
	if rec.Code != http.StatusGatewayTimeout {
		t.Fatalf("expected 504, got %d body=%s", rec.Code, rec.Body.String())
	}
}

func TestBodyLimit(t *testing.T) {
	t.Parallel()

	e := newTestEcho(newTestQueue(t), WithMaxBodyBytes(16))
	rec := doJSON(t, e, http.MethodPost, "/v1/infer", `{"inputs":{"x":{"dtype":"f32","shape":[1],"data":[1]}}}`)
	if rec.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("expected 413, got %d body=%s", rec.Code, rec.Body.String())
	}
}

func TestHealthAndStats(t *testing.T) {
	t.Parallel()

	q := newTestQueue(t)
	e := newTestEcho(q)

	rec := doJSON(t, e, http.MethodGet, "/healthz", "")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"state":"running"`) {
		t.Fatalf("healthz: got %d body=%s", rec.Code, rec.Body.String())
	}

	doJSON(t, e, http.MethodPost, "/v1/infer", `{"inputs":{"x":{"dtype":"f32","shape":[1],"data":[1]}}}`)
	rec = doJSON(t, e, http.MethodGet, "/v1/stats", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("stats: got %d body=%s", rec.Code, rec.Body.String())
	}
	var stats StatsResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &stats); err != nil {
		t.Fatalf("decode stats: %v", err)
	}
	if stats.Submitted != 1 || stats.Batches != 1 || stats.Shards != 1 || stats.Version == "" {
		t.Fatalf("unexpected stats: %+v", stats)
	}

	q.Stop()
	rec = doJSON(t, e, http.MethodGet, "/healthz", "")
	if rec.Code != http.StatusServiceUnavailable || !strings.Contains(rec.Body.String(), `"state":"stopped"`) {
		t.Fatalf("healthz after stop: got %d body=%s", rec.Code, rec.Body.String())
	}
	rec = doJSON(t, e, http.MethodPost, "/v1/infer", `{"inputs":{"x":{"dtype":"f32","shape":[1],"data":[1]}}}`)
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("infer after stop: got %d body=%s", rec.Code, rec.Body.String())
	}
}

func TestMetricsEndpoint(t *testing.T) {
	t.Parallel()

	e := newTestEcho(newTestQueue(t))
	if rec := doJSON(t, e, http.MethodGet, "/metrics", ""); rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 without a gatherer, got %d", rec.Code)
	}

	reg := prometheus.NewRegistry()
	e = newTestEcho(newTestQueue(t), WithMetrics(metrics.New(reg), reg))
	doJSON(t, e, http.MethodGet, "/healthz", "")
	rec := doJSON(t, e, http.MethodGet, "/metrics", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("metrics: got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `batchd_http_requests_total{method="GET",route="/healthz",status="200"} 1`) {
		t.Fatalf("missing http metric:\n%s", rec.Body.String())
	}
}
