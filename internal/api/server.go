// Package api exposes a batching queue over HTTP.
package api

import (
	"context"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/labstack/echo/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/samcharles93/batchd/internal/batching"
	"github.com/samcharles93/batchd/internal/logger"
	"github.com/samcharles93/batchd/internal/metrics"
	"github.com/samcharles93/batchd/internal/version"
)

const defaultMaxBodyBytes = 32 << 20

// Queue is the part of batching.Queue the server needs.
type Queue interface {
	Submit(req *batching.Request, rc *batching.RequestContext) *batching.Future
	Stats() batching.Stats
	State() batching.State
}

type Server struct {
	queue        Queue
	log          logger.Logger
	metrics      *metrics.Collector
	gatherer     prometheus.Gatherer
	waitTimeout  time.Duration
	maxBodyBytes int64
}

type Option func(*Server)

func WithLogger(l logger.Logger) Option {
	return func(s *Server) { s.log = l }
}

// WithMetrics records per-route request metrics on c and serves g on /metrics.
func WithMetrics(c *metrics.Collector, g prometheus.Gatherer) Option {
	return func(s *Server) {
		s.metrics = c
		s.gatherer = g
	}
}

// WithWaitTimeout bounds how long a handler waits for its request to
// resolve. Zero waits until the queue answers or the client goes away.
func WithWaitTimeout(d time.Duration) Option {
	return func(s *Server) { s.waitTimeout = d }
}

func WithMaxBodyBytes(n int64) Option {
	return func(s *Server) {
		if n > 0 {
			s.maxBodyBytes = n
		}
	}
}

func NewServer(queue Queue, opts ...Option) *Server {
	s := &Server{queue: queue, maxBodyBytes: defaultMaxBodyBytes}
	for _, opt := range opts {
		opt(s)
	}
	s.log = logger.Component(s.log, "api")
	return s
}

func (s *Server) Register(e *echo.Echo) {
	e.POST("/v1/infer", s.route("/v1/infer", s.handleInfer))
	e.GET("/v1/stats", s.route("/v1/stats", s.handleStats))
	e.GET("/healthz", s.route("/healthz", s.handleHealth))
	e.GET("/metrics", s.route("/metrics", s.handleMetrics))
}

// handler returns the status it wrote so route can record it.
type handler func(c *echo.Context) (int, error)

func (s *Server) route(name string, h handler) func(*echo.Context) error {
	return func(c *echo.Context) error {
		start := time.Now()
		status, err := h(c)
		s.metrics.ObserveHTTP(c.Request().Method, name, status, time.Since(start))
		return err
	}
}

func (s *Server) handleInfer(c *echo.Context) (int, error) {
	start := time.Now()
	body, err := io.ReadAll(http.MaxBytesReader(c.Response(), c.Request().Body, s.maxBodyBytes))
	if err != nil {
		return s.fail(c, "", err)
	}
	req, err := decodeJSON[InferRequest](body)
	if err != nil {
		return s.fail(c, "", newInvalidRequest("decode request: "+err.Error()))
	}
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	if req.BatchSize < 0 {
		return s.fail(c, req.ID, newInvalidRequest("batch_size must not be negative"))
	}
	features, batchSize, err := decodeInputs(req.Inputs, req.BatchSize)
	if err != nil {
		return s.fail(c, req.ID, err)
	}

	rc := &batching.RequestContext{RequestID: req.ID, BatchSize: batchSize, Metadata: req.Metadata}
	future := s.queue.Submit(&batching.Request{ID: req.ID, Features: features, BatchSize: batchSize}, rc)

	ctx := c.Request().Context()
	if s.waitTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.waitTimeout)
		defer cancel()
	}
	resp, err := future.Wait(ctx)
	if err != nil {
		return s.fail(c, req.ID, err)
	}
	outputs, err := encodeOutputs(resp.Outputs)
	if err != nil {
		return s.fail(c, req.ID, err)
	}
	return s.reply(c, http.StatusOK, InferResponse{
		ID:        req.ID,
		Outputs:   outputs,
		LatencyMS: float64(time.Since(start).Microseconds()) / 1000,
	})
}

func (s *Server) handleStats(c *echo.Context) (int, error) {
	return s.reply(c, http.StatusOK, StatsResponse{Stats: s.queue.Stats(), Version: version.String()})
}

func (s *Server) handleHealth(c *echo.Context) (int, error) {
	state := s.queue.State()
	if state != batching.Running {
		return s.reply(c, http.StatusServiceUnavailable, HealthResponse{Status: "unavailable", State: state.String()})
	}
	return s.reply(c, http.StatusOK, HealthResponse{Status: "ok", State: state.String()})
}

func (s *Server) handleMetrics(c *echo.Context) (int, error) {
	if s.gatherer == nil {
		return s.reply(c, http.StatusNotFound, ErrorResponse{Error: ResponseError{
			Message: "metrics are disabled",
			Type:    "not_found",
			Code:    http.StatusNotFound,
		}})
	}
	promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}).ServeHTTP(c.Response(), c.Request())
	return http.StatusOK, nil
}

func (s *Server) fail(c *echo.Context, id string, err error) (int, error) {
	status, typ := statusFor(err)
	if tooLarge := (*http.MaxBytesError)(nil); errors.As(err, &tooLarge) {
		status, typ = http.StatusRequestEntityTooLarge, "invalid_request"
	}
	if status >= http.StatusInternalServerError && status != http.StatusServiceUnavailable {
		s.log.Warn("request failed", "request", id, "status", status, "error", err)
	} else {
		s.log.Debug("request rejected", "request", id, "status", status, "error", err)
	}
	return s.reply(c, status, ErrorResponse{Error: ResponseError{Message: err.Error(), Type: typ, Code: status}})
}

func (s *Server) reply(c *echo.Context, status int, v any) (int, error) {
	res := c.Response()
	res.Header().Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	res.WriteHeader(status)
	return status, json.NewEncoder(res).Encode(v)
}
