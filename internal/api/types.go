package api

import "github.com/samcharles93/batchd/internal/batching"

// Tensor is the JSON form of a tensor. Data holds the elements in row-major
// order.
type Tensor struct {
	DType string    `json:"dtype"`
	Shape []int     `json:"shape"`
	Data  []float64 `json:"data"`
}

type InferRequest struct {
	ID string `json:"id,omitempty"`
	// BatchSize is the item count of the request. When zero it is taken from
	// the leading dimension of the inputs.
	BatchSize int               `json:"batch_size,omitempty"`
	Inputs    map[string]Tensor `json:"inputs"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

type InferResponse struct {
	ID        string            `json:"id"`
	Outputs   map[string]Tensor `json:"outputs"`
	LatencyMS float64           `json:"latency_ms"`
}

type HealthResponse struct {
	Status string `json:"status"`
	State  string `json:"state"`
}

type StatsResponse struct {
	batching.Stats
	Version string `json:"version,omitempty"`
}

type ResponseError struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Code    int    `json:"code"`
}

type ErrorResponse struct {
	Error ResponseError `json:"error"`
}
