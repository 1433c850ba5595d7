package api

import (
	"github.com/pulsewatch/pulsewatch/internal/scheduler"
	"github.com/pulsewatch/pulsewatch/pkg/types"
)

// HealthResponse is the JSON body for GET /api/v1/health.
type HealthResponse struct {
	Status string `json:"status"`
	Time   string `json:"time"`
}

// StatusResponse is the JSON body for GET /api/v1/status.
type StatusResponse struct {
	Scheduler scheduler.Status   `json:"scheduler"`
	Counters  map[string]float64 `json:"counters,omitempty"`
}

// DependencyRequest is the JSON body for POST /api/v1/dependencies.
type DependencyRequest struct {
	Source       string             `json:"source"`
	Target       string             `json:"target"`
	Relationship types.Relationship `json:"relationship"`
	IsRequired   bool               `json:"isRequired"`
}

type errorResponse struct {
	Error string `json:"error"`
}
