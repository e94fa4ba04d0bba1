// Copyright 2025 FlowGrid
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package orchestrator

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Prometheus metrics for the orchestration core.
var (
	promRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "flowgrid_orchestrator_requests_total",
			Help: "Total number of API requests processed by the orchestrator",
		},
		[]string{"route", "status"},
	)
	promRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "flowgrid_orchestrator_request_duration_milliseconds",
			Help:    "API request duration in milliseconds",
			Buckets: []float64{10, 50, 100, 200, 500, 1000, 2000, 5000, 10000},
		},
		[]string{"route"},
	)
	promWorkflowsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "flowgrid_orchestrator_workflows_total",
			Help: "Workflow lifecycle transitions by outcome",
		},
		[]string{"outcome"},
	)
	promStepsQueued = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "flowgrid_orchestrator_steps_queued_total",
			Help: "Total number of step submissions enqueued to the dispatcher",
		},
	)
	promStepsCompleted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "flowgrid_orchestrator_steps_completed_total",
			Help: "Total number of step executions by result",
		},
		[]string{"result"},
	)
	promStepDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "flowgrid_orchestrator_step_duration_milliseconds",
			Help:    "Agent step duration in milliseconds",
			Buckets: []float64{50, 100, 250, 500, 1000, 2500, 5000, 10000, 30000},
		},
	)
)

func init() {
	prometheus.MustRegister(promRequestsTotal)
	prometheus.MustRegister(promRequestDuration)
	prometheus.MustRegister(promWorkflowsTotal)
	prometheus.MustRegister(promStepsQueued)
	prometheus.MustRegister(promStepsCompleted)
	prometheus.MustRegister(promStepDuration)
}

// MetricsSnapshot is the JSON /metrics view, a coarse complement to the
// native Prometheus endpoint.
type MetricsSnapshot struct {
	UptimeSeconds   int64 `json:"uptime_seconds"`
	TotalRequests   int64 `json:"total_requests"`
	SuccessRequests int64 `json:"success_requests"`
	FailedRequests  int64 `json:"failed_requests"`
	AuthFailures    int64 `json:"auth_failures"`
	RateLimited     int64 `json:"rate_limited"`
}

// MetricsCollector keeps the coarse request counters behind /metrics.
type MetricsCollector struct {
	mu              sync.RWMutex
	startTime       time.Time
	totalRequests   int64
	successRequests int64
	failedRequests  int64
	authFailures    int64
	rateLimited     int64
}

// NewMetricsCollector starts a collector anchored at now.
func NewMetricsCollector() *MetricsCollector {
	return &MetricsCollector{startTime: time.Now()}
}

// RecordRequest tallies one API request outcome.
func (c *MetricsCollector) RecordRequest(statusCode int) {
	atomic.AddInt64(&c.totalRequests, 1)
	switch {
	case statusCode == 401 || statusCode == 403:
		atomic.AddInt64(&c.authFailures, 1)
		atomic.AddInt64(&c.failedRequests, 1)
	case statusCode == 429:
		atomic.AddInt64(&c.rateLimited, 1)
		atomic.AddInt64(&c.failedRequests, 1)
	case statusCode >= 400:
		atomic.AddInt64(&c.failedRequests, 1)
	default:
		atomic.AddInt64(&c.successRequests, 1)
	}
}

// Snapshot returns the current counters.
func (c *MetricsCollector) Snapshot() MetricsSnapshot {
	c.mu.RLock()
	start := c.startTime
	c.mu.RUnlock()
	return MetricsSnapshot{
		UptimeSeconds:   int64(time.Since(start).Seconds()),
		TotalRequests:   atomic.LoadInt64(&c.totalRequests),
		SuccessRequests: atomic.LoadInt64(&c.successRequests),
		FailedRequests:  atomic.LoadInt64(&c.failedRequests),
		AuthFailures:    atomic.LoadInt64(&c.authFailures),
		RateLimited:     atomic.LoadInt64(&c.rateLimited),
	}
}
