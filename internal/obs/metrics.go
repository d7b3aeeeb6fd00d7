// Package obs aggregates the process-wide counters surfaced by the metrics
// and ops endpoints.
package obs

import (
	"sync/atomic"
	"time"
)

// Metrics tracks request counters and uptime. Gauges for connections,
// sessions, and queue length are sampled from their owners at read time.
type Metrics struct {
	startedAt time.Time
	now       func() time.Time

	requests atomic.Uint64
	errors   atomic.Uint64
}

// NewMetrics starts the uptime clock.
func NewMetrics(now func() time.Time) *Metrics {
	if now == nil {
		now = time.Now
	}
	return &Metrics{startedAt: now(), now: now}
}

// IncRequest counts one handled HTTP request.
func (m *Metrics) IncRequest() { m.requests.Add(1) }

// IncError counts one HTTP response with a 4xx/5xx status.
func (m *Metrics) IncError() { m.errors.Add(1) }

// RequestsTotal reports the handled request count.
func (m *Metrics) RequestsTotal() uint64 { return m.requests.Load() }

// ErrorsTotal reports the error response count.
func (m *Metrics) ErrorsTotal() uint64 { return m.errors.Load() }

// Uptime reports time since process start.
func (m *Metrics) Uptime() time.Duration { return m.now().Sub(m.startedAt) }
