package meter

import (
	"errors"
	"sync"
	"time"

	"github.com/ineyio/creditledger"
)

// HealthState is the circuit state of the storage backend as seen by the engine.
type HealthState string

const (
	HealthHealthy   HealthState = "healthy"
	HealthUnhealthy HealthState = "unhealthy"
	HealthHalfOpen  HealthState = "half_open"
)

const (
	healthFailureThreshold = 3
	healthFailureWindow    = 5 * time.Minute
	healthUnhealthyPeriod  = 30 * time.Second
)

// HealthMeter tracks store failures using a circuit breaker pattern.
// Rejections and invariant errors say nothing about the backend and are
// ignored; every other operation error counts as a failure.
type HealthMeter struct {
	mu          sync.Mutex
	state       HealthState
	failures    []time.Time // sliding window of failure timestamps
	unhealthyAt time.Time
	now         func() time.Time
}

var _ creditledger.Meter = (*HealthMeter)(nil)

// NewHealthMeter creates a HealthMeter in the healthy state.
func NewHealthMeter() *HealthMeter {
	return &HealthMeter{state: HealthHealthy, now: time.Now}
}

// State returns the current health state.
func (h *HealthMeter) State() HealthState {
	h.mu.Lock()
	defer h.mu.Unlock()

	// Unhealthy period elapsed → half-open until the next outcome.
	if h.state == HealthUnhealthy && h.now().Sub(h.unhealthyAt) >= healthUnhealthyPeriod {
		h.state = HealthHalfOpen
	}
	return h.state
}

func (h *HealthMeter) OnOperation(e creditledger.OperationEvent) {
	switch {
	case e.Error == nil, countsAsHealthy(e.Error):
		h.recordSuccess()
	default:
		h.recordFailure()
	}
}

func (h *HealthMeter) OnReconcile(creditledger.ReconcileEvent) {}

func countsAsHealthy(err error) bool {
	return creditledger.IsRejection(err) ||
		errors.Is(err, creditledger.ErrInvariantViolation) ||
		errors.Is(err, creditledger.ErrManualAuditRequired)
}

func (h *HealthMeter) recordSuccess() {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.state = HealthHealthy
	h.failures = h.failures[:0]
}

func (h *HealthMeter) recordFailure() {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.state == HealthUnhealthy {
		return
	}

	now := h.now()

	// Prune old failures outside the window.
	cutoff := now.Add(-healthFailureWindow)
	valid := h.failures[:0]
	for _, t := range h.failures {
		if t.After(cutoff) {
			valid = append(valid, t)
		}
	}
	h.failures = append(valid, now)

	if len(h.failures) >= healthFailureThreshold {
		h.state = HealthUnhealthy
		h.unhealthyAt = now
	}
}

// Multi fans events out to every meter in order.
type Multi []creditledger.Meter

var _ creditledger.Meter = Multi(nil)

func (m Multi) OnOperation(e creditledger.OperationEvent) {
	for _, mm := range m {
		mm.OnOperation(e)
	}
}

func (m Multi) OnReconcile(e creditledger.ReconcileEvent) {
	for _, mm := range m {
		mm.OnReconcile(e)
	}
}
