package resilience

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestCircuitBreaker_OpensAfterThreshold(t *testing.T) {
	t.Parallel()

	cb := NewCircuitBreaker(CircuitBreakerConfig{FailureThreshold: 3, ResetTimeout: time.Minute})

	for i := 0; i < 2; i++ {
		assert.True(t, cb.Allow())
		cb.Record(false)
	}
	assert.Equal(t, CircuitClosed, cb.State())

	assert.True(t, cb.Allow())
	cb.Record(false)
	assert.Equal(t, CircuitOpen, cb.State())
	assert.False(t, cb.Allow())
}

func TestCircuitBreaker_SuccessResetsCounter(t *testing.T) {
	t.Parallel()

	cb := NewCircuitBreaker(CircuitBreakerConfig{FailureThreshold: 3, ResetTimeout: time.Minute})

	cb.Record(false)
	cb.Record(false)
	cb.Record(true)
	cb.Record(false)
	cb.Record(false)
	assert.Equal(t, CircuitClosed, cb.State())
}

func TestCircuitBreaker_HalfOpenProbe(t *testing.T) {
	t.Parallel()

	now := time.Now()
	cb := NewCircuitBreaker(CircuitBreakerConfig{FailureThreshold: 1, ResetTimeout: 10 * time.Second})
	cb.nowFunc = func() time.Time { return now }

	cb.Record(false)
	assert.Equal(t, CircuitOpen, cb.State())
	assert.False(t, cb.Allow())

	// Advance past the reset timeout: one probe is admitted.
	now = now.Add(11 * time.Second)
	assert.True(t, cb.Allow())

	// Probe failure reopens the circuit immediately.
	cb.Record(false)
	assert.Equal(t, CircuitOpen, cb.State())
	assert.False(t, cb.Allow())

	// Probe success after another wait closes the circuit.
	now = now.Add(11 * time.Second)
	assert.True(t, cb.Allow())
	cb.Record(true)
	assert.Equal(t, CircuitClosed, cb.State())
	assert.True(t, cb.Allow())
}

func TestCircuitBreaker_HalfOpenBoundsConcurrentProbes(t *testing.T) {
	t.Parallel()

	now := time.Now()
	cb := NewCircuitBreaker(CircuitBreakerConfig{FailureThreshold: 1, ResetTimeout: 10 * time.Second})
	cb.nowFunc = func() time.Time { return now }

	cb.Record(false)
	now = now.Add(11 * time.Second)

	// Only one caller gets the probe; the rest of a concurrent wave is
	// rejected until the probe reports back.
	assert.True(t, cb.Allow())
	assert.False(t, cb.Allow())
	assert.False(t, cb.Allow())

	cb.Record(true)
	assert.Equal(t, CircuitClosed, cb.State())
	assert.True(t, cb.Allow())
}

func TestCircuitBreaker_HalfOpenMaxProbesConfigurable(t *testing.T) {
	t.Parallel()

	now := time.Now()
	cb := NewCircuitBreaker(CircuitBreakerConfig{
		FailureThreshold:  1,
		ResetTimeout:      10 * time.Second,
		HalfOpenMaxProbes: 2,
	})
	cb.nowFunc = func() time.Time { return now }

	cb.Record(false)
	now = now.Add(11 * time.Second)

	assert.True(t, cb.Allow())
	assert.True(t, cb.Allow())
	assert.False(t, cb.Allow())

	// Closing requires both probes to succeed.
	cb.Record(true)
	assert.Equal(t, CircuitHalfOpen, cb.State())
	cb.Record(true)
	assert.Equal(t, CircuitClosed, cb.State())
}

func TestCircuitBreaker_StateChangeCallback(t *testing.T) {
	t.Parallel()

	var transitions []string
	cb := NewCircuitBreaker(CircuitBreakerConfig{
		FailureThreshold: 1,
		ResetTimeout:     time.Minute,
		OnStateChange: func(from, to CircuitState) {
			transitions = append(transitions, from.String()+"->"+to.String())
		},
	})

	cb.Record(false)
	cb.Reset()
	assert.Equal(t, []string{"closed->open", "open->closed"}, transitions)
}

func TestCircuitBreaker_Defaults(t *testing.T) {
	t.Parallel()

	cb := NewCircuitBreaker(CircuitBreakerConfig{})
	assert.Equal(t, 5, cb.cfg.FailureThreshold)
	assert.Equal(t, 30*time.Second, cb.cfg.ResetTimeout)
	assert.Equal(t, 1, cb.cfg.HalfOpenMaxProbes)
}
