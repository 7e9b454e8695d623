// Package resilience provides the dispatcher-facing circuit breaker
// and retry helpers used to keep a misbehaving federate connection
// from starving grant propagation to the rest of the federation.
package resilience

import (
	"context"
	"math"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// CircuitBreaker is a per-federate adaptive circuit breaker that opens
// based on dispatcher write failure rate over a rolling window and
// probes recovery with half-open attempts. Tripping a breaker does not
// by itself change a node's scheduling state; the propagator consults
// Allow before attempting a send and still applies the soft-failure
// state transition on the write error itself.
type CircuitBreaker struct {
	mu sync.Mutex

	// fedAttr labels every metric this breaker emits, so an operator can
	// tell which federate's dispatcher connection tripped without
	// cross-referencing logs against a blind federation-wide counter.
	fedAttr attribute.KeyValue

	minSamples        int
	failureRateOpen   float64
	halfOpenAfter     time.Duration
	maxHalfOpenProbes int
	adaptive          bool
	minAdaptiveOpen   float64
	maxAdaptiveOpen   float64
	lastEval          time.Time
	evalInterval      time.Duration
	dynamicThreshold  float64

	openedAt       time.Time
	state          breakerState
	window         *slidingWindow
	halfOpenProbes int
}

type breakerState int

const (
	stateClosed breakerState = iota
	stateOpen
	stateHalfOpen
)

// NewCircuitBreakerAdaptive constructs a breaker using a rolling
// window of size with bucket resolution. Its open/close metrics carry
// no federate attribute; use NewDispatchBreaker for a per-federate
// instance.
func NewCircuitBreakerAdaptive(windowSize time.Duration, buckets int, minSamples int, failureRateOpen float64, halfOpenAfter time.Duration, maxHalfOpenProbes int) *CircuitBreaker {
	if buckets <= 0 {
		buckets = 1
	}
	return &CircuitBreaker{
		minSamples:        minSamples,
		failureRateOpen:   math.Min(math.Max(failureRateOpen, 0), 1),
		halfOpenAfter:     halfOpenAfter,
		maxHalfOpenProbes: maxHalfOpenProbes,
		state:             stateClosed,
		window:            newSlidingWindow(windowSize, buckets),
		adaptive:          true,
		minAdaptiveOpen:   math.Min(math.Max(failureRateOpen*0.5, 0.05), failureRateOpen),
		maxAdaptiveOpen:   math.Min(0.95, math.Max(failureRateOpen*1.5, failureRateOpen)),
		evalInterval:      5 * time.Second,
		dynamicThreshold:  failureRateOpen,
	}
}

// NewDispatchBreaker returns the default dispatch breaker for fedID: a
// 10s/5-bucket window, 5 minimum samples, 50% failure rate to open,
// and a 5s half-open cooldown with a single probe. Trip/reset metrics
// are labeled with fedID so an operator can isolate one misbehaving
// federate's connection from the rest of the federation.
func NewDispatchBreaker(fedID uint16) *CircuitBreaker {
	b := NewCircuitBreakerAdaptive(10*time.Second, 5, 5, 0.5, 5*time.Second, 1)
	b.fedAttr = attribute.Int("federate_id", int(fedID))
	return b
}

// Allow returns whether a dispatcher send is permitted right now.
func (c *CircuitBreaker) Allow() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch c.state {
	case stateOpen:
		if time.Since(c.openedAt) >= c.halfOpenAfter {
			c.state = stateHalfOpen
			// The send being allowed here is the first probe.
			c.halfOpenProbes = 1
		} else {
			return false
		}
	case stateHalfOpen:
		if c.halfOpenProbes >= c.maxHalfOpenProbes {
			return false
		}
		c.halfOpenProbes++
	}
	return true
}

// RecordResult records a dispatcher send outcome.
func (c *CircuitBreaker) RecordResult(success bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.window.add(success)

	if c.adaptive && time.Since(c.lastEval) >= c.evalInterval {
		total, failures := c.window.stats()
		if total > 0 {
			fr := float64(failures) / float64(total)
			if fr > c.failureRateOpen {
				c.dynamicThreshold = math.Max(c.minAdaptiveOpen, c.dynamicThreshold*0.7)
			} else {
				c.dynamicThreshold = math.Min(c.maxAdaptiveOpen, c.dynamicThreshold*1.05)
			}
		}
		c.lastEval = time.Now()
	}

	switch c.state {
	case stateClosed:
		total, failures := c.window.stats()
		if total >= c.minSamples {
			threshold := c.failureRateOpen
			if c.adaptive {
				threshold = c.dynamicThreshold
			}
			if float64(failures)/float64(total) >= threshold {
				c.transitionToOpen()
			}
		}
	case stateHalfOpen:
		if !success {
			c.transitionToOpen()
		} else if c.halfOpenProbes >= c.maxHalfOpenProbes {
			c.reset()
		}
	case stateOpen:
	}
}

func (c *CircuitBreaker) transitionToOpen() {
	meter := otel.GetMeterProvider().Meter("rti-coordinator")
	c.state = stateOpen
	c.openedAt = time.Now()
	counter, _ := meter.Int64Counter("rti_dispatch_circuit_open_total")
	counter.Add(context.Background(), 1, c.metricOption())
}

func (c *CircuitBreaker) reset() {
	meter := otel.GetMeterProvider().Meter("rti-coordinator")
	c.state = stateClosed
	c.openedAt = time.Time{}
	c.window.reset()
	counter, _ := meter.Int64Counter("rti_dispatch_circuit_closed_total")
	counter.Add(context.Background(), 1, c.metricOption())
}

func (c *CircuitBreaker) metricOption() metric.AddOption {
	if c.fedAttr.Key == "" {
		return metric.WithAttributes()
	}
	return metric.WithAttributes(c.fedAttr)
}

// slidingWindow implements fixed-size time buckets storing
// success/failure counts.
type slidingWindow struct {
	size     time.Duration
	buckets  int
	interval time.Duration
	data     []bucket
	nowFn    func() time.Time
}

type bucket struct {
	epoch         int64
	success, fail int
}

func newSlidingWindow(size time.Duration, buckets int) *slidingWindow {
	return &slidingWindow{
		size:     size,
		buckets:  buckets,
		interval: size / time.Duration(buckets),
		data:     make([]bucket, buckets),
		nowFn:    time.Now,
	}
}

func (w *slidingWindow) currentIndex(now time.Time) int {
	return int(now.UnixNano()/w.interval.Nanoseconds()) % w.buckets
}

func (w *slidingWindow) add(success bool) {
	now := w.nowFn()
	idx := w.currentIndex(now)
	// Clear the bucket only when it still holds counts from an earlier
	// pass of the window.
	epoch := now.UnixNano() / w.interval.Nanoseconds()
	if w.data[idx].epoch != epoch {
		w.data[idx] = bucket{epoch: epoch}
	}
	if success {
		w.data[idx].success++
	} else {
		w.data[idx].fail++
	}
}

func (w *slidingWindow) stats() (total int, failures int) {
	for _, b := range w.data {
		total += b.success + b.fail
		failures += b.fail
	}
	return
}

func (w *slidingWindow) reset() {
	for i := range w.data {
		w.data[i] = bucket{}
	}
}
