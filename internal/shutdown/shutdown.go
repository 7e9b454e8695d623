// Package shutdown tracks federation-wide stop-tag handling: each
// federate reports once it has processed the stop tag, and the
// manager signals completion once every connected federate has
// checked in, so the coordinator process can exit cleanly instead of
// racing a still-draining federate.
package shutdown

import (
	"context"
	"fmt"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/swarmguard/rti-coordinator/internal/scheduling"
)

// Manager tracks which federates have reported handling the
// federation-wide stop tag.
type Manager struct {
	mu        sync.Mutex
	reg       *scheduling.Registry
	reported  map[uint16]bool
	done      chan struct{}
	closeOnce sync.Once

	reports metric.Int64Counter
	tracer  trace.Tracer
}

// NewManager returns a Manager over reg. meter may be nil.
func NewManager(reg *scheduling.Registry, meter metric.Meter) *Manager {
	if meter == nil {
		meter = otel.GetMeterProvider().Meter("rti-coordinator")
	}
	reports, _ := meter.Int64Counter("rti_shutdown_reports_total")
	return &Manager{
		reg:      reg,
		reported: make(map[uint16]bool),
		done:     make(chan struct{}),
		reports:  reports,
		tracer:   otel.Tracer("rti-coordinator-shutdown"),
	}
}

// ReportHandlingStop records that fedID has finished handling the
// federation's stop tag. Returns true the moment every currently
// connected federate has reported, closing Done().
func (m *Manager) ReportHandlingStop(ctx context.Context, fedID uint16) bool {
	_, span := m.tracer.Start(ctx, "shutdown.report",
		trace.WithAttributes(attribute.Int("federate_id", int(fedID))))
	defer span.End()

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.reported[fedID] {
		return m.allReportedLocked()
	}
	m.reported[fedID] = true
	if m.reports != nil {
		m.reports.Add(ctx, 1)
	}
	m.reg.IncHandlingStop()

	allDone := m.allReportedLocked()
	if allDone {
		m.closeOnce.Do(func() { close(m.done) })
	}
	return allDone
}

func (m *Manager) allReportedLocked() bool {
	sawConnected := false
	allReported := true
	m.reg.WithLock(func() {
		for _, node := range m.reg.AllLocked() {
			if node == nil || node.State == scheduling.NotConnected {
				continue
			}
			sawConnected = true
			if !m.reported[node.ID] {
				allReported = false
				return
			}
		}
	})
	return sawConnected && allReported
}

// Done returns a channel closed once every connected federate has
// reported handling the stop tag.
func (m *Manager) Done() <-chan struct{} {
	return m.done
}

// Wait blocks until Done() closes or ctx is cancelled, whichever
// happens first.
func (m *Manager) Wait(ctx context.Context) error {
	select {
	case <-m.done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("shutdown: %w waiting for federates to report stop handling", ctx.Err())
	}
}

// Reset clears all reports, e.g. between successive federation runs
// sharing one process.
func (m *Manager) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reported = make(map[uint16]bool)
	m.done = make(chan struct{})
	m.closeOnce = sync.Once{}
}
