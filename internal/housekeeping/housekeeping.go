// Package housekeeping periodically sweeps the registry and logs its
// health: node counts by state, cycle/zero-delay-cycle membership,
// and how long the longest-connected node in the Granted state has
// been in it.
// Nothing it does feeds back into a grant decision; it exists purely
// for operational visibility.
package housekeeping

import (
	"context"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/swarmguard/rti-coordinator/internal/scheduling"
)

func stateAttr(state string) attribute.KeyValue {
	return attribute.String("state", state)
}

// DefaultInterval is the housekeeping sweep period absent an override
// (see Open Question 2 in DESIGN.md).
const DefaultInterval = 30 * time.Second

// Sweeper runs a periodic registry health sweep on a cron schedule.
type Sweeper struct {
	cron   *cron.Cron
	reg    *scheduling.Registry
	logger *slog.Logger

	sweepCount   metric.Int64Counter
	nodesByState metric.Int64Gauge
}

// NewSweeper returns a Sweeper that logs registry health every
// interval (use DefaultInterval if the caller has no override). The
// interval is truncated to whole seconds; one under a second falls
// back to DefaultInterval. logger and meter may be nil.
func NewSweeper(reg *scheduling.Registry, interval time.Duration, logger *slog.Logger, meter metric.Meter) (*Sweeper, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if meter == nil {
		meter = otel.GetMeterProvider().Meter("rti-coordinator")
	}
	sweepCount, _ := meter.Int64Counter("rti_housekeeping_sweeps_total")
	nodesByState, _ := meter.Int64Gauge("rti_housekeeping_nodes_by_state")

	s := &Sweeper{
		cron:         cron.New(cron.WithSeconds()),
		reg:          reg,
		logger:       logger,
		sweepCount:   sweepCount,
		nodesByState: nodesByState,
	}
	expr := intervalToCronExpr(interval)
	if _, err := s.cron.AddFunc(expr, s.sweep); err != nil {
		return nil, err
	}
	return s, nil
}

// Start begins the periodic sweep.
func (s *Sweeper) Start() { s.cron.Start() }

// Stop halts the sweep, waiting up to ctx's deadline for an
// in-progress sweep to finish.
func (s *Sweeper) Stop(ctx context.Context) error {
	stopCtx := s.cron.Stop()
	select {
	case <-stopCtx.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Sweeper) sweep() {
	ctx := context.Background()
	var notConnected, pending, granted, inCycle, inZDC int
	var oldestGrantedAge time.Duration

	s.reg.WithLock(func() {
		now := time.Now()
		for _, n := range s.reg.AllLocked() {
			if n == nil {
				continue
			}
			switch n.State {
			case scheduling.NotConnected:
				notConnected++
			case scheduling.Pending:
				pending++
			case scheduling.Granted:
				granted++
				if age := now.Sub(n.ConnectedAt); age > oldestGrantedAge {
					oldestGrantedAge = age
				}
			}
			if n.InCycle() {
				inCycle++
			}
			if n.InZeroDelayCycle() {
				inZDC++
			}
		}
	})

	if s.sweepCount != nil {
		s.sweepCount.Add(ctx, 1)
	}
	if s.nodesByState != nil {
		s.nodesByState.Record(ctx, int64(notConnected), metric.WithAttributes(stateAttr("not_connected")))
		s.nodesByState.Record(ctx, int64(pending), metric.WithAttributes(stateAttr("pending")))
		s.nodesByState.Record(ctx, int64(granted), metric.WithAttributes(stateAttr("granted")))
	}

	s.logger.Info("registry health sweep",
		"not_connected", notConnected,
		"pending", pending,
		"granted", granted,
		"in_cycle", inCycle,
		"in_zero_delay_cycle", inZDC,
		"oldest_granted_age", oldestGrantedAge.String(),
		"max_stop_tag", s.reg.MaxStopTag().String(),
	)
}

func intervalToCronExpr(d time.Duration) string {
	secs := int(d.Seconds())
	if secs <= 0 {
		secs = int(DefaultInterval.Seconds())
	}
	return "@every " + time.Duration(secs*int(time.Second)).String()
}
