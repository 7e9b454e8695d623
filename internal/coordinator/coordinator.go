// Package coordinator is the grant propagator and public in-process
// API: it wires the registry, min-delay engine, and grant decision
// engine to a dispatcher, applying the state-machine preconditions,
// the startup rendezvous, and the soft-failure policy around every
// send.
package coordinator

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/swarmguard/rti-coordinator/internal/dispatch"
	"github.com/swarmguard/rti-coordinator/internal/grant"
	"github.com/swarmguard/rti-coordinator/internal/persistence"
	"github.com/swarmguard/rti-coordinator/internal/resilience"
	"github.com/swarmguard/rti-coordinator/internal/scheduling"
	"github.com/swarmguard/rti-coordinator/internal/tag"
	"github.com/swarmguard/rti-coordinator/internal/telemetry"
)

// FrameTypes supplies the external message-type enumeration's TAG and
// PTAG bytes; the engine does not choose them (spec.md §6).
type FrameTypes struct {
	Tag  byte
	Ptag byte
}

// Coordinator is the federation-wide grant propagator.
type Coordinator struct {
	reg        *scheduling.Registry
	dispatcher dispatch.Dispatcher
	types      FrameTypes
	logger     *slog.Logger
	metrics    telemetry.Metrics

	breakersMu sync.Mutex
	breakers   map[uint16]*resilience.CircuitBreaker

	// store is the audit log. Nil-able: a coordinator built without
	// SetStore runs exactly as before, since no write here is ever
	// required for a grant decision.
	store *persistence.Store
}

// New returns a Coordinator over reg, sending encoded grant frames
// through dispatcher. logger may be nil (defaults to slog.Default()).
func New(reg *scheduling.Registry, dispatcher dispatch.Dispatcher, types FrameTypes, logger *slog.Logger, metrics telemetry.Metrics) *Coordinator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Coordinator{
		reg:        reg,
		dispatcher: dispatcher,
		types:      types,
		logger:     logger,
		metrics:    metrics,
		breakers:   make(map[uint16]*resilience.CircuitBreaker),
	}
}

// InitializeNode creates fedID's scheduling node if absent.
func (c *Coordinator) InitializeNode(fedID uint16) error {
	return c.reg.InitializeNode(fedID)
}

// RegisterUpstream records that fedID receives messages from
// upstreamID after delay (nil for "no delay").
func (c *Coordinator) RegisterUpstream(fedID, upstreamID uint16, delay tag.Interval) error {
	return c.reg.RegisterUpstream(fedID, upstreamID, delay)
}

// RegisterDownstream records that fedID sends messages to
// downstreamID.
func (c *Coordinator) RegisterDownstream(fedID, downstreamID uint16) error {
	return c.reg.RegisterDownstream(fedID, downstreamID)
}

// SetState transitions fedID's connection state.
func (c *Coordinator) SetState(fedID uint16, s scheduling.State) error {
	return c.reg.SetState(fedID, s)
}

// NotifyStartTimeSent signals fedID's start-time rendezvous, waking
// any grant attempt blocked on it.
func (c *Coordinator) NotifyStartTimeSent(fedID uint16) error {
	return c.reg.NotifyStartTimeSent(fedID)
}

// MaxStopTag returns the federation-wide stop tag.
func (c *Coordinator) MaxStopTag() tag.Tag { return c.reg.MaxStopTag() }

// SetMaxStopTag sets the federation-wide stop tag and durably records
// it if a store is attached.
func (c *Coordinator) SetMaxStopTag(t tag.Tag) {
	c.reg.SetMaxStopTag(t)
	if c.store == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := c.store.RecordMaxStopTag(ctx, t); err != nil {
			c.logger.Warn("audit: record max stop tag failed", "error", err)
		}
	}()
}

// NumSchedulingNodes returns the number of federate slots.
func (c *Coordinator) NumSchedulingNodes() int { return c.reg.NumSchedulingNodes() }

// Registry exposes the underlying registry for components (min-delay
// introspection, housekeeping, admin API) that need direct read
// access without duplicating accessors here.
func (c *Coordinator) Registry() *scheduling.Registry { return c.reg }

// SetStore attaches an audit log. Every subsequent grant issuance and
// disconnect is recorded through it in the background; store may be
// nil to disable auditing.
func (c *Coordinator) SetStore(store *persistence.Store) { c.store = store }

// OnNet handles a Next Event Tag notification from fedID (spec.md
// §4.5): records the tag, attempts a grant if fedID has upstream
// connections, then sweeps downstream attempting grants along the
// way.
func (c *Coordinator) OnNet(ctx context.Context, fedID uint16, t tag.Tag) error {
	ctx, end := telemetry.WithSpan(ctx, "coordinator.on_net", telemetry.FederateAttr(fedID))
	defer end()

	c.reg.Lock()
	fed, err := c.reg.NodeLocked(fedID)
	if err != nil {
		c.reg.Unlock()
		return err
	}
	fed.NextEvent = t
	hasUpstream := len(fed.Upstream) > 0
	c.reg.Unlock()

	if hasUpstream {
		c.tryGrant(ctx, fedID)
	}
	c.sweepDownstream(ctx, fedID)
	return nil
}

// OnLTC handles a Logical Tag Complete notification from fedID
// (spec.md §4.5): records the completed tag, then for each immediate
// downstream node tries a grant and sweeps further downstream.
func (c *Coordinator) OnLTC(ctx context.Context, fedID uint16, t tag.Tag) error {
	ctx, end := telemetry.WithSpan(ctx, "coordinator.on_ltc", telemetry.FederateAttr(fedID))
	defer end()

	c.reg.Lock()
	fed, err := c.reg.NodeLocked(fedID)
	if err != nil {
		c.reg.Unlock()
		return err
	}
	fed.Completed = t
	downstream := append([]uint16(nil), fed.Downstream...)
	c.reg.Unlock()

	for _, d := range downstream {
		c.tryGrant(ctx, d)
		c.sweepDownstream(ctx, d)
	}
	return nil
}

// tryGrant runs the decision engine for fedID and issues whatever it
// decides, propagating PTAGs upstream when applicable.
func (c *Coordinator) tryGrant(ctx context.Context, fedID uint16) {
	d, ok := grant.Decide(c.reg, fedID)
	if !ok {
		return
	}
	if c.issueGrant(ctx, fedID, d.Tag, d.Provisional) && d.Provisional {
		c.propagateUpstreamPTAG(ctx, fedID, d.Tag)
	}
}

// sweepDownstream walks fedID's downstream graph with a fresh visited
// set, attempting a grant at each reachable node exactly once.
func (c *Coordinator) sweepDownstream(ctx context.Context, fedID uint16) {
	visited := map[uint16]bool{fedID: true}
	c.sweepDownstreamRec(ctx, fedID, visited)
}

func (c *Coordinator) sweepDownstreamRec(ctx context.Context, id uint16, visited map[uint16]bool) {
	c.reg.Lock()
	node, err := c.reg.NodeLocked(id)
	if err != nil {
		c.reg.Unlock()
		return
	}
	downstream := append([]uint16(nil), node.Downstream...)
	c.reg.Unlock()

	for _, d := range downstream {
		if visited[d] {
			continue
		}
		visited[d] = true
		c.tryGrant(ctx, d)
		c.sweepDownstreamRec(ctx, d, visited)
	}
}

// propagateUpstreamPTAG recursively issues PTAG(u, t) to every
// upstream u of fedID whose EIMT is at or past t (spec.md §4.5).
// Recursion terminates because issueGrant drops any attempt at or
// below a node's last_provisionally_granted, and that set shrinks
// strictly each recursion.
func (c *Coordinator) propagateUpstreamPTAG(ctx context.Context, fedID uint16, t tag.Tag) {
	c.reg.Lock()
	fed, err := c.reg.NodeLocked(fedID)
	if err != nil {
		c.reg.Unlock()
		return
	}
	upstream := append([]scheduling.Edge(nil), fed.Upstream...)
	c.reg.Unlock()

	for _, e := range upstream {
		c.reg.Lock()
		u, err := c.reg.NodeLocked(e.ID)
		notConnected := err != nil || u.State == scheduling.NotConnected
		c.reg.Unlock()
		if notConnected {
			continue
		}

		if tag.GreaterEqual(grant.EIMT(c.reg, e.ID), t) {
			if c.issueGrant(ctx, e.ID, t, true) {
				c.propagateUpstreamPTAG(ctx, e.ID, t)
			}
		}
	}
}

// issueGrant applies the precondition checks, the Pending-state
// rendezvous wait, the dispatcher send, and the soft-failure state
// transition for a TAG (provisional == false) or PTAG (provisional ==
// true) at tag t to fedID. Returns whether the grant was actually
// sent and accepted into last_granted/last_provisionally_granted.
func (c *Coordinator) issueGrant(ctx context.Context, fedID uint16, t tag.Tag, provisional bool) bool {
	c.reg.Lock()
	fed, err := c.reg.NodeLocked(fedID)
	if err != nil {
		c.reg.Unlock()
		return false
	}
	if !c.preconditionsHoldLocked(fed, t) {
		c.reg.Unlock()
		return false
	}
	if fed.State == scheduling.Pending {
		fed.WaitForStartTimeSent()
		// Re-validate: the federate may have disconnected, or another
		// grant may have raced ahead, while this goroutine slept.
		fed, err = c.reg.NodeLocked(fedID)
		if err != nil || !c.preconditionsHoldLocked(fed, t) {
			c.reg.Unlock()
			return false
		}
	}

	typ := c.types.Tag
	if provisional {
		typ = c.types.Ptag
	}
	frame := dispatch.EncodeGrant(typ, t)
	c.reg.Unlock()

	err = c.send(ctx, fedID, frame)

	c.reg.Lock()
	defer c.reg.Unlock()
	fed, ferr := c.reg.NodeLocked(fedID)
	if ferr != nil {
		return false
	}
	if err != nil {
		fed.State = scheduling.NotConnected
		telemetry.WithFederate(c.logger, fedID).Warn("grant dispatch failed, marking federate disconnected",
			"tag", t.String(), "provisional", provisional, "error", err)
		if c.metrics.GrantsDropped != nil {
			c.metrics.GrantsDropped.Add(ctx, 1)
		}
		c.recordEvent(fedID, "disconnect", err.Error())
		return false
	}
	if provisional {
		fed.LastProvisionallyGranted = t
		if c.metrics.PtagsIssued != nil {
			c.metrics.PtagsIssued.Add(ctx, 1)
		}
	} else {
		fed.LastGranted = t
		if c.metrics.TagsIssued != nil {
			c.metrics.TagsIssued.Add(ctx, 1)
		}
	}
	c.recordGrant(fedID, t, provisional)
	return true
}

// recordGrant durably appends a grant record in the background; a
// slow or failing audit write never blocks or affects a grant
// decision. No-op if no store is attached.
func (c *Coordinator) recordGrant(fedID uint16, t tag.Tag, provisional bool) {
	if c.store == nil {
		return
	}
	rec := persistence.GrantRecord{
		Seq:         c.reg.NextAuditSeq(),
		FederateID:  fedID,
		Tag:         t,
		Provisional: provisional,
		At:          time.Now(),
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := c.store.RecordGrant(ctx, rec); err != nil {
			telemetry.WithFederate(c.logger, fedID).Warn("audit: record grant failed", "error", err)
		}
	}()
}

// recordEvent durably appends a node-event record in the background.
// No-op if no store is attached.
func (c *Coordinator) recordEvent(fedID uint16, kind, detail string) {
	if c.store == nil {
		return
	}
	rec := persistence.EventRecord{
		Seq:        c.reg.NextAuditSeq(),
		FederateID: fedID,
		Kind:       kind,
		Detail:     detail,
		At:         time.Now(),
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := c.store.RecordEvent(ctx, rec); err != nil {
			telemetry.WithFederate(c.logger, fedID).Warn("audit: record event failed", "error", err)
		}
	}()
}

// preconditionsHoldLocked reports whether issuing a grant at t to fed
// is still licensed: the federate must be connected and t must be
// strictly past both of its last grants. Caller must hold the
// registry lock.
func (c *Coordinator) preconditionsHoldLocked(fed *scheduling.Node, t tag.Tag) bool {
	if fed.State == scheduling.NotConnected {
		return false
	}
	if tag.LessEqual(t, fed.LastGranted) {
		return false
	}
	if tag.LessEqual(t, fed.LastProvisionallyGranted) {
		return false
	}
	return true
}

// send passes frame to the dispatcher through fedID's circuit
// breaker, recording the outcome.
func (c *Coordinator) send(ctx context.Context, fedID uint16, frame []byte) error {
	b := c.breakerFor(fedID)
	if !b.Allow() {
		if c.metrics.CircuitOpen != nil {
			c.metrics.CircuitOpen.Add(ctx, 1)
		}
		return fmt.Errorf("coordinator: circuit open for federate %d", fedID)
	}
	err := c.dispatcher.Send(ctx, fedID, frame)
	b.RecordResult(err == nil)
	return err
}

func (c *Coordinator) breakerFor(fedID uint16) *resilience.CircuitBreaker {
	c.breakersMu.Lock()
	defer c.breakersMu.Unlock()
	b, ok := c.breakers[fedID]
	if !ok {
		b = resilience.NewDispatchBreaker(fedID)
		c.breakers[fedID] = b
	}
	return b
}
