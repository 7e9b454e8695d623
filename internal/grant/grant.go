// Package grant implements the grant decision engine: given a
// federate's latest next-event tag, decides whether a Tag Advance
// Grant or Provisional Tag Advance Grant may be issued, and the
// earliest-incoming-message-tag computation that decision rests on.
package grant

import (
	"github.com/swarmguard/rti-coordinator/internal/mindelay"
	"github.com/swarmguard/rti-coordinator/internal/scheduling"
	"github.com/swarmguard/rti-coordinator/internal/tag"
)

// Decision is the outcome of Decide: the proposed tag and whether it
// is provisional (PTAG) or confirmed (TAG).
type Decision struct {
	Tag         tag.Tag
	Provisional bool
}

// Decide computes whether fedID may be granted, per the fast path via
// upstream completed-tags and the EIMT path (spec.md §4.2). Returns
// ok == false when neither path licenses a grant. Caller must not
// already hold the registry lock.
func Decide(r *scheduling.Registry, fedID uint16) (Decision, bool) {
	r.Lock()
	defer r.Unlock()
	return DecideLocked(r, fedID)
}

// DecideLocked is Decide for a caller that already holds the registry
// lock (the propagator's common case).
func DecideLocked(r *scheduling.Registry, fedID uint16) (Decision, bool) {
	fed, err := r.NodeLocked(fedID)
	if err != nil {
		return Decision{}, false
	}

	if len(fed.Upstream) == 0 {
		return Decision{}, false
	}

	if m, ok := fastPathBound(r, fed); ok {
		if tag.Greater(m, fed.LastGranted) && tag.GreaterEqual(m, fed.NextEvent) {
			return Decision{Tag: m, Provisional: false}, true
		}
	}

	td := eimtLocked(r, fedID)
	net := fed.NextEvent
	lt := fed.LastGranted
	lpt := fed.LastProvisionallyGranted

	switch {
	case tag.Greater(td, net) && tag.GreaterEqual(td, lpt) && tag.Greater(td, lt):
		return Decision{Tag: net, Provisional: false}, true
	case tag.Equal(td, net) && fed.InZeroDelayCycle() && tag.Greater(td, lpt) && tag.Greater(td, lt):
		return Decision{Tag: net, Provisional: true}, true
	default:
		return Decision{}, false
	}
}

// fastPathBound computes M = min over connected upstream (u,d) of
// delay_strict(u.completed, d). ok is false when fed has no connected
// upstream to bound against.
func fastPathBound(r *scheduling.Registry, fed *scheduling.Node) (tag.Tag, bool) {
	m := tag.FOREVER
	found := false
	for _, e := range fed.Upstream {
		u, err := r.NodeLocked(e.ID)
		if err != nil || u.State == scheduling.NotConnected {
			continue
		}
		candidate := tag.DelayStrict(u.Completed, e.Delay)
		if tag.Less(candidate, m) {
			m = candidate
		}
		found = true
	}
	return m, found
}

// EIMT returns fedID's earliest future incoming message tag (spec.md
// §4.3). Caller must not already hold the registry lock.
func EIMT(r *scheduling.Registry, fedID uint16) tag.Tag {
	r.Lock()
	defer r.Unlock()
	return eimtLocked(r, fedID)
}

// eimtLocked is EIMT for a caller already holding the registry lock.
// As a side effect it treats a silent upstream (next_event == NEVER)
// as capable of sending at the federation start time, per §4.3 step 2,
// and records that assumption on the upstream node.
func eimtLocked(r *scheduling.Registry, fedID uint16) tag.Tag {
	if err := mindelay.EnsureLocked(r, fedID); err != nil {
		return tag.FOREVER
	}
	fed, err := r.NodeLocked(fedID)
	if err != nil {
		return tag.FOREVER
	}

	result := tag.FOREVER
	for _, md := range fed.MinDelays {
		u, err := r.NodeLocked(md.ID)
		if err != nil {
			continue
		}
		n := u.NextEvent
		if tag.Equal(n, tag.NEVER) {
			n = tag.Tag{Time: r.StartTime(), Microstep: 0}
			u.NextEvent = n
		}
		candidate := tag.Add(n, md.MinDelay)
		if tag.Less(candidate, result) {
			result = candidate
		}
	}
	return result
}

// TransitiveNextEvent computes the earliest tag at which fedID might
// fire, considering its own next-event tag and upstream next-event
// tags adjusted by their immediate connection delays (spec.md §4.4).
// It is not on the primary grant path; it exists for coordination
// decisions that need a cycle-safe recursive estimate. Caller must not
// already hold the registry lock.
func TransitiveNextEvent(r *scheduling.Registry, fedID uint16) tag.Tag {
	r.Lock()
	defer r.Unlock()
	return transitiveNextEventLocked(r, fedID, make(map[uint16]bool))
}

func transitiveNextEventLocked(r *scheduling.Registry, fedID uint16, visited map[uint16]bool) tag.Tag {
	if visited[fedID] {
		return tag.FOREVER
	}
	visited[fedID] = true

	node, err := r.NodeLocked(fedID)
	if err != nil {
		return tag.FOREVER
	}

	result := node.NextEvent
	for _, e := range node.Upstream {
		u, err := r.NodeLocked(e.ID)
		if err != nil || u.State == scheduling.NotConnected {
			continue
		}
		upstream := transitiveNextEventLocked(r, e.ID, visited)
		candidate := tag.Delay(upstream, e.Delay)
		if tag.Less(candidate, result) {
			result = candidate
		}
	}

	start := tag.Tag{Time: r.StartTime(), Microstep: 0}
	result = tag.Max(result, start)
	result = tag.Max(result, node.Completed)
	return result
}
