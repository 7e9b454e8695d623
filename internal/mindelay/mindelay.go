// Package mindelay implements the transitive min-delay path engine:
// for a target scheduling node, the shortest accumulated after-delay
// from every transitively-upstream node, plus cycle / zero-delay-cycle
// detection as a side effect (spec.md §4.1).
//
// This is a DFS relaxation over a sparse node set, not Dijkstra's
// algorithm: termination relies on the monotone decrease of each
// path_delays[u] entry under the tag total order, on a finite graph.
package mindelay

import (
	"github.com/swarmguard/rti-coordinator/internal/scheduling"
	"github.com/swarmguard/rti-coordinator/internal/tag"
)

// Ensure recomputes node endID's min-delay vector if the cache is
// unbuilt (len(MinDelays) == 0), and is a no-op otherwise. Caller must
// NOT already hold the registry lock; Ensure takes it for the
// duration of the (CPU-only, non-blocking) recomputation.
func Ensure(r *scheduling.Registry, endID uint16) error {
	r.Lock()
	defer r.Unlock()
	return EnsureLocked(r, endID)
}

// EnsureLocked is Ensure for a caller that already holds the registry
// lock (the common case: grant decisions and propagation call this
// from inside their own critical section).
func EnsureLocked(r *scheduling.Registry, endID uint16) error {
	end, err := r.NodeLocked(endID)
	if err != nil {
		return err
	}
	if len(end.MinDelays) > 0 {
		return nil
	}

	n := r.NumSchedulingNodes()
	pathDelays := make([]tag.Tag, n)
	for i := range pathDelays {
		pathDelays[i] = tag.FOREVER
	}

	relaxer := &relaxer{r: r, endID: endID, end: end, pathDelays: pathDelays}
	relaxer.relax(endID, true)

	materialized := make([]scheduling.MinDelay, 0, relaxer.count)
	for i := 0; i < n; i++ {
		if uint16(i) == endID {
			// spec.md §8 invariant 5: min_delays(n) never contains n
			// itself, even though a zero-delay cycle through n can
			// leave path_delays[end] finite.
			continue
		}
		if tag.Less(pathDelays[i], tag.FOREVER) {
			materialized = append(materialized, scheduling.MinDelay{ID: uint16(i), MinDelay: pathDelays[i]})
		}
	}
	end.MinDelays = materialized
	return nil
}

type relaxer struct {
	r          *scheduling.Registry
	endID      uint16
	end        *scheduling.Node
	pathDelays []tag.Tag
	count      int
}

// relax explores upstream of curr, lowering pathDelays entries and
// recursing on any upstream node whose entry just improved. On the
// first call curr == end and the accumulated delay so far is ZERO;
// on later calls it is whatever has already been recorded for curr.
//
// This corrects two issues noted against the original source: the
// recursive descent relaxes from the upstream node whose entry was
// just lowered (not from the unchanged intermediate), and the
// zero-delay-cycle test examines the specific edge that closed the
// cycle (not whatever edge happened to be under iteration).
func (rx *relaxer) relax(curr uint16, first bool) {
	var delaySoFar tag.Tag
	if first {
		delaySoFar = tag.Zero
	} else {
		delaySoFar = rx.pathDelays[curr]
	}

	node, err := rx.r.NodeLocked(curr)
	if err != nil || node.State == scheduling.NotConnected {
		return
	}

	for _, e := range node.Upstream {
		candidate := tag.Delay(delaySoFar, e.Delay)
		if !tag.Less(candidate, rx.pathDelays[e.ID]) {
			continue
		}
		wasForever := tag.Equal(rx.pathDelays[e.ID], tag.FOREVER)
		rx.pathDelays[e.ID] = candidate
		if wasForever {
			rx.count++
		}
		if e.ID != rx.endID {
			rx.relax(e.ID, false)
			continue
		}
		// Closed a cycle back to end.
		rx.end.Flags |= scheduling.FlagInCycle
		if tag.Equal(candidate, tag.Zero) && tag.IsNoDelay(e.Delay) {
			rx.end.Flags |= scheduling.FlagInZeroDelayCycle
		} else {
			rx.end.Flags &^= scheduling.FlagInZeroDelayCycle
		}
	}
}

// IsInZeroDelayCycle ensures the cache is fresh and reports the node's
// zero-delay-cycle flag.
func IsInZeroDelayCycle(r *scheduling.Registry, id uint16) (bool, error) {
	r.Lock()
	defer r.Unlock()
	if err := EnsureLocked(r, id); err != nil {
		return false, err
	}
	n, err := r.NodeLocked(id)
	if err != nil {
		return false, err
	}
	return n.InZeroDelayCycle(), nil
}
