package mindelay

import (
	"testing"

	"github.com/swarmguard/rti-coordinator/internal/scheduling"
	"github.com/swarmguard/rti-coordinator/internal/tag"
)

func mustInit(t *testing.T, r *scheduling.Registry, ids ...uint16) {
	t.Helper()
	for _, id := range ids {
		if err := r.InitializeNode(id); err != nil {
			t.Fatalf("InitializeNode(%d): %v", id, err)
		}
		if err := r.SetState(id, scheduling.Granted); err != nil {
			t.Fatalf("SetState(%d): %v", id, err)
		}
	}
}

// A(0) -> B(1) -> D(2), delay 5ns each.
func TestLinearChainMinDelays(t *testing.T) {
	r := scheduling.NewRegistry(3, 0)
	mustInit(t, r, 0, 1, 2)
	if err := r.RegisterUpstream(1, 0, tag.NewInterval(5)); err != nil {
		t.Fatal(err)
	}
	if err := r.RegisterUpstream(2, 1, tag.NewInterval(5)); err != nil {
		t.Fatal(err)
	}

	if err := Ensure(r, 2); err != nil {
		t.Fatal(err)
	}
	n, err := r.Node(2)
	if err != nil {
		t.Fatal(err)
	}
	if len(n.MinDelays) != 2 {
		t.Fatalf("len(MinDelays) = %d, want 2", len(n.MinDelays))
	}
	want := map[uint16]tag.Tag{0: {Time: 10}, 1: {Time: 5}}
	for _, md := range n.MinDelays {
		w, ok := want[md.ID]
		if !ok || !tag.Equal(md.MinDelay, w) {
			t.Errorf("unexpected min-delay entry %+v", md)
		}
	}
	if n.InCycle() {
		t.Errorf("linear chain should not be flagged in-cycle")
	}
}

// A(0) <-> B(1), both zero-delay edges: both flagged ZDC.
func TestTwoNodeZeroDelayCycle(t *testing.T) {
	r := scheduling.NewRegistry(2, 0)
	mustInit(t, r, 0, 1)
	if err := r.RegisterUpstream(0, 1, tag.NoDelay()); err != nil {
		t.Fatal(err)
	}
	if err := r.RegisterUpstream(1, 0, tag.NoDelay()); err != nil {
		t.Fatal(err)
	}

	for _, id := range []uint16{0, 1} {
		if err := Ensure(r, id); err != nil {
			t.Fatal(err)
		}
		n, err := r.Node(id)
		if err != nil {
			t.Fatal(err)
		}
		if !n.InCycle() {
			t.Errorf("node %d should be flagged in-cycle", id)
		}
		if !n.InZeroDelayCycle() {
			t.Errorf("node %d should be flagged in zero-delay-cycle", id)
		}
	}
}

// A node never appears in its own min-delay set, even when it closes a
// zero-delay cycle (spec.md §8 invariant 5).
func TestSelfNeverInMinDelays(t *testing.T) {
	r := scheduling.NewRegistry(2, 0)
	mustInit(t, r, 0, 1)
	if err := r.RegisterUpstream(0, 1, tag.NoDelay()); err != nil {
		t.Fatal(err)
	}
	if err := r.RegisterUpstream(1, 0, tag.NoDelay()); err != nil {
		t.Fatal(err)
	}
	if err := Ensure(r, 0); err != nil {
		t.Fatal(err)
	}
	n, _ := r.Node(0)
	for _, md := range n.MinDelays {
		if md.ID == 0 {
			t.Fatalf("node 0 appears in its own min-delay set: %+v", n.MinDelays)
		}
	}
}

// A cycle with a positive-delay edge is a cycle but not a zero-delay
// cycle.
func TestCycleWithDelayIsNotZeroDelay(t *testing.T) {
	r := scheduling.NewRegistry(2, 0)
	mustInit(t, r, 0, 1)
	if err := r.RegisterUpstream(0, 1, tag.NewInterval(3)); err != nil {
		t.Fatal(err)
	}
	if err := r.RegisterUpstream(1, 0, tag.NoDelay()); err != nil {
		t.Fatal(err)
	}
	if err := Ensure(r, 0); err != nil {
		t.Fatal(err)
	}
	n, _ := r.Node(0)
	if !n.InCycle() {
		t.Fatalf("expected node 0 in-cycle")
	}
	if n.InZeroDelayCycle() {
		t.Fatalf("node 0 should not be flagged zero-delay-cycle (edge has positive delay)")
	}
}

// Adding an upstream edge after the cache has been built must
// invalidate it (spec.md §8 scenario S6).
func TestCacheInvalidatedOnTopologyChange(t *testing.T) {
	r := scheduling.NewRegistry(3, 0)
	mustInit(t, r, 0, 1, 2)
	if err := r.RegisterUpstream(2, 1, tag.NewInterval(1)); err != nil {
		t.Fatal(err)
	}
	if err := Ensure(r, 2); err != nil {
		t.Fatal(err)
	}
	n, _ := r.Node(2)
	if len(n.MinDelays) != 1 {
		t.Fatalf("len(MinDelays) = %d, want 1", len(n.MinDelays))
	}

	if err := r.RegisterUpstream(2, 0, tag.NewInterval(1)); err != nil {
		t.Fatal(err)
	}
	n, _ = r.Node(2)
	if len(n.MinDelays) != 0 {
		t.Fatalf("expected cache reset to empty after topology change, got %d entries", len(n.MinDelays))
	}

	if err := Ensure(r, 2); err != nil {
		t.Fatal(err)
	}
	n, _ = r.Node(2)
	if len(n.MinDelays) != 2 {
		t.Fatalf("len(MinDelays) after rebuild = %d, want 2", len(n.MinDelays))
	}
}

// A disconnected (NotConnected) intermediate node contributes no
// constraint: relaxation stops at it.
func TestNotConnectedIntermediateStopsRelaxation(t *testing.T) {
	r := scheduling.NewRegistry(3, 0)
	mustInit(t, r, 0, 2)
	if err := r.InitializeNode(1); err != nil {
		t.Fatal(err)
	}
	// node 1 stays NotConnected.
	if err := r.RegisterUpstream(2, 1, tag.NewInterval(1)); err != nil {
		t.Fatal(err)
	}
	if err := r.RegisterUpstream(1, 0, tag.NewInterval(1)); err != nil {
		t.Fatal(err)
	}
	if err := Ensure(r, 2); err != nil {
		t.Fatal(err)
	}
	n, _ := r.Node(2)
	if len(n.MinDelays) != 1 || n.MinDelays[0].ID != 1 {
		t.Fatalf("expected only node 1 upstream (node 0 unreachable through disconnected node 1), got %+v", n.MinDelays)
	}
}
