package coordinator

import (
	"context"
	"math"
	"path/filepath"
	"testing"
	"time"

	"github.com/swarmguard/rti-coordinator/internal/dispatch"
	"github.com/swarmguard/rti-coordinator/internal/persistence"
	"github.com/swarmguard/rti-coordinator/internal/scheduling"
	"github.com/swarmguard/rti-coordinator/internal/tag"
	"github.com/swarmguard/rti-coordinator/internal/telemetry"
)

var testTypes = FrameTypes{Tag: 1, Ptag: 2}

func newTestCoordinator(t *testing.T, n int, startTime int64) (*Coordinator, *dispatch.LoopbackDispatcher) {
	t.Helper()
	reg := scheduling.NewRegistry(n, startTime)
	d := dispatch.NewLoopbackDispatcher()
	c := New(reg, d, testTypes, nil, telemetry.Metrics{})
	return c, d
}

func grantedNode(t *testing.T, c *Coordinator, id uint16) {
	t.Helper()
	if err := c.InitializeNode(id); err != nil {
		t.Fatalf("InitializeNode(%d): %v", id, err)
	}
	if err := c.SetState(id, scheduling.Granted); err != nil {
		t.Fatalf("SetState(%d): %v", id, err)
	}
}

// Linear chain A(0) -> B(1), 5ns after-delay. After on_net(A),
// on_net(B) moves B's grant to its own NET via the EIMT path, then
// on_ltc(A) moves it past that NET via the fast path.
func TestLinearChainEventuallyGrantsPastNET(t *testing.T) {
	c, d := newTestCoordinator(t, 2, 0)
	grantedNode(t, c, 0)
	grantedNode(t, c, 1)
	if err := c.RegisterUpstream(1, 0, tag.NewInterval(5)); err != nil {
		t.Fatal(err)
	}
	if err := c.RegisterDownstream(0, 1); err != nil {
		t.Fatal(err)
	}

	ctx := context.Background()
	if err := c.OnNet(ctx, 0, tag.Tag{Time: 10}); err != nil {
		t.Fatal(err)
	}
	if err := c.OnNet(ctx, 1, tag.Tag{Time: 10}); err != nil {
		t.Fatal(err)
	}
	if err := c.OnLTC(ctx, 0, tag.Tag{Time: 10}); err != nil {
		t.Fatal(err)
	}

	frames := d.Sent(1)
	if len(frames) == 0 {
		t.Fatalf("expected at least one grant sent to node 1")
	}
	typ, last, ok := dispatch.DecodeGrant(frames[len(frames)-1])
	if !ok {
		t.Fatalf("failed to decode last frame")
	}
	if typ != testTypes.Tag {
		t.Errorf("last grant type = %d, want TAG(%d)", typ, testTypes.Tag)
	}
	want := tag.Tag{Time: 14, Microstep: math.MaxUint32}
	if !tag.Equal(last, want) {
		t.Errorf("last grant tag = %v, want %v", last, want)
	}

	b, _ := c.Registry().Node(1)
	if !tag.Equal(b.LastGranted, want) {
		t.Errorf("node 1 last_granted = %v, want %v", b.LastGranted, want)
	}
}

// Two nodes mutually upstream via zero-delay edges: both end up
// flagged ZDC and both receive exactly one PTAG at their shared NET.
func TestZeroDelayCycleGrantsSinglePTAGEach(t *testing.T) {
	c, d := newTestCoordinator(t, 2, 0)
	grantedNode(t, c, 0)
	grantedNode(t, c, 1)
	if err := c.RegisterUpstream(0, 1, tag.NoDelay()); err != nil {
		t.Fatal(err)
	}
	if err := c.RegisterUpstream(1, 0, tag.NoDelay()); err != nil {
		t.Fatal(err)
	}

	ctx := context.Background()
	if err := c.OnNet(ctx, 0, tag.Tag{Time: 100}); err != nil {
		t.Fatal(err)
	}
	if err := c.OnNet(ctx, 1, tag.Tag{Time: 100}); err != nil {
		t.Fatal(err)
	}

	for _, id := range []uint16{0, 1} {
		frames := d.Sent(id)
		if len(frames) != 1 {
			t.Fatalf("node %d: got %d frames, want 1: %v", id, len(frames), frames)
		}
		typ, got, ok := dispatch.DecodeGrant(frames[0])
		if !ok {
			t.Fatalf("node %d: failed to decode frame", id)
		}
		if typ != testTypes.Ptag {
			t.Errorf("node %d: type = %d, want PTAG(%d)", id, typ, testTypes.Ptag)
		}
		if !tag.Equal(got, tag.Tag{Time: 100}) {
			t.Errorf("node %d: grant tag = %v, want (100,0)", id, got)
		}
	}
}

// A dispatcher failure at send time marks the federate disconnected
// and leaves last_granted unchanged (spec.md §7 soft-failure policy).
func TestDispatchFailureMarksDisconnected(t *testing.T) {
	c, d := newTestCoordinator(t, 2, 0)
	grantedNode(t, c, 0)
	grantedNode(t, c, 1)
	if err := c.RegisterUpstream(1, 0, tag.NewInterval(5)); err != nil {
		t.Fatal(err)
	}

	a, _ := c.Registry().Node(0)
	a.Completed = tag.Tag{Time: 10}
	d.SetFail(1, true)

	ctx := context.Background()
	if err := c.OnNet(ctx, 1, tag.Tag{Time: 10}); err != nil {
		t.Fatal(err)
	}

	b, _ := c.Registry().Node(1)
	if b.State != scheduling.NotConnected {
		t.Errorf("node 1 state = %v, want NotConnected", b.State)
	}
	if !tag.Equal(b.LastGranted, tag.NEVER) {
		t.Errorf("node 1 last_granted = %v, want unchanged (NEVER)", b.LastGranted)
	}
	if len(d.Sent(1)) != 0 {
		t.Errorf("expected no successfully recorded frames for node 1")
	}
}

// Attaching a store durably records a successful grant in the
// background, without the caller having to wait on it.
func TestGrantIsAuditedWhenStoreAttached(t *testing.T) {
	c, d := newTestCoordinator(t, 2, 0)
	grantedNode(t, c, 0)
	grantedNode(t, c, 1)
	if err := c.RegisterUpstream(1, 0, tag.NewInterval(5)); err != nil {
		t.Fatal(err)
	}

	dbPath := filepath.Join(t.TempDir(), "audit.db")
	store, err := persistence.Open(dbPath, nil)
	if err != nil {
		t.Fatalf("persistence.Open: %v", err)
	}
	defer store.Close()
	c.SetStore(store)

	a, _ := c.Registry().Node(0)
	a.Completed = tag.Tag{Time: 10}

	if err := c.OnNet(context.Background(), 1, tag.Tag{Time: 10}); err != nil {
		t.Fatal(err)
	}
	if len(d.Sent(1)) == 0 {
		t.Fatalf("expected a grant to be dispatched to node 1")
	}

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if n, err := store.CountGrants(); err == nil && n > 0 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("no grant record was written to the audit store")
}

// A node with no upstream connections never blocks or grants via this
// engine; the downstream sweep still runs.
func TestIsolatedNodeOnNetDoesNotBlock(t *testing.T) {
	c, _ := newTestCoordinator(t, 1, 0)
	grantedNode(t, c, 0)

	done := make(chan error, 1)
	go func() { done <- c.OnNet(context.Background(), 0, tag.Tag{Time: 5}) }()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("OnNet: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatalf("OnNet blocked on an isolated node")
	}
}
