// Package scheduling holds the per-federate scheduling node and the
// federation-wide registry of nodes that the grant-decision and
// min-delay engines operate on. All mutation goes through Registry,
// which owns the single federation-wide mutex.
package scheduling

import (
	"sync"
	"time"

	"github.com/swarmguard/rti-coordinator/internal/tag"
)

// State is the connection lifecycle of a scheduling node.
type State int

const (
	// NotConnected means the federate has not connected, or has
	// disconnected / failed a write. Grant attempts are dropped.
	NotConnected State = iota
	// Pending means the federate is connected but the start-time
	// handshake has not completed. Grant attempts block on the
	// node's rendezvous condition variable.
	Pending
	// Granted means the start-time message has been sent and
	// acknowledged; grants may be issued.
	Granted
)

func (s State) String() string {
	switch s {
	case NotConnected:
		return "not_connected"
	case Pending:
		return "pending"
	case Granted:
		return "granted"
	default:
		return "unknown"
	}
}

// Mode is the execution mode of a federate.
type Mode int

const (
	// Realtime paces execution against the wall clock.
	Realtime Mode = iota
	// Fast runs as fast as possible with no wall-clock pacing.
	Fast
)

func (m Mode) String() string {
	switch m {
	case Realtime:
		return "realtime"
	case Fast:
		return "fast"
	default:
		return "unknown"
	}
}

// Flag bits recording whether a node participates in a cycle.
const (
	FlagInCycle uint32 = 1 << iota
	FlagInZeroDelayCycle
)

// Edge is a single upstream connection: the upstream node's id and the
// after-delay on that connection (nil encodes "no delay").
type Edge struct {
	ID    uint16
	Delay tag.Interval
}

// MinDelay is a cached transitive shortest-delay path entry: the
// upstream node id and the minimum accumulated delay of any path from
// it to the node that owns this cache.
type MinDelay struct {
	ID       uint16
	MinDelay tag.Tag
}

// Node is a single federate's scheduling state.
type Node struct {
	ID uint16

	Completed                 tag.Tag
	LastGranted               tag.Tag
	LastProvisionallyGranted  tag.Tag
	NextEvent                 tag.Tag

	State State
	Mode  Mode

	Upstream   []Edge
	Downstream []uint16

	// MinDelays is the cached transitive shortest-delay vector, kept
	// in ascending node-id order. An empty slice means "unbuilt";
	// any structural graph change must reset it to nil/empty.
	MinDelays []MinDelay
	Flags     uint32

	// ConnectedAt is ambient bookkeeping for housekeeping/metrics; no
	// §4 algorithm reads it.
	ConnectedAt time.Time

	// startTimeSent and its condition variable implement the
	// per-federate rendezvous of spec.md §4.6: a TAG/PTAG attempted
	// while Pending blocks here until NotifyStartTimeSent wakes it.
	startTimeSent bool
	cond          *sync.Cond
}

// NewNode returns a freshly initialized node with all tags at NEVER
// and state NotConnected, per spec.md §3's Init clauses.
func NewNode(id uint16, mu *sync.Mutex) *Node {
	return &Node{
		ID:                       id,
		Completed:                tag.NEVER,
		LastGranted:              tag.NEVER,
		LastProvisionallyGranted: tag.NEVER,
		NextEvent:                tag.NEVER,
		State:                    NotConnected,
		Mode:                     Realtime,
		cond:                     sync.NewCond(mu),
	}
}

// InCycle reports whether the node has been flagged as lying on a
// cycle by the min-delay engine.
func (n *Node) InCycle() bool { return n.Flags&FlagInCycle != 0 }

// InZeroDelayCycle reports whether the node has been flagged as lying
// on a zero-delay cycle.
func (n *Node) InZeroDelayCycle() bool { return n.Flags&FlagInZeroDelayCycle != 0 }

func (n *Node) setInCycle(v bool) {
	if v {
		n.Flags |= FlagInCycle
	} else {
		n.Flags &^= FlagInCycle
	}
}

func (n *Node) setInZeroDelayCycle(v bool) {
	if v {
		n.Flags |= FlagInZeroDelayCycle
	} else {
		n.Flags &^= FlagInZeroDelayCycle
	}
}

// invalidateMinDelays clears the cached min-delay vector, forcing the
// min-delay engine to recompute it on next use. Must be called on any
// structural graph mutation (spec.md §3's invariant on MinDelays).
func (n *Node) invalidateMinDelays() {
	n.MinDelays = nil
}

// WaitForStartTimeSent blocks the calling goroutine, which must hold
// the registry mutex, until NotifyStartTimeSent has been called for
// this node. Tolerates spurious wakeups via the while-loop pattern
// spec.md §5 requires.
func (n *Node) WaitForStartTimeSent() {
	for !n.startTimeSent {
		n.cond.Wait()
	}
}

// notifyStartTimeSent marks the start-time handshake complete and
// wakes any goroutines blocked in WaitForStartTimeSent. Caller must
// hold the registry mutex.
func (n *Node) notifyStartTimeSent() {
	n.startTimeSent = true
	n.cond.Broadcast()
}
