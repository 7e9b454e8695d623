package scheduling

import (
	"fmt"
	"sync"
	"time"

	"github.com/swarmguard/rti-coordinator/internal/tag"
)

// Registry is the federation-wide collection of scheduling nodes,
// indexed densely by federate id, plus federation-wide stop-tag
// bookkeeping. A single mutex protects the registry and every node it
// holds — spec.md §3/§5's "single federation-wide mutex".
type Registry struct {
	mu sync.Mutex

	nodes     []*Node // dense 0..N, nil until InitializeNode
	startTime int64

	maxStopTag     tag.Tag
	numHandlingStop int32

	auditSeq uint64
}

// NewRegistry returns an empty registry sized for n federates, with
// logical start time startTime (nanoseconds).
func NewRegistry(n int, startTime int64) *Registry {
	return &Registry{
		nodes:      make([]*Node, n),
		startTime:  startTime,
		maxStopTag: tag.NEVER,
	}
}

// Lock/Unlock expose the registry mutex to callers (grant decision,
// propagation, min-delay engine) that must hold it across a sequence
// of node reads/writes to preserve the atomicity spec.md §5 requires.
// Prefer WithLock where the call shape allows it.
func (r *Registry) Lock()   { r.mu.Lock() }
func (r *Registry) Unlock() { r.mu.Unlock() }

// WithLock runs fn with the registry mutex held.
func (r *Registry) WithLock(fn func()) {
	r.mu.Lock()
	defer r.mu.Unlock()
	fn()
}

// StartTime returns the federation's logical start time in nanoseconds.
func (r *Registry) StartTime() int64 { return r.startTime }

// NumSchedulingNodes returns the number of federate slots in the
// registry (spec.md §3's number_of_scheduling_nodes).
func (r *Registry) NumSchedulingNodes() int { return len(r.nodes) }

// InitializeNode creates the node at id if absent. Caller must not
// already hold the registry lock.
func (r *Registry) InitializeNode(id uint16) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.initializeNodeLocked(id)
}

func (r *Registry) initializeNodeLocked(id uint16) error {
	if int(id) >= len(r.nodes) {
		return fmt.Errorf("scheduling: federate id %d out of range [0,%d)", id, len(r.nodes))
	}
	if r.nodes[id] == nil {
		r.nodes[id] = NewNode(id, &r.mu)
	}
	return nil
}

// Node returns the node at id, locking the registry. The returned
// pointer must only be read/mutated while the lock is held; prefer
// NodeLocked inside a WithLock block for multi-field access.
func (r *Registry) Node(id uint16) (*Node, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.NodeLocked(id)
}

// NodeLocked returns the node at id; caller must already hold the lock.
func (r *Registry) NodeLocked(id uint16) (*Node, error) {
	if int(id) >= len(r.nodes) || r.nodes[id] == nil {
		return nil, fmt.Errorf("scheduling: federate id %d not initialized", id)
	}
	return r.nodes[id], nil
}

// AllLocked returns the dense node slice; caller must hold the lock.
// Entries may be nil for uninitialized ids.
func (r *Registry) AllLocked() []*Node { return r.nodes }

// RegisterUpstream adds an upstream edge id -> upstreamID with the
// given after-delay, and invalidates id's min-delay cache (the graph
// just changed structurally).
func (r *Registry) RegisterUpstream(id, upstreamID uint16, delay tag.Interval) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	n, err := r.NodeLocked(id)
	if err != nil {
		return err
	}
	if _, err := r.NodeLocked(upstreamID); err != nil {
		return err
	}
	n.Upstream = append(n.Upstream, Edge{ID: upstreamID, Delay: delay})
	n.invalidateMinDelays()
	return nil
}

// RegisterDownstream adds a downstream edge id -> downstreamID.
func (r *Registry) RegisterDownstream(id, downstreamID uint16) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	n, err := r.NodeLocked(id)
	if err != nil {
		return err
	}
	if _, err := r.NodeLocked(downstreamID); err != nil {
		return err
	}
	n.Downstream = append(n.Downstream, downstreamID)
	return nil
}

// SetState transitions a node's connection state. Transitioning to
// Granted stamps ConnectedAt (ambient bookkeeping only).
func (r *Registry) SetState(id uint16, s State) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	n, err := r.NodeLocked(id)
	if err != nil {
		return err
	}
	n.State = s
	if s == Granted {
		n.ConnectedAt = time.Now()
	}
	return nil
}

// NotifyStartTimeSent signals that the start-time message has been
// sent to federate id, waking any goroutine blocked issuing a grant to
// it while Pending.
func (r *Registry) NotifyStartTimeSent(id uint16) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	n, err := r.NodeLocked(id)
	if err != nil {
		return err
	}
	n.notifyStartTimeSent()
	return nil
}

// MaxStopTag returns the federation-wide stop tag.
func (r *Registry) MaxStopTag() tag.Tag {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.maxStopTag
}

// SetMaxStopTag sets the federation-wide stop tag.
func (r *Registry) SetMaxStopTag(t tag.Tag) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.maxStopTag = t
}

// NumHandlingStop returns the count of federates currently handling
// the stop tag.
func (r *Registry) NumHandlingStop() int32 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.numHandlingStop
}

// IncHandlingStop increments the handling-stop counter and returns the
// new value.
func (r *Registry) IncHandlingStop() int32 {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.numHandlingStop++
	return r.numHandlingStop
}

// NextAuditSeq returns a monotonically increasing sequence number for
// audit log records; ambient bookkeeping, not read by any §4 algorithm.
func (r *Registry) NextAuditSeq() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.auditSeq++
	return r.auditSeq
}
