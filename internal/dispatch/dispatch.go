// Package dispatch delivers encoded grant frames to federates over a
// transport, and reports short writes or connection errors back to
// the grant propagator so it can apply the soft-failure state
// transition (spec.md §7's transient send failure policy).
package dispatch

import (
	"context"
	"fmt"
	"net"
	"sync"

	nats "github.com/nats-io/nats.go"

	"github.com/swarmguard/rti-coordinator/internal/natsctx"
)

// Dispatcher hands an already-encoded grant frame to federate fedID.
// A non-nil error (including a short write) signals the caller to
// treat the federate as disconnected.
type Dispatcher interface {
	Send(ctx context.Context, fedID uint16, frame []byte) error
}

// TCPDispatcher holds one net.Conn per federate, set as federates
// complete their hello handshake, and writes grant frames directly to
// the socket.
type TCPDispatcher struct {
	mu    sync.Mutex
	conns map[uint16]net.Conn
}

// NewTCPDispatcher returns an empty dispatcher; call Attach as each
// federate connects.
func NewTCPDispatcher() *TCPDispatcher {
	return &TCPDispatcher{conns: make(map[uint16]net.Conn)}
}

// Attach registers conn as the transport for fedID, replacing any
// prior connection (a reconnect after disconnect).
func (d *TCPDispatcher) Attach(fedID uint16, conn net.Conn) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.conns[fedID] = conn
}

// Detach removes fedID's connection, e.g. on a clean disconnect
// notification from the transport layer.
func (d *TCPDispatcher) Detach(fedID uint16) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.conns, fedID)
}

// Send writes frame to fedID's connection. A short write is reported
// as an error even though net.Conn.Write on a stream socket rarely
// returns one without also erroring, because the propagator's
// soft-failure contract depends on it.
func (d *TCPDispatcher) Send(ctx context.Context, fedID uint16, frame []byte) error {
	d.mu.Lock()
	conn, ok := d.conns[fedID]
	d.mu.Unlock()
	if !ok {
		return fmt.Errorf("dispatch: no connection for federate %d", fedID)
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetWriteDeadline(deadline)
	}
	n, err := conn.Write(frame)
	if err != nil {
		return fmt.Errorf("dispatch: write to federate %d: %w", fedID, err)
	}
	if n != len(frame) {
		return fmt.Errorf("dispatch: short write to federate %d: %d of %d bytes", fedID, n, len(frame))
	}
	return nil
}

// NATSDispatcher publishes grant frames to a per-federate subject,
// propagating the caller's trace context in the message headers so a
// federate-side consumer can continue the span.
type NATSDispatcher struct {
	nc            *nats.Conn
	subjectPrefix string
}

// NewNATSDispatcher returns a dispatcher publishing to
// "<subjectPrefix>.<fed_id>".
func NewNATSDispatcher(nc *nats.Conn, subjectPrefix string) *NATSDispatcher {
	return &NATSDispatcher{nc: nc, subjectPrefix: subjectPrefix}
}

func (d *NATSDispatcher) subject(fedID uint16) string {
	return fmt.Sprintf("%s.%d", d.subjectPrefix, fedID)
}

// Send publishes frame to fedID's grant subject.
func (d *NATSDispatcher) Send(ctx context.Context, fedID uint16, frame []byte) error {
	if err := natsctx.Publish(ctx, d.nc, d.subject(fedID), fedID, frame); err != nil {
		return fmt.Errorf("dispatch: nats publish to federate %d: %w", fedID, err)
	}
	return nil
}

// LoopbackDispatcher records every sent frame in memory, for tests.
// Send never errors unless SetFail has been called for the federate.
type LoopbackDispatcher struct {
	mu   sync.Mutex
	sent map[uint16][][]byte
	fail map[uint16]bool
}

// NewLoopbackDispatcher returns an empty loopback dispatcher.
func NewLoopbackDispatcher() *LoopbackDispatcher {
	return &LoopbackDispatcher{
		sent: make(map[uint16][][]byte),
		fail: make(map[uint16]bool),
	}
}

// SetFail makes subsequent sends to fedID return an error, simulating
// a disconnected or misbehaving federate.
func (d *LoopbackDispatcher) SetFail(fedID uint16, fail bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.fail[fedID] = fail
}

// Send implements Dispatcher.
func (d *LoopbackDispatcher) Send(ctx context.Context, fedID uint16, frame []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.fail[fedID] {
		return fmt.Errorf("dispatch: simulated failure for federate %d", fedID)
	}
	cp := make([]byte, len(frame))
	copy(cp, frame)
	d.sent[fedID] = append(d.sent[fedID], cp)
	return nil
}

// Sent returns the frames sent to fedID, in order.
func (d *LoopbackDispatcher) Sent(fedID uint16) [][]byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([][]byte(nil), d.sent[fedID]...)
}
