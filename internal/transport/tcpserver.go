// Package transport is the TCP front door the engine's Dispatcher
// interface assumes but does not implement: spec.md treats the
// socket lifecycle and the message-type byte enumeration as an
// external collaborator, so this package owns accepting federate
// connections, running the per-federate hello handshake, decoding
// incoming NET/LTC/stop-report frames, and feeding them to the
// coordinator and shutdown manager.
package transport

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"

	"github.com/swarmguard/rti-coordinator/internal/coordinator"
	"github.com/swarmguard/rti-coordinator/internal/dispatch"
	"github.com/swarmguard/rti-coordinator/internal/scheduling"
	"github.com/swarmguard/rti-coordinator/internal/shutdown"
	"github.com/swarmguard/rti-coordinator/internal/telemetry"
)

// Message type bytes for the inbound federate->coordinator stream.
// Distinct from dispatch's TAG/PTAG type bytes, which travel the
// other direction.
const (
	MsgHello byte = 0x01
	MsgNet   byte = 0x02
	MsgLTC   byte = 0x03
	MsgStop  byte = 0x04
)

// helloLen is a hello frame: type byte + 2-byte federate id (LE).
const helloLen = 1 + 2

// Server accepts federate TCP connections, runs the hello handshake,
// and dispatches decoded NET/LTC/stop notifications to a coordinator.
type Server struct {
	ln         net.Listener
	dispatcher *dispatch.TCPDispatcher
	coord      *coordinator.Coordinator
	shutdown   *shutdown.Manager
	logger     *slog.Logger

	wg sync.WaitGroup
}

// NewServer returns a Server that will accept on addr once Serve is
// called. dispatcher must be the same TCPDispatcher instance the
// coordinator sends grants through, so Attach/Detach stay in sync
// with the connections this server owns.
func NewServer(addr string, dispatcher *dispatch.TCPDispatcher, coord *coordinator.Coordinator, sm *shutdown.Manager, logger *slog.Logger) (*Server, error) {
	if logger == nil {
		logger = slog.Default()
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("transport: listen %s: %w", addr, err)
	}
	return &Server{ln: ln, dispatcher: dispatcher, coord: coord, shutdown: sm, logger: logger}, nil
}

// Addr returns the listener's bound address.
func (s *Server) Addr() net.Addr { return s.ln.Addr() }

// Serve accepts connections until ctx is cancelled or the listener is
// closed, then waits for in-flight connection handlers to finish.
func (s *Server) Serve(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		_ = s.ln.Close()
	}()
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				s.wg.Wait()
				return nil
			}
			s.logger.Warn("transport: accept error", "error", err)
			continue
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleConn(ctx, conn)
		}()
	}
}

func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	fedID, err := readHello(conn)
	if err != nil {
		s.logger.Warn("transport: hello handshake failed", "error", err, "remote", conn.RemoteAddr())
		return
	}
	log := telemetry.WithFederate(s.logger, fedID)
	log.Info("federate connected", "remote", conn.RemoteAddr())

	if err := s.coord.InitializeNode(fedID); err != nil {
		log.Error("transport: initialize node", "error", err)
		return
	}
	s.dispatcher.Attach(fedID, conn)
	if err := s.coord.SetState(fedID, scheduling.Pending); err != nil {
		log.Error("transport: set pending", "error", err)
	}

	defer func() {
		s.dispatcher.Detach(fedID)
		_ = s.coord.SetState(fedID, scheduling.NotConnected)
		log.Info("federate disconnected")
	}()

	buf := make([]byte, dispatch.FrameLen)
	for {
		if _, err := readFull(conn, buf); err != nil {
			if !errors.Is(err, net.ErrClosed) {
				log.Debug("transport: read loop ended", "error", err)
			}
			return
		}
		typ, t, ok := dispatch.DecodeGrant(buf)
		if !ok {
			continue
		}
		switch typ {
		case MsgNet:
			if err := s.coord.OnNet(ctx, fedID, t); err != nil {
				log.Warn("transport: on_net", "error", err)
			}
		case MsgLTC:
			if err := s.coord.OnLTC(ctx, fedID, t); err != nil {
				log.Warn("transport: on_ltc", "error", err)
			}
		case MsgStop:
			if s.shutdown != nil {
				s.shutdown.ReportHandlingStop(ctx, fedID)
			}
		default:
			log.Warn("transport: unknown message type", "type", typ)
		}
	}
}

func readHello(conn net.Conn) (uint16, error) {
	buf := make([]byte, helloLen)
	if _, err := readFull(conn, buf); err != nil {
		return 0, fmt.Errorf("transport: read hello: %w", err)
	}
	if buf[0] != MsgHello {
		return 0, fmt.Errorf("transport: expected hello frame, got type %d", buf[0])
	}
	return binary.LittleEndian.Uint16(buf[1:3]), nil
}

func readFull(conn net.Conn, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := conn.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}
