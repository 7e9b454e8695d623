package transport

import (
	"context"
	"encoding/binary"
	"net"
	"testing"
	"time"

	"github.com/swarmguard/rti-coordinator/internal/coordinator"
	"github.com/swarmguard/rti-coordinator/internal/dispatch"
	"github.com/swarmguard/rti-coordinator/internal/scheduling"
	"github.com/swarmguard/rti-coordinator/internal/tag"
	"github.com/swarmguard/rti-coordinator/internal/telemetry"
)

func encodeHello(fedID uint16) []byte {
	buf := make([]byte, helloLen)
	buf[0] = MsgHello
	binary.LittleEndian.PutUint16(buf[1:3], fedID)
	return buf
}

func TestServerHandshakeAndNetNotification(t *testing.T) {
	reg := scheduling.NewRegistry(1, 0)
	d := dispatch.NewTCPDispatcher()
	c := coordinator.New(reg, d, coordinator.FrameTypes{Tag: 1, Ptag: 2}, nil, telemetry.Metrics{})

	srv, err := NewServer("127.0.0.1:0", d, c, nil, nil)
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go srv.Serve(ctx)

	conn, err := net.Dial("tcp", srv.Addr().String())
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close()

	if _, err := conn.Write(encodeHello(0)); err != nil {
		t.Fatalf("write hello: %v", err)
	}
	netFrame := dispatch.EncodeGrant(MsgNet, tag.Tag{Time: 10})
	if _, err := conn.Write(netFrame); err != nil {
		t.Fatalf("write net: %v", err)
	}

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		node, err := reg.Node(0)
		if err == nil && node.NextEvent.Time == 10 {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("federate 0's next_event was never updated to (10,0)")
}
