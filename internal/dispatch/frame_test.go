package dispatch

import (
	"context"
	"testing"

	"github.com/swarmguard/rti-coordinator/internal/tag"
)

func TestEncodeDecodeGrantRoundTrip(t *testing.T) {
	want := tag.Tag{Time: 123456789, Microstep: 42}
	frame := EncodeGrant(0x07, want)
	if len(frame) != FrameLen {
		t.Fatalf("len(frame) = %d, want %d", len(frame), FrameLen)
	}
	typ, got, ok := DecodeGrant(frame)
	if !ok {
		t.Fatalf("DecodeGrant failed")
	}
	if typ != 0x07 {
		t.Errorf("type = %#x, want 0x07", typ)
	}
	if !tag.Equal(got, want) {
		t.Errorf("decoded tag = %v, want %v", got, want)
	}
}

func TestEncodeGrantIsThirteenBytes(t *testing.T) {
	frame := EncodeGrant(1, tag.Zero)
	if len(frame) != 13 {
		t.Fatalf("frame length = %d, want 13 (1 type + 8 time + 4 microstep)", len(frame))
	}
}

func TestLoopbackDispatcherRecordsAndFails(t *testing.T) {
	d := NewLoopbackDispatcher()
	frame := EncodeGrant(1, tag.Tag{Time: 10})
	if err := d.Send(context.Background(), 5, frame); err != nil {
		t.Fatalf("Send: %v", err)
	}
	sent := d.Sent(5)
	if len(sent) != 1 {
		t.Fatalf("len(Sent) = %d, want 1", len(sent))
	}

	d.SetFail(5, true)
	if err := d.Send(context.Background(), 5, frame); err == nil {
		t.Fatalf("expected error after SetFail")
	}
}
