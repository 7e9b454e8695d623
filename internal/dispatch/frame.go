package dispatch

import (
	"encoding/binary"

	"github.com/swarmguard/rti-coordinator/internal/tag"
)

// FrameLen is the wire size of a TAG/PTAG grant frame: 1 type byte + 8
// bytes of time (i64 LE) + 4 bytes of microstep (u32 LE).
const FrameLen = 1 + 8 + 4

// EncodeGrant writes a TAG/PTAG frame for t into a freshly allocated
// 13-byte buffer. typ is the caller-supplied message type byte; the
// engine does not choose the external message-type enumeration.
func EncodeGrant(typ byte, t tag.Tag) []byte {
	buf := make([]byte, FrameLen)
	buf[0] = typ
	binary.LittleEndian.PutUint64(buf[1:9], uint64(t.Time))
	binary.LittleEndian.PutUint32(buf[9:13], t.Microstep)
	return buf
}

// DecodeGrant parses a 13-byte TAG/PTAG frame back into a type byte
// and tag. Used by tests and by the transport server, whose inbound
// NET/LTC frames share this layout.
func DecodeGrant(buf []byte) (byte, tag.Tag, bool) {
	if len(buf) != FrameLen {
		return 0, tag.Tag{}, false
	}
	t := tag.Tag{
		Time:      int64(binary.LittleEndian.Uint64(buf[1:9])),
		Microstep: binary.LittleEndian.Uint32(buf[9:13]),
	}
	return buf[0], t, true
}
