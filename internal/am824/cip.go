// Package am824 implements the IEC 61883-6 CIP (Common Isochronous
// Packet) header and AM824 audio/MIDI payload codec: the wire format
// carried inside every isodev packet once a connection is running
// (spec.md §4.C, §6).
//
// The header encode/decode here is modeled directly on the teacher's
// internal/hdhomerun/packet.go Marshal/Unmarshal pair: fixed-width
// big-endian fields packed by hand with shifts and masks, decoded by
// the mirror-image unpacking, the way that file builds and parses its
// own length-prefixed frames.
package am824

import (
	"encoding/binary"
	"fmt"

	"github.com/snapetech/amdtp-engine/internal/fwerr"
)

// HeaderBytes is the fixed size of a CIP header: two quadlets.
const HeaderBytes = 8

// FMT is the IEC 61883-6 format code for AM824.
const FMT = 0x10

// NoDataFDF marks a CIP header carrying no data (empty packet).
const NoDataFDF = 0xFF

// NoInfoSYT marks a CIP header whose SYT field carries no timing
// information (header-only / empty packets, per spec.md §9's
// resolution of the "empty packet header-only vs full frame of
// silence" open question: header-only by default).
const NoInfoSYT = 0xFFFF

// Header is a decoded CIP header (spec.md §6):
//
//	Quadlet 0: EOH(2) SID(6) | DBS(8) | FN(2) QPC(3) SPH(1) Rsv(2) DBC(8)
//	Quadlet 1: EOH(2) FMT(6) | FDF(8) | SYT(16)
type Header struct {
	SID uint8  // source node ID, 6 bits
	DBS uint8  // data block size in quadlets
	FN  uint8  // fraction number, 2 bits
	QPC uint8  // quadlet padding count, 3 bits
	SPH bool   // source packet header present
	DBC uint8  // data block continuity counter
	FMT uint8  // format code, 6 bits (AM824 == FMT)
	FDF uint8  // format-dependent field (encodes sample rate / no-data)
	SYT uint16 // synchronization timestamp
}

// Encode packs h into the 8-byte CIP header wire format.
func (h Header) Encode() []byte {
	buf := make([]byte, HeaderBytes)
	q0 := uint32(0b10<<30) | uint32(h.SID&0x3F)<<24 | uint32(h.DBS)<<16
	q0 |= uint32(h.FN&0x3)<<14 | uint32(h.QPC&0x7)<<11
	if h.SPH {
		q0 |= 1 << 10
	}
	q0 |= uint32(h.DBC)
	binary.BigEndian.PutUint32(buf[0:4], q0)

	q1 := uint32(0b10<<30) | uint32(h.FMT&0x3F)<<24 | uint32(h.FDF)<<16 | uint32(h.SYT)
	binary.BigEndian.PutUint32(buf[4:8], q1)
	return buf
}

// Decode unpacks an 8-byte CIP header, returning a Protocol error if
// buf is too short, the EOH marker bits are wrong, FMT is not AM824,
// or DBS is zero while the packet carries data (spec.md §4.C receive
// validation, step 1).
func Decode(buf []byte) (Header, error) {
	if len(buf) < HeaderBytes {
		return Header{}, fmt.Errorf("%w: CIP header too short (%d bytes)", fwerr.Protocol, len(buf))
	}
	q0 := binary.BigEndian.Uint32(buf[0:4])
	q1 := binary.BigEndian.Uint32(buf[4:8])

	if q0>>30 != 0b10 || q1>>30 != 0b10 {
		return Header{}, fmt.Errorf("%w: CIP header EOH bits not 0b10", fwerr.Protocol)
	}

	h := Header{
		SID: uint8(q0>>24) & 0x3F,
		DBS: uint8(q0 >> 16),
		FN:  uint8(q0>>14) & 0x3,
		QPC: uint8(q0>>11) & 0x7,
		SPH: (q0>>10)&0x1 != 0,
		DBC: uint8(q0),
		FMT: uint8(q1>>24) & 0x3F,
		FDF: uint8(q1 >> 16),
		SYT: uint16(q1),
	}

	if h.FMT != FMT {
		return Header{}, fmt.Errorf("%w: unexpected CIP FMT 0x%02x (want 0x%02x)", fwerr.Protocol, h.FMT, FMT)
	}
	if h.FDF != NoDataFDF && h.DBS == 0 {
		return Header{}, fmt.Errorf("%w: zero DBS on a data-carrying packet", fwerr.Protocol)
	}
	return h, nil
}

// IsEmpty reports whether h describes a header-only (no-data) packet.
func (h Header) IsEmpty() bool {
	return h.FDF == NoDataFDF
}

// HasTimestamp reports whether h carries a usable SYT value.
func (h Header) HasTimestamp() bool {
	return h.SYT != NoInfoSYT
}
