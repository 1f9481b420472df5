package am824

import (
	"encoding/binary"
	"fmt"

	"github.com/snapetech/amdtp-engine/internal/cycletime"
	"github.com/snapetech/amdtp-engine/internal/diag"
	"github.com/snapetech/amdtp-engine/internal/fwerr"
	"github.com/snapetech/amdtp-engine/internal/streaminfo"
	"github.com/snapetech/amdtp-engine/internal/substream"
)

// Status is the result of feeding one packet through the codec,
// mirroring spec.md §4.C's NEED_MORE/HAVE_ENOUGH/ERROR trichotomy
// (ERROR is instead surfaced as a Go error).
type Status int

const (
	NeedMore Status = iota
	HaveEnough
)

// PeriodState is the caller-owned (streamer-owned) progress counter
// threaded through a run of ReceivePacket/TransmitPacket calls for one
// connection's period. The streamer resets it at period start and
// reads Offset/Todo between calls to decide whether to keep calling.
type PeriodState struct {
	BaseTsp cycletime.Tick
	Offset  int
	Todo    int
}

// TxState is the persistent per-connection transmit state: the cached
// CIP header template (DBC advances across calls) and the fixed
// transfer delay applied to every outgoing timestamp.
type TxState struct {
	Template           Header
	TransferDelayTicks uint32
}

// Codec encodes/decodes AM824 packets for one connection at a fixed
// sample rate. It holds no per-connection mutable state of its own;
// that lives in the StreamInfo and PeriodState the caller passes in,
// so one Codec value can serve every connection running at the same
// rate.
type Codec struct {
	Rate int
	sri  cycletime.SampleRateInfo
	sink diag.Sink
}

// New builds a Codec for rate, failing with a Configuration error if
// rate is not in the sample-rate table (spec.md §4.C).
func New(rate int, sink diag.Sink) (*Codec, error) {
	sri, ok := cycletime.LookupSampleRate(rate)
	if !ok {
		return nil, fmt.Errorf("%w: unsupported sample rate %d", fwerr.Configuration, rate)
	}
	if sink == nil {
		sink = diag.Noop{}
	}
	return &Codec{Rate: rate, sri: sri, sink: sink}, nil
}

// SytInterval returns this codec's frames-per-packet constant.
func (c *Codec) SytInterval() int { return c.sri.SytInterval }

// FDF returns this codec's sample-rate FDF/SFC code, for seeding a
// connection's transmit CIP header template.
func (c *Codec) FDF() byte { return c.sri.FDF }

// ReceivePacket implements spec.md §4.C's receive path for one
// packet. buf is the full wire packet (8-byte CIP header followed by
// payload). arrivalCycle is the bus cycle the packet was delivered on
// (from isodev's interrupt handling), used to disambiguate SYT.
// isMaster selects whether this call also updates info's smoothed
// ticks-per-frame estimate. masterInfo is the StreamInfo the caller
// resolved as this connection's sync master (info itself when this
// connection is the master, or when none is assigned yet) and is the
// one actually consulted for the current tpf.
func (c *Codec) ReceivePacket(buf []byte, arrivalCycle uint32, isMaster bool, info *streaminfo.Info, masterInfo *streaminfo.Info, state *PeriodState, settings substream.Settings) (Status, error) {
	if len(buf) < HeaderBytes {
		c.sink.Warnf("am824: short packet (%d bytes)", len(buf))
		c.sink.Counter("am824.bogus_packet", 1)
		return NeedMore, nil
	}
	h, err := Decode(buf[:HeaderBytes])
	if err != nil {
		c.sink.Warnf("am824: %v", err)
		c.sink.Counter("am824.bogus_packet", 1)
		return NeedMore, nil
	}
	if h.IsEmpty() {
		return NeedMore, nil
	}
	payload := buf[HeaderBytes:]
	quadlets := len(payload) / 4
	if quadlets <= 0 || h.DBS == 0 {
		c.sink.Warnf("am824: empty or zero-DBS data packet")
		c.sink.Counter("am824.bogus_packet", 1)
		return NeedMore, nil
	}
	if !h.HasTimestamp() {
		// No timestamp carried: nothing to align this block to, so the
		// block is skipped entirely rather than guessed at.
		return NeedMore, nil
	}

	arrivalTick := arrivalCycle * cycletime.TicksPerCycle
	thisTs := cycletime.SytRecvToFullTicks(h.SYT, arrivalTick)
	if round := cycletime.TicksToSyt(thisTs); round != h.SYT {
		c.sink.Warnf("am824: SYT round-trip mismatch: got 0x%04x, want 0x%04x", round, h.SYT)
	}

	nframes := quadlets / int(h.DBS)
	if nframes != c.sri.SytInterval || nframes%8 != 0 {
		c.sink.Warnf("am824: frame count %d inconsistent with syt_interval %d", nframes, c.sri.SytInterval)
		c.sink.Counter("am824.bogus_packet", 1)
		return NeedMore, fmt.Errorf("%w: nframes %d != syt_interval %d", fwerr.Protocol, nframes, c.sri.SytInterval)
	}

	if isMaster && info.LastRecvTsp != 0 {
		deltaTicks := cycletime.DiffTicks(thisTs, info.LastRecvTsp)
		info.Tpf += 0.01 * (float64(deltaTicks)/float64(nframes) - info.Tpf)
	}
	info.LastRecvTsp = thisTs

	tpf := masterInfo.Tpf
	if tpf <= 0 {
		tpf = cycletime.TicksPerFrameNominal(c.Rate)
	}

	ticksInBuffer := uint32(float64(state.Offset) * tpf)
	nextTsp := cycletime.AddTicks(state.BaseTsp, ticksInBuffer)
	framesLate := float64(cycletime.DiffTicks(thisTs, nextTsp)) / tpf

	half := float64(c.sri.SytInterval) / 2
	if framesLate < -half {
		c.sink.Warnf("am824: dropping stale packet, frames_late=%.1f", framesLate)
		c.sink.Counter("am824.late_drop", 1)
		return NeedMore, nil
	}
	for framesLate >= half {
		state.BaseTsp = cycletime.AddTicks(state.BaseTsp, uint32(float64(c.sri.SytInterval)*tpf))
		ticksInBuffer = uint32(float64(state.Offset) * tpf)
		nextTsp = cycletime.AddTicks(state.BaseTsp, ticksInBuffer)
		framesLate = float64(cycletime.DiffTicks(thisTs, nextTsp)) / tpf
		c.sink.Warnf("am824: catch-up, new frames_late=%.1f", framesLate)
		c.sink.Counter("am824.catchup", 1)
	}

	c.demuxAudioMIDI(payload, nframes, int(h.DBS), state.Offset, settings)

	state.Offset += nframes
	state.Todo -= nframes
	if state.Todo <= 0 {
		return HaveEnough, nil
	}
	return NeedMore, nil
}

func (c *Codec) demuxAudioMIDI(payload []byte, nframes, dbs, offset int, settings substream.Settings) {
	for f := 0; f < nframes; f++ {
		for i := 0; i < dbs && i < len(settings.Substreams); i++ {
			sub := settings.Substreams[i]
			if sub == nil || !sub.On() {
				continue
			}
			idx := (f*dbs + i) * 4
			if idx+4 > len(payload) {
				continue
			}
			q := binary.BigEndian.Uint32(payload[idx : idx+4])
			label := Label(q)
			switch sub.Kind() {
			case substream.Audio:
				if label == LabelAudio {
					sub.WriteAudioFrame(offset+f, DecodeAudioQuadlet(q))
				}
			case substream.MIDI:
				if label != LabelMIDINoData {
					if sub.PushMIDI(DecodeMIDIByte(q)) {
						c.sink.Warnf("am824: MIDI ring overflow on substream %q", sub.Name)
						c.sink.Counter("am824.midi_overflow", 1)
					}
				}
			}
		}
	}
}

// TransmitPacket implements spec.md §4.C's transmit path for one
// packet. packetBuf receives the whole wire packet: the 8-byte CIP
// header at [0:8] followed by the AM824 payload, and must be at least
// HeaderBytes+SytInterval()*dbs*4 bytes long (dbs =
// len(settings.Substreams)). requestCycle is the bus cycle this
// packet will be submitted into; baseTspValid reports whether
// state.BaseTsp has been anchored yet. info is the StreamInfo the
// caller resolved as this connection's sync master (its own StreamInfo
// when it is the master, or when none is assigned yet), and supplies
// the smoothed ticks-per-frame estimate actually consulted. Returns
// the number of bytes actually written (HeaderBytes alone for an
// empty packet).
func (c *Codec) TransmitPacket(tx *TxState, requestCycle uint32, baseTspValid bool, state *PeriodState, info *streaminfo.Info, settings substream.Settings, packetBuf []byte) (totalLen int, status Status, err error) {
	if len(packetBuf) < HeaderBytes {
		return 0, NeedMore, fmt.Errorf("%w: packet buffer too small", fwerr.Configuration)
	}
	if !baseTspValid || requestCycle == cycletime.Invalid {
		return c.emitEmpty(packetBuf), NeedMore, nil
	}
	return c.transmitInner(tx, requestCycle, state, info, settings, packetBuf)
}

func (c *Codec) transmitInner(tx *TxState, requestCycle uint32, state *PeriodState, info *streaminfo.Info, settings substream.Settings, packetBuf []byte) (int, Status, error) {
	tpfValue := info.Tpf
	if tpfValue <= 0 {
		tpfValue = cycletime.TicksPerFrameNominal(c.Rate)
	}

	nextTsp := cycletime.AddTicks(state.BaseTsp, uint32(float64(state.Offset)*tpfValue))
	transmitAtTsp := cycletime.SubTicks(nextTsp, tx.TransferDelayTicks)
	transmitAtCycle := cycletime.CycleOf(transmitAtTsp)
	cyclesLate := cycletime.DiffCycles(requestCycle, transmitAtCycle)

	if cyclesLate < 0 {
		return c.emitEmpty(packetBuf), NeedMore, nil
	}
	for cyclesLate > 8 {
		state.BaseTsp = cycletime.AddTicks(state.BaseTsp, uint32(float64(c.sri.SytInterval)*tpfValue))
		nextTsp = cycletime.AddTicks(state.BaseTsp, uint32(float64(state.Offset)*tpfValue))
		transmitAtTsp = cycletime.SubTicks(nextTsp, tx.TransferDelayTicks)
		transmitAtCycle = cycletime.CycleOf(transmitAtTsp)
		cyclesLate = cycletime.DiffCycles(requestCycle, transmitAtCycle)
		c.sink.Warnf("am824: tx catch-up, cycles_late=%d", cyclesLate)
		c.sink.Counter("am824.tx_catchup", 1)
	}

	dbs := len(settings.Substreams)
	h := tx.Template
	h.FMT = FMT
	h.FDF = c.sri.FDF
	h.DBS = uint8(dbs)
	h.SYT = cycletime.TicksToSyt(transmitAtTsp)
	copy(packetBuf[:HeaderBytes], h.Encode())
	tx.Template.DBC = uint8(int(tx.Template.DBC) + c.sri.SytInterval)

	need := c.sri.SytInterval * dbs * 4
	if len(packetBuf) < HeaderBytes+need {
		return 0, NeedMore, fmt.Errorf("%w: packet buffer too small (%d < %d)", fwerr.Configuration, len(packetBuf), HeaderBytes+need)
	}
	c.muxAudioMIDI(packetBuf[HeaderBytes:HeaderBytes+need], c.sri.SytInterval, dbs, state.Offset, settings)

	state.Offset += c.sri.SytInterval
	state.Todo -= c.sri.SytInterval
	status := NeedMore
	if state.Todo <= 0 {
		status = HaveEnough
	}
	return HeaderBytes + need, status, nil
}

func (c *Codec) muxAudioMIDI(payloadBuf []byte, nframes, dbs, offset int, settings substream.Settings) {
	for f := 0; f < nframes; f++ {
		for i := 0; i < dbs; i++ {
			var sub *substream.Buffer
			if i < len(settings.Substreams) {
				sub = settings.Substreams[i]
			}
			idx := (f*dbs + i) * 4
			var q uint32
			switch {
			case sub == nil || !sub.On() || sub.Kind() == substream.Off:
				q = 0
			case sub.Kind() == substream.Audio:
				q = EncodeAudioQuadlet(sub.ReadAudioFrame(offset + f))
			case sub.Kind() == substream.MIDI:
				if (offset+f)%8 == 0 {
					if b, ok := sub.PopMIDI(); ok {
						q = EncodeMIDI1Byte(b)
					} else {
						q = EncodeMIDINoData()
					}
				} else {
					q = EncodeMIDINoData()
				}
			}
			binary.BigEndian.PutUint32(payloadBuf[idx:idx+4], q)
		}
	}
}

func (c *Codec) emitEmpty(packetBuf []byte) int {
	h := Header{FMT: FMT, FDF: NoDataFDF, SYT: NoInfoSYT}
	copy(packetBuf[:HeaderBytes], h.Encode())
	return HeaderBytes
}
