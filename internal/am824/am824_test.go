package am824

import (
	"encoding/binary"
	"testing"

	"github.com/snapetech/amdtp-engine/internal/cycletime"
	"github.com/snapetech/amdtp-engine/internal/diag"
	"github.com/snapetech/amdtp-engine/internal/streaminfo"
	"github.com/snapetech/amdtp-engine/internal/substream"
)

func TestHeaderEncodeDecodeRoundTrip(t *testing.T) {
	h := Header{SID: 0x12, DBS: 4, FN: 1, QPC: 2, SPH: true, DBC: 200, FMT: FMT, FDF: 0x02, SYT: 0xABCD}
	buf := h.Encode()
	if len(buf) != HeaderBytes {
		t.Fatalf("Encode() len = %d, want %d", len(buf), HeaderBytes)
	}
	got, err := Decode(buf)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if got != h {
		t.Errorf("Decode(Encode(h)) = %+v, want %+v", got, h)
	}
}

func TestDecodeRejectsBadFMT(t *testing.T) {
	h := Header{FMT: 0x20, FDF: 0x02, DBS: 2}
	buf := h.Encode()
	if _, err := Decode(buf); err == nil {
		t.Error("Decode should reject non-AM824 FMT")
	}
}

func TestDecodeRejectsShortBuffer(t *testing.T) {
	if _, err := Decode([]byte{1, 2, 3}); err == nil {
		t.Error("Decode should reject a too-short buffer")
	}
}

func TestEmptyAndTimestampPredicates(t *testing.T) {
	empty := Header{FMT: FMT, FDF: NoDataFDF, SYT: NoInfoSYT}
	if !empty.IsEmpty() || empty.HasTimestamp() {
		t.Error("empty header predicates wrong")
	}
	full := Header{FMT: FMT, FDF: 0x02, SYT: 0x1234}
	if full.IsEmpty() || !full.HasTimestamp() {
		t.Error("full header predicates wrong")
	}
}

func TestAudioQuadletRoundTrip(t *testing.T) {
	for _, s := range []float32{0, 0.5, -0.5, 1, -1, 0.999} {
		q := EncodeAudioQuadlet(s)
		if lbl := Label(q); lbl != LabelAudio {
			t.Fatalf("Label = 0x%02x, want 0x%02x", lbl, LabelAudio)
		}
		got := DecodeAudioQuadlet(q)
		if diff := float64(got - s); diff > 1e-4 || diff < -1e-4 {
			t.Errorf("round trip %v -> %v, diff %v too large", s, got, diff)
		}
	}
}

func TestAudioQuadletClampsOutOfRange(t *testing.T) {
	q := EncodeAudioQuadlet(2.0)
	got := DecodeAudioQuadlet(q)
	if got != 1.0 {
		t.Errorf("clamped encode of 2.0 decoded to %v, want 1.0", got)
	}
}

func TestMIDIQuadletRoundTrip(t *testing.T) {
	q := EncodeMIDI1Byte(0x90)
	if Label(q) != LabelMIDI1Byte {
		t.Fatalf("Label = 0x%02x, want 0x%02x", Label(q), LabelMIDI1Byte)
	}
	if got := DecodeMIDIByte(q); got != 0x90 {
		t.Errorf("DecodeMIDIByte = 0x%02x, want 0x90", got)
	}
	noData := EncodeMIDINoData()
	if Label(noData) != LabelMIDINoData {
		t.Errorf("no-data label = 0x%02x, want 0x%02x", Label(noData), LabelMIDINoData)
	}
}

func buildPacket(t *testing.T, dbs, nframes int, syt uint16, dbc uint8, fill func(frame, ch int) uint32) []byte {
	t.Helper()
	h := Header{FMT: FMT, FDF: 0x02, DBS: uint8(dbs), DBC: dbc, SYT: syt}
	buf := append([]byte{}, h.Encode()...)
	payload := make([]byte, nframes*dbs*4)
	for f := 0; f < nframes; f++ {
		for ch := 0; ch < dbs; ch++ {
			idx := (f*dbs + ch) * 4
			binary.BigEndian.PutUint32(payload[idx:idx+4], fill(f, ch))
		}
	}
	return append(buf, payload...)
}

func TestReceivePacketDemuxesAudio(t *testing.T) {
	codec, err := New(48000, diag.Noop{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	nframes := codec.SytInterval()
	samples := make([]float32, nframes)
	for i := range samples {
		samples[i] = float32(i) / float32(nframes)
	}
	pkt := buildPacket(t, 1, nframes, 0x0000, 0, func(f, ch int) uint32 {
		return EncodeAudioQuadlet(samples[f])
	})

	info := streaminfo.New(cycletime.TicksPerFrameNominal(48000))
	state := &PeriodState{BaseTsp: 0, Offset: 0, Todo: nframes}
	sub := substream.NewAudio("ch0", nframes)
	sub.SetOn(true)
	settings := substream.Settings{Substreams: []*substream.Buffer{sub}}

	status, err := codec.ReceivePacket(pkt, 0, true, info, info, state, settings)
	if err != nil {
		t.Fatalf("ReceivePacket: %v", err)
	}
	if status != HaveEnough {
		t.Errorf("status = %v, want HaveEnough", status)
	}
	for i, want := range samples {
		if got := sub.ReadAudioFrame(i); diffF32(got, want) > 1e-4 {
			t.Errorf("frame %d = %v, want %v", i, got, want)
		}
	}
}

func TestReceivePacketSkipsNoTimestamp(t *testing.T) {
	codec, err := New(48000, diag.Noop{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	nframes := codec.SytInterval()
	pkt := buildPacket(t, 1, nframes, NoInfoSYT, 0, func(f, ch int) uint32 { return EncodeAudioQuadlet(0.1) })

	info := streaminfo.New(cycletime.TicksPerFrameNominal(48000))
	state := &PeriodState{Todo: nframes}
	sub := substream.NewAudio("ch0", nframes)
	sub.SetOn(true)
	settings := substream.Settings{Substreams: []*substream.Buffer{sub}}

	status, err := codec.ReceivePacket(pkt, 0, true, info, info, state, settings)
	if err != nil {
		t.Fatalf("ReceivePacket: %v", err)
	}
	if status != NeedMore {
		t.Errorf("status = %v, want NeedMore", status)
	}
	if state.Offset != 0 {
		t.Errorf("Offset advanced to %d despite missing timestamp", state.Offset)
	}
}

func TestReceivePacketBogusHeaderIsNeedMoreNotError(t *testing.T) {
	codec, err := New(48000, diag.Noop{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	bogus := make([]byte, HeaderBytes+8)
	info := streaminfo.New(cycletime.TicksPerFrameNominal(48000))
	state := &PeriodState{Todo: codec.SytInterval()}
	status, err := codec.ReceivePacket(bogus, 0, false, info, info, state, substream.Settings{})
	if err != nil {
		t.Fatalf("ReceivePacket should not error on a bogus header: %v", err)
	}
	if status != NeedMore {
		t.Errorf("status = %v, want NeedMore", status)
	}
}

func TestTransmitPacketEmitsEmptyWhenBaseTspInvalid(t *testing.T) {
	codec, err := New(48000, diag.Noop{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	tx := &TxState{}
	info := streaminfo.New(cycletime.TicksPerFrameNominal(48000))
	state := &PeriodState{Todo: codec.SytInterval()}
	packetBuf := make([]byte, HeaderBytes+codec.SytInterval()*4)

	n, status, err := codec.TransmitPacket(tx, 0, false, state, info, substream.Settings{Substreams: []*substream.Buffer{}}, packetBuf)
	if err != nil {
		t.Fatalf("TransmitPacket: %v", err)
	}
	if n != HeaderBytes || status != NeedMore {
		t.Errorf("empty packet: n=%d status=%v, want %d/NeedMore", n, status, HeaderBytes)
	}
	h, err := Decode(packetBuf[:HeaderBytes])
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if !h.IsEmpty() || h.HasTimestamp() {
		t.Error("expected header-only empty packet with no timestamp")
	}
}

func TestTransmitPacketMuxesAudio(t *testing.T) {
	codec, err := New(48000, diag.Noop{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	nframes := codec.SytInterval()
	tx := &TxState{Template: Header{FMT: FMT, FDF: 0x02}}
	info := streaminfo.New(cycletime.TicksPerFrameNominal(48000))
	state := &PeriodState{BaseTsp: 1000, Offset: 0, Todo: nframes}

	sub := substream.NewAudio("ch0", nframes)
	sub.SetOn(true)
	for i := 0; i < nframes; i++ {
		sub.WriteAudioFrame(i, 0.25)
	}
	settings := substream.Settings{Substreams: []*substream.Buffer{sub}}

	packetBuf := make([]byte, HeaderBytes+nframes*4)
	n, status, err := codec.TransmitPacket(tx, 5, true, state, info, settings, packetBuf)
	if err != nil {
		t.Fatalf("TransmitPacket: %v", err)
	}
	if n != HeaderBytes+nframes*4 {
		t.Errorf("packet len = %d, want %d", n, HeaderBytes+nframes*4)
	}
	if status != HaveEnough {
		t.Errorf("status = %v, want HaveEnough", status)
	}
	payload := packetBuf[HeaderBytes:]
	for f := 0; f < nframes; f++ {
		q := binary.BigEndian.Uint32(payload[f*4 : f*4+4])
		if Label(q) != LabelAudio {
			t.Errorf("frame %d label = 0x%02x, want audio", f, Label(q))
		}
		if diffF32(DecodeAudioQuadlet(q), 0.25) > 1e-4 {
			t.Errorf("frame %d sample = %v, want 0.25", f, DecodeAudioQuadlet(q))
		}
	}
}

func TestTransmitPacketPacksSytNotRawTicks(t *testing.T) {
	codec, err := New(48000, diag.Noop{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	nframes := codec.SytInterval()
	tx := &TxState{Template: Header{FMT: FMT, FDF: 0x02}}
	info := streaminfo.New(cycletime.TicksPerFrameNominal(48000))
	// BaseTsp chosen so the flat tick value and its packed SYT encoding
	// disagree in the bits above the low 12 (0xEBB8 truncated vs 0x8BB8
	// packed: cycle 9000's low 4 bits and an offset near the top of its
	// cycle), catching a codec that truncates instead of calling
	// cycletime.TicksToSyt.
	baseTsp := cycletime.Tick(9000*cycletime.TicksPerCycle + 3000)
	state := &PeriodState{BaseTsp: baseTsp, Offset: 0, Todo: nframes}
	settings := substream.Settings{Substreams: []*substream.Buffer{substream.NewOff("ch0")}}

	packetBuf := make([]byte, HeaderBytes+nframes*4)
	_, _, err = codec.TransmitPacket(tx, cycletime.CycleOf(baseTsp), true, state, info, settings, packetBuf)
	if err != nil {
		t.Fatalf("TransmitPacket: %v", err)
	}
	h, err := Decode(packetBuf[:HeaderBytes])
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	wantSyt := cycletime.TicksToSyt(baseTsp)
	if h.SYT != wantSyt {
		t.Fatalf("SYT = 0x%04x, want 0x%04x (cycletime.TicksToSyt(transmitAtTsp))", h.SYT, wantSyt)
	}
	if raw := uint16(baseTsp); h.SYT == raw && raw != wantSyt {
		t.Fatal("SYT looks like the raw truncated tick value, not a packed SYT")
	}
	gotTsp := cycletime.SytRecvToFullTicks(h.SYT, baseTsp)
	if gotTsp != baseTsp {
		t.Errorf("SytRecvToFullTicks(SYT, arrival) = %d, want %d", gotTsp, baseTsp)
	}
}

func TestTransmitPacketDbcOnFirstPacketMatchesTemplate(t *testing.T) {
	codec, err := New(48000, diag.Noop{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	nframes := codec.SytInterval()
	tx := &TxState{Template: Header{FMT: FMT, FDF: 0x02, DBC: 0x40}}
	info := streaminfo.New(cycletime.TicksPerFrameNominal(48000))
	state := &PeriodState{BaseTsp: 1000, Offset: 0, Todo: nframes}
	settings := substream.Settings{Substreams: []*substream.Buffer{substream.NewOff("ch0")}}

	packetBuf := make([]byte, HeaderBytes+nframes*4)
	if _, _, err := codec.TransmitPacket(tx, 5, true, state, info, settings, packetBuf); err != nil {
		t.Fatalf("TransmitPacket: %v", err)
	}
	h, err := Decode(packetBuf[:HeaderBytes])
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if h.DBC != 0x40 {
		t.Errorf("first packet DBC = 0x%02x, want template's starting 0x40", h.DBC)
	}
	wantNext := uint8(0x40 + codec.SytInterval())
	if tx.Template.DBC != wantNext {
		t.Errorf("template DBC after call = 0x%02x, want 0x%02x", tx.Template.DBC, wantNext)
	}
}

func diffF32(a, b float32) float32 {
	d := a - b
	if d < 0 {
		return -d
	}
	return d
}
