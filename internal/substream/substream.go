// Package substream holds the per-substream buffer variant the AM824
// codec reads from and writes to: a tagged {Audio, MIDI, Off} union
// per spec.md §4.F/§9 ("Pointer graphs in substream buffers" design
// note), replacing the source's raw typed pointers with a Go value
// that carries its own length/stride and dispatches on tag.
package substream

import "fmt"

// Kind is the substream's payload type.
type Kind int

const (
	Off Kind = iota
	Audio
	MIDI
)

func (k Kind) String() string {
	switch k {
	case Audio:
		return "audio"
	case MIDI:
		return "midi"
	default:
		return "off"
	}
}

// MIDIRingCapacity is RX_MIDI_CAPACITY from spec.md §4.C: the queue
// depth for demultiplexed MIDI bytes before the oldest is dropped.
const MIDIRingCapacity = 64

// midiRing is a small fixed-capacity byte queue; overflow drops the
// oldest byte (spec.md §4.C MIDI demux).
type midiRing struct {
	buf   [MIDIRingCapacity]byte
	head  int
	count int
}

func (r *midiRing) push(b byte) (overflowed bool) {
	if r.count == MIDIRingCapacity {
		r.head = (r.head + 1) % MIDIRingCapacity
		r.count--
		overflowed = true
	}
	idx := (r.head + r.count) % MIDIRingCapacity
	r.buf[idx] = b
	r.count++
	return overflowed
}

func (r *midiRing) pop() (b byte, ok bool) {
	if r.count == 0 {
		return 0, false
	}
	b = r.buf[r.head]
	r.head = (r.head + 1) % MIDIRingCapacity
	r.count--
	return b, true
}

func (r *midiRing) len() int { return r.count }

// Buffer is one substream: a period-sized audio sample slice, or a
// MIDI byte ring, or nothing (Off). Name mirrors the source's
// per-substream name field, used only for diagnostics.
type Buffer struct {
	Name string
	kind Kind
	on   bool

	audio []float32 // length = capacity passed to NewAudio
	midi  midiRing
}

// NewAudio creates an Audio substream with a fixed-capacity sample
// buffer. capacity should cover the largest period the streamer will
// ever run, since no reallocation happens while Running (spec.md §4.F
// "No reshaping while Running").
func NewAudio(name string, capacity int) *Buffer {
	return &Buffer{Name: name, kind: Audio, audio: make([]float32, capacity)}
}

// NewMIDI creates a MIDI substream.
func NewMIDI(name string) *Buffer {
	return &Buffer{Name: name, kind: MIDI}
}

// NewOff creates a disabled substream placeholder.
func NewOff(name string) *Buffer {
	return &Buffer{Name: name, kind: Off}
}

func (b *Buffer) Kind() Kind  { return b.kind }
func (b *Buffer) On() bool    { return b.on }
func (b *Buffer) SetOn(v bool) { b.on = v }

// WriteAudioFrame stores one decoded sample at the given frame offset
// (rx demux). Panics if the substream is not Audio or offset is out
// of range, since both are caller bugs, not runtime conditions.
func (b *Buffer) WriteAudioFrame(offset int, sample float32) {
	if b.kind != Audio {
		panic(fmt.Sprintf("substream %q: WriteAudioFrame on non-audio substream", b.Name))
	}
	b.audio[offset] = sample
}

// ReadAudioFrame returns the sample at the given frame offset (tx mux).
func (b *Buffer) ReadAudioFrame(offset int) float32 {
	if b.kind != Audio {
		panic(fmt.Sprintf("substream %q: ReadAudioFrame on non-audio substream", b.Name))
	}
	return b.audio[offset]
}

// PushMIDI enqueues one decoded MIDI byte (rx demux); reports whether
// the ring overflowed and the oldest byte was dropped.
func (b *Buffer) PushMIDI(v byte) bool {
	return b.midi.push(v)
}

// PopMIDI dequeues one MIDI byte to transmit (tx mux).
func (b *Buffer) PopMIDI() (byte, bool) {
	return b.midi.pop()
}

// MIDIQueued returns the number of MIDI bytes currently buffered.
func (b *Buffer) MIDIQueued() int {
	return b.midi.len()
}

// Settings is the passive, non-owning description the codec consumes
// per period (spec.md §3 "StreamSettings").
type Settings struct {
	Channel       int
	Port          int
	Tag           int
	MaxPacketSize int
	Substreams    []*Buffer
}
