package substream

import "testing"

func TestAudioRoundTrip(t *testing.T) {
	b := NewAudio("pcm0", 16)
	b.WriteAudioFrame(3, 0.5)
	if got := b.ReadAudioFrame(3); got != 0.5 {
		t.Errorf("ReadAudioFrame(3) = %v, want 0.5", got)
	}
}

func TestMIDIRingFIFO(t *testing.T) {
	b := NewMIDI("midi0")
	for _, v := range []byte{1, 2, 3} {
		if b.PushMIDI(v) {
			t.Fatalf("unexpected overflow pushing %d", v)
		}
	}
	if n := b.MIDIQueued(); n != 3 {
		t.Fatalf("MIDIQueued() = %d, want 3", n)
	}
	for _, want := range []byte{1, 2, 3} {
		got, ok := b.PopMIDI()
		if !ok || got != want {
			t.Errorf("PopMIDI() = %d,%v want %d,true", got, ok, want)
		}
	}
	if _, ok := b.PopMIDI(); ok {
		t.Error("PopMIDI on empty ring should return ok=false")
	}
}

func TestMIDIRingOverflowDropsOldest(t *testing.T) {
	b := NewMIDI("midi0")
	for i := 0; i < MIDIRingCapacity; i++ {
		if b.PushMIDI(byte(i)) {
			t.Fatalf("unexpected overflow at %d", i)
		}
	}
	if !b.PushMIDI(0xFF) {
		t.Fatal("expected overflow on capacity+1 push")
	}
	got, ok := b.PopMIDI()
	if !ok || got != 1 {
		t.Errorf("oldest byte after overflow = %d, want 1 (0 dropped)", got)
	}
}

func TestKindString(t *testing.T) {
	cases := map[Kind]string{Audio: "audio", MIDI: "midi", Off: "off"}
	for k, want := range cases {
		if got := k.String(); got != want {
			t.Errorf("Kind(%d).String() = %q, want %q", k, got, want)
		}
	}
}
