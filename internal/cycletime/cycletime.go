// Package cycletime implements wrap-safe arithmetic over the IEEE-1394
// bus time quantum ("tick", 1/24.576 MHz) and the coarser "cycle"
// (125 microseconds, 8000 per second) derived from it.
//
// A Tick is not the raw 32-bit CYCLE_TIME hardware register (which
// bit-packs seconds/cycle/offset into fixed-width fields); it is a
// flat integer counting ticks modulo MaxTicks, the representation the
// rest of the engine does arithmetic on. isodev is responsible for
// converting to/from the hardware register layout at the point it
// reads GET_CYCLE_TIMER.
package cycletime

const (
	// TicksPerCycle is the number of ticks in one 125us bus cycle.
	TicksPerCycle = 3072

	// CyclesPerSecond is the number of bus cycles in one second.
	CyclesPerSecond = 8000

	// TicksPerSecond is the number of ticks in one second.
	TicksPerSecond = TicksPerCycle * CyclesPerSecond

	// SecondsWrap is the modulus of the bus's seconds counter.
	SecondsWrap = 128

	// MaxTicks is the wrap period of a Tick: 128 seconds of ticks.
	MaxTicks = SecondsWrap * TicksPerSecond

	// Invalid is the sentinel meaning "not yet known".
	Invalid uint32 = 0xFFFFFFFF
)

// Tick is a point on a circle of circumference MaxTicks.
type Tick = uint32

// AddTicks returns a+b wrapped into [0, MaxTicks).
func AddTicks(a, b uint32) uint32 {
	return uint32((uint64(a) + uint64(b)) % MaxTicks)
}

// SubTicks returns a-b wrapped into [0, MaxTicks).
func SubTicks(a, b uint32) uint32 {
	return uint32((uint64(a) + uint64(MaxTicks) - uint64(b)%MaxTicks) % MaxTicks)
}

// modDiff returns a-b reduced into (-mod/2, mod/2].
func modDiff(a, b, mod int64) int64 {
	d := (a - b) % mod
	if d <= -mod/2 {
		d += mod
	}
	if d > mod/2 {
		d -= mod
	}
	return d
}

// DiffTicks returns the signed shortest-path distance a-b, in
// (-MaxTicks/2, MaxTicks/2].
func DiffTicks(a, b uint32) int64 {
	return modDiff(int64(a), int64(b), MaxTicks)
}

// DiffCycles returns the signed shortest-path distance a-b between two
// bus cycle numbers (each in [0, CyclesPerSecond)), in
// (-CyclesPerSecond/2, CyclesPerSecond/2].
func DiffCycles(a, b uint32) int32 {
	return int32(modDiff(int64(a), int64(b), CyclesPerSecond))
}

// CycleOf extracts the intra-second bus cycle number (0..7999) from a tick.
func CycleOf(t uint32) uint32 {
	return uint32(t/TicksPerCycle) % CyclesPerSecond
}

// OffsetOf extracts the intra-cycle offset (0..3071) from a tick.
func OffsetOf(t uint32) uint32 {
	return t % TicksPerCycle
}

// TicksToSyt packs a tick's low 16 bits of timing information the way
// it is carried on the wire in a CIP header's SYT field: the low 4
// bits of the cycle number followed by the full 12-bit offset.
func TicksToSyt(t uint32) uint16 {
	cycle := CycleOf(t)
	offset := OffsetOf(t)
	return uint16((cycle&0xF)<<12) | uint16(offset)
}

// SytRecvToFullTicks reconstructs a full tick from a 16-bit SYT value
// given the tick at which the packet carrying it arrived. SYT only
// carries 4 bits of cycle number, so the reconstruction picks the
// absolute cycle nearest to the arrival time that has the carried low
// 4 bits — the only ambiguity-resolution possible for a counter that
// repeats every 16 cycles (2 ms).
func SytRecvToFullTicks(syt uint16, arrival uint32) uint32 {
	cycleLow4 := int64((syt >> 12) & 0xF)
	offset := int64(syt & 0xFFF)

	arrAbsCycle := int64(arrival) / TicksPerCycle
	base := arrAbsCycle - (arrAbsCycle % 16)

	best := base + cycleLow4
	bestDiff := best - arrAbsCycle
	for _, delta := range [2]int64{-16, 16} {
		c := base + cycleLow4 + delta
		d := c - arrAbsCycle
		if absInt64(d) < absInt64(bestDiff) {
			best, bestDiff = c, d
		}
	}

	tick := best*TicksPerCycle + offset
	tick = ((tick % MaxTicks) + MaxTicks) % MaxTicks
	return uint32(tick)
}

func absInt64(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}

// SampleRateInfo carries the constants derived from a sample rate that
// the AM824 codec and the streamer both need.
type SampleRateInfo struct {
	Rate        int
	SytInterval int
	FDF         byte
}

// sampleRates is the table from spec.md §4.C.
var sampleRates = map[int]SampleRateInfo{
	32000:  {32000, 8, 0x00},
	44100:  {44100, 8, 0x01},
	48000:  {48000, 8, 0x02},
	88200:  {88200, 16, 0x03},
	96000:  {96000, 16, 0x04},
	176400: {176400, 32, 0x05},
	192000: {192000, 32, 0x06},
}

// LookupSampleRate returns the SYT-interval/FDF constants for rate, or
// ok=false for any rate not in the table (§4.C: "fails construction
// with UnsupportedRate").
func LookupSampleRate(rate int) (SampleRateInfo, bool) {
	info, ok := sampleRates[rate]
	return info, ok
}

// TicksPerFrameNominal returns the nominal ticks-per-frame for rate,
// i.e. TicksPerSecond/rate exactly (used to (re)seed StreamInfo.TPF on
// reset; the streamer smooths it thereafter with a DLL/IIR).
func TicksPerFrameNominal(rate int) float64 {
	return float64(TicksPerSecond) / float64(rate)
}
