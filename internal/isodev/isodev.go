// Package isodev drives one isochronous connection on a firewire
// character device: a ring of packet descriptors and a mmap'd payload
// region shared with the kernel, per spec §4.B. Platform-specific
// ioctl/mmap glue lives in isodev_linux.go; this file holds the
// direction-agnostic cursor bookkeeping and policies so it can be
// unit-tested without a real device.
package isodev

import (
	"encoding/binary"
	"fmt"

	"github.com/snapetech/amdtp-engine/internal/cycletime"
	"github.com/snapetech/amdtp-engine/internal/diag"
	"github.com/snapetech/amdtp-engine/internal/fwerr"
)

// Direction of an isochronous connection.
type Direction int

const (
	Receive Direction = iota
	Transmit
)

func (d Direction) String() string {
	if d == Receive {
		return "receive"
	}
	return "transmit"
}

// State is a Connection's lifecycle stage (spec §4.B state diagram).
type State int

const (
	Created State = iota
	Prepared
	Running
)

func (s State) String() string {
	switch s {
	case Created:
		return "created"
	case Prepared:
		return "prepared"
	case Running:
		return "running"
	}
	return "unknown"
}

// Sticky flag bits.
const (
	FlagTimedOut uint32 = 1 << iota
)

// Config describes the connection to open (spec §4.B constructor args).
type Config struct {
	Direction       Direction
	Port            int // firewire port index, device = /dev/fw<Port>
	Channel         int // iso channel, [0,63]
	Tag             int // [0,3]
	Speed           int // S100=0, S200=1, S400=2, ...
	PacketSizeBytes int // max per-packet payload including 8-byte CIP header
	BufferSize      int // descriptors requested by caller (period sizing)
	IsoSlack        int // extra descriptors of headroom
}

func (c Config) headerSizeBytes() int {
	if c.Direction == Receive {
		return 8
	}
	return 4
}

func (c Config) npacketDescriptors() int {
	return c.BufferSize + c.IsoSlack
}

// descriptor is one packet slot: the kernel-visible control word plus
// the header bytes this connection copies out of the kernel's event
// stream (rx) or builds itself (tx).
type descriptor struct {
	control   uint32 // header_len(8) | payload_len(16) | interrupt(1) flags, see controlWord
	header    []byte // headerSizeBytes() bytes
	queueCyc  uint32 // bus cycle this descriptor was queued against (tx bookkeeping)
}

const (
	controlInterruptBit = 1 << 16
)

func controlWord(headerLen, payloadLen int, interrupt bool) uint32 {
	w := (uint32(headerLen&0xFF) << 24) | uint32(payloadLen&0xFFFF)
	if interrupt {
		w |= controlInterruptBit
	}
	return w
}

// Connection is one isochronous channel in one direction: the
// descriptor ring, the four cursors, and the device handle.
type Connection struct {
	cfg   Config
	sink  diag.Sink
	state State
	flags uint32

	descriptors []descriptor
	payload     []byte // mmap'd, npacketDescriptors() * PacketSizeBytes
	n           int    // npacketDescriptors()

	// cursors, all modulo n
	p, h, i, q int

	hwPtrCycle int32 // -1 before first interrupt

	dev       device
	handle    uint32 // kernel iso-context handle
	queueCyc  uint32 // last cycle a packet was queued against (tx)

	debug bool
}

// device abstracts the kernel character device so Connection's cursor
// logic can be tested without /dev/fw<N>; isodev_linux.go supplies the
// real implementation and a package-level constructor picks it.
type device interface {
	open(port int) error
	close() error
	mmap(size int) ([]byte, error)
	munmap([]byte) error
	createIsoContext(cfg Config) (handle uint32, err error)
	startIso(handle uint32, cycle int32, sync, tags int) error
	stopIso(handle uint32) error
	queueIso(handle uint32, descs []queueDesc, payloadBase, size int) error
	getCycleTimer() (cycleTimer uint32, localTimeMicros uint64, err error)
	pollEvent(timeoutMs int) (event, error)
	fd() int
}

// queueDesc is one entry of a QUEUE_ISO batch.
type queueDesc struct {
	headerLen  int
	payloadLen int
	interrupt  bool
	offset     int // byte offset into the mmap'd payload region
}

// event is one item from the kernel's event stream (spec §9 "lazy
// sequence of tagged events").
type eventKind int

const (
	eventNone eventKind = iota
	eventIsoInterrupt
	eventBusReset
	eventUnexpected
)

type event struct {
	kind    eventKind
	cycle   uint32
	headers []byte // flat array of per-packet headers, m*headerSizeBytes
}

// New allocates a Connection in state Created. It does not touch the
// device; call Init to open it and allocate buffers.
func New(cfg Config, sink diag.Sink) (*Connection, error) {
	if cfg.Channel < 0 || cfg.Channel > 63 {
		return nil, fmt.Errorf("isodev: %w: channel %d out of range", fwerr.Configuration, cfg.Channel)
	}
	if cfg.Tag < 0 || cfg.Tag > 3 {
		return nil, fmt.Errorf("isodev: %w: tag %d out of range", fwerr.Configuration, cfg.Tag)
	}
	if cfg.PacketSizeBytes <= 0 {
		return nil, fmt.Errorf("isodev: %w: zero packet size", fwerr.Configuration)
	}
	if sink == nil {
		sink = diag.Noop{}
	}
	return &Connection{cfg: cfg, sink: sink, state: Created, hwPtrCycle: -1}, nil
}

// Direction, State, and Handle are read-only accessors the streamer
// needs for bookkeeping.
func (c *Connection) Direction() Direction { return c.cfg.Direction }
func (c *Connection) State() State         { return c.state }
func (c *Connection) TimedOut() bool       { return c.flags&FlagTimedOut != 0 }
func (c *Connection) SetDebug(v bool)      { c.debug = v }

// Init opens the device, allocates the descriptor ring and header
// bytes, and mmaps the payload region shared with the kernel.
func (c *Connection) Init() error {
	if c.state != Created {
		return fmt.Errorf("isodev: %w: Init called in state %s", fwerr.Configuration, c.state)
	}
	c.n = c.cfg.npacketDescriptors()
	if c.n < 2 {
		return fmt.Errorf("isodev: %w: need at least 2 packet descriptors", fwerr.Configuration)
	}
	c.descriptors = make([]descriptor, c.n)
	headerSize := c.cfg.headerSizeBytes()
	for idx := range c.descriptors {
		c.descriptors[idx].header = make([]byte, headerSize)
	}

	c.dev = newDevice()
	if err := c.dev.open(c.cfg.Port); err != nil {
		return fmt.Errorf("isodev: %w: open port %d: %v", fwerr.Fatal, c.cfg.Port, err)
	}
	payload, err := c.dev.mmap(c.n * c.cfg.PacketSizeBytes)
	if err != nil {
		c.dev.close()
		return fmt.Errorf("isodev: %w: mmap: %v", fwerr.Fatal, err)
	}
	c.payload = payload

	handle, err := c.dev.createIsoContext(c.cfg)
	if err != nil {
		c.dev.munmap(c.payload)
		c.dev.close()
		return fmt.Errorf("isodev: %w: create_iso_context: %v", fwerr.Fatal, err)
	}
	c.handle = handle

	c.p, c.h, c.i, c.q = 0, 0, 0, 0
	c.hwPtrCycle = -1
	c.state = Prepared
	return nil
}

// IrqPolicy is (irq_interval, irq_offset) from spec §4.B start: every
// irq_interval-th packet descriptor bears an interrupt flag, sliding
// by irq_offset within the period.
type IrqPolicy struct {
	Interval int
	Offset   int
}

// Start starts the kernel iso context created by Init at startCycle
// (-1 means "now") with the given irq policy. For transmit connections, fill is called
// once per descriptor in the first batch to produce initial payload
// so the ring is non-empty on start (spec §4.B).
func (c *Connection) Start(startCycle int32, irq IrqPolicy, fill func(descIdx int) (headerLen, payloadLen int, err error)) error {
	if c.state != Prepared {
		return fmt.Errorf("isodev: %w: Start called in state %s", fwerr.Configuration, c.state)
	}
	sync, tags := 0, 1<<uint(c.cfg.Tag)
	if err := c.dev.startIso(c.handle, startCycle, sync, tags); err != nil {
		return fmt.Errorf("isodev: %w: start_iso: %v", fwerr.Fatal, err)
	}

	n, err := c.Prepare(-1, irq, fill)
	if err != nil {
		return err
	}
	if err := c.queueRange(n); err != nil {
		return err
	}

	c.state = Running
	return nil
}

// Stop tears down the kernel iso context; idempotent from Prepared.
func (c *Connection) Stop() error {
	if c.state != Running {
		return nil
	}
	if err := c.dev.stopIso(c.handle); err != nil {
		return fmt.Errorf("isodev: %w: stop_iso: %v", fwerr.Fatal, err)
	}
	c.state = Prepared
	return nil
}

// Free releases device resources. Permitted from any state; idempotent.
func (c *Connection) Free() error {
	if c.state == Created {
		return nil
	}
	if c.state == Running {
		if err := c.Stop(); err != nil {
			return err
		}
	}
	if c.dev != nil {
		c.dev.munmap(c.payload)
		c.dev.close()
		c.dev = nil
	}
	c.state = Created
	return nil
}

// queueSpace returns the number of free descriptor slots, reserving
// one to disambiguate full vs. empty (spec §4.B preparation policy
// step 1).
func (c *Connection) queueSpace() int {
	used := (c.q - c.p + c.n) % c.n
	return c.n - used - 1
}

// payloadAvailable returns H-Q: packets of payload the caller has
// produced but not yet queued (transmit clamp, step 2).
func (c *Connection) payloadAvailable() int {
	return (c.h - c.q + c.n) % c.n
}

// Prepare builds descriptors for up to k packets (k=-1 means "as many
// as possible"), applying the irq policy, and returns the number
// actually prepared. For transmit, fill is invoked per descriptor to
// produce payload and report its length; fill's headerLen return is
// ignored for transmit descriptors whose header is built separately.
func (c *Connection) Prepare(k int, irq IrqPolicy, fill func(descIdx int) (headerLen, payloadLen int, err error)) (int, error) {
	avail := c.queueSpace()
	if k < 0 || k > avail {
		k = avail
	}
	if c.cfg.Direction == Transmit {
		if pa := c.payloadAvailable(); k > pa {
			k = pa
		}
	}
	prepared := 0
	for ; prepared < k; prepared++ {
		pos := (c.q + prepared) % c.n
		interrupt := irq.Interval > 0 && (prepared%irq.Interval) == irq.Offset
		if c.cfg.Direction == Receive {
			c.descriptors[pos].control = controlWord(8, c.cfg.PacketSizeBytes-8, interrupt)
			continue
		}
		headerLen, payloadLen := 0, 0
		if fill != nil {
			_, pl, err := fill(pos)
			if err != nil {
				return prepared, fmt.Errorf("isodev: %w: fill descriptor %d: %v", fwerr.Fatal, pos, err)
			}
			payloadLen = pl
		} else {
			// The codec already wrote this slot via WriteSlot/AdvanceWritten
			// and recorded its length as a 4-byte echo in the tx header
			// buffer (spec §4.B: "payload_len = header_buffer[i]").
			payloadLen = int(binary.LittleEndian.Uint32(c.descriptors[pos].header))
		}
		c.descriptors[pos].control = controlWord(headerLen, payloadLen, interrupt)
	}
	return prepared, nil
}

// queueRange submits n freshly-prepared descriptors starting at Q.
// Receive queues in one contiguous ioctl up to the wrap boundary;
// transmit queues one descriptor at a time since packet length varies
// per packet (spec §4.B queueing policy).
func (c *Connection) queueRange(n int) error {
	if n <= 0 {
		return nil
	}
	if c.cfg.Direction == Receive {
		first := c.q % c.n
		run := n
		if first+run > c.n {
			run = c.n - first
		}
		if err := c.submitBatch(first, run); err != nil {
			return err
		}
		c.q = (c.q + run) % c.n
		remaining := n - run
		if remaining > 0 {
			if err := c.submitBatch(0, remaining); err != nil {
				return err
			}
			c.q = (c.q + remaining) % c.n
		}
		return nil
	}
	for i := 0; i < n; i++ {
		pos := c.q % c.n
		if err := c.submitBatch(pos, 1); err != nil {
			return err
		}
		c.q = (c.q + 1) % c.n
	}
	return nil
}

func (c *Connection) submitBatch(start, count int) error {
	descs := make([]queueDesc, count)
	for j := 0; j < count; j++ {
		pos := (start + j) % c.n
		d := c.descriptors[pos]
		headerLen := int(d.control>>24) & 0xFF
		payloadLen := int(d.control & 0xFFFF)
		descs[j] = queueDesc{
			headerLen:  headerLen,
			payloadLen: payloadLen,
			interrupt:  d.control&controlInterruptBit != 0,
			offset:     pos * c.cfg.PacketSizeBytes,
		}
	}
	if err := c.dev.queueIso(c.handle, descs, 0, c.cfg.PacketSizeBytes); err != nil {
		return fmt.Errorf("isodev: %w: queue_iso: %v", fwerr.Fatal, err)
	}
	return nil
}

// QueuePrepared submits n already-prepared descriptors to the kernel
// (spec §4.B queueing policy), the exported counterpart to Prepare
// for callers outside this package (the streamer's main loop).
func (c *Connection) QueuePrepared(n int) error {
	return c.queueRange(n)
}

// HandleInterrupt processes one ISO_INTERRUPT event: copies headers
// into the ring beginning at I, advances I, and sets hw_ptr_cycle
// (spec §4.B interrupt handling).
func (c *Connection) HandleInterrupt(ev event) error {
	if ev.kind != eventIsoInterrupt {
		return fmt.Errorf("isodev: %w: HandleInterrupt given non-interrupt event", fwerr.Fatal)
	}
	headerSize := c.cfg.headerSizeBytes()
	m := len(ev.headers) / headerSize
	for j := 0; j < m; j++ {
		pos := (c.i + j) % c.n
		copy(c.descriptors[pos].header, ev.headers[j*headerSize:(j+1)*headerSize])
	}
	c.i = (c.i + m) % c.n
	c.hwPtrCycle = int32((ev.cycle + 1) % cycletime.CyclesPerSecond)
	return nil
}

// RequestInterrupt asks for an interrupt flag on the descriptor at
// future bus cycle c (spec §4.B request-interrupt).
func (c *Connection) RequestInterrupt(cyc uint32) error {
	if c.hwPtrCycle < 0 {
		return fmt.Errorf("isodev: %w: RequestInterrupt before first interrupt", fwerr.Flow)
	}
	deltaCycles := cycletime.DiffCycles(cyc, uint32(c.hwPtrCycle))
	if int(deltaCycles) < 0 {
		return fmt.Errorf("isodev: %w: RequestInterrupt: cycle %d already past hw_ptr_cycle", fwerr.Flow, cyc)
	}
	if int(deltaCycles) >= c.n {
		deltaCycles = int32(c.n - 1)
	}
	pos := (c.i + int(deltaCycles)) % c.n

	// pos must lie in [I, Q) mod n, i.e. still queued and not yet consumed.
	distFromI := (pos - c.i + c.n) % c.n
	queuedLen := (c.q - c.i + c.n) % c.n
	if distFromI >= queuedLen {
		return fmt.Errorf("isodev: %w: RequestInterrupt: cycle %d not yet queued", fwerr.Flow, cyc)
	}
	c.descriptors[pos].control |= controlInterruptBit
	return nil
}

// ProcessHeaders advances H to I (spec §4.B "process_headers").
func (c *Connection) ProcessHeaders() int {
	n := (c.i - c.h + c.n) % c.n
	c.h = c.i
	return n
}

// HeaderReadSpace returns I-H, the number of headers not yet processed.
func (c *Connection) HeaderReadSpace() int { return (c.i - c.h + c.n) % c.n }

// PayloadReadSpace returns H-P, the number of packets whose payload
// the caller has not yet consumed (rx) or produced (tx).
func (c *Connection) PayloadReadSpace() int { return (c.h - c.p + c.n) % c.n }

// AdvancePayload moves P forward by n packets after the caller has
// consumed (rx) or produced (tx) their payload.
func (c *Connection) AdvancePayload(n int) { c.p = (c.p + n) % c.n }

// PacketAt returns the header bytes and payload slice for the
// descriptor at ring offset idx from P, for use by the codec's
// per-packet callback.
func (c *Connection) PacketAt(idx int) (header, payload []byte) {
	pos := (c.p + idx) % c.n
	start := pos * c.cfg.PacketSizeBytes
	return c.descriptors[pos].header, c.payload[start : start+c.cfg.PacketSizeBytes]
}

// WriteSlot returns the header and payload buffers for the
// not-yet-produced transmit slot at offset idx from H, for the codec
// to write a packet into before it is prepared and queued.
func (c *Connection) WriteSlot(idx int) (header, payload []byte) {
	pos := (c.h + idx) % c.n
	start := pos * c.cfg.PacketSizeBytes
	return c.descriptors[pos].header, c.payload[start : start+c.cfg.PacketSizeBytes]
}

// AdvanceWritten marks n freshly-written transmit packets as ready to
// prepare and queue, advancing H (spec §4.B payload processing,
// transmit case).
func (c *Connection) AdvanceWritten(n int) {
	c.h = (c.h + n) % c.n
}

// ReclaimTransmitted advances P to I, freeing descriptor slots once
// the kernel has confirmed transmission via interrupts. The transmit
// analogue of ProcessHeaders; returns the number of slots freed.
func (c *Connection) ReclaimTransmitted() int {
	n := (c.i - c.p + c.n) % c.n
	c.p = c.i
	return n
}

// MarkTimedOut sets the sticky TIMED_OUT flag (spec §7 Timing errors).
func (c *Connection) MarkTimedOut() {
	c.flags |= FlagTimedOut
}

// ResetAfterTimeout clears TIMED_OUT and resets hw_ptr_cycle, to be
// called at the start of the next prepare_period (spec §4.E step 1).
func (c *Connection) ResetAfterTimeout() {
	if c.flags&FlagTimedOut == 0 {
		return
	}
	c.flags &^= FlagTimedOut
	c.hwPtrCycle = -1
}

// HwPtrCycle exposes the anchor cycle for the streamer's poll-done check.
func (c *Connection) HwPtrCycle() int32 { return c.hwPtrCycle }

// PollEvent reads one kernel event with the given timeout; the
// streamer's main loop drains events each period (spec §4.E step 3).
func (c *Connection) PollEvent(timeoutMs int) (handled bool, err error) {
	ev, err := c.dev.pollEvent(timeoutMs)
	if err != nil {
		return false, fmt.Errorf("isodev: %w: poll: %v", fwerr.Fatal, err)
	}
	switch ev.kind {
	case eventNone:
		return false, nil
	case eventIsoInterrupt:
		if err := c.HandleInterrupt(ev); err != nil {
			return false, err
		}
		return true, nil
	case eventBusReset:
		c.sink.Warnf("isodev: bus reset on port %d channel %d", c.cfg.Port, c.cfg.Channel)
		return true, nil
	default:
		return false, fmt.Errorf("isodev: %w: unexpected event kind %d", fwerr.Fatal, ev.kind)
	}
}

// Fd exposes the underlying file descriptor for the streamer's poll set.
func (c *Connection) Fd() int {
	if c.dev == nil {
		return -1
	}
	return c.dev.fd()
}

// CycleTimer reads GET_CYCLE_TIMER on this connection's device handle.
func (c *Connection) CycleTimer() (cycleTimer uint32, localTimeMicros uint64, err error) {
	cycleTimer, localTimeMicros, err = c.dev.getCycleTimer()
	if err != nil {
		return 0, 0, fmt.Errorf("isodev: %w: get_cycle_timer: %v", fwerr.Fatal, err)
	}
	return cycleTimer, localTimeMicros, nil
}

// CycleTimerHandle is a bare firewire device handle opened solely to
// read the bus's free-running cycle timer register, independent of
// any isochronous context (spec §4.E: the streamer "opens one extra
// firewire handle solely to read the cycle timer register").
type CycleTimerHandle struct {
	dev device
}

// OpenCycleTimer opens /dev/fw<port> for cycle-timer reads only.
func OpenCycleTimer(port int) (*CycleTimerHandle, error) {
	dev := newDevice()
	if err := dev.open(port); err != nil {
		return nil, fmt.Errorf("isodev: %w: open cycle timer handle: %v", fwerr.Fatal, err)
	}
	return &CycleTimerHandle{dev: dev}, nil
}

// Read returns the current cycle timer register and local wall-clock
// time in microseconds.
func (h *CycleTimerHandle) Read() (cycleTimer uint32, localTimeMicros uint64, err error) {
	cycleTimer, localTimeMicros, err = h.dev.getCycleTimer()
	if err != nil {
		return 0, 0, fmt.Errorf("isodev: %w: get_cycle_timer: %v", fwerr.Fatal, err)
	}
	return cycleTimer, localTimeMicros, nil
}

// Close releases the handle.
func (h *CycleTimerHandle) Close() error {
	return h.dev.close()
}
