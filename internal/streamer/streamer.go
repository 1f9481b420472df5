// Package streamer drives the period-by-period main loop described in
// spec.md §4.E: it owns a set of isodev.Connections and their paired
// streaminfo.Info state, runs the DLL that locks a transmit clock to
// a receive sync master, and feeds packets through an am824.Codec
// each period.
//
// The loop is single-threaded and cooperative, matching the teacher's
// internal/tuner read-loop style (one goroutine, explicit polling,
// no worker pool) rather than a fan-out/fan-in pipeline: spec.md §5
// requires exactly one thread touch connection cursors.
package streamer

import (
	"encoding/binary"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/snapetech/amdtp-engine/internal/am824"
	"github.com/snapetech/amdtp-engine/internal/cycletime"
	"github.com/snapetech/amdtp-engine/internal/diag"
	"github.com/snapetech/amdtp-engine/internal/fwerr"
	"github.com/snapetech/amdtp-engine/internal/isodev"
	"github.com/snapetech/amdtp-engine/internal/streaminfo"
	"github.com/snapetech/amdtp-engine/internal/substream"
)

// MaxReceiveConnections and MaxTransmitConnections bound the number
// of connections a Streamer will accept, per spec.md §4.E's
// "error if MAX_RCV/MAX_XMT exceeded".
const (
	MaxReceiveConnections  = 16
	MaxTransmitConnections = 16
)

// PeriodOutcome is the result of one WaitForPeriod call.
type PeriodOutcome int

const (
	Ok PeriodOutcome = iota
	Xrun
	Stopped
)

func (o PeriodOutcome) String() string {
	switch o {
	case Ok:
		return "ok"
	case Xrun:
		return "xrun"
	case Stopped:
		return "stopped"
	}
	return "unknown"
}

// Config configures a Streamer (spec.md §4.E construction/init).
type Config struct {
	UtilPort    int
	PeriodSize  int
	NbPeriods   int
	FrameSlack  int
	IsoSlack    int
	NominalRate int
}

// Handle identifies a connection previously added with AddStream.
type Handle struct {
	dir isodev.Direction
	idx int
}

type connEntry struct {
	conn     *isodev.Connection
	info     *streaminfo.Info
	infoIdx  int
	settings substream.Settings
	tx       *am824.TxState // nil for receive connections
	needAlign bool
}

// Streamer is the multi-connection period loop.
type Streamer struct {
	cfg   Config
	sink  diag.Sink
	codec *am824.Codec

	cycleTimer *isodev.CycleTimerHandle

	rx []*connEntry
	tx []*connEntry

	infos *streaminfo.Table

	syncMaster      *connEntry
	tpfNominal      float64

	dllB, dllC float64
	dllE2      float64
	haveDLL    bool

	lastWriteTsp cycletime.Tick
	nextWriteTsp cycletime.Tick

	havePrevPeriodStart bool
	prevPeriodStartTsp  cycletime.Tick

	mu            sync.Mutex
	stopRequested bool
}

// New constructs a Streamer, validating the DLL bandwidth and opening
// a dedicated cycle-timer handle (spec.md §4.E).
func New(cfg Config, sink diag.Sink) (*Streamer, error) {
	if sink == nil {
		sink = diag.Noop{}
	}
	if cfg.NominalRate <= 0 || cfg.PeriodSize <= 0 {
		return nil, fmt.Errorf("%w: period_size and nominal_rate must be positive", fwerr.Configuration)
	}
	bwRel := float64(cfg.PeriodSize) / float64(cfg.NominalRate)
	if bwRel >= 0.5 {
		return nil, fmt.Errorf("%w: BandwidthTooHigh (period_size/nominal_rate = %.4f)", fwerr.Configuration, bwRel)
	}
	codec, err := am824.New(cfg.NominalRate, sink)
	if err != nil {
		return nil, err
	}
	ct, err := isodev.OpenCycleTimer(cfg.UtilPort)
	if err != nil {
		return nil, err
	}

	s := &Streamer{
		cfg:        cfg,
		sink:       sink,
		codec:      codec,
		cycleTimer: ct,
		infos:      streaminfo.NewTable(MaxReceiveConnections + MaxTransmitConnections),
		tpfNominal: cycletime.TicksPerFrameNominal(cfg.NominalRate),
		dllB:       math.Sqrt2 * 2 * math.Pi * bwRel,
		dllC:       (2 * math.Pi * bwRel) * (2 * math.Pi * bwRel),
	}
	return s, nil
}

// AddStream allocates a Connection of the requested direction, links
// a fresh StreamInfo to it, and returns an opaque handle (spec.md
// §4.E add_stream).
func (s *Streamer) AddStream(dir isodev.Direction, connCfg isodev.Config, settings substream.Settings) (Handle, error) {
	connCfg.Direction = dir
	if dir == isodev.Receive && len(s.rx) >= MaxReceiveConnections {
		return Handle{}, fmt.Errorf("%w: MAX_RCV connections exceeded", fwerr.Configuration)
	}
	if dir == isodev.Transmit && len(s.tx) >= MaxTransmitConnections {
		return Handle{}, fmt.Errorf("%w: MAX_XMT connections exceeded", fwerr.Configuration)
	}

	conn, err := isodev.New(connCfg, s.sink)
	if err != nil {
		return Handle{}, err
	}
	if err := conn.Init(); err != nil {
		return Handle{}, err
	}

	info := streaminfo.New(s.tpfNominal)
	infoIdx := s.infos.Add(info)

	entry := &connEntry{conn: conn, info: info, infoIdx: infoIdx, settings: settings}
	if dir == isodev.Transmit {
		entry.tx = &am824.TxState{Template: am824.Header{FMT: am824.FMT, FDF: s.codec.FDF()}}
	}

	var h Handle
	if dir == isodev.Receive {
		s.rx = append(s.rx, entry)
		h = Handle{dir: isodev.Receive, idx: len(s.rx) - 1}
	} else {
		s.tx = append(s.tx, entry)
		h = Handle{dir: isodev.Transmit, idx: len(s.tx) - 1}
	}
	return h, nil
}

func (s *Streamer) entry(h Handle) *connEntry {
	if h.dir == isodev.Receive {
		return s.rx[h.idx]
	}
	return s.tx[h.idx]
}

// nominalIrqInterval is period_size * 8000 / nominal_rate bus cycles,
// per spec.md §4.E start_connection.
func (s *Streamer) nominalIrqInterval() int {
	n := s.cfg.PeriodSize * cycletime.CyclesPerSecond / s.cfg.NominalRate
	if n < 1 {
		n = 1
	}
	return n
}

// StartConnection starts the connection at startCycle (-1 for "now"),
// with the nominal irq policy derived from the period size.
func (s *Streamer) StartConnection(h Handle, startCycle int32) error {
	entry := s.entry(h)
	irq := isodev.IrqPolicy{Interval: s.nominalIrqInterval(), Offset: 0}

	var fill func(int) (int, int, error)
	if h.dir == isodev.Transmit {
		fill = func(int) (int, int, error) {
			header, payload := entry.conn.WriteSlot(0)
			empty := am824.Header{FMT: am824.FMT, FDF: am824.NoDataFDF, SYT: am824.NoInfoSYT}
			copy(payload[:am824.HeaderBytes], empty.Encode())
			binary.LittleEndian.PutUint32(header, uint32(am824.HeaderBytes))
			entry.conn.AdvanceWritten(1)
			return 0, am824.HeaderBytes, nil
		}
	}
	if err := entry.conn.Start(startCycle, irq, fill); err != nil {
		return err
	}
	if h.dir == isodev.Receive {
		entry.needAlign = true
	}
	return nil
}

// SetSyncConnection marks h's connection as the sync master: every
// StreamInfo is linked to it so codec calls read its smoothed tpf
// (spec.md §4.E set_sync_connection).
func (s *Streamer) SetSyncConnection(h Handle) error {
	entry := s.entry(h)
	if entry.conn.State() != isodev.Running {
		return fmt.Errorf("%w: sync connection must be Running", fwerr.Configuration)
	}
	s.syncMaster = entry
	for _, e := range append(append([]*connEntry{}, s.rx...), s.tx...) {
		if e == entry {
			continue
		}
		if err := s.infos.AssignMaster(e.infoIdx, entry.infoIdx); err != nil {
			return err
		}
	}
	if entry.conn.Direction() == isodev.Transmit && entry.info.LastRecvTsp == 0 {
		cyc, _, err := s.cycleTimer.Read()
		if err == nil {
			entry.info.LastRecvTsp = cyc * cycletime.TicksPerCycle
		}
	}
	return nil
}

// Stop requests the loop terminate at the next period boundary. Safe
// to call from another goroutine; idempotent (spec.md §5 cancellation
// semantics).
func (s *Streamer) Stop() {
	s.mu.Lock()
	s.stopRequested = true
	s.mu.Unlock()
}

func (s *Streamer) stopping() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopRequested
}

// onePacketTicks is the duration of one AM824 packet in ticks.
func (s *Streamer) onePacketTicks() float64 {
	return float64(s.codec.SytInterval()) * s.tpfNominal
}

// onePeriodTicks is the duration of one period in ticks.
func (s *Streamer) onePeriodTicks() float64 {
	return float64(s.cfg.PeriodSize) * s.tpfNominal
}

// WaitForPeriod runs the nine-step main loop body once (spec.md §4.E
// "Main loop — one period") and reports the outcome.
func (s *Streamer) WaitForPeriod() (PeriodOutcome, error) {
	if s.stopping() {
		return Stopped, nil
	}

	// Step 1: prepare period, clear sticky TIMED_OUT.
	for _, e := range s.allEntries() {
		e.conn.ResetAfterTimeout()
	}

	// Step 2: determine period_start_tsp.
	periodStartTsp, predicted := s.determinePeriodStart()
	_ = predicted

	// Step 3: poll until next period boundary.
	if err := s.pollUntilBoundary(periodStartTsp); err != nil {
		return Xrun, err
	}

	xrun := false

	// Step 4: process headers.
	for _, e := range s.rx {
		e.conn.ProcessHeaders()
	}

	// Step 5: align receive streams.
	for _, e := range s.rx {
		state := &am824.PeriodState{BaseTsp: periodStartTsp, Offset: 0, Todo: s.cfg.PeriodSize}
		if err := s.drainReceive(e, state); err != nil {
			return Xrun, err
		}
		if state.Todo > 0 {
			xrun = true
		}
	}

	// Step 6: DLL update for transmit.
	writeTsp := s.updateDLL(periodStartTsp)

	// Step 7: write transmit streams.
	for _, e := range s.tx {
		state := &am824.PeriodState{BaseTsp: writeTsp, Offset: 0, Todo: s.cfg.PeriodSize}
		if err := s.fillTransmit(e, state); err != nil {
			return Xrun, err
		}
	}

	// Step 8: queue next period.
	if err := s.queueNextPeriod(periodStartTsp); err != nil {
		return Xrun, err
	}

	// Step 9.
	s.prevPeriodStartTsp = periodStartTsp
	s.havePrevPeriodStart = true

	if xrun {
		return Xrun, nil
	}
	return Ok, nil
}

// Connections returns every connection this Streamer owns, in
// receive-then-transmit order, for use by health.CheckConnections.
func (s *Streamer) Connections() []*isodev.Connection {
	all := s.allEntries()
	out := make([]*isodev.Connection, len(all))
	for i, e := range all {
		out[i] = e.conn
	}
	return out
}

func (s *Streamer) allEntries() []*connEntry {
	all := make([]*connEntry, 0, len(s.rx)+len(s.tx))
	all = append(all, s.rx...)
	all = append(all, s.tx...)
	return all
}

func (s *Streamer) determinePeriodStart() (cycletime.Tick, cycletime.Tick) {
	onePacket := uint32(s.onePacketTicks())
	onePeriod := uint32(s.onePeriodTicks())

	var predicted cycletime.Tick
	havePredicted := false
	if s.havePrevPeriodStart {
		predicted = cycletime.AddTicks(s.prevPeriodStartTsp, onePeriod)
		havePredicted = true
	}

	if s.syncMaster != nil && s.syncMaster.info.LastRecvTsp != 0 {
		fromMaster := cycletime.AddTicks(s.syncMaster.info.LastRecvTsp, onePacket)
		if havePredicted {
			drift := cycletime.DiffTicks(fromMaster, predicted)
			if drift > 500 || drift < -500 {
				s.sink.Debugf("streamer: period start predictor drift %d ticks", drift)
			}
		}
		return fromMaster, predicted
	}
	if havePredicted {
		return predicted, predicted
	}
	return 0, 0
}

func (s *Streamer) pollUntilBoundary(periodStartTsp cycletime.Tick) error {
	onePeriod := uint32(s.onePeriodTicks())
	wakeAtTsp := cycletime.AddTicks(periodStartTsp, onePeriod)
	wakeAtTsp = cycletime.AddTicks(wakeAtTsp, cycletime.TicksPerCycle)

	cur, _, err := s.cycleTimer.Read()
	if err == nil {
		deltaTicks := cycletime.DiffTicks(wakeAtTsp, cur*cycletime.TicksPerCycle)
		if deltaTicks > 0 {
			deltaUs := time.Duration(float64(deltaTicks)/float64(cycletime.TicksPerSecond)*1e6) * time.Microsecond
			deadline := time.Now().Add(deltaUs)
			if d := time.Until(deadline); d > 0 {
				time.Sleep(d)
			}
		}
	}

	targetCycle := cycletime.CycleOf(wakeAtTsp)
	deadline := time.Now().Add(50 * time.Millisecond)
	for {
		allAdvanced := true
		for _, e := range s.allEntries() {
			if e.conn.State() != isodev.Running {
				continue
			}
			handled, err := e.conn.PollEvent(0)
			if err != nil {
				return err
			}
			_ = handled
			hw := e.conn.HwPtrCycle()
			if hw < 0 || cycletime.DiffCycles(uint32(hw), targetCycle) < 0 {
				allAdvanced = false
			}
		}
		if allAdvanced {
			return nil
		}
		if time.Now().After(deadline) {
			for _, e := range s.allEntries() {
				if e.conn.State() != isodev.Running {
					continue
				}
				hw := e.conn.HwPtrCycle()
				if hw < 0 || cycletime.DiffCycles(uint32(hw), targetCycle) < 0 {
					e.conn.MarkTimedOut()
					s.sink.Warnf("streamer: connection timed out waiting for period boundary")
					s.sink.Counter("streamer.timeout", 1)
				}
			}
			return nil
		}
		time.Sleep(100 * time.Microsecond)
	}
}

// tpfSource resolves the StreamInfo a connection's codec calls must
// read the current ticks-per-frame estimate from: the assigned sync
// master's StreamInfo, or the connection's own when it is the master
// (or no master has been assigned yet).
func (s *Streamer) tpfSource(e *connEntry) *streaminfo.Info {
	if m := s.infos.Master(e.infoIdx); m != nil {
		return m
	}
	return e.info
}

func (s *Streamer) drainReceive(e *connEntry, state *am824.PeriodState) error {
	isMaster := e == s.syncMaster
	for state.Todo > 0 {
		avail := e.conn.PayloadReadSpace()
		if avail <= 0 {
			s.sink.Warnf("streamer: receive underfill on connection")
			s.sink.Counter("streamer.rx_underfill", 1)
			return nil
		}
		// PacketAt's header is the kernel-delivered per-packet metadata
		// (arrival cycle), not the CIP header: the CIP header is the
		// first 8 bytes of the iso packet's own payload content.
		_, payload := e.conn.PacketAt(0)
		arrivalCycle := uint32(0)
		if e.conn.HwPtrCycle() >= 0 {
			arrivalCycle = uint32(e.conn.HwPtrCycle())
		}
		status, err := s.codec.ReceivePacket(payload, arrivalCycle, isMaster, e.info, s.tpfSource(e), state, e.settings)
		e.conn.AdvancePayload(1)
		if err != nil && !fwerr.Is(err, fwerr.Protocol) {
			return err
		}
		if status == am824.HaveEnough {
			return nil
		}
	}
	return nil
}

func (s *Streamer) updateDLL(periodStartTsp cycletime.Tick) cycletime.Tick {
	writeTspMeas := cycletime.AddTicks(periodStartTsp, uint32((float64(s.cfg.PeriodSize*s.cfg.NbPeriods+s.cfg.FrameSlack))*s.tpfNominal))

	if !s.haveDLL {
		s.dllE2 = float64(s.cfg.PeriodSize) * s.tpfNominal
		s.nextWriteTsp = cycletime.AddTicks(writeTspMeas, uint32(s.dllE2))
		s.lastWriteTsp = writeTspMeas
		s.haveDLL = true
		return s.lastWriteTsp
	}

	errTicks := float64(cycletime.DiffTicks(writeTspMeas, s.nextWriteTsp))
	s.lastWriteTsp = s.nextWriteTsp
	s.nextWriteTsp = cycletime.AddTicks(s.nextWriteTsp, uint32(s.dllB*errTicks+s.dllE2))
	s.dllE2 += s.dllC * errTicks
	return s.lastWriteTsp
}

func (s *Streamer) fillTransmit(e *connEntry, state *am824.PeriodState) error {
	for state.Todo > 0 {
		header, payload := e.conn.WriteSlot(0)
		requestCycle := cycletime.Invalid
		if hw := e.conn.HwPtrCycle(); hw >= 0 {
			requestCycle = uint32(hw)
		}
		n, status, err := s.codec.TransmitPacket(e.tx, requestCycle, true, state, s.tpfSource(e), e.settings, payload)
		if err != nil {
			return err
		}
		// Record the packet length Prepare must read back next period,
		// since it only sees pos through a nil fill after Start.
		binary.LittleEndian.PutUint32(header, uint32(n))
		e.conn.AdvanceWritten(1)
		if status == am824.HaveEnough {
			return nil
		}
	}
	return nil
}

func (s *Streamer) queueNextPeriod(periodStartTsp cycletime.Tick) error {
	irqTsp := cycletime.AddTicks(periodStartTsp, uint32(float64((s.cfg.NbPeriods+1)*s.cfg.PeriodSize)*s.tpfNominal))
	irqCycle := cycletime.CycleOf(irqTsp)

	for _, e := range s.allEntries() {
		if e.conn.State() != isodev.Running {
			continue
		}
		if e.conn.Direction() == isodev.Transmit {
			e.conn.ReclaimTransmitted()
		}
		irq := isodev.IrqPolicy{Interval: s.nominalIrqInterval(), Offset: 0}
		n, err := e.conn.Prepare(-1, irq, nil)
		if err != nil {
			return err
		}
		if n == 0 {
			continue
		}
		if err := e.conn.QueuePrepared(n); err != nil {
			return err
		}
		if err := e.conn.RequestInterrupt(irqCycle); err != nil {
			s.sink.Warnf("streamer: request-interrupt failed: %v", err)
			s.sink.Counter("streamer.request_interrupt_failed", 1)
		}
	}
	return nil
}
