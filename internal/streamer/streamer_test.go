package streamer

import (
	"testing"

	"github.com/snapetech/amdtp-engine/internal/am824"
	"github.com/snapetech/amdtp-engine/internal/cycletime"
	"github.com/snapetech/amdtp-engine/internal/diag"
	"github.com/snapetech/amdtp-engine/internal/fwerr"
	"github.com/snapetech/amdtp-engine/internal/streaminfo"
)

func TestNewRejectsNonPositiveConfig(t *testing.T) {
	_, err := New(Config{PeriodSize: 0, NominalRate: 48000}, diag.Noop{})
	if err == nil || !fwerr.Is(err, fwerr.Configuration) {
		t.Fatalf("New with zero period size: err = %v, want Configuration", err)
	}
}

func TestNewRejectsHighBandwidth(t *testing.T) {
	_, err := New(Config{PeriodSize: 30000, NominalRate: 48000}, diag.Noop{})
	if err == nil || !fwerr.Is(err, fwerr.Configuration) {
		t.Fatalf("New with period_size/nominal_rate >= 0.5: err = %v, want Configuration", err)
	}
}

func TestPeriodOutcomeString(t *testing.T) {
	cases := map[PeriodOutcome]string{Ok: "ok", Xrun: "xrun", Stopped: "stopped"}
	for outcome, want := range cases {
		if got := outcome.String(); got != want {
			t.Errorf("%d.String() = %q, want %q", outcome, got, want)
		}
	}
}

func newTestStreamer(t *testing.T, periodSize, nominalRate int) *Streamer {
	t.Helper()
	codec, err := am824.New(nominalRate, diag.Noop{})
	if err != nil {
		t.Fatalf("am824.New: %v", err)
	}
	return &Streamer{
		cfg:        Config{PeriodSize: periodSize, NominalRate: nominalRate},
		sink:       diag.Noop{},
		codec:      codec,
		infos:      streaminfo.NewTable(4),
		tpfNominal: cycletime.TicksPerFrameNominal(nominalRate),
	}
}

func TestNominalIrqInterval(t *testing.T) {
	s := newTestStreamer(t, 64, 48000)
	// 64 * 8000 / 48000 = 10.67 -> integer division floors to 10.
	if got, want := s.nominalIrqInterval(), 10; got != want {
		t.Errorf("nominalIrqInterval() = %d, want %d", got, want)
	}
}

func TestNominalIrqIntervalMinimumOne(t *testing.T) {
	s := newTestStreamer(t, 1, 192000)
	if got := s.nominalIrqInterval(); got < 1 {
		t.Errorf("nominalIrqInterval() = %d, want >= 1", got)
	}
}

func TestUpdateDLLFirstCallSeedsState(t *testing.T) {
	s := newTestStreamer(t, 64, 48000)
	periodStart := cycletime.Tick(1_000_000)
	writeTsp := s.updateDLL(periodStart)
	wantMeas := cycletime.AddTicks(periodStart, uint32(float64(s.cfg.PeriodSize*s.cfg.NbPeriods+s.cfg.FrameSlack)*s.tpfNominal))
	if writeTsp != wantMeas {
		t.Errorf("first updateDLL() = %d, want %d", writeTsp, wantMeas)
	}
	if !s.haveDLL {
		t.Error("haveDLL should be true after first call")
	}
}

func TestUpdateDLLSecondCallAdjustsTowardMeasurement(t *testing.T) {
	s := newTestStreamer(t, 64, 48000)
	first := s.updateDLL(cycletime.Tick(1_000_000))
	onePeriod := uint32(s.onePeriodTicks())
	second := s.updateDLL(cycletime.AddTicks(cycletime.Tick(1_000_000), onePeriod))
	if second == first {
		t.Error("second updateDLL() should move lastWriteTsp forward")
	}
}

func TestDeterminePeriodStartNoHistoryNoMaster(t *testing.T) {
	s := newTestStreamer(t, 64, 48000)
	got, predicted := s.determinePeriodStart()
	if got != 0 || predicted != 0 {
		t.Errorf("determinePeriodStart() = (%d, %d), want (0, 0) with no history", got, predicted)
	}
}

func TestDeterminePeriodStartUsesPrediction(t *testing.T) {
	s := newTestStreamer(t, 64, 48000)
	s.havePrevPeriodStart = true
	s.prevPeriodStartTsp = 1000
	onePeriod := uint32(s.onePeriodTicks())
	got, predicted := s.determinePeriodStart()
	want := cycletime.AddTicks(1000, onePeriod)
	if got != want || predicted != want {
		t.Errorf("determinePeriodStart() = (%d, %d), want (%d, %d)", got, predicted, want, want)
	}
}

func TestTpfSourceFallsBackToOwnInfoWithoutMaster(t *testing.T) {
	s := newTestStreamer(t, 64, 48000)
	info := streaminfo.New(s.tpfNominal)
	idx := s.infos.Add(info)
	e := &connEntry{info: info, infoIdx: idx}
	if got := s.tpfSource(e); got != info {
		t.Error("tpfSource should return the stream's own Info when no master is assigned")
	}
}

func TestTpfSourceResolvesAssignedMaster(t *testing.T) {
	s := newTestStreamer(t, 64, 48000)
	masterInfo := streaminfo.New(s.tpfNominal)
	masterInfo.Tpf = 512.5
	masterIdx := s.infos.Add(masterInfo)
	masterEntry := &connEntry{info: masterInfo, infoIdx: masterIdx}

	followerInfo := streaminfo.New(s.tpfNominal)
	followerIdx := s.infos.Add(followerInfo)
	followerEntry := &connEntry{info: followerInfo, infoIdx: followerIdx}

	if err := s.infos.AssignMaster(followerIdx, masterIdx); err != nil {
		t.Fatalf("AssignMaster: %v", err)
	}

	if got := s.tpfSource(followerEntry); got != masterInfo {
		t.Error("tpfSource should resolve the assigned sync master's Info for a non-master stream")
	}
	if got := s.tpfSource(followerEntry); got.Tpf != masterInfo.Tpf {
		t.Errorf("tpfSource(follower).Tpf = %v, want master's %v", got.Tpf, masterInfo.Tpf)
	}
	if got := s.tpfSource(masterEntry); got != masterInfo {
		t.Error("tpfSource should return its own Info for the sync master itself")
	}
}

func TestDeterminePeriodStartPrefersSyncMaster(t *testing.T) {
	s := newTestStreamer(t, 64, 48000)
	s.havePrevPeriodStart = true
	s.prevPeriodStartTsp = 1000
	master := &connEntry{info: &streaminfo.Info{LastRecvTsp: 5000}}
	s.syncMaster = master

	onePacket := uint32(s.onePacketTicks())
	got, _ := s.determinePeriodStart()
	want := cycletime.AddTicks(5000, onePacket)
	if got != want {
		t.Errorf("determinePeriodStart() = %d, want %d (from sync master)", got, want)
	}
}
