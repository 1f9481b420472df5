// Package streaminfo holds the per-connection timing state the
// streamer advances once per period: last/base timestamps, the
// accumulated sample-clock offset, the per-period frame quota, and
// the smoothed ticks-per-frame estimate (spec.md §3 "StreamInfo",
// §9 "Cyclic references").
//
// A StreamInfo never points at another StreamInfo directly. The sync
// master is referenced by slab index through a Table, matching the
// teacher's per-session state slabs in internal/tuner/gateway.go
// where sessions reference each other by map key rather than pointer.
package streaminfo

import "github.com/snapetech/amdtp-engine/internal/cycletime"

// Info is one connection's timing state, advanced each period by the
// streamer. Allocated once per connection and never reallocated while
// the streamer is running.
type Info struct {
	LastTsp     cycletime.Tick // last transmitted/received timestamp
	BaseTsp     cycletime.Tick // timestamp at start of current period
	LastRecvTsp cycletime.Tick // arrival timestamp of the last processed packet
	Offset      int64          // accumulated sample-clock offset, ticks
	Todo        int            // frames still owed this period
	Tpf         float64        // smoothed ticks-per-frame estimate

	masterIdx int // index into the owning Table.streams slab, or -1
}

// New returns a zeroed Info with no sync master assigned.
func New(nominalTpf float64) *Info {
	return &Info{Tpf: nominalTpf, masterIdx: -1}
}

// Reset clears period-scoped counters at the start of a connection's
// life or after a timeout-driven resynchronization. Tpf is left alone
// since it represents an already-converged estimate worth keeping.
func (i *Info) Reset() {
	i.LastTsp = 0
	i.BaseTsp = 0
	i.LastRecvTsp = 0
	i.Offset = 0
	i.Todo = 0
}

// HasMaster reports whether this stream has a sync master assigned.
func (i *Info) HasMaster() bool { return i.masterIdx >= 0 }

// MasterIndex returns the slab index of the sync master, or -1.
func (i *Info) MasterIndex() int { return i.masterIdx }

// Table is the streamer-owned slab of all StreamInfo values. Streams
// reference their sync master by index into this table rather than by
// pointer, so the table can be grown (within its fixed capacity) and
// streams can be looked up without either side owning the other.
type Table struct {
	streams []*Info
}

// NewTable allocates a Table with the given fixed capacity. Capacity
// is fixed up front since streams are never added while the streamer
// is running (spec.md §4.F "no reshaping while Running").
func NewTable(capacity int) *Table {
	return &Table{streams: make([]*Info, 0, capacity)}
}

// Add appends a StreamInfo and returns its slab index.
func (t *Table) Add(info *Info) int {
	t.streams = append(t.streams, info)
	return len(t.streams) - 1
}

// At returns the StreamInfo at the given slab index.
func (t *Table) At(idx int) *Info {
	return t.streams[idx]
}

// Len returns the number of streams in the table.
func (t *Table) Len() int { return len(t.streams) }

// AssignMaster sets stream idx's sync master to master, validating
// both indices are in range and that a stream is not assigned as its
// own master.
func (t *Table) AssignMaster(idx, master int) error {
	if idx < 0 || idx >= len(t.streams) {
		return errOutOfRange("stream", idx, len(t.streams))
	}
	if master < 0 || master >= len(t.streams) {
		return errOutOfRange("master", master, len(t.streams))
	}
	if idx == master {
		return errSelfMaster(idx)
	}
	t.streams[idx].masterIdx = master
	return nil
}

// Master returns the sync master StreamInfo for idx, or nil if none
// is assigned.
func (t *Table) Master(idx int) *Info {
	s := t.streams[idx]
	if s.masterIdx < 0 {
		return nil
	}
	return t.streams[s.masterIdx]
}

func errOutOfRange(what string, idx, n int) error {
	return &rangeError{what: what, idx: idx, n: n}
}

type rangeError struct {
	what string
	idx  int
	n    int
}

func (e *rangeError) Error() string {
	return "streaminfo: " + e.what + " index out of range"
}

func errSelfMaster(idx int) error {
	return &selfMasterError{idx: idx}
}

type selfMasterError struct{ idx int }

func (e *selfMasterError) Error() string {
	return "streaminfo: stream cannot be its own sync master"
}
