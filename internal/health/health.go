// Package health reports whether a running engine's connections are
// in a serviceable state, the same role the teacher's health package
// played for an HDHomeRun-style tuner's upstream provider/endpoint
// reachability — reworked here to check in-process connection state
// instead of making outbound HTTP requests.
package health

import (
	"fmt"
	"time"

	"github.com/snapetech/amdtp-engine/internal/diag"
	"github.com/snapetech/amdtp-engine/internal/isodev"
)

// CheckConnection reports an error if conn is not in a serviceable
// state: stopped/error, or carrying a sticky timeout flag from a
// missed period boundary.
func CheckConnection(conn *isodev.Connection) error {
	if conn.State() != isodev.Running {
		return fmt.Errorf("connection not running (state=%s)", conn.State())
	}
	if conn.TimedOut() {
		return fmt.Errorf("connection missed its last period boundary")
	}
	return nil
}

// CheckConnections runs CheckConnection over every connection and
// returns the first failure, or nil if all are healthy.
func CheckConnections(conns []*isodev.Connection) error {
	for _, c := range conns {
		if err := CheckConnection(c); err != nil {
			return fmt.Errorf("%s: %w", c.Direction(), err)
		}
	}
	return nil
}

// Snapshot is the JSON-friendly health report served at /healthz.
type Snapshot struct {
	Status    string           `json:"status"`
	Error     string           `json:"error,omitempty"`
	Counters  map[string]int64 `json:"counters"`
	Dropped   int64            `json:"dropped_log_lines"`
	CheckedAt string           `json:"checked_at"`
}

// Check builds a Snapshot from the engine's connections and diagnostic
// sink, the equivalent of the teacher's CheckProvider/CheckEndpoints
// pair folded into one report instead of two independent probes.
func Check(conns []*isodev.Connection, sink *diag.PromSink) Snapshot {
	s := Snapshot{
		Status:    "ok",
		Counters:  sink.Counters(),
		Dropped:   sink.Dropped(),
		CheckedAt: time.Now().UTC().Format(time.RFC3339),
	}
	if err := CheckConnections(conns); err != nil {
		s.Status = "degraded"
		s.Error = err.Error()
	}
	return s
}
