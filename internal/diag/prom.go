package diag

import (
	"fmt"
	"log"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// PromSink wraps a RingSink (for human-readable drained lines) and
// additionally mirrors every Counter call into a registered Prometheus
// CounterVec, so operators can graph xrun/timeout/catch-up rates
// without scraping logs. The vector is registered once in NewPromSink;
// each counter name becomes a label value on its first use, since the
// set of names (one per connection-kind x event-kind) isn't known
// until streamer/isodev/am824 start running.
type PromSink struct {
	*RingSink

	mu       sync.Mutex
	reg      prometheus.Registerer
	vec      *prometheus.CounterVec
}

// NewPromSink creates a PromSink that registers an "amdtp_events_total"
// counter vector (labeled by event name) with reg, and otherwise
// behaves exactly like a RingSink of the given capacity/rate.
func NewPromSink(capacity int, linesPerSecond float64, logger *log.Logger, reg prometheus.Registerer) *PromSink {
	vec := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "amdtp_events_total",
		Help: "Count of engine diagnostic events by name (isodev.timeout, am824.catchup, am824.midi_overflow, streamer.xrun, ...).",
	}, []string{"event"})
	if reg != nil {
		if err := reg.Register(vec); err != nil {
			if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
				if existing, ok := are.ExistingCollector.(*prometheus.CounterVec); ok {
					vec = existing
				}
			}
		}
	}
	return &PromSink{
		RingSink: NewRingSink(capacity, linesPerSecond, logger),
		reg:      reg,
		vec:      vec,
	}
}

// Counter increments both the in-process counter map (for Counters())
// and the Prometheus counter vector.
func (p *PromSink) Counter(name string, delta int64) {
	p.RingSink.Counter(name, delta)
	if delta < 0 {
		// Prometheus counters are monotonic; a negative delta here
		// would indicate a bug in the caller, not a real decrease.
		p.RingSink.Warnf("diag: ignoring negative counter delta for %s (%d)", name, delta)
		return
	}
	p.vec.WithLabelValues(name).Add(float64(delta))
}

var _ fmt.Stringer = (*countersString)(nil)

type countersString struct{ s Sink }

func (c countersString) String() string {
	rs, ok := c.s.(*RingSink)
	if !ok {
		if ps, ok := c.s.(*PromSink); ok {
			rs = ps.RingSink
		}
	}
	if rs == nil {
		return ""
	}
	return fmt.Sprintf("%v", rs.Counters())
}
