// Package config holds the settings that drive an engine instance,
// loaded from environment variables the same way the teacher's
// cmd/plex-tuner loads PLEX_TUNER_*. spec.md §6 is explicit that the
// core itself consumes no environment variables and keeps no
// persisted state; Config is the ambient, outer-layer translation
// from env into the plain struct the core's constructors take.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/snapetech/amdtp-engine/internal/cycletime"
	"github.com/snapetech/amdtp-engine/internal/fwerr"
)

// Config mirrors the option table of spec.md §6.
type Config struct {
	SampleRate int // one of 32000/44100/48000/88200/96000/176400/192000

	PeriodSize int // frames per period; must be >= syt_interval(SampleRate)
	NbPeriods  int // ring depth in periods; >= 2

	FrameSlack int // extra frames of headroom (latency-adding)
	IsoSlack   int // extra packet descriptors (non-latency-adding)

	Port    int // firewire port index
	NodeID  int // target device node id; -1 = auto
	Channel int // iso channel override; -1 = negotiate via separate control

	Realtime           bool // enable RT scheduling of the loop thread
	PacketizerPriority int  // RT priority when Realtime is set

	// Ambient settings outside spec.md §6's core option table: how
	// verbosely the diag.Sink logs, and where /metrics and /healthz
	// listen in cmd/amdtp-streamd.
	DiagRingCapacity  int
	DiagLinesPerSec   float64
	MetricsListenAddr string
	HealthListenAddr  string
}

// Load reads a Config from the environment, applying the same
// defaults a hand-run engine would want for a single local device.
func Load() *Config {
	c := &Config{
		SampleRate:         getEnvInt("AMDTP_SAMPLE_RATE", 48000),
		PeriodSize:         getEnvInt("AMDTP_PERIOD_SIZE", 512),
		NbPeriods:          getEnvInt("AMDTP_NB_PERIODS", 3),
		FrameSlack:         getEnvInt("AMDTP_FRAME_SLACK", 0),
		IsoSlack:           getEnvInt("AMDTP_ISO_SLACK", 2),
		Port:               getEnvInt("AMDTP_PORT", 0),
		NodeID:             getEnvIntOrAuto("AMDTP_NODE_ID", -1),
		Channel:            getEnvIntOrAuto("AMDTP_CHANNEL", -1),
		Realtime:           getEnvBool("AMDTP_REALTIME", false),
		PacketizerPriority: getEnvInt("AMDTP_PACKETIZER_PRIORITY", 60),
		DiagRingCapacity:   getEnvInt("AMDTP_DIAG_RING_CAPACITY", 256),
		DiagLinesPerSec:    getEnvFloat("AMDTP_DIAG_LINES_PER_SEC", 20),
		MetricsListenAddr:  getEnv("AMDTP_METRICS_ADDR", ":9100"),
		HealthListenAddr:   getEnv("AMDTP_HEALTH_ADDR", ":9101"),
	}
	c.setDefaults()
	return c
}

// setDefaults clamps zero/negative values that have no sane meaning
// to the same floor the teacher's Load() applies post-hoc.
func (c *Config) setDefaults() {
	if c.NbPeriods < 2 {
		c.NbPeriods = 2
	}
	if c.IsoSlack < 0 {
		c.IsoSlack = 0
	}
	if c.FrameSlack < 0 {
		c.FrameSlack = 0
	}
	if c.DiagRingCapacity <= 0 {
		c.DiagRingCapacity = 256
	}
	if c.DiagLinesPerSec <= 0 {
		c.DiagLinesPerSec = 20
	}
}

// Validate checks the parts of spec.md §7's Configuration error class
// that can be caught before touching the device: unsupported sample
// rate and period smaller than syt_interval. The DLL bandwidth check
// happens in streamer.New and the connection-count check in
// Streamer.AddStream, which sees each connection as it is added.
func (c *Config) Validate() error {
	info, ok := cycletime.LookupSampleRate(c.SampleRate)
	if !ok {
		return fmt.Errorf("%w: unsupported sample_rate %d", fwerr.Configuration, c.SampleRate)
	}
	if c.PeriodSize < info.SytInterval {
		return fmt.Errorf("%w: period_size %d smaller than syt_interval %d for sample_rate %d",
			fwerr.Configuration, c.PeriodSize, info.SytInterval, c.SampleRate)
	}
	if c.Realtime && c.PacketizerPriority <= 0 {
		return fmt.Errorf("%w: packetizer_priority must be positive when realtime is set", fwerr.Configuration)
	}
	return nil
}

// DevicePath returns the firewire character device path for this
// Config's Port, e.g. "/dev/fw0".
func (c *Config) DevicePath() string {
	return fmt.Sprintf("/dev/fw%d", c.Port)
}

func getEnv(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if v := os.Getenv(key); v != "" {
		n, err := strconv.Atoi(v)
		if err == nil {
			return n
		}
	}
	return defaultVal
}

// getEnvIntOrAuto parses key as an int but passes through -1 whether
// it's spelled "-1" or "auto"/"negotiate" (NodeID/Channel's "auto"
// sense from spec.md §6).
func getEnvIntOrAuto(key string, defaultVal int) int {
	v := strings.TrimSpace(strings.ToLower(os.Getenv(key)))
	if v == "auto" || v == "negotiate" {
		return -1
	}
	if v != "" {
		n, err := strconv.Atoi(v)
		if err == nil {
			return n
		}
	}
	return defaultVal
}

func getEnvBool(key string, defaultVal bool) bool {
	if v := os.Getenv(key); v != "" {
		return v == "1" || strings.EqualFold(v, "true") || strings.EqualFold(v, "yes")
	}
	return defaultVal
}

func getEnvFloat(key string, defaultVal float64) float64 {
	if v := os.Getenv(key); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err == nil {
			return f
		}
	}
	return defaultVal
}
