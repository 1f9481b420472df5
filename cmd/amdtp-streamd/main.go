// Command amdtp-streamd opens one receive and one transmit isochronous
// connection on a firewire port, wires them together through an
// in-process audio passthrough substream, and runs the period loop
// until signalled. It serves /metrics (Prometheus) and /healthz the
// same way cmd/plex-tuner serves its discovery/lineup endpoints.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/snapetech/amdtp-engine/internal/config"
	"github.com/snapetech/amdtp-engine/internal/diag"
	"github.com/snapetech/amdtp-engine/internal/health"
	"github.com/snapetech/amdtp-engine/internal/isodev"
	"github.com/snapetech/amdtp-engine/internal/streamer"
	"github.com/snapetech/amdtp-engine/internal/substream"
)

func main() {
	rxChannel := flag.Int("rx-channel", 0, "iso channel to receive on")
	txChannel := flag.Int("tx-channel", 1, "iso channel to transmit on")
	midi := flag.Bool("midi", false, "add a MIDI substream alongside audio")
	envFile := flag.String("env-file", "", "optional .env file to load before reading AMDTP_* variables")
	flag.Parse()

	if *envFile != "" {
		if err := config.LoadEnvFile(*envFile); err != nil {
			log.Fatalf("load env file: %v", err)
		}
	}
	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		log.Fatalf("config: %v", err)
	}

	reg := prometheus.NewRegistry()
	sink := diag.NewPromSink(cfg.DiagRingCapacity, cfg.DiagLinesPerSec, nil, reg)
	drainCtx, cancelDrain := context.WithCancel(context.Background())
	defer cancelDrain()
	go sink.Run(drainCtx)

	s, err := streamer.New(streamer.Config{
		UtilPort:    cfg.Port,
		PeriodSize:  cfg.PeriodSize,
		NbPeriods:   cfg.NbPeriods,
		FrameSlack:  cfg.FrameSlack,
		IsoSlack:    cfg.IsoSlack,
		NominalRate: cfg.SampleRate,
	}, sink)
	if err != nil {
		log.Fatalf("streamer: %v", err)
	}

	passthrough := substream.NewAudio("passthrough", cfg.PeriodSize)
	passthrough.SetOn(true)
	settings := substream.Settings{
		Channel:       *rxChannel,
		Port:          cfg.Port,
		MaxPacketSize: 4 * (cfg.PeriodSize + 1),
		Substreams:    []*substream.Buffer{passthrough},
	}
	if *midi {
		m := substream.NewMIDI("midi-through")
		m.SetOn(true)
		settings.Substreams = append(settings.Substreams, m)
	}

	packetBytes := 8 + 4*len(settings.Substreams)*cfg.PeriodSize/cfg.NbPeriods
	if packetBytes < 64 {
		packetBytes = 64
	}

	rxHandle, err := s.AddStream(isodev.Receive, isodev.Config{
		Port:            cfg.Port,
		Channel:         *rxChannel,
		PacketSizeBytes: packetBytes,
		BufferSize:      cfg.PeriodSize * cfg.NbPeriods,
		IsoSlack:        cfg.IsoSlack,
	}, settings)
	if err != nil {
		log.Fatalf("add rx stream: %v", err)
	}
	txSettings := settings
	txSettings.Channel = *txChannel
	txHandle, err := s.AddStream(isodev.Transmit, isodev.Config{
		Port:            cfg.Port,
		Channel:         *txChannel,
		PacketSizeBytes: packetBytes,
		BufferSize:      cfg.PeriodSize * cfg.NbPeriods,
		IsoSlack:        cfg.IsoSlack,
	}, txSettings)
	if err != nil {
		log.Fatalf("add tx stream: %v", err)
	}

	if err := s.StartConnection(rxHandle, -1); err != nil {
		log.Fatalf("start rx: %v", err)
	}
	if err := s.StartConnection(txHandle, -1); err != nil {
		log.Fatalf("start tx: %v", err)
	}
	if err := s.SetSyncConnection(rxHandle); err != nil {
		log.Fatalf("set sync connection: %v", err)
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	mux.HandleFunc("/healthz", healthzHandler(s, sink))

	go func() {
		log.Printf("metrics/health listening on %s", cfg.MetricsListenAddr)
		if err := http.ListenAndServe(cfg.MetricsListenAddr, mux); err != nil {
			log.Fatalf("http: %v", err)
		}
	}()

	stop := make(chan struct{})
	go func() {
		for {
			outcome, err := s.WaitForPeriod()
			if err != nil {
				log.Printf("period error: %v", err)
				continue
			}
			switch outcome {
			case streamer.Xrun:
				sink.Counter("streamd.xrun", 1)
			case streamer.Stopped:
				close(stop)
				return
			}
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	fmt.Println("shutting down")
	s.Stop()
	<-stop
}

// healthzHandler reports the engine's connection/counter health as
// JSON, the same role cmd/plex-tuner's probe handlers play for tuner
// discovery: a single endpoint an operator or orchestrator polls.
func healthzHandler(s *streamer.Streamer, sink *diag.PromSink) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		snapshot := health.Check(s.Connections(), sink)
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(snapshot)
	}
}
