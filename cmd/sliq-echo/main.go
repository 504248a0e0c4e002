// Command sliq-echo is a minimal demonstration of the SLIQ Transport
// Facade: run with -listen to act as an echo server, or -connect to send
// stdin lines to one and print what comes back.
package main

import (
	"bufio"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/xid"
	"go.uber.org/zap"

	"sliq/config"
	"sliq/internal/capacity"
	"sliq/internal/reliability"
	"sliq/internal/stream"
	"sliq/log"
	"sliq/metrics"
	"sliq/sliqapp"
)

func main() {
	confPath := flag.String("config", "", "path to TOML tunables file")
	listenAddr := flag.String("listen", "", "run as an echo server bound to this address")
	connectAddr := flag.String("connect", "", "run as a client dialing this address")
	metricsAddr := flag.String("metrics", "", "optional address to serve Prometheus metrics on")
	flag.Parse()

	cfg, err := config.Load(*confPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	logger := log.New(cfg.Log)
	defer logger.Sync()

	mx := metrics.New("sliq_echo")
	mx.MustRegister(prometheus.DefaultRegisterer)
	if *metricsAddr != "" {
		go func() {
			http.Handle("/metrics", promhttp.Handler())
			logger.Info("serving metrics", zap.String("addr", *metricsAddr))
			if err := http.ListenAndServe(*metricsAddr, nil); err != nil {
				logger.Error("metrics server stopped", zap.Error(err))
			}
		}()
	}

	switch {
	case *listenAddr != "":
		runServer(cfg, mx, logger, *listenAddr)
	case *connectAddr != "":
		runClient(cfg, mx, logger, *connectAddr)
	default:
		fmt.Fprintln(os.Stderr, "one of -listen or -connect is required")
		os.Exit(1)
	}
}

func baseCallbacks(logger *zap.Logger) sliqapp.Callbacks {
	return sliqapp.Callbacks{
		ProcessConnectionRequest: func(peer *net.UDPAddr) bool { return true },
		ProcessConnectionResult: func(id xid.ID, ok bool) {
			logger.Info("connection result", zap.String("endpoint_id", id.String()), zap.Bool("ok", ok))
		},
		ProcessCapacityEstimate: func(id xid.ID, est capacity.Estimate) {
			logger.Debug("capacity estimate",
				zap.String("endpoint_id", id.String()),
				zap.Float64("transport_bps", est.TransportBps))
		},
		ProcessClose: func(id xid.ID) {
			logger.Info("connection closed", zap.String("endpoint_id", id.String()))
		},
	}
}

func runServer(cfg config.Config, mx *metrics.Collectors, logger *zap.Logger, addr string) {
	cbs := baseCallbacks(logger)
	var app *sliqapp.App
	cbs.ProcessNewStream = func(id xid.ID, streamID uint8) {
		logger.Info("stream opened", zap.String("endpoint_id", id.String()), zap.Uint8("stream_id", streamID))
	}
	cbs.Recv = func(id xid.ID, streamID uint8, payload []byte) {
		echoed := append([]byte(nil), payload...)
		if err := app.Send(id, streamID, echoed, false); err != nil {
			logger.Warn("echo send failed", zap.Error(err))
		}
	}
	app = sliqapp.InitializeSliqApp(cfg, cbs, mx, logger)

	if err := app.Listen(addr); err != nil {
		logger.Fatal("listen failed", zap.Error(err))
	}
	logger.Info("echo server listening", zap.String("addr", addr))
	runLoop(app)
}

func runClient(cfg config.Config, mx *metrics.Collectors, logger *zap.Logger, addr string) {
	cbs := baseCallbacks(logger)
	cbs.Recv = func(id xid.ID, streamID uint8, payload []byte) {
		fmt.Printf("< %s\n", string(payload))
	}
	app := sliqapp.InitializeSliqApp(cfg, cbs, mx, logger)

	id, err := app.Connect(addr)
	if err != nil {
		logger.Fatal("connect failed", zap.Error(err))
	}

	streamID, err := app.AddStream(id, true, 0,
		reliability.Spec{Mode: reliability.ReliableARQ},
		reliability.Ordered,
		stream.QueueConfig{MaxPackets: 256, Order: stream.FIFO, Drop: stream.NoDrop})
	if err != nil {
		logger.Fatal("add stream failed", zap.Error(err))
	}

	go func() {
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			line := scanner.Text()
			if err := app.Send(id, streamID, []byte(line), false); err != nil {
				logger.Warn("send failed", zap.Error(err))
			}
		}
	}()

	runLoop(app)
}

// runLoop drives the facade's cooperative event loop: service every known
// socket for newly arrived packets, then let Tick drain timers,
// retransmits, and FEC rounds (§5 scheduling model).
func runLoop(app *sliqapp.App) {
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
	for range ticker.C {
		now := time.Now()
		for _, id := range app.GetFileDescriptorList() {
			app.SvcFileDescriptor(id, now)
		}
		app.Tick(now)
	}
}
