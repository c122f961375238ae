package main

import (
	"context"
	"encoding/json"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"facestream/server/logging"
	"facestream/server/logging/sinks"
	"facestream/server/pipeline"
	"facestream/server/quality"
	"facestream/server/scheduler"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(*http.Request) bool { return true },
}

func main() {
	configPath := flag.String("config", "", "path to yaml config file")
	flag.Parse()

	cfg, err := loadConfig(*configPath)
	if err != nil {
		log.Fatalf("facestream: %v", err)
	}

	router, closeRouter := buildRouter(cfg)
	defer closeRouter()

	reg, err := cfg.BuildRegistry()
	if err != nil {
		log.Fatalf("facestream: %v", err)
	}

	controller, err := quality.New(cfg.BuildPresets(), scheduler.Tier(cfg.StartTier), router, quality.Options{})
	if err != nil {
		log.Fatalf("facestream: %v", err)
	}

	applier := newBroadcastApplier()
	pipe, err := pipeline.New(pipeline.Config{
		Registry:      reg,
		Applier:       applier,
		Controller:    controller,
		Publisher:     router,
		DecayTimeout:  cfg.DecayTimeout(),
		DecayDuration: cfg.DecayDuration(),
	})
	if err != nil {
		log.Fatalf("facestream: %v", err)
	}
	defer pipe.Close()

	telemetry := newTelemetryCounters()
	hub := newHub(cfg, reg, pipe, applier, telemetry, router)

	stop := make(chan struct{})
	go hub.RunTicks(stop)

	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	mux.HandleFunc("/diagnostics", func(w http.ResponseWriter, _ *http.Request) {
		payload := diagnosticsPayload{
			Status:     "ok",
			ServerTime: time.Now().UnixMilli(),
			Tier:       string(controller.Tier()),
			Metrics:    controller.MetricsSnapshot(),
			Pipeline:   pipe.Snapshot(),
			Transport:  telemetry.Snapshot(),
			TickRate:   cfg.TickRate,
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(payload)
	})
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/ingest", func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		go hub.HandleIngest(conn)
	})
	mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		go hub.HandleSubscriber(conn, cfg, string(controller.Tier()))
	})

	server := &http.Server{Addr: cfg.Addr, Handler: mux}
	go func() {
		log.Printf("facestream listening on %s (tick %d Hz, start tier %s)", cfg.Addr, cfg.TickRate, cfg.StartTier)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("facestream: %v", err)
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	<-sig

	close(stop)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	server.Shutdown(ctx)
}

// buildRouter assembles the logging router from the configured sink names.
func buildRouter(cfg Config) (*logging.Router, func()) {
	logCfg := logging.DefaultConfig()
	if len(cfg.LogSinks) > 0 {
		logCfg.EnabledSinks = cfg.LogSinks
	}

	var named []logging.NamedSink
	var closers []func()
	if logCfg.HasSink("console") {
		named = append(named, logging.NamedSink{
			Name: "console",
			Sink: sinks.NewConsoleSink(os.Stdout, logging.ConsoleConfig{UseColor: true}),
		})
	}
	if logCfg.HasSink("json") {
		path := cfg.LogFile
		if path == "" {
			path = "facestream.ndjson"
		}
		f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			log.Printf("facestream: json sink disabled: %v", err)
		} else {
			named = append(named, logging.NamedSink{
				Name: "json",
				Sink: sinks.NewJSON(f, logCfg.JSON.FlushInterval),
			})
			closers = append(closers, func() { f.Close() })
		}
	}

	router := logging.NewRouter(nil, logCfg, named)
	return router, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		router.Close(ctx)
		for _, fn := range closers {
			fn()
		}
	}
}
