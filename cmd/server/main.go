package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"townsim.ai/internal/console"
	"townsim.ai/internal/observability"
	"townsim.ai/internal/persistence/archive"
	persistlog "townsim.ai/internal/persistence/log"
	"townsim.ai/internal/persistence/snapshot"
	"townsim.ai/internal/protocol"
	"townsim.ai/internal/sim/agent/scripted"
	"townsim.ai/internal/sim/bridge"
	"townsim.ai/internal/sim/tiles"
	"townsim.ai/internal/sim/tuning"
	"townsim.ai/internal/sim/world"
	"townsim.ai/internal/transport/ws"
)

type options struct {
	origin     string
	target     string
	steps      int
	tuningPath string
	dataDir    string
	mapsDir    string
	overwrite  string
	bridgeKind string
	addr       string
	question   string
	interview  string
	restore    string
}

func main() {
	var o options
	flag.StringVar(&o.origin, "origin", "", "snapshot to fork from (empty resumes -target in place)")
	flag.StringVar(&o.origin, "o", "", "shorthand for -origin")
	flag.StringVar(&o.target, "target", "", "simulation id to create or resume")
	flag.StringVar(&o.target, "t", "", "shorthand for -target")
	flag.IntVar(&o.steps, "steps", -1, "run this many ticks, save and exit (negative starts the console)")
	flag.IntVar(&o.steps, "s", -1, "shorthand for -steps")
	flag.StringVar(&o.tuningPath, "tuning", "./configs/tuning.yaml", "path to tuning.yaml")
	flag.StringVar(&o.dataDir, "data", "", "snapshot storage root (overrides tuning storage_dir)")
	flag.StringVar(&o.mapsDir, "maps", "", "map directory (overrides tuning maps_dir)")
	flag.StringVar(&o.overwrite, "overwrite", "", "fail|overwrite when -target exists (overrides tuning)")
	flag.StringVar(&o.bridgeKind, "bridge", "", "echo|file|ws (overrides tuning bridge.kind)")
	flag.StringVar(&o.addr, "addr", ":8080", "http listen address (empty disables http)")
	flag.StringVar(&o.question, "ask", "", "ask every agent this question, print the answers and exit")
	flag.StringVar(&o.question, "q", "", "shorthand for -ask")
	flag.StringVar(&o.interview, "interview", "", "with -ask, ask only this agent")
	flag.StringVar(&o.restore, "restore", "", "restore this archive as -origin before forking")
	flag.Parse()

	logger := log.New(os.Stdout, "[server] ", log.LstdFlags|log.Lmicroseconds)
	if err := run(o, logger); err != nil {
		logger.Printf("exit [%s]: %v", world.Code(err), err)
		os.Exit(1)
	}
}

func run(o options, logger *log.Logger) error {
	if strings.TrimSpace(o.target) == "" {
		return fmt.Errorf("-target is required")
	}

	tune, err := tuning.Load(o.tuningPath)
	if errors.Is(err, os.ErrNotExist) {
		logger.Printf("tuning not found (%s); using defaults", o.tuningPath)
		tune, err = tuning.Defaults(), nil
	}
	if err != nil {
		return fmt.Errorf("load tuning: %w", err)
	}
	if o.dataDir != "" {
		tune.StorageDir = o.dataDir
	}
	if o.mapsDir != "" {
		tune.MapsDir = o.mapsDir
	}
	if o.overwrite != "" {
		tune.Overwrite = o.overwrite
	}
	if o.bridgeKind != "" {
		tune.Bridge.Kind = o.bridgeKind
	}
	if err := tune.Validate(); err != nil {
		return err
	}
	policy, err := snapshot.ParsePolicy(tune.Overwrite)
	if err != nil {
		return err
	}

	ctx, cancel := signalContext()
	defer cancel()

	shutdownTracing, err := observability.InitTracing(ctx, observability.TracingConfig{
		Enabled:     envBool("TS_TRACING_ENABLED", tune.Tracing.Enabled),
		ServiceName: "townsim-server",
		Exporter:    tune.Tracing.Exporter,
		Endpoint:    tune.Tracing.Endpoint,
		SampleRatio: tune.Tracing.SampleRatio,
	}, log.New(os.Stdout, "[tracing] ", log.LstdFlags))
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	defer observability.ShutdownWithTimeout(context.Background(), shutdownTracing, logger)

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics, err := observability.NewSimCollector(reg)
	if err != nil {
		return fmt.Errorf("metrics: %w", err)
	}

	store := snapshot.NewStore(tune.StorageDir)
	if o.restore != "" {
		if o.origin == "" {
			return fmt.Errorf("-restore needs -origin to name the restored snapshot")
		}
		h, err := archive.RestoreFile(o.restore, store, o.origin, policy)
		if err != nil {
			return fmt.Errorf("restore %s: %w", o.restore, err)
		}
		logger.Printf("restored %s as %s (step %d, %d files)", h.SimID, o.origin, h.Step, h.Files)
	}

	var frontend *ws.Bridge
	var br bridge.Bridge
	switch tune.Bridge.Kind {
	case "echo":
		br = bridge.NewEcho(store)
	case "file":
		br = bridge.NewFile(store)
	case "ws":
		frontend = ws.NewBridge(store, log.New(os.Stdout, "[bridge] ", log.LstdFlags|log.Lmicroseconds))
		br = frontend
	}

	cfg := world.Config{
		Store:  store,
		Maps:   func(id string) (*tiles.Store, error) { return tiles.LoadMap(tune.MapsDir, id) },
		Agents: scripted.Load,
		Bridge: br,
		Wait: bridge.WaitOptions{
			IdleDelay: tune.Bridge.IdleDelay(),
			MaxDelay:  tune.Bridge.MaxBackoff(),
			Timeout:   tune.Bridge.Timeout(),
		},
		DecideConcurrency: tune.DecideConcurrency,
		VerifyTiles:       tune.VerifyTiles,
		Logger:            log.New(os.Stdout, "[world] ", log.LstdFlags|log.Lmicroseconds),
	}
	var w *world.World
	if o.origin != "" {
		w, err = world.Load(cfg, o.origin, o.target, policy)
	} else {
		w, err = world.Open(cfg, o.target)
	}
	if err != nil {
		return err
	}
	w.SetMetrics(metrics)

	simDir := store.Dir(o.target)
	if tune.Logs.Ticks {
		tl := persistlog.NewTickLogger(simDir, tune.Logs.SegmentSteps)
		defer tl.Close()
		w.SetTickLogger(tl)
	}
	if tune.Logs.Audit {
		al := persistlog.NewAuditLogger(simDir, tune.Logs.SegmentSteps)
		defer al.Close()
		w.SetAuditLogger(al)
	}

	idx, err := openIndex(tune.IndexDB)
	if err != nil {
		return fmt.Errorf("open index: %w", err)
	}
	if idx != nil {
		defer idx.Close()
		if err := recordLineage(idx, store, o.target); err != nil {
			logger.Printf("index lineage: %v", err)
		}
		if err := registerIndexMetrics(metrics, reg, idx); err != nil {
			return err
		}
		w.SetIndex(idx)
	}

	var sim console.Sim = w
	mirror, err := openMirror(log.New(os.Stdout, "[mirror] ", log.LstdFlags))
	if err != nil {
		return err
	}
	if mirror != nil {
		defer mirror.Close()
		if err := registerMirrorMetrics(metrics, reg, mirror); err != nil {
			return err
		}
		sim = &mirroredWorld{World: w, mirror: mirror, dir: filepath.Join(tune.StorageDir, ".mirror"), log: logger}
	}

	if frontend != nil {
		frontend.SetStatus(func() protocol.WelcomeMsg {
			st := w.Status()
			return protocol.WelcomeMsg{
				SimID:    st.SimID,
				Step:     st.Step,
				CurrTime: st.CurrTime,
				MapID:    st.MapID,
				Agents:   protocol.Environment(st.Agents),
			}
		})
	}

	if o.addr != "" {
		mc := muxConfig{
			Sim:     sim,
			Metrics: metrics.Handler(),
			Admin:   envBool("TS_ENABLE_ADMIN_HTTP", defaultEnableAdminHTTP()),
		}
		if frontend != nil {
			mc.Frontend = frontend.Handler()
		}
		if !mc.Admin {
			logger.Printf("admin endpoints disabled (TS_ENABLE_ADMIN_HTTP=false)")
		}
		srv := &http.Server{
			Addr:              o.addr,
			Handler:           newMux(mc),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			logger.Printf("listening on %s", o.addr)
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Printf("ListenAndServe: %v", err)
			}
		}()
		defer func() {
			ctx2, cancel2 := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel2()
			_ = srv.Shutdown(ctx2)
		}()
	}

	switch {
	case o.question != "" && o.interview != "":
		answer, err := w.Ask(ctx, o.interview, o.question)
		if err != nil {
			return err
		}
		fmt.Println(answer)
		return nil
	case o.question != "":
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(w.AskAll(ctx, o.question))
	case o.steps >= 0:
		rep, err := w.RunTicks(ctx, o.steps)
		for _, f := range rep.Failures() {
			logger.Printf("warning [%s]: %v", world.Code(f), f)
		}
		logger.Printf("completed %d/%d ticks; step=%d time=%s", rep.Completed(), o.steps, w.Step(), w.Status().CurrTime)
		if err != nil {
			return err
		}
		return sim.Save()
	default:
		return console.New(sim, logger).Run(ctx, os.Stdin, os.Stdout)
	}
}

func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	ch := make(chan os.Signal, 2)
	signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-ch
		cancel()
	}()
	return ctx, cancel
}
