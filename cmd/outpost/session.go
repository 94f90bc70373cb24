package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/outpost-run/outpost/internal/metrics"
	"github.com/outpost-run/outpost/internal/port"
	"github.com/outpost-run/outpost/internal/runner"
	"github.com/outpost-run/outpost/internal/settings"
	"github.com/outpost-run/outpost/internal/watch"
	"github.com/outpost-run/outpost/internal/worker"
)

var (
	workerPath     string
	workerArgs     []string
	workerDir      string
	containerImage string
	settingsPath   string
	listenHost     string
	portMin        int
	portMax        int
	readyTimeout   time.Duration
	shutdownGrace  time.Duration
	heartbeatStall time.Duration
	metricsAddr    string
	watchDirs      []string
	forceKill      bool
)

func addSessionFlags(cmd *cobra.Command) {
	cmd.Flags().StringVar(&workerPath, "worker", "", "Worker executable to launch")
	cmd.Flags().StringArrayVar(&workerArgs, "worker-arg", nil, "Argument passed to the worker ({{addr}} is replaced with the listen address)")
	cmd.Flags().StringVar(&workerDir, "worker-dir", "", "Worker working directory")
	cmd.Flags().StringVar(&containerImage, "container-image", "", "Run the worker from this container image instead of --worker")
	cmd.Flags().StringVar(&settingsPath, "settings", "", "Run settings YAML file")
	cmd.Flags().StringVar(&listenHost, "host", "", "Listen host the worker dials back to (default 127.0.0.1)")
	cmd.Flags().IntVar(&portMin, "port-min", 0, "Lower bound of the listen port range (0 = ephemeral)")
	cmd.Flags().IntVar(&portMax, "port-max", 0, "Upper bound of the listen port range")
	cmd.Flags().DurationVar(&readyTimeout, "timeout", 60*time.Second, "How long to wait for the worker to connect")
	cmd.Flags().DurationVar(&shutdownGrace, "shutdown-grace", 10*time.Second, "How long to wait for the worker to exit on shutdown")
	cmd.Flags().DurationVar(&heartbeatStall, "heartbeat-stall", 0, "Warn when the worker sends no heartbeat for this long (0 = off)")
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address")
	cmd.Flags().StringArrayVar(&watchDirs, "watch", nil, "Watch this directory and rerun on changes (repeatable)")
	cmd.Flags().BoolVar(&forceKill, "force-kill", false, "Kill the worker if it outlives the shutdown grace")
}

func loadSettings() (*settings.RunSettings, error) {
	if settingsPath == "" {
		return settings.Default(), nil
	}
	s, err := settings.Load(settingsPath)
	if err != nil {
		return nil, err
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return s, nil
}

func runnerConfig(met *metrics.Metrics) (runner.Config, error) {
	cfg := runner.Config{
		WorkerPath:     workerPath,
		WorkerArgs:     workerArgs,
		WorkerDir:      workerDir,
		ContainerImage: containerImage,
		Host:           listenHost,
		Metrics:        met,
		ReadyTimeout:   readyTimeout,
		ShutdownGrace:  shutdownGrace,
		HeartbeatStall: heartbeatStall,
	}
	if portMin > 0 {
		if portMax < portMin {
			return cfg, fmt.Errorf("--port-max %d is below --port-min %d", portMax, portMin)
		}
		cfg.Ports = port.NewAllocator(portMin, portMax)
	}
	return cfg, nil
}

// pass is one complete find or run against a freshly launched worker.
type pass func(ctx context.Context, r *runner.Runner, s *settings.RunSettings) error

// runSession drives one pass, or loops passes in watch mode, with an
// optional metrics endpoint alongside.
func runSession(op pass) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	s, err := loadSettings()
	if err != nil {
		return err
	}
	met := metrics.New()

	mctx, mcancel := context.WithCancel(ctx)
	defer mcancel()
	g, gctx := errgroup.WithContext(mctx)

	if metricsAddr != "" {
		srv := &http.Server{Addr: metricsAddr, Handler: met.Handler()}
		g.Go(func() error {
			slog.Info("serving metrics", "addr", metricsAddr)
			if err := srv.ListenAndServe(); err != http.ErrServerClosed {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(sctx)
		})
	}

	once := func(ctx context.Context) error {
		cfg, err := runnerConfig(met)
		if err != nil {
			return err
		}
		r, err := runner.New(cfg)
		if err != nil {
			return err
		}
		if err := r.Start(ctx); err != nil {
			return err
		}
		defer closeRunner(r)
		return op(ctx, r, s)
	}

	if len(watchDirs) > 0 {
		err = watchLoop(ctx, once)
	} else {
		err = once(ctx)
	}

	mcancel()
	if werr := g.Wait(); err == nil {
		err = werr
	}
	return err
}

// closeRunner tears the runner down on its own clock so a cancelled
// session context cannot skip the worker's grace period.
func closeRunner(r *runner.Runner) {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownGrace+5*time.Second)
	defer cancel()
	r.Close(ctx)

	if forceKill {
		st := r.WorkerInfo().State
		if st == worker.StateRunning || st == worker.StateStopping {
			slog.Warn("worker outlived shutdown grace, killing")
			if err := r.Kill(); err != nil {
				slog.Error("killing worker", "error", err)
			}
		}
	}
}

// watchLoop reruns once per debounced change until interrupted. A failing
// pass is reported but keeps the loop alive; the next change retries.
func watchLoop(ctx context.Context, once func(context.Context) error) error {
	w, err := watch.New(watch.Config{Dirs: watchDirs})
	if err != nil {
		return err
	}

	g, wctx := errgroup.WithContext(ctx)
	g.Go(func() error { return w.Run(wctx) })

	for {
		if err := once(wctx); err != nil {
			slog.Error("pass failed", "error", err)
		}
		fmt.Fprintln(os.Stderr, "watching for changes, ctrl-c to stop")

		select {
		case <-wctx.Done():
			return g.Wait()
		case <-w.Triggers():
			slog.Info("change detected, rerunning")
		}
	}
}
