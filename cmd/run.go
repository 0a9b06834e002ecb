package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/chainsync/internal/config"
	"github.com/sells-group/chainsync/internal/discovery"
	"github.com/sells-group/chainsync/internal/monitoring"
)

var (
	runPort         int
	runScanInterval time.Duration
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the enrichment worker, writer, periodic scans and status server",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := initEnv(ctx, cfg, envOptions{})
		if err != nil {
			return err
		}
		defer env.Close()

		port := runPort
		if port == 0 {
			port = cfg.Server.Port
		}
		scanEvery := runScanInterval
		if scanEvery == 0 {
			scanEvery = config.Secs(cfg.Discovery.ScanIntervalSecs)
		}

		return runServices(ctx, env, cfg.Monitoring, runOptions{
			Addr:         fmt.Sprintf(":%d", port),
			ProgramID:    cfg.Discovery.ProgramID,
			ScanInterval: scanEvery,
		})
	},
}

// runOptions configures runServices.
type runOptions struct {
	Addr         string
	ProgramID    string
	ScanInterval time.Duration
}

// runServices runs every long-lived component under one errgroup until ctx
// is canceled or one of them fails.
func runServices(ctx context.Context, env *syncEnv, mc config.MonitoringConfig, opts runOptions) error {
	g, gctx := errgroup.WithContext(ctx)

	collector := monitoring.NewCollector(env.Pool, env.Limiter, env.Consumer, env.Metrics)
	checker := monitoring.NewChecker(collector, monitoring.NewAlerter(mc), mc)

	g.Go(func() error { return env.Worker.Run(gctx) })
	if env.Writer != nil {
		g.Go(func() error { return env.Writer.Run(gctx) })
	}
	if opts.ScanInterval > 0 && opts.ProgramID != "" {
		g.Go(func() error {
			scanLoop(gctx, env.Scanner, opts.ProgramID, opts.ScanInterval)
			return nil
		})
	}
	g.Go(func() error {
		checker.Run(gctx)
		return nil
	})

	srv := &http.Server{
		Addr:              opts.Addr,
		Handler:           buildRouter(gctx, env, collector),
		ReadHeaderTimeout: 10 * time.Second,
	}
	g.Go(func() error {
		zap.L().Info("starting server", zap.String("addr", opts.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return eris.Wrap(err, "server listen")
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		zap.L().Info("shutting down server")
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(gctx), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	err := g.Wait()
	// API-started scans share gctx; let them unwind before the caller
	// closes the store and queue.
	env.Scanner.Wait()
	return err
}

// scanLoop scans programID immediately and then every interval. A failed
// scan is logged and retried on the next tick.
func scanLoop(ctx context.Context, scanner *discovery.Scanner, programID string, interval time.Duration) {
	log := zap.L().With(zap.String("component", "discovery.loop"), zap.String("program_id", programID))
	log.Info("starting periodic scan", zap.Duration("interval", interval))

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		res, err := scanner.ScanDetailed(ctx, programID)
		switch {
		case errors.Is(err, discovery.ErrScanInProgress):
			log.Info("periodic scan skipped, scan already running")
		case err != nil && ctx.Err() != nil:
			log.Info("periodic scan interrupted")
		case err != nil:
			log.Error("periodic scan failed", zap.Error(err))
		default:
			log.Info("periodic scan complete",
				zap.Int("examined", res.Examined),
				zap.Int("enqueued", res.Enqueued),
				zap.Duration("duration", res.Duration),
			)
		}

		select {
		case <-ctx.Done():
			log.Info("periodic scan stopped")
			return
		case <-ticker.C:
		}
	}
}

func init() {
	runCmd.Flags().IntVar(&runPort, "port", 0, "server port (default from config)")
	runCmd.Flags().DurationVar(&runScanInterval, "scan-interval", 0, "repeat discovery scans at this interval (default from config, 0 disables)")
	rootCmd.AddCommand(runCmd)
}
