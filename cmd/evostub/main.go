package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/rexliu/evolink/pkg/config"
	"github.com/rexliu/evolink/pkg/logging"
	"github.com/rexliu/evolink/pkg/stub"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()
	if err := newRootCommand().ExecuteContext(ctx); err != nil {
		if !errors.Is(err, context.Canceled) {
			fmt.Fprintln(os.Stderr, err)
		}
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	var (
		profileDir string
		listen     string
		socket     string
		interval   time.Duration
	)
	cmd := &cobra.Command{
		Use:           "evostub",
		Short:         "Development backend answering evolink requests",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadProfileOrDefault(profileDir)
			if err != nil {
				return fmt.Errorf("load profile: %w", err)
			}
			if listen != "" {
				cfg.Stub.ListenAddr = listen
			}
			if socket != "" {
				cfg.Stub.SocketPath = socket
			}
			if interval > 0 {
				cfg.Stub.ProgressInterval = interval
			}
			if cfg.Logging.FilePath != "" {
				cfg.Logging.FilePath = config.ResolvePath(profileDir, cfg.Logging.FilePath)
			}
			logger, err := logging.New(cfg.Logging, "evostub")
			if err != nil {
				return err
			}
			defer logger.Sync()
			return run(cmd.Context(), cfg, profileDir, logger, nil)
		},
	}
	cmd.Flags().StringVar(&profileDir, "profile", "./_dev_profile", "Profile directory")
	cmd.Flags().StringVar(&listen, "listen", "", "Override the HTTP listen address")
	cmd.Flags().StringVar(&socket, "socket", "", "Also serve length-prefixed frames on this unix socket")
	cmd.Flags().DurationVar(&interval, "progress-interval", 0, "Override the progress push interval")
	return cmd
}

// run serves until ctx is cancelled. ready, when non-nil, receives the
// server once it is listening.
func run(ctx context.Context, cfg *config.ProfileConfig, profileDir string, logger *zap.Logger, ready chan<- *stub.Server) error {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	srv := stub.NewServer(logger, reg)
	b := newBackend(logger, reg, srv.Hub().Broadcast, cfg.Stub.MaxIterations)
	b.register(srv)

	if err := srv.Start(ctx, cfg.Stub.ListenAddr); err != nil {
		return fmt.Errorf("start stub: %w", err)
	}
	socketPath := config.ResolvePath(profileDir, cfg.Stub.SocketPath)
	if socketPath != "" {
		if err := cleanupSocket(socketPath); err != nil {
			srv.Stop(context.Background())
			return err
		}
		if _, err := srv.ServeStream(ctx, "unix", socketPath); err != nil {
			srv.Stop(context.Background())
			return fmt.Errorf("start stream endpoint: %w", err)
		}
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Stop(shutdownCtx); err != nil {
			logger.Warn("shutdown incomplete", zap.Error(err))
		}
		cleanupSocket(socketPath)
	}()

	go b.runProgress(ctx, cfg.Stub.ProgressInterval)
	logger.Info("evostub ready",
		zap.String("addr", srv.Addr().String()),
		zap.Duration("progressInterval", cfg.Stub.ProgressInterval),
	)
	if ready != nil {
		ready <- srv
	}

	<-ctx.Done()
	logger.Info("shutting down")
	return nil
}

func cleanupSocket(path string) error {
	if path == "" {
		return nil
	}
	if _, err := os.Stat(path); err == nil {
		if err := os.Remove(path); err != nil {
			return err
		}
	}
	return nil
}
