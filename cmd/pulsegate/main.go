package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/amoylab/pulsegate/internal/common/cnst"
	"github.com/amoylab/pulsegate/internal/common/config"
	"github.com/amoylab/pulsegate/internal/realtime/broker"
	"github.com/amoylab/pulsegate/internal/realtime/queue"
	"github.com/amoylab/pulsegate/internal/server"
	"github.com/amoylab/pulsegate/internal/upstream"
	"github.com/amoylab/pulsegate/pkg/helper"
	"github.com/amoylab/pulsegate/pkg/logger"
	"github.com/amoylab/pulsegate/pkg/metrics"
	"github.com/amoylab/pulsegate/pkg/trace"
	"github.com/amoylab/pulsegate/pkg/version"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

const shutdownTimeout = 10 * time.Second

var (
	configPath string

	versionCmd = &cobra.Command{
		Use:   "version",
		Short: "Print the version number of " + cnst.CommandName,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("%s version %s\n", cnst.CommandName, version.Get())
		},
	}

	testCmd = &cobra.Command{
		Use:   "test",
		Short: "Test the configuration file",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, cfgPath, err := config.LoadConfig[config.GatewayConfig](configPath)
			if err != nil {
				return fmt.Errorf("failed to load configuration %s: %w", cfgPath, err)
			}
			if err := cfg.Validate(); err != nil {
				return fmt.Errorf("configuration %s is invalid: %w", cfgPath, err)
			}
			fmt.Printf("configuration %s is ok\n", cfgPath)
			return nil
		},
	}

	stopCmd = &cobra.Command{
		Use:   "stop",
		Short: "Ask a running gateway to shut down gracefully",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := config.LoadConfig[config.GatewayConfig](configPath)
			if err != nil {
				return fmt.Errorf("failed to load configuration: %w", err)
			}
			pidFile := helper.GetPIDPath(cfg.PID)
			pid, err := helper.ReadPID(pidFile)
			if err != nil {
				return fmt.Errorf("failed to read PID file %s: %w", pidFile, err)
			}
			if err := syscall.Kill(pid, syscall.SIGTERM); err != nil {
				return fmt.Errorf("failed to signal process %d: %w", pid, err)
			}
			fmt.Printf("sent SIGTERM to %s (pid %d)\n", cnst.CommandName, pid)
			return nil
		},
	}

	rootCmd = &cobra.Command{
		Use:   cnst.CommandName,
		Short: "Realtime session broker and upstream integration gateway",
		Long:  `pulsegate fans out chat, tool, cost and status events to websocket clients grouped by session`,
		Run: func(cmd *cobra.Command, args []string) {
			run()
		},
	}
)

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "conf", "c", cnst.GatewayYaml, "path to configuration file, like /etc/pulsegate/pulsegate.yaml")
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(testCmd)
	rootCmd.AddCommand(stopCmd)
}

func run() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cfg, cfgPath, err := config.LoadConfig[config.GatewayConfig](configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration %s: %v\n", cfgPath, err)
		os.Exit(1)
	}

	lg, err := logger.NewLogger(&cfg.Logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer lg.Sync()

	lg.Info("Starting "+cnst.AppName,
		zap.String("version", version.Get()),
		zap.String("config", cfgPath))

	if err := cfg.Validate(); err != nil {
		lg.Fatal("Invalid configuration", zap.Error(err))
	}

	shutdownTracing, err := trace.InitTracing(ctx, &cfg.Tracing, lg)
	if err != nil {
		lg.Fatal("Failed to initialize tracing", zap.Error(err))
	}

	var m *metrics.Metrics
	if cfg.Metrics.Enabled {
		m = metrics.New(cfg.Metrics)
	}

	store, err := queue.NewStore(ctx, lg, &cfg.Queue)
	if err != nil {
		lg.Fatal("Failed to initialize queue store", zap.Error(err))
	}

	b := broker.New(lg, cfg.Broker, store, broker.WithMetrics(m))
	b.Start(ctx)

	up := upstream.NewClient(lg, cfg.Upstream, b, upstream.WithMetrics(m))
	pollers := upstream.NewPollers(up)
	pollers.Start(ctx)

	gin.SetMode(gin.ReleaseMode)
	httpSrv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Port),
		Handler: server.NewServer(lg, cfg, b, up, m).Handler(),
	}

	pidFile := helper.GetPIDPath(cfg.PID)
	if err := helper.WritePID(pidFile); err != nil {
		lg.Warn("Failed to write PID file", zap.String("path", pidFile), zap.Error(err))
	}
	defer func() {
		if err := helper.RemovePID(pidFile); err != nil {
			lg.Warn("Failed to remove PID file", zap.String("path", pidFile), zap.Error(err))
		}
	}()

	go func() {
		lg.Info("Listening", zap.String("addr", httpSrv.Addr))
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			lg.Fatal("Failed to start server", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit
	lg.Info("Received shutdown signal", zap.String("signal", sig.String()))

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	pollers.Stop()
	if err := b.Shutdown(shutdownCtx); err != nil {
		lg.Error("Failed to stop broker", zap.Error(err))
	}
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		lg.Error("Failed to shutdown HTTP server", zap.Error(err))
	}
	up.Close()
	if err := store.Close(); err != nil {
		lg.Error("Failed to close queue store", zap.Error(err))
	}
	if err := shutdownTracing(shutdownCtx); err != nil {
		lg.Error("Failed to flush traces", zap.Error(err))
	}
	lg.Info("Server shutdown completed")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
