package main

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/ehrlich-b/stepline/internal/config"
	"github.com/ehrlich-b/stepline/internal/engine"
	"github.com/ehrlich-b/stepline/internal/logger"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd().ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

type globals struct {
	configPath   string
	logLevel     string
	conversation string
}

func rootCmd() *cobra.Command {
	g := &globals{}
	root := &cobra.Command{
		Use:          "stepline",
		Short:        "Group agent event streams into steps",
		Long:         "Reads agent events (JSONL or stream-json), groups them into typed steps, and records step history with checkpoints.",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&g.configPath, "config", config.DefaultPath(), "Config file")
	root.PersistentFlags().StringVar(&g.logLevel, "log-level", "", "Log level (debug, info, warn, error)")
	root.PersistentFlags().StringVar(&g.conversation, "conversation", engine.DefaultConversation, "Conversation ID")

	root.AddCommand(
		groupCmd(g),
		historyCmd(g),
		checkpointCmd(g),
		backupCmd(g),
		restoreCmd(g),
		watchCmd(g),
		patternsCmd(g),
	)
	return root
}

// setup loads config, installs the logger and starts the metrics
// endpoint. The returned func releases all three.
func (g *globals) setup(cmd *cobra.Command) (*config.Config, func(), error) {
	cfg, err := config.Load(g.configPath)
	if err != nil {
		return nil, nil, err
	}
	if g.logLevel != "" {
		cfg.LogLevel = g.logLevel
	}
	logFile, err := logger.Init(cfg.LogLevel, cfg.LogFile)
	if err != nil {
		return nil, nil, err
	}
	if err := config.EnsureDataDir(cfg); err != nil {
		logFile.Close()
		return nil, nil, err
	}
	stopMetrics := serveMetrics(cfg.MetricsAddr)
	return cfg, func() {
		stopMetrics()
		logFile.Close()
	}, nil
}

func serveMetrics(addr string) func() {
	if addr == "" {
		return func() {}
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("metrics server", "addr", addr, "error", err)
		}
	}()
	slog.Info("serving metrics", "addr", addr)
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		srv.Shutdown(ctx)
	}
}

// openEngine builds an engine for the --conversation flag.
func (g *globals) openEngine(cmd *cobra.Command, cfg *config.Config, opts engine.Options) (*engine.Engine, error) {
	opts.ConversationID = g.conversation
	return engine.New(cmd.Context(), cfg, opts)
}

func openInput(path string, stdin io.Reader) (io.ReadCloser, error) {
	if path == "" || path == "-" {
		return io.NopCloser(stdin), nil
	}
	return os.Open(path)
}
