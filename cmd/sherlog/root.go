package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/martinemde/sherlog/agentevents"
	"github.com/martinemde/sherlog/config"
	"github.com/martinemde/sherlog/notebookctx"
	"github.com/martinemde/sherlog/telemetry"
	"github.com/martinemde/sherlog/unifiedllm"
)

type globalFlags struct {
	configPath  string
	logLevel    string
	metricsAddr string
	notebookID  string
	sessionID   string
	cellsFile   string
}

// app is the per-invocation state shared by subcommands.
type app struct {
	cfg     *config.Config
	logger  *slog.Logger
	metrics *telemetry.Metrics
	cells   notebookctx.CellReader
	flags   *globalFlags
	out     io.Writer
}

func newRootCmd() *cobra.Command {
	flags := &globalFlags{}
	a := &app{flags: flags}

	cmd := &cobra.Command{
		Use:           "sherlog",
		Short:         "Investigate logs with LLM agents",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.setup(cmd)
		},
	}

	pf := cmd.PersistentFlags()
	pf.StringVar(&flags.configPath, "config", "", "config file (YAML)")
	pf.StringVar(&flags.logLevel, "log-level", "", "log level: debug, info, warn or error")
	pf.StringVar(&flags.metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address")
	pf.StringVar(&flags.notebookID, "notebook", "default", "notebook id the run belongs to")
	pf.StringVar(&flags.sessionID, "session", "", "session id (random when empty)")
	pf.StringVar(&flags.cellsFile, "cells-file", "", "JSON file of notebook cells exposed to the agent")

	cmd.AddCommand(newLogAICmd(a), newReportCmd(a))
	return cmd
}

func (a *app) setup(cmd *cobra.Command) error {
	cfg, err := config.Load(a.flags.configPath)
	if err != nil {
		return err
	}
	if a.flags.logLevel != "" {
		cfg.Log.Level = a.flags.logLevel
	}
	if a.flags.metricsAddr != "" {
		cfg.Metrics.Addr = a.flags.metricsAddr
	}
	if a.flags.sessionID == "" {
		a.flags.sessionID = uuid.NewString()
	}

	a.cfg = cfg
	a.logger = newLogger(cmd.ErrOrStderr(), cfg.Log)
	slog.SetDefault(a.logger)
	a.out = cmd.OutOrStdout()
	a.metrics = telemetry.Default()

	if a.flags.cellsFile != "" {
		store, err := loadCells(a.flags.cellsFile, a.flags.notebookID)
		if err != nil {
			return err
		}
		a.cells = store
	}

	if cfg.Metrics.Addr != "" {
		if err := serveMetrics(cmd.Context(), cfg.Metrics.Addr, a.logger); err != nil {
			return err
		}
	}
	return nil
}

func newLogger(w io.Writer, cfg config.LogConfig) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(cfg.Format, "json") {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

// serveMetrics listens on addr until ctx is done.
func serveMetrics(ctx context.Context, addr string, logger *slog.Logger) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("metrics listener: %w", err)
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", telemetry.Handler(prometheus.DefaultGatherer))
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server stopped", "error", err)
		}
	}()
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	logger.Info("serving metrics", "addr", ln.Addr().String())
	return nil
}

func loadCells(path, notebookID string) (*notebookctx.MemoryStore, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read cells: %w", err)
	}
	var cells []notebookctx.Cell
	if err := json.Unmarshal(data, &cells); err != nil {
		return nil, fmt.Errorf("parse cells %s: %w", path, err)
	}
	store := notebookctx.NewMemoryStore()
	for _, c := range cells {
		store.Put(notebookID, c)
	}
	return store, nil
}

// newModel builds an LLM client for model from the configured provider.
func (a *app) newModel(model string) (*unifiedllm.Client, error) {
	llm := a.cfg.LLM
	adapter, err := unifiedllm.NewGollmAdapter(llm.Provider, llm.APIKey,
		unifiedllm.WithModel(model),
		unifiedllm.WithMaxTokens(llm.MaxTokens),
		unifiedllm.WithTemperature(llm.Temperature),
	)
	if err != nil {
		return nil, err
	}
	return unifiedllm.NewClient(
		unifiedllm.WithProvider(llm.Provider, adapter),
		unifiedllm.WithMiddleware(unifiedllm.LoggingMiddleware(a.logger)),
	), nil
}

// printEvents writes each event as a JSON line and returns an error if the
// run ended in failure.
func (a *app) printEvents(stream *agentevents.Stream) error {
	defer stream.Close()
	enc := json.NewEncoder(a.out)
	var last agentevents.Event
	for ev := range stream.Events() {
		if err := enc.Encode(ev); err != nil {
			a.logger.Warn("write event", "error", err)
		}
		last = ev
	}
	switch last.Status {
	case agentevents.StatusAgentRunComplete, agentevents.StatusSuccess:
		return nil
	case "":
		return errors.New("run produced no events")
	}
	msg := last.Message
	if msg == "" {
		msg = last.Error
	}
	return fmt.Errorf("run ended with %s: %s", last.Status, msg)
}
