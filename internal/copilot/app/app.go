// Package app wires the copilot together and runs it.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mdinu-hash/analytics-copilot/internal/copilot/assumptions"
	"github.com/mdinu-hash/analytics-copilot/internal/copilot/audit"
	"github.com/mdinu-hash/analytics-copilot/internal/copilot/classify"
	"github.com/mdinu-hash/analytics-copilot/internal/copilot/clarify"
	"github.com/mdinu-hash/analytics-copilot/internal/copilot/compose"
	"github.com/mdinu-hash/analytics-copilot/internal/copilot/gateway"
	"github.com/mdinu-hash/analytics-copilot/internal/copilot/llm"
	"github.com/mdinu-hash/analytics-copilot/internal/copilot/memory"
	"github.com/mdinu-hash/analytics-copilot/internal/copilot/orchestrator"
	"github.com/mdinu-hash/analytics-copilot/internal/copilot/queryengine"
	"github.com/mdinu-hash/analytics-copilot/internal/copilot/schema"
	"github.com/mdinu-hash/analytics-copilot/internal/copilot/server"
	"github.com/mdinu-hash/analytics-copilot/internal/copilot/store"
)

// Config holds application configuration.
type Config struct {
	// DatabasePath is the SQLite file holding turns, the audit trail,
	// and gateway sync state.
	DatabasePath string
	// SchemaPath is the YAML schema context file.
	SchemaPath string

	// LLM configures the model collaborator.
	LLM llm.Config
	// Genie configures the query backend.
	Genie queryengine.GenieConfig

	// HTTPAddr is the TCP address of the HTTP API (e.g. ":8080"). When
	// empty the HTTP server is disabled.
	HTTPAddr string
	// RateLimit is the maximum turns per caller per minute on the HTTP
	// API. Zero uses the default.
	RateLimit int

	// Matrix configures the optional Matrix gateway. Nil disables it.
	Matrix *gateway.Config

	Logger *slog.Logger
}

// App is the assembled copilot service.
type App struct {
	config       *Config
	logger       *slog.Logger
	store        *store.Store
	recorder     *audit.Recorder
	orchestrator *orchestrator.Orchestrator
	server       *server.Server
	gateway      *gateway.Gateway
}

// New wires the application. The schema context is loaded once here and
// shared read-only.
func New(config *Config) (*App, error) {
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}

	sch, err := schema.Load(config.SchemaPath)
	if err != nil {
		return nil, fmt.Errorf("app: load schema context: %w", err)
	}
	logger.Info("schema context loaded",
		"path", config.SchemaPath,
		"tables", len(sch.Tables),
		"terms", len(sch.Terms),
		"defaults", len(sch.Defaults),
	)

	st, err := store.New(config.DatabasePath)
	if err != nil {
		return nil, fmt.Errorf("app: open store: %w", err)
	}

	gen := llm.New(config.LLM)
	engine := queryengine.NewAdapter(queryengine.NewGenie(config.Genie), logger)
	recorder := audit.NewRecorder(st, logger)

	orc := orchestrator.New(orchestrator.Deps{
		Classifier: classify.New(gen, sch, logger),
		Clarifier:  clarify.New(gen, sch, logger),
		Engine:     engine,
		Extractor:  assumptions.New(gen, sch, logger),
		Composer:   compose.New(gen, sch, logger),
		Memory:     memory.New(st, logger),
		Recorder:   recorder,
		Schema:     sch,
		Logger:     logger,
	})

	a := &App{
		config:       config,
		logger:       logger,
		store:        st,
		recorder:     recorder,
		orchestrator: orc,
	}

	if config.HTTPAddr != "" {
		a.server = server.New(server.Config{
			Addr:      config.HTTPAddr,
			RateLimit: config.RateLimit,
			Logger:    logger,
		}, orc, recorder)
	}

	if config.Matrix != nil {
		config.Matrix.DB = st.DB()
		gw, err := gateway.New(config.Matrix, orc, logger)
		if err != nil {
			st.Close()
			return nil, err
		}
		a.gateway = gw
	}

	if a.server == nil && a.gateway == nil {
		st.Close()
		return nil, fmt.Errorf("app: neither HTTP address nor Matrix gateway configured")
	}

	return a, nil
}

// Run starts the configured fronts and blocks until SIGINT or SIGTERM.
func (a *App) Run() error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if a.server != nil {
		if err := a.server.Start(ctx); err != nil {
			return err
		}
	}
	if a.gateway != nil {
		a.logger.Info("starting Matrix gateway")
		if err := a.gateway.Start(ctx); err != nil {
			return fmt.Errorf("app: start Matrix gateway: %w", err)
		}
	}

	a.logger.Info("copilot is running; press Ctrl+C to stop")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	sig := <-sigCh
	a.logger.Info("shutting down", "signal", sig.String())
	return nil
}

// Stop shuts everything down, draining pending audit writes first so no
// completed turn is lost.
func (a *App) Stop() {
	if a.gateway != nil {
		a.gateway.Stop()
	}
	if a.server != nil {
		a.server.Stop()
	}

	done := make(chan struct{})
	go func() {
		a.recorder.Drain()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(10 * time.Second):
		a.logger.Warn("audit drain timed out, some records may be lost")
	}

	if err := a.store.Close(); err != nil {
		a.logger.Warn("store close", "error", err)
	}
}
