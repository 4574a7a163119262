package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"

	"github.com/rendis/runengine/internal/artifact"
	"github.com/rendis/runengine/internal/assets"
	"github.com/rendis/runengine/internal/config"
	"github.com/rendis/runengine/internal/engine"
	"github.com/rendis/runengine/internal/expressions"
	"github.com/rendis/runengine/internal/handlers"
	"github.com/rendis/runengine/internal/store"
	"github.com/rendis/runengine/internal/streaming"
	"github.com/rendis/runengine/internal/validation"
	"github.com/rendis/runengine/pkg/schema"
)

// app holds everything a serving command needs.
type app struct {
	cfg     *config.Config
	logger  *slog.Logger
	store   store.Store
	graph   *engine.Graph
	hub     *streaming.MemoryHub
	engine  *engine.Engine
	closers []func() error
}

func (a *app) Close() {
	if a.engine != nil {
		a.engine.Close()
	}
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			a.logger.Warn("close failed", "error", err)
		}
	}
}

// loadGraph reads the configured pipeline file, or the embedded one.
func loadGraph(cfg *config.Config, sv *validation.SchemaValidator) (*engine.Graph, error) {
	if cfg.Engine.GraphFile != "" {
		return engine.LoadPipelineFile(cfg.Engine.GraphFile, sv)
	}
	return engine.DefaultGraph(sv)
}

// openStore opens the configured backend. libsql databases are migrated.
func openStore(ctx context.Context, cfg *config.Config) (store.Store, func() error, error) {
	switch cfg.Store.Backend {
	case "memory":
		return store.NewMemoryStore(), func() error { return nil }, nil
	default:
		if err := os.MkdirAll(config.Dir(), 0o700); err != nil {
			return nil, nil, fmt.Errorf("create %s: %w", config.Dir(), err)
		}
		s, err := store.NewLibSQLStore(cfg.Store.DBPath)
		if err != nil {
			return nil, nil, err
		}
		if err := s.Migrate(ctx); err != nil {
			_ = s.Close()
			return nil, nil, err
		}
		return s, s.Close, nil
	}
}

// handlerNames lists every handler name the graph can dispatch to: step
// handlers plus the sub-step handlers of asset nodes.
func handlerNames(g *engine.Graph) []string {
	var names []string
	for _, name := range g.Sorted {
		n := g.Nodes[name]
		switch n.Kind {
		case engine.NodeStep:
			names = append(names, g.StepConfig(name, schema.RunConfig{}).Handler)
		case engine.NodeAsset:
			names = append(names, assets.PlacementsStep(name), assets.ItemHandler(name))
		}
	}
	return names
}

// buildHandlers registers a remote handler for every name with an endpoint.
func buildHandlers(cfg config.HandlersConfig, g *engine.Graph, logger *slog.Logger) *handlers.Registry {
	reg := handlers.NewRegistry()
	client := &http.Client{Timeout: cfg.Timeout}
	var headers map[string]string
	if cfg.Token != "" {
		headers = map[string]string{"Authorization": "Bearer " + cfg.Token}
	}
	for _, name := range handlerNames(g) {
		ep := cfg.Endpoint(name)
		if ep == "" {
			logger.Warn("no handler endpoint configured", "handler", name)
			continue
		}
		reg.Replace(name, handlers.NewRemoteHandler(handlers.RemoteConfig{
			Endpoint: ep,
			Client:   client,
			Headers:  headers,
		}))
	}
	return reg
}

// buildApp wires store, artifacts, handlers, validation and the engine.
func buildApp(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*app, error) {
	a := &app{cfg: cfg, logger: logger, hub: streaming.NewMemoryHub()}

	sv, err := validation.NewSchemaValidator()
	if err != nil {
		return nil, err
	}
	a.graph, err = loadGraph(cfg, sv)
	if err != nil {
		return nil, err
	}

	st, closeStore, err := openStore(ctx, cfg)
	if err != nil {
		return nil, err
	}
	a.store = st
	a.closers = append(a.closers, closeStore)

	blobs, err := artifact.NewFSBlobStore(cfg.Artifacts.Dir)
	if err != nil {
		a.Close()
		return nil, err
	}

	a.engine, err = engine.New(cfg.EngineConfig(), engine.Deps{
		Store:     st,
		Artifacts: artifact.NewStore(blobs, st),
		Handlers:  buildHandlers(cfg.Handlers, a.graph, logger),
		Checker:   validation.NewOutputChecker(sv, expressions.NewExprEngine(), expressions.NewGoJQEngine()),
		Graph:     a.graph,
		Hub:       a.hub,
		Logger:    logger,
	})
	if err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}
