// Package enginetest builds in-memory engines for tests of the packages
// layered on top of the engine.
package enginetest

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/rendis/runengine/internal/artifact"
	"github.com/rendis/runengine/internal/engine"
	"github.com/rendis/runengine/internal/expressions"
	"github.com/rendis/runengine/internal/handlers"
	"github.com/rendis/runengine/internal/store"
	"github.com/rendis/runengine/internal/streaming"
	"github.com/rendis/runengine/internal/validation"
	"github.com/rendis/runengine/pkg/schema"
)

// Env is an engine over a memory store whose step handlers all succeed.
type Env struct {
	Engine   *engine.Engine
	Store    *store.MemoryStore
	Hub      *streaming.MemoryHub
	Handlers *handlers.Registry
	Graph    *engine.Graph
}

// Succeed is a handler that returns one text artifact named after the step.
func Succeed(_ context.Context, in schema.HandlerInput) (*schema.HandlerResult, error) {
	return &schema.HandlerResult{
		Result: json.RawMessage(fmt.Sprintf(`{"step":%q}`, in.Step)),
		Artifacts: []schema.OutputArtifact{{
			Type:        "text",
			ContentType: "text/plain",
			Content:     []byte("content of " + in.Step),
		}},
	}, nil
}

// New builds an Env with millisecond backoff. The engine is closed when the
// test ends.
func New(t *testing.T) *Env {
	t.Helper()
	sv, err := validation.NewSchemaValidator()
	require.NoError(t, err)
	g, err := engine.DefaultGraph(sv)
	require.NoError(t, err)
	g.Defaults.BackoffDelay = "1ms"
	g.Defaults.BackoffMax = "2ms"

	env := &Env{
		Store:    store.NewMemoryStore(),
		Hub:      streaming.NewMemoryHub(),
		Handlers: handlers.NewRegistry(),
		Graph:    g,
	}
	for _, name := range g.Sorted {
		if g.Nodes[name].Kind == engine.NodeStep {
			require.NoError(t, env.Handlers.Register(name, handlers.HandlerFunc(Succeed)))
		}
	}

	cfg := engine.DefaultConfig()
	cfg.Workers = 4
	cfg.CancelGrace = 2 * time.Second
	eng, err := engine.New(cfg, engine.Deps{
		Store:     env.Store,
		Artifacts: artifact.NewStore(artifact.NewMemoryBlobStore(), env.Store),
		Handlers:  env.Handlers,
		Checker:   validation.NewOutputChecker(sv, expressions.NewExprEngine(), expressions.NewGoJQEngine()),
		Graph:     g,
		Hub:       env.Hub,
		Logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	require.NoError(t, err)
	t.Cleanup(eng.Close)
	env.Engine = eng
	return env
}

// WaitStatus polls until the run reaches want.
func (e *Env) WaitStatus(t *testing.T, tenantID, runID string, want schema.RunStatus) *schema.RunSummary {
	t.Helper()
	var last *schema.RunSummary
	require.Eventually(t, func() bool {
		s, err := e.Engine.Get(context.Background(), tenantID, runID)
		if err != nil {
			return false
		}
		last = s
		return s.Status == want
	}, 5*time.Second, 2*time.Millisecond, "run never reached %s", want)
	return last
}
