package mcp

import (
	"context"
	"errors"

	"github.com/mark3labs/mcp-go/server"

	"github.com/rendis/runengine/internal/streaming"
	"github.com/rendis/runengine/pkg/schema"
)

// RunNotifier pushes run progress to connected clients.
type RunNotifier interface {
	Notify(ctx context.Context, runID string, payload map[string]any) error
}

// MCPNotifier implements RunNotifier using MCP server notifications.
type MCPNotifier struct {
	mcpServer *server.MCPServer
	sessions  *SessionRegistry
}

// NewMCPNotifier creates a notifier that pushes to watching sessions.
func NewMCPNotifier(mcpServer *server.MCPServer, sessions *SessionRegistry) *MCPNotifier {
	return &MCPNotifier{mcpServer: mcpServer, sessions: sessions}
}

// Notify sends payload to every session watching runID.
// Best-effort: sessions that went away are dropped silently.
func (n *MCPNotifier) Notify(_ context.Context, runID string, payload map[string]any) error {
	var errs []error
	for _, sid := range n.sessions.SessionsFor(runID) {
		err := n.mcpServer.SendNotificationToSpecificClient(sid, "notifications/message", payload)
		if errors.Is(err, server.ErrSessionNotFound) {
			n.sessions.Remove(sid)
			continue
		}
		if err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Forward relays hub events to watching sessions until ctx is done.
// Terminal events release the run's watchers.
func (n *MCPNotifier) Forward(ctx context.Context, hub streaming.Hub) error {
	ch, cancel, err := hub.Subscribe(ctx, streaming.Filter{})
	if err != nil {
		return err
	}
	defer cancel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case env, ok := <-ch:
			if !ok {
				return nil
			}
			_ = n.Notify(ctx, env.Event.RunID, progressPayload(env))
			if env.Event.Type == schema.ProgressRunCompleted || env.Event.Type == schema.ProgressRunFailed {
				n.sessions.Forget(env.Event.RunID)
			}
		}
	}
}

func progressPayload(env streaming.Envelope) map[string]any {
	ev := env.Event
	level := "info"
	if ev.Type == schema.ProgressStepFailed || ev.Type == schema.ProgressRunFailed || ev.Type == schema.ProgressError {
		level = "error"
	}
	data := map[string]any{
		"type":      string(ev.Type),
		"tenant_id": env.TenantID,
		"run_id":    ev.RunID,
		"progress":  ev.Progress,
		"timestamp": ev.Timestamp,
	}
	if ev.Step != "" {
		data["step"] = ev.Step
	}
	if ev.Message != "" {
		data["message"] = ev.Message
	}
	return map[string]any{
		"level":  level,
		"logger": "runengine",
		"data":   data,
	}
}
