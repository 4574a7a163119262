package mcp

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/rendis/runengine/internal/assets"
	"github.com/rendis/runengine/internal/diagram"
	"github.com/rendis/runengine/internal/engine"
	"github.com/rendis/runengine/pkg/schema"
)

// handleCreate starts a new run.
func (s *RunServer) handleCreate(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	var args engine.CreateRequest
	if err := decodeArgs(req, &args); err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	sum, err := s.svc.Create(ctx, s.tenant(req), args)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	s.captureSession(ctx, sum.ID)
	return marshalResult(sum)
}

func (s *RunServer) handleGet(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return s.withRun(ctx, req, func(tenantID, runID string) (any, error) {
		return s.svc.Get(ctx, tenantID, runID)
	})
}

// handleList lists runs of a tenant.
func (s *RunServer) handleList(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	var args struct {
		Status string `json:"status"`
		Limit  int    `json:"limit"`
		Offset int    `json:"offset"`
	}
	if err := decodeArgs(req, &args); err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	f := engine.ListFilter{Limit: args.Limit, Offset: args.Offset}
	if f.Limit <= 0 {
		f.Limit = 50
	}
	for _, st := range strings.Split(args.Status, ",") {
		if st = strings.TrimSpace(st); st != "" {
			f.Statuses = append(f.Statuses, schema.RunStatus(st))
		}
	}
	runs, err := s.svc.List(ctx, s.tenant(req), f)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return marshalResult(map[string]any{"runs": runs})
}

func (s *RunServer) handleApprove(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return s.decide(ctx, req, s.svc.Approve)
}

func (s *RunServer) handleReject(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return s.decide(ctx, req, s.svc.Reject)
}

func (s *RunServer) decide(ctx context.Context, req mcp.CallToolRequest,
	fn func(context.Context, string, string, engine.Decision) (*schema.RunSummary, error)) (*mcp.CallToolResult, error) {
	var d engine.Decision
	if err := decodeArgs(req, &d); err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return s.withRun(ctx, req, func(tenantID, runID string) (any, error) {
		return fn(ctx, tenantID, runID, d)
	})
}

func (s *RunServer) handleCancel(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	reason := req.GetString("reason", "")
	return s.withRun(ctx, req, func(tenantID, runID string) (any, error) {
		return s.svc.Cancel(ctx, tenantID, runID, reason)
	})
}

func (s *RunServer) handlePause(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return s.withRun(ctx, req, func(tenantID, runID string) (any, error) {
		return s.svc.Pause(ctx, tenantID, runID)
	})
}

func (s *RunServer) handleUnpause(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return s.withRun(ctx, req, func(tenantID, runID string) (any, error) {
		return s.svc.Unpause(ctx, tenantID, runID)
	})
}

func (s *RunServer) handleRetry(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	step := req.GetString("step", "")
	return s.withRun(ctx, req, func(tenantID, runID string) (any, error) {
		return s.svc.Retry(ctx, tenantID, runID, step)
	})
}

// handleResume resumes a run in place or as a new run. Watchers follow the
// run that is actually driven.
func (s *RunServer) handleResume(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	step, err := req.RequireString("step")
	if err != nil {
		return mcp.NewToolResultError("step is required"), nil
	}
	rr := engine.ResumeRequest{Step: step, Mode: schema.ResumeMode(req.GetString("mode", ""))}
	return s.withRun(ctx, req, func(tenantID, runID string) (any, error) {
		sum, err := s.svc.Resume(ctx, tenantID, runID, rr)
		if err == nil && sum.ID != runID {
			s.captureSession(ctx, sum.ID)
		}
		return sum, err
	})
}

func (s *RunServer) handleClone(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	var args struct {
		Config *schema.RunConfig `json:"config"`
	}
	if err := decodeArgs(req, &args); err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return s.withRun(ctx, req, func(tenantID, runID string) (any, error) {
		sum, err := s.svc.Clone(ctx, tenantID, runID, args.Config)
		if err == nil {
			s.captureSession(ctx, sum.ID)
		}
		return sum, err
	})
}

func (s *RunServer) handleEvents(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	var args struct {
		Since int64 `json:"since"`
	}
	if err := decodeArgs(req, &args); err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return s.withRun(ctx, req, func(tenantID, runID string) (any, error) {
		evs, err := s.svc.Events(ctx, tenantID, runID, args.Since)
		return map[string]any{"events": evs}, err
	})
}

func (s *RunServer) handleAttempts(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	step := req.GetString("step", "")
	return s.withRun(ctx, req, func(tenantID, runID string) (any, error) {
		at, err := s.svc.Attempts(ctx, tenantID, runID, step)
		return map[string]any{"steps": at}, err
	})
}

// handleGraph renders the step graph, with a status overlay when run_id is set.
func (s *RunServer) handleGraph(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	var run *schema.RunSummary
	if runID := req.GetString("run_id", ""); runID != "" {
		sum, err := s.svc.Get(ctx, s.tenant(req), runID)
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		run = sum
	}
	model := diagram.Build(s.graph, run)

	switch format := req.GetString("format", "mermaid"); format {
	case "mermaid":
		return mcp.NewToolResultText(diagram.RenderMermaid(model)), nil
	case "ascii":
		return mcp.NewToolResultText(diagram.RenderASCII(model)), nil
	case "png":
		png, err := diagram.RenderImage(ctx, model, diagram.ImagePNG)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("image render failed: %v", err)), nil
		}
		return mcp.NewToolResultText(base64.StdEncoding.EncodeToString(png)), nil
	default:
		return mcp.NewToolResultError("format must be mermaid, ascii, or png"), nil
	}
}

// handleAssets dispatches one operation of the image sub-workflow.
func (s *RunServer) handleAssets(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	action, err := req.RequireString("action")
	if err != nil {
		return mcp.NewToolResultError("action is required"), nil
	}
	payload := mcp.ParseStringMap(req, "payload", nil)

	return s.withRun(ctx, req, func(tenantID, runID string) (any, error) {
		switch action {
		case "state":
			return s.svc.AssetState(ctx, tenantID, runID)
		case "settings":
			var in assets.Settings
			if err := remarshal(payload, &in); err != nil {
				return nil, err
			}
			return s.svc.SubmitAssetSettings(ctx, tenantID, runID, in)
		case "positions":
			pos, err := s.svc.AssetPositions(ctx, tenantID, runID)
			return map[string]any{"positions": pos}, err
		case "submit_positions":
			var in assets.PositionsDecision
			if err := remarshal(payload, &in); err != nil {
				return nil, err
			}
			return s.svc.SubmitAssetPositions(ctx, tenantID, runID, in)
		case "instructions":
			var in struct {
				Instructions []string `json:"instructions"`
			}
			if err := remarshal(payload, &in); err != nil {
				return nil, err
			}
			return s.svc.SubmitAssetInstructions(ctx, tenantID, runID, in.Instructions)
		case "images":
			items, err := s.svc.AssetImages(ctx, tenantID, runID)
			return map[string]any{"images": items}, err
		case "review":
			var in assets.ImageReview
			if err := remarshal(payload, &in); err != nil {
				return nil, err
			}
			return s.svc.SubmitAssetImageReview(ctx, tenantID, runID, in)
		case "preview":
			return s.svc.AssetPreview(ctx, tenantID, runID)
		case "finalize":
			var in assets.FinalizeDecision
			if err := remarshal(payload, &in); err != nil {
				return nil, err
			}
			return s.svc.FinalizeAsset(ctx, tenantID, runID, in)
		default:
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "unknown assets action %q", action)
		}
	})
}

// --- Internal helpers ---

// withRun resolves tenant and run_id, records the calling session as a
// watcher, and marshals whatever fn returns.
func (s *RunServer) withRun(ctx context.Context, req mcp.CallToolRequest, fn func(tenantID, runID string) (any, error)) (*mcp.CallToolResult, error) {
	runID, err := req.RequireString("run_id")
	if err != nil {
		return mcp.NewToolResultError("run_id is required"), nil
	}
	s.captureSession(ctx, runID)
	out, err := fn(s.tenant(req), runID)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return marshalResult(out)
}

func (s *RunServer) tenant(req mcp.CallToolRequest) string {
	return req.GetString("tenant_id", s.defaultTenant)
}

// captureSession subscribes the calling session to progress of runID.
func (s *RunServer) captureSession(ctx context.Context, runID string) {
	if session := server.ClientSessionFromContext(ctx); session != nil {
		s.sessions.Watch(runID, session.SessionID())
	}
}

// decodeArgs decodes all tool arguments into v.
func decodeArgs(req mcp.CallToolRequest, v any) error {
	return remarshal(req.GetArguments(), v)
}

func remarshal(in any, v any) error {
	if in == nil {
		return nil
	}
	data, err := json.Marshal(in)
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeValidation, "invalid arguments: %v", err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return schema.NewErrorf(schema.ErrCodeValidation, "invalid arguments: %v", err)
	}
	return nil
}

// marshalResult converts a value to a JSON text tool result.
func marshalResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return mcp.NewToolResultJSON(json.RawMessage(data))
}
