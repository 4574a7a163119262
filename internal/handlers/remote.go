package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rendis/runengine/pkg/schema"
)

const (
	defaultMaxReplyBody  = 32 * 1024 * 1024
	defaultRemoteTimeout = 10 * time.Minute
)

// RemoteConfig configures a RemoteHandler.
type RemoteConfig struct {
	Endpoint     string
	Client       *http.Client
	MaxReplyBody int64
	// Headers are sent with every request (e.g. a static worker token).
	Headers map[string]string
}

// RemoteHandler posts the handler input as JSON to a worker endpoint and
// decodes the worker's reply. The attempt deadline comes from ctx.
type RemoteHandler struct {
	cfg RemoteConfig
}

// NewRemoteHandler creates a handler for one endpoint.
func NewRemoteHandler(cfg RemoteConfig) *RemoteHandler {
	if cfg.Client == nil {
		cfg.Client = &http.Client{Timeout: defaultRemoteTimeout}
	}
	if cfg.MaxReplyBody <= 0 {
		cfg.MaxReplyBody = defaultMaxReplyBody
	}
	return &RemoteHandler{cfg: cfg}
}

// remoteReply is the worker's wire format. A reply carrying error_category is
// a failure regardless of HTTP status.
type remoteReply struct {
	Result           json.RawMessage         `json:"result,omitempty"`
	Artifacts        []schema.OutputArtifact `json:"artifacts,omitempty"`
	ValidationReport *remoteValidation       `json:"validation_report,omitempty"`

	ErrorCategory schema.ErrorCategory `json:"error_category,omitempty"`
	ErrorType     string               `json:"error_type,omitempty"`
	Source        schema.ErrorSource   `json:"source,omitempty"`
	Message       string               `json:"message,omitempty"`
}

type remoteValidation struct {
	Valid  bool     `json:"valid"`
	Errors []string `json:"errors,omitempty"`
}

// Execute implements StepHandler.
func (h *RemoteHandler) Execute(ctx context.Context, in schema.HandlerInput) (*schema.HandlerResult, error) {
	body, err := json.Marshal(in)
	if err != nil {
		return nil, schema.NonRetryable(schema.SourceAPI, "encode_request", err.Error())
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.cfg.Endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, schema.NonRetryable(schema.SourceAPI, "build_request", err.Error())
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Run-ID", in.RunID)
	req.Header.Set("X-Step", in.Step)
	for k, v := range h.cfg.Headers {
		req.Header.Set(k, v)
	}

	resp, err := h.cfg.Client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &schema.HandlerError{
			Category: schema.CategoryRetryable,
			Source:   schema.SourceAPI,
			Type:     "transport",
			Message:  err.Error(),
			Cause:    err,
		}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, h.cfg.MaxReplyBody))
	if err != nil {
		return nil, schema.Retryable(schema.SourceAPI, "read_reply", err.Error())
	}

	var reply remoteReply
	decodeErr := json.Unmarshal(data, &reply)

	if decodeErr == nil && reply.ErrorCategory != "" {
		return nil, &schema.HandlerError{
			Category: reply.ErrorCategory,
			Type:     reply.ErrorType,
			Source:   sourceOr(reply.Source, schema.SourceAPI),
			Message:  reply.Message,
		}
	}
	if resp.StatusCode >= 300 {
		return nil, statusError(resp.StatusCode, data)
	}
	if decodeErr != nil {
		return nil, schema.NonRetryable(schema.SourceAPI, "malformed_reply", decodeErr.Error())
	}

	out := &schema.HandlerResult{Result: reply.Result, Artifacts: reply.Artifacts}
	if rv := reply.ValidationReport; rv != nil {
		report := &schema.ValidationReport{}
		for i, msg := range rv.Errors {
			report.AddError(fmt.Sprintf("validation_report.errors[%d]", i), schema.ErrCodeValidation, msg)
		}
		if !rv.Valid && len(rv.Errors) == 0 {
			report.AddError("validation_report", schema.ErrCodeValidation, "handler reported invalid output")
		}
		out.Validation = report
	}
	return out, nil
}

// statusError maps an HTTP failure onto the taxonomy: throttling and server
// errors are transient, other client errors are permanent.
func statusError(code int, body []byte) *schema.HandlerError {
	msg := strings.TrimSpace(string(body))
	if len(msg) > 512 {
		msg = msg[:512]
	}
	msg = fmt.Sprintf("worker returned %d: %s", code, msg)
	typ := fmt.Sprintf("http_%d", code)
	if code == http.StatusTooManyRequests || code == http.StatusRequestTimeout || code >= 500 {
		return schema.Retryable(schema.SourceAPI, typ, msg)
	}
	return schema.NonRetryable(schema.SourceAPI, typ, msg)
}

func sourceOr(s, def schema.ErrorSource) schema.ErrorSource {
	if s == "" {
		return def
	}
	return s
}

var _ StepHandler = (*RemoteHandler)(nil)
