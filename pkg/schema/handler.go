package schema

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ErrorCategory classifies a failed attempt for retry decisions.
type ErrorCategory string

const (
	CategoryRetryable      ErrorCategory = "retryable"
	CategoryNonRetryable   ErrorCategory = "non_retryable"
	CategoryValidationFail ErrorCategory = "validation_fail"
)

// ErrorSource records where a failure originated. It never affects policy.
type ErrorSource string

const (
	SourceLLM        ErrorSource = "llm"
	SourceTool       ErrorSource = "tool"
	SourceValidation ErrorSource = "validation"
	SourceStorage    ErrorSource = "storage"
	SourceActivity   ErrorSource = "activity"
	SourceAPI        ErrorSource = "api"
)

// InputArtifact is an upstream artifact handed to a step handler.
type InputArtifact struct {
	Step        string         `json:"step"`
	Type        string         `json:"type"`
	Digest      string         `json:"digest"`
	ContentType string         `json:"content_type,omitempty"`
	Content     []byte         `json:"content"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

// HandlerInput is everything a step handler receives for one attempt.
type HandlerInput struct {
	RunID    string          `json:"run_id"`
	TenantID string          `json:"tenant_id"`
	Step     string          `json:"step"`
	Attempt  int             `json:"attempt"`
	Inputs   []InputArtifact `json:"inputs"`
	Config   StepConfig      `json:"config"`
	RunInput json.RawMessage `json:"run_input,omitempty"`
}

// OutputArtifact is an artifact produced by a step handler.
type OutputArtifact struct {
	Type        string         `json:"type"`
	ContentType string         `json:"content_type,omitempty"`
	Content     []byte         `json:"content"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

// HandlerResult is a successful handler reply.
type HandlerResult struct {
	Result     json.RawMessage   `json:"result,omitempty"`
	Artifacts  []OutputArtifact  `json:"artifacts,omitempty"`
	Validation *ValidationReport `json:"validation,omitempty"`
}

// HandlerError is a failed handler reply carrying its classification.
type HandlerError struct {
	Category ErrorCategory `json:"error_category"`
	Type     string        `json:"error_type,omitempty"`
	Source   ErrorSource   `json:"source,omitempty"`
	Message  string        `json:"message"`
	Cause    error         `json:"-"`
}

func (e *HandlerError) Error() string {
	if e.Type != "" {
		return fmt.Sprintf("%s (%s/%s): %s", e.Category, e.Source, e.Type, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Category, e.Message)
}

func (e *HandlerError) Unwrap() error { return e.Cause }

// Retryable builds a retryable handler error.
func Retryable(source ErrorSource, errType, msg string) *HandlerError {
	return &HandlerError{Category: CategoryRetryable, Source: source, Type: errType, Message: msg}
}

// NonRetryable builds a non-retryable handler error.
func NonRetryable(source ErrorSource, errType, msg string) *HandlerError {
	return &HandlerError{Category: CategoryNonRetryable, Source: source, Type: errType, Message: msg}
}

// AsHandlerError extracts a HandlerError from err's chain.
func AsHandlerError(err error) (*HandlerError, bool) {
	var he *HandlerError
	if errors.As(err, &he) {
		return he, true
	}
	return nil, false
}
