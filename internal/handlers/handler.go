// Package handlers holds the step-handler contract and its registry.
// A handler is an external collaborator: the engine treats it as a black box
// returning a result, artifacts and a validation report, or a classified error.
package handlers

import (
	"context"

	"github.com/rendis/runengine/pkg/schema"
)

// StepHandler executes one attempt of one step.
type StepHandler interface {
	Execute(ctx context.Context, in schema.HandlerInput) (*schema.HandlerResult, error)
}

// HandlerFunc adapts a plain function to StepHandler.
type HandlerFunc func(ctx context.Context, in schema.HandlerInput) (*schema.HandlerResult, error)

// Execute calls f.
func (f HandlerFunc) Execute(ctx context.Context, in schema.HandlerInput) (*schema.HandlerResult, error) {
	return f(ctx, in)
}

// Lookup resolves a handler by name.
type Lookup interface {
	Get(name string) (StepHandler, error)
}
