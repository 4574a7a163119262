package validation

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	jsonschema "github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/rendis/runengine/pkg/schema"
)

const pipelineSchemaURL = "https://runengine.dev/schemas/pipeline.json"

const durationPattern = `^[0-9]+(ns|us|µs|ms|s|m|h)$`

// pipelineSchemaJSON describes the pipeline definition file.
const pipelineSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "$id": "` + pipelineSchemaURL + `",
  "type": "object",
  "required": ["name", "nodes"],
  "properties": {
    "name": { "type": "string", "minLength": 1 },
    "version": { "type": "integer", "minimum": 1 },
    "defaults": { "$ref": "#/$defs/config" },
    "nodes": {
      "type": "array",
      "minItems": 1,
      "items": { "$ref": "#/$defs/node" }
    }
  },
  "additionalProperties": false,
  "$defs": {
    "node": {
      "type": "object",
      "required": ["name"],
      "properties": {
        "name": { "type": "string", "pattern": "^[a-z0-9_]+$" },
        "kind": { "type": "string", "enum": ["step", "gate", "asset"] },
        "after": { "type": "array", "items": { "type": "string" }, "uniqueItems": true },
        "group": { "type": "string" },
        "gate": { "$ref": "#/$defs/gate" },
        "config": { "$ref": "#/$defs/config" }
      },
      "additionalProperties": false
    },
    "gate": {
      "type": "object",
      "required": ["wait_status"],
      "properties": {
        "wait_status": { "type": "string", "enum": ["waiting_approval", "waiting_step1_approval"] },
        "when": { "type": "string" },
        "review_type": { "type": "string" }
      },
      "additionalProperties": false
    },
    "config": {
      "type": "object",
      "properties": {
        "handler": { "type": "string" },
        "model": { "type": "string" },
        "tool": { "type": "string" },
        "retry_limit": { "type": "integer", "minimum": 0 },
        "timeout": { "type": "string", "pattern": "` + durationPattern + `" },
        "backoff": { "type": "string", "enum": ["none", "constant", "linear", "exponential"] },
        "backoff_delay": { "type": "string", "pattern": "` + durationPattern + `" },
        "backoff_max": { "type": "string", "pattern": "` + durationPattern + `" },
        "repair_enabled": { "type": "boolean" },
        "repair": { "type": "string" },
        "rename": { "type": "object", "additionalProperties": { "type": "string" } },
        "output_schema": { "type": "object" },
        "checks": { "type": "array", "items": { "type": "string" } },
        "params": { "type": "object" }
      },
      "additionalProperties": false
    }
  }
}`

// SchemaValidator validates pipeline documents and step outputs with
// JSON Schema Draft 2020-12. It is safe for concurrent use.
type SchemaValidator struct {
	pipelineSchema *jsonschema.Schema

	mu    sync.RWMutex
	cache map[string]*jsonschema.Schema
}

// NewSchemaValidator creates a validator with the pipeline schema pre-compiled.
func NewSchemaValidator() (*SchemaValidator, error) {
	c := newCompiler()

	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(pipelineSchemaJSON))
	if err != nil {
		return nil, fmt.Errorf("unmarshal pipeline schema: %w", err)
	}
	if err := c.AddResource(pipelineSchemaURL, doc); err != nil {
		return nil, fmt.Errorf("add pipeline schema resource: %w", err)
	}
	compiled, err := c.Compile(pipelineSchemaURL)
	if err != nil {
		return nil, fmt.Errorf("compile pipeline schema: %w", err)
	}

	return &SchemaValidator{
		pipelineSchema: compiled,
		cache:          make(map[string]*jsonschema.Schema),
	}, nil
}

// ValidatePipeline checks a decoded pipeline document (any JSON-compatible value).
func (v *SchemaValidator) ValidatePipeline(doc any) *schema.ValidationReport {
	report := &schema.ValidationReport{}
	value, err := toJSONValue(doc)
	if err != nil {
		report.AddError("/", schema.ErrCodeValidation, "pipeline is not JSON-compatible: "+err.Error())
		return report
	}
	if err := v.pipelineSchema.Validate(value); err != nil {
		addViolations(report, err)
	}
	return report
}

// ValidateOutput checks a step result against an output schema given as a map.
// The compiled schema is cached by its canonical JSON.
func (v *SchemaValidator) ValidateOutput(result any, outputSchema map[string]any) *schema.ValidationReport {
	report := &schema.ValidationReport{}
	if len(outputSchema) == 0 {
		return report
	}

	raw, err := json.Marshal(outputSchema)
	if err != nil {
		report.AddError("/", schema.ErrCodeValidation, "output schema is not JSON-compatible: "+err.Error())
		return report
	}
	compiled, err := v.getOrCompile(raw)
	if err != nil {
		report.AddError("/", schema.ErrCodeValidation, "invalid output schema: "+err.Error())
		return report
	}

	value, err := toJSONValue(result)
	if err != nil {
		report.AddError("/", schema.ErrCodeValidation, "output is not JSON-compatible: "+err.Error())
		return report
	}
	if err := compiled.Validate(value); err != nil {
		addViolations(report, err)
	}
	return report
}

func (v *SchemaValidator) getOrCompile(schemaBytes []byte) (*jsonschema.Schema, error) {
	key := string(schemaBytes)

	v.mu.RLock()
	if cached, ok := v.cache[key]; ok {
		v.mu.RUnlock()
		return cached, nil
	}
	v.mu.RUnlock()

	v.mu.Lock()
	defer v.mu.Unlock()

	if cached, ok := v.cache[key]; ok {
		return cached, nil
	}

	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(key))
	if err != nil {
		return nil, fmt.Errorf("unmarshal schema: %w", err)
	}

	// Fresh compiler and URL per schema so resources never collide.
	url := fmt.Sprintf("runengine://output-schema/%d", len(v.cache))
	c := newCompiler()
	if err := c.AddResource(url, doc); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}
	compiled, err := c.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}

	v.cache[key] = compiled
	return compiled, nil
}

func newCompiler() *jsonschema.Compiler {
	c := jsonschema.NewCompiler()
	c.AssertFormat()
	return c
}

// toJSONValue round-trips a Go value through JSON so numbers become json.Number,
// which the jsonschema library requires.
func toJSONValue(v any) (any, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return jsonschema.UnmarshalJSON(strings.NewReader(string(b)))
}

func addViolations(report *schema.ValidationReport, err error) {
	verr, ok := err.(*jsonschema.ValidationError)
	if !ok {
		report.AddError("/", schema.ErrCodeValidation, err.Error())
		return
	}
	collectViolations(report, verr)
	if report.Valid() {
		report.AddError("/", schema.ErrCodeValidation, verr.Error())
	}
}

// collectViolations walks the error tree and records leaf errors with their instance location.
func collectViolations(report *schema.ValidationReport, verr *jsonschema.ValidationError) {
	if len(verr.Causes) == 0 {
		loc := "/"
		if len(verr.InstanceLocation) > 0 {
			loc = "/" + strings.Join(verr.InstanceLocation, "/")
		}
		report.AddError(loc, schema.ErrCodeValidation, verr.Error())
		return
	}
	for _, cause := range verr.Causes {
		collectViolations(report, cause)
	}
}
