package schema

import "fmt"

// ValidationSeverity indicates whether an issue is an error or warning.
type ValidationSeverity string

const (
	SeverityError   ValidationSeverity = "error"
	SeverityWarning ValidationSeverity = "warning"
)

// ValidationIssue is a single problem found in a step output or a pipeline file.
type ValidationIssue struct {
	Path     string             `json:"path"`
	Code     string             `json:"code"`
	Message  string             `json:"message"`
	Severity ValidationSeverity `json:"severity"`
}

// ValidationReport aggregates issues. Step handlers return one alongside their
// result, and the output validator appends schema and rule findings to it.
type ValidationReport struct {
	Errors   []ValidationIssue `json:"errors,omitempty"`
	Warnings []ValidationIssue `json:"warnings,omitempty"`
}

// Valid returns true if there are no errors. Warnings never invalidate.
func (r *ValidationReport) Valid() bool {
	return r == nil || len(r.Errors) == 0
}

// AddError appends an error-severity issue.
func (r *ValidationReport) AddError(path, code, message string) {
	r.Errors = append(r.Errors, ValidationIssue{
		Path: path, Code: code, Message: message, Severity: SeverityError,
	})
}

// AddWarning appends a warning-severity issue.
func (r *ValidationReport) AddWarning(path, code, message string) {
	r.Warnings = append(r.Warnings, ValidationIssue{
		Path: path, Code: code, Message: message, Severity: SeverityWarning,
	})
}

// Merge combines another report into this one.
func (r *ValidationReport) Merge(other *ValidationReport) {
	if other == nil {
		return
	}
	r.Errors = append(r.Errors, other.Errors...)
	r.Warnings = append(r.Warnings, other.Warnings...)
}

// Messages returns the error messages in order.
func (r *ValidationReport) Messages() []string {
	if r == nil {
		return nil
	}
	out := make([]string, 0, len(r.Errors))
	for _, e := range r.Errors {
		if e.Path != "" {
			out = append(out, e.Path+": "+e.Message)
			continue
		}
		out = append(out, e.Message)
	}
	return out
}

// ToError converts the report to an EngineError if invalid, nil if valid.
func (r *ValidationReport) ToError() error {
	if r.Valid() {
		return nil
	}

	msg := r.Errors[0].Message
	if len(r.Errors) > 1 {
		msg = fmt.Sprintf("validation failed with %d errors", len(r.Errors))
	}

	return NewError(ErrCodeValidation, msg).
		WithDetails(map[string]any{
			"error_count":   len(r.Errors),
			"warning_count": len(r.Warnings),
			"errors":        r.Errors,
			"warnings":      r.Warnings,
		})
}

// ValidationOutcome tags the result of the validate/repair pipeline.
type ValidationOutcome string

const (
	OutcomeValid    ValidationOutcome = "valid"
	OutcomeRepaired ValidationOutcome = "repaired"
	OutcomeInvalid  ValidationOutcome = "invalid"
)
