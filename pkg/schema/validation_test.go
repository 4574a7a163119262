package schema

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidationReport_NilAndEmptyAreValid(t *testing.T) {
	var nilReport *ValidationReport
	assert.True(t, nilReport.Valid())
	assert.True(t, (&ValidationReport{}).Valid())
	assert.Nil(t, nilReport.Messages())
}

func TestValidationReport_WarningsDoNotInvalidate(t *testing.T) {
	r := &ValidationReport{}
	r.AddWarning("title", ErrCodeValidation, "title is long")

	assert.True(t, r.Valid())
	require.Len(t, r.Warnings, 1)
	assert.Equal(t, SeverityWarning, r.Warnings[0].Severity)
	assert.Nil(t, r.ToError())
}

func TestValidationReport_MergeAndMessages(t *testing.T) {
	r1 := &ValidationReport{}
	r1.AddError("", ErrCodeValidation, "handler flagged output")

	r2 := &ValidationReport{}
	r2.AddError("/sections", ErrCodeValidation, "missing property")
	r1.Merge(r2)
	r1.Merge(nil)

	assert.False(t, r1.Valid())
	assert.Equal(t, []string{"handler flagged output", "/sections: missing property"}, r1.Messages())
}

func TestValidationReport_ToError(t *testing.T) {
	r := &ValidationReport{}
	r.AddError("/", ErrCodeValidation, "err1")
	r.AddError("/", ErrCodeValidation, "err2")
	r.AddWarning("/", ErrCodeValidation, "warn1")

	err := r.ToError()
	require.Error(t, err)

	var ee *EngineError
	require.True(t, errors.As(err, &ee))
	assert.Contains(t, ee.Message, "2 errors")
	assert.Equal(t, 2, ee.Details["error_count"])
	assert.Equal(t, 1, ee.Details["warning_count"])
}

func TestEngineError_FormatAndCode(t *testing.T) {
	cause := errors.New("disk full")
	err := NewErrorf(ErrCodeStore, "write %s", "artifact").WithStep("step4").WithCause(cause)

	assert.Equal(t, "[STORE_ERROR] step step4: write artifact", err.Error())
	assert.ErrorIs(t, err, cause)

	wrapped := fmt.Errorf("outer: %w", err)
	assert.Equal(t, ErrCodeStore, ErrorCode(wrapped))
	assert.True(t, IsCode(wrapped, ErrCodeStore))
	assert.Equal(t, "", ErrorCode(cause))
}
