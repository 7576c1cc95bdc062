package errors

import (
	stderrors "errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCodeOf(t *testing.T) {
	assert.Equal(t, ErrCodeNotActionable, CodeOf(New(ErrCodeNotActionable, "step decided")))
	assert.Equal(t, ErrCodeInternal, CodeOf(stderrors.New("plain")))

	// Codes survive wrapping.
	inner := Newf(ErrCodeStepNotFound, "approval step not found: %s", "s1")
	wrapped := fmt.Errorf("loading step: %w", inner)
	assert.Equal(t, ErrCodeStepNotFound, CodeOf(wrapped))
	assert.True(t, IsCode(wrapped, ErrCodeStepNotFound))
}

func TestWrap(t *testing.T) {
	assert.Nil(t, Wrap(nil, ErrCodeInternal, "ignored"))

	cause := stderrors.New("connection refused")
	err := Wrap(cause, ErrCodeInternal, "query failed")
	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "query failed")
	assert.Contains(t, err.Error(), "connection refused")
}

func TestHelpers(t *testing.T) {
	err := NotFound("approval_chain_rule", "r1")
	assert.Equal(t, ErrCodeNotFound, CodeOf(err))
	assert.Equal(t, "approval_chain_rule not found: r1", err.Message)

	err = InvalidInput("notes", "rejection reason is required")
	assert.Equal(t, ErrCodeInvalidInput, CodeOf(err))
	assert.Equal(t, "notes: rejection reason is required", MessageOf(err))

	assert.Equal(t, "plain", MessageOf(stderrors.New("plain")))
}

func TestIsRetryable(t *testing.T) {
	assert.True(t, IsRetryable(New(ErrCodeSerialization, "could not serialize access")))
	assert.False(t, IsRetryable(New(ErrCodeConcurrencyConflict, "retries exhausted")))
	assert.False(t, IsRetryable(nil))
}
