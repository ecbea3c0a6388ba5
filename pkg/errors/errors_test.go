package errors

import (
	stderrors "errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestWrapPreservesTheCause(t *testing.T) {
	cause := stderrors.New("connection refused")
	err := Wrap(cause, ErrCodeTransport, "failed to reach signaling backend")

	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "TRANSPORT")
	assert.Contains(t, err.Error(), "connection refused")
}

func TestCodeOf(t *testing.T) {
	assert.Equal(t, ErrCodeResource, CodeOf(NewResourceError("camera busy")))
	assert.Equal(t, ErrCodeTimeout, CodeOf(NewTimeoutError("no answer")))
	assert.Equal(t, ErrCodeInternal, CodeOf(stderrors.New("plain")), "unclassified errors default to internal")
}

func TestCodeOfUnwrapsNestedErrors(t *testing.T) {
	inner := New(ErrCodeResource, "camera busy")
	outer := Wrap(inner, ErrCodeInternal, "start failed")

	// The outermost classification wins.
	assert.Equal(t, ErrCodeInternal, CodeOf(outer))
	assert.True(t, IsAppError(outer))
}

func TestWithContext(t *testing.T) {
	err := New(ErrCodeTransport, "publish failed").
		WithContext("call_id", "abc").
		WithContext("attempt", 3)

	assert.Equal(t, "abc", err.Context["call_id"])
	assert.Equal(t, 3, err.Context["attempt"])
}

func TestIsAppError(t *testing.T) {
	assert.False(t, IsAppError(stderrors.New("plain")))
	assert.True(t, IsAppError(New(ErrCodeProtocol, "dup")))
}
