package types

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestErrorWrapping(t *testing.T) {
	cause := errors.New("connection refused")
	err := NewError(ErrConnectivity, "backend unreachable").
		WithCause(cause).
		WithEntity("e-1").
		WithRetryable(true)

	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "CONNECTIVITY")
	assert.Contains(t, err.Error(), "connection refused")
	assert.True(t, IsRetryable(err))
	assert.Equal(t, ErrConnectivity, GetErrorCode(err))
}

func TestIsCodeThroughWrapping(t *testing.T) {
	inner := NewError(ErrSerialization, "bad blob")
	wrapped := fmt.Errorf("decode slot 3: %w", inner)

	assert.True(t, IsCode(wrapped, ErrSerialization))
	assert.False(t, IsCode(wrapped, ErrConnectivity))
	assert.False(t, IsCode(errors.New("plain"), ErrSerialization))
	assert.Equal(t, ErrorCode(""), GetErrorCode(errors.New("plain")))
}
