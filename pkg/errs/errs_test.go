package errs

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTransient(t *testing.T) {
	assert.Nil(t, Transient(nil))

	cause := errors.New("connection refused")
	err := Transient(cause)
	assert.True(t, errors.Is(err, ErrTransientUnavailable))
	assert.True(t, errors.Is(err, cause))

	// wrapping twice keeps a single sentinel in the message
	again := Transient(err)
	assert.Equal(t, err, again)
}

func TestIsRetryable(t *testing.T) {
	assert.True(t, IsRetryable(fmt.Errorf("publish: %w", ErrTransientUnavailable)))
	assert.False(t, IsRetryable(ErrPermissionDenied))
	assert.False(t, IsRetryable(ErrNotFound))
	assert.False(t, IsRetryable(nil))
}

func TestPublicMessage(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{fmt.Errorf("edit post: %w", ErrPermissionDenied), "not allowed"},
		{fmt.Errorf("post p1: %w", ErrNotFound), "not found"},
		{ErrConflictingEdit, "please retry, this was changed elsewhere"},
		{ErrInvalidTarget, "invalid target"},
		{ErrInvalidInput, "invalid request"},
		{Transient(errors.New("dial tcp")), "temporarily unavailable, please retry"},
		{errors.New("secret database detail"), "internal error"},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, PublicMessage(tt.err))
	}
}
