package apperr

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRefinedCodesMatchAssetUnavailable(t *testing.T) {
	for _, err := range []error{ErrNotOwner, ErrInsufficientFunds, ErrAlreadyLocked} {
		assert.ErrorIs(t, err, ErrAssetUnavailable)
	}
	assert.NotErrorIs(t, ErrAssetUnavailable, ErrNotOwner)
	assert.NotErrorIs(t, ErrNotFound, ErrAssetUnavailable)
}

func TestIsMatchesByCodeThroughWrapping(t *testing.T) {
	err := fmt.Errorf("accept offer: %w", New(CodeNotActive, "offer %s is cancelled", "o1"))
	assert.ErrorIs(t, err, ErrNotActive)
	assert.Equal(t, CodeNotActive, CodeOf(err))
	assert.Equal(t, "offer o1 is cancelled", MessageOf(err))
}

func TestWrapKeepsCause(t *testing.T) {
	cause := errors.New("disk full")
	err := Wrap(CodeStoreFailure, cause, "commit failed")
	assert.ErrorIs(t, err, cause)
	assert.ErrorIs(t, err, ErrStoreFailure)
	assert.Contains(t, err.Error(), "disk full")
}

func TestCodeOfUncodedError(t *testing.T) {
	assert.Equal(t, CodeStoreFailure, CodeOf(errors.New("boom")))
	assert.Equal(t, "boom", MessageOf(errors.New("boom")))
}

func TestOnlyConflictIsRetryable(t *testing.T) {
	assert.True(t, CodeStoreConflict.Retryable())
	for _, c := range []Code{CodeStoreFailure, CodeNotActive, CodeAssetUnavailable, CodeExpired} {
		assert.False(t, c.Retryable(), c)
	}
}
