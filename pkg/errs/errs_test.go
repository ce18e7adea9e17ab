package errs

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKindString(t *testing.T) {
	tests := []struct {
		kind Kind
		want string
	}{
		{Validation, "validation"},
		{NotFound, "not_found"},
		{Conflict, "conflict"},
		{TransientStorage, "transient_storage"},
		{CircuitOpen, "circuit_open"},
		{Unknown, "unknown"},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, tt.kind.String())
	}
}

func TestWrapPreservesCause(t *testing.T) {
	cause := errors.New("disk full")
	err := Wrap(TransientStorage, "objstore.put", cause)

	assert.True(t, errors.Is(err, cause))
	assert.Equal(t, TransientStorage, KindOf(err))
	assert.Contains(t, err.Error(), "objstore.put")
	assert.Contains(t, err.Error(), "disk full")
}

func TestWrapNilReturnsNil(t *testing.T) {
	assert.Nil(t, Wrap(Internal, "op", nil))
	assert.Nil(t, Wrapf(Internal, "op", nil, "msg"))
}

func TestKindSurvivesFmtWrapping(t *testing.T) {
	err := E(NotFound, "store.get", "collection missing")
	wrapped := fmt.Errorf("loading state: %w", err)

	assert.Equal(t, NotFound, KindOf(wrapped))
	assert.True(t, IsNotFound(wrapped))
}

func TestRetryable(t *testing.T) {
	assert.True(t, Retryable(E(TransientStorage, "", "")))
	assert.True(t, Retryable(E(CircuitOpen, "", "")))
	assert.False(t, Retryable(E(PermanentStorage, "", "")))
	assert.False(t, Retryable(E(Validation, "", "")))
	assert.False(t, Retryable(nil))
}

func TestIsMatchesOnKind(t *testing.T) {
	err := Wrapf(Conflict, "manifest.commit", errors.New("version moved"), "v=3")
	assert.True(t, errors.Is(err, E(Conflict, "", "")))
	assert.False(t, errors.Is(err, E(NotFound, "", "")))
}
