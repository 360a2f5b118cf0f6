package apperr

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestErrorIsMatchesByCode(t *testing.T) {
	err := fmt.Errorf("install: %w", Wrap(CodeChecksumMismatch, "digest differs", errors.New("boom")))

	assert.True(t, errors.Is(err, New(CodeChecksumMismatch, "")))
	assert.False(t, errors.Is(err, New(CodeNetwork, "")))
	assert.Equal(t, KindIntegrity, KindOf(err))
	assert.Contains(t, err.Error(), "boom")
}

func TestKindOfPlainErrorIsInternal(t *testing.T) {
	assert.Equal(t, KindInternal, KindOf(errors.New("plain")))
	assert.Equal(t, Kind(""), KindOf(nil))
}

func TestKindTable(t *testing.T) {
	cases := map[Code]Kind{
		CodeNetwork:          KindTransient,
		CodeCorruptState:     KindIntegrity,
		CodeInsufficientDisk: KindResource,
		CodeMissingComponent: KindResource,
		CodeNotReady:         KindConflict,
		CodeInUse:            KindConflict,
		CodeLaunchConflict:   KindConflict,
		CodeCancelled:        KindCancelled,
		CodeInvariant:        KindInternal,
	}
	for code, kind := range cases {
		assert.Equal(t, kind, code.Kind(), code)
	}
}

func TestOffset(t *testing.T) {
	err := New(CodeCancelled, "cancelled").With(MetaOffset, "400000")

	off, ok := Offset(fmt.Errorf("wrapped: %w", err))
	require.True(t, ok)
	assert.Equal(t, int64(400000), off)

	_, ok = Offset(New(CodeNetwork, "no offset"))
	assert.False(t, ok)
	assert.True(t, IsTransient(New(CodeNetwork, "reset")))
}
