package enginerrors

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCodeOf(t *testing.T) {
	err := New(CodeDecryptionFailed, "tag mismatch")
	assert.Equal(t, CodeDecryptionFailed, CodeOf(err))

	wrapped := fmt.Errorf("unwrapping subject key: %w", err)
	assert.Equal(t, CodeDecryptionFailed, CodeOf(wrapped))

	assert.Equal(t, Code(""), CodeOf(errors.New("plain")))
	assert.Equal(t, Code(""), CodeOf(nil))
}

func TestWrapPreservesCause(t *testing.T) {
	cause := errors.New("disk error")
	err := Wrap(CodeKeyMaterialUnavailable, "opening sealed identity", cause)

	require.ErrorIs(t, err, cause)
	assert.Equal(t, CodeKeyMaterialUnavailable, CodeOf(err))
	assert.Contains(t, err.Error(), "opening sealed identity")
	assert.Contains(t, err.Error(), "disk error")
}

func TestIsMatchesOnCode(t *testing.T) {
	err := Wrap(CodeRevocationAborted, "step 3 failed", errors.New("put conflict"))

	assert.True(t, errors.Is(err, New(CodeRevocationAborted, "")))
	assert.False(t, errors.Is(err, New(CodeDecryptionFailed, "")))
}

func TestHasCode(t *testing.T) {
	err := fmt.Errorf("outer: %w", New(CodeTamperEvidence, "2 broken links"))
	assert.True(t, HasCode(err, CodeTamperEvidence))
	assert.False(t, HasCode(err, CodeProtocolError))
}
