package transport_test

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/mbaer/linebox/internal/transport"
)

func TestErrorClassificationHelpers(t *testing.T) {
	auth := &transport.AuthError{Account: "me@example.com", Message: "bad password"}
	transient := &transport.TransientError{Op: "dial", Err: errors.New("refused")}
	obsolete := &transport.ObsoleteError{Op: "move", Err: errors.New("gone")}

	assert.True(t, transport.IsAuthError(auth))
	assert.False(t, transport.IsAuthError(transient))

	assert.True(t, transport.IsTransientError(transient))
	assert.False(t, transport.IsTransientError(obsolete))

	assert.True(t, transport.IsObsoleteError(obsolete))
	assert.False(t, transport.IsObsoleteError(auth))
}

func TestErrorChainsUnwrap(t *testing.T) {
	inner := errors.New("connection reset")
	wrapped := fmt.Errorf("sync cycle: %w", &transport.TransientError{Op: "fetch", Err: inner})

	assert.True(t, transport.IsTransientError(wrapped))
	assert.ErrorIs(t, wrapped, inner)
}
