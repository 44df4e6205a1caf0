package errs

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKindOf(t *testing.T) {
	assert.Equal(t, KindNotFound, KindOf(NotFound("user %q not found", "bob")))
	assert.Equal(t, KindQuotaExceeded, KindOf(QuotaExceeded("over budget")))
	assert.Equal(t, KindValidation, KindOf(Validation("bad input")))
	assert.Equal(t, KindUnknown, KindOf(errors.New("plain")))
}

func TestKindOf_SeesThroughWrapping(t *testing.T) {
	inner := RemoteUnavailable(errors.New("connection refused"), "panel unreachable")
	wrapped := fmt.Errorf("sweep failed: %w", inner)
	assert.Equal(t, KindRemoteUnavailable, KindOf(wrapped))
	assert.True(t, IsKind(wrapped, KindRemoteUnavailable))
}

func TestUserMessage(t *testing.T) {
	err := Persistence(errors.New("disk io error"), "storage failure on principal")
	assert.Equal(t, "storage failure on principal", UserMessage(err))
	// The raw cause stays out of the user-facing text.
	assert.NotContains(t, UserMessage(err), "disk io")

	assert.Equal(t, "plain", UserMessage(errors.New("plain")))
}

func TestErrorString(t *testing.T) {
	err := Persistence(errors.New("disk io error"), "storage failure")
	assert.Contains(t, err.Error(), "persistence_failure")
	assert.Contains(t, err.Error(), "disk io error")

	assert.Equal(t, "not_found: gone", NotFound("gone").Error())
}
