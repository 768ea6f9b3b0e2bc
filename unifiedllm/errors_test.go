package unifiedllm

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSDKErrorUnwrap(t *testing.T) {
	cause := errors.New("root cause")
	err := &SDKError{Message: "wrapper", Cause: cause}
	assert.ErrorIs(t, err, cause)
	assert.Equal(t, "wrapper: root cause", err.Error())
}

func TestProviderErrorMessage(t *testing.T) {
	err := &ProviderError{
		SDKError:   SDKError{Message: "rate limit exceeded"},
		Provider:   "openrouter",
		StatusCode: 429,
	}
	assert.Equal(t, "[openrouter] rate limit exceeded (status=429)", err.Error())

	err.StatusCode = 0
	assert.Equal(t, "[openrouter] rate limit exceeded", err.Error())
}

func TestUnexpectedModelBehaviorError(t *testing.T) {
	err := &UnexpectedModelBehaviorError{Message: "Received empty model response"}
	assert.Equal(t, "Received empty model response", err.Error())

	withBody := &UnexpectedModelBehaviorError{Message: "bad", Body: "{}"}
	assert.Equal(t, "bad, body:\n{}", withBody.Error())

	wrapped := fmt.Errorf("agent step: %w", err)
	var umb *UnexpectedModelBehaviorError
	require.ErrorAs(t, wrapped, &umb)
	assert.Equal(t, err, umb)
}
