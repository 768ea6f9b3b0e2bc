package unifiedllm

import "fmt"

// SDKError is the base error type for all unified LLM errors.
type SDKError struct {
	Message string
	Cause   error
}

func (e *SDKError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *SDKError) Unwrap() error {
	return e.Cause
}

// ProviderError represents an error returned by an LLM provider.
type ProviderError struct {
	SDKError
	Provider   string
	StatusCode int // 0 when the provider reported none
}

func (e *ProviderError) Error() string {
	if e.StatusCode == 0 {
		return fmt.Sprintf("[%s] %s", e.Provider, e.Message)
	}
	return fmt.Sprintf("[%s] %s (status=%d)", e.Provider, e.Message, e.StatusCode)
}

// Concrete provider error types.

type AuthenticationError struct{ ProviderError }
type NotFoundError struct{ ProviderError }
type InvalidRequestError struct{ ProviderError }
type RateLimitError struct{ ProviderError }
type ServerError struct{ ProviderError }
type ContentFilterError struct{ ProviderError }
type ContextLengthError struct{ ProviderError }

// Non-provider errors.

type RequestTimeoutError struct{ SDKError }
type ConfigurationError struct{ SDKError }

// UnexpectedModelBehaviorError reports that the model violated the
// conversation protocol: an empty response, a tool call loop, a request budget
// overrun. Body holds the offending model output when one is available.
type UnexpectedModelBehaviorError struct {
	Message string
	Body    string
}

func (e *UnexpectedModelBehaviorError) Error() string {
	if e.Body != "" {
		return fmt.Sprintf("%s, body:\n%s", e.Message, e.Body)
	}
	return e.Message
}
