package llm

import (
	"errors"
	"strings"

	openai "github.com/sashabaranov/go-openai"
)

// ErrNoProvider means neither backend has an API key configured.
var ErrNoProvider = errors.New("no LLM provider available (check API keys)")

func statusCode(err error) int {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return apiErr.HTTPStatusCode
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return reqErr.HTTPStatusCode
	}
	return 0
}

// isCreditsError reports whether the failure is a credits/insufficient-funds
// condition. These skip retries and fall back immediately.
func isCreditsError(err error) bool {
	if statusCode(err) == 402 {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, indicator := range []string{
		"402", "credits", "insufficient", "can only afford", "quota exceeded",
	} {
		if strings.Contains(msg, indicator) {
			return true
		}
	}
	return false
}

// isRetryableError reports whether the failure is transient: rate limits,
// timeouts, server errors.
func isRetryableError(err error) bool {
	if status := statusCode(err); status == 429 || (status >= 500 && status < 600) {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, pattern := range []string{
		"timeout", "rate limit", "429", "503", "504", "connection", "network",
	} {
		if strings.Contains(msg, pattern) {
			return true
		}
	}
	return false
}
