package errclass

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected error
	}{
		{name: "Nil error", err: nil, expected: nil},
		{name: "Already classified auth error passes through", err: fmt.Errorf("login: %w", ErrAuth), expected: ErrAuth},
		{name: "Already classified parse failure passes through", err: fmt.Errorf("decode: %w", ErrParseFailure), expected: ErrParseFailure},
		{name: "Deadline exceeded is transient", err: context.DeadlineExceeded, expected: ErrTransientProtocol},
		{name: "Websocket drop is transient", err: errors.New("websocket: close 1006 (abnormal closure)"), expected: ErrTransientProtocol},
		{name: "CDP protocol error is transient", err: errors.New("ProtocolError: Target.attachToTarget failed"), expected: ErrTransientProtocol},
		{name: "HTTP 429 is transient", err: errors.New("request failed with status 429"), expected: ErrTransientProtocol},
		{name: "Bad gateway is transient", err: errors.New("502 Bad Gateway"), expected: ErrTransientProtocol},
		{name: "Invalid credentials is auth", err: errors.New("Invalid credentials provided"), expected: ErrAuth},
		{name: "Challenge page is auth", err: errors.New("challenge_required"), expected: ErrAuth},
		{name: "Private account is restricted", err: errors.New("this account is private"), expected: ErrAccessRestricted},
		{name: "Hidden likes is restricted", err: errors.New("likes are hidden by the owner"), expected: ErrAccessRestricted},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			classified := Classify(tt.err)

			if tt.expected == nil {
				assert.NoError(t, classified)
				return
			}
			assert.ErrorIs(t, classified, tt.expected)
		})
	}
}

func TestClassifyPreservesOriginalError(t *testing.T) {
	original := errors.New("websocket: connection reset by peer")

	classified := Classify(original)

	assert.ErrorIs(t, classified, ErrTransientProtocol)
	assert.ErrorIs(t, classified, original)
}

func TestClassifyUnmatchedErrorUnchanged(t *testing.T) {
	original := errors.New("disk quota exceeded")

	classified := Classify(original)

	assert.Equal(t, original, classified)
	assert.False(t, errors.Is(classified, ErrTransientProtocol))
}

func TestClassifyAuthWinsOverTransient(t *testing.T) {
	// A login rejection that also mentions a timeout is still fatal.
	classified := Classify(errors.New("incorrect password, request timed out"))

	assert.ErrorIs(t, classified, ErrAuth)
	assert.False(t, errors.Is(classified, ErrTransientProtocol))
}

func TestRetryable(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected bool
	}{
		{name: "Transient protocol error", err: errors.New("connection closed before message completed"), expected: true},
		{name: "Rate limit", err: errors.New("too many requests"), expected: true},
		{name: "Auth failure", err: fmt.Errorf("session: %w", ErrAuth), expected: false},
		{name: "Parse failure", err: fmt.Errorf("decode: %w", ErrParseFailure), expected: false},
		{name: "Restricted access", err: errors.New("likes list unavailable"), expected: false},
		{name: "Unclassified error", err: errors.New("something odd"), expected: false},
		{name: "Nil", err: nil, expected: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, Retryable(tt.err))
		})
	}
}

func TestAgentFailureCode(t *testing.T) {
	tests := []struct {
		name        string
		finalResult string
		agentErrors []string
		expected    string
	}{
		{
			name:        "Rate limit in final result",
			finalResult: "Rate limit reached for gpt-4o in organization",
			expected:    CodeRateLimited,
		},
		{
			name:        "Rate limit in recorded errors",
			finalResult: "task aborted",
			agentErrors: []string{"step 3 failed", "Error code: 429 - too many requests"},
			expected:    CodeRateLimited,
		},
		{
			name:        "Rate limit beats protocol error",
			finalResult: "websocket closed",
			agentErrors: []string{"rate limit exceeded"},
			expected:    CodeRateLimited,
		},
		{
			name:        "Protocol error in final result",
			finalResult: "Protocol error (Page.navigate): Session closed",
			expected:    CodeProtocolError,
		},
		{
			name:        "Websocket failure in errors",
			finalResult: "could not finish",
			agentErrors: []string{"websocket: bad handshake"},
			expected:    CodeProtocolError,
		},
		{
			name:        "Connection closed",
			finalResult: "connection closed while navigating",
			expected:    CodeProtocolError,
		},
		{
			name:        "Plain prose defaults to parse failure",
			finalResult: "I was unable to find the requested information on the page.",
			expected:    CodeParseFailed,
		},
		{
			name:        "Empty everything defaults to parse failure",
			finalResult: "",
			expected:    CodeParseFailed,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, AgentFailureCode(tt.finalResult, tt.agentErrors))
		})
	}
}
