package fault

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSentinelWrapping(t *testing.T) {
	err := NotFoundf("automation %s", "automation.porch")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrNotFound))
	assert.Contains(t, err.Error(), "automation.porch")

	err = StoreUnavailablef("write %s: status %d", "automation.porch", 502)
	assert.True(t, errors.Is(err, ErrStoreUnavailable))
	assert.False(t, errors.Is(err, ErrNotFound))

	err = Parsef("bad document shape")
	assert.True(t, errors.Is(err, ErrParse))
}

func TestSentinelSurvivesRewrapping(t *testing.T) {
	inner := NotFoundf("version %s", "abc")
	outer := fmt.Errorf("fetch failed: %w", inner)
	assert.True(t, errors.Is(outer, ErrNotFound))
}

func TestAgentErrorMessage(t *testing.T) {
	cases := []struct {
		name string
		err  *AgentError
		want string
	}{
		{
			name: "role and detail",
			err:  &AgentError{Role: "builder", Op: "build", Detail: "invalid_json"},
			want: "agent builder: build failed: invalid_json",
		},
		{
			name: "agent id fallback",
			err:  &AgentError{AgentID: "conversation.architect", Op: "plan"},
			want: "agent conversation.architect: plan failed",
		},
		{
			name: "anonymous",
			err:  &AgentError{Op: "finalize"},
			want: "agent agent: finalize failed",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, tc.err.Error())
		})
	}
}

func TestAgentErrorUnwrap(t *testing.T) {
	inner := errors.New("connection refused")
	err := &AgentError{Role: "architect", Op: "plan", Err: inner}
	assert.True(t, errors.Is(err, inner))
	assert.Contains(t, err.Error(), "connection refused")

	var agentErr *AgentError
	wrapped := fmt.Errorf("turn failed: %w", err)
	require.True(t, errors.As(wrapped, &agentErr))
	assert.Equal(t, "architect", agentErr.Role)
}
