package daemon

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIsWhitelistedUtterance(t *testing.T) {
	cases := map[string]bool{
		"/compact":    true,
		"/help foo":   true,
		"yes":         true,
		"Yes":         true,
		"  ok  ":      true,
		"keep going":  true,
		"nah":         true,
		"what's next": false,
		"":            false,
	}
	for text, want := range cases {
		assert.Equal(t, want, isWhitelistedUtterance(text), "text=%q", text)
	}
}

// RouteWithFastModel must never reach the pool for a whitelisted utterance —
// a nil pool would otherwise make this call return ErrNotWarmedUp instead of
// the whitelist's fixed "continue" answer.
func TestRouteWithFastModelWhitelistBypassesPool(t *testing.T) {
	manager := newFakeManager("test-agent")
	d := New(testLogger(t), manager, nil, testKanban(t), nil)

	continues, err := d.RouteWithFastModel(context.Background(), "/new-task", "title", "summary")
	require.NoError(t, err)
	assert.True(t, continues)

	continues, err = d.RouteWithFastModel(context.Background(), "yep", "title", "summary")
	require.NoError(t, err)
	assert.True(t, continues)
}

// A non-whitelisted utterance with no pool configured surfaces
// ErrNotWarmedUp rather than silently continuing.
func TestRouteWithFastModelFallsThroughToPool(t *testing.T) {
	manager := newFakeManager("test-agent")
	d := New(testLogger(t), manager, nil, testKanban(t), nil)

	_, err := d.RouteWithFastModel(context.Background(), "what should I do next?", "title", "summary")
	require.Error(t, err)
}
