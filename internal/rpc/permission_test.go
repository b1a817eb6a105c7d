package rpc

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAutoApproveFirstAllow(t *testing.T) {
	t.Run("cancels when no options", func(t *testing.T) {
		result, err := AutoApproveFirstAllow(context.Background(), RequestPermissionParams{})
		require.NoError(t, err)
		assert.Equal(t, "cancelled", result.Outcome.Outcome)
	})

	t.Run("selects first allow option over earlier non-allow options", func(t *testing.T) {
		params := RequestPermissionParams{
			Options: []PermissionOption{
				{OptionID: "reject", Kind: "reject_once"},
				{OptionID: "allow", Kind: "allow_once"},
			},
		}
		result, err := AutoApproveFirstAllow(context.Background(), params)
		require.NoError(t, err)
		assert.Equal(t, "selected", result.Outcome.Outcome)
		assert.Equal(t, "allow", result.Outcome.OptionID)
	})

	t.Run("falls back to first option when none allow", func(t *testing.T) {
		params := RequestPermissionParams{
			Options: []PermissionOption{{OptionID: "reject", Kind: "reject_once"}},
		}
		result, err := AutoApproveFirstAllow(context.Background(), params)
		require.NoError(t, err)
		assert.Equal(t, "reject", result.Outcome.OptionID)
	})
}
