package runtimeadapter

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistryResolvesAllBuiltinAdapters(t *testing.T) {
	r := NewRegistry(nil)
	for _, id := range []string{"claude", "codex", "acp", "copilot"} {
		a, err := r.Get(id)
		require.NoError(t, err)
		assert.Equal(t, id, a.ID())
	}
}

func TestRegistryGetUnknownIDErrors(t *testing.T) {
	r := NewRegistry(nil)
	_, err := r.Get("does-not-exist")
	assert.Error(t, err)
}
