package runtimeadapter

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/digi4care/overstory-sub000/internal/domain"
)

func TestCodexDetectReadyAlwaysReady(t *testing.T) {
	a := NewCodexAdapter(nil)
	assert.Equal(t, PhaseReady, a.DetectReady("").Phase)
	assert.Equal(t, PhaseReady, a.DetectReady("anything at all").Phase)
}

func TestCodexDeployConfigWritesSandboxProfile(t *testing.T) {
	a := NewCodexAdapter(nil)
	dir := t.TempDir()
	err := a.DeployConfig(dir, nil, HooksDef{AgentName: "scout-1", Capability: domain.CapabilityScout, WorktreePath: dir})
	require.NoError(t, err)

	profile, err := os.ReadFile(filepath.Join(dir, ".codex", "sandbox.yaml"))
	require.NoError(t, err)
	assert.Contains(t, string(profile), "deny:")
}

func TestCodexRequiresNoBeaconVerification(t *testing.T) {
	assert.False(t, NewCodexAdapter(nil).RequiresBeaconVerification())
}
