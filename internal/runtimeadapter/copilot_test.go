package runtimeadapter

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/digi4care/overstory-sub000/internal/domain"
)

func TestCopilotScrapePort(t *testing.T) {
	port, ok := ScrapePort("copilot server starting\nlistening on port 54321\n")
	require.True(t, ok)
	assert.Equal(t, 54321, port)

	_, ok = ScrapePort("still starting up")
	assert.False(t, ok)
}

func TestCopilotDetectReadyTracksPortLine(t *testing.T) {
	a := NewCopilotAdapter(nil)
	assert.Equal(t, PhaseLoading, a.DetectReady("starting...").Phase)
	assert.Equal(t, PhaseReady, a.DetectReady("listening on port 9001\n").Phase)
}

func TestCopilotIsSessionMessenger(t *testing.T) {
	var _ SessionMessenger = (*CopilotAdapter)(nil)
}

func TestCopilotSendMessageRequiresDetectedPort(t *testing.T) {
	a := NewCopilotAdapter(nil)
	err := a.SendMessage(context.Background(), "copilot starting...", t.TempDir(), "", "hello", HooksDef{})
	assert.Error(t, err)
}

func TestCopilotDeployConfigWritesGuardExtension(t *testing.T) {
	a := NewCopilotAdapter(nil)
	dir := t.TempDir()
	err := a.DeployConfig(dir, nil, HooksDef{AgentName: "lead-1", Capability: domain.CapabilityLead, WorktreePath: dir})
	require.NoError(t, err)

	ext, err := os.ReadFile(filepath.Join(dir, ".copilot", "extensions", "overstory-guard.js"))
	require.NoError(t, err)
	assert.Contains(t, string(ext), "beforeToolCall")
}
