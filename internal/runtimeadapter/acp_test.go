package runtimeadapter

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/digi4care/overstory-sub000/internal/domain"
)

func TestACPDetectReadyWaitsForSentinel(t *testing.T) {
	a := NewACPAdapter(nil)
	assert.Equal(t, PhaseLoading, a.DetectReady("booting...").Phase)
	assert.Equal(t, PhaseReady, a.DetectReady("booting...\noverstory: acp handshake complete\n").Phase)
}

func TestToolIsBlockedForReadOnlyCapability(t *testing.T) {
	assert.True(t, toolIsBlocked("Write", domain.CapabilityScout))
	assert.True(t, toolIsBlocked("Task", domain.CapabilityBuilder))
	assert.False(t, toolIsBlocked("Write", domain.CapabilityBuilder))
}

func TestACPRequiresNoBeaconVerification(t *testing.T) {
	assert.False(t, NewACPAdapter(nil).RequiresBeaconVerification())
}

func TestACPIsSessionMessenger(t *testing.T) {
	var _ SessionMessenger = (*ACPAdapter)(nil)
}

func TestACPSendMessageSurfacesSessionFailure(t *testing.T) {
	a := NewACPAdapter(nil)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	err := a.SendMessage(ctx, "", t.TempDir(), "", "hello", HooksDef{AgentName: "acp-1", Capability: domain.CapabilityBuilder})
	assert.Error(t, err)
}
