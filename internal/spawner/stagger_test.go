package spawner

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestComputeStaggerDelayNoRecentSessionIsZero(t *testing.T) {
	now := time.Now()
	require.Equal(t, time.Duration(0), ComputeStaggerDelay(5*time.Second, nil, now))
}

func TestComputeStaggerDelayZeroOrNegativeWindowIsZero(t *testing.T) {
	now := time.Now()
	recent := now.Add(-1 * time.Second)
	require.Equal(t, time.Duration(0), ComputeStaggerDelay(0, &recent, now))
	require.Equal(t, time.Duration(0), ComputeStaggerDelay(-1*time.Second, &recent, now))
}

func TestComputeStaggerDelayWaitsRemainderOfWindow(t *testing.T) {
	now := time.Now()
	recent := now.Add(-2 * time.Second)
	delay := ComputeStaggerDelay(5*time.Second, &recent, now)
	require.Equal(t, 3*time.Second, delay)
}

func TestComputeStaggerDelayElapsedBeyondWindowIsZero(t *testing.T) {
	now := time.Now()
	recent := now.Add(-10 * time.Second)
	require.Equal(t, time.Duration(0), ComputeStaggerDelay(5*time.Second, &recent, now))
}
