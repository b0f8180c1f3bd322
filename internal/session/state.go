// Package session implements the durable AgentSession store and the pure
// health state machine that drives it (spec.md §4.7).
package session

import (
	"time"

	"github.com/digi4care/overstory-sub000/internal/domain"
)

// monotonicityRank mirrors spec.md §8's quantified invariant: booting and
// working share rank 0 (between the two, TransitionState's edge table
// allows only booting→working), stalled is 1, zombie 2, completed 3.
var monotonicityRank = map[domain.SessionState]int{
	domain.StateBooting:   0,
	domain.StateWorking:   0,
	domain.StateStalled:   1,
	domain.StateZombie:    2,
	domain.StateCompleted: 3,
}

// allowedEdges enumerates the legal transitions from spec.md §4.7.
var allowedEdges = map[domain.SessionState]map[domain.SessionState]bool{
	domain.StateBooting: {
		domain.StateWorking:   true,
		domain.StateStalled:   true,
		domain.StateZombie:    true,
		domain.StateCompleted: true,
	},
	domain.StateWorking: {
		domain.StateStalled:   true,
		domain.StateZombie:    true,
		domain.StateCompleted: true,
	},
	domain.StateStalled: {
		domain.StateWorking:   true,
		domain.StateZombie:    true,
		domain.StateCompleted: true,
	},
	domain.StateZombie: {
		domain.StateCompleted: true,
	},
	domain.StateCompleted: {},
}

// TransitionState is a pure function enforcing the monotonic state machine:
// it returns the state to persist given the current state and a proposed
// next state, never allowing a regression the edge table forbids.
func TransitionState(current, proposed domain.SessionState) domain.SessionState {
	if current == proposed {
		return current
	}
	if allowedEdges[current][proposed] {
		return proposed
	}
	return current
}

// HealthAction is what the watchdog should do after evaluating a session.
type HealthAction string

const (
	ActionNone     HealthAction = "none"
	ActionEscalate HealthAction = "escalate"
	ActionTerminate HealthAction = "terminate"
)

// HealthCheck is the outcome of EvaluateHealth.
type HealthCheck struct {
	State  domain.SessionState
	Action HealthAction
}

// EvaluateHealth is a pure function implementing spec.md §4.7's priority-
// ordered rules. paneAlive reflects whether the session's terminal pane
// still exists; staleThreshold must be strictly less than zombieThreshold.
func EvaluateHealth(sess domain.AgentSession, paneAlive bool, now time.Time, staleThreshold, zombieThreshold time.Duration) HealthCheck {
	if !paneAlive {
		return HealthCheck{State: domain.StateZombie, Action: ActionTerminate}
	}

	elapsed := now.Sub(sess.LastActivity)
	switch {
	case elapsed >= zombieThreshold:
		return HealthCheck{State: domain.StateZombie, Action: ActionTerminate}
	case elapsed >= staleThreshold:
		return HealthCheck{State: domain.StateStalled, Action: ActionEscalate}
	case sess.State == domain.StateBooting:
		return HealthCheck{State: domain.StateWorking, Action: ActionNone}
	default:
		return HealthCheck{State: sess.State, Action: ActionNone}
	}
}
