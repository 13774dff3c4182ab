package status

import (
	"fmt"

	"github.com/jbweber/crucible/api/v1alpha1"
)

// transitions lists the states reachable from each state.
var transitions = map[v1alpha1.InstanceState][]v1alpha1.InstanceState{
	v1alpha1.StateAbsent: {
		v1alpha1.StateBuilding,
	},
	v1alpha1.StateBuilding: {
		v1alpha1.StateRunning, v1alpha1.StateStopped, v1alpha1.StateAbsent, v1alpha1.StateDestroyed,
	},
	v1alpha1.StateRunning: {
		v1alpha1.StateRunning, v1alpha1.StateStopped, v1alpha1.StatePaused, v1alpha1.StateSuspended,
		v1alpha1.StateRescued, v1alpha1.StateResizing, v1alpha1.StateMigrating,
		v1alpha1.StateSoftDeleted, v1alpha1.StateDestroyed,
	},
	v1alpha1.StateStopped: {
		v1alpha1.StateRunning, v1alpha1.StateStopped, v1alpha1.StateRescued, v1alpha1.StateResizing,
		v1alpha1.StateSoftDeleted, v1alpha1.StateDestroyed,
	},
	v1alpha1.StatePaused: {
		v1alpha1.StateRunning, v1alpha1.StateStopped, v1alpha1.StateDestroyed,
	},
	v1alpha1.StateSuspended: {
		v1alpha1.StateRunning, v1alpha1.StateDestroyed,
	},
	v1alpha1.StateRescued: {
		v1alpha1.StateRunning, v1alpha1.StateDestroyed,
	},
	v1alpha1.StateResizing: {
		v1alpha1.StateRunning, v1alpha1.StateStopped, v1alpha1.StateDestroyed,
	},
	v1alpha1.StateMigrating: {
		v1alpha1.StateRunning, v1alpha1.StateDestroyed,
	},
	v1alpha1.StateSoftDeleted: {
		v1alpha1.StateRunning, v1alpha1.StateDestroyed,
	},
	v1alpha1.StateDestroyed: {
		v1alpha1.StateDestroyed,
	},
}

// CanTransition reports whether an instance may move from one state to
// another. An empty from state means the state is not tracked and any
// target is accepted.
func CanTransition(from, to v1alpha1.InstanceState) bool {
	if from == "" {
		return true
	}
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// TransitionError reports a rejected state change.
type TransitionError struct {
	From v1alpha1.InstanceState
	To   v1alpha1.InstanceState
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("cannot transition instance from %s to %s", e.From, e.To)
}

// Check returns a TransitionError if inst may not move to state to.
func Check(inst *v1alpha1.Instance, to v1alpha1.InstanceState) error {
	if !CanTransition(inst.Status.State, to) {
		return &TransitionError{From: inst.Status.State, To: to}
	}
	return nil
}

// Transition moves inst to state to, or leaves it untouched and returns a
// TransitionError.
func Transition(inst *v1alpha1.Instance, to v1alpha1.InstanceState) error {
	if err := Check(inst, to); err != nil {
		return err
	}
	inst.Status.State = to
	return nil
}

// IsTerminal reports whether no further transitions are possible.
func IsTerminal(state v1alpha1.InstanceState) bool {
	return state == v1alpha1.StateDestroyed
}

// IsTransitioning reports whether an operation is in flight.
func IsTransitioning(state v1alpha1.InstanceState) bool {
	switch state {
	case v1alpha1.StateBuilding, v1alpha1.StateResizing, v1alpha1.StateMigrating:
		return true
	default:
		return false
	}
}
