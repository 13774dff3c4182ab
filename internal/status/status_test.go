package status

import (
	"errors"
	"testing"

	"github.com/jbweber/crucible/api/v1alpha1"
)

func TestCanTransition(t *testing.T) {
	tests := []struct {
		name string
		from v1alpha1.InstanceState
		to   v1alpha1.InstanceState
		want bool
	}{
		{"untracked accepts anything", "", v1alpha1.StateRescued, true},
		{"absent to building", v1alpha1.StateAbsent, v1alpha1.StateBuilding, true},
		{"absent cannot run directly", v1alpha1.StateAbsent, v1alpha1.StateRunning, false},
		{"building to running", v1alpha1.StateBuilding, v1alpha1.StateRunning, true},
		{"building rolled back", v1alpha1.StateBuilding, v1alpha1.StateAbsent, true},
		{"running to rescued", v1alpha1.StateRunning, v1alpha1.StateRescued, true},
		{"running to resizing", v1alpha1.StateRunning, v1alpha1.StateResizing, true},
		{"rescued back to running", v1alpha1.StateRescued, v1alpha1.StateRunning, true},
		{"rescued cannot resize", v1alpha1.StateRescued, v1alpha1.StateResizing, false},
		{"suspended cannot pause", v1alpha1.StateSuspended, v1alpha1.StatePaused, false},
		{"resizing to running", v1alpha1.StateResizing, v1alpha1.StateRunning, true},
		{"migrating to running", v1alpha1.StateMigrating, v1alpha1.StateRunning, true},
		{"destroy is idempotent", v1alpha1.StateDestroyed, v1alpha1.StateDestroyed, true},
		{"destroyed is terminal", v1alpha1.StateDestroyed, v1alpha1.StateRunning, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := CanTransition(tt.from, tt.to); got != tt.want {
				t.Errorf("CanTransition(%s, %s) = %v, want %v", tt.from, tt.to, got, tt.want)
			}
		})
	}
}

func TestTransition(t *testing.T) {
	inst := v1alpha1.NewInstance("vm")
	inst.Status.State = v1alpha1.StateSuspended

	err := Transition(inst, v1alpha1.StateRescued)
	var terr *TransitionError
	if !errors.As(err, &terr) {
		t.Fatalf("expected TransitionError, got %v", err)
	}
	if inst.Status.State != v1alpha1.StateSuspended {
		t.Errorf("state changed on error: %s", inst.Status.State)
	}

	if err := Transition(inst, v1alpha1.StateRunning); err != nil {
		t.Fatalf("Transition() error = %v", err)
	}
	if inst.Status.State != v1alpha1.StateRunning {
		t.Errorf("state = %s", inst.Status.State)
	}
}

func TestIsTerminalAndTransitioning(t *testing.T) {
	if !IsTerminal(v1alpha1.StateDestroyed) {
		t.Error("destroyed should be terminal")
	}
	if IsTerminal(v1alpha1.StateRunning) {
		t.Error("running should not be terminal")
	}
	for _, s := range []v1alpha1.InstanceState{v1alpha1.StateBuilding, v1alpha1.StateResizing, v1alpha1.StateMigrating} {
		if !IsTransitioning(s) {
			t.Errorf("%s should be transitioning", s)
		}
	}
}

func TestConditions(t *testing.T) {
	inst := v1alpha1.NewInstance("vm")

	MarkFault(inst, "resize", errors.New("disk copy failed"))
	if !IsConditionTrue(inst, v1alpha1.ConditionFault) {
		t.Fatal("expected fault condition")
	}
	cond := GetCondition(inst, v1alpha1.ConditionFault)
	if cond.Reason != "resize" || cond.Message != "disk copy failed" {
		t.Errorf("condition = %+v", cond)
	}
	first := cond.LastTransitionTime

	MarkFault(inst, "spawn", errors.New("again"))
	if len(inst.Status.Conditions) != 1 {
		t.Errorf("expected a single condition, got %d", len(inst.Status.Conditions))
	}
	if !GetCondition(inst, v1alpha1.ConditionFault).LastTransitionTime.Equal(first.Time) {
		t.Error("transition time should not move when status is unchanged")
	}

	ClearFault(inst)
	if GetCondition(inst, v1alpha1.ConditionFault) != nil {
		t.Error("expected fault to be cleared")
	}
}
