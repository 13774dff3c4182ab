// Package status manages the recorded state of an Instance: the lifecycle
// state machine and status conditions.
package status

import (
	"time"

	"github.com/jbweber/crucible/api/v1alpha1"
)

// SetCondition adds or updates a condition. LastTransitionTime only moves
// when the condition status changes.
func SetCondition(inst *v1alpha1.Instance, condType string, status v1alpha1.ConditionStatus, reason, message string) {
	now := v1alpha1.Time{Time: time.Now()}

	for i := range inst.Status.Conditions {
		existing := &inst.Status.Conditions[i]
		if existing.Type != condType {
			continue
		}
		if existing.Status != status {
			existing.LastTransitionTime = now
		}
		existing.Status = status
		existing.Reason = reason
		existing.Message = message
		return
	}

	inst.Status.Conditions = append(inst.Status.Conditions, v1alpha1.Condition{
		Type:               condType,
		Status:             status,
		LastTransitionTime: now,
		Reason:             reason,
		Message:            message,
	})
}

// GetCondition returns a condition by type, or nil.
func GetCondition(inst *v1alpha1.Instance, condType string) *v1alpha1.Condition {
	for i := range inst.Status.Conditions {
		if inst.Status.Conditions[i].Type == condType {
			return &inst.Status.Conditions[i]
		}
	}
	return nil
}

// IsConditionTrue reports whether the condition exists with status True.
func IsConditionTrue(inst *v1alpha1.Instance, condType string) bool {
	cond := GetCondition(inst, condType)
	return cond != nil && cond.Status == v1alpha1.ConditionTrue
}

// RemoveCondition removes a condition by type.
func RemoveCondition(inst *v1alpha1.Instance, condType string) {
	filtered := inst.Status.Conditions[:0]
	for _, c := range inst.Status.Conditions {
		if c.Type != condType {
			filtered = append(filtered, c)
		}
	}
	inst.Status.Conditions = filtered
}

// MarkFault records a rolled back operation on the instance.
func MarkFault(inst *v1alpha1.Instance, operation string, err error) {
	SetCondition(inst, v1alpha1.ConditionFault, v1alpha1.ConditionTrue, operation, err.Error())
}

// ClearFault removes a previously recorded fault.
func ClearFault(inst *v1alpha1.Instance) {
	RemoveCondition(inst, v1alpha1.ConditionFault)
}
