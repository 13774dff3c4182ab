package vm

import "fmt"

// ValidationError reports a request that cannot be carried out in the
// current state, detected before anything is allocated.
type ValidationError struct {
	Reason string
	Err    error
}

func (e *ValidationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Reason, e.Err)
	}
	return e.Reason
}

func (e *ValidationError) Unwrap() error {
	return e.Err
}

// ResizeError reports a resize that was refused or could not proceed.
type ResizeError struct {
	Reason string
}

func (e *ResizeError) Error() string {
	return "resize error: " + e.Reason
}

// MigrationPreCheckError reports a failed live-migration pre-check.
type MigrationPreCheckError struct {
	Reason string
}

func (e *MigrationPreCheckError) Error() string {
	return "migration pre-check error: " + e.Reason
}

// MigrationError reports a failed migration.
type MigrationError struct {
	Reason string
	Err    error
}

func (e *MigrationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("migration error: %s: %v", e.Reason, e.Err)
	}
	return "migration error: " + e.Reason
}

func (e *MigrationError) Unwrap() error {
	return e.Err
}

// InstanceFaultRollback reports a failed resize after the original VM was
// restored. The higher layer decides whether to retry.
type InstanceFaultRollback struct {
	Err error
}

func (e *InstanceFaultRollback) Error() string {
	return fmt.Sprintf("instance rolled back: %v", e.Err)
}

func (e *InstanceFaultRollback) Unwrap() error {
	return e.Err
}

// InstanceUnacceptableError reports an instance whose recorded state is
// inconsistent.
type InstanceUnacceptableError struct {
	InstanceUUID string
	Reason       string
}

func (e *InstanceUnacceptableError) Error() string {
	return fmt.Sprintf("instance %s is unacceptable: %s", e.InstanceUUID, e.Reason)
}
