package instancestore

import "time"

// Schema creates the instances table. Fields without a column of their own
// are kept in the fields JSON object.
const Schema = `
CREATE TABLE IF NOT EXISTS instances (
    uuid TEXT PRIMARY KEY,
    progress INTEGER NOT NULL DEFAULT 0 CHECK(progress BETWEEN 0 AND 100),
    vm_state TEXT NOT NULL DEFAULT '',
    vm_mode TEXT NOT NULL DEFAULT '',
    fields TEXT NOT NULL DEFAULT '{}',
    created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
    updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_instances_vm_state ON instances(vm_state);
`

// Column fields.
const (
	FieldProgress = "progress"
	FieldVMState  = "vm_state"
	FieldVMMode   = "vm_mode"
)

// Reboot bookkeeping kept in Fields.
const (
	FieldTaskState       = "task_state"
	FieldRebootStartedAt = "reboot_started_at"
	TaskRebooting        = "rebooting"
)

// Record is the stored state of one instance.
type Record struct {
	UUID     string
	Progress int
	VMState  string
	VMMode   string
	// Fields holds every other field written by Update.
	Fields    map[string]any
	CreatedAt string
	UpdatedAt string
}

// RebootStuck reports whether a reboot of the record started more than
// timeout before now and never finished.
func (r *Record) RebootStuck(now time.Time, timeout time.Duration) bool {
	if r.Fields[FieldTaskState] != TaskRebooting {
		return false
	}
	raw, ok := r.Fields[FieldRebootStartedAt].(string)
	if !ok {
		return false
	}
	started, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return false
	}
	return now.Sub(started) > timeout
}
