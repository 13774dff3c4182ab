// Package pipeline runs the ordered steps of a lifecycle operation.
//
// Which steps an operation runs, and in what order, is fixed per Kind by
// Plan. Callers bind a Step to each planned name and hand the result to
// Execute, which runs the steps strictly in order, reports progress after
// each counted step and rolls back the compensation ledger on failure.
package pipeline

import (
	"context"
	"fmt"

	"github.com/jbweber/crucible/internal/progress"
	"github.com/jbweber/crucible/internal/undo"
)

// Name identifies a step.
type Name string

// Step names.
const (
	DetermineDiskType       Name = "determine-disk-type"
	CreateDisks             Name = "create-disks"
	CreateKernelRamdisk     Name = "create-kernel-ramdisk"
	CreateVMRecord          Name = "create-vm-record"
	AttachOrigRootDisk      Name = "attach-original-root-disk"
	AttachDisks             Name = "attach-disks"
	InjectInstanceData      Name = "inject-instance-data"
	SetupNetwork            Name = "setup-network"
	Boot                    Name = "boot"
	ConfigureBootedInstance Name = "configure-booted-instance"
	ApplySecurityFilters    Name = "apply-security-filters"

	ResizePrepare        Name = "prepare"
	RenameAndPowerOff    Name = "rename-and-power-off"
	CopyAndResizeDisk    Name = "copy-and-resize-disk"
	TransferDisk         Name = "transfer-disk"
	SnapshotRoot         Name = "snapshot-root"
	TransferImmutable    Name = "transfer-immutable-root"
	TransferEphemeral    Name = "transfer-ephemeral-chains"
	PowerDownAndTransfer Name = "power-down-and-transfer-leaves"
)

// Kind selects the step plan of an operation.
type Kind int

// Operation kinds.
const (
	KindSpawn Kind = iota
	KindRescue
	KindFinishMigration
	KindResizeDown
	KindResizeUp
)

func (k Kind) String() string {
	switch k {
	case KindSpawn:
		return "spawn"
	case KindRescue:
		return "rescue"
	case KindFinishMigration:
		return "finish-migration"
	case KindResizeDown:
		return "resize-down"
	case KindResizeUp:
		return "resize-up"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// StepFunc performs a step. Compensations for whatever the step creates are
// registered on the ledger as soon as the resource exists.
type StepFunc func(ctx context.Context, ledger *undo.Ledger) error

// Step is one unit of a pipeline.
type Step struct {
	Name Name
	// Requires lists steps that must have completed before this one runs.
	Requires []Name
	// Counted steps are declared to the progress tracker.
	Counted bool
	Run     StepFunc
}

// Pipeline is an ordered list of bound steps.
type Pipeline struct {
	kind  Kind
	steps []Step
}

// Kind returns the operation kind the pipeline was built for.
func (p *Pipeline) Kind() Kind {
	return p.kind
}

// Steps returns the step names in execution order.
func (p *Pipeline) Steps() []Name {
	names := make([]Name, len(p.steps))
	for i, s := range p.steps {
		names[i] = s.Name
	}
	return names
}

// Plan returns the ordered step names for kind.
func Plan(kind Kind) []Name {
	spawn := []Name{
		DetermineDiskType,
		CreateDisks,
		CreateKernelRamdisk,
		CreateVMRecord,
		AttachDisks,
		InjectInstanceData,
		SetupNetwork,
		Boot,
		ConfigureBootedInstance,
		ApplySecurityFilters,
	}

	switch kind {
	case KindSpawn:
		return spawn
	case KindRescue:
		out := make([]Name, 0, len(spawn)+1)
		for _, n := range spawn {
			out = append(out, n)
			if n == CreateVMRecord {
				out = append(out, AttachOrigRootDisk)
			}
		}
		return out
	case KindFinishMigration:
		out := make([]Name, 0, len(spawn)-1)
		for _, n := range spawn {
			if n == ConfigureBootedInstance {
				continue
			}
			out = append(out, n)
		}
		return out
	case KindResizeDown:
		return []Name{ResizePrepare, RenameAndPowerOff, CopyAndResizeDisk, TransferDisk}
	case KindResizeUp:
		return []Name{SnapshotRoot, TransferImmutable, TransferEphemeral, PowerDownAndTransfer}
	default:
		return nil
	}
}

// Build orders the bound steps according to Plan(kind). Every planned name
// needs a binding; bindings for names outside the plan are ignored.
func Build(kind Kind, bindings map[Name]Step) (*Pipeline, error) {
	plan := Plan(kind)
	if plan == nil {
		return nil, fmt.Errorf("no plan for %s", kind)
	}

	p := &Pipeline{kind: kind}
	for _, name := range plan {
		step, ok := bindings[name]
		if !ok {
			return nil, fmt.Errorf("%s: step %s is not bound", kind, name)
		}
		step.Name = name
		p.steps = append(p.steps, step)
	}
	return p, nil
}

// DependencyError reports a step that ran before its prerequisites.
type DependencyError struct {
	Step    Name
	Missing Name
}

func (e *DependencyError) Error() string {
	return fmt.Sprintf("step %s requires %s, which has not completed", e.Step, e.Missing)
}

// Execute runs p in order. On the first failure the ledger is rolled back
// and the returned error is an *undo.RollbackError wrapping the failure.
// On success the ledger is committed.
func Execute(ctx context.Context, p *Pipeline, ledger *undo.Ledger, tracker *progress.Tracker) error {
	for _, s := range p.steps {
		if s.Counted {
			tracker.Register()
		}
	}

	done := make(map[Name]bool, len(p.steps))
	for _, s := range p.steps {
		for _, req := range s.Requires {
			if !done[req] {
				return ledger.Rollback(ctx, p.kind.String(), string(s.Name),
					&DependencyError{Step: s.Name, Missing: req})
			}
		}

		if err := ctx.Err(); err != nil {
			return ledger.Rollback(ctx, p.kind.String(), string(s.Name), err)
		}

		if err := s.Run(ctx, ledger); err != nil {
			return ledger.Rollback(ctx, p.kind.String(), string(s.Name), err)
		}

		done[s.Name] = true
		if s.Counted {
			tracker.Advance(ctx)
		}
	}

	ledger.Commit()
	return nil
}
