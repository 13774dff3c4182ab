package vm

import (
	"context"
	"fmt"
	"time"

	jujuerrors "github.com/juju/errors"

	"github.com/jbweber/crucible/api/v1alpha1"
	"github.com/jbweber/crucible/internal/naming"
)

// Task states reported by Snapshot.
const (
	TaskImagePendingUpload = "image_pending_upload"
	TaskImageUploading     = "image_uploading"
)

// TaskStateFunc records the task state of an instance. expected is the
// state the task must be in for the update to apply, or "".
type TaskStateFunc func(ctx context.Context, state, expected string)

// Snapshot snapshots the root disk of the running VM and uploads the
// resulting chain as image imageID. The snapshot is released afterwards
// whether or not the upload worked.
func (o *Ops) Snapshot(ctx context.Context, inst *v1alpha1.Instance, imageID string, update TaskStateFunc) (err error) {
	defer observe("snapshot", time.Now(), &err)
	log := o.logFor(inst).WithValues("image", imageID)
	if o.uploader == nil {
		return jujuerrors.NotSupportedf("image upload")
	}
	if update == nil {
		update = func(context.Context, string, string) {}
	}

	vm, err := o.vmRef(ctx, inst)
	if err != nil {
		return err
	}
	root, err := o.findRootVBD(ctx, vm)
	if err != nil {
		return err
	}

	chain, release, err := o.disks.SnapshotAttached(ctx, inst, root.VDI, naming.SnapshotLabel(inst.Name))
	if err != nil {
		return fmt.Errorf("failed to snapshot root disk: %w", err)
	}
	defer func() {
		if rerr := release(context.WithoutCancel(ctx)); rerr != nil {
			log.Error(rerr, "failed to release snapshot")
		}
	}()
	update(ctx, TaskImagePendingUpload, "")

	update(ctx, TaskImageUploading, TaskImagePendingUpload)
	if err := o.uploader.UploadImage(ctx, inst, imageID, chain); err != nil {
		return fmt.Errorf("failed to upload image: %w", err)
	}

	log.V(1).Info("finished snapshot and upload for VM")
	return nil
}
