package vm

import (
	"context"
	"errors"
	"testing"

	jujuerrors "github.com/juju/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jbweber/crucible/api/v1alpha1"
	"github.com/jbweber/crucible/internal/hypervisor"
)

func TestGetInfo(t *testing.T) {
	h := newHarness(t)
	inst := newTestInstance("web", v1alpha1.StateRunning)
	h.session.addVM("web", hypervisor.Running, 2048, inst.UUID())

	info, err := h.ops.GetInfo(context.Background(), inst)
	require.NoError(t, err)
	assert.Equal(t, Info{
		State:        hypervisor.Running,
		MaxMemoryKiB: 2048 * 1024,
		MemoryKiB:    2048 * 1024,
		VCPUs:        1,
	}, info)
}

func TestGetInfo_NotFound(t *testing.T) {
	h := newHarness(t)
	inst := newTestInstance("web", v1alpha1.StateRunning)

	_, err := h.ops.GetInfo(context.Background(), inst)
	assert.True(t, errors.Is(err, jujuerrors.NotFound))
}

func TestGetDiagnostics(t *testing.T) {
	h := newHarness(t)
	inst := newTestInstance("web", v1alpha1.StateRunning)
	h.session.addVM("web", hypervisor.Running, 2048, inst.UUID())

	diags, err := h.ops.GetDiagnostics(context.Background(), inst)
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"vcpus": "1"}, diags)
}

func TestListing(t *testing.T) {
	h := newHarness(t)
	h.session.addVM("web", hypervisor.Running, 2048, "uuid-web")
	h.session.addVM("db", hypervisor.Paused, 4096, "uuid-db")
	h.session.addVM("batch", hypervisor.Halted, 1024, "uuid-batch")
	h.session.addVM("stray", hypervisor.Running, 512, "")
	ctx := context.Background()

	t.Run("List", func(t *testing.T) {
		vms, err := h.ops.List(ctx)
		require.NoError(t, err)
		require.Len(t, vms, 4)
		assert.Equal(t, VMInfo{
			Name:         "batch",
			InstanceUUID: "uuid-batch",
			State:        hypervisor.Halted,
			VCPUs:        1,
			MemoryMB:     1024,
		}, vms[0])
	})

	t.Run("ListInstances", func(t *testing.T) {
		names, err := h.ops.ListInstances(ctx)
		require.NoError(t, err)
		assert.Equal(t, []string{"batch", "db", "stray", "web"}, names)
	})

	t.Run("ListInstanceUUIDs skips foreign VMs", func(t *testing.T) {
		uuids, err := h.ops.ListInstanceUUIDs(ctx)
		require.NoError(t, err)
		assert.Equal(t, []string{"uuid-batch", "uuid-db", "uuid-web"}, uuids)
	})

	t.Run("GetPerInstanceUsage counts active VMs", func(t *testing.T) {
		usage, err := h.ops.GetPerInstanceUsage(ctx)
		require.NoError(t, err)
		assert.Equal(t, map[string]Usage{
			"uuid-web": {UUID: "uuid-web", MemoryMB: 2048},
			"uuid-db":  {UUID: "uuid-db", MemoryMB: 4096},
		}, usage)
	})

	t.Run("InstanceExists", func(t *testing.T) {
		ok, err := h.ops.InstanceExists(ctx, "db")
		require.NoError(t, err)
		assert.True(t, ok)

		ok, err = h.ops.InstanceExists(ctx, "cache")
		require.NoError(t, err)
		assert.False(t, ok)
	})
}
