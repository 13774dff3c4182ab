package vm

import (
	"context"
	"errors"
	"testing"

	jujuerrors "github.com/juju/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jbweber/crucible/api/v1alpha1"
	"github.com/jbweber/crucible/internal/config"
	"github.com/jbweber/crucible/internal/hypervisor"
	"github.com/jbweber/crucible/internal/naming"
)

func TestAgentCalls(t *testing.T) {
	h := newHarness(t)
	inst := newTestInstance("web", v1alpha1.StateRunning)
	vm := h.session.addVM("web", hypervisor.Running, 2048, inst.UUID())
	ctx := context.Background()

	require.NoError(t, h.ops.SetAdminPassword(ctx, inst, "s3cret"))
	require.NoError(t, h.ops.InjectFile(ctx, inst, "/etc/motd", []byte("hello")))

	assert.Equal(t, []string{"agent.SetAdminPassword " + string(vm)}, h.rec.of("agent.SetAdminPassword"))
	assert.Equal(t, []string{"agent.InjectFile /etc/motd"}, h.rec.of("agent.InjectFile"))
}

func TestAgentCalls_Disabled(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*config.Options)
		image  map[string]string
	}{
		{name: "by configuration", mutate: func(o *config.Options) { o.DisableAgent = true }},
		{name: "by image property", image: map[string]string{imagePropUseAgent: "False"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var mutate []func(*config.Options)
			if tt.mutate != nil {
				mutate = append(mutate, tt.mutate)
			}
			h := newHarness(t, mutate...)
			inst := newTestInstance("web", v1alpha1.StateRunning)
			inst.Spec.Image.Properties = tt.image
			h.session.addVM("web", hypervisor.Running, 2048, inst.UUID())

			err := h.ops.SetAdminPassword(context.Background(), inst, "s3cret")
			assert.True(t, errors.Is(err, jujuerrors.NotSupported))
			assert.Zero(t, h.rec.count("agent.SetAdminPassword"))
		})
	}
}

func TestResetNetwork(t *testing.T) {
	h := newHarness(t)
	inst := newTestInstance("web", v1alpha1.StateRunning)
	h.session.addVM("web", hypervisor.Running, 2048, inst.UUID())

	require.NoError(t, h.ops.ResetNetwork(context.Background(), inst, false))

	add := h.rec.index("AddParam " + naming.ParamHostname)
	reset := h.rec.index("agent.ResetNetwork vm-1")
	calls := h.rec.all()
	require.NotEqual(t, -1, add)
	require.NotEqual(t, -1, reset)
	assert.Less(t, add, reset)
	assert.Equal(t, "RemoveParam "+naming.ParamHostname, calls[len(calls)-1], "the hostname is removed afterwards")

	rec, _ := h.session.vm("web")
	assert.NotContains(t, rec.ParamData, naming.ParamHostname)
}

func TestResetNetwork_TargetsRescueVM(t *testing.T) {
	h := newHarness(t)
	inst := newTestInstance("web", v1alpha1.StateRescued)
	h.session.addVM("web", hypervisor.Halted, 2048, inst.UUID())
	rescue := h.session.addVM(naming.RescueName("web"), hypervisor.Running, 2048, "")

	require.NoError(t, h.ops.ResetNetwork(context.Background(), inst, true))
	assert.Equal(t, []string{"agent.ResetNetwork " + string(rescue)}, h.rec.of("agent.ResetNetwork"))
}
