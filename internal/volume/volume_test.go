package volume

import (
	"context"
	"testing"

	"github.com/digitalocean/go-libvirt"
	"github.com/go-logr/logr"
	jujuerrors "github.com/juju/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jbweber/crucible/api/v1alpha1"
	"github.com/jbweber/crucible/internal/hypervisor"
	"github.com/jbweber/crucible/internal/naming"
)

const testSR = "0f2a1c5e-3b7d-4a59-9e61-7c2d8b4f1a30"

func iscsiConn(lun string) v1alpha1.ConnectionInfo {
	return v1alpha1.ConnectionInfo{
		DriverVolumeType: DriverISCSI,
		Data: map[string]string{
			"target_portal": "10.0.0.9:3260",
			"target_iqn":    "iqn.2010-10.org.openstack:volume-1",
			"target_lun":    lun,
			"sr_uuid":       testSR,
		},
	}
}

func newTestManager() (*Manager, *fakeClient, *fakeSession) {
	client := newFakeClient()
	client.contents[naming.SRPoolName(testSR)] = []string{"unit:0:0:1", "unit:0:0:2"}
	session := newFakeSession()
	return NewManager(client, session, logr.Discard()), client, session
}

func TestParseConnection(t *testing.T) {
	tests := []struct {
		name       string
		conn       v1alpha1.ConnectionInfo
		wantType   string
		wantVolume string
		wantErr    error
	}{
		{
			name:       "iscsi",
			conn:       iscsiConn("1"),
			wantType:   "iscsi",
			wantVolume: "unit:0:0:1",
		},
		{
			name: "iscsi default port and lun",
			conn: v1alpha1.ConnectionInfo{DriverVolumeType: DriverISCSI, Data: map[string]string{
				"target_portal": "10.0.0.9", "target_iqn": "iqn.x",
			}},
			wantType:   "iscsi",
			wantVolume: "unit:0:0:0",
		},
		{
			name:       "file",
			conn:       v1alpha1.ConnectionInfo{DriverVolumeType: DriverFile, Data: map[string]string{"path": "/srv/volumes/vol-1.img"}},
			wantType:   "dir",
			wantVolume: "vol-1.img",
		},
		{
			name:    "iscsi without iqn",
			conn:    v1alpha1.ConnectionInfo{DriverVolumeType: DriverISCSI, Data: map[string]string{"target_portal": "10.0.0.9"}},
			wantErr: jujuerrors.NotValid,
		},
		{
			name: "chap",
			conn: v1alpha1.ConnectionInfo{DriverVolumeType: DriverISCSI, Data: map[string]string{
				"target_portal": "10.0.0.9", "target_iqn": "iqn.x", "auth_method": "CHAP",
			}},
			wantErr: jujuerrors.NotSupported,
		},
		{
			name:    "relative file",
			conn:    v1alpha1.ConnectionInfo{DriverVolumeType: DriverFile, Data: map[string]string{"path": "vol-1.img"}},
			wantErr: jujuerrors.NotValid,
		},
		{
			name:    "rbd",
			conn:    v1alpha1.ConnectionInfo{DriverVolumeType: "rbd"},
			wantErr: jujuerrors.NotSupported,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseConnection(tt.conn)
			if tt.wantErr != nil {
				assert.True(t, jujuerrors.Is(err, tt.wantErr), "got %v", err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantType, got.pool.Type)
			assert.Equal(t, tt.wantVolume, got.volume)
			assert.Equal(t, naming.SRPoolName(got.srUUID), got.poolName())
		})
	}
}

func TestParseConnection_DerivedSR(t *testing.T) {
	conn := v1alpha1.ConnectionInfo{DriverVolumeType: DriverISCSI, Data: map[string]string{
		"target_portal": "10.0.0.9:3260", "target_iqn": "iqn.x", "target_lun": "1",
	}}
	a, err := parseConnection(conn)
	require.NoError(t, err)
	conn.Data["target_lun"] = "2"
	b, err := parseConnection(conn)
	require.NoError(t, err)

	assert.Equal(t, a.srUUID, b.srUUID, "LUNs of one target share an SR")
	require.Len(t, a.pool.Source.Host, 1)
	assert.Equal(t, "3260", a.pool.Source.Host[0].Port)
}

func TestConnectVolume(t *testing.T) {
	m, client, _ := newTestManager()
	ctx := context.Background()

	sr, disk, err := m.ConnectVolume(ctx, iscsiConn("1"))
	require.NoError(t, err)
	assert.Equal(t, testSR, sr)
	assert.Equal(t, hypervisor.VolumeRef(naming.SRPoolName(testSR), "unit:0:0:1"), disk.Ref)
	assert.True(t, disk.OSVolume)
	assert.NotEmpty(t, disk.UUID)

	pool := client.pools[naming.SRPoolName(testSR)]
	require.NotNil(t, pool)
	assert.True(t, pool.running)
	assert.Equal(t, "/dev/disk/by-path", pool.def.Target.Path)
	assert.Equal(t, 1, client.refreshes)

	// A second connect reuses the SR.
	_, again, err := m.ConnectVolume(ctx, iscsiConn("1"))
	require.NoError(t, err)
	assert.Equal(t, disk.UUID, again.UUID)
	assert.Len(t, client.pools, 1)
}

func TestConnectVolume_MissingVolume(t *testing.T) {
	m, client, _ := newTestManager()

	_, _, err := m.ConnectVolume(context.Background(), iscsiConn("9"))
	assert.True(t, jujuerrors.Is(err, jujuerrors.NotFound))
	assert.Empty(t, client.pools, "the SR created for the volume is forgotten")
}

func TestConnectVolume_PlugFailure(t *testing.T) {
	m, client, _ := newTestManager()
	client.createErr = libvirt.Error{Code: uint32(libvirt.ErrInternalError), Message: "iscsiadm failed"}

	_, _, err := m.ConnectVolume(context.Background(), iscsiConn("1"))
	require.Error(t, err)
	assert.Empty(t, client.pools)
}

func TestAttachVolume(t *testing.T) {
	m, _, session := newTestManager()
	ctx := context.Background()
	vm := session.addVM("web")

	sr, err := m.AttachVolume(ctx, iscsiConn("1"), "web", "/dev/xvdb", true)
	require.NoError(t, err)
	assert.Equal(t, testSR, sr)

	vbds := session.vbds[vm]
	require.Len(t, vbds, 1)
	assert.Equal(t, "1", vbds[0].UserDevice)
	assert.True(t, vbds[0].OSVolume)
	assert.Equal(t, hypervisor.VolumeRef(naming.SRPoolName(testSR), "unit:0:0:1"), vbds[0].VDI)
}

func TestAttachVolume_ConnectOnly(t *testing.T) {
	m, client, session := newTestManager()

	sr, err := m.AttachVolume(context.Background(), iscsiConn("1"), "", "/dev/vdb", false)
	require.NoError(t, err)
	assert.Equal(t, testSR, sr)
	assert.Contains(t, client.pools, naming.SRPoolName(testSR))
	assert.Empty(t, session.vbds)
}

func TestAttachVolume_Failures(t *testing.T) {
	tests := []struct {
		name    string
		vmName  string
		device  string
		wantErr error
	}{
		{name: "missing VM", vmName: "db", device: "vdb", wantErr: jujuerrors.NotFound},
		{name: "bad device", vmName: "web", device: "/dev/cdrom", wantErr: jujuerrors.NotValid},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, client, session := newTestManager()
			session.addVM("web")

			_, err := m.AttachVolume(context.Background(), iscsiConn("1"), tt.vmName, tt.device, false)
			assert.True(t, jujuerrors.Is(err, tt.wantErr), "got %v", err)
			assert.Empty(t, client.pools, "SR is forgotten after a failed attach")
		})
	}
}

func TestDetachVolume(t *testing.T) {
	m, client, session := newTestManager()
	ctx := context.Background()
	vm := session.addVM("web")

	_, err := m.AttachVolume(ctx, iscsiConn("1"), "web", "vdb", false)
	require.NoError(t, err)
	_, err = m.AttachVolume(ctx, iscsiConn("2"), "web", "vdc", false)
	require.NoError(t, err)

	// The SR stays while the second LUN is attached.
	require.NoError(t, m.DetachVolume(ctx, "web", "/dev/vdb"))
	assert.Len(t, session.vbds[vm], 1)
	assert.Contains(t, client.pools, naming.SRPoolName(testSR))

	require.NoError(t, m.DetachVolume(ctx, "web", "vdc"))
	assert.Empty(t, session.vbds[vm])
	assert.Empty(t, client.pools)

	// Missing VM and missing device are tolerated.
	require.NoError(t, m.DetachVolume(ctx, "db", "vdb"))
	require.NoError(t, m.DetachVolume(ctx, "web", "vdd"))
}

func TestDetachAll(t *testing.T) {
	m, client, session := newTestManager()
	ctx := context.Background()
	vm := session.addVM("web")

	_, err := session.CreateVBD(ctx, hypervisor.VBDRecord{
		VM: vm, VDI: hypervisor.VolumeRef("crucible-vms", "web_root.qcow2"), UserDevice: "0", Bootable: true,
	})
	require.NoError(t, err)
	_, err = m.AttachVolume(ctx, iscsiConn("1"), "web", "vdb", false)
	require.NoError(t, err)
	_, err = m.AttachVolume(ctx, iscsiConn("2"), "web", "vdc", false)
	require.NoError(t, err)

	require.NoError(t, m.DetachAll(ctx, vm))
	vbds := session.vbds[vm]
	require.Len(t, vbds, 1)
	assert.Equal(t, "0", vbds[0].UserDevice, "local disks stay attached")
	assert.Empty(t, client.pools)
}

func TestFindBadVolumes(t *testing.T) {
	m, client, session := newTestManager()
	ctx := context.Background()
	vm := session.addVM("web")

	_, err := m.AttachVolume(ctx, iscsiConn("1"), "web", "vdb", false)
	require.NoError(t, err)
	_, err = m.AttachVolume(ctx, iscsiConn("2"), "web", "vdc", false)
	require.NoError(t, err)

	bad, err := m.FindBadVolumes(ctx, vm)
	require.NoError(t, err)
	assert.Empty(t, bad)

	delete(client.pools[naming.SRPoolName(testSR)].volumes, "unit:0:0:2")
	bad, err = m.FindBadVolumes(ctx, vm)
	require.NoError(t, err)
	assert.Equal(t, []string{"vdc"}, bad)

	client.pools[naming.SRPoolName(testSR)].running = false
	bad, err = m.FindBadVolumes(ctx, vm)
	require.NoError(t, err)
	assert.Equal(t, []string{"vdb", "vdc"}, bad)
}

func TestForgetSR(t *testing.T) {
	m, client, _ := newTestManager()
	ctx := context.Background()

	_, _, err := m.ConnectVolume(ctx, iscsiConn("1"))
	require.NoError(t, err)

	require.NoError(t, m.ForgetSR(ctx, testSR))
	assert.Empty(t, client.pools)
	require.NoError(t, m.ForgetSR(ctx, testSR))
}

func TestFileVolume(t *testing.T) {
	m, client, session := newTestManager()
	ctx := context.Background()
	session.addVM("web")
	conn := v1alpha1.ConnectionInfo{DriverVolumeType: DriverFile, Data: map[string]string{"path": "/srv/volumes/vol-1.img"}}
	parsed, err := parseConnection(conn)
	require.NoError(t, err)
	client.contents[parsed.poolName()] = []string{"vol-1.img"}

	sr, err := m.AttachVolume(ctx, conn, "web", "vdb", false)
	require.NoError(t, err)
	assert.Equal(t, parsed.srUUID, sr)
	assert.Equal(t, "dir", client.pools[parsed.poolName()].def.Type)
}
