package blocksnap_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blocksnap/blocksnap"
	"github.com/blocksnap/blocksnap/backend"
	"github.com/blocksnap/blocksnap/internal/hookshim"
	"github.com/blocksnap/blocksnap/internal/sector"
)

func newTestManager(t *testing.T) (*blocksnap.Manager, *backend.Memory) {
	t.Helper()
	mem := backend.NewMemory(1 << 20)
	cfg := blocksnap.DefaultConfig()
	cfg.SnapshotRoot = t.TempDir()

	mgr, err := blocksnap.NewManager(cfg, mem, hookshim.NewSubmitter(mem), nil, nil)
	require.NoError(t, err)
	t.Cleanup(mgr.Stop)
	return mgr, mem
}

func TestActivateThenDuplicateFails(t *testing.T) {
	mgr, _ := newTestManager(t)
	require.NoError(t, mgr.Activate("/dev/loop0", "secret"))
	assert.ErrorIs(t, mgr.Activate("/dev/loop0", "secret"), blocksnap.ErrDuplicateName)
}

func TestDeactivateWrongPasswordFails(t *testing.T) {
	mgr, _ := newTestManager(t)
	require.NoError(t, mgr.Activate("/dev/loop0", "secret"))
	assert.ErrorIs(t, mgr.Deactivate("/dev/loop0", "wrong"), blocksnap.ErrWrongCredentials)
}

func TestDeactivateCorrectPasswordSucceeds(t *testing.T) {
	mgr, _ := newTestManager(t)
	require.NoError(t, mgr.Activate("/dev/loop0", "secret"))
	require.NoError(t, mgr.Deactivate("/dev/loop0", "secret"))
}

func TestStatusListsActivatedDevices(t *testing.T) {
	mgr, _ := newTestManager(t)
	require.NoError(t, mgr.Activate("/dev/loop0", "secret"))
	assert.Contains(t, mgr.Status(4096), "/dev/loop0")
}

func TestWriteThroughInterceptingBackendIsCapturedAndApplied(t *testing.T) {
	mgr, mem := newTestManager(t)
	require.NoError(t, mgr.Activate("/dev/loop0", "secret"))

	dev := sector.DeviceID{Major: 7, Minor: 0}
	require.NoError(t, mgr.OnMountPreattach("/dev/loop0", dev))

	b := hookshim.New(mem, mgr.Engine(), dev)

	payload := make([]byte, 512)
	for i := range payload {
		payload[i] = byte(i + 1)
	}
	n, err := b.WriteAt(payload, 3*512)
	require.NoError(t, err)
	assert.Equal(t, len(payload), n)

	require.Eventually(t, func() bool {
		got := make([]byte, 512)
		mem.ReadAt(got, 3*512)
		return got[0] == payload[0]
	}, time.Second, time.Millisecond)

	require.Eventually(t, func() bool {
		return mgr.MetricsSnapshot().CapturedFrames > 0
	}, time.Second, time.Millisecond)

	mgr.OnUnmount(dev)
}

// TestServeKernelDeviceDetachesSessionOnFailure exercises the real ublk
// control-channel path (CreateAndServe via ServeKernelDevice). No ublk_drv
// kernel module is present in this environment, so device creation fails
// at the control channel; what this test verifies is that the failure is
// propagated and the preattached session is cleaned up rather than leaked.
func TestServeKernelDeviceDetachesSessionOnFailure(t *testing.T) {
	mgr, mem := newTestManager(t)
	require.NoError(t, mgr.Activate("/dev/loop0", "secret"))

	dev := sector.DeviceID{Major: 7, Minor: 0}
	params := blocksnap.DefaultParams(mem)

	device, err := mgr.ServeKernelDevice(context.Background(), "/dev/loop0", dev, params, nil)
	require.Error(t, err)
	assert.Nil(t, device)

	// After the failure the device must be listed with no session ("-");
	// a leaked session would be listed with its directory name instead.
	assert.Contains(t, mgr.Status(4096), "/dev/loop0 -\n")
	require.NoError(t, mgr.OnMountPreattach("/dev/loop0", dev))
	mgr.OnUnmount(dev)
}
