package monitor

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/Hara602/usbWarden/internal/eject"
	"github.com/Hara602/usbWarden/internal/enumerator"
	"github.com/Hara602/usbWarden/internal/model"
	"github.com/Hara602/usbWarden/internal/platform"
	"github.com/Hara602/usbWarden/internal/platform/platformtest"
	"github.com/Hara602/usbWarden/internal/policy"
	"github.com/Hara602/usbWarden/internal/sysutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type fakeListener struct {
	events     chan model.HotplugEvent
	registered int
	err        error
}

func newFakeListener() *fakeListener {
	return &fakeListener{events: make(chan model.HotplugEvent, 16)}
}

func (l *fakeListener) Register(context.Context) error {
	l.registered++
	return l.err
}

func (l *fakeListener) Events() <-chan model.HotplugEvent { return l.events }

func (l *fakeListener) Close() error { return nil }

func (l *fakeListener) send(kind model.HotplugKind) {
	l.events <- model.HotplugEvent{Kind: kind, TimeStamp: time.Now()}
}

const (
	stickID  = `USB\VID_0781&PID_5567\4C53`
	stickDev = "hub/1-2"
)

type env struct {
	backend  *platformtest.Backend
	volumes  *platformtest.Volumes
	listener *fakeListener
	store    *policy.Store
	dbPath   string
	svc      *Service
	cancel   context.CancelFunc
	done     chan error
}

func newEnv(t *testing.T) *env {
	t.Helper()
	e := &env{
		backend:  platformtest.NewBackend(),
		volumes:  platformtest.NewVolumes(),
		listener: newFakeListener(),
	}
	e.backend.SetNode("hub", "", `USB\ROOT_HUB30\1`)

	e.dbPath = filepath.Join(t.TempDir(), "policy.db")
	var svc *Service
	store, err := policy.Open(e.dbPath, e.volumes,
		func(id string) (platform.VolumeInfo, bool) { return svc.Volume(id) })
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	svc = New(enumerator.New(e.backend, enumerator.Options{}), e.listener, e.backend, e.volumes, store, Options{
		Tick:       5 * time.Millisecond,
		PolicyPoll: 10 * time.Millisecond,
		Eject:      eject.Options{
			MaxHops:             8,
			Timeout:             5 * time.Second,
			Workers:             2,
			RemovalUnitPatterns: []string{`USBSTOR\`, `USB\VID_`},
		},
	})
	e.store = store
	e.svc = svc
	return e
}

func (e *env) plugStick() {
	e.backend.AddDevice(platform.DeviceInfo{Node: stickDev, InstanceID: stickID, Description: "Cruzer"})
	e.backend.SetNode(stickDev, "hub", stickID)
	e.backend.AddVolume(platform.VolumeInfo{
		MountPoint: "/media/user/CRUZER",
		DevicePath: "/dev/sdb1",
		Label:      "CRUZER",
		Bus:        platform.BusUSB,
		Node:       stickDev,
	})
}

func (e *env) start(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	e.cancel = cancel
	e.done = make(chan error, 1)
	go func() { e.done <- e.svc.Run(ctx) }()
	t.Cleanup(e.stop)
	// 启动时的枚举
	e.next(t, model.DevicesChanged)
}

func (e *env) stop() {
	if e.cancel == nil {
		return
	}
	e.cancel()
	<-e.done
	e.cancel = nil
}

// next 读取通知直到遇到 kind
func (e *env) next(t *testing.T, kind model.NotificationKind) model.Notification {
	t.Helper()
	timeout := time.After(5 * time.Second)
	for {
		select {
		case n, ok := <-e.svc.Notifications():
			require.True(t, ok, "notifications closed while waiting for %s", kind)
			if n.Kind == kind {
				return n
			}
		case <-timeout:
			t.Fatalf("no %s notification", kind)
		}
	}
}

func awaitResult(t *testing.T, ch <-chan model.EjectResult) model.EjectResult {
	t.Helper()
	select {
	case r := <-ch:
		return r
	case <-time.After(5 * time.Second):
		t.Fatal("no eject result")
	}
	return model.EjectResult{}
}

func TestService_EmptyEnumeration(t *testing.T) {
	e := newEnv(t)
	e.start(t)

	snap := e.svc.GetDevices()
	assert.Equal(t, 0, snap.Len())
	assert.Empty(t, snap.Records())
	assert.Equal(t, 1, e.listener.registered)
}

func TestService_RunTwice(t *testing.T) {
	e := newEnv(t)
	e.start(t)
	assert.ErrorIs(t, e.svc.Run(context.Background()), ErrAlreadyRunning)
}

func TestService_RegisterFailure(t *testing.T) {
	e := newEnv(t)
	e.listener.err = errors.New("netlink: permission denied")

	err := e.svc.Run(context.Background())
	require.Error(t, err)
	for range e.svc.Notifications() {
	}
}

func TestService_ArrivalUpdatesDevices(t *testing.T) {
	e := newEnv(t)
	e.start(t)

	e.plugStick()
	e.listener.send(model.Arrival)
	e.next(t, model.DeviceArrived)
	e.next(t, model.DevicesChanged)

	rec, ok := e.svc.GetDevices().Lookup(stickID)
	require.True(t, ok)
	assert.Equal(t, model.MassStorage, rec.Type)
	assert.Equal(t, "/media/user/CRUZER", rec.DriveLetter)
}

func TestService_RemovalPending(t *testing.T) {
	e := newEnv(t)
	e.start(t)

	e.listener.send(model.RemovalPending)
	e.next(t, model.DeviceRemovedPending)
}

func TestService_SurpriseRemoval(t *testing.T) {
	e := newEnv(t)
	e.plugStick()
	e.start(t)

	e.backend.RemoveDevice(stickDev)
	e.listener.send(model.RemovalComplete)

	n := e.next(t, model.DeviceRemoved)
	assert.Equal(t, stickID, n.Identity)
	assert.Equal(t, "CRUZER (/media/user/CRUZER)", n.Name)
	assert.False(t, n.Safe)
	e.next(t, model.DevicesChanged)
	assert.Equal(t, 0, e.svc.GetDevices().Len())
}

func TestService_SafeEjectThenRemoval(t *testing.T) {
	e := newEnv(t)
	e.plugStick()
	e.start(t)

	ch, err := e.svc.EjectSafe(stickID)
	require.NoError(t, err)
	res := awaitResult(t, ch)
	require.True(t, res.OK(), "eject failed: %v", res.Err)
	assert.Equal(t, model.NodeID(stickDev), res.Node)

	finished := e.next(t, model.EjectFinished)
	require.NotNil(t, finished.Result)
	assert.Equal(t, res.RequestID, finished.Result.RequestID)
	assert.Equal(t, []string{stickID}, e.svc.Expected())

	e.backend.RemoveDevice(stickDev)
	e.listener.send(model.RemovalComplete)
	n := e.next(t, model.DeviceRemoved)
	assert.True(t, n.Safe)
	assert.Empty(t, e.svc.Expected())
}

func TestService_RemovalSeenByMountRefresh(t *testing.T) {
	e := newEnv(t)
	e.plugStick()
	e.start(t)

	ch, err := e.svc.EjectSafe(stickID)
	require.NoError(t, err)
	require.True(t, awaitResult(t, ch).OK())
	e.next(t, model.EjectFinished)

	// 卸载引起的挂载表刷新比 RemovalComplete 先执行
	e.backend.RemoveDevice(stickDev)
	e.listener.send(model.MountsChanged)
	n := e.next(t, model.DeviceRemoved)
	assert.Equal(t, stickID, n.Identity)
	assert.True(t, n.Safe)
	assert.Empty(t, e.svc.Expected())

	e.listener.send(model.RemovalComplete)
	e.next(t, model.DevicesChanged)

	// 再插上后直接拔出, 必须是意外拔出
	e.plugStick()
	e.listener.send(model.Arrival)
	e.next(t, model.DeviceArrived)
	e.backend.RemoveDevice(stickDev)
	e.listener.send(model.RemovalComplete)
	n = e.next(t, model.DeviceRemoved)
	assert.Equal(t, stickID, n.Identity)
	assert.False(t, n.Safe)
}

func TestService_BadUSBReportedOnce(t *testing.T) {
	core, logs := observer.New(zap.ErrorLevel)
	prev := sysutil.Log
	sysutil.Log = zap.New(core)
	t.Cleanup(func() { sysutil.Log = prev })

	e := newEnv(t)
	e.backend.AddDevice(platform.DeviceInfo{
		Node:             "hub/1-4",
		InstanceID:       `USB\VID_1234&PID_5678\EVIL`,
		Description:      "Flash",
		InterfaceClasses: []string{"08", "03"},
	})
	e.start(t)

	e.svc.Refresh()
	e.next(t, model.DevicesChanged)
	e.listener.send(model.MountsChanged)
	e.next(t, model.DevicesChanged)
	e.stop()

	assert.True(t, e.svc.GetDevices().Records()[0].BadUSBSuspect)
	assert.Equal(t, 1, logs.FilterMessage("🚨 POTENTIAL BADUSB DETECTED").Len())
}

func TestService_VetoAtLeafAcceptedAtParent(t *testing.T) {
	e := newEnv(t)
	const iface = stickDev + "/1-2:1.0"
	e.backend.AddDevice(platform.DeviceInfo{Node: iface, InstanceID: stickID, Description: "Cruzer"})
	e.backend.SetNode(iface, stickDev, `USBSTOR\1-2:1.0`)
	e.backend.SetNode(stickDev, "hub", stickID)
	e.backend.AddVolume(platform.VolumeInfo{MountPoint: "/media/user/CRUZER", DevicePath: "/dev/sdb1", Bus: platform.BusUSB, Node: iface})
	e.backend.SetEjectErr(iface, &platform.VetoError{Node: iface, Reason: "in use"})
	e.start(t)

	ch, err := e.svc.EjectSafe(stickID)
	require.NoError(t, err)
	res := awaitResult(t, ch)
	assert.Equal(t, model.OutcomeSuccess, res.Outcome)
	assert.Equal(t, model.NodeID(stickDev), res.Node)
	assert.Len(t, res.Vetoes, 1)

	e.next(t, model.EjectFinished)
	e.stop()
	for n := range e.svc.Notifications() {
		assert.NotEqual(t, model.EjectFinished, n.Kind, "exactly one eject notification")
	}
}

func TestService_DeniedEject(t *testing.T) {
	e := newEnv(t)
	e.plugStick()
	e.start(t)

	require.NoError(t, e.svc.SetDenied(stickID, true))
	assert.True(t, e.svc.IsDenied(stickID))
	assert.Equal(t, 1, e.volumes.OpenCount("/media/user/CRUZER"), "passive lock taken")

	ch, err := e.svc.EjectSafe(stickID)
	require.NoError(t, err)
	assert.Equal(t, model.OutcomePolicyDenied, awaitResult(t, ch).Outcome)
	assert.False(t, e.volumes.Touched())
	ejects, removes := e.backend.Calls()
	assert.Empty(t, ejects)
	assert.Empty(t, removes)

	require.NoError(t, e.svc.SetDenied(stickID, false))
	assert.False(t, e.svc.IsDenied(stickID))
	assert.Equal(t, 0, e.volumes.OpenCount("/media/user/CRUZER"), "passive lock released")
}

func TestService_DenyFromOtherProcess(t *testing.T) {
	e := newEnv(t)
	e.plugStick()
	e.start(t)

	cli, err := policy.Open(e.dbPath, nil, nil)
	require.NoError(t, err)
	defer cli.Close()
	require.NoError(t, cli.SetDenied(stickID, true))

	assert.Eventually(t, func() bool {
		return e.svc.IsDenied(stickID) && e.volumes.OpenCount("/media/user/CRUZER") == 1
	}, 5*time.Second, 10*time.Millisecond)

	ch, err := e.svc.EjectSafe(stickID)
	require.NoError(t, err)
	assert.Equal(t, model.OutcomePolicyDenied, awaitResult(t, ch).Outcome)

	require.NoError(t, cli.SetDenied(stickID, false))
	assert.Eventually(t, func() bool {
		return !e.svc.IsDenied(stickID) && e.volumes.OpenCount("/media/user/CRUZER") == 0
	}, 5*time.Second, 10*time.Millisecond)
}

func TestService_DeniedAbsentDevice(t *testing.T) {
	e := newEnv(t)
	e.start(t)

	require.NoError(t, e.svc.SetDenied("GONE", true))
	ch, err := e.svc.EjectSafe("GONE")
	require.NoError(t, err)
	assert.Equal(t, model.OutcomePolicyDenied, awaitResult(t, ch).Outcome)
}

func TestService_UnknownDevice(t *testing.T) {
	e := newEnv(t)
	e.start(t)

	_, err := e.svc.EjectSafe("nope")
	assert.ErrorIs(t, err, ErrUnknownDevice)
}

func TestService_VolumeBusyKeepsSurpriseAlert(t *testing.T) {
	e := newEnv(t)
	e.plugStick()
	e.volumes.DismountErr = platform.ErrBusy
	e.start(t)

	ch, err := e.svc.EjectSafe(stickID)
	require.NoError(t, err)
	assert.Equal(t, model.OutcomeVolumeBusy, awaitResult(t, ch).Outcome)
	assert.Empty(t, e.svc.Expected())

	e.backend.RemoveDevice(stickDev)
	e.listener.send(model.RemovalComplete)
	assert.False(t, e.next(t, model.DeviceRemoved).Safe)
}

func TestService_RefreshAndMountsChanged(t *testing.T) {
	e := newEnv(t)
	e.start(t)

	e.plugStick()
	e.svc.Refresh()
	e.next(t, model.DevicesChanged)
	assert.Equal(t, 1, e.svc.GetDevices().Len())

	e.backend.RemoveDevice(stickDev)
	e.listener.send(model.MountsChanged)
	e.next(t, model.DevicesChanged)
	assert.Equal(t, 0, e.svc.GetDevices().Len())
}
