package platform

import (
	"errors"
	"fmt"
	"io"

	"github.com/godbus/dbus/v5"
	"golang.org/x/sys/unix"
)

const (
	udisks2Service     = "org.freedesktop.UDisks2"
	udisks2Manager     = "/org/freedesktop/UDisks2/Manager"
	udisks2FSInterface = "org.freedesktop.UDisks2.Filesystem"
	udisks2ErrBusy     = "org.freedesktop.UDisks2.Error.DeviceBusy"
)

// udisksVolumes 通过 UDisks2 卸载, 普通用户也能用; 刷新和锁退回到系统调用
type udisksVolumes struct {
	syscallVolumes
	conn *dbus.Conn
}

func newUDisksVolumes() (*udisksVolumes, error) {
	conn, err := dbus.SystemBus()
	if err != nil {
		return nil, fmt.Errorf("failed to connect to system D-Bus: %w", err)
	}
	return &udisksVolumes{conn: conn}, nil
}

// Flush 普通用户没有 BLKFLSBUF 权限, 只做 sync
func (*udisksVolumes) Flush(VolumeInfo) error {
	unix.Sync()
	return nil
}

// Lock UDisks2 在 Unmount 内部自己处理互斥
func (*udisksVolumes) Lock(VolumeInfo) (io.Closer, error) {
	return nopCloser{}, nil
}

func (u *udisksVolumes) Dismount(vol VolumeInfo) error {
	path, err := u.resolveDevice(vol.DevicePath)
	if err != nil {
		return err
	}
	obj := u.conn.Object(udisks2Service, path)
	call := obj.Call(udisks2FSInterface+".Unmount", 0, map[string]dbus.Variant{})
	if call.Err != nil {
		if isDBusBusy(call.Err) {
			return fmt.Errorf("unmount %s: %w: %w", vol.MountPoint, ErrBusy, call.Err)
		}
		return fmt.Errorf("unmount %s: %w", vol.MountPoint, call.Err)
	}
	return nil
}

func (u *udisksVolumes) resolveDevice(devPath string) (dbus.ObjectPath, error) {
	obj := u.conn.Object(udisks2Service, udisks2Manager)
	var paths []dbus.ObjectPath
	spec := map[string]dbus.Variant{"path": dbus.MakeVariant(devPath)}
	err := obj.Call("org.freedesktop.UDisks2.Manager.ResolveDevice", 0, spec, map[string]dbus.Variant{}).Store(&paths)
	if err != nil {
		return "", fmt.Errorf("resolve %s: %w", devPath, err)
	}
	if len(paths) == 0 {
		return "", fmt.Errorf("resolve %s: no UDisks2 block object", devPath)
	}
	return paths[0], nil
}

func isDBusBusy(err error) bool {
	var de dbus.Error
	if errors.As(err, &de) {
		return de.Name == udisks2ErrBusy
	}
	var dp *dbus.Error
	if errors.As(err, &dp) {
		return dp.Name == udisks2ErrBusy
	}
	return false
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
