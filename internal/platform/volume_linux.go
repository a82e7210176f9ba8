package platform

import (
	"errors"
	"fmt"
	"io"
	"os"

	"golang.org/x/sys/unix"
)

// syscallVolumes 直接用系统调用控制卷, 需要 root
type syscallVolumes struct{}

func (syscallVolumes) Flush(vol VolumeInfo) error {
	unix.Sync()
	fd, err := unix.Open(vol.DevicePath, unix.O_RDONLY|unix.O_CLOEXEC, 0)
	if err != nil {
		return fmt.Errorf("open %s: %w", vol.DevicePath, err)
	}
	defer unix.Close(fd)
	// 刷新块设备缓冲区
	if err := unix.IoctlSetInt(fd, unix.BLKFLSBUF, 0); err != nil {
		return fmt.Errorf("flush %s: %w", vol.DevicePath, busyOr(err))
	}
	return nil
}

func (syscallVolumes) Lock(vol VolumeInfo) (io.Closer, error) {
	return flockDevice(vol.DevicePath, unix.LOCK_EX)
}

func (syscallVolumes) Dismount(vol VolumeInfo) error {
	if err := unix.Unmount(vol.MountPoint, 0); err != nil {
		return fmt.Errorf("umount %s: %w", vol.MountPoint, busyOr(err))
	}
	return nil
}

func (syscallVolumes) OpenPassive(vol VolumeInfo) (io.Closer, error) {
	return flockDevice(vol.DevicePath, unix.LOCK_SH)
}

// flockDevice 对块设备加 BSD 锁, 返回的 Closer 关闭时释放
func flockDevice(devPath string, how int) (io.Closer, error) {
	f, err := os.OpenFile(devPath, os.O_RDONLY, 0)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", devPath, err)
	}
	if err := unix.Flock(int(f.Fd()), how|unix.LOCK_NB); err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("flock %s: %w", devPath, busyOr(err))
	}
	return f, nil
}

func busyOr(err error) error {
	if errors.Is(err, unix.EBUSY) || errors.Is(err, unix.EWOULDBLOCK) {
		return fmt.Errorf("%w: %w", ErrBusy, err)
	}
	return err
}
