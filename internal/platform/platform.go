// Package platform 定义核心逻辑依赖的操作系统接口: 设备树、卷、弹出原语.
// 每个目标系统一个实现, 目前只有 Linux (sysfs/procfs/udev/UDisks2).
package platform

import (
	"errors"
	"fmt"
	"io"

	"github.com/Hara602/usbWarden/internal/model"
)

var (
	ErrUnsupported = errors.New("platform not supported")
	// ErrBusy 卷被占用 (刷新/加锁/卸载失败)
	ErrBusy = errors.New("volume busy")
)

// Bus 卷所在的总线
type Bus int

const (
	BusUnknown Bus = iota
	BusUSB
)

// DeviceInfo USB 设备接口类的一个节点
type DeviceInfo struct {
	Node        model.NodeID
	InstanceID  string // e.g. USB\VID_0781&PID_5567\4C530001
	Description string
	VendorID    string
	ProductID   string
	Serial      string
	Topology    string // e.g. 1-2.3
	Removable   bool
	// InterfaceClasses 每个接口的 bInterfaceClass, e.g. ["08", "03"]
	InterfaceClasses []string
}

// VolumeInfo 已挂载的逻辑卷
type VolumeInfo struct {
	MountPoint string
	DevicePath string
	Label      string
	Bus        Bus
	// Node 卷所在的 USB 设备节点, 平台无法关联时为空
	Node model.NodeID
}

// VetoError 平台拒绝弹出 (通常是有文件句柄未关闭)
type VetoError struct {
	Node   model.NodeID
	Reason string
	Holder string
}

func (e *VetoError) Error() string {
	if e.Holder != "" {
		return fmt.Sprintf("eject vetoed at %s: %s (held by %s)", e.Node, e.Reason, e.Holder)
	}
	return fmt.Sprintf("eject vetoed at %s: %s", e.Node, e.Reason)
}

// Topology 设备树遍历
type Topology interface {
	Parent(node model.NodeID) (model.NodeID, bool)
	InstanceID(node model.NodeID) (string, error)
}

type Backend interface {
	Topology
	USBDevices() ([]DeviceInfo, error)
	Volumes() ([]VolumeInfo, error)
	// RequestEject 请求弹出节点, 被拒绝时返回 *VetoError
	RequestEject(node model.NodeID) error
	// QueryRemoveSubtree 查询并移除整棵子树, 被拒绝时返回 *VetoError
	QueryRemoveSubtree(node model.NodeID) error
}

// VolumeController 卷的刷新/锁定/卸载
type VolumeController interface {
	Flush(vol VolumeInfo) error
	Lock(vol VolumeInfo) (io.Closer, error)
	Dismount(vol VolumeInfo) error
	// OpenPassive 非独占的只读锁, 用于阻止本工具之外的移除
	OpenPassive(vol VolumeInfo) (io.Closer, error)
}

type Options struct {
	// VolumeDriver "syscall" 或 "udisks2"
	VolumeDriver string
}

// New 返回当前系统的实现
func New(opts Options) (Backend, VolumeController, error) {
	return newPlatform(opts)
}

// VolumeOf 设备记录上绑定的卷, 没有盘符时返回 false
func VolumeOf(rec model.DeviceRecord) (VolumeInfo, bool) {
	if rec.DriveLetter == "" {
		return VolumeInfo{}, false
	}
	return VolumeInfo{
		MountPoint: rec.DriveLetter,
		DevicePath: rec.DevicePath,
		Label:      rec.VolumeLabel,
		Bus:        BusUSB,
		Node:       rec.Node,
	}, true
}
