// Package platformtest 提供内存里的 platform 实现, 用于测试核心逻辑
package platformtest

import (
	"fmt"
	"io"
	"sync"

	"github.com/Hara602/usbWarden/internal/model"
	"github.com/Hara602/usbWarden/internal/platform"
)

// Backend 假的设备树, 所有调用都会被记录
type Backend struct {
	mu sync.Mutex

	Devices   []platform.DeviceInfo
	VolumeSet []platform.VolumeInfo
	// DevicesErr 不为空时 USBDevices 返回错误
	DevicesErr error
	VolumesErr error

	Parents   map[model.NodeID]model.NodeID
	Instances map[model.NodeID]string

	// EjectErrs 每个节点 RequestEject 的返回值, 没有设置时成功
	EjectErrs  map[model.NodeID]error
	RemoveErrs map[model.NodeID]error

	// OnEject 在 RequestEject 返回之前调用 (模拟通知先于返回到达)
	OnEject func(node model.NodeID)

	EjectCalls  []model.NodeID
	RemoveCalls []model.NodeID
}

func NewBackend() *Backend {
	return &Backend{
		Parents:    make(map[model.NodeID]model.NodeID),
		Instances:  make(map[model.NodeID]string),
		EjectErrs:  make(map[model.NodeID]error),
		RemoveErrs: make(map[model.NodeID]error),
	}
}

// AddDevice 添加一个设备节点和它的实例 ID
func (b *Backend) AddDevice(d platform.DeviceInfo) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.Devices = append(b.Devices, d)
	b.Instances[d.Node] = d.InstanceID
}

// RemoveDevice 模拟拔出
func (b *Backend) RemoveDevice(node model.NodeID) {
	b.mu.Lock()
	defer b.mu.Unlock()
	kept := b.Devices[:0]
	for _, d := range b.Devices {
		if d.Node != node {
			kept = append(kept, d)
		}
	}
	b.Devices = kept
	vols := b.VolumeSet[:0]
	for _, v := range b.VolumeSet {
		if v.Node != node {
			vols = append(vols, v)
		}
	}
	b.VolumeSet = vols
}

func (b *Backend) AddVolume(v platform.VolumeInfo) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.VolumeSet = append(b.VolumeSet, v)
}

// SetNode 设置节点的父节点和实例 ID
func (b *Backend) SetNode(node, parent model.NodeID, instanceID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if parent != "" {
		b.Parents[node] = parent
	}
	b.Instances[node] = instanceID
}

func (b *Backend) SetEjectErr(node model.NodeID, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.EjectErrs[node] = err
}

func (b *Backend) SetRemoveErr(node model.NodeID, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.RemoveErrs[node] = err
}

func (b *Backend) USBDevices() ([]platform.DeviceInfo, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.DevicesErr != nil {
		return nil, b.DevicesErr
	}
	out := make([]platform.DeviceInfo, len(b.Devices))
	copy(out, b.Devices)
	return out, nil
}

func (b *Backend) Volumes() ([]platform.VolumeInfo, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.VolumesErr != nil {
		return nil, b.VolumesErr
	}
	out := make([]platform.VolumeInfo, len(b.VolumeSet))
	copy(out, b.VolumeSet)
	return out, nil
}

func (b *Backend) Parent(node model.NodeID) (model.NodeID, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	p, ok := b.Parents[node]
	return p, ok
}

func (b *Backend) InstanceID(node model.NodeID) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	id, ok := b.Instances[node]
	if !ok {
		return "", fmt.Errorf("unknown node %s", node)
	}
	return id, nil
}

func (b *Backend) RequestEject(node model.NodeID) error {
	b.mu.Lock()
	b.EjectCalls = append(b.EjectCalls, node)
	err := b.EjectErrs[node]
	hook := b.OnEject
	b.mu.Unlock()

	if err == nil && hook != nil {
		hook(node)
	}
	return err
}

func (b *Backend) QueryRemoveSubtree(node model.NodeID) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.RemoveCalls = append(b.RemoveCalls, node)
	return b.RemoveErrs[node]
}

// Calls 返回 RequestEject 和 QueryRemoveSubtree 的调用记录副本
func (b *Backend) Calls() (ejects, removes []model.NodeID) {
	b.mu.Lock()
	defer b.mu.Unlock()
	ejects = append([]model.NodeID(nil), b.EjectCalls...)
	removes = append([]model.NodeID(nil), b.RemoveCalls...)
	return ejects, removes
}

// Volumes 假的卷控制器
type Volumes struct {
	mu sync.Mutex

	FlushErr    error
	LockErr     error
	DismountErr error
	PassiveErr  error

	Flushes   []string
	Locks     []string
	Dismounts []string
	Passive   []string
	// Open 当前持有的被动锁
	Open map[string]int
}

func NewVolumes() *Volumes {
	return &Volumes{Open: make(map[string]int)}
}

func (v *Volumes) Flush(vol platform.VolumeInfo) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.Flushes = append(v.Flushes, vol.MountPoint)
	return v.FlushErr
}

func (v *Volumes) Lock(vol platform.VolumeInfo) (io.Closer, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.Locks = append(v.Locks, vol.MountPoint)
	if v.LockErr != nil {
		return nil, v.LockErr
	}
	return closerFunc(func() error { return nil }), nil
}

func (v *Volumes) Dismount(vol platform.VolumeInfo) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.Dismounts = append(v.Dismounts, vol.MountPoint)
	return v.DismountErr
}

func (v *Volumes) OpenPassive(vol platform.VolumeInfo) (io.Closer, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.Passive = append(v.Passive, vol.MountPoint)
	if v.PassiveErr != nil {
		return nil, v.PassiveErr
	}
	v.Open[vol.MountPoint]++
	mp := vol.MountPoint
	return closerFunc(func() error {
		v.mu.Lock()
		defer v.mu.Unlock()
		v.Open[mp]--
		if v.Open[mp] <= 0 {
			delete(v.Open, mp)
		}
		return nil
	}), nil
}

// Touched 是否有任何卷操作发生过
func (v *Volumes) Touched() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return len(v.Flushes)+len(v.Locks)+len(v.Dismounts) > 0
}

func (v *Volumes) OpenCount(mountPoint string) int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.Open[mountPoint]
}

type closerFunc func() error

func (f closerFunc) Close() error { return f() }
