package platform

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/Hara602/usbWarden/internal/analysis"
	"github.com/Hara602/usbWarden/internal/model"
	"github.com/Hara602/usbWarden/internal/sysutil"
	"github.com/spf13/afero"
	"go.uber.org/zap"
)

const (
	sysDevices    = "/sys/devices"
	sysBusUSB     = "/sys/bus/usb/devices"
	sysClassBlock = "/sys/class/block"
	devByLabel    = "/dev/disk/by-label"
)

// usb1, usb2 ... 是根集线器
var rootHubPattern = regexp.MustCompile(`^usb\d+$`)

// sysfsBackend 通过 sysfs/procfs 实现 Backend, 所有读写都走 afero 方便测试
type sysfsBackend struct {
	fs afero.Fs
}

func newSysfsBackend(fs afero.Fs) *sysfsBackend {
	return &sysfsBackend{fs: fs}
}

func (b *sysfsBackend) USBDevices() ([]DeviceInfo, error) {
	entries, err := afero.ReadDir(b.fs, sysBusUSB)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", sysBusUSB, err)
	}
	var devices []DeviceInfo
	for _, e := range entries {
		name := e.Name()
		// 1-2:1.0 是接口, usbN 是根集线器
		if strings.Contains(name, ":") || rootHubPattern.MatchString(name) {
			continue
		}
		dir := b.resolve(filepath.Join(sysBusUSB, name))
		if !b.exists(filepath.Join(dir, "idVendor")) {
			continue
		}
		devices = append(devices, b.deviceInfo(dir))
	}
	return devices, nil
}

func (b *sysfsBackend) deviceInfo(dir string) DeviceInfo {
	vid := b.readAttr(dir, "idVendor")
	pid := b.readAttr(dir, "idProduct")
	serial := b.readAttr(dir, "serial")
	topology := filepath.Base(dir)

	desc := b.readAttr(dir, "product")
	if desc == "" {
		desc = b.readAttr(dir, "manufacturer")
	}
	if desc == "" {
		desc = fmt.Sprintf("USB device %s:%s", vid, pid)
	}

	return DeviceInfo{
		Node:             model.NodeID(dir),
		InstanceID:       usbInstanceID(vid, pid, serial, topology),
		Description:      desc,
		VendorID:         vid,
		ProductID:        pid,
		Serial:           serial,
		Topology:         topology,
		Removable:        b.readAttr(dir, "removable") != "fixed",
		InterfaceClasses: analysis.InterfaceClasses(b.fs, dir),
	}
}

// usbInstanceID 只由 vid/pid 和序列号(没有时用端口拓扑)组成, 与描述、盘符无关
func usbInstanceID(vid, pid, serial, topology string) string {
	unique := serial
	if unique == "" {
		unique = topology
	}
	unique = strings.ReplaceAll(unique, `\`, "_")
	return fmt.Sprintf(`USB\VID_%s&PID_%s\%s`, strings.ToUpper(vid), strings.ToUpper(pid), unique)
}

// Parent 到根集线器为止, 根集线器和 PCI 控制器不属于可移除的设备树
func (b *sysfsBackend) Parent(node model.NodeID) (model.NodeID, bool) {
	dir := filepath.Clean(string(node))
	parent := filepath.Dir(dir)
	if parent == dir || !strings.HasPrefix(parent, sysDevices+"/") {
		return "", false
	}
	if rootHubPattern.MatchString(filepath.Base(parent)) {
		return "", false
	}
	return model.NodeID(parent), true
}

func (b *sysfsBackend) InstanceID(node model.NodeID) (string, error) {
	dir := string(node)
	if !b.exists(dir) {
		return "", fmt.Errorf("node %s: %w", dir, os.ErrNotExist)
	}
	name := filepath.Base(dir)
	switch {
	case b.isUSBDevice(dir):
		return usbInstanceID(
			b.readAttr(dir, "idVendor"),
			b.readAttr(dir, "idProduct"),
			b.readAttr(dir, "serial"),
			name), nil
	case strings.Contains(name, ":") && b.exists(filepath.Join(dir, "bInterfaceClass")):
		if b.readAttr(dir, "bInterfaceClass") == analysis.ClassMassStorage {
			return `USBSTOR\` + name, nil
		}
		return `USBIF\` + name, nil
	}
	return `SYS\` + name, nil
}

func (b *sysfsBackend) Volumes() ([]VolumeInfo, error) {
	mounts, err := sysutil.ReadMounts(b.fs)
	if err != nil {
		return nil, err
	}
	labels := b.labels()

	volumes := make([]VolumeInfo, 0, len(mounts))
	seen := make(map[string]bool)
	for _, m := range mounts {
		if seen[m.Device] {
			continue
		}
		seen[m.Device] = true

		devName := filepath.Base(m.Device)
		vol := VolumeInfo{
			MountPoint: m.MountPoint,
			DevicePath: m.Device,
			Label:      labels[devName],
		}
		// 判断 /dev/sdb1 是否为 USB，通过 /sys/class/block/{name} 去回溯
		blockPath := b.resolve(filepath.Join(sysClassBlock, devName))
		if usbRoot := b.findUSBRoot(blockPath); usbRoot != "" {
			vol.Bus = BusUSB
			vol.Node = model.NodeID(usbRoot)
		}
		volumes = append(volumes, vol)
	}
	return volumes, nil
}

// labels 设备名 -> 卷标, 来自 /dev/disk/by-label
func (b *sysfsBackend) labels() map[string]string {
	out := make(map[string]string)
	entries, err := afero.ReadDir(b.fs, devByLabel)
	if err != nil {
		return out
	}
	for _, e := range entries {
		target := b.resolve(filepath.Join(devByLabel, e.Name()))
		out[filepath.Base(target)] = sysutil.UnescapeMountField(e.Name())
	}
	return out
}

// findUSBRoot 向上查找包含 idVendor 的目录（即 USB Device 根目录）, 找不到返回空
func (b *sysfsBackend) findUSBRoot(path string) string {
	if !strings.HasPrefix(path, sysDevices+"/") {
		return ""
	}
	dir := path
	// 向上回溯最多 10 层，通常 USB 设备在 sysfs 树的上层
	for i := 0; i < 10; i++ {
		dir = filepath.Dir(dir)
		if dir == "/" || dir == "." || dir == sysDevices {
			break
		}
		if rootHubPattern.MatchString(filepath.Base(dir)) {
			break
		}
		if b.exists(filepath.Join(dir, "idVendor")) {
			return dir
		}
	}
	return ""
}

func (b *sysfsBackend) RequestEject(node model.NodeID) error {
	if err := b.queryRemove(node); err != nil {
		return err
	}
	// 写 1 到 remove, 内核在逻辑上断开设备
	if err := b.writeAttr(string(node), "remove", "1"); err != nil {
		return fmt.Errorf("request eject %s: %w", node, err)
	}
	sysutil.Log.Info("eject request accepted", zap.String("node", string(node)))
	return nil
}

func (b *sysfsBackend) QueryRemoveSubtree(node model.NodeID) error {
	if err := b.queryRemove(node); err != nil {
		return err
	}
	// 路径: /sys/bus/usb/devices/1-1.2/authorized, 写入 "0" 代表禁用整棵子树
	if err := b.writeAttr(string(node), "authorized", "0"); err != nil {
		return fmt.Errorf("remove subtree %s: %w", node, err)
	}
	sysutil.Log.Info("subtree removed", zap.String("node", string(node)))
	return nil
}

// queryRemove 子树下还有挂载的卷就拒绝
func (b *sysfsBackend) queryRemove(node model.NodeID) error {
	dir := filepath.Clean(string(node))
	if !b.isUSBDevice(dir) {
		return &VetoError{Node: node, Reason: "not a removable unit"}
	}
	mounts, err := sysutil.ReadMounts(b.fs)
	if err != nil {
		return fmt.Errorf("query remove %s: %w", node, err)
	}
	for _, m := range mounts {
		blockPath := b.resolve(filepath.Join(sysClassBlock, filepath.Base(m.Device)))
		if strings.HasPrefix(blockPath, dir+"/") {
			return &VetoError{
				Node:   node,
				Reason: "volume mounted at " + m.MountPoint,
				Holder: b.holder(m.MountPoint),
			}
		}
	}
	return nil
}

func (b *sysfsBackend) isUSBDevice(dir string) bool {
	name := filepath.Base(dir)
	if strings.Contains(name, ":") || rootHubPattern.MatchString(name) {
		return false
	}
	return b.exists(filepath.Join(dir, "idVendor"))
}

// resolve 解析 sysfs 符号链接, 不是链接时原样返回
func (b *sysfsBackend) resolve(path string) string {
	lr, ok := b.fs.(afero.LinkReader)
	if !ok {
		return path
	}
	target, err := lr.ReadlinkIfPossible(path)
	if err != nil {
		return path
	}
	if !filepath.IsAbs(target) {
		target = filepath.Join(filepath.Dir(path), target)
	}
	return filepath.Clean(target)
}

func (b *sysfsBackend) exists(path string) bool {
	_, err := b.fs.Stat(path)
	return err == nil
}

func (b *sysfsBackend) readAttr(dir, name string) string {
	data, err := afero.ReadFile(b.fs, filepath.Join(dir, name))
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}

func (b *sysfsBackend) writeAttr(dir, name, value string) error {
	path := filepath.Join(dir, name)
	if !b.exists(path) {
		return fmt.Errorf("%s: %w", path, errors.ErrUnsupported)
	}
	f, err := b.fs.OpenFile(path, os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("open %s: %w", path, err)
	}
	if _, err := f.WriteString(value); err != nil {
		_ = f.Close()
		return fmt.Errorf("write %s: %w", path, err)
	}
	return f.Close()
}
