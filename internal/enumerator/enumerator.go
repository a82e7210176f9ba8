package enumerator

import (
	"strings"

	"github.com/Hara602/usbWarden/internal/analysis"
	"github.com/Hara602/usbWarden/internal/model"
	"github.com/Hara602/usbWarden/internal/platform"
	"github.com/Hara602/usbWarden/internal/syncutil"
	"github.com/Hara602/usbWarden/internal/sysutil"
	"go.uber.org/zap"
)

type Options struct {
	// BuiltinSignatures 主板自带设备的实例 ID 片段, e.g. VID_8087&PID_0026
	BuiltinSignatures []string
	Rules             []Rule
}

// Enumerator 同步生成当前设备快照
type Enumerator struct {
	backend    platform.Backend
	signatures []string
	rules      []Rule

	mu syncutil.Mutex
	// owners 实例 ID 第一次出现时所在的拓扑位置, 该位置上的设备用不带后缀的 identity.
	// 同一实例 ID 的设备全部拔出后才忘记.
	owners map[string]string
}

func New(backend platform.Backend, opts Options) *Enumerator {
	sigs := make([]string, 0, len(opts.BuiltinSignatures))
	for _, s := range opts.BuiltinSignatures {
		if s = strings.TrimSpace(s); s != "" {
			sigs = append(sigs, strings.ToUpper(s))
		}
	}
	return &Enumerator{
		backend:    backend,
		signatures: sigs,
		rules:      opts.Rules,
		owners:     make(map[string]string),
	}
}

// Enumerate 从不返回错误: 查询失败时得到空快照
func (e *Enumerator) Enumerate() model.Snapshot {
	devices, err := e.backend.USBDevices()
	if err != nil {
		sysutil.Log.Warn("usb enumeration failed", zap.Error(err))
		return model.NewSnapshot(nil)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	records := make([]model.DeviceRecord, 0, len(devices))
	present := make(map[string]bool, len(devices))
	used := make(map[string]bool, len(devices))
	for _, d := range devices {
		if e.isBuiltin(d.InstanceID) {
			continue
		}
		rec := model.DeviceRecord{
			Identity:    e.identityLocked(d),
			Description: d.Description,
			Type:        Classify(d.Description, e.rules),
			Node:        d.Node,
			Removable:   d.Removable,
			VendorID:    d.VendorID,
			ProductID:   d.ProductID,
			Serial:      d.Serial,
		}
		// 拓扑位置也相同 (平台给不出位置)
		for used[rec.Identity] {
			rec.Identity += "#" + d.Topology
		}
		used[rec.Identity] = true
		present[d.InstanceID] = true
		rec.BadUSBSuspect, _ = analysis.CheckBadUSB(d.InterfaceClasses)
		records = append(records, rec)
	}
	for id := range e.owners {
		if !present[id] {
			delete(e.owners, id)
		}
	}

	volumes, err := e.backend.Volumes()
	if err != nil {
		sysutil.Log.Warn("volume enumeration failed", zap.Error(err))
	} else {
		bindVolumes(records, volumes)
	}
	return model.NewSnapshot(records)
}

// identityLocked 序列号相同的山寨设备: 不在第一个位置上的加 "#拓扑" 后缀.
// 只要同型号还有设备在线, 每台设备的 identity 就不随其他设备插拔而变化.
func (e *Enumerator) identityLocked(d platform.DeviceInfo) string {
	owner, ok := e.owners[d.InstanceID]
	if !ok {
		e.owners[d.InstanceID] = d.Topology
		return d.InstanceID
	}
	if owner == d.Topology {
		return d.InstanceID
	}
	return d.InstanceID + "#" + d.Topology
}

func (e *Enumerator) isBuiltin(instanceID string) bool {
	id := strings.ToUpper(instanceID)
	for _, sig := range e.signatures {
		if strings.Contains(id, sig) {
			return true
		}
	}
	return false
}

// bindVolumes 把 USB 卷绑定到设备记录上.
// 优先按设备树关系 (卷所在的 USB 设备节点) 匹配; 平台给不出节点的卷
// 才按顺序绑定到第一个未绑定的 GenericUsb 记录.
// 一个记录最多一个卷, 一个卷最多一个记录.
func bindVolumes(records []model.DeviceRecord, volumes []platform.VolumeInfo) {
	byNode := make(map[model.NodeID]int, len(records))
	for i, r := range records {
		byNode[r.Node] = i
	}

	var uncorrelated []platform.VolumeInfo
	for _, v := range volumes {
		if v.Bus != platform.BusUSB {
			continue
		}
		if v.Node == "" {
			uncorrelated = append(uncorrelated, v)
			continue
		}
		i, ok := byNode[v.Node]
		if !ok {
			sysutil.Log.Debug("usb volume without device record",
				zap.String("mount", v.MountPoint), zap.String("node", string(v.Node)))
			continue
		}
		if records[i].DriveLetter != "" {
			sysutil.Log.Debug("device already has a volume, skipping",
				zap.String("identity", records[i].Identity), zap.String("mount", v.MountPoint))
			continue
		}
		attach(&records[i], v)
	}

	for _, v := range uncorrelated {
		for i := range records {
			if records[i].DriveLetter == "" && records[i].Type == model.GenericUsb {
				attach(&records[i], v)
				break
			}
		}
	}
}

func attach(rec *model.DeviceRecord, v platform.VolumeInfo) {
	rec.DriveLetter = v.MountPoint
	rec.DevicePath = v.DevicePath
	rec.VolumeLabel = v.Label
	rec.Type = model.MassStorage
	if v.Label != "" {
		rec.Description = v.Label
	}
}
