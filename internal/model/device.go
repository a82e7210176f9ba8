package model

import (
	"fmt"
	"strings"
)

// NodeID 设备树节点句柄 (Linux 下为 sysfs 路径, e.g. /sys/devices/.../usb1/1-2)
type NodeID string

// DeviceType 设备类型
type DeviceType int

const (
	GenericUsb DeviceType = iota
	HidDevice
	MassStorage
)

func (t DeviceType) String() string {
	switch t {
	case HidDevice:
		return "hid"
	case MassStorage:
		return "storage"
	default:
		return "usb"
	}
}

// ParseDeviceType 解析配置文件里的类型名
func ParseDeviceType(s string) (DeviceType, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "hid":
		return HidDevice, nil
	case "usb", "generic":
		return GenericUsb, nil
	case "storage", "mass_storage":
		return MassStorage, nil
	}
	return GenericUsb, fmt.Errorf("unknown device type %q", s)
}

// DeviceRecord 一次枚举得到的设备记录, 枚举之间不共享、不修改
type DeviceRecord struct {
	Identity    string // 会话内稳定的主键, 不依赖描述/盘符
	Description string
	Type        DeviceType
	DriveLetter string // 仅 MassStorage, Linux 下是挂载点
	DevicePath  string // e.g. /dev/sdb1
	VolumeLabel string
	Node        NodeID
	Removable   bool

	VendorID      string
	ProductID     string
	Serial        string
	BadUSBSuspect bool
}

// Snapshot 某一时刻的设备列表, 生成后不可变, 可以跨 goroutine 共享
type Snapshot struct {
	records []DeviceRecord
	index   map[string]int
}

func NewSnapshot(records []DeviceRecord) Snapshot {
	s := Snapshot{
		records: make([]DeviceRecord, len(records)),
		index:   make(map[string]int, len(records)),
	}
	copy(s.records, records)
	for i, r := range s.records {
		s.index[r.Identity] = i
	}
	return s
}

func (s Snapshot) Len() int { return len(s.records) }

// Records 返回副本
func (s Snapshot) Records() []DeviceRecord {
	out := make([]DeviceRecord, len(s.records))
	copy(out, s.records)
	return out
}

func (s Snapshot) Lookup(identity string) (DeviceRecord, bool) {
	i, ok := s.index[identity]
	if !ok {
		return DeviceRecord{}, false
	}
	return s.records[i], true
}

func (s Snapshot) Identities() []string {
	ids := make([]string, 0, len(s.records))
	for _, r := range s.records {
		ids = append(ids, r.Identity)
	}
	return ids
}
