package model

import "time"

// HotplugKind 热插拔领域事件
type HotplugKind int

const (
	Arrival HotplugKind = iota
	RemovalPending
	RemovalComplete
	MountsChanged // 挂载表变化, 只需要重新枚举
)

func (k HotplugKind) String() string {
	switch k {
	case Arrival:
		return "arrival"
	case RemovalPending:
		return "removal_pending"
	case RemovalComplete:
		return "removal_complete"
	case MountsChanged:
		return "mounts_changed"
	}
	return "unknown"
}

// HotplugEvent 硬件插拔事件
type HotplugEvent struct {
	Kind      HotplugKind
	Subsystem string // "usb", "block"
	DevPath   string // e.g. /devices/pci0000:00/.../1-2
	TimeStamp time.Time
}

// Outcome 弹出流程的终态
type Outcome int

const (
	OutcomeSuccess Outcome = iota
	OutcomePolicyDenied
	OutcomeVolumeBusy
	OutcomeVetoedExhausted
)

func (o Outcome) String() string {
	switch o {
	case OutcomeSuccess:
		return "success"
	case OutcomePolicyDenied:
		return "policy_denied"
	case OutcomeVolumeBusy:
		return "volume_busy"
	case OutcomeVetoedExhausted:
		return "vetoed_exhausted"
	}
	return "unknown"
}

// Veto 平台拒绝弹出的记录
type Veto struct {
	Node   NodeID
	Reason string
	Holder string // 占用设备的进程, 可能为空
}

// EjectResult 一次 EjectSafe 的结果
type EjectResult struct {
	RequestID   string
	Identity    string
	Description string
	DriveLetter string
	Outcome     Outcome
	Node        NodeID // 成功弹出的节点
	Vetoes      []Veto
	Err         error
	Duration    time.Duration
	TimeStamp   time.Time
}

func (r EjectResult) OK() bool { return r.Outcome == OutcomeSuccess }

// NotificationKind 对外通知类型
type NotificationKind int

const (
	DeviceArrived NotificationKind = iota
	DeviceRemovedPending
	DeviceRemoved
	DevicesChanged
	EjectFinished
)

func (k NotificationKind) String() string {
	switch k {
	case DeviceArrived:
		return "device_arrived"
	case DeviceRemovedPending:
		return "device_removed_pending"
	case DeviceRemoved:
		return "device_removed"
	case DevicesChanged:
		return "devices_changed"
	case EjectFinished:
		return "eject_finished"
	}
	return "unknown"
}

// Notification 由 reactor goroutine 发出
type Notification struct {
	Kind      NotificationKind
	Identity  string
	Name      string // 已清洗的显示名
	Safe      bool   // 仅 DeviceRemoved
	Result    *EjectResult
	TimeStamp time.Time
}
