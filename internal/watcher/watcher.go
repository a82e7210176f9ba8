package watcher

import (
	"context"
	"errors"

	"github.com/Hara602/usbWarden/internal/model"
)

// ErrAlreadyRegistered Register 只能调用一次
var ErrAlreadyRegistered = errors.New("hotplug listener already registered")

// HotplugListener 把系统热插拔通知翻译为领域事件
type HotplugListener interface {
	// Register 开始监听, ctx 结束或 Close 时停止
	Register(ctx context.Context) error
	Events() <-chan model.HotplugEvent
	Close() error
}

func New() HotplugListener {
	return newListener()
}

// Translate uevent -> 领域事件, 其它事件返回 false
//
//	add    usb/usb_device, block/disk, block/partition -> Arrival
//	remove usb/usb_interface, unbind usb/usb_interface -> RemovalPending
//	remove usb/usb_device                               -> RemovalComplete
func Translate(action, subsystem, devType string) (model.HotplugKind, bool) {
	switch subsystem {
	case "usb":
		switch {
		case action == "add" && devType == "usb_device":
			return model.Arrival, true
		case action == "remove" && devType == "usb_device":
			return model.RemovalComplete, true
		case (action == "remove" || action == "unbind") && devType == "usb_interface":
			return model.RemovalPending, true
		}
	case "block":
		if action == "add" && (devType == "disk" || devType == "partition") {
			return model.Arrival, true
		}
	}
	return 0, false
}
