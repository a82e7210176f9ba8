//go:build !linux

package watcher

import (
	"context"
	"fmt"

	"github.com/Hara602/usbWarden/internal/model"
	"github.com/Hara602/usbWarden/internal/platform"
)

type otherListener struct {
	events chan model.HotplugEvent
}

func newListener() HotplugListener {
	return &otherListener{events: make(chan model.HotplugEvent)}
}

func (w *otherListener) Register(context.Context) error {
	return fmt.Errorf("hotplug listener: %w", platform.ErrUnsupported)
}

func (w *otherListener) Events() <-chan model.HotplugEvent { return w.events }

func (w *otherListener) Close() error { return nil }
