//go:build linux

package watcher

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/Hara602/usbWarden/internal/model"
	"github.com/Hara602/usbWarden/internal/syncutil"
	"github.com/Hara602/usbWarden/internal/sysutil"
	"github.com/pilebones/go-udev/netlink"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

// ueventSource *netlink.UEventConn 满足这个接口
type ueventSource interface {
	Monitor(queue chan netlink.UEvent, errs chan error, matcher netlink.Matcher) chan struct{}
	Close() error
}

type linuxListener struct {
	mu         syncutil.Mutex
	registered bool

	connect    func() (ueventSource, error)
	mountsPath string

	events    chan model.HotplugEvent
	stop      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

func newListener() HotplugListener {
	return &linuxListener{
		connect:    connectUdev,
		mountsPath: sysutil.ProcMounts,
		events:     make(chan model.HotplugEvent, 64),
		stop:       make(chan struct{}),
	}
}

// connectUdev 监听 UDEV 事件, 连接 NETLINK_KOBJECT_UEVENT
func connectUdev() (ueventSource, error) {
	conn := new(netlink.UEventConn)
	if err := conn.Connect(netlink.UdevEvent); err != nil {
		return nil, fmt.Errorf("connect netlink: %w", err)
	}
	return conn, nil
}

func (w *linuxListener) Register(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.registered {
		return ErrAlreadyRegistered
	}

	src, err := w.connect()
	if err != nil {
		return err
	}
	w.registered = true

	queue := make(chan netlink.UEvent)
	errs := make(chan error)
	quit := src.Monitor(queue, errs, nil)

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		// 确保退出时关闭连接
		defer src.Close()
		w.loop(ctx, queue, errs, quit)
	}()

	if w.mountsPath != "" {
		w.wg.Add(1)
		go func() {
			defer w.wg.Done()
			w.watchMounts(ctx)
		}()
	}
	sysutil.Log.Info("🔌 hotplug listener registered")
	return nil
}

func (w *linuxListener) loop(ctx context.Context, queue chan netlink.UEvent, errs chan error, quit chan struct{}) {
	for {
		select {
		case <-w.stop:
			// 发送退出信号给 Monitor
			close(quit)
			return
		case <-ctx.Done():
			close(quit)
			return
		case err := <-errs:
			// 忽略底层网络错误，继续尝试
			sysutil.Log.Debug("netlink error", zap.Error(err))
		case uevent := <-queue:
			w.handle(uevent)
		}
	}
}

func (w *linuxListener) handle(uevent netlink.UEvent) {
	kind, ok := Translate(string(uevent.Action), uevent.Env["SUBSYSTEM"], uevent.Env["DEVTYPE"])
	if !ok {
		return
	}
	w.emit(model.HotplugEvent{
		Kind:      kind,
		Subsystem: uevent.Env["SUBSYSTEM"],
		DevPath:   uevent.Env["DEVPATH"],
		TimeStamp: time.Now(),
	})
}

// emit 只等消费者或关闭, 不做任何耗时工作
func (w *linuxListener) emit(ev model.HotplugEvent) {
	select {
	case w.events <- ev:
	case <-w.stop:
	}
}

// watchMounts /proc/mounts 在挂载表变化时报告 POLLPRI
func (w *linuxListener) watchMounts(ctx context.Context) {
	f, err := os.Open(w.mountsPath)
	if err != nil {
		sysutil.Log.Warn("mount table watch disabled", zap.Error(err))
		return
	}
	defer f.Close()

	fds := []unix.PollFd{{Fd: int32(f.Fd()), Events: unix.POLLPRI}}
	for {
		select {
		case <-w.stop:
			return
		case <-ctx.Done():
			return
		default:
		}

		fds[0].Revents = 0
		n, err := unix.Poll(fds, 500)
		if errors.Is(err, unix.EINTR) {
			continue
		}
		if err != nil {
			sysutil.Log.Warn("poll mount table", zap.Error(err))
			return
		}
		if n > 0 && fds[0].Revents&(unix.POLLPRI|unix.POLLERR) != 0 {
			w.emit(model.HotplugEvent{Kind: model.MountsChanged, TimeStamp: time.Now()})
		}
	}
}

func (w *linuxListener) Events() <-chan model.HotplugEvent {
	return w.events
}

func (w *linuxListener) Close() error {
	w.closeOnce.Do(func() {
		close(w.stop)
	})
	w.wg.Wait()
	return nil
}
