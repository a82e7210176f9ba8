// Package monitor 设备监控服务: 持有设备列表, 运行 reactor,
// 把热插拔事件、枚举结果和弹出结果变成对外通知.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/Hara602/usbWarden/internal/classifier"
	"github.com/Hara602/usbWarden/internal/eject"
	"github.com/Hara602/usbWarden/internal/model"
	"github.com/Hara602/usbWarden/internal/platform"
	"github.com/Hara602/usbWarden/internal/syncutil"
	"github.com/Hara602/usbWarden/internal/sysutil"
	"github.com/Hara602/usbWarden/internal/watcher"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

var (
	ErrUnknownDevice  = errors.New("unknown device")
	ErrAlreadyRunning = errors.New("monitor already running")
)

// Enumerator 同步生成设备快照
type Enumerator interface {
	Enumerate() model.Snapshot
}

// Policy 禁止弹出名单
type Policy interface {
	SetDenied(identity string, denied bool) error
	IsDenied(identity string) bool
	// Reacquire 每次枚举后调用, 给重新出现的卷补加被动锁
	Reacquire()
}

type Options struct {
	// Tick reactor 最长多久处理一次邮箱
	Tick time.Duration
	// PolicyPoll 多久重新读取一次禁止弹出名单, 其他进程的修改在这之后生效
	PolicyPoll time.Duration
	Eject      eject.Options
}

type jobKind int

const (
	jobStartup jobKind = iota
	jobRefresh
	jobArrival
	jobRemoval
)

// message 投递给 reactor 的结果
type message struct {
	event    *model.HotplugEvent
	snapshot *enumerated
	result   *model.EjectResult
}

type enumerated struct {
	cause    jobKind
	snap     model.Snapshot
	removals []classifier.Removal
}

// Service 显式持有的监控服务, 由 main 构造一次并传给调用方
type Service struct {
	enum       Enumerator
	listener   watcher.HotplugListener
	policy     Policy
	expected   *eject.ExpectedSet
	coord      *eject.Coordinator
	classifier *classifier.Classifier
	opts       Options

	mu      syncutil.RWMutex
	devices model.Snapshot
	ctx     context.Context

	// reported 已经提示过的 BadUSB 设备, 只在 reactor 上访问
	reported map[string]bool

	mailbox *queue[message]
	jobs    *queue[jobKind]
	notes   chan model.Notification
	running atomic.Bool
}

func New(
	enum Enumerator,
	listener watcher.HotplugListener,
	backend platform.Backend,
	volumes platform.VolumeController,
	policy Policy,
	opts Options,
) *Service {
	if opts.Tick <= 0 {
		opts.Tick = 50 * time.Millisecond
	}
	if opts.PolicyPoll <= 0 {
		opts.PolicyPoll = 2 * time.Second
	}
	s := &Service{
		enum:     enum,
		listener: listener,
		policy:   policy,
		expected: eject.NewExpectedSet(),
		opts:     opts,
		ctx:      context.Background(),
		mailbox:  newQueue[message](),
		jobs:     newQueue[jobKind](),
		notes:    make(chan model.Notification, 128),
		reported: make(map[string]bool),
	}
	s.classifier = classifier.New(s.expected)
	s.coord = eject.New(backend, volumes, policy, s.expected, opts.Eject, func(r model.EjectResult) {
		s.mailbox.push(message{result: &r})
	})
	return s
}

// Run 注册热插拔监听并运行 reactor, 直到 ctx 结束.
// 返回前等待所有进行中的弹出完成, 然后关闭 Notifications.
func (s *Service) Run(ctx context.Context) error {
	if !s.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	defer close(s.notes)

	s.mu.Lock()
	s.ctx = ctx
	s.mu.Unlock()

	// 启动时先枚举一次作为基线
	s.enumerate(jobStartup)
	s.dispatch(ctx, s.mailbox.drain())

	if s.listener != nil {
		if err := s.listener.Register(ctx); err != nil {
			return fmt.Errorf("register hotplug listener: %w", err)
		}
		defer s.listener.Close()
	}

	g, gctx := errgroup.WithContext(ctx)
	if s.listener != nil {
		g.Go(func() error { return s.pump(gctx) })
	}
	g.Go(func() error { return s.enumWorker(gctx) })
	g.Go(func() error { return s.reactor(gctx) })
	if s.policy != nil {
		g.Go(func() error { return s.policyWatch(gctx) })
	}

	err := g.Wait()
	s.coord.Wait()
	// 弹出结果在 reactor 退出后才到达的, 缓冲还有空间就交付
	s.dispatch(ctx, s.mailbox.drain())
	sysutil.Log.Info("monitor stopped")
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// pump 监听事件直接进邮箱, 不在监听 goroutine 上做任何工作
func (s *Service) pump(ctx context.Context) error {
	events := s.listener.Events()
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev := <-events:
			s.mailbox.push(message{event: &ev})
		}
	}
}

// enumWorker 所有枚举串行执行, 保证基线按事件顺序更新
func (s *Service) enumWorker(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-s.jobs.wake:
		}
		jobs := s.jobs.drain()
		if len(jobs) == 0 {
			continue
		}
		// 连续的刷新合并成一次, 分类请求必须单独执行
		var pendingRefresh bool
		for _, j := range jobs {
			if j == jobRemoval || j == jobArrival {
				if pendingRefresh {
					s.enumerate(jobRefresh)
					pendingRefresh = false
				}
				s.enumerate(j)
				continue
			}
			pendingRefresh = true
		}
		if pendingRefresh {
			s.enumerate(jobRefresh)
		}
	}
}

func (s *Service) policyWatch(ctx context.Context) error {
	ticker := time.NewTicker(s.opts.PolicyPoll)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			s.policy.Reacquire()
		}
	}
}

func (s *Service) enumerate(cause jobKind) {
	snap := s.enum.Enumerate()
	res := &enumerated{cause: cause, snap: snap}
	// 任何一次枚举都可能是第一次看到设备消失 (卸载触发的刷新先于 RemovalComplete 执行),
	// 所以每次都和基线比较
	if cause == jobStartup {
		s.classifier.SetBaseline(snap)
	} else {
		res.removals = s.classifier.Classify(snap)
	}
	if s.policy != nil {
		// 放在设备列表更新之后, 被动锁的解析依赖新的列表
		defer s.policy.Reacquire()
	}
	s.mu.Lock()
	s.devices = snap
	s.mu.Unlock()
	s.mailbox.push(message{snapshot: res})
}

func (s *Service) reactor(ctx context.Context) error {
	ticker := time.NewTicker(s.opts.Tick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			s.dispatch(ctx, s.mailbox.drain())
			return nil
		case <-ticker.C:
		case <-s.mailbox.wake:
		}
		s.dispatch(ctx, s.mailbox.drain())
	}
}

// dispatch 只在 reactor 上调用
func (s *Service) dispatch(ctx context.Context, msgs []message) {
	for _, m := range msgs {
		switch {
		case m.event != nil:
			s.onHotplug(ctx, *m.event)
		case m.snapshot != nil:
			s.onEnumerated(ctx, m.snapshot)
		case m.result != nil:
			r := *m.result
			s.notify(ctx, model.Notification{
				Kind:     model.EjectFinished,
				Identity: r.Identity,
				Name:     classifier.DisplayName(r.Description, r.DriveLetter),
				Result:   &r,
			})
		}
	}
}

func (s *Service) onHotplug(ctx context.Context, ev model.HotplugEvent) {
	sysutil.Log.Debug("hotplug event",
		zap.String("kind", ev.Kind.String()),
		zap.String("subsystem", ev.Subsystem),
		zap.String("devpath", ev.DevPath))
	switch ev.Kind {
	case model.Arrival:
		s.jobs.push(jobArrival)
	case model.RemovalPending:
		s.notify(ctx, model.Notification{Kind: model.DeviceRemovedPending})
	case model.RemovalComplete:
		s.jobs.push(jobRemoval)
	case model.MountsChanged:
		s.jobs.push(jobRefresh)
	}
}

func (s *Service) onEnumerated(ctx context.Context, e *enumerated) {
	if e.cause == jobArrival {
		sysutil.Log.Info("✅ USB device arrived", zap.Int("devices", e.snap.Len()))
		s.notify(ctx, model.Notification{Kind: model.DeviceArrived})
	}
	for _, r := range e.removals {
		if r.Safe {
			sysutil.Log.Info("❌ USB device removed safely", zap.String("name", r.Name))
		} else {
			sysutil.Log.Warn("⚠️ USB device removed without eject", zap.String("name", r.Name))
		}
		s.notify(ctx, model.Notification{
			Kind:     model.DeviceRemoved,
			Identity: r.Identity,
			Name:     r.Name,
			Safe:     r.Safe,
		})
	}
	s.reportBadUSB(e.snap)
	s.notify(ctx, model.Notification{Kind: model.DevicesChanged})
}

// reportBadUSB 每台可疑设备在线期间只告警一次
func (s *Service) reportBadUSB(snap model.Snapshot) {
	for id := range s.reported {
		if _, ok := snap.Lookup(id); !ok {
			delete(s.reported, id)
		}
	}
	for _, rec := range snap.Records() {
		if !rec.BadUSBSuspect || s.reported[rec.Identity] {
			continue
		}
		s.reported[rec.Identity] = true
		sysutil.Log.Error("🚨 POTENTIAL BADUSB DETECTED",
			zap.String("identity", rec.Identity),
			zap.String("serial", rec.Serial))
	}
}

// notify 通知只从 reactor 发出; 消费者太慢时阻塞直到 ctx 结束
func (s *Service) notify(ctx context.Context, n model.Notification) {
	n.TimeStamp = time.Now()
	select {
	case s.notes <- n:
	case <-ctx.Done():
		// 关闭过程中仍然尽量交付, 缓冲满了才丢弃
		select {
		case s.notes <- n:
		default:
			sysutil.Log.Warn("notification dropped", zap.String("kind", n.Kind.String()))
		}
	}
}

// GetDevices 最近一次枚举的快照
func (s *Service) GetDevices() model.Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.devices
}

// Volume 设备当前绑定的卷, 给策略存储解析被动锁用
func (s *Service) Volume(identity string) (platform.VolumeInfo, bool) {
	rec, ok := s.GetDevices().Lookup(identity)
	if !ok {
		return platform.VolumeInfo{}, false
	}
	return platform.VolumeOf(rec)
}

// EjectSafe 开始安全弹出. 结果通过 channel 交付一次, 同时作为 EjectFinished 通知发出.
func (s *Service) EjectSafe(identity string) (<-chan model.EjectResult, error) {
	rec, ok := s.GetDevices().Lookup(identity)
	if !ok {
		// 被禁止的设备即使不在线也报告 PolicyDenied
		if s.policy == nil || !s.policy.IsDenied(identity) {
			return nil, fmt.Errorf("%s: %w", identity, ErrUnknownDevice)
		}
		rec = model.DeviceRecord{Identity: identity}
	}
	s.mu.RLock()
	ctx := s.ctx
	s.mu.RUnlock()
	return s.coord.EjectSafe(ctx, rec)
}

func (s *Service) SetDenied(identity string, denied bool) error {
	if s.policy == nil {
		return fmt.Errorf("no policy store: %w", platform.ErrUnsupported)
	}
	return s.policy.SetDenied(identity, denied)
}

func (s *Service) IsDenied(identity string) bool {
	return s.policy != nil && s.policy.IsDenied(identity)
}

// Notifications 在 Run 返回时关闭.
// 缓冲满了以后 reactor 会阻塞等待消费者, 调用方必须持续读取直到关闭.
func (s *Service) Notifications() <-chan model.Notification {
	return s.notes
}

// Refresh 要求重新枚举, 完成后发出 DevicesChanged
func (s *Service) Refresh() {
	s.jobs.push(jobRefresh)
}

// Expected 当前等待确认的弹出
func (s *Service) Expected() []string {
	return s.expected.Identities()
}
