package eject

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/Hara602/usbWarden/internal/model"
	"github.com/Hara602/usbWarden/internal/platform"
	"github.com/Hara602/usbWarden/internal/sysutil"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
)

var (
	// ErrEjectInFlight 同一设备已有进行中的弹出, 不排队
	ErrEjectInFlight = errors.New("eject already in flight")
	errAllVetoed     = errors.New("all eject attempts vetoed")
)

// Policy 弹出前的策略检查
type Policy interface {
	IsDenied(identity string) bool
}

type Options struct {
	MaxHops             int
	Timeout             time.Duration // 0 表示不限制
	Workers             int
	RemovalUnitPatterns []string
}

// Coordinator 安全弹出流程:
// PolicyCheck -> LockingVolume -> RequestingEject -> 终态
type Coordinator struct {
	backend  platform.Backend
	volumes  platform.VolumeController
	policy   Policy
	expected *ExpectedSet
	opts     Options
	sem      *semaphore.Weighted
	post     func(model.EjectResult)
	wg       sync.WaitGroup
}

// New post 在 worker goroutine 上调用, 必须是线程安全的 (通常投递到 reactor)
func New(
	backend platform.Backend,
	volumes platform.VolumeController,
	policy Policy,
	expected *ExpectedSet,
	opts Options,
	post func(model.EjectResult),
) *Coordinator {
	if opts.MaxHops <= 0 {
		opts.MaxHops = 8
	}
	if opts.Workers <= 0 {
		opts.Workers = 1
	}
	return &Coordinator{
		backend:  backend,
		volumes:  volumes,
		policy:   policy,
		expected: expected,
		opts:     opts,
		sem:      semaphore.NewWeighted(int64(opts.Workers)),
		post:     post,
	}
}

// EjectSafe 开始弹出 rec. 结果通过返回的 channel 交付一次.
// 同一 identity 已在进行中时立即返回 ErrEjectInFlight.
func (c *Coordinator) EjectSafe(ctx context.Context, rec model.DeviceRecord) (<-chan model.EjectResult, error) {
	out := make(chan model.EjectResult, 1)
	result := model.EjectResult{
		RequestID:   uuid.NewString(),
		Identity:    rec.Identity,
		Description: rec.Description,
		DriveLetter: rec.DriveLetter,
		TimeStamp:   time.Now(),
	}

	// PolicyCheck: 被禁止的设备不碰任何系统资源
	if c.policy != nil && c.policy.IsDenied(rec.Identity) {
		result.Outcome = model.OutcomePolicyDenied
		c.finish(out, result)
		return out, nil
	}

	// 必须在任何系统调用之前插入, 移除通知可能比本函数先到
	if !c.expected.TryBegin(rec.Identity) {
		return nil, fmt.Errorf("%s: %w", rec.Identity, ErrEjectInFlight)
	}

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.run(ctx, rec, result, out)
	}()
	return out, nil
}

// Wait 等待所有进行中的流程结束
func (c *Coordinator) Wait() {
	c.wg.Wait()
}

func (c *Coordinator) run(ctx context.Context, rec model.DeviceRecord, result model.EjectResult, out chan model.EjectResult) {
	if c.opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.opts.Timeout)
		defer cancel()
	}

	if err := c.sem.Acquire(ctx, 1); err != nil {
		c.expected.Remove(rec.Identity)
		result.Outcome = model.OutcomeVetoedExhausted
		result.Err = err
		c.finish(out, result)
		return
	}
	defer c.sem.Release(1)

	c.execute(ctx, rec, &result)
	c.finish(out, result)
}

func (c *Coordinator) execute(ctx context.Context, rec model.DeviceRecord, result *model.EjectResult) {
	quiesced := false

	// LockingVolume
	if vol, ok := platform.VolumeOf(rec); ok {
		if err := c.quiesce(ctx, vol); err != nil {
			// 不会发生移除, 分类器不需要等
			c.expected.Remove(rec.Identity)
			result.Outcome = model.OutcomeVolumeBusy
			result.Err = err
			return
		}
		quiesced = true
	}

	// RequestingEject
	walk := Walk(ctx, c.backend, rec.Node, c.opts.RemovalUnitPatterns, c.opts.MaxHops)
	result.Vetoes = walk.Vetoes
	if walk.Kind == WalkSuccess {
		c.expected.Settle(rec.Identity)
		result.Outcome = model.OutcomeSuccess
		result.Node = walk.Node
		return
	}

	result.Outcome = model.OutcomeVetoedExhausted
	result.Err = walk.Err
	if result.Err == nil {
		result.Err = errAllVetoed
	}
	if quiesced {
		// 卷已经卸载, 用户接下来拔掉设备不算意外移除
		c.expected.Settle(rec.Identity)
	} else {
		c.expected.Remove(rec.Identity)
	}
}

// quiesce 刷新 -> 锁定 -> 卸载, 任何一步失败都算卷被占用
func (c *Coordinator) quiesce(ctx context.Context, vol platform.VolumeInfo) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if c.volumes == nil {
		return fmt.Errorf("no volume controller: %w", platform.ErrUnsupported)
	}
	if err := c.volumes.Flush(vol); err != nil {
		return fmt.Errorf("flush: %w", err)
	}
	lock, err := c.volumes.Lock(vol)
	if err != nil {
		return fmt.Errorf("lock: %w", err)
	}
	defer func() {
		if err := lock.Close(); err != nil {
			sysutil.Log.Warn("unlock volume", zap.String("mount", vol.MountPoint), zap.Error(err))
		}
	}()
	if err := c.volumes.Dismount(vol); err != nil {
		return fmt.Errorf("dismount: %w", err)
	}
	return nil
}

func (c *Coordinator) finish(out chan model.EjectResult, result model.EjectResult) {
	result.Duration = time.Since(result.TimeStamp)
	fields := []zap.Field{
		zap.String("request", result.RequestID),
		zap.String("identity", result.Identity),
		zap.String("outcome", result.Outcome.String()),
		zap.Int("vetoes", len(result.Vetoes)),
		zap.Duration("took", result.Duration),
	}
	if result.Err != nil {
		fields = append(fields, zap.Error(result.Err))
	}
	if result.OK() {
		sysutil.Log.Info("⏏️ eject finished", fields...)
	} else {
		sysutil.Log.Warn("⏏️ eject failed", fields...)
	}

	if c.post != nil {
		c.post(result)
	}
	out <- result
	close(out)
}
