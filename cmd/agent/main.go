package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/Hara602/usbWarden/internal/config"
	"github.com/Hara602/usbWarden/internal/eject"
	"github.com/Hara602/usbWarden/internal/enumerator"
	"github.com/Hara602/usbWarden/internal/model"
	"github.com/Hara602/usbWarden/internal/monitor"
	"github.com/Hara602/usbWarden/internal/platform"
	"github.com/Hara602/usbWarden/internal/policy"
	"github.com/Hara602/usbWarden/internal/syncutil"
	"github.com/Hara602/usbWarden/internal/sysutil"
	"github.com/Hara602/usbWarden/internal/watcher"
	"github.com/spf13/pflag"
	"go.uber.org/zap"
)

const usage = `Usage: agent [flags] <command> [identity]

Commands:
  run            monitor devices until interrupted
  list           print the current device inventory
  eject ID       safely eject the device with identity ID
  deny ID        forbid ejecting ID
  allow ID       allow ejecting ID again

Flags:
`

func main() {
	flags := pflag.NewFlagSet("agent", pflag.ExitOnError)
	configPath := flags.StringP("config", "c", config.DefaultPath, "path to the TOML config file")
	logLevel := flags.String("log-level", "", "override log.level from the config file")
	flags.Usage = func() {
		fmt.Fprint(os.Stderr, usage)
		flags.PrintDefaults()
	}
	_ = flags.Parse(os.Args[1:])

	args := flags.Args()
	if len(args) == 0 {
		flags.Usage()
		os.Exit(2)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	if *logLevel != "" {
		cfg.Log.Level = *logLevel
	}

	// 初始化日志
	sysutil.InitLogger(cfg.Log.Level)
	defer func() { _ = sysutil.Log.Sync() }()

	if err := dispatch(cfg, args); err != nil {
		sysutil.Log.Error("command failed", zap.String("command", args[0]), zap.Error(err))
		os.Exit(1)
	}
}

func dispatch(cfg config.Config, args []string) error {
	needID := func() (string, error) {
		if len(args) != 2 {
			return "", fmt.Errorf("%s needs exactly one device identity", args[0])
		}
		return args[1], nil
	}

	switch args[0] {
	case "run":
		return run(cfg)
	case "list":
		return list(cfg)
	case "eject":
		id, err := needID()
		if err != nil {
			return err
		}
		return ejectOne(cfg, id)
	case "deny", "allow":
		id, err := needID()
		if err != nil {
			return err
		}
		return setDenied(cfg, id, args[0] == "deny")
	}
	return fmt.Errorf("unknown command %q", args[0])
}

// agent 组装好的依赖
type agent struct {
	svc   *monitor.Service
	store *policy.Store
}

func newAgent(cfg config.Config) (*agent, error) {
	// sysfs 写入和 netlink 需要 Root 权限
	if os.Geteuid() != 0 {
		return nil, errors.New("must run as root (required by netlink and sysfs)")
	}

	backend, volumes, err := platform.New(platform.Options{VolumeDriver: cfg.Platform.VolumeDriver})
	if err != nil {
		return nil, fmt.Errorf("platform init failed: %w", err)
	}
	rules, err := enumerator.RulesFromConfig(cfg.Enumerator.TypeRules)
	if err != nil {
		return nil, err
	}

	var svc *monitor.Service
	store, err := policy.Open(cfg.Policy.DBPath, volumes, func(id string) (platform.VolumeInfo, bool) {
		if svc == nil {
			return platform.VolumeInfo{}, false
		}
		return svc.Volume(id)
	})
	if err != nil {
		return nil, err
	}

	enum := enumerator.New(backend, enumerator.Options{
		BuiltinSignatures: cfg.Enumerator.BuiltinSignatures,
		Rules:             rules,
	})
	svc = monitor.New(enum, watcher.New(), backend, volumes, store, monitor.Options{
		Tick:       cfg.Reactor.Tick.Std(),
		PolicyPoll: cfg.Policy.Poll.Std(),
		Eject:      eject.Options{
			MaxHops:             cfg.Eject.MaxHops,
			Timeout:             cfg.Eject.Timeout.Std(),
			Workers:             cfg.Eject.Workers,
			RemovalUnitPatterns: cfg.Eject.RemovalUnitPatterns,
		},
	})
	return &agent{svc: svc, store: store}, nil
}

func run(cfg config.Config) error {
	a, err := newAgent(cfg)
	if err != nil {
		return err
	}
	defer a.store.Close()

	sysutil.Log.Info("🛡️ USB Warden Agent Starting...",
		zap.Strings("denied", a.store.Denied()),
		zap.Bool("deadlock_detection", syncutil.DeadlockEnabled))

	// 捕获操作系统信号，优雅关闭服务
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() { errCh <- a.svc.Run(ctx) }()

	for n := range a.svc.Notifications() {
		logNotification(n)
	}
	sysutil.Log.Info("Shutting down...")
	return <-errCh
}

func logNotification(n model.Notification) {
	switch n.Kind {
	case model.DevicesChanged:
		sysutil.Log.Debug("devices changed")
	case model.DeviceArrived:
		sysutil.Log.Info("✅ USB Connected")
	case model.DeviceRemovedPending:
		sysutil.Log.Info("USB removal pending")
	case model.DeviceRemoved:
		if n.Safe {
			sysutil.Log.Info("❌ USB Removed", zap.String("device", n.Name))
		} else {
			sysutil.Log.Warn("🚨 USB removed without safe eject", zap.String("device", n.Name))
		}
	case model.EjectFinished:
		r := n.Result
		fields := []zap.Field{
			zap.String("device", n.Name),
			zap.String("outcome", r.Outcome.String()),
		}
		for _, v := range r.Vetoes {
			fields = append(fields, zap.String("veto", fmt.Sprintf("%s: %s %s", v.Node, v.Reason, v.Holder)))
		}
		if r.OK() {
			sysutil.Log.Info("⏏️ Safe to remove", fields...)
		} else {
			sysutil.Log.Warn("⏏️ Eject failed", append(fields, zap.Error(r.Err))...)
		}
	}
}

func list(cfg config.Config) error {
	backend, _, err := platform.New(platform.Options{VolumeDriver: cfg.Platform.VolumeDriver})
	if err != nil {
		return err
	}
	rules, err := enumerator.RulesFromConfig(cfg.Enumerator.TypeRules)
	if err != nil {
		return err
	}
	store, err := policy.Open(cfg.Policy.DBPath, nil, nil)
	if err != nil {
		return err
	}
	defer store.Close()

	snap := enumerator.New(backend, enumerator.Options{
		BuiltinSignatures: cfg.Enumerator.BuiltinSignatures,
		Rules:             rules,
	}).Enumerate()

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "IDENTITY\tTYPE\tDESCRIPTION\tMOUNT\tDENIED\tBADUSB")
	for _, rec := range snap.Records() {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%t\t%t\n",
			rec.Identity, rec.Type, rec.Description, rec.DriveLetter,
			store.IsDenied(rec.Identity), rec.BadUSBSuspect)
	}
	return w.Flush()
}

func ejectOne(cfg config.Config, identity string) error {
	a, err := newAgent(cfg)
	if err != nil {
		return err
	}
	defer a.store.Close()

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- a.svc.Run(ctx) }()

	// 通知只用来等第一次枚举, 其余的在后台丢弃, 不能让 reactor 阻塞
	ready := make(chan struct{})
	drained := make(chan struct{})
	go func() {
		defer close(drained)
		first := true
		for range a.svc.Notifications() {
			if first {
				close(ready)
				first = false
			}
		}
	}()
	defer func() {
		cancel()
		<-drained
		<-errCh
	}()

	select {
	case <-ready:
	case <-drained:
		select {
		case <-ready:
		default:
			return errors.New("monitor stopped before the first inventory")
		}
	case <-time.After(10 * time.Second):
		return errors.New("timed out waiting for device inventory")
	}

	results, err := a.svc.EjectSafe(identity)
	if err != nil {
		return err
	}
	r := <-results
	fmt.Printf("%s: %s\n", identity, r.Outcome)
	for _, v := range r.Vetoes {
		fmt.Printf("  vetoed at %s: %s %s\n", v.Node, v.Reason, v.Holder)
	}
	if r.OK() {
		return nil
	}
	if r.Err != nil {
		return fmt.Errorf("eject %s: %s: %w", identity, r.Outcome, r.Err)
	}
	return fmt.Errorf("eject %s: %s", identity, r.Outcome)
}

func setDenied(cfg config.Config, identity string, denied bool) error {
	store, err := policy.Open(cfg.Policy.DBPath, nil, nil)
	if err != nil {
		return err
	}
	defer store.Close()
	if err := store.SetDenied(identity, denied); err != nil {
		return err
	}
	sysutil.Log.Info("policy updated", zap.String("identity", identity), zap.Bool("denied", denied))
	return nil
}
