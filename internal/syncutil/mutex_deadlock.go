//go:build deadlock

// Package syncutil 提供可选死锁检测的互斥锁, 编译时加 -tags=deadlock 开启
package syncutil

import (
	"time"

	deadlock "github.com/sasha-s/go-deadlock"
)

const DeadlockEnabled = true

func init() {
	// 弹出流程里平台调用可能很慢, 超时不能太短
	deadlock.Opts.DeadlockTimeout = 60 * time.Second
}

type Mutex struct {
	deadlock.Mutex
}

type RWMutex struct {
	deadlock.RWMutex
}
