//go:build !deadlock

// Package syncutil 提供可选死锁检测的互斥锁, 编译时加 -tags=deadlock 开启
package syncutil

import "sync"

const DeadlockEnabled = false

type Mutex struct {
	sync.Mutex
}

type RWMutex struct {
	sync.RWMutex
}
