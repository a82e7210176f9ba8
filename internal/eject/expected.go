package eject

import (
	"sort"

	"github.com/Hara602/usbWarden/internal/syncutil"
)

type expectedEntry struct {
	inFlight bool
}

// ExpectedSet 由本工具发起、等待确认的弹出.
// 条目在任何系统调用之前插入, 由分类器在观察到移除时消费,
// 或者在确定不会发生移除时由协调器删除.
type ExpectedSet struct {
	mu  syncutil.Mutex
	ids map[string]expectedEntry
}

func NewExpectedSet() *ExpectedSet {
	return &ExpectedSet{ids: make(map[string]expectedEntry)}
}

// TryBegin 插入并标记为进行中; 同一 identity 已有进行中的流程时返回 false.
// 已结束但未确认移除 (settled) 的条目不拒绝重试, 只重新标记为进行中.
func (s *ExpectedSet) TryBegin(identity string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.ids[identity]; ok && e.inFlight {
		return false
	}
	s.ids[identity] = expectedEntry{inFlight: true}
	return true
}

// Settle 流程结束但移除尚未确认, 条目保留给分类器
func (s *ExpectedSet) Settle(identity string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.ids[identity]; ok {
		e.inFlight = false
		s.ids[identity] = e
	}
}

func (s *ExpectedSet) Remove(identity string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.ids, identity)
}

// Consume 存在则删除并返回 true
func (s *ExpectedSet) Consume(identity string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.ids[identity]; !ok {
		return false
	}
	delete(s.ids, identity)
	return true
}

func (s *ExpectedSet) Contains(identity string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.ids[identity]
	return ok
}

func (s *ExpectedSet) InFlight(identity string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ids[identity].inFlight
}

func (s *ExpectedSet) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.ids)
}

func (s *ExpectedSet) Identities() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.ids))
	for id := range s.ids {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}
