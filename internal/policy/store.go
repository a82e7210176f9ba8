package policy

import (
	"database/sql"
	"fmt"
	"io"
	"sort"

	"github.com/Hara602/usbWarden/internal/platform"
	"github.com/Hara602/usbWarden/internal/syncutil"
	"github.com/Hara602/usbWarden/internal/sysutil"
	"go.uber.org/zap"
	_ "modernc.org/sqlite"
)

// VolumeResolver 根据 identity 找到设备当前的卷, 设备不在或没有卷时返回 false
type VolumeResolver func(identity string) (platform.VolumeInfo, bool)

// Store 禁止弹出名单 (DenyList) 和对应的被动卷锁.
// 只依赖 identity 字符串, 查询不在线的设备也没问题.
type Store struct {
	mu      syncutil.Mutex
	db      *sql.DB
	denied  map[string]bool
	handles map[string]io.Closer
	volumes platform.VolumeController
	resolve VolumeResolver
}

// Open 打开 (或创建) 名单数据库并加载已有记录
func Open(dbPath string, volumes platform.VolumeController, resolve VolumeResolver) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// sqlite 单写, 内存库也需要只用一个连接
	db.SetMaxOpenConns(1)

	schema := `
	CREATE TABLE IF NOT EXISTS deny_eject (
		identity TEXT PRIMARY KEY,
		reason TEXT,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);
	`
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create table: %w", err)
	}

	s := &Store{
		db:      db,
		denied:  make(map[string]bool),
		handles: make(map[string]io.Closer),
		volumes: volumes,
		resolve: resolve,
	}
	if err := s.load(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) load() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	denied, err := s.query()
	if err != nil {
		return err
	}
	s.denied = denied
	sysutil.LogSugar.Infof("deny list loaded, %d identities", len(s.denied))
	return nil
}

func (s *Store) query() (map[string]bool, error) {
	rows, err := s.db.Query("SELECT identity FROM deny_eject")
	if err != nil {
		return nil, fmt.Errorf("load deny list: %w", err)
	}
	defer rows.Close()

	denied := make(map[string]bool)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("load deny list: %w", err)
		}
		denied[id] = true
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("load deny list: %w", err)
	}
	return denied, nil
}

// reloadLocked 同步其他进程 (deny / allow 命令) 对名单的修改
func (s *Store) reloadLocked() {
	denied, err := s.query()
	if err != nil {
		sysutil.Log.Warn("reload deny list", zap.Error(err))
		return
	}
	for id := range s.denied {
		if !denied[id] {
			sysutil.Log.Info("identity allowed by another process", zap.String("identity", id))
			s.releaseLocked(id)
		}
	}
	for id := range denied {
		if !s.denied[id] {
			sysutil.Log.Info("identity denied by another process", zap.String("identity", id))
		}
	}
	s.denied = denied
}

// SetDenied denied=true 时尝试对设备的卷加被动锁, false 时释放
func (s *Store) SetDenied(identity string, denied bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if denied {
		if _, err := s.db.Exec(
			"INSERT OR IGNORE INTO deny_eject(identity, reason) VALUES (?, ?)",
			identity, "operator",
		); err != nil {
			return fmt.Errorf("deny %s: %w", identity, err)
		}
		s.denied[identity] = true
		s.acquireLocked(identity)
		return nil
	}

	if _, err := s.db.Exec("DELETE FROM deny_eject WHERE identity = ?", identity); err != nil {
		return fmt.Errorf("allow %s: %w", identity, err)
	}
	delete(s.denied, identity)
	s.releaseLocked(identity)
	return nil
}

func (s *Store) IsDenied(identity string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.denied[identity]
}

// Denied 返回排好序的名单
func (s *Store) Denied() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.denied))
	for id := range s.denied {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// HasLock 是否持有该设备的被动锁
func (s *Store) HasLock(identity string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.handles[identity]
	return ok
}

// Reacquire 重新读取名单, 给重新插入或新加入名单的设备补加被动锁, 已经拔出的设备释放句柄
func (s *Store) Reacquire() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reloadLocked()
	for id := range s.handles {
		if _, ok := s.lookup(id); !ok {
			s.releaseLocked(id)
		}
	}
	for id := range s.denied {
		if _, held := s.handles[id]; !held {
			s.acquireLocked(id)
		}
	}
}

func (s *Store) lookup(identity string) (platform.VolumeInfo, bool) {
	if s.resolve == nil {
		return platform.VolumeInfo{}, false
	}
	vol, ok := s.resolve(identity)
	if !ok || vol.DevicePath == "" {
		return platform.VolumeInfo{}, false
	}
	return vol, true
}

func (s *Store) acquireLocked(identity string) {
	if s.volumes == nil {
		return
	}
	if _, held := s.handles[identity]; held {
		return
	}
	vol, ok := s.lookup(identity)
	if !ok {
		return
	}
	h, err := s.volumes.OpenPassive(vol)
	if err != nil {
		sysutil.Log.Warn("passive volume lock failed",
			zap.String("identity", identity),
			zap.String("device", vol.DevicePath),
			zap.Error(err))
		return
	}
	s.handles[identity] = h
	sysutil.Log.Info("🔒 volume held against removal",
		zap.String("identity", identity), zap.String("device", vol.DevicePath))
}

func (s *Store) releaseLocked(identity string) {
	h, ok := s.handles[identity]
	if !ok {
		return
	}
	delete(s.handles, identity)
	if err := h.Close(); err != nil {
		sysutil.Log.Warn("release volume lock", zap.String("identity", identity), zap.Error(err))
	}
}

// Close 释放所有句柄并关闭数据库
func (s *Store) Close() error {
	s.mu.Lock()
	for id := range s.handles {
		s.releaseLocked(id)
	}
	s.mu.Unlock()
	return s.db.Close()
}
