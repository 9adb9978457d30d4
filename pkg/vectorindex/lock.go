package vectorindex

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/gofrs/flock"
)

// WriterLock 是索引文件的跨进程写锁，锁文件位于 <indexPath>.lock。
// 服务进程与运维 CLI 共享同一个索引文件时，用它串行化写入。
type WriterLock struct {
	path   string
	flock  *flock.Flock
	locked bool
}

// NewWriterLock 为给定索引路径创建写锁。
func NewWriterLock(indexPath string) *WriterLock {
	lockPath := indexPath + ".lock"
	return &WriterLock{
		path:  lockPath,
		flock: flock.New(lockPath),
	}
}

// Lock 阻塞直到获得排他锁。
func (l *WriterLock) Lock() error {
	if err := os.MkdirAll(filepath.Dir(l.path), 0o755); err != nil {
		return fmt.Errorf("failed to create lock directory: %w", err)
	}
	if err := l.flock.Lock(); err != nil {
		return fmt.Errorf("failed to acquire index lock: %w", err)
	}
	l.locked = true
	return nil
}

// TryLock 非阻塞地尝试获取锁，被其他进程持有时返回 false。
func (l *WriterLock) TryLock() (bool, error) {
	if err := os.MkdirAll(filepath.Dir(l.path), 0o755); err != nil {
		return false, fmt.Errorf("failed to create lock directory: %w", err)
	}
	acquired, err := l.flock.TryLock()
	if err != nil {
		return false, fmt.Errorf("failed to acquire index lock: %w", err)
	}
	if acquired {
		l.locked = true
	}
	return acquired, nil
}

// Unlock 释放锁，重复调用是安全的。
func (l *WriterLock) Unlock() error {
	if !l.locked {
		return nil
	}
	l.locked = false
	if err := l.flock.Unlock(); err != nil {
		return fmt.Errorf("failed to release index lock: %w", err)
	}
	return nil
}

func (l *WriterLock) Path() string {
	return l.path
}
