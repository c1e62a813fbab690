// internal/services/lock_manager.go
package services

import (
	"sync"
	"time"
)

// LockManager 统一的锁管理器。
// 同一会话的消息必须串行处理，编号选择依赖上一条呈现的候选，
// 并发交错会破坏选择与候选的对应关系
type LockManager struct {
	conversationLocks map[string]*LockInfo
	globalLock        sync.RWMutex
	cleanupTicker     *time.Ticker
	stopCleanup       chan struct{}
}

// LockInfo 包装锁和相关信息
type LockInfo struct {
	Mutex    *sync.RWMutex
	LastUsed time.Time
}

// NewLockManager 创建锁管理器
func NewLockManager() *LockManager {
	lm := &LockManager{
		conversationLocks: make(map[string]*LockInfo),
		stopCleanup:       make(chan struct{}),
	}

	// 启动清理器
	lm.startCleanup()
	return lm
}

// GetConversationLock 获取会话锁（线程安全）
func (lm *LockManager) GetConversationLock(conversationID string) *sync.RWMutex {
	lm.globalLock.RLock()
	if lockInfo, exists := lm.conversationLocks[conversationID]; exists {
		lm.globalLock.RUnlock()
		// 更新最后使用时间
		lockInfo.LastUsed = time.Now()
		return lockInfo.Mutex
	}
	lm.globalLock.RUnlock()

	// 升级为写锁
	lm.globalLock.Lock()
	defer lm.globalLock.Unlock()

	// 双重检查（在写锁保护下是安全的）
	if lockInfo, exists := lm.conversationLocks[conversationID]; exists {
		lockInfo.LastUsed = time.Now()
		return lockInfo.Mutex
	}

	// 创建新锁
	lock := &sync.RWMutex{}
	lm.conversationLocks[conversationID] = &LockInfo{
		Mutex:    lock,
		LastUsed: time.Now(),
	}
	return lock
}

// ExecuteWithConversationLock 在会话写锁保护下执行操作
func (lm *LockManager) ExecuteWithConversationLock(conversationID string, fn func() error) error {
	lock := lm.GetConversationLock(conversationID)
	lock.Lock()
	defer lock.Unlock()
	return fn()
}

// ExecuteWithConversationReadLock 在会话读锁保护下执行操作
func (lm *LockManager) ExecuteWithConversationReadLock(conversationID string, fn func() error) error {
	lock := lm.GetConversationLock(conversationID)
	lock.RLock()
	defer lock.RUnlock()
	return fn()
}

// Stop 停止后台清理
func (lm *LockManager) Stop() {
	if lm.cleanupTicker != nil {
		lm.cleanupTicker.Stop()
	}
	close(lm.stopCleanup)
}

// 定期清理未使用的锁
func (lm *LockManager) startCleanup() {
	lm.cleanupTicker = time.NewTicker(5 * time.Minute)
	go func() {
		for {
			select {
			case <-lm.cleanupTicker.C:
				lm.cleanupUnusedLocks()
			case <-lm.stopCleanup:
				return
			}
		}
	}()
}

func (lm *LockManager) cleanupUnusedLocks() {
	lm.globalLock.Lock()
	defer lm.globalLock.Unlock()

	const maxLocks = 200
	const lockTimeout = 30 * time.Minute

	// 只有在锁数量过多时才清理
	if len(lm.conversationLocks) > maxLocks {
		// 只清理长时间未使用的锁，而不是全部清理
		now := time.Now()
		for conversationID, lockInfo := range lm.conversationLocks {
			if now.Sub(lockInfo.LastUsed) > lockTimeout {
				delete(lm.conversationLocks, conversationID)
			}
		}
	}
}
