// internal/services/progress_service.go
package services

import (
	"fmt"
	"sync"
	"time"

	"github.com/Draftsmith/ScriptForge/internal/models"
)

// 生成任务状态
const (
	ProgressRunning   = "running"
	ProgressCompleted = "completed"
	ProgressFailed    = "failed"
)

// ProgressUpdate 一次生成任务的进度快照，经WebSocket推给前端
type ProgressUpdate struct {
	ConversationID string             `json:"conversation_id"`
	Stage          models.CommandName `json:"stage"`    // 正在生成的创作环节
	Progress       int                `json:"progress"` // 进度百分比 (0-100)
	Message        string             `json:"message"`
	Status         string             `json:"status"`
}

// ProgressTracker 跟踪单个会话当前的生成任务
type ProgressTracker struct {
	ConversationID string
	Stage          models.CommandName
	Progress       int
	Message        string
	Status         string
	StartTime      time.Time
	UpdateTime     time.Time

	subscribers map[chan ProgressUpdate]bool
	done        chan struct{}
	mutex       sync.Mutex
}

// ProgressService 按会话管理生成进度跟踪器。
// 同一会话的新任务会替换已结束的跟踪器
type ProgressService struct {
	trackers map[string]*ProgressTracker
	mutex    sync.RWMutex
}

// NewProgressService 创建进度服务实例
func NewProgressService() *ProgressService {
	return &ProgressService{
		trackers: make(map[string]*ProgressTracker),
	}
}

// StartTask 为会话开启一个生成任务的跟踪。
// 会话锁保证同一会话不会有两个进行中的任务
func (s *ProgressService) StartTask(conversationID string, stage models.CommandName) *ProgressTracker {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if existing, ok := s.trackers[conversationID]; ok {
		existing.mutex.Lock()
		running := existing.Status == ProgressRunning
		existing.mutex.Unlock()
		if running {
			return existing
		}
	}

	tracker := &ProgressTracker{
		ConversationID: conversationID,
		Stage:          stage,
		Message:        fmt.Sprintf("Working on %s options...", stage),
		Status:         ProgressRunning,
		StartTime:      time.Now(),
		UpdateTime:     time.Now(),
		subscribers:    make(map[chan ProgressUpdate]bool),
		done:           make(chan struct{}),
	}

	s.trackers[conversationID] = tracker
	return tracker
}

// GetTracker 获取会话当前的进度跟踪器
func (s *ProgressService) GetTracker(conversationID string) (*ProgressTracker, bool) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	tracker, exists := s.trackers[conversationID]
	return tracker, exists
}

func (t *ProgressTracker) snapshot() ProgressUpdate {
	return ProgressUpdate{
		ConversationID: t.ConversationID,
		Stage:          t.Stage,
		Progress:       t.Progress,
		Message:        t.Message,
		Status:         t.Status,
	}
}

// broadcast 通知所有订阅者，调用方必须持有锁。
// 非阻塞发送，通道满时丢弃本次快照
func (t *ProgressTracker) broadcast() {
	update := t.snapshot()
	for subscriber := range t.subscribers {
		select {
		case subscriber <- update:
		default:
		}
	}
}

// UpdateProgress 推进任务进度，百分比只增不减
func (t *ProgressTracker) UpdateProgress(progress int, message string) {
	t.mutex.Lock()
	defer t.mutex.Unlock()

	if t.Status != ProgressRunning {
		return
	}
	if progress > t.Progress {
		t.Progress = progress
	}
	if message != "" {
		t.Message = message
	}
	t.UpdateTime = time.Now()
	t.broadcast()
}

// Complete 标记任务完成
func (t *ProgressTracker) Complete(message string) {
	t.mutex.Lock()
	defer t.mutex.Unlock()

	if t.Status != ProgressRunning {
		return
	}
	t.Progress = 100
	if message != "" {
		t.Message = message
	} else {
		t.Message = "Options ready"
	}
	t.Status = ProgressCompleted
	t.UpdateTime = time.Now()
	t.broadcast()
	close(t.done)
}

// Fail 标记任务失败
func (t *ProgressTracker) Fail(errorMsg string) {
	t.mutex.Lock()
	defer t.mutex.Unlock()

	if t.Status != ProgressRunning {
		return
	}
	t.Message = errorMsg
	t.Status = ProgressFailed
	t.UpdateTime = time.Now()
	t.broadcast()
	close(t.done)
}

// Done 任务结束信号，Complete或Fail后关闭
func (t *ProgressTracker) Done() <-chan struct{} {
	return t.done
}

// Subscribe 订阅进度更新，立即收到当前状态
func (t *ProgressTracker) Subscribe() chan ProgressUpdate {
	t.mutex.Lock()
	defer t.mutex.Unlock()

	subscriber := make(chan ProgressUpdate, 10)
	t.subscribers[subscriber] = true
	subscriber <- t.snapshot()
	return subscriber
}

// Unsubscribe 取消订阅并关闭通道
func (t *ProgressTracker) Unsubscribe(subscriber chan ProgressUpdate) {
	t.mutex.Lock()
	defer t.mutex.Unlock()

	if t.subscribers[subscriber] {
		delete(t.subscribers, subscriber)
		close(subscriber)
	}
}

// CleanupCompletedTasks 清理结束已久的跟踪器
func (s *ProgressService) CleanupCompletedTasks(maxAge time.Duration) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	now := time.Now()
	for id, tracker := range s.trackers {
		tracker.mutex.Lock()
		finished := tracker.Status != ProgressRunning
		stale := now.Sub(tracker.UpdateTime) > maxAge
		tracker.mutex.Unlock()

		if finished && stale {
			delete(s.trackers, id)
		}
	}
}
