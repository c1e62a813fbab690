// internal/services/stats_service.go
package services

import (
	"encoding/json"
	"fmt"
	"maps"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/Draftsmith/ScriptForge/internal/utils"
)

// UsageStats AI调用的使用统计，用于设置页的配额展示
type UsageStats struct {
	TodayRequests int            `json:"today_requests"`
	MonthlyTokens int            `json:"monthly_tokens"`
	DailyRequests map[string]int `json:"daily_requests"` // 日期 -> 请求数
	MonthlyUsage  map[string]int `json:"monthly_usage"`  // 月份 -> token数
	LastUpdated   time.Time      `json:"last_updated"`
}

// StatsService 跟踪AI调用用量并定期落盘。
// 写入合并成批，进程退出前由Close冲刷
type StatsService struct {
	statsFile string
	logger    *utils.Logger

	mutex       sync.Mutex
	cachedStats *UsageStats

	lastCheckDate string
	lastCheckTime time.Time

	isDirty      bool
	lastSaveTime time.Time
	saveInterval time.Duration

	stopSaver chan struct{}
	stopOnce  sync.Once
}

// NewStatsService 创建统计服务，dataDir下维护usage_stats.json
func NewStatsService(dataDir string) *StatsService {
	basePath := filepath.Join(dataDir, "stats")
	if err := os.MkdirAll(basePath, 0755); err != nil {
		utils.GetLogger().Warn("创建统计目录失败", map[string]interface{}{"error": err.Error()})
	}

	service := &StatsService{
		statsFile:    filepath.Join(basePath, "usage_stats.json"),
		logger:       utils.GetLogger(),
		saveInterval: 30 * time.Second,
		stopSaver:    make(chan struct{}),
	}

	service.startPeriodicSave()
	return service
}

// initStatsUnlocked 初始化统计数据，调用方必须持有锁
func (s *StatsService) initStatsUnlocked() {
	if loaded, err := s.loadStats(); err == nil {
		s.rollOverPeriods(loaded)
		s.cachedStats = loaded
		return
	}

	s.cachedStats = newUsageStats()
	if err := s.saveStats(s.cachedStats); err != nil {
		s.logger.Warn("保存初始统计数据失败", map[string]interface{}{"error": err.Error()})
	}
}

func newUsageStats() *UsageStats {
	return &UsageStats{
		DailyRequests: make(map[string]int),
		MonthlyUsage:  make(map[string]int),
		LastUpdated:   time.Now(),
	}
}

// rollOverPeriods 跨天清零当日计数，跨月清零当月token数
func (s *StatsService) rollOverPeriods(stats *UsageStats) {
	now := time.Now()
	lastDate := stats.LastUpdated.Format("2006-01-02")
	lastMonth := stats.LastUpdated.Format("2006-01")

	changed := false
	if now.Format("2006-01-02") != lastDate {
		stats.TodayRequests = 0
		changed = true
	}
	if now.Format("2006-01") != lastMonth {
		stats.MonthlyTokens = 0
		changed = true
	}

	if changed {
		stats.LastUpdated = now
		s.isDirty = true
	}
}

func (s *StatsService) loadStats() (*UsageStats, error) {
	data, err := os.ReadFile(s.statsFile)
	if err != nil {
		return nil, fmt.Errorf("读取统计文件失败: %w", err)
	}

	var stats UsageStats
	if err := json.Unmarshal(data, &stats); err != nil {
		return nil, fmt.Errorf("解析统计数据失败: %w", err)
	}

	if stats.DailyRequests == nil {
		stats.DailyRequests = make(map[string]int)
	}
	if stats.MonthlyUsage == nil {
		stats.MonthlyUsage = make(map[string]int)
	}
	return &stats, nil
}

// saveStats 临时文件加重命名保证原子写
func (s *StatsService) saveStats(stats *UsageStats) error {
	data, err := json.MarshalIndent(stats, "", "  ")
	if err != nil {
		return fmt.Errorf("序列化统计数据失败: %w", err)
	}

	tempFile := s.statsFile + ".tmp"
	if err := os.WriteFile(tempFile, data, 0644); err != nil {
		return fmt.Errorf("写入临时统计文件失败: %w", err)
	}
	if err := os.Rename(tempFile, s.statsFile); err != nil {
		os.Remove(tempFile)
		return fmt.Errorf("替换统计文件失败: %w", err)
	}
	return nil
}

// GetUsageStats 返回统计数据的深度副本
func (s *StatsService) GetUsageStats() *UsageStats {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if s.cachedStats == nil {
		s.initStatsUnlocked()
	}

	// 时间段检查限频，避免每次读取都做格式化比较
	now := time.Now()
	if now.Sub(s.lastCheckTime) >= 10*time.Minute {
		s.lastCheckTime = now
		if current := now.Format("2006-01-02"); current != s.lastCheckDate {
			s.lastCheckDate = current
			s.rollOverPeriods(s.cachedStats)
		}
	}

	return &UsageStats{
		TodayRequests: s.cachedStats.TodayRequests,
		MonthlyTokens: s.cachedStats.MonthlyTokens,
		DailyRequests: copyIntMap(s.cachedStats.DailyRequests),
		MonthlyUsage:  copyIntMap(s.cachedStats.MonthlyUsage),
		LastUpdated:   s.cachedStats.LastUpdated,
	}
}

func copyIntMap(original map[string]int) map[string]int {
	clone := make(map[string]int, len(original))
	maps.Copy(clone, original)
	return clone
}

// RecordRequest 记录一次AI调用及其token消耗
func (s *StatsService) RecordRequest(tokens int) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if s.cachedStats == nil {
		s.initStatsUnlocked()
	}

	now := time.Now()
	s.rollOverPeriods(s.cachedStats)

	s.cachedStats.TodayRequests++
	s.cachedStats.MonthlyTokens += tokens
	s.cachedStats.DailyRequests[now.Format("2006-01-02")]++
	s.cachedStats.MonthlyUsage[now.Format("2006-01")] += tokens
	s.cachedStats.LastUpdated = now
	s.isDirty = true

	// 写入合并成批，距上次落盘超过间隔才立即写
	if now.Sub(s.lastSaveTime) > s.saveInterval {
		return s.flushLocked()
	}
	return nil
}

// flushLocked 落盘未保存的数据，调用方必须持有锁
func (s *StatsService) flushLocked() error {
	if !s.isDirty || s.cachedStats == nil {
		return nil
	}

	if err := s.saveStats(s.cachedStats); err != nil {
		return err
	}
	s.isDirty = false
	s.lastSaveTime = time.Now()
	return nil
}

func (s *StatsService) startPeriodicSave() {
	go func() {
		ticker := time.NewTicker(s.saveInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				s.mutex.Lock()
				if err := s.flushLocked(); err != nil {
					s.logger.Warn("定时保存统计数据失败", map[string]interface{}{"error": err.Error()})
				}
				s.mutex.Unlock()
			case <-s.stopSaver:
				return
			}
		}
	}()
}

// ResetStats 清空统计数据
func (s *StatsService) ResetStats() error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	stats := newUsageStats()
	if err := s.saveStats(stats); err != nil {
		return err
	}
	s.cachedStats = stats
	s.isDirty = false
	return nil
}

// Close 停止定时保存并冲刷剩余数据
func (s *StatsService) Close() error {
	s.stopOnce.Do(func() { close(s.stopSaver) })

	s.mutex.Lock()
	defer s.mutex.Unlock()
	return s.flushLocked()
}
