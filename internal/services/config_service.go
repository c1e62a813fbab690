// internal/services/config_service.go
package services

import (
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/Draftsmith/ScriptForge/internal/config"
	"github.com/Draftsmith/ScriptForge/internal/utils"
)

// ConfigService 提供配置管理功能
type ConfigService struct {
	// 缓存最近获取的配置，减少反复访问底层存储
	cachedConfig *config.AppConfig
	lastUpdated  time.Time

	// 配置变更事件订阅者，AI服务靠它感知密钥更新
	subscribers []ConfigChangeSubscriber

	// 配置变更历史
	changeHistory []ConfigChangeRecord

	mu     sync.RWMutex
	logger *utils.Logger

	stopRefresher chan struct{}
	refresherOnce sync.Once
}

// ConfigChangeSubscriber 配置变更订阅者接口
type ConfigChangeSubscriber interface {
	OnConfigChanged(oldConfig, newConfig *config.AppConfig)
}

// ConfigChangeRecord 配置变更记录
type ConfigChangeRecord struct {
	Timestamp time.Time
	ChangedBy string
	Section   string
	OldValue  interface{}
	NewValue  interface{}
}

// NewConfigService 创建配置服务实例
func NewConfigService() *ConfigService {
	service := &ConfigService{
		lastUpdated:   time.Now(),
		subscribers:   make([]ConfigChangeSubscriber, 0),
		changeHistory: make([]ConfigChangeRecord, 0, 100),
		logger:        utils.GetLogger(),
		stopRefresher: make(chan struct{}),
	}

	service.cachedConfig = config.GetCurrentConfig()
	return service
}

// GetCurrentConfig 获取当前配置
func (s *ConfigService) GetCurrentConfig() *config.AppConfig {
	s.mu.RLock()
	if s.cachedConfig != nil {
		defer s.mu.RUnlock()
		return s.cachedConfig
	}
	s.mu.RUnlock()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cachedConfig == nil {
		s.cachedConfig = config.GetCurrentConfig()
	}
	return s.cachedConfig
}

// UpdateLLMConfig 更新AI提供商和配置
func (s *ConfigService) UpdateLLMConfig(provider string, configMap map[string]string, changedBy string) error {
	if provider == "" {
		return errors.New("provider cannot be empty")
	}

	oldConfig := s.GetCurrentConfig()
	oldProvider := oldConfig.LLMProvider

	if _, ok := configMap["api_key"]; !ok {
		s.logger.Warn("AI配置缺少api_key", map[string]interface{}{"provider": provider})
	}

	// 未指定模型时按提供商补默认值
	if _, ok := configMap["default_model"]; !ok {
		if model, known := providerDefaultModels[provider]; known {
			configMap["default_model"] = model
		} else {
			configMap["default_model"] = providerDefaultModels["openai"]
		}
	}

	if err := config.UpdateLLMConfig(provider, configMap); err != nil {
		return err
	}

	s.mu.Lock()
	s.cachedConfig = config.GetCurrentConfig()
	s.lastUpdated = time.Now()
	newConfig := s.cachedConfig
	s.mu.Unlock()

	s.recordChange("llm_provider", oldProvider, provider, changedBy)
	s.logger.Info("AI配置已更新", map[string]interface{}{
		"provider":   provider,
		"changed_by": changedBy,
	})

	s.notifySubscribers(oldConfig, newConfig)
	return nil
}

// SaveConfig 保存当前配置
func (s *ConfigService) SaveConfig() error {
	return config.SaveConfig()
}

// GetLLMProvider 获取当前AI提供商
func (s *ConfigService) GetLLMProvider() string {
	return s.GetCurrentConfig().LLMProvider
}

// GetLLMConfig 获取AI配置
func (s *ConfigService) GetLLMConfig() map[string]string {
	return s.GetCurrentConfig().LLMConfig
}

// ValidateAPIKey 对密钥做本地形态检查，不发起网络请求
func (s *ConfigService) ValidateAPIKey(provider string, apiKey string) (bool, string) {
	apiKey = strings.TrimSpace(apiKey)
	if apiKey == "" {
		return false, "API key cannot be empty"
	}
	if len(apiKey) < 16 {
		return false, "API key looks too short"
	}

	switch provider {
	case "openai", "deepseek":
		if !strings.HasPrefix(apiKey, "sk-") {
			return false, "expected a key starting with sk-"
		}
	case "anthropic":
		if !strings.HasPrefix(apiKey, "sk-ant-") {
			return false, "expected a key starting with sk-ant-"
		}
	}
	return true, ""
}

// SetDebugMode 设置调试模式
func (s *ConfigService) SetDebugMode(enabled bool) error {
	cfg := s.GetCurrentConfig()
	cfg.DebugMode = enabled
	return config.SaveConfig()
}

// SubscribeToChanges 订阅配置变更事件
func (s *ConfigService) SubscribeToChanges(subscriber ConfigChangeSubscriber) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subscribers = append(s.subscribers, subscriber)
}

// UnsubscribeFromChanges 取消配置变更订阅
func (s *ConfigService) UnsubscribeFromChanges(subscriber ConfigChangeSubscriber) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i, sub := range s.subscribers {
		if sub == subscriber {
			s.subscribers = append(s.subscribers[:i], s.subscribers[i+1:]...)
			break
		}
	}
}

// notifySubscribers 通知所有订阅者配置已变更
func (s *ConfigService) notifySubscribers(oldConfig, newConfig *config.AppConfig) {
	s.mu.RLock()
	subscribers := make([]ConfigChangeSubscriber, len(s.subscribers))
	copy(subscribers, s.subscribers)
	s.mu.RUnlock()

	for _, subscriber := range subscribers {
		go subscriber.OnConfigChanged(oldConfig, newConfig)
	}
}

// GetChangeHistory 获取配置变更历史，最近的在后
func (s *ConfigService) GetChangeHistory(limit int) []ConfigChangeRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit <= 0 || limit > len(s.changeHistory) {
		limit = len(s.changeHistory)
	}

	history := make([]ConfigChangeRecord, limit)
	copy(history, s.changeHistory[len(s.changeHistory)-limit:])
	return history
}

// recordChange 记录配置变更
func (s *ConfigService) recordChange(section string, oldValue, newValue interface{}, changedBy string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	// 历史记录封顶，避免无限增长
	if len(s.changeHistory) >= 1000 {
		s.changeHistory = s.changeHistory[1:]
	}

	s.changeHistory = append(s.changeHistory, ConfigChangeRecord{
		Timestamp: time.Now(),
		ChangedBy: changedBy,
		Section:   section,
		OldValue:  oldValue,
		NewValue:  newValue,
	})
}

// StartCacheRefresher 启动后台goroutine定期刷新配置缓存
func (s *ConfigService) StartCacheRefresher(refreshInterval time.Duration) {
	go func() {
		ticker := time.NewTicker(refreshInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				s.mu.Lock()
				s.cachedConfig = config.GetCurrentConfig()
				s.lastUpdated = time.Now()
				s.mu.Unlock()
			case <-s.stopRefresher:
				return
			}
		}
	}()
}

// StopCacheRefresher 停止配置缓存刷新
func (s *ConfigService) StopCacheRefresher() {
	s.refresherOnce.Do(func() { close(s.stopRefresher) })
}

// ConfigHealthCheck 检查配置完整性，供健康检查接口使用
type ConfigHealthCheck struct {
	configService *ConfigService
}

// NewConfigHealthCheck 创建配置健康检查器
func NewConfigHealthCheck(configService *ConfigService) *ConfigHealthCheck {
	return &ConfigHealthCheck{configService: configService}
}

// CheckHealth 逐项检查配置，返回检查结果与问题列表
func (c *ConfigHealthCheck) CheckHealth() map[string]interface{} {
	problems := make([]string, 0)

	cfg := c.configService.GetCurrentConfig()
	if cfg == nil {
		return map[string]interface{}{
			"healthy":  false,
			"problems": []string{"配置尚未加载"},
		}
	}

	if cfg.DataDir == "" {
		problems = append(problems, "数据目录未配置")
	}
	if cfg.DBPath == "" {
		problems = append(problems, "数据库路径未配置")
	}
	if cfg.LLMProvider == "" {
		problems = append(problems, "LLM提供商未配置")
	}

	apiKeyConfigured := cfg.LLMConfig["api_key"] != ""
	if !apiKeyConfigured {
		problems = append(problems, "API密钥未配置")
	}

	return map[string]interface{}{
		"healthy":            len(problems) == 0,
		"problems":           problems,
		"provider":           cfg.LLMProvider,
		"api_key_configured": apiKeyConfigured,
		"debug_mode":         cfg.DebugMode,
		"checked_at":         time.Now().Format(time.RFC3339),
	}
}
