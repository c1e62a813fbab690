// internal/services/model_routing.go
package services

import (
	_ "embed"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/Draftsmith/ScriptForge/internal/models"
	"github.com/Draftsmith/ScriptForge/internal/utils"
)

//go:embed routing_defaults.yaml
var defaultRoutingYAML []byte

var routingValidate = validator.New()

// StepProfile 表示某个创作环节的采样参数与模型偏好
type StepProfile struct {
	Temperature float64  `yaml:"temperature" json:"temperature" validate:"min=0,max=2"`
	MaxTokens   int      `yaml:"max_tokens" json:"max_tokens" validate:"min=0,max=8192"`
	Model       string   `yaml:"model,omitempty" json:"model,omitempty"`
	Providers   []string `yaml:"providers,omitempty" json:"providers,omitempty" validate:"dive,oneof=openai anthropic deepseek google"`
}

// RoutingTable 表示完整的环节路由表
type RoutingTable struct {
	Default StepProfile            `yaml:"default" json:"default"`
	Steps   map[string]StepProfile `yaml:"steps" json:"steps" validate:"dive"`
}

// ModelRoutingService 按创作环节提供采样参数。
// 内置默认值随二进制发布，数据目录下的 routing.yaml 可逐环节覆盖
type ModelRoutingService struct {
	mu           sync.RWMutex
	table        RoutingTable
	overridePath string
}

// NewModelRoutingService 创建路由服务并加载内置与覆盖配置
func NewModelRoutingService(dataDir string) (*ModelRoutingService, error) {
	svc := &ModelRoutingService{
		overridePath: filepath.Join(dataDir, "routing.yaml"),
	}

	if err := yaml.Unmarshal(defaultRoutingYAML, &svc.table); err != nil {
		return nil, fmt.Errorf("解析内置路由表失败: %w", err)
	}
	if svc.table.Steps == nil {
		svc.table.Steps = make(map[string]StepProfile)
	}

	if err := svc.applyOverride(); err != nil {
		// 覆盖文件损坏时退回内置默认值，不阻塞启动
		utils.GetLogger().Warn("加载路由覆盖配置失败", map[string]interface{}{
			"path":  svc.overridePath,
			"error": err.Error(),
		})
	}

	return svc, nil
}

// applyOverride 读取 routing.yaml 并逐环节合并到当前表
func (s *ModelRoutingService) applyOverride() error {
	data, err := os.ReadFile(s.overridePath)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}

	var override RoutingTable
	if err := yaml.Unmarshal(data, &override); err != nil {
		return fmt.Errorf("解析 %s 失败: %w", s.overridePath, err)
	}
	if err := routingValidate.Struct(&override); err != nil {
		return fmt.Errorf("校验 %s 失败: %w", s.overridePath, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if override.Default.Temperature > 0 || override.Default.MaxTokens > 0 {
		s.table.Default = mergeProfile(s.table.Default, override.Default)
	}
	for step, profile := range override.Steps {
		base, ok := s.table.Steps[step]
		if !ok {
			base = s.table.Default
		}
		s.table.Steps[step] = mergeProfile(base, profile)
	}
	return nil
}

// mergeProfile 用 override 中的非零字段覆盖 base
func mergeProfile(base, override StepProfile) StepProfile {
	merged := base
	if override.Temperature > 0 {
		merged.Temperature = override.Temperature
	}
	if override.MaxTokens > 0 {
		merged.MaxTokens = override.MaxTokens
	}
	if override.Model != "" {
		merged.Model = override.Model
	}
	if len(override.Providers) > 0 {
		merged.Providers = append([]string{}, override.Providers...)
	}
	return merged
}

// ProfileFor 返回指定环节的采样参数，未配置的环节使用默认值。
// 零值字段同样回填默认值，保证调用方总能拿到可用参数
func (s *ModelRoutingService) ProfileFor(step models.CommandName) StepProfile {
	s.mu.RLock()
	defer s.mu.RUnlock()

	profile, ok := s.table.Steps[string(step)]
	if !ok {
		return s.table.Default
	}
	if profile.Temperature <= 0 {
		profile.Temperature = s.table.Default.Temperature
	}
	if profile.MaxTokens <= 0 {
		profile.MaxTokens = s.table.Default.MaxTokens
	}
	return profile
}

// Table 返回路由表的副本，供状态接口展示
func (s *ModelRoutingService) Table() RoutingTable {
	s.mu.RLock()
	defer s.mu.RUnlock()

	copied := RoutingTable{
		Default: s.table.Default,
		Steps:   make(map[string]StepProfile, len(s.table.Steps)),
	}
	for step, profile := range s.table.Steps {
		copied.Steps[step] = profile
	}
	return copied
}

// Reload 重新加载内置默认值与覆盖配置
func (s *ModelRoutingService) Reload() error {
	var fresh RoutingTable
	if err := yaml.Unmarshal(defaultRoutingYAML, &fresh); err != nil {
		return fmt.Errorf("解析内置路由表失败: %w", err)
	}
	if fresh.Steps == nil {
		fresh.Steps = make(map[string]StepProfile)
	}

	s.mu.Lock()
	s.table = fresh
	s.mu.Unlock()

	return s.applyOverride()
}
