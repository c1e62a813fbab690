// internal/services/config_service_test.go
package services

import (
	"testing"
	"time"

	"github.com/Draftsmith/ScriptForge/internal/config"
)

// initTestConfig 初始化全局配置到临时目录。
// 全局配置跨测试存续，退出前抹掉密钥，避免影响后续的就绪判定
func initTestConfig(t *testing.T) {
	t.Helper()
	t.Setenv("DEFAULT_PROVIDER", "openai")
	t.Setenv("OPENAI_API_KEY", "")

	if err := config.InitConfig(t.TempDir()); err != nil {
		t.Fatalf("初始化配置失败: %v", err)
	}
	t.Cleanup(func() {
		if err := config.UpdateLLMConfig("openai", map[string]string{"api_key": ""}); err != nil {
			t.Errorf("还原配置失败: %v", err)
		}
	})
}

func TestValidateAPIKey(t *testing.T) {
	s := NewConfigService()

	tests := []struct {
		name     string
		provider string
		key      string
		valid    bool
	}{
		{"空密钥", "openai", "", false},
		{"只有空白", "openai", "   ", false},
		{"过短", "openai", "sk-short", false},
		{"openai合法前缀", "openai", "sk-0123456789abcdef0123", true},
		{"openai缺前缀", "openai", "0123456789abcdef0123", false},
		{"deepseek合法前缀", "deepseek", "sk-0123456789abcdef0123", true},
		{"anthropic需要专属前缀", "anthropic", "sk-0123456789abcdef0123", false},
		{"anthropic合法前缀", "anthropic", "sk-ant-0123456789abcdef", true},
		{"未知提供商只查长度", "custom", "any-long-enough-key-here", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			valid, reason := s.ValidateAPIKey(tt.provider, tt.key)
			if valid != tt.valid {
				t.Errorf("ValidateAPIKey(%s, %q) = %v (%s)，期望%v",
					tt.provider, tt.key, valid, reason, tt.valid)
			}
			if !valid && reason == "" {
				t.Error("拒绝时应给出原因")
			}
		})
	}
}

func TestUpdateLLMConfigRequiresProvider(t *testing.T) {
	s := NewConfigService()
	if err := s.UpdateLLMConfig("", map[string]string{"api_key": "sk-x"}, "tester"); err == nil {
		t.Error("空提供商应被拒绝")
	}
}

func TestUpdateLLMConfigFillsDefaultModel(t *testing.T) {
	initTestConfig(t)
	s := NewConfigService()

	err := s.UpdateLLMConfig("anthropic", map[string]string{
		"api_key": "sk-ant-0123456789abcdef",
	}, "tester")
	if err != nil {
		t.Fatalf("更新配置失败: %v", err)
	}

	cfg := s.GetCurrentConfig()
	if cfg.LLMProvider != "anthropic" {
		t.Errorf("提供商应已切换，实际%q", cfg.LLMProvider)
	}
	if got := cfg.LLMConfig["default_model"]; got != providerDefaultModels["anthropic"] {
		t.Errorf("未指定模型时应补提供商默认值，得到%q", got)
	}

	// 显式指定的模型不被覆盖
	err = s.UpdateLLMConfig("openai", map[string]string{
		"api_key":       "sk-0123456789abcdef0123",
		"default_model": "gpt-4o-mini",
	}, "tester")
	if err != nil {
		t.Fatalf("更新配置失败: %v", err)
	}
	if got := s.GetCurrentConfig().LLMConfig["default_model"]; got != "gpt-4o-mini" {
		t.Errorf("显式模型不应被覆盖，得到%q", got)
	}
}

func TestUpdateLLMConfigRecordsHistory(t *testing.T) {
	initTestConfig(t)
	s := NewConfigService()

	if err := s.UpdateLLMConfig("deepseek", map[string]string{"api_key": "sk-0123456789abcdef0123"}, "admin"); err != nil {
		t.Fatalf("更新配置失败: %v", err)
	}

	history := s.GetChangeHistory(0)
	if len(history) != 1 {
		t.Fatalf("应有1条变更记录，得到%d条", len(history))
	}
	record := history[0]
	if record.Section != "llm_provider" || record.NewValue != "deepseek" || record.ChangedBy != "admin" {
		t.Errorf("变更记录不符: %+v", record)
	}
	if record.Timestamp.IsZero() {
		t.Error("变更记录应带时间戳")
	}
}

type stubSubscriber struct {
	notified chan string
}

func (s *stubSubscriber) OnConfigChanged(oldConfig, newConfig *config.AppConfig) {
	s.notified <- newConfig.LLMProvider
}

func TestConfigChangeNotifiesSubscribers(t *testing.T) {
	initTestConfig(t)
	s := NewConfigService()

	sub := &stubSubscriber{notified: make(chan string, 2)}
	s.SubscribeToChanges(sub)

	if err := s.UpdateLLMConfig("deepseek", map[string]string{"api_key": "sk-0123456789abcdef0123"}, "tester"); err != nil {
		t.Fatalf("更新配置失败: %v", err)
	}

	select {
	case provider := <-sub.notified:
		if provider != "deepseek" {
			t.Errorf("订阅者应收到新配置，得到%q", provider)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("订阅者未收到配置变更通知")
	}

	s.UnsubscribeFromChanges(sub)
	if err := s.UpdateLLMConfig("openai", map[string]string{"api_key": "sk-0123456789abcdef0123"}, "tester"); err != nil {
		t.Fatalf("更新配置失败: %v", err)
	}
	select {
	case provider := <-sub.notified:
		t.Errorf("退订后不应再收到通知，得到%q", provider)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestConfigHealthCheck(t *testing.T) {
	initTestConfig(t)
	s := NewConfigService()
	check := NewConfigHealthCheck(s)

	result := check.CheckHealth()
	if result["healthy"] != false {
		t.Errorf("缺密钥时应不健康: %+v", result)
	}
	problems, ok := result["problems"].([]string)
	if !ok || len(problems) == 0 {
		t.Fatalf("应列出具体问题: %+v", result)
	}

	if err := s.UpdateLLMConfig("openai", map[string]string{"api_key": "sk-0123456789abcdef0123"}, "tester"); err != nil {
		t.Fatalf("更新配置失败: %v", err)
	}

	result = check.CheckHealth()
	if result["healthy"] != true {
		t.Errorf("配置补全后应健康: %+v", result)
	}
	if result["api_key_configured"] != true {
		t.Errorf("密钥状态应为已配置: %+v", result)
	}
	if result["provider"] != "openai" {
		t.Errorf("健康结果应带提供商: %+v", result)
	}
}
