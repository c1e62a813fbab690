// internal/models/script_test.go
package models

import (
	"testing"
)

func TestParsePlatform(t *testing.T) {
	tests := []struct {
		in   string
		want Platform
	}{
		{"youtube", PlatformYouTube},
		{"  YouTube ", PlatformYouTube},
		{"TIKTOK", PlatformTikTok},
		{"instagram", PlatformInstagram},
		{"LinkedIn", PlatformLinkedIn},
		{"generic", PlatformGeneric},
		{"vimeo", PlatformGeneric},
		{"", PlatformGeneric},
	}

	for _, tt := range tests {
		if got := ParsePlatform(tt.in); got != tt.want {
			t.Errorf("ParsePlatform(%q) = %q, 期望 %q", tt.in, got, tt.want)
		}
	}
}

func TestNormalizeDuration(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"已规整的分钟", "2 minutes", "2 minutes"},
		{"紧凑秒数", "90s", "90 seconds"},
		{"秒数缩写", "90 secs", "90 seconds"},
		{"分钟缩写", "2 min", "2 minutes"},
		{"单数单位", "About 1 Minute", "1 minute"},
		{"小时换算成分钟", "3 hours", "180 minutes"},
		{"单小时", "1h", "60 minutes"},
		{"夹在语句里", "about 90 seconds or so", "90 seconds"},
		{"无单位大数按秒", "45", "45 seconds"},
		{"无单位小数按分钟", "5", "5 minutes"},
		{"零值原样返回", "0 seconds", "0 seconds"},
		{"无数字原样返回", "soon", "soon"},
		{"空输入", "", ""},
		{"空白输入", "   ", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := NormalizeDuration(tt.in); got != tt.want {
				t.Errorf("NormalizeDuration(%q) = %q, 期望 %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestPhaseAfter(t *testing.T) {
	if !PhaseStoryDrafted.After(PhaseHookDrafted) {
		t.Error("story_drafted应在hook_drafted之后")
	}
	if PhaseHookDrafted.After(PhaseHookDrafted) {
		t.Error("相同阶段不构成之后")
	}
	if PhaseEmpty.After(PhaseComplete) {
		t.Error("empty不应在complete之后")
	}
}

func TestAdvancePhaseForwardOnly(t *testing.T) {
	s := NewScriptState("conv-1")

	s.AdvancePhase(PhaseStoryDrafted)
	if s.Phase != PhaseStoryDrafted {
		t.Fatalf("阶段 = %q, 期望 %q", s.Phase, PhaseStoryDrafted)
	}
	if s.Status != StatusInProgress {
		t.Errorf("状态 = %q, 期望 %q", s.Status, StatusInProgress)
	}

	// 回退的目标被忽略
	s.AdvancePhase(PhaseHookDrafted)
	if s.Phase != PhaseStoryDrafted {
		t.Errorf("回退后阶段 = %q, 期望保持 %q", s.Phase, PhaseStoryDrafted)
	}

	s.AdvancePhase(PhaseComplete)
	if s.Phase != PhaseComplete {
		t.Fatalf("阶段 = %q, 期望 %q", s.Phase, PhaseComplete)
	}
	if s.Status != StatusComplete {
		t.Errorf("完成后状态 = %q, 期望 %q", s.Status, StatusComplete)
	}

	// 完成后的回退同样被忽略且状态不变
	s.AdvancePhase(PhaseReviewed)
	if s.Phase != PhaseComplete || s.Status != StatusComplete {
		t.Errorf("完成态被回退目标破坏: phase=%q status=%q", s.Phase, s.Status)
	}
}

func TestNewScriptStateDefaults(t *testing.T) {
	s := NewScriptState("conv-9")

	if s.ID != "conv-9" {
		t.Errorf("ID = %q, 期望 conv-9", s.ID)
	}
	if s.Platform != PlatformGeneric {
		t.Errorf("平台 = %q, 期望 %q", s.Platform, PlatformGeneric)
	}
	if s.Phase != PhaseEmpty {
		t.Errorf("阶段 = %q, 期望 %q", s.Phase, PhaseEmpty)
	}
	if s.Status != StatusInProgress {
		t.Errorf("状态 = %q, 期望 %q", s.Status, StatusInProgress)
	}
	if s.CreatedAt.IsZero() || !s.CreatedAt.Equal(s.UpdatedAt) {
		t.Error("创建时间与更新时间应同时初始化")
	}

	if s.SetupComplete() {
		t.Error("未设置主题时前置信息不应就绪")
	}
	s.Topic = "咖啡冲煮入门"
	if !s.SetupComplete() {
		t.Error("设置主题后前置信息应就绪")
	}
}

func TestFilledCountCountsCoreComponentsOnly(t *testing.T) {
	var c ScriptComponents
	if got := c.FilledCount(); got != 0 {
		t.Errorf("空组件 FilledCount = %d, 期望0", got)
	}

	c.Hook = Component{Content: "开场白"}
	c.ReviewNotes = Component{Content: "审阅意见"}
	if got := c.FilledCount(); got != 1 {
		t.Errorf("仅hook填充时 FilledCount = %d, 期望1（辅助组件不计入）", got)
	}

	c.Story = Component{Content: "正文"}
	c.CTA = Component{Content: "订阅"}
	if got := c.FilledCount(); got != 3 {
		t.Errorf("三个核心组件填充后 FilledCount = %d, 期望3", got)
	}
}

func TestHasAnyIncludesAuxiliaryComponents(t *testing.T) {
	var c ScriptComponents
	if c.HasAny() {
		t.Error("空组件不应报告有内容")
	}

	c.StyleNotes = Component{Content: "语气更随意"}
	if !c.HasAny() {
		t.Error("仅辅助组件填充时也应报告有内容")
	}

	c = ScriptComponents{ResearchNotes: Component{Content: "要点一"}}
	if !c.HasAny() {
		t.Error("调研要点填充时应报告有内容")
	}
}
