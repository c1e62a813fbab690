// internal/models/script.go
package models

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// Platform 表示脚本面向的发布平台
type Platform string

const (
	// PlatformYouTube 面向YouTube中长视频
	PlatformYouTube Platform = "youtube"
	// PlatformTikTok 面向TikTok竖屏短视频
	PlatformTikTok Platform = "tiktok"
	// PlatformInstagram 面向Instagram Reels
	PlatformInstagram Platform = "instagram"
	// PlatformLinkedIn 面向LinkedIn专业内容
	PlatformLinkedIn Platform = "linkedin"
	// PlatformGeneric 通用平台，不做平台特化
	PlatformGeneric Platform = "generic"
)

// AllPlatforms 返回支持的平台列表（顺序固定，引导向导按此编号出选项）
func AllPlatforms() []Platform {
	return []Platform{
		PlatformYouTube,
		PlatformTikTok,
		PlatformInstagram,
		PlatformLinkedIn,
		PlatformGeneric,
	}
}

// ParsePlatform 解析平台名称，未识别时回退为通用平台
func ParsePlatform(s string) Platform {
	switch Platform(strings.ToLower(strings.TrimSpace(s))) {
	case PlatformYouTube:
		return PlatformYouTube
	case PlatformTikTok:
		return PlatformTikTok
	case PlatformInstagram:
		return PlatformInstagram
	case PlatformLinkedIn:
		return PlatformLinkedIn
	default:
		return PlatformGeneric
	}
}

// Phase 表示脚本创作阶段
type Phase string

const (
	// PhaseEmpty 尚未产出任何组件
	PhaseEmpty Phase = "empty"
	// PhaseHookDrafted 开场钩子已定稿
	PhaseHookDrafted Phase = "hook_drafted"
	// PhaseStoryDrafted 正文故事已定稿
	PhaseStoryDrafted Phase = "story_drafted"
	// PhaseCTADrafted 行动号召已定稿
	PhaseCTADrafted Phase = "cta_drafted"
	// PhaseReviewed 审阅意见已生成
	PhaseReviewed Phase = "reviewed"
	// PhaseHumanized 口语化润色已完成
	PhaseHumanized Phase = "humanized"
	// PhaseComplete 全部组件齐备，脚本完成
	PhaseComplete Phase = "complete"
)

// phaseOrder 定义阶段推进顺序，阶段只进不退
var phaseOrder = map[Phase]int{
	PhaseEmpty:        0,
	PhaseHookDrafted:  1,
	PhaseStoryDrafted: 2,
	PhaseCTADrafted:   3,
	PhaseReviewed:     4,
	PhaseHumanized:    5,
	PhaseComplete:     6,
}

// After 判断阶段p是否位于other之后
func (p Phase) After(other Phase) bool {
	return phaseOrder[p] > phaseOrder[other]
}

// ScriptStatus 由阶段推导，冗余存储以便列表页廉价过滤
type ScriptStatus string

const (
	// StatusInProgress 脚本尚未完成
	StatusInProgress ScriptStatus = "in_progress"
	// StatusComplete 脚本已完成
	StatusComplete ScriptStatus = "complete"
)

// Component 表示一个被采纳的脚本组件：
// 采纳的正文加上候选阶段的生成元数据
type Component struct {
	Label       string    `json:"label,omitempty"`       // 候选列表中的短标题
	Content     string    `json:"content"`               // 采纳的正文
	Description string    `json:"description,omitempty"` // 生成时附带的说明
	AcceptedAt  time.Time `json:"accepted_at,omitempty"` // 采纳时间
	Revisions   int       `json:"revisions,omitempty"`   // 被定向修改覆盖的次数
}

// IsEmpty 判断组件是否尚未填充
func (c Component) IsEmpty() bool {
	return c.Content == ""
}

// ScriptComponents 表示脚本的各个组成部分
type ScriptComponents struct {
	Hook          Component `json:"hook"`           // 开场钩子
	Story         Component `json:"story"`          // 正文故事
	CTA           Component `json:"cta"`            // 行动号召
	ReviewNotes   Component `json:"review_notes"`   // 审阅意见
	StyleNotes    Component `json:"style_notes"`    // 风格与润色记录
	ResearchNotes Component `json:"research_notes"` // 选题调研要点
}

// FilledCount 返回已填充的核心组件数量（hook/story/cta）
func (c ScriptComponents) FilledCount() int {
	n := 0
	if !c.Hook.IsEmpty() {
		n++
	}
	if !c.Story.IsEmpty() {
		n++
	}
	if !c.CTA.IsEmpty() {
		n++
	}
	return n
}

// HasAny 判断是否已有任何组件内容（含辅助组件）
func (c ScriptComponents) HasAny() bool {
	return !c.Hook.IsEmpty() || !c.Story.IsEmpty() || !c.CTA.IsEmpty() ||
		!c.ReviewNotes.IsEmpty() || !c.StyleNotes.IsEmpty() || !c.ResearchNotes.IsEmpty()
}

// ScriptState 表示一次脚本创作会话的完整状态
type ScriptState struct {
	ID             string           `json:"id"`
	Title          string           `json:"title"`
	Topic          string           `json:"topic"`           // 视频主题
	Platform       Platform         `json:"platform"`        // 目标平台
	TargetAudience string           `json:"target_audience"` // 目标受众
	VideoDuration  string           `json:"video_duration"`  // 目标时长，如"60 seconds"
	Phase          Phase            `json:"phase"`           // 当前创作阶段
	Components     ScriptComponents `json:"components"`      // 脚本组件
	Status         ScriptStatus     `json:"status"`
	CreatedAt      time.Time        `json:"created_at"`
	UpdatedAt      time.Time        `json:"updated_at"`
}

// NewScriptState 创建一个空白的脚本会话状态
func NewScriptState(id string) *ScriptState {
	now := time.Now()
	return &ScriptState{
		ID:        id,
		Platform:  PlatformGeneric,
		Phase:     PhaseEmpty,
		Status:    StatusInProgress,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// durationPattern 匹配时长表述中的数字与可选单位
var durationPattern = regexp.MustCompile(`(\d+)\s*(seconds?|secs?|minutes?|mins?|hours?|hrs?|[smh])?\b`)

// NormalizeDuration 将时长的自由表述规整为"N seconds|minutes"。
// 识别不出数字时原样返回
func NormalizeDuration(raw string) string {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return ""
	}

	m := durationPattern.FindStringSubmatch(strings.ToLower(trimmed))
	if m == nil {
		return trimmed
	}

	n, err := strconv.Atoi(m[1])
	if err != nil || n <= 0 {
		return trimmed
	}

	switch {
	case strings.HasPrefix(m[2], "s"):
		return formatDuration(n, "second")
	case strings.HasPrefix(m[2], "m"):
		return formatDuration(n, "minute")
	case strings.HasPrefix(m[2], "h"):
		return formatDuration(n*60, "minute")
	}

	// 无单位时：小数值按分钟理解，大数值按秒
	if n < 15 {
		return formatDuration(n, "minute")
	}
	return formatDuration(n, "second")
}

func formatDuration(n int, unit string) string {
	if n == 1 {
		return "1 " + unit
	}
	return fmt.Sprintf("%d %ss", n, unit)
}

// SetupComplete 判断创作前置信息（主题）是否已就绪
func (s *ScriptState) SetupComplete() bool {
	return s.Topic != ""
}

// AdvancePhase 将阶段推进到target，低于当前阶段的目标会被忽略。
// 状态字段随阶段同步更新
func (s *ScriptState) AdvancePhase(target Phase) {
	if target.After(s.Phase) {
		s.Phase = target
	}
	if s.Phase == PhaseComplete {
		s.Status = StatusComplete
	}
}

// Touch 刷新更新时间
func (s *ScriptState) Touch() {
	s.UpdatedAt = time.Now()
}
