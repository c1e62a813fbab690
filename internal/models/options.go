// internal/models/options.go
package models

import (
	"time"
)

// OptionOrigin 表示一组候选项由哪个环节产生，
// 选中后的写回动作由来源决定
type OptionOrigin string

const (
	// OriginHook 开场钩子候选
	OriginHook OptionOrigin = "hook"
	// OriginStory 故事方案候选
	OriginStory OptionOrigin = "story"
	// OriginCTA 行动号召候选
	OriginCTA OptionOrigin = "cta"
	// OriginReview 审阅意见候选
	OriginReview OptionOrigin = "review"
	// OriginHumanize 口语化改写候选
	OriginHumanize OptionOrigin = "humanize"
	// OriginStyle 风格建议候选
	OriginStyle OptionOrigin = "style"
	// OriginCritique 批评意见候选
	OriginCritique OptionOrigin = "critique"
	// OriginResearch 资料要点候选
	OriginResearch OptionOrigin = "research"
	// OriginSetupPlatform 引导向导的平台选择
	OriginSetupPlatform OptionOrigin = "setup_platform"
	// OriginSetupDuration 引导向导的时长选择
	OriginSetupDuration OptionOrigin = "setup_duration"
)

// OriginForCommand 返回内容生成指令对应的候选来源。
// 八个创作环节的来源值与指令关键词一一对应
func OriginForCommand(cmd CommandName) OptionOrigin {
	return OptionOrigin(cmd)
}

// Command 返回候选来源对应的创作指令；
// 向导来源没有对应指令，第二个返回值为false
func (o OptionOrigin) Command() (CommandName, bool) {
	cmd, ok := ParseCommandName(string(o))
	if !ok || !cmd.IsContentDomain() {
		return "", false
	}
	return cmd, true
}

// Candidate 表示呈现给用户的一个编号候选项
type Candidate struct {
	ID          string `json:"id"`
	Label       string `json:"label"`                 // 列表中展示的短文本
	Value       string `json:"value"`                 // 选中后写回的完整内容
	Description string `json:"description,omitempty"` // 补充说明，如预期效果
}

// PendingOptions 表示当前会话挂起的一组候选项。
// 同一时刻至多一组有效，新一批呈现即替换旧的一批。
type PendingOptions struct {
	Origin      OptionOrigin `json:"origin"`
	Items       []Candidate  `json:"items"`
	Edit        bool         `json:"edit,omitempty"`        // 由定向修改产生，采纳时原地覆盖且不推进阶段
	Instruction string       `json:"instruction,omitempty"` // 生成这批候选用的补充说明，换一批与追加润色时沿用
	PresentedAt time.Time    `json:"presented_at"`
}

// Count 返回候选项数量，nil安全
func (p *PendingOptions) Count() int {
	if p == nil {
		return 0
	}
	return len(p.Items)
}
