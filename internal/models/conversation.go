// internal/models/conversation.go
package models

import (
	"time"
)

// MessageRole 表示消息的发出方
type MessageRole string

const (
	RoleUser      MessageRole = "user"
	RoleAssistant MessageRole = "assistant"
	RoleSystem    MessageRole = "system"
)

// Message 表示会话中的一条消息
type Message struct {
	ID             int64       `json:"id"`
	ConversationID string      `json:"conversation_id"`
	Role           MessageRole `json:"role"`
	Content        string      `json:"content"`
	Timestamp      time.Time   `json:"timestamp"`
}

// ConversationSummary 表示会话列表中的一条摘要，
// 不携带完整状态与消息体
type ConversationSummary struct {
	ID        string       `json:"id"`
	Title     string       `json:"title"`
	Topic     string       `json:"topic"`
	Platform  Platform     `json:"platform"`
	Phase     Phase        `json:"phase"`
	Status    ScriptStatus `json:"status"`
	CreatedAt time.Time    `json:"created_at"`
	UpdatedAt time.Time    `json:"updated_at"`
}

// SetupStage 表示引导向导的进度
type SetupStage string

const (
	// SetupStageNone 未进入向导或已结束
	SetupStageNone SetupStage = ""
	// SetupStageTopic 等待用户给出主题
	SetupStageTopic SetupStage = "topic"
	// SetupStageAudience 等待用户描述目标受众
	SetupStageAudience SetupStage = "audience"
	// SetupStageDone 向导完成
	SetupStageDone SetupStage = "done"
)

// Conversation 表示一次完整的脚本创作会话：
// 状态快照、消息历史、挂起候选与路由上下文。
// 除Messages外整体持久化，崩溃后可原样恢复
type Conversation struct {
	State    *ScriptState    `json:"state"`
	Messages []Message       `json:"messages,omitempty"`
	Pending  *PendingOptions `json:"pending,omitempty"`

	// ExtraContext 累积的自由文本，在下一次创作指令时拼入上下文
	ExtraContext string `json:"extra_context,omitempty"`
	// ImpliedDomain 最近一次助手提示所处的创作环节
	ImpliedDomain CommandName `json:"implied_domain,omitempty"`
	// Setup 引导向导的当前进度
	Setup SetupStage `json:"setup,omitempty"`
}

// AppendExtraContext 累积一段自由文本，供下一次创作指令使用
func (c *Conversation) AppendExtraContext(text string) {
	if text == "" {
		return
	}
	if c.ExtraContext == "" {
		c.ExtraContext = text
		return
	}
	c.ExtraContext += "\n" + text
}

// ConsumeExtraContext 取出累积的上下文并清空
func (c *Conversation) ConsumeExtraContext() string {
	text := c.ExtraContext
	c.ExtraContext = ""
	return text
}

// Summary 从完整会话提取摘要
func (c *Conversation) Summary() ConversationSummary {
	s := ConversationSummary{}
	if c.State != nil {
		s.ID = c.State.ID
		s.Title = c.State.Title
		s.Topic = c.State.Topic
		s.Platform = c.State.Platform
		s.Phase = c.State.Phase
		s.Status = c.State.Status
		s.CreatedAt = c.State.CreatedAt
		s.UpdatedAt = c.State.UpdatedAt
	}
	return s
}
