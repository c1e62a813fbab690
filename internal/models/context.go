// internal/models/context.go
package models

import (
	"time"
)

// ContextDocument 表示为会话补充的一份背景资料，
// 来自URL抓取或直接粘贴的文本
type ContextDocument struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversation_id"`
	SourceURL      string    `json:"source_url,omitempty"` // 抓取来源，粘贴文本时为空
	Title          string    `json:"title"`
	Content        string    `json:"content"` // 清洗后的正文
	Excerpt        string    `json:"excerpt"` // 摘要片段
	AddedAt        time.Time `json:"added_at"`
}

// ToneSample 表示用户提供的语气样本，
// 口语化润色时用作风格参照
type ToneSample struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversation_id"`
	Label          string    `json:"label"` // 样本名称，如"我之前的视频文案"
	Content        string    `json:"content"`
	AddedAt        time.Time `json:"added_at"`
}
