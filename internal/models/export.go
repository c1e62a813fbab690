// internal/models/export.go
package models

import (
	"strings"
	"time"
)

// ExportFormat 支持的导出格式
type ExportFormat string

const (
	ExportFormatMarkdown ExportFormat = "markdown"
	ExportFormatText     ExportFormat = "txt"
	ExportFormatHTML     ExportFormat = "html"
	ExportFormatJSON     ExportFormat = "json"
)

// ParseExportFormat 识别导出格式，兼容常见别名
func ParseExportFormat(s string) (ExportFormat, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "markdown", "md":
		return ExportFormatMarkdown, true
	case "txt", "text", "plain":
		return ExportFormatText, true
	case "html":
		return ExportFormatHTML, true
	case "json":
		return ExportFormatJSON, true
	default:
		return "", false
	}
}

// ExportResult 导出结果
type ExportResult struct {
	ConversationID string             `json:"conversation_id"`
	Title          string             `json:"title"`
	Format         string             `json:"format"`
	Content        string             `json:"content"`
	GeneratedAt    time.Time          `json:"generated_at"`
	FilePath       string             `json:"file_path"` // 导出文件路径
	FileSize       int64              `json:"file_size"` // 文件大小
	Stats          *ScriptExportStats `json:"stats,omitempty"`
}

// ScriptExportStats 脚本导出统计
type ScriptExportStats struct {
	HookWords      int     `json:"hook_words"`
	StoryWords     int     `json:"story_words"`
	CTAWords       int     `json:"cta_words"`
	TotalWords     int     `json:"total_words"`
	EstimatedSecs  float64 `json:"estimated_secs"`  // 按口播语速估算的时长
	ComponentCount int     `json:"component_count"` // 已填充的核心组件数
}
