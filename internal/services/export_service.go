// internal/services/export_service.go
package services

import (
	"encoding/json"
	"fmt"
	"html"
	"path/filepath"
	"strings"
	"time"

	apperrors "github.com/Draftsmith/ScriptForge/internal/errors"
	"github.com/Draftsmith/ScriptForge/internal/models"
	"github.com/Draftsmith/ScriptForge/internal/storage"
	"github.com/Draftsmith/ScriptForge/internal/utils"
)

// 口播语速估算，普通人约每分钟150词
const spokenWordsPerMinute = 150.0

// ExportService 脚本导出服务：
// 把已采纳的各环节组件拼装成完整脚本文本，支持多种格式与落盘下载
type ExportService struct {
	storage *storage.FileStorage
	logger  *utils.Logger
}

// NewExportService 创建导出服务
func NewExportService(fileStorage *storage.FileStorage) *ExportService {
	return &ExportService{
		storage: fileStorage,
		logger:  utils.GetLogger(),
	}
}

// Render 生成指定格式的脚本文本，不落盘
func (s *ExportService) Render(conv *models.Conversation, format models.ExportFormat) (string, error) {
	if conv == nil || conv.State == nil {
		return "", apperrors.NewValidationError("会话数据不能为空", nil)
	}

	switch format {
	case models.ExportFormatMarkdown:
		return s.renderMarkdown(conv.State), nil
	case models.ExportFormatText:
		return s.renderText(conv.State), nil
	case models.ExportFormatHTML:
		return s.renderHTML(conv.State), nil
	case models.ExportFormatJSON:
		return s.renderJSON(conv.State)
	default:
		return "", apperrors.NewValidationError(
			fmt.Sprintf("不支持的导出格式: %s", format), nil)
	}
}

// BuildResult 生成导出结果（内容加统计），不落盘
func (s *ExportService) BuildResult(conv *models.Conversation, format models.ExportFormat) (*models.ExportResult, error) {
	content, err := s.Render(conv, format)
	if err != nil {
		return nil, err
	}

	state := conv.State
	return &models.ExportResult{
		ConversationID: state.ID,
		Title:          exportTitle(state),
		Format:         string(format),
		Content:        content,
		GeneratedAt:    time.Now(),
		Stats:          buildExportStats(state),
	}, nil
}

// ExportToFile 生成脚本文本并写入导出目录，返回带文件信息的结果
func (s *ExportService) ExportToFile(conv *models.Conversation, format models.ExportFormat) (*models.ExportResult, error) {
	result, err := s.BuildResult(conv, format)
	if err != nil {
		return nil, err
	}

	dir := filepath.Join("exports", result.ConversationID)
	filename := fmt.Sprintf("script_%s.%s",
		time.Now().Format("20060102_150405"), exportExtension(models.ExportFormat(result.Format)))

	if err := s.storage.SaveText(dir, filename, result.Content); err != nil {
		return nil, apperrors.NewPersistenceError("保存导出文件失败", err)
	}

	result.FilePath = s.storage.FullPath(dir, filename)
	result.FileSize = int64(len(result.Content))

	s.logger.Info("脚本已导出", map[string]interface{}{
		"conversation_id": result.ConversationID,
		"format":          result.Format,
		"file":            result.FilePath,
		"size":            result.FileSize,
	})
	return result, nil
}

func exportExtension(format models.ExportFormat) string {
	switch format {
	case models.ExportFormatMarkdown:
		return "md"
	case models.ExportFormatHTML:
		return "html"
	case models.ExportFormatJSON:
		return "json"
	default:
		return "txt"
	}
}

func exportTitle(state *models.ScriptState) string {
	if state.Title != "" {
		return state.Title
	}
	if state.Topic != "" {
		return state.Topic
	}
	return "Untitled script"
}

// buildExportStats 统计各组件词数并按口播语速估算时长
func buildExportStats(state *models.ScriptState) *models.ScriptExportStats {
	c := state.Components
	stats := &models.ScriptExportStats{
		HookWords:  len(strings.Fields(c.Hook.Content)),
		StoryWords: len(strings.Fields(c.Story.Content)),
		CTAWords:   len(strings.Fields(c.CTA.Content)),
	}
	stats.TotalWords = stats.HookWords + stats.StoryWords + stats.CTAWords
	stats.EstimatedSecs = float64(stats.TotalWords) / spokenWordsPerMinute * 60

	for _, component := range []models.Component{c.Hook, c.Story, c.CTA} {
		if !component.IsEmpty() {
			stats.ComponentCount++
		}
	}
	return stats
}

// scriptSection 导出时的固定段落顺序
type scriptSection struct {
	heading   string
	component models.Component
}

func scriptSections(state *models.ScriptState) []scriptSection {
	c := state.Components
	return []scriptSection{
		{"HOOK", c.Hook},
		{"STORY", c.Story},
		{"CALL TO ACTION", c.CTA},
	}
}

// noteSections 附加在脚本正文之后的工作笔记
func noteSections(state *models.ScriptState) []scriptSection {
	c := state.Components
	return []scriptSection{
		{"REVIEW NOTES", c.ReviewNotes},
		{"STYLE NOTES", c.StyleNotes},
		{"RESEARCH NOTES", c.ResearchNotes},
	}
}

func (s *ExportService) renderMarkdown(state *models.ScriptState) string {
	var b strings.Builder
	stats := buildExportStats(state)

	fmt.Fprintf(&b, "# %s\n\n", exportTitle(state))

	var meta []string
	if state.Platform != "" {
		meta = append(meta, fmt.Sprintf("**Platform:** %s", state.Platform))
	}
	if state.VideoDuration != "" {
		meta = append(meta, fmt.Sprintf("**Target length:** %s", state.VideoDuration))
	}
	if state.TargetAudience != "" {
		meta = append(meta, fmt.Sprintf("**Audience:** %s", state.TargetAudience))
	}
	if stats.TotalWords > 0 {
		meta = append(meta, fmt.Sprintf("**~%d words, ~%.0fs spoken**", stats.TotalWords, stats.EstimatedSecs))
	}
	if len(meta) > 0 {
		b.WriteString(strings.Join(meta, " · "))
		b.WriteString("\n\n")
	}

	for _, section := range scriptSections(state) {
		if section.component.IsEmpty() {
			continue
		}
		fmt.Fprintf(&b, "## %s\n\n", section.heading)
		if section.component.Label != "" && section.component.Label != section.component.Content {
			fmt.Fprintf(&b, "_%s_\n\n", section.component.Label)
		}
		b.WriteString(section.component.Content)
		b.WriteString("\n\n")
	}

	notes := false
	for _, section := range noteSections(state) {
		if section.component.IsEmpty() {
			continue
		}
		if !notes {
			b.WriteString("---\n\n")
			notes = true
		}
		fmt.Fprintf(&b, "## %s\n\n%s\n\n", section.heading, section.component.Content)
	}

	fmt.Fprintf(&b, "---\n\n_Exported %s_\n", time.Now().Format("2006-01-02 15:04"))
	return b.String()
}

func (s *ExportService) renderText(state *models.ScriptState) string {
	var b strings.Builder

	title := exportTitle(state)
	b.WriteString(title + "\n")
	b.WriteString(strings.Repeat("=", len(title)) + "\n\n")

	if state.Platform != "" {
		fmt.Fprintf(&b, "Platform: %s\n", state.Platform)
	}
	if state.VideoDuration != "" {
		fmt.Fprintf(&b, "Target length: %s\n", state.VideoDuration)
	}
	if state.TargetAudience != "" {
		fmt.Fprintf(&b, "Audience: %s\n", state.TargetAudience)
	}
	b.WriteString("\n")

	for _, section := range append(scriptSections(state), noteSections(state)...) {
		if section.component.IsEmpty() {
			continue
		}
		b.WriteString(section.heading + "\n")
		b.WriteString(strings.Repeat("-", len(section.heading)) + "\n")
		b.WriteString(section.component.Content)
		b.WriteString("\n\n")
	}

	fmt.Fprintf(&b, "Exported %s\n", time.Now().Format("2006-01-02 15:04"))
	return b.String()
}

func (s *ExportService) renderHTML(state *models.ScriptState) string {
	var b strings.Builder
	stats := buildExportStats(state)

	b.WriteString("<!DOCTYPE html>\n<html lang=\"en\">\n<head>\n<meta charset=\"utf-8\">\n")
	fmt.Fprintf(&b, "<title>%s</title>\n", html.EscapeString(exportTitle(state)))
	b.WriteString("<style>\n")
	b.WriteString("body { font-family: -apple-system, 'Segoe UI', sans-serif; max-width: 720px; margin: 2rem auto; padding: 0 1rem; line-height: 1.6; color: #1a1a1a; }\n")
	b.WriteString("h1 { border-bottom: 2px solid #eee; padding-bottom: .5rem; }\n")
	b.WriteString("h2 { color: #2563eb; margin-top: 2rem; }\n")
	b.WriteString(".meta { color: #666; font-size: .9rem; }\n")
	b.WriteString(".notes { border-top: 1px solid #eee; margin-top: 2rem; padding-top: 1rem; }\n")
	b.WriteString("</style>\n</head>\n<body>\n")

	fmt.Fprintf(&b, "<h1>%s</h1>\n", html.EscapeString(exportTitle(state)))
	fmt.Fprintf(&b, "<p class=\"meta\">%s · %s · ~%d words (~%.0fs spoken)</p>\n",
		html.EscapeString(string(state.Platform)),
		html.EscapeString(orPlaceholder(state.VideoDuration, "no target length")),
		stats.TotalWords, stats.EstimatedSecs)

	for _, section := range scriptSections(state) {
		if section.component.IsEmpty() {
			continue
		}
		fmt.Fprintf(&b, "<h2>%s</h2>\n", section.heading)
		for _, paragraph := range strings.Split(section.component.Content, "\n\n") {
			if paragraph = strings.TrimSpace(paragraph); paragraph != "" {
				fmt.Fprintf(&b, "<p>%s</p>\n", html.EscapeString(paragraph))
			}
		}
	}

	notes := false
	for _, section := range noteSections(state) {
		if section.component.IsEmpty() {
			continue
		}
		if !notes {
			b.WriteString("<div class=\"notes\">\n")
			notes = true
		}
		fmt.Fprintf(&b, "<h2>%s</h2>\n<p>%s</p>\n",
			section.heading, html.EscapeString(section.component.Content))
	}
	if notes {
		b.WriteString("</div>\n")
	}

	fmt.Fprintf(&b, "<p class=\"meta\">Exported %s</p>\n", time.Now().Format("2006-01-02 15:04"))
	b.WriteString("</body>\n</html>\n")
	return b.String()
}

func (s *ExportService) renderJSON(state *models.ScriptState) (string, error) {
	envelope := map[string]interface{}{
		"script": state,
		"stats":  buildExportStats(state),
		"export_info": map[string]interface{}{
			"generated_at": time.Now().Format(time.RFC3339),
			"format":       "json",
		},
	}

	data, err := json.MarshalIndent(envelope, "", "  ")
	if err != nil {
		return "", apperrors.NewProcessingError("JSON序列化失败", err)
	}
	return string(data), nil
}
