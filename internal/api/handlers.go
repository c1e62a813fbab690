// internal/api/handlers.go
package api

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/Draftsmith/ScriptForge/internal/config"
	"github.com/Draftsmith/ScriptForge/internal/di"
	apperrors "github.com/Draftsmith/ScriptForge/internal/errors"
	"github.com/Draftsmith/ScriptForge/internal/llm"
	"github.com/Draftsmith/ScriptForge/internal/models"
	"github.com/Draftsmith/ScriptForge/internal/services"
	"github.com/Draftsmith/ScriptForge/internal/utils"
)

// APIResponse 统一响应信封
type APIResponse struct {
	Success   bool        `json:"success"`
	Data      interface{} `json:"data,omitempty"`
	Error     *APIError   `json:"error,omitempty"`
	Message   string      `json:"message,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
	RequestID string      `json:"request_id,omitempty"`
}

// APIError 错误详情
type APIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details string `json:"details,omitempty"`
}

// PaginationMeta 分页元数据
type PaginationMeta struct {
	Page       int `json:"page"`
	PageSize   int `json:"page_size"`
	Total      int `json:"total"`
	TotalPages int `json:"total_pages"`
}

// PaginatedResponse 分页响应数据体
type PaginatedResponse struct {
	Items      interface{}     `json:"items"`
	Pagination *PaginationMeta `json:"pagination"`
}

// Handler 聚合全部REST处理器依赖的服务
type Handler struct {
	Conversation *services.ConversationService
	Context      *services.ContextService
	Config       *services.ConfigService
	LLM          *services.LLMService
	Stats        *services.StatsService
	Progress     *services.ProgressService
	Export       *services.ExportService
	WebSocket    *WebSocketHandler
	Response     *ResponseHelper
}

// NewHandler 从DI容器中取出各项服务装配处理器
func NewHandler() (*Handler, error) {
	container := di.GetContainer()

	conversationService, ok := container.Get("conversation").(*services.ConversationService)
	if !ok {
		return nil, fmt.Errorf("会话服务未正确初始化")
	}

	contextService, ok := container.Get("context").(*services.ContextService)
	if !ok {
		return nil, fmt.Errorf("资料服务未正确初始化")
	}

	configService, ok := container.Get("config").(*services.ConfigService)
	if !ok {
		return nil, fmt.Errorf("配置服务未正确初始化")
	}

	llmService, ok := container.Get("llm").(*services.LLMService)
	if !ok {
		return nil, fmt.Errorf("LLM服务未正确初始化")
	}

	statsService, ok := container.Get("stats").(*services.StatsService)
	if !ok {
		return nil, fmt.Errorf("统计服务未正确初始化")
	}

	progressService, ok := container.Get("progress").(*services.ProgressService)
	if !ok {
		return nil, fmt.Errorf("进度服务未正确初始化")
	}

	exportService, ok := container.Get("export").(*services.ExportService)
	if !ok {
		return nil, fmt.Errorf("导出服务未正确初始化")
	}

	wsHandler, err := NewWebSocketHandler()
	if err != nil {
		return nil, err
	}

	return &Handler{
		Conversation: conversationService,
		Context:      contextService,
		Config:       configService,
		LLM:          llmService,
		Stats:        statsService,
		Progress:     progressService,
		Export:       exportService,
		WebSocket:    wsHandler,
		Response:     NewResponseHelper(),
	}, nil
}

// requestTimeout 读取配置的请求超时
func requestTimeout() time.Duration {
	if cfg := config.GetCurrentConfig(); cfg != nil && cfg.RequestTimeout > 0 {
		return time.Duration(cfg.RequestTimeout) * time.Second
	}
	return 120 * time.Second
}

// ============ 聊天编排 ============

// Chat 处理一条用户输入：自由文本、指令或候选项选择。
// conversation_id为空时开启新会话
func (h *Handler) Chat(c *gin.Context) {
	var req struct {
		Message        string `json:"message"`
		OptionSelected string `json:"option_selected"`
		ConversationID string `json:"conversation_id"`
	}

	if err := c.ShouldBindJSON(&req); err != nil {
		h.Response.BadRequest(c, "请求格式错误", err.Error())
		return
	}

	if strings.TrimSpace(req.Message) == "" && strings.TrimSpace(req.OptionSelected) == "" {
		h.Response.BadRequest(c, "消息内容不能为空")
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), requestTimeout())
	defer cancel()

	reply, err := h.Conversation.HandleMessage(ctx, services.ChatRequest{
		ConversationID: req.ConversationID,
		Message:        req.Message,
		OptionSelected: req.OptionSelected,
	})
	if err != nil {
		h.respondChatError(c, err)
		return
	}

	// 同一会话的其他客户端通过WebSocket同步看到这轮回复
	if wsManager.ConversationClientCount(reply.ConversationID) > 0 {
		wsManager.BroadcastToConversation(reply.ConversationID, "chat_response", map[string]interface{}{
			"response": reply.Response,
			"options":  reply.Options,
		})
	}

	h.Response.Success(c, gin.H{
		"conversation_id": reply.ConversationID,
		"response":        reply.Response,
		"options":         reply.Options,
	})
}

// respondChatError 将编排错误映射为HTTP状态码
func (h *Handler) respondChatError(c *gin.Context, err error) {
	switch {
	case apperrors.IsProviderNotReadyError(err):
		h.Response.ServiceUnavailable(c, ErrorLLMServiceUnavailable, "LLM服务未配置或未就绪", err.Error())
	case apperrors.IsGenerationError(err):
		h.Response.Error(c, http.StatusBadGateway, ErrorGenerationFailed, "内容生成失败，请稍后重试", err.Error())
	case apperrors.IsPersistenceError(err):
		h.Response.Error(c, http.StatusInternalServerError, ErrorPersistenceFailed, "会话保存失败", err.Error())
	case apperrors.IsNotFoundError(err):
		h.Response.NotFound(c, "会话", err.Error())
	case apperrors.IsValidationError(err):
		h.Response.BadRequest(c, "请求参数无效", err.Error())
	default:
		h.Response.Error(c, http.StatusInternalServerError, ErrorChatProcessingFailed, "处理消息失败", err.Error())
	}
}

// ============ 会话管理 ============

// ListConversations 列出全部会话摘要，最近更新的在前。
// 带q参数时按标题与主题过滤，带page参数时分页返回
func (h *Handler) ListConversations(c *gin.Context) {
	if c.Query("q") != "" {
		h.SearchConversations(c)
		return
	}

	summaries, err := h.Conversation.ListConversations(c.Request.Context())
	if err != nil {
		h.Response.Error(c, http.StatusInternalServerError, ErrorConversationLoadFailed, "获取会话列表失败", err.Error())
		return
	}

	if c.Query("page") != "" {
		items, meta := paginateSummaries(summaries, c.Query("page"), c.Query("page_size"))
		h.Response.PaginatedSuccess(c, items, meta, "会话列表获取成功")
		return
	}

	h.Response.Success(c, gin.H{
		"conversations": summaries,
		"total":         len(summaries),
	}, "会话列表获取成功")
}

// paginateSummaries 按页裁剪摘要列表
func paginateSummaries(summaries []models.ConversationSummary, pageParam, sizeParam string) ([]models.ConversationSummary, *PaginationMeta) {
	page, err := strconv.Atoi(pageParam)
	if err != nil || page < 1 {
		page = 1
	}
	pageSize, err := strconv.Atoi(sizeParam)
	if err != nil || pageSize < 1 {
		pageSize = 20
	}
	if pageSize > 100 {
		pageSize = 100
	}

	total := len(summaries)
	totalPages := (total + pageSize - 1) / pageSize
	if totalPages == 0 {
		totalPages = 1
	}

	start := (page - 1) * pageSize
	if start > total {
		start = total
	}
	end := start + pageSize
	if end > total {
		end = total
	}

	return summaries[start:end], &PaginationMeta{
		Page:       page,
		PageSize:   pageSize,
		Total:      total,
		TotalPages: totalPages,
	}
}

// SearchConversations 按标题与主题模糊检索会话
func (h *Handler) SearchConversations(c *gin.Context) {
	query := c.Query("q")

	summaries, err := h.Conversation.SearchConversations(c.Request.Context(), query)
	if err != nil {
		h.Response.Error(c, http.StatusInternalServerError, ErrorConversationLoadFailed, "检索会话失败", err.Error())
		return
	}

	h.Response.Success(c, gin.H{
		"conversations": summaries,
		"total":         len(summaries),
		"query":         query,
	})
}

// CreateConversation 创建新会话并返回引导向导的第一条提问
func (h *Handler) CreateConversation(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), requestTimeout())
	defer cancel()

	reply, err := h.Conversation.HandleMessage(ctx, services.ChatRequest{})
	if err != nil {
		h.respondChatError(c, err)
		return
	}

	h.Response.Created(c, gin.H{
		"conversation_id": reply.ConversationID,
		"response":        reply.Response,
		"options":         reply.Options,
	}, "会话创建成功")
}

// GetConversationMessages 返回会话详情与最近消息
func (h *Handler) GetConversationMessages(c *gin.Context) {
	conversationID := c.Param("id")
	if conversationID == "" {
		h.Response.BadRequest(c, "会话ID不能为空")
		return
	}

	limit := 200
	if raw := c.Query("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			h.Response.BadRequest(c, "limit参数无效")
			return
		}
		limit = parsed
	}

	conv, err := h.Conversation.GetConversation(c.Request.Context(), conversationID, limit)
	if err != nil {
		if apperrors.IsNotFoundError(err) {
			h.Response.NotFound(c, "会话")
			return
		}
		h.Response.Error(c, http.StatusInternalServerError, ErrorConversationLoadFailed, "加载会话失败", err.Error())
		return
	}

	h.Response.Success(c, gin.H{
		"conversation_id": conv.State.ID,
		"title":           conv.State.Title,
		"topic":           conv.State.Topic,
		"platform":        conv.State.Platform,
		"phase":           conv.State.Phase,
		"status":          conv.State.Status,
		"messages":        conv.Messages,
		"pending":         conv.Pending,
	})
}

// DeleteConversation 删除会话及其消息与配套资料
func (h *Handler) DeleteConversation(c *gin.Context) {
	conversationID := c.Param("id")
	if conversationID == "" {
		h.Response.BadRequest(c, "会话ID不能为空")
		return
	}

	if err := h.Conversation.DeleteConversation(c.Request.Context(), conversationID); err != nil {
		if apperrors.IsNotFoundError(err) {
			h.Response.NotFound(c, "会话")
			return
		}
		h.Response.Error(c, http.StatusInternalServerError, ErrorConversationDeleteFailed, "删除会话失败", err.Error())
		return
	}

	wsManager.BroadcastToConversation(conversationID, "conversation_deleted", nil)

	h.Response.Success(c, gin.H{
		"conversation_id": conversationID,
	}, "会话已删除")
}

// ============ 脚本导出 ============

// ExportConversation 将脚本导出为指定格式。
// markdown与txt直接返回文本，html返回页面，json返回结构化结果
func (h *Handler) ExportConversation(c *gin.Context) {
	conversationID := c.Param("id")
	if conversationID == "" {
		h.Response.BadRequest(c, "会话ID不能为空")
		return
	}

	formatStr := c.DefaultQuery("format", "markdown")
	format, ok := models.ParseExportFormat(formatStr)
	if !ok {
		h.Response.Error(c, http.StatusBadRequest, ErrorExportFormatInvalid,
			fmt.Sprintf("不支持的导出格式: %s", formatStr))
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), 30*time.Second)
	defer cancel()

	conv, err := h.Conversation.GetConversation(ctx, conversationID, 0)
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			h.Response.Error(c, http.StatusRequestTimeout, ErrorExportTimeout, "导出超时，请稍后重试")
			return
		}
		if apperrors.IsNotFoundError(err) {
			h.Response.NotFound(c, "会话")
			return
		}
		h.Response.Error(c, http.StatusInternalServerError, ErrorExportFailed, "加载会话失败", err.Error())
		return
	}

	if conv.State == nil || conv.State.Phase == models.PhaseEmpty {
		h.Response.Error(c, http.StatusNotFound, ErrorExportDataEmpty, "脚本尚无内容可导出")
		return
	}

	result, err := h.Export.ExportToFile(conv, format)
	if err != nil {
		h.Response.Error(c, http.StatusInternalServerError, ErrorExportFailed, "导出失败", err.Error())
		return
	}

	h.Response.ExportResponse(c, result, format)
}

// ============ 参考资料 ============

// AddContextDocument 为会话添加参考资料。
// 提供url时抓取网页正文，提供text时直接保存粘贴内容
func (h *Handler) AddContextDocument(c *gin.Context) {
	conversationID := c.Param("id")
	if conversationID == "" {
		h.Response.BadRequest(c, "会话ID不能为空")
		return
	}

	var req struct {
		URL   string `json:"url"`
		Text  string `json:"text"`
		Title string `json:"title"`
	}

	if err := c.ShouldBindJSON(&req); err != nil {
		h.Response.BadRequest(c, "请求格式错误", err.Error())
		return
	}

	if strings.TrimSpace(req.URL) == "" && strings.TrimSpace(req.Text) == "" {
		h.Response.BadRequest(c, "url与text至少提供一项")
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), 30*time.Second)
	defer cancel()

	var doc *models.ContextDocument
	var err error
	if strings.TrimSpace(req.URL) != "" {
		doc, err = h.Context.AddDocumentFromURL(ctx, conversationID, req.URL)
	} else {
		doc, err = h.Context.AddDocumentFromText(conversationID, req.Title, req.Text)
	}
	if err != nil {
		if apperrors.IsValidationError(err) {
			h.Response.BadRequest(c, "参考资料无效", err.Error())
			return
		}
		h.Response.Error(c, http.StatusBadGateway, ErrorContextFetchFailed, "抓取参考资料失败", err.Error())
		return
	}

	h.Response.Created(c, doc, "参考资料已添加")
}

// ListContextDocuments 列出会话的全部参考资料
func (h *Handler) ListContextDocuments(c *gin.Context) {
	conversationID := c.Param("id")
	if conversationID == "" {
		h.Response.BadRequest(c, "会话ID不能为空")
		return
	}

	docs, err := h.Context.Documents(conversationID)
	if err != nil {
		h.Response.InternalError(c, "获取参考资料失败", err.Error())
		return
	}

	h.Response.Success(c, gin.H{
		"documents": docs,
		"total":     len(docs),
	})
}

// RemoveContextDocument 删除一条参考资料
func (h *Handler) RemoveContextDocument(c *gin.Context) {
	conversationID := c.Param("id")
	documentID := c.Param("docId")
	if conversationID == "" || documentID == "" {
		h.Response.BadRequest(c, "会话ID与资料ID不能为空")
		return
	}

	if err := h.Context.RemoveDocument(conversationID, documentID); err != nil {
		if apperrors.IsNotFoundError(err) {
			h.Response.NotFound(c, "参考资料")
			return
		}
		h.Response.InternalError(c, "删除参考资料失败", err.Error())
		return
	}

	h.Response.Success(c, gin.H{"document_id": documentID}, "参考资料已删除")
}

// AddToneSample 保存一段语气样本，供后续生成模仿其风格
func (h *Handler) AddToneSample(c *gin.Context) {
	conversationID := c.Param("id")
	if conversationID == "" {
		h.Response.BadRequest(c, "会话ID不能为空")
		return
	}

	var req struct {
		Text  string `json:"text" binding:"required"`
		Label string `json:"label"`
	}

	if err := c.ShouldBindJSON(&req); err != nil {
		h.Response.BadRequest(c, "请求格式错误", err.Error())
		return
	}

	sample, err := h.Context.AddToneSample(conversationID, req.Label, req.Text)
	if err != nil {
		if apperrors.IsValidationError(err) {
			h.Response.Error(c, http.StatusBadRequest, ErrorToneSampleInvalid, "语气样本无效", err.Error())
			return
		}
		h.Response.InternalError(c, "保存语气样本失败", err.Error())
		return
	}

	h.Response.Created(c, sample, "语气样本已保存")
}

// ListToneSamples 列出会话的语气样本
func (h *Handler) ListToneSamples(c *gin.Context) {
	conversationID := c.Param("id")
	if conversationID == "" {
		h.Response.BadRequest(c, "会话ID不能为空")
		return
	}

	samples, err := h.Context.ToneSamples(conversationID)
	if err != nil {
		h.Response.InternalError(c, "获取语气样本失败", err.Error())
		return
	}

	h.Response.Success(c, gin.H{
		"samples": samples,
		"total":   len(samples),
	})
}

// RemoveToneSample 删除一条语气样本
func (h *Handler) RemoveToneSample(c *gin.Context) {
	conversationID := c.Param("id")
	sampleID := c.Param("sampleId")
	if conversationID == "" || sampleID == "" {
		h.Response.BadRequest(c, "会话ID与样本ID不能为空")
		return
	}

	if err := h.Context.RemoveToneSample(conversationID, sampleID); err != nil {
		if apperrors.IsNotFoundError(err) {
			h.Response.NotFound(c, "语气样本")
			return
		}
		h.Response.InternalError(c, "删除语气样本失败", err.Error())
		return
	}

	h.Response.Success(c, gin.H{"sample_id": sampleID}, "语气样本已删除")
}

// ============ 设置 ============

// GetSettings 返回当前配置，密钥只暴露是否已配置
func (h *Handler) GetSettings(c *gin.Context) {
	cfg := h.Config.GetCurrentConfig()
	if cfg == nil {
		h.Response.Error(c, http.StatusServiceUnavailable, ErrorConfigNotLoaded, "配置尚未加载")
		return
	}

	apiKey := cfg.LLMConfig["api_key"]

	h.Response.Success(c, gin.H{
		"llm_provider":       cfg.LLMProvider,
		"model":              cfg.LLMConfig["model"],
		"api_key_configured": apiKey != "",
		"debug_mode":         cfg.DebugMode,
		"request_timeout":    cfg.RequestTimeout,
		"max_retries":        cfg.MaxRetries,
	})
}

// SaveSettings 更新LLM设置并热切换提供商
func (h *Handler) SaveSettings(c *gin.Context) {
	var req struct {
		Provider string            `json:"provider" binding:"required"`
		Config   map[string]string `json:"config" binding:"required"`
	}

	if err := c.ShouldBindJSON(&req); err != nil {
		h.Response.BadRequest(c, "请求格式错误", err.Error())
		return
	}

	if err := h.Config.UpdateLLMConfig(req.Provider, req.Config, "web_ui"); err != nil {
		h.Response.BadRequest(c, "保存设置失败", err.Error())
		return
	}

	if err := h.LLM.UpdateProvider(req.Provider, h.Config.GetLLMConfig()); err != nil {
		// 配置已落盘，但运行中的LLM服务未能切换
		h.Response.Error(c, http.StatusInternalServerError, ErrorLLMConfigInvalid,
			"设置已保存但LLM服务切换失败", err.Error())
		return
	}

	ready, state := h.LLM.GetProviderStatus()
	h.Response.Success(c, gin.H{
		"provider": req.Provider,
		"ready":    ready,
		"state":    state,
	}, "设置已保存")
}

// TestConnection 用最小请求验证提供商连通性
func (h *Handler) TestConnection(c *gin.Context) {
	if !h.LLM.IsReady() {
		h.Response.ServiceUnavailable(c, ErrorLLMServiceUnavailable, "LLM服务未就绪", h.LLM.GetReadyState())
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), 10*time.Second)
	defer cancel()

	start := time.Now()
	_, err := h.LLM.CreateChatCompletion(ctx, services.ChatCompletionRequest{
		Messages: []services.ChatCompletionMessage{
			{Role: services.RoleUser, Content: "ping"},
		},
		Temperature: 0.1,
		MaxTokens:   5,
	})
	if err != nil {
		h.Response.Error(c, http.StatusServiceUnavailable, ErrorConnectionTestFailed, "连接测试失败", err.Error())
		return
	}

	h.Response.Success(c, gin.H{
		"connected":  true,
		"provider":   h.LLM.GetProviderName(),
		"model":      h.LLM.GetDefaultModel(),
		"latency_ms": time.Since(start).Milliseconds(),
	}, "连接测试通过")
}

// ============ LLM服务 ============

// GetLLMStatus 返回提供商就绪状态
func (h *Handler) GetLLMStatus(c *gin.Context) {
	ready, state := h.LLM.GetProviderStatus()

	h.Response.Success(c, gin.H{
		"ready":    ready,
		"state":    state,
		"provider": h.LLM.GetProviderName(),
		"model":    h.LLM.GetDefaultModel(),
	})
}

// GetLLMModels 返回可用提供商与各自支持的模型
func (h *Handler) GetLLMModels(c *gin.Context) {
	provider := c.Query("provider")
	if provider == "" {
		provider = h.LLM.GetProviderName()
	}
	if provider == "" {
		provider = config.GetCurrentConfig().LLMProvider
	}

	h.Response.Success(c, gin.H{
		"provider":  provider,
		"models":    llm.GetSupportedModelsForProvider(provider),
		"providers": llm.ListProviders(),
		"default":   h.LLM.GetDefaultModel(),
	})
}

// UpdateLLMConfig 以扁平字段更新提供商配置
func (h *Handler) UpdateLLMConfig(c *gin.Context) {
	var req struct {
		Provider string `json:"provider" binding:"required"`
		APIKey   string `json:"api_key"`
		Model    string `json:"model"`
		BaseURL  string `json:"base_url"`
	}

	if err := c.ShouldBindJSON(&req); err != nil {
		h.Response.BadRequest(c, "请求格式错误", err.Error())
		return
	}

	configMap := map[string]string{}
	if req.APIKey != "" {
		configMap["api_key"] = req.APIKey
	}
	if req.Model != "" {
		configMap["model"] = req.Model
	}
	if req.BaseURL != "" {
		configMap["base_url"] = req.BaseURL
	}

	if err := h.Config.UpdateLLMConfig(req.Provider, configMap, "web_api"); err != nil {
		h.Response.Error(c, http.StatusBadRequest, ErrorLLMConfigInvalid, "更新LLM配置失败", err.Error())
		return
	}

	if err := h.LLM.UpdateProvider(req.Provider, h.Config.GetLLMConfig()); err != nil {
		h.Response.Error(c, http.StatusInternalServerError, ErrorLLMConfigInvalid,
			"配置已保存但LLM服务切换失败", err.Error())
		return
	}

	ready, state := h.LLM.GetProviderStatus()
	h.Response.Success(c, gin.H{
		"provider": req.Provider,
		"model":    h.LLM.GetDefaultModel(),
		"ready":    ready,
		"state":    state,
	}, "LLM配置已更新")
}

// ============ 运行状态 ============

// GetConfigHealth 检查配置完整性
func (h *Handler) GetConfigHealth(c *gin.Context) {
	health := services.NewConfigHealthCheck(h.Config).CheckHealth()

	if healthy, ok := health["healthy"].(bool); ok && !healthy {
		h.Response.Error(c, http.StatusServiceUnavailable, ErrorConfigUnhealthy,
			"配置存在问题", fmt.Sprintf("%v", health["problems"]))
		return
	}

	h.Response.Success(c, health, "配置健康检查通过")
}

// GetStats 返回用量统计
func (h *Handler) GetStats(c *gin.Context) {
	h.Response.Success(c, h.Stats.GetUsageStats())
}

// GetMetrics 返回运行指标快照
func (h *Handler) GetMetrics(c *gin.Context) {
	h.Response.Success(c, utils.GetMetricsCollector().GetMetrics())
}

// HealthCheck 服务存活探针
func (h *Handler) HealthCheck(c *gin.Context) {
	ready, state := h.LLM.GetProviderStatus()

	c.JSON(http.StatusOK, gin.H{
		"status":    "ok",
		"llm_ready": ready,
		"llm_state": state,
		"websocket": wsManager.GetStatus(),
		"timestamp": time.Now().Format(time.RFC3339),
	})
}
