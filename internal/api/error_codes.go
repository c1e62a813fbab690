// internal/api/error_codes.go
package api

// API错误代码常量
const (
	// 通用错误
	ErrorBadRequest    = "BAD_REQUEST"
	ErrorNotFound      = "NOT_FOUND"
	ErrorInternalError = "INTERNAL_ERROR"
	ErrorConflict      = "CONFLICT"
	ErrorForbidden     = "FORBIDDEN"
	ErrorRateLimited   = "RATE_LIMIT_EXCEEDED"

	// 会话相关错误
	ErrorConversationNotFound     = "CONVERSATION_NOT_FOUND"
	ErrorConversationLoadFailed   = "CONVERSATION_LOAD_FAILED"
	ErrorConversationDeleteFailed = "CONVERSATION_DELETE_FAILED"

	// 聊天编排相关错误
	ErrorChatProcessingFailed = "CHAT_PROCESSING_FAILED"
	ErrorGenerationFailed     = "GENERATION_FAILED"
	ErrorPersistenceFailed    = "PERSISTENCE_FAILED"

	// 参考资料相关错误
	ErrorContextFetchFailed = "CONTEXT_FETCH_FAILED"
	ErrorContextNotFound    = "CONTEXT_NOT_FOUND"
	ErrorToneSampleInvalid  = "TONE_SAMPLE_INVALID"

	// LLM服务相关错误
	ErrorLLMServiceUnavailable = "LLM_SERVICE_UNAVAILABLE"
	ErrorLLMConfigInvalid      = "LLM_CONFIG_INVALID"
	ErrorConnectionFailed      = "CONNECTION_FAILED"
	ErrorConnectionTestFailed  = "CONNECTION_TEST_FAILED"

	// 导出相关错误
	ErrorExportFailed             = "EXPORT_FAILED"
	ErrorExportServiceUnavailable = "EXPORT_SERVICE_UNAVAILABLE"
	ErrorExportFormatInvalid      = "EXPORT_FORMAT_INVALID"
	ErrorExportDataEmpty          = "EXPORT_DATA_EMPTY"
	ErrorExportTimeout            = "EXPORT_TIMEOUT"

	// 配置健康相关
	ErrorConfigUnhealthy    = "CONFIG_UNHEALTHY"
	ErrorConfigNotLoaded    = "CONFIG_NOT_LOADED"
	ErrorLLMProviderMissing = "LLM_PROVIDER_MISSING"
	ErrorAPIKeyMissing      = "API_KEY_MISSING"
)
