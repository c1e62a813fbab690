// internal/errors/errors.go
package errors

import (
	"errors"
	"fmt"
)

// ErrorType 定义错误类型
type ErrorType string

const (
	// 通用错误类型
	ErrorTypeValidation ErrorType = "validation_error"
	ErrorTypeNotFound   ErrorType = "not_found"
	ErrorTypeError      ErrorType = "processing_error"
	ErrorTypeConflict   ErrorType = "conflict"
	ErrorTypeTimeout    ErrorType = "timeout"

	// 创作流程错误类型
	ErrorTypeEmptyGeneration  ErrorType = "empty_generation"
	ErrorTypeGeneration       ErrorType = "generation_failed"
	ErrorTypeNoPendingOptions ErrorType = "no_pending_options"
	ErrorTypeIndexOutOfRange  ErrorType = "index_out_of_range"
	ErrorTypePersistence      ErrorType = "persistence_error"
	ErrorTypeMissingPrecursor ErrorType = "missing_precursor"
	ErrorTypeProviderNotReady ErrorType = "provider_not_ready"
)

// AppError 应用程序错误结构
type AppError struct {
	Type    ErrorType
	Message string
	Err     error
	Code    string // 用户友好的错误代码
}

// Error 实现 error 接口
func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

// Unwrap 实现错误链接
func (e *AppError) Unwrap() error {
	return e.Err
}

// NewAppError 创建新的 AppError
func NewAppError(errType ErrorType, message string, originalError error) *AppError {
	return &AppError{
		Type:    errType,
		Message: message,
		Err:     originalError,
		Code:    generateErrorCode(errType),
	}
}

// NewValidationError 创建验证错误
func NewValidationError(message string, originalError error) *AppError {
	return NewAppError(ErrorTypeValidation, message, originalError)
}

// NewNotFoundError 创建未找到错误
func NewNotFoundError(message string, originalError error) *AppError {
	return NewAppError(ErrorTypeNotFound, message, originalError)
}

// NewProcessingError 创建处理错误
func NewProcessingError(message string, originalError error) *AppError {
	return NewAppError(ErrorTypeError, message, originalError)
}

// NewConflictError 创建冲突错误
func NewConflictError(message string, originalError error) *AppError {
	return NewAppError(ErrorTypeConflict, message, originalError)
}

// NewEmptyGenerationError 创建空结果错误，
// 模型成功返回但内容为空或无法解析出候选
func NewEmptyGenerationError(message string, originalError error) *AppError {
	return NewAppError(ErrorTypeEmptyGeneration, message, originalError)
}

// NewGenerationError 创建生成失败错误（上游调用失败或超时）
func NewGenerationError(message string, originalError error) *AppError {
	return NewAppError(ErrorTypeGeneration, message, originalError)
}

// NewNoPendingOptionsError 创建无待选项错误
func NewNoPendingOptionsError(message string) *AppError {
	return NewAppError(ErrorTypeNoPendingOptions, message, nil)
}

// NewIndexOutOfRangeError 创建选择编号越界错误
func NewIndexOutOfRangeError(message string) *AppError {
	return NewAppError(ErrorTypeIndexOutOfRange, message, nil)
}

// NewPersistenceError 创建持久化错误
func NewPersistenceError(message string, originalError error) *AppError {
	return NewAppError(ErrorTypePersistence, message, originalError)
}

// NewMissingPrecursorError 创建前置组件缺失错误，
// 如正文未定稿时请求行动号召
func NewMissingPrecursorError(message string) *AppError {
	return NewAppError(ErrorTypeMissingPrecursor, message, nil)
}

// NewProviderNotReadyError 创建提供商未就绪错误
func NewProviderNotReadyError(message string, originalError error) *AppError {
	return NewAppError(ErrorTypeProviderNotReady, message, originalError)
}

// IsValidationError 检查是否为验证错误
func IsValidationError(err error) bool {
	var appError *AppError
	if errors.As(err, &appError) {
		return appError.Type == ErrorTypeValidation
	}
	return false
}

// IsNotFoundError 检查是否为未找到错误
func IsNotFoundError(err error) bool {
	var appError *AppError
	if errors.As(err, &appError) {
		return appError.Type == ErrorTypeNotFound
	}
	return false
}

// IsConflictError 检查是否为冲突错误
func IsConflictError(err error) bool {
	var appError *AppError
	if errors.As(err, &appError) {
		return appError.Type == ErrorTypeConflict
	}
	return false
}

// IsEmptyGenerationError 检查是否为空结果错误
func IsEmptyGenerationError(err error) bool {
	var appError *AppError
	if errors.As(err, &appError) {
		return appError.Type == ErrorTypeEmptyGeneration
	}
	return false
}

// IsGenerationError 检查是否为生成失败错误
func IsGenerationError(err error) bool {
	var appError *AppError
	if errors.As(err, &appError) {
		return appError.Type == ErrorTypeGeneration
	}
	return false
}

// IsNoPendingOptionsError 检查是否为无待选项错误
func IsNoPendingOptionsError(err error) bool {
	var appError *AppError
	if errors.As(err, &appError) {
		return appError.Type == ErrorTypeNoPendingOptions
	}
	return false
}

// IsIndexOutOfRangeError 检查是否为编号越界错误
func IsIndexOutOfRangeError(err error) bool {
	var appError *AppError
	if errors.As(err, &appError) {
		return appError.Type == ErrorTypeIndexOutOfRange
	}
	return false
}

// IsPersistenceError 检查是否为持久化错误
func IsPersistenceError(err error) bool {
	var appError *AppError
	if errors.As(err, &appError) {
		return appError.Type == ErrorTypePersistence
	}
	return false
}

// IsMissingPrecursorError 检查是否为前置组件缺失错误
func IsMissingPrecursorError(err error) bool {
	var appError *AppError
	if errors.As(err, &appError) {
		return appError.Type == ErrorTypeMissingPrecursor
	}
	return false
}

// IsProviderNotReadyError 检查是否为提供商未就绪错误
func IsProviderNotReadyError(err error) bool {
	var appError *AppError
	if errors.As(err, &appError) {
		return appError.Type == ErrorTypeProviderNotReady
	}
	return false
}

// generateErrorCode 根据错误类型生成错误代码
func generateErrorCode(errType ErrorType) string {
	switch errType {
	case ErrorTypeValidation:
		return "VALIDATION_ERROR"
	case ErrorTypeNotFound:
		return "NOT_FOUND"
	case ErrorTypeError:
		return "PROCESSING_ERROR"
	case ErrorTypeConflict:
		return "CONFLICT"
	case ErrorTypeTimeout:
		return "TIMEOUT"
	case ErrorTypeEmptyGeneration:
		return "EMPTY_GENERATION"
	case ErrorTypeGeneration:
		return "GENERATION_FAILED"
	case ErrorTypeNoPendingOptions:
		return "NO_PENDING_OPTIONS"
	case ErrorTypeIndexOutOfRange:
		return "INDEX_OUT_OF_RANGE"
	case ErrorTypePersistence:
		return "PERSISTENCE_ERROR"
	case ErrorTypeMissingPrecursor:
		return "MISSING_PRECURSOR"
	case ErrorTypeProviderNotReady:
		return "PROVIDER_NOT_READY"
	default:
		return "UNKNOWN_ERROR"
	}
}

// WrapError 包装现有错误
func WrapError(err error, message string, errType ErrorType) error {
	if err == nil {
		return nil
	}

	var appError *AppError
	if errors.As(err, &appError) {
		// 如果已经是 AppError，只更新消息
		return &AppError{
			Type:    appError.Type,
			Message: fmt.Sprintf("%s: %s", message, appError.Message),
			Err:     appError,
			Code:    appError.Code,
		}
	}

	// 否则创建新的 AppError
	return NewAppError(errType, message, err)
}
