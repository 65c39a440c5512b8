// internal/errors/errors.go
package errors

import (
	"errors"
	"fmt"
)

// ErrorType 定义错误类型
type ErrorType string

const (
	// ErrorTypeRateLimited 提供商限流（HTTP 429 / 配额耗尽），可重试
	ErrorTypeRateLimited ErrorType = "rate_limited"
	// ErrorTypeTimeout 调用超时，可重试
	ErrorTypeTimeout ErrorType = "timeout"
	// ErrorTypeMalformedResponse 响应无法解析；规范化层会吸收此类错误，调用方通常看不到
	ErrorTypeMalformedResponse ErrorType = "malformed_response"
	// ErrorTypeMissingCredential 缺少提供商凭据，重试无意义
	ErrorTypeMissingCredential ErrorType = "missing_credential"
	// ErrorTypeStoreTransaction 存储事务失败，内存状态仍然权威，下次保存会重新收敛
	ErrorTypeStoreTransaction ErrorType = "store_transaction"
	// ErrorTypeToolSideEffect 工具副作用失败，应降级为用户可见的致歉而不是失败整轮
	ErrorTypeToolSideEffect ErrorType = "tool_side_effect"

	ErrorTypeValidation ErrorType = "validation_error"
	ErrorTypeNotFound   ErrorType = "not_found"
	ErrorTypeError      ErrorType = "processing_error"
)

// AppError 应用程序错误结构
type AppError struct {
	Type    ErrorType
	Message string
	Err     error
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
	}
}

func NewRateLimitedError(message string, originalError error) *AppError {
	return NewAppError(ErrorTypeRateLimited, message, originalError)
}

func NewTimeoutError(message string, originalError error) *AppError {
	return NewAppError(ErrorTypeTimeout, message, originalError)
}

func NewMalformedResponseError(message string, originalError error) *AppError {
	return NewAppError(ErrorTypeMalformedResponse, message, originalError)
}

func NewMissingCredentialError(message string) *AppError {
	return NewAppError(ErrorTypeMissingCredential, message, nil)
}

func NewStoreTransactionError(message string, originalError error) *AppError {
	return NewAppError(ErrorTypeStoreTransaction, message, originalError)
}

func NewToolSideEffectError(message string, originalError error) *AppError {
	return NewAppError(ErrorTypeToolSideEffect, message, originalError)
}

func NewValidationError(message string, originalError error) *AppError {
	return NewAppError(ErrorTypeValidation, message, originalError)
}

func NewNotFoundError(message string, originalError error) *AppError {
	return NewAppError(ErrorTypeNotFound, message, originalError)
}

func NewProcessingError(message string, originalError error) *AppError {
	return NewAppError(ErrorTypeError, message, originalError)
}

// TypeOf 返回错误链中第一个 AppError 的类型，没有则返回 ErrorTypeError
func TypeOf(err error) ErrorType {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Type
	}
	return ErrorTypeError
}

// IsRetryable 判断错误是否属于可重试类别（限流或超时）
func IsRetryable(err error) bool {
	switch TypeOf(err) {
	case ErrorTypeRateLimited, ErrorTypeTimeout:
		return true
	}
	return false
}

// IsType 判断错误链中是否存在指定类型的 AppError
func IsType(err error, t ErrorType) bool {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Type == t
	}
	return false
}
