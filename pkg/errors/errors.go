// Package errors 提供统一错误辅助，不依赖 internal
package errors

import (
	"errors"
	"fmt"
)

// Wrap 包装错误并附加消息
func Wrap(err error, msg string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", msg, err)
}

// Wrapf 带格式的 Wrap
func Wrapf(err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), err)
}

// Kind 错误类别；传输层按类别映射 HTTP 状态，不做二次解释
type Kind int

const (
	KindNotFound Kind = iota + 1
	KindConflict
	KindValidation
	KindForbidden
	KindExpired
	KindRateLimited
	KindInternal
)

// Error 带稳定 code 的业务错误；RateLimited 额外携带 RetryAfterMs
type Error struct {
	Kind         Kind
	Code         string
	Message      string
	Details      map[string]any
	RetryAfterMs int64
}

func (e *Error) Error() string {
	return e.Message
}

// NotFound resource 'id' not found
func NotFound(resource, id string) *Error {
	return &Error{
		Kind:    KindNotFound,
		Code:    "NOT_FOUND",
		Message: fmt.Sprintf("%s '%s' not found", resource, id),
	}
}

// Conflict 状态不允许该转换，或重复投票
func Conflict(message string) *Error {
	return &Error{Kind: KindConflict, Code: "CONFLICT", Message: message}
}

// Validation 输入非法
func Validation(message string, details map[string]any) *Error {
	return &Error{Kind: KindValidation, Code: "VALIDATION_ERROR", Message: message, Details: details}
}

// Forbidden 归属不匹配（task 不属于调用 Agent）
func Forbidden(message string) *Error {
	return &Error{Kind: KindForbidden, Code: "FORBIDDEN", Message: message}
}

// Expired task 已超时，不再接受提交
func Expired(taskID string) *Error {
	return &Error{
		Kind:    KindExpired,
		Code:    "TASK_EXPIRED",
		Message: fmt.Sprintf("task '%s' has expired and no longer accepts submissions", taskID),
	}
}

// RateLimited 审批频率超限；retryAfterMs 为距下次可投的毫秒数
func RateLimited(message string, retryAfterMs int64) *Error {
	return &Error{
		Kind:         KindRateLimited,
		Code:         "APPROVAL_RATE_LIMITED",
		Message:      message,
		Details:      map[string]any{"retry_after_ms": retryAfterMs},
		RetryAfterMs: retryAfterMs,
	}
}

// Internal 未分类内部错误
func Internal(message string) *Error {
	return &Error{Kind: KindInternal, Code: "INTERNAL", Message: message}
}

// AsError 提取 *Error；非业务错误返回 nil, false
func AsError(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

func isKind(err error, k Kind) bool {
	e, ok := AsError(err)
	return ok && e.Kind == k
}

// IsNotFound 等谓词供引擎与测试使用
func IsNotFound(err error) bool    { return isKind(err, KindNotFound) }
func IsConflict(err error) bool    { return isKind(err, KindConflict) }
func IsValidation(err error) bool  { return isKind(err, KindValidation) }
func IsForbidden(err error) bool   { return isKind(err, KindForbidden) }
func IsExpired(err error) bool     { return isKind(err, KindExpired) }
func IsRateLimited(err error) bool { return isKind(err, KindRateLimited) }
