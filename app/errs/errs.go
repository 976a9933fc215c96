// Package errs 定义任务流水线的错误分类
package errs

import (
	"errors"
	"fmt"
	"strings"
)

// Kind 错误分类，决定队列是否重试
type Kind string

const (
	InvalidInput       Kind = "invalid_input"
	AcquisitionFailure Kind = "acquisition_failure"
	ProcessingFailure  Kind = "processing_failure"
	SizeLimitExceeded  Kind = "size_limit_exceeded"
	DeliveryFailure    Kind = "delivery_failure"
	InternalError      Kind = "internal_error"
)

// Retryable 该分类是否允许队列级重试
func (k Kind) Retryable() bool {
	switch k {
	case AcquisitionFailure, ProcessingFailure, InternalError:
		return true
	default:
		return false
	}
}

// Error 带分类的错误
type Error struct {
	Kind Kind
	Op   string // 失败的步骤，例如 probe、acquire
	Msg  string // 面向用户的原因
	Err  error
}

func (e *Error) Error() string {
	var b strings.Builder
	if e.Op != "" {
		b.WriteString(e.Op)
		b.WriteString(": ")
	}
	b.WriteString(e.Msg)
	if e.Err != nil {
		if e.Msg != "" {
			b.WriteString(": ")
		}
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error {
	return e.Err
}

// New 创建分类错误
func New(kind Kind, op, msg string) *Error {
	return &Error{Kind: kind, Op: op, Msg: msg}
}

// Newf 创建带格式化原因的分类错误
func Newf(kind Kind, op, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Msg: fmt.Sprintf(format, args...)}
}

// Wrap 用分类包装底层错误，err 为 nil 时返回 nil
func Wrap(kind Kind, op, msg string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Msg: msg, Err: err}
}

// KindOf 返回错误分类，未分类的错误视为 InternalError
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return InternalError
}

// Is 判断错误是否属于指定分类
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// Retryable 判断错误是否应交给队列重试
func Retryable(err error) bool {
	return err != nil && KindOf(err).Retryable()
}

// UserMessage 返回可以展示给用户的原因，不暴露工具输出和路径
func UserMessage(err error) string {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) && e.Msg != "" {
		return e.Msg
	}
	switch KindOf(err) {
	case AcquisitionFailure:
		return "Could not fetch the media from the source."
	case ProcessingFailure:
		return "Media processing failed."
	case DeliveryFailure:
		return "Could not deliver the file."
	default:
		return "An unexpected error occurred while processing the request."
	}
}
