package errs

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound      = errors.New("record not found")
	ErrValidation    = errors.New("validation failed")
	ErrSerialization = errors.New("record serialization failed")
	ErrBackend       = errors.New("storage backend failure")

	// ErrInvalidStatusTransition 终态令牌不允许再变更状态
	ErrInvalidStatusTransition = fmt.Errorf("%w: invalid token status transition", ErrValidation)
)

// Validation 构造一个可用 errors.Is(err, ErrValidation) 判断的校验错误
func Validation(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

// Backend 把底层 I/O 错误包装为 ErrBackend
func Backend(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %s: %w", ErrBackend, op, err)
}

func IsValidation(err error) bool {
	return errors.Is(err, ErrValidation)
}

func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsTransient 判断错误是否值得重试，校验与序列化错误重试也不会成功
func IsTransient(err error) bool {
	if err == nil || IsValidation(err) || errors.Is(err, ErrSerialization) {
		return false
	}
	return true
}
