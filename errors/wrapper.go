package errors

import (
	"context"
	"fmt"
	"runtime"

	"changetrail/logging"
)

// Wrap 包装错误，添加错误码和调用位置
func Wrap(ctx context.Context, err error, code ErrorCode, msg string) error {
	if err == nil {
		return nil
	}

	_, file, line, _ := runtime.Caller(1)
	wrapped := WrapError(err, code, msg)

	// 仅记录 Debug，避免与调用方的日志重复
	logging.GetLogger().Debug(ctx, fmt.Sprintf("错误包装: %s (位置: %s:%d)", msg, file, line))

	return wrapped
}

// WrapWithLog 包装错误并记录警告日志
func WrapWithLog(ctx context.Context, err error, code ErrorCode, msg string, fields ...logging.Field) error {
	if err == nil {
		return nil
	}

	_, file, line, _ := runtime.Caller(1)
	wrapped := WrapError(err, code, msg)

	allFields := append([]logging.Field{
		logging.Error(err),
		logging.String("error_code", string(code)),
		logging.String("location", fmt.Sprintf("%s:%d", file, line)),
	}, fields...)
	logging.GetLogger().Warn(ctx, msg, allFields...)

	return wrapped
}

// WrapDatabaseError 包装存储层错误。
// 已规范化的错误（NotFound、Unsupported 等）保留原错误码，其余归为 DATABASE_ERROR。
func WrapDatabaseError(ctx context.Context, err error, operation string) error {
	if err == nil {
		return nil
	}

	normalized := Normalize(err)
	if code := GetErrorCode(normalized); code != ErrCodeInternal {
		if code == ErrCodeDatabase {
			return normalized
		}
		return WrapError(normalized, code, operation)
	}

	return WrapWithLog(ctx, err, ErrCodeDatabase,
		fmt.Sprintf("数据库操作失败: %s", operation),
		logging.String("operation", operation),
	)
}

// WrapAuditError 包装审计存储写入错误
func WrapAuditError(ctx context.Context, err error, operation string) error {
	if err == nil {
		return nil
	}
	if IsErrorCode(err, ErrCodeAuditWrite) {
		return err
	}
	return WrapWithLog(ctx, err, ErrCodeAuditWrite,
		fmt.Sprintf("审计写入失败: %s", operation),
		logging.String("operation", operation),
	)
}

// New 创建新错误（带调用位置）
func New(code ErrorCode, msg string) error {
	_, file, line, _ := runtime.Caller(1)
	return NewError(code, fmt.Sprintf("%s (位置: %s:%d)", msg, file, line))
}

// NewInvalidInput 创建参数错误
func NewInvalidInput(msg string) error {
	return NewError(ErrCodeInvalidInput, msg)
}
