package errors

import (
	stdErrors "errors"

	"changetrail/data/store"
)

// Normalize 将存储层的哨兵错误规范化为 AppError。
//
// 注意：
//   - 已经是 IError 的错误原样返回；
//   - 未识别的错误保持原样，交由调用方决定是否 Wrap。
func Normalize(err error) error {
	if err == nil {
		return nil
	}

	if _, ok := err.(IError); ok {
		return err
	}

	if stdErrors.Is(err, store.ErrNotFound) {
		return WrapError(err, ErrCodeNotFound, "记录未找到")
	}
	if stdErrors.Is(err, store.ErrUnsupported) {
		return WrapError(err, ErrCodeUnsupported, "存储不支持该操作")
	}
	if stdErrors.Is(err, store.ErrDuplicate) {
		return WrapError(err, ErrCodeConflict, "记录已存在")
	}
	if stdErrors.Is(err, store.ErrInvalidFilter) {
		return WrapError(err, ErrCodeInvalidInput, "无效的查询条件")
	}

	return err
}
