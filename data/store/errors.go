package store

import "errors"

var (
	// ErrNotFound 按 ID 操作时记录不存在
	ErrNotFound = errors.New("store: record not found")
	// ErrUnsupported 适配器不支持该能力
	ErrUnsupported = errors.New("store: operation not supported")
	// ErrInvalidFilter 查询条件或字段名非法
	ErrInvalidFilter = errors.New("store: invalid filter")
	// ErrDuplicate 主键冲突
	ErrDuplicate = errors.New("store: duplicate record")
)
