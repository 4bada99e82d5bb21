package store

import (
	"encoding/json"
	"sort"
)

// IDKey 记录主键所在的键
const IDKey = "id"

// Record 一条实体记录，键为字段名
type Record map[string]any

type undefined struct{}

func (undefined) String() string { return "undefined" }

// MarshalJSON 让 Undefined 在 JSON 输出中表现为 null
func (undefined) MarshalJSON() ([]byte, error) { return []byte("null"), nil }

// MarshalYAML 与 JSON 一致，输出为 null
func (undefined) MarshalYAML() (any, error) { return nil, nil }

// Undefined 表示“字段不存在”，与显式的 nil（null）区分
var Undefined any = undefined{}

// IsUndefined 判断值是否为 Undefined
func IsUndefined(v any) bool {
	_, ok := v.(undefined)
	return ok
}

// ID 返回记录主键，不存在或不是字符串时返回空串
func (r Record) ID() string {
	if r == nil {
		return ""
	}
	id, _ := r[IDKey].(string)
	return id
}

// Get 读取字段，缺失时返回 Undefined
func (r Record) Get(key string) any {
	if r == nil {
		return Undefined
	}
	v, ok := r[key]
	if !ok {
		return Undefined
	}
	return v
}

// Has 判断字段是否存在（值为 nil 也算存在）
func (r Record) Has(key string) bool {
	_, ok := r[key]
	return ok
}

// Keys 返回排序后的字段名
func (r Record) Keys() []string {
	keys := make([]string, 0, len(r))
	for k := range r {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Clone 深拷贝记录，嵌套的 map/slice 也会复制
func (r Record) Clone() Record {
	if r == nil {
		return nil
	}
	out := make(Record, len(r))
	for k, v := range r {
		out[k] = cloneValue(v)
	}
	return out
}

// Merge 返回以 patch 覆盖 r 后的新记录，r 本身不变；patch 中的 Undefined 表示移除字段
func (r Record) Merge(patch Record) Record {
	out := r.Clone()
	if out == nil {
		out = make(Record, len(patch))
	}
	for k, v := range patch {
		if IsUndefined(v) {
			delete(out, k)
			continue
		}
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		m := make(map[string]any, len(val))
		for k, inner := range val {
			m[k] = cloneValue(inner)
		}
		return m
	case Record:
		return val.Clone()
	case []any:
		s := make([]any, len(val))
		for i, inner := range val {
			s[i] = cloneValue(inner)
		}
		return s
	case json.RawMessage:
		return append(json.RawMessage(nil), val...)
	default:
		return v
	}
}
