package changeset

import (
	"bytes"
	"encoding/json"
	"reflect"
	"sort"

	"changetrail/data/store"
)

// DefaultExcludedKeys 永不参与差异计算的字段（关系字段）
var DefaultExcludedKeys = []string{"changeSets"}

// ComputeChanges 计算 incoming 相对 current 的字段变更。
//
// 只遍历 incoming 中的键，跳过 excluded 与主键；CREATE 时前值一律为 Undefined。
// 结果按键排序，未设置 ID 与 ChangeSetID。
func ComputeChanges(current, incoming store.Record, typ Type, excluded []string) []Change {
	skip := make(map[string]bool, len(excluded)+1)
	for _, k := range excluded {
		skip[k] = true
	}
	skip[store.IDKey] = true

	keys := make([]string, 0, len(incoming))
	for k := range incoming {
		if !skip[k] {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)

	changes := make([]Change, 0, len(keys))
	for _, k := range keys {
		prev := store.Undefined
		if typ != TypeCreate {
			prev = current.Get(k)
		}
		next := incoming[k]
		if Equal(prev, next) {
			continue
		}
		changes = append(changes, Change{Key: k, PreviousValue: prev, NewValue: next})
	}
	return changes
}

// Equal 深度比较两个字段值。
//
// 先做 reflect.DeepEqual，再比较 JSON 序列化结果，使 int 与 int64、
// []string 与 []any 等存储往返后类型不同的值视为相等。Undefined 只等于 Undefined。
func Equal(a, b any) bool {
	ua, ub := store.IsUndefined(a), store.IsUndefined(b)
	if ua || ub {
		return ua && ub
	}
	if reflect.DeepEqual(a, b) {
		return true
	}
	if a == nil || b == nil {
		return false
	}
	ja, err := json.Marshal(a)
	if err != nil {
		return false
	}
	jb, err := json.Marshal(b)
	if err != nil {
		return false
	}
	return bytes.Equal(ja, jb)
}
