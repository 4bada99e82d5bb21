// Package changeset 定义变更集与字段变更，以及计算字段级差异的纯函数。
package changeset

import (
	"time"

	"changetrail/data/store"
)

// Type 变更集类型
type Type string

const (
	TypeCreate  Type = "create"
	TypeUpdate  Type = "update"
	TypeReplace Type = "replace"
	TypeDelete  Type = "delete"
	TypeRestore Type = "restore"
	TypeReset   Type = "reset"
)

// Valid 是否为已知类型
func (t Type) Valid() bool {
	switch t {
	case TypeCreate, TypeUpdate, TypeReplace, TypeDelete, TypeRestore, TypeReset:
		return true
	}
	return false
}

// ChangeSet 一次被追踪的变更，归属于单个实体
type ChangeSet struct {
	ID         string    `json:"id" yaml:"id"`
	Type       Type      `json:"type" yaml:"type"`
	CreatedAt  time.Time `json:"createdAt" yaml:"createdAt"`
	Sequence   int64     `json:"sequence" yaml:"sequence"`
	CreatedBy  *string   `json:"createdBy,omitempty" yaml:"createdBy,omitempty"`
	EntityID   string    `json:"entityId" yaml:"entityId"`
	Collection string    `json:"collection" yaml:"collection"`
	Changes    []Change  `json:"changes" yaml:"changes"`
}

// Before 按 (CreatedAt, Sequence) 比较先后
func (cs *ChangeSet) Before(other *ChangeSet) bool {
	if !cs.CreatedAt.Equal(other.CreatedAt) {
		return cs.CreatedAt.Before(other.CreatedAt)
	}
	return cs.Sequence < other.Sequence
}

// Keys 返回变更涉及的字段
func (cs *ChangeSet) Keys() []string {
	keys := make([]string, len(cs.Changes))
	for i, c := range cs.Changes {
		keys[i] = c.Key
	}
	return keys
}

// Change 单个字段的前后值。
//
// PreviousValue 为 store.Undefined 表示变更前字段不存在，与 nil（null）不同。
type Change struct {
	ID            string `json:"id" yaml:"id"`
	Key           string `json:"key" yaml:"key"`
	PreviousValue any    `json:"previousValue" yaml:"previousValue"`
	NewValue      any    `json:"newValue" yaml:"newValue"`
	ChangeSetID   string `json:"changeSetId" yaml:"changeSetId"`
}

// PreviousExisted 变更前字段是否存在
func (c Change) PreviousExisted() bool {
	return !store.IsUndefined(c.PreviousValue)
}
