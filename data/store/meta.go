package store

import (
	"fmt"
	"strings"
)

// FieldKind 字段的逻辑类型，决定 SQL 适配器的列类型与编解码方式
type FieldKind string

const (
	KindText    FieldKind = "text"
	KindInteger FieldKind = "integer"
	KindReal    FieldKind = "real"
	KindBoolean FieldKind = "boolean"
	KindTime    FieldKind = "time"
	// KindJSON 以 JSON 文本保存任意结构
	KindJSON FieldKind = "json"
)

// FieldMeta 描述字段与列的映射。
type FieldMeta struct {
	Name       string
	Column     string
	Kind       FieldKind
	PrimaryKey bool
	// Indexed 建表时为该列建立普通索引
	Indexed bool
}

// ColumnName 返回列名，未配置时与字段名相同
func (f FieldMeta) ColumnName() string {
	if f.Column != "" {
		return f.Column
	}
	return f.Name
}

// CollectionMeta 描述一个集合（表）的元信息。
//
// Fields 为空时内存适配器接受任意字段；SQL 适配器要求显式声明。
type CollectionMeta struct {
	Name   string
	Table  string
	Fields []FieldMeta
}

// TableName 返回表名，未配置时使用集合名
func (m *CollectionMeta) TableName() string {
	if m.Table != "" {
		return m.Table
	}
	return m.Name
}

// Field 按字段名查找
func (m *CollectionMeta) Field(name string) (FieldMeta, bool) {
	for _, f := range m.Fields {
		if f.Name == name {
			return f, true
		}
	}
	return FieldMeta{}, false
}

// HasSchema 是否声明了字段
func (m *CollectionMeta) HasSchema() bool {
	return m != nil && len(m.Fields) > 0
}

// Validate 校验元信息：集合名非空、字段不重复、主键为 id
func (m *CollectionMeta) Validate() error {
	if m == nil || strings.TrimSpace(m.Name) == "" {
		return fmt.Errorf("%w: collection name is required", ErrInvalidFilter)
	}
	seen := make(map[string]bool, len(m.Fields))
	for _, f := range m.Fields {
		if f.Name == "" {
			return fmt.Errorf("%w: collection %s has a field without name", ErrInvalidFilter, m.Name)
		}
		if seen[f.Name] {
			return fmt.Errorf("%w: collection %s declares field %s twice", ErrInvalidFilter, m.Name, f.Name)
		}
		seen[f.Name] = true
		if f.PrimaryKey && f.Name != IDKey {
			return fmt.Errorf("%w: collection %s primary key must be %q", ErrInvalidFilter, m.Name, IDKey)
		}
	}
	if len(m.Fields) > 0 && !seen[IDKey] {
		return fmt.Errorf("%w: collection %s must declare field %q", ErrInvalidFilter, m.Name, IDKey)
	}
	return nil
}

// CheckFields 校验记录只包含已声明字段；未声明 schema 时总是通过
func (m *CollectionMeta) CheckFields(keys ...string) error {
	if !m.HasSchema() {
		return nil
	}
	for _, k := range keys {
		if _, ok := m.Field(k); !ok {
			return fmt.Errorf("%w: unknown field %q in collection %s", ErrInvalidFilter, k, m.Name)
		}
	}
	return nil
}
