package store

import (
	"fmt"
	"reflect"
	"strings"
	"time"
)

// Operator 条件比较符
type Operator string

const (
	OpEq  Operator = "eq"
	OpNe  Operator = "ne"
	OpGt  Operator = "gt"
	OpGte Operator = "gte"
	OpLt  Operator = "lt"
	OpLte Operator = "lte"
	OpIn  Operator = "in"
)

// Condition 单个字段条件，多个条件之间为 AND
type Condition struct {
	Field string
	Op    Operator
	Value any
}

// OrderBy 表示排序字段。
type OrderBy struct {
	Field string
	Desc  bool
}

// Filter 查询条件。nil Filter 匹配全部记录。
type Filter struct {
	Where  []Condition
	Order  []OrderBy
	Limit  int
	Offset int
}

// NewFilter 创建空条件
func NewFilter() *Filter {
	return &Filter{}
}

func (f *Filter) add(field string, op Operator, value any) *Filter {
	f.Where = append(f.Where, Condition{Field: field, Op: op, Value: value})
	return f
}

func (f *Filter) Eq(field string, value any) *Filter  { return f.add(field, OpEq, value) }
func (f *Filter) Ne(field string, value any) *Filter  { return f.add(field, OpNe, value) }
func (f *Filter) Gt(field string, value any) *Filter  { return f.add(field, OpGt, value) }
func (f *Filter) Gte(field string, value any) *Filter { return f.add(field, OpGte, value) }
func (f *Filter) Lt(field string, value any) *Filter  { return f.add(field, OpLt, value) }
func (f *Filter) Lte(field string, value any) *Filter { return f.add(field, OpLte, value) }

// In 字段值属于 values 之一；values 为空时不匹配任何记录
func (f *Filter) In(field string, values ...any) *Filter {
	return f.add(field, OpIn, values)
}

// OrderBy 追加排序
func (f *Filter) OrderBy(field string, desc bool) *Filter {
	f.Order = append(f.Order, OrderBy{Field: field, Desc: desc})
	return f
}

// WithLimit 设置返回条数上限，0 表示不限制
func (f *Filter) WithLimit(n int) *Filter {
	f.Limit = n
	return f
}

// WithOffset 设置偏移
func (f *Filter) WithOffset(n int) *Filter {
	f.Offset = n
	return f
}

// Clone 复制条件，nil 返回空条件
func (f *Filter) Clone() *Filter {
	if f == nil {
		return NewFilter()
	}
	out := &Filter{Limit: f.Limit, Offset: f.Offset}
	out.Where = append(out.Where, f.Where...)
	out.Order = append(out.Order, f.Order...)
	return out
}

// Fields 返回条件与排序引用的字段
func (f *Filter) Fields() []string {
	if f == nil {
		return nil
	}
	fields := make([]string, 0, len(f.Where)+len(f.Order))
	for _, c := range f.Where {
		fields = append(fields, c.Field)
	}
	for _, o := range f.Order {
		fields = append(fields, o.Field)
	}
	return fields
}

// Validate 校验比较符与 In 参数
func (f *Filter) Validate() error {
	if f == nil {
		return nil
	}
	for _, c := range f.Where {
		if strings.TrimSpace(c.Field) == "" {
			return fmt.Errorf("%w: empty field", ErrInvalidFilter)
		}
		switch c.Op {
		case OpEq, OpNe, OpGt, OpGte, OpLt, OpLte:
		case OpIn:
			if _, ok := c.Value.([]any); !ok {
				return fmt.Errorf("%w: in on %s expects []any", ErrInvalidFilter, c.Field)
			}
		default:
			return fmt.Errorf("%w: unknown operator %q", ErrInvalidFilter, c.Op)
		}
	}
	if f.Limit < 0 || f.Offset < 0 {
		return fmt.Errorf("%w: negative limit or offset", ErrInvalidFilter)
	}
	return nil
}

// Match 判断记录是否满足全部条件，供不下推查询的适配器使用
func (f *Filter) Match(rec Record) bool {
	if f == nil {
		return true
	}
	for _, c := range f.Where {
		if !c.match(rec.Get(c.Field)) {
			return false
		}
	}
	return true
}

func (c Condition) match(actual any) bool {
	switch c.Op {
	case OpEq:
		return looseEqual(actual, c.Value)
	case OpNe:
		return !looseEqual(actual, c.Value)
	case OpIn:
		values, _ := c.Value.([]any)
		for _, v := range values {
			if looseEqual(actual, v) {
				return true
			}
		}
		return false
	}

	cmp, ok := Compare(actual, c.Value)
	if !ok {
		return false
	}
	switch c.Op {
	case OpGt:
		return cmp > 0
	case OpGte:
		return cmp >= 0
	case OpLt:
		return cmp < 0
	case OpLte:
		return cmp <= 0
	}
	return false
}

// looseEqual 数值按值比较，nil 与 Undefined 互相匹配
func looseEqual(a, b any) bool {
	if isNil(a) || isNil(b) {
		return isNil(a) && isNil(b)
	}
	if cmp, ok := Compare(a, b); ok {
		return cmp == 0
	}
	return reflect.DeepEqual(a, b)
}

func isNil(v any) bool {
	return v == nil || IsUndefined(v)
}

// Compare 比较两个同类标量（数值、字符串、布尔、时间）。
// 类型不可比较时第二个返回值为 false。
func Compare(a, b any) (int, bool) {
	// 整数单独比较，UnixNano 之类的大整数转 float64 会丢精度
	if ia, ok := toInt64(a); ok {
		if ib, ok := toInt64(b); ok {
			switch {
			case ia < ib:
				return -1, true
			case ia > ib:
				return 1, true
			}
			return 0, true
		}
	}
	if fa, ok := toFloat(a); ok {
		fb, ok := toFloat(b)
		if !ok {
			return 0, false
		}
		return compareOrdered(fa, fb), true
	}
	switch av := a.(type) {
	case string:
		bv, ok := b.(string)
		if !ok {
			return 0, false
		}
		return strings.Compare(av, bv), true
	case bool:
		bv, ok := b.(bool)
		if !ok {
			return 0, false
		}
		ai, bi := 0, 0
		if av {
			ai = 1
		}
		if bv {
			bi = 1
		}
		return ai - bi, true
	case time.Time:
		bv, ok := b.(time.Time)
		if !ok {
			return 0, false
		}
		return av.Compare(bv), true
	}
	return 0, false
}

func compareOrdered(a, b float64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int8:
		return float64(n), true
	case int16:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint8:
		return float64(n), true
	case uint16:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	}
	return 0, false
}

func toInt64(v any) (int64, bool) {
	switch n := v.(type) {
	case int:
		return int64(n), true
	case int8:
		return int64(n), true
	case int16:
		return int64(n), true
	case int32:
		return int64(n), true
	case int64:
		return n, true
	case uint8:
		return int64(n), true
	case uint16:
		return int64(n), true
	case uint32:
		return int64(n), true
	}
	return 0, false
}
