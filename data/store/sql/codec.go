package sql

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"time"

	"changetrail/data/store"
)

// encodeValue 按字段类型把 Record 中的值转换为驱动参数
func encodeValue(f store.FieldMeta, v any) (any, error) {
	if v == nil || store.IsUndefined(v) {
		return nil, nil
	}
	switch f.Kind {
	case store.KindInteger:
		return toInt64(f, v)
	case store.KindReal:
		switch n := v.(type) {
		case float64:
			return n, nil
		case float32:
			return float64(n), nil
		case json.Number:
			return n.Float64()
		}
		if i, err := toInt64(f, v); err == nil {
			return float64(i.(int64)), nil
		}
	case store.KindBoolean:
		if b, ok := v.(bool); ok {
			return b, nil
		}
	case store.KindTime:
		switch t := v.(type) {
		case time.Time:
			return t.UTC().Format(time.RFC3339Nano), nil
		case string:
			if _, err := time.Parse(time.RFC3339Nano, t); err != nil {
				return nil, fmt.Errorf("field %s: %w", f.Name, err)
			}
			return t, nil
		}
	case store.KindJSON:
		raw, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("field %s: %w", f.Name, err)
		}
		return string(raw), nil
	default:
		if s, ok := v.(string); ok {
			return s, nil
		}
		if s, ok := v.(fmt.Stringer); ok {
			return s.String(), nil
		}
	}
	return nil, fmt.Errorf("%w: field %s (%s) cannot hold %T", store.ErrInvalidFilter, f.Name, f.Kind, v)
}

func toInt64(f store.FieldMeta, v any) (any, error) {
	switch n := v.(type) {
	case int:
		return int64(n), nil
	case int8:
		return int64(n), nil
	case int16:
		return int64(n), nil
	case int32:
		return int64(n), nil
	case int64:
		return n, nil
	case uint8:
		return int64(n), nil
	case uint16:
		return int64(n), nil
	case uint32:
		return int64(n), nil
	case float64:
		if n == math.Trunc(n) {
			return int64(n), nil
		}
	case json.Number:
		return n.Int64()
	}
	return nil, fmt.Errorf("%w: field %s expects an integer, got %T", store.ErrInvalidFilter, f.Name, v)
}

// decodeValue 把驱动返回的列值还原为 Record 中的值
func decodeValue(f store.FieldMeta, v any) (any, error) {
	if raw, ok := v.([]byte); ok {
		v = string(raw)
	}
	if v == nil {
		return nil, nil
	}
	switch f.Kind {
	case store.KindInteger:
		switch n := v.(type) {
		case int64:
			return n, nil
		case string:
			return strconv.ParseInt(n, 10, 64)
		}
		return v, nil
	case store.KindReal:
		switch n := v.(type) {
		case float64:
			return n, nil
		case int64:
			return float64(n), nil
		case string:
			return strconv.ParseFloat(n, 64)
		}
		return v, nil
	case store.KindBoolean:
		switch b := v.(type) {
		case bool:
			return b, nil
		case int64:
			return b != 0, nil
		case string:
			return strconv.ParseBool(b)
		}
		return v, nil
	case store.KindTime:
		switch t := v.(type) {
		case time.Time:
			return t.UTC(), nil
		case string:
			return time.Parse(time.RFC3339Nano, t)
		}
		return v, nil
	case store.KindJSON:
		s, ok := v.(string)
		if !ok {
			return v, nil
		}
		var out any
		if err := json.Unmarshal([]byte(s), &out); err != nil {
			return nil, fmt.Errorf("field %s: %w", f.Name, err)
		}
		return out, nil
	default:
		if s, ok := v.(string); ok {
			return s, nil
		}
		return fmt.Sprint(v), nil
	}
}
