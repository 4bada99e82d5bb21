package audit

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"changetrail/data/store"
	"changetrail/domain/changeset"
)

// encodeValue Undefined 保存为 NULL，其余值保存为 JSON 文本（null 为 "null"）
func encodeValue(v any) (any, error) {
	if store.IsUndefined(v) {
		return nil, nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return string(raw), nil
}

func decodeValue(v any) (any, error) {
	if v == nil {
		return store.Undefined, nil
	}
	s, ok := v.(string)
	if !ok {
		return nil, fmt.Errorf("audit: unexpected stored value %T", v)
	}
	dec := json.NewDecoder(strings.NewReader(s))
	dec.UseNumber()
	var out any
	if err := dec.Decode(&out); err != nil {
		return nil, err
	}
	return normalizeNumbers(out), nil
}

// normalizeNumbers 整数还原为 int64，其余数字为 float64
func normalizeNumbers(v any) any {
	switch val := v.(type) {
	case json.Number:
		if i, err := val.Int64(); err == nil {
			return i
		}
		f, _ := val.Float64()
		return f
	case map[string]any:
		for k, inner := range val {
			val[k] = normalizeNumbers(inner)
		}
		return val
	case []any:
		for i, inner := range val {
			val[i] = normalizeNumbers(inner)
		}
		return val
	default:
		return v
	}
}

func changeSetToRecord(cs *changeset.ChangeSet) store.Record {
	var createdBy any
	if cs.CreatedBy != nil {
		createdBy = *cs.CreatedBy
	}
	return store.Record{
		colID:         cs.ID,
		colType:       string(cs.Type),
		colCreatedAt:  cs.CreatedAt.UnixNano(),
		colSequence:   cs.Sequence,
		colCreatedBy:  createdBy,
		colEntityID:   cs.EntityID,
		colCollection: cs.Collection,
	}
}

func recordToChangeSet(rec store.Record) (*changeset.ChangeSet, error) {
	createdAt, ok := asInt64(rec[colCreatedAt])
	if !ok {
		return nil, fmt.Errorf("audit: change set %s has invalid created_at %T", rec.ID(), rec[colCreatedAt])
	}
	sequence, _ := asInt64(rec[colSequence])
	cs := &changeset.ChangeSet{
		ID:         rec.ID(),
		Type:       changeset.Type(asString(rec[colType])),
		CreatedAt:  time.Unix(0, createdAt).UTC(),
		Sequence:   sequence,
		EntityID:   asString(rec[colEntityID]),
		Collection: asString(rec[colCollection]),
		Changes:    []changeset.Change{},
	}
	if by, ok := rec[colCreatedBy].(string); ok {
		cs.CreatedBy = &by
	}
	return cs, nil
}

func changeToRecord(c changeset.Change) (store.Record, error) {
	prev, err := encodeValue(c.PreviousValue)
	if err != nil {
		return nil, fmt.Errorf("audit: encode previous value of %s: %w", c.Key, err)
	}
	next, err := encodeValue(c.NewValue)
	if err != nil {
		return nil, fmt.Errorf("audit: encode new value of %s: %w", c.Key, err)
	}
	return store.Record{
		colID:            c.ID,
		colKey:           c.Key,
		colPreviousValue: prev,
		colNewValue:      next,
		colChangeSetID:   c.ChangeSetID,
	}, nil
}

func recordToChange(rec store.Record) (changeset.Change, error) {
	prev, err := decodeValue(rec[colPreviousValue])
	if err != nil {
		return changeset.Change{}, fmt.Errorf("audit: decode change %s: %w", rec.ID(), err)
	}
	next, err := decodeValue(rec[colNewValue])
	if err != nil {
		return changeset.Change{}, fmt.Errorf("audit: decode change %s: %w", rec.ID(), err)
	}
	if store.IsUndefined(next) {
		next = nil
	}
	return changeset.Change{
		ID:            rec.ID(),
		Key:           asString(rec[colKey]),
		PreviousValue: prev,
		NewValue:      next,
		ChangeSetID:   asString(rec[colChangeSetID]),
	}, nil
}

func asString(v any) string {
	s, _ := v.(string)
	return s
}

func asInt64(v any) (int64, bool) {
	switch n := v.(type) {
	case int64:
		return n, true
	case int:
		return int64(n), true
	case float64:
		return int64(n), true
	}
	return 0, false
}
