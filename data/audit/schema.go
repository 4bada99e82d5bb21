package audit

import "changetrail/data/store"

// Tables 审计表名
type Tables struct {
	ChangeSets string `mapstructure:"change_sets"`
	Changes    string `mapstructure:"changes"`
}

// DefaultTables 默认表名
var DefaultTables = Tables{ChangeSets: "change_sets", Changes: "changes"}

func (t Tables) withDefaults() Tables {
	if t.ChangeSets == "" {
		t.ChangeSets = DefaultTables.ChangeSets
	}
	if t.Changes == "" {
		t.Changes = DefaultTables.Changes
	}
	return t
}

// 变更集字段
const (
	colID         = "id"
	colType       = "type"
	colCreatedAt  = "created_at"
	colSequence   = "sequence"
	colCreatedBy  = "created_by"
	colEntityID   = "entity_id"
	colCollection = "collection"
)

// 字段变更字段
const (
	colKey           = "key"
	colPreviousValue = "previous_value"
	colNewValue      = "new_value"
	colChangeSetID   = "change_set_id"
)

// ChangeSetsMeta 变更集表的元信息；created_at 以 UnixNano 整数保存
func ChangeSetsMeta(table string) *store.CollectionMeta {
	return &store.CollectionMeta{
		Name:  table,
		Table: table,
		Fields: []store.FieldMeta{
			{Name: colID, Kind: store.KindText, PrimaryKey: true},
			{Name: colType, Kind: store.KindText},
			{Name: colCreatedAt, Kind: store.KindInteger, Indexed: true},
			{Name: colSequence, Kind: store.KindInteger},
			{Name: colCreatedBy, Kind: store.KindText},
			{Name: colEntityID, Kind: store.KindText, Indexed: true},
			{Name: colCollection, Kind: store.KindText},
		},
	}
}

// ChangesMeta 字段变更表的元信息；前后值以 JSON 文本保存，SQL NULL 表示字段不存在
func ChangesMeta(table string) *store.CollectionMeta {
	return &store.CollectionMeta{
		Name:  table,
		Table: table,
		Fields: []store.FieldMeta{
			{Name: colID, Kind: store.KindText, PrimaryKey: true},
			{Name: colKey, Kind: store.KindText},
			{Name: colPreviousValue, Kind: store.KindText},
			{Name: colNewValue, Kind: store.KindText},
			{Name: colChangeSetID, Kind: store.KindText, Indexed: true},
		},
	}
}
