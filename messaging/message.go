// Package messaging 提供变更集通知的消息抽象：消息、处理器、传输层与消息总线。
package messaging

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// 变更集通知类型
const (
	// TypeChangeSetRecorded 变更集已记录（随实体修改一起提交）
	TypeChangeSetRecorded = "changeset.recorded"
	// TypeChangeSetConsumed 变更集已被重置或回滚消费并删除
	TypeChangeSetConsumed = "changeset.consumed"
)

// 常用元数据键
const (
	MetaCollection    = "collection"
	MetaEntityID      = "entity_id"
	MetaActor         = "actor"
	MetaCorrelationID = "correlation_id"
)

// IMessage 消息接口
type IMessage interface {
	GetID() string
	GetType() string
	GetTimestamp() time.Time
	GetPayload() any
	GetMetadata() map[string]any
}

// Message 消息基础实现
type Message struct {
	ID        string         `json:"id"`
	Type      string         `json:"type"`
	Timestamp time.Time      `json:"timestamp"`
	Payload   any            `json:"payload"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

func (m *Message) GetID() string           { return m.ID }
func (m *Message) GetType() string         { return m.Type }
func (m *Message) GetTimestamp() time.Time { return m.Timestamp }
func (m *Message) GetPayload() any         { return m.Payload }

// GetMetadata 获取元数据
func (m *Message) GetMetadata() map[string]any {
	if m.Metadata == nil {
		m.Metadata = make(map[string]any)
	}
	return m.Metadata
}

// SetMetadata 设置元数据
func (m *Message) SetMetadata(key string, value any) {
	m.GetMetadata()[key] = value
}

// NewMessage 创建新消息，ID 为随机 UUID
func NewMessage(messageType string, payload any) *Message {
	return &Message{
		ID:        uuid.NewString(),
		Type:      messageType,
		Timestamp: time.Now().UTC(),
		Payload:   payload,
		Metadata:  make(map[string]any),
	}
}

// DecodePayload 把载荷解码到 out。
//
// 经过网络传输的消息载荷是通用 JSON 结构，这里通过 JSON 往返还原为具体类型。
func DecodePayload(msg IMessage, out any) error {
	raw, err := json.Marshal(msg.GetPayload())
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, out)
}
