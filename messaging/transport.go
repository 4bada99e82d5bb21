package messaging

import (
	"context"
)

// IPublisher 只负责发布消息，变更追踪仓储只依赖该接口
type IPublisher interface {
	Publish(ctx context.Context, message IMessage) error
	PublishAll(ctx context.Context, messages []IMessage) error
}

// Transport 消息传输接口
type Transport interface {
	IPublisher
	Subscribe(messageType string, handler IMessageHandler) error
	Unsubscribe(messageType string, handler IMessageHandler) error
	Start(ctx context.Context) error
	Close() error
	Stats() TransportStats
}

// TransportStats 传输层统计信息
type TransportStats struct {
	Running      bool     `json:"running" yaml:"running"`
	HandlerCount int      `json:"handler_count" yaml:"handler_count"`
	MessageTypes []string `json:"message_types" yaml:"message_types"`
}
