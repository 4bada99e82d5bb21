// Package middleware 提供消息总线的发布中间件。
package middleware

import (
	"context"
	"time"

	"changetrail/logging"
	"changetrail/messaging"
)

type correlationKey struct{}

// WithCorrelationID 把关联ID放入 Context，同一次操作发布的全部通知共享该ID
func WithCorrelationID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, correlationKey{}, id)
}

// CorrelationID 从 Context 读取关联ID
func CorrelationID(ctx context.Context) string {
	id, _ := ctx.Value(correlationKey{}).(string)
	return id
}

// CorrelationMiddleware 为缺少 correlation_id 的消息补齐关联ID。
// Context 中没有关联ID时使用消息自身ID。
type CorrelationMiddleware struct{}

func NewCorrelationMiddleware() *CorrelationMiddleware { return &CorrelationMiddleware{} }

func (m *CorrelationMiddleware) Name() string { return "Correlation" }

func (m *CorrelationMiddleware) Handle(ctx context.Context, message messaging.IMessage, next messaging.HandlerFunc) error {
	md := message.GetMetadata()
	if v, ok := md[messaging.MetaCorrelationID].(string); !ok || v == "" {
		if id := CorrelationID(ctx); id != "" {
			md[messaging.MetaCorrelationID] = id
		} else {
			md[messaging.MetaCorrelationID] = message.GetID()
		}
	}
	return next(ctx, message)
}

// LoggingMiddleware 记录每条发布的消息及耗时
type LoggingMiddleware struct {
	logger logging.Logger
}

// NewLoggingMiddleware logger 为 nil 时使用全局 Logger
func NewLoggingMiddleware(logger logging.Logger) *LoggingMiddleware {
	if logger == nil {
		logger = logging.ComponentLogger("messaging.publish")
	}
	return &LoggingMiddleware{logger: logger}
}

func (m *LoggingMiddleware) Name() string { return "Logging" }

func (m *LoggingMiddleware) Handle(ctx context.Context, message messaging.IMessage, next messaging.HandlerFunc) error {
	start := time.Now()
	err := next(ctx, message)
	fields := []logging.Field{
		logging.String("message_id", message.GetID()),
		logging.String("message_type", message.GetType()),
		logging.Duration("elapsed", time.Since(start)),
	}
	if err != nil {
		m.logger.Warn(ctx, "publish failed", append(fields, logging.Error(err))...)
		return err
	}
	m.logger.Debug(ctx, "published", fields...)
	return nil
}
