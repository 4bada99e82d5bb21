package messaging_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"changetrail/messaging"
	"changetrail/messaging/middleware"
	synctransport "changetrail/messaging/transport/sync"
)

// batchTransport 记录每次 PublishAll 收到的批次
type batchTransport struct {
	*synctransport.SyncTransport
	batches [][]messaging.IMessage
	err     error
}

func (t *batchTransport) PublishAll(ctx context.Context, messages []messaging.IMessage) error {
	t.batches = append(t.batches, messages)
	if t.err != nil {
		return t.err
	}
	return t.SyncTransport.PublishAll(ctx, messages)
}

type stamp struct {
	name  string
	order *[]string
	err   error
}

func (s stamp) Name() string { return s.name }

func (s stamp) Handle(ctx context.Context, msg messaging.IMessage, next messaging.HandlerFunc) error {
	*s.order = append(*s.order, s.name+":"+msg.GetID())
	if s.err != nil {
		return s.err
	}
	return next(ctx, msg)
}

func recorded(entityID string) *messaging.Message {
	msg := messaging.NewMessage(messaging.TypeChangeSetRecorded, map[string]any{"entityId": entityID})
	msg.SetMetadata(messaging.MetaEntityID, entityID)
	return msg
}

func newBus(t *testing.T) (*messaging.MessageBus, *batchTransport) {
	t.Helper()
	transport := &batchTransport{SyncTransport: synctransport.NewSyncTransport()}
	require.NoError(t, transport.Start(context.Background()))
	t.Cleanup(func() { _ = transport.Close() })
	return messaging.NewMessageBus(transport), transport
}

func TestMessageBus_MiddlewareOrder(t *testing.T) {
	bus, transport := newBus(t)
	var order []string
	bus.Use(stamp{name: "a", order: &order})
	bus.Use(stamp{name: "b", order: &order})

	m1, m2 := recorded("e-1"), recorded("e-2")
	require.NoError(t, bus.PublishAll(context.Background(), []messaging.IMessage{m1, m2}))

	// 中间件按注册顺序逐条执行，之后整批交给传输层
	assert.Equal(t, []string{"a:" + m1.ID, "b:" + m1.ID, "a:" + m2.ID, "b:" + m2.ID}, order)
	require.Len(t, transport.batches, 1)
	assert.Equal(t, []messaging.IMessage{m1, m2}, transport.batches[0])
}

func TestMessageBus_MiddlewareErrorStopsBatch(t *testing.T) {
	bus, transport := newBus(t)
	var order []string
	boom := errors.New("rejected")
	bus.Use(stamp{name: "deny", order: &order, err: boom})

	err := bus.PublishAll(context.Background(), []messaging.IMessage{recorded("e-1"), recorded("e-2")})
	require.Error(t, err)
	assert.ErrorIs(t, err, boom)
	assert.Len(t, order, 1, "第一条失败后不再处理后续消息")
	assert.Empty(t, transport.batches)

	require.NoError(t, bus.PublishAll(context.Background(), nil))
	assert.Empty(t, transport.batches, "空批次不触达传输层")
}

func TestMessageBus_TransportError(t *testing.T) {
	bus, transport := newBus(t)
	transport.err = errors.New("broker down")

	err := bus.PublishAll(context.Background(), []messaging.IMessage{recorded("e-1")})
	assert.ErrorIs(t, err, transport.err)
}

func TestMessageBus_DeliversWithCorrelation(t *testing.T) {
	bus, _ := newBus(t)
	bus.Use(middleware.NewCorrelationMiddleware())

	var got []messaging.IMessage
	handler := messaging.NewHandler("collect", func(ctx context.Context, msg messaging.IMessage) error {
		got = append(got, msg)
		return nil
	})
	ctx := context.Background()
	require.NoError(t, bus.Subscribe(ctx, messaging.TypeChangeSetRecorded, handler))

	ctx = middleware.WithCorrelationID(ctx, "op-1")
	require.NoError(t, bus.PublishAll(ctx, []messaging.IMessage{recorded("e-1"), recorded("e-2")}))
	require.Len(t, got, 2)
	for _, msg := range got {
		assert.Equal(t, "op-1", msg.GetMetadata()[messaging.MetaCorrelationID])
	}

	require.NoError(t, bus.Unsubscribe(ctx, messaging.TypeChangeSetRecorded, handler))
	require.NoError(t, bus.Publish(ctx, recorded("e-3")))
	assert.Len(t, got, 2)
}

func TestDecodePayload(t *testing.T) {
	var out struct {
		EntityID string `json:"entityId"`
		Sequence int64  `json:"sequence"`
	}
	msg := messaging.NewMessage(messaging.TypeChangeSetConsumed, map[string]any{"entityId": "e-1", "sequence": 42})
	assert.NotEmpty(t, msg.GetID())
	assert.False(t, msg.GetTimestamp().IsZero())

	require.NoError(t, messaging.DecodePayload(msg, &out))
	assert.Equal(t, "e-1", out.EntityID)
	assert.Equal(t, int64(42), out.Sequence)
}
