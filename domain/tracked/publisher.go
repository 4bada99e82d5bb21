package tracked

import (
	"context"

	"changetrail/domain/changeset"
	"changetrail/logging"
	"changetrail/messaging"
)

func (r *Repository) changeSetMessage(typ string, cs *changeset.ChangeSet) messaging.IMessage {
	msg := messaging.NewMessage(typ, cs)
	msg.SetMetadata(messaging.MetaCollection, r.meta.Name)
	msg.SetMetadata(messaging.MetaEntityID, cs.EntityID)
	if cs.CreatedBy != nil {
		msg.SetMetadata(messaging.MetaActor, *cs.CreatedBy)
	}
	return msg
}

// publish 变更已持久化，发布失败只记录日志
func (r *Repository) publish(ctx context.Context, msgs []messaging.IMessage) {
	if r.publisher == nil || len(msgs) == 0 {
		return
	}
	if err := r.publisher.PublishAll(ctx, msgs); err != nil {
		r.logger.Warn(ctx, "publish change set notifications failed",
			logging.Int("count", len(msgs)), logging.Error(err))
	}
}
