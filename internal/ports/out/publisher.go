package out

import "context"

// EventPublisher 事件发布接口
type EventPublisher interface {
	Publish(ctx context.Context, topic, key string, value []byte) error
}
