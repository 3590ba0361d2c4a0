package resource

import "github.com/chris-alexander-pop/reliable-queue/pkg/reliableq/model"

// Derived storage names, bit-exact per spec.md §6 "Derived storage names".

func BodyContainerName(key model.QueueKey) string {
	return "reliable-queue-body-" + key.Safe()
}

func NotificationQueueName(key model.QueueKey) string {
	return "reliable-queue-" + key.Safe()
}

func StateTableName(key model.QueueKey) string {
	return "ReliableQueueState" + key.TableSafe()
}

func TopicAffinityTableName(key model.QueueKey) string {
	return "ReliableQueueTopic" + key.TableSafe()
}
