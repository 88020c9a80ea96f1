package natsbus

import "fmt"

// Topic patterns for NATS pub/sub communication.

func TopicEventsTask(taskID string) string {
	return fmt.Sprintf("events.task.%s", taskID)
}

func TopicEventsAgent(agentID string) string {
	return fmt.Sprintf("events.agent.%s", agentID)
}

const (
	TopicEventsAll   = "events.>"
	TopicEventsTasks = "events.task.*"

	// TopicIPC carries request/reply commands from the pooltask CLI.
	TopicIPC = "pool.ipc"
	QueueIPC = "agentpool"
)
