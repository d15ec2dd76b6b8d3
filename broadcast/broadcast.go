// Package broadcast fans out execution lifecycle events to in-process
// subscribers (UI streams, log sinks, tests).
package broadcast

import (
	"sync"

	"go.uber.org/zap"

	"github.com/halyardhq/halyard/logger"
)

const (
	// SubscriberChannelBufferSize is the buffer size for subscriber channels
	SubscriberChannelBufferSize = 100
)

// Event types emitted during remote execution.
const (
	EventExecutionStarted   = "execution_started"
	EventExecutionOutput    = "execution_output"
	EventExecutionToolCall  = "execution_tool_call"
	EventExecutionFile      = "execution_file_change"
	EventExecutionCompleted = "execution_completed"
	EventExecutionFailed    = "execution_failed"
	EventAgentValidated     = "agent_validated"
)

// Event is a single broadcast message.
type Event struct {
	Type        string `json:"type"`
	ServerID    string `json:"serverId,omitempty"`
	AgentID     string `json:"agentId,omitempty"`
	ExecutionID string `json:"executionId,omitempty"`
	Payload     string `json:"payload,omitempty"`
}

// Broadcaster publishes execution events. The relay and dispatch layers
// depend on this interface so a no-op can be injected in tests.
type Broadcaster interface {
	Publish(event Event)
}

// Nop discards all events.
type Nop struct{}

func (Nop) Publish(Event) {}

// Hub is an in-process Broadcaster with buffered subscriber channels.
type Hub struct {
	mu          sync.RWMutex
	subscribers []chan Event
	logger      *zap.SugaredLogger
}

// NewHub creates a Hub with no subscribers.
func NewHub() *Hub {
	return &Hub{logger: logger.Logger}
}

// Subscribe returns a channel that receives published events.
// The caller is responsible for calling Unsubscribe when done.
// The returned channel is buffered to prevent blocking the publisher.
func (h *Hub) Subscribe() chan Event {
	h.mu.Lock()
	defer h.mu.Unlock()

	ch := make(chan Event, SubscriberChannelBufferSize)
	h.subscribers = append(h.subscribers, ch)
	return ch
}

// Unsubscribe removes a subscriber channel from the hub.
// The channel is NOT closed by this method - callers should close it
// themselves after unsubscribing if needed. This prevents double-close panics.
func (h *Hub) Unsubscribe(ch chan Event) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for i, sub := range h.subscribers {
		if sub == ch {
			h.subscribers = append(h.subscribers[:i], h.subscribers[i+1:]...)
			return
		}
	}
}

// Publish sends the event to all subscribers.
// Uses non-blocking send to avoid stalling if a subscriber is slow.
func (h *Hub) Publish(event Event) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for _, ch := range h.subscribers {
		select {
		case ch <- event:
		default:
			h.logger.Debugw("Dropping broadcast event for slow subscriber",
				"type", event.Type,
				"execution_id", event.ExecutionID)
		}
	}
}
