package instrumentation

import "time"

type EventType string

const (
	EventRequest          EventType = "network.request"
	EventRequestTimeout   EventType = "network.request_timeout"
	EventRequestQueueSize EventType = "network.request_queue_size"
)

// Event is one emission on a Bus. ID increases monotonically per bus and
// Timestamp is taken at emission.
type Event struct {
	ID        uint64
	Type      EventType
	Timestamp time.Time
	Payload   interface{}
}

// RequestPayload is the payload of EventRequest. Times are unix milliseconds
// and durations are milliseconds.
type RequestPayload struct {
	APIKey          int16  `json:"apiKey"`
	APIName         string `json:"apiName"`
	APIVersion      int16  `json:"apiVersion"`
	Broker          string `json:"broker"`
	ClientID        string `json:"clientId"`
	CorrelationID   int32  `json:"correlationId"`
	CreatedAt       int64  `json:"createdAt"`
	SentAt          int64  `json:"sentAt"`
	PendingDuration int64  `json:"pendingDuration"`
	Duration        int64  `json:"duration"`
	Size            int    `json:"size"`
}

// RequestTimeoutPayload is the payload of EventRequestTimeout.
type RequestTimeoutPayload struct {
	APIKey          int16  `json:"apiKey"`
	APIName         string `json:"apiName"`
	APIVersion      int16  `json:"apiVersion"`
	Broker          string `json:"broker"`
	ClientID        string `json:"clientId"`
	CorrelationID   int32  `json:"correlationId"`
	CreatedAt       int64  `json:"createdAt"`
	SentAt          int64  `json:"sentAt"`
	PendingDuration int64  `json:"pendingDuration"`
}

// RequestQueueSizePayload is the payload of EventRequestQueueSize. QueueSize
// counts requests waiting for an in-flight slot.
type RequestQueueSizePayload struct {
	Broker    string `json:"broker"`
	ClientID  string `json:"clientId"`
	QueueSize int    `json:"queueSize"`
}
