package a2abus

import "time"

// EventType enumerates internal lifecycle events for Observer pattern.
type EventType string

const (
	PublishStart     EventType = "publish_start"
	PublishDone      EventType = "publish_done"
	QueryStart       EventType = "query_start"
	QueryDone        EventType = "query_done"
	DispatchMiss     EventType = "dispatch_miss"
	HandlerFailed    EventType = "handler_failed"
	MalformedRequest EventType = "malformed_request"
	Error            EventType = "error"
)

// Event carries telemetry for observers.
type Event struct {
	Type      EventType
	Topic     string
	MsgType   string
	MessageID string
	Source    string
	Duration  time.Duration
	Err       error

	// Internal: attached for async dispatch
	observers []Observer
}
