// Package cloudevent implements just enough of CloudEvents 1.0 to emit
// structured webhook notifications: the envelope type and an HTTP sender
// with optional HMAC signing.
package cloudevent

import "time"

// CloudEvent is a CloudEvents 1.0 envelope. Field names and JSON keys
// follow the spec; Data carries the event-specific payload.
type CloudEvent struct {
	SpecVersion     string         `json:"specversion"`
	Type            string         `json:"type"`
	Source          string         `json:"source"`
	Subject         string         `json:"subject"`
	ID              string         `json:"id"`
	Time            time.Time      `json:"time"`
	DataContentType string         `json:"datacontenttype"`
	Data            map[string]any `json:"data"`
}

// New builds a CloudEvent stamped with the current UTC time.
func New(eventType, source, subject, id string, data map[string]any) *CloudEvent {
	return &CloudEvent{
		SpecVersion:     "1.0",
		Type:            eventType,
		Source:          source,
		Subject:         subject,
		ID:              id,
		Time:            time.Now().UTC(),
		DataContentType: "application/json",
		Data:            data,
	}
}
