package job

import (
	"fmt"
	"slices"
	"time"

	"github.com/d53dave/cgopt/pkg/cloudevent"
)

// Event types for job lifecycle webhooks
const (
	EventTypeStatus  = "cgopt.job.status.changed"
	EventTypeResults = "cgopt.job.results.appended"
)

// FilteredEvents returns true if the event type should be sent based on the
// filter. If the filter is empty, all events are allowed.
func FilteredEvents(eventType string, filter []string) bool {
	if len(filter) == 0 {
		return true
	}
	return slices.Contains(filter, eventType)
}

// EventBuilder builds CloudEvents for job lifecycle events.
type EventBuilder struct {
	source  string
	subject string
	meta    map[string]string
}

// NewEventBuilder creates a new EventBuilder.
func NewEventBuilder(jobID, source string, meta map[string]string) *EventBuilder {
	return &EventBuilder{
		source:  source,
		subject: jobID,
		meta:    meta,
	}
}

// Build creates a new CloudEvent with the given type and data.
func (b *EventBuilder) Build(eventType string, data map[string]any) *cloudevent.CloudEvent {
	eventID := fmt.Sprintf("%s-%d", b.subject, time.Now().UnixNano())
	return cloudevent.New(eventType, b.source, b.subject, eventID, data)
}

// BuildStatusEvent creates a status change event.
func (b *EventBuilder) BuildStatusEvent(from, to Status, cause string) *cloudevent.CloudEvent {
	data := map[string]any{
		"jobId": b.subject,
		"from":  string(from),
		"to":    string(to),
		"meta":  b.meta,
	}
	if cause != "" {
		data["error"] = cause
	}
	return b.Build(EventTypeStatus, data)
}

// BuildResultsEvent creates a results appended event. The payload carries
// cursor and summary data rather than the snapshots themselves; consumers
// fetch the suffix through the results API.
func (b *EventBuilder) BuildResultsEvent(appended []ResultSnapshot) *cloudevent.CloudEvent {
	data := map[string]any{
		"jobId": b.subject,
		"count": len(appended),
		"meta":  b.meta,
	}
	if len(appended) > 0 {
		last := appended[len(appended)-1]
		data["lastSeq"] = last.Seq
		data["final"] = last.Final

		best := appended[0].Candidate.Energy
		for _, r := range appended[1:] {
			if r.Candidate.Energy < best {
				best = r.Candidate.Energy
			}
		}
		data["bestEnergy"] = best
	}
	return b.Build(EventTypeResults, data)
}
