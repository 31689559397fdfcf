// Package dispatcher delivers job lifecycle webhooks asynchronously.
// Status-change and results-appended events are queued in a bounded buffer
// and delivered by a worker pool with retry, so a slow or dead callback
// endpoint never blocks a job driver.
package dispatcher

import (
	"context"
	"errors"

	"github.com/d53dave/cgopt/pkg/cloudevent"
)

// ErrBufferFull is returned when the dispatch buffer is full and the event
// is dropped.
var ErrBufferFull = errors.New("dispatcher buffer full, event dropped")

// Dispatcher handles async delivery of events. Implementations may buffer
// in memory or hand off to an external queue.
type Dispatcher interface {
	// Dispatch queues an event for async delivery. Non-blocking; returns
	// ErrBufferFull if the event cannot be queued.
	Dispatch(event *Event) error

	// Stats returns current dispatcher statistics.
	Stats() Stats

	// Close shuts down, attempting to deliver queued events. The context
	// deadline bounds the drain.
	Close(ctx context.Context) error
}

// Event is one webhook delivery: a CloudEvent and where to send it.
type Event struct {
	Payload     *cloudevent.CloudEvent
	Destination string // callback URL
	SigningKey  string // HMAC key for signing, empty = no signing
	Signature   string // pre-computed signature, takes precedence over SigningKey
	Requeues    int    // times requeued due to an open circuit (internal)
}

// Stats holds dispatcher statistics.
type Stats struct {
	QueueDepth    int   // current queue size
	Queued        int64 // total events queued
	Delivered     int64 // successful deliveries
	Failed        int64 // failed after retries
	Dropped       int64 // dropped due to full buffer or max requeues
	Requeued      int64 // requeued due to open circuit
	RetriesTotal  int64 // total retry attempts
	BreakersTotal int   // total circuit breakers
	BreakersOpen  int   // currently open breakers
}
