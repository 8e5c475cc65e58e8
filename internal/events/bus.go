// Package events provides a publish/subscribe event bus connecting the
// Collector, Scheduler, and Report Orchestrator to the Notification
// Engine and Realtime Hub. The bus is nil-safe: calling Publish on a
// nil *Bus is a no-op, so components do not need guard checks.
package events

import (
	"sync"
	"time"
)

// Source constants identify which component published an event.
const (
	// SourceCollector identifies events from a subscription collection cycle.
	SourceCollector = "collector"
	// SourceScheduler identifies events from the job scheduler.
	SourceScheduler = "scheduler"
	// SourceReport identifies events from the report orchestrator.
	SourceReport = "report"
	// SourceNotify identifies events from the notification engine.
	SourceNotify = "notify"
)

// Kind constants describe the type of event within a source.
const (
	// KindNewActivity signals a newly-ingested Activity row.
	// Data: subscription_id, activity_id, kind, external_id, repo_ref.
	KindNewActivity = "new_activity"

	// KindTaskFired signals a scheduled job has begun executing.
	// Data: job_key, execution_id.
	KindTaskFired = "task_fired"
	// KindTaskComplete signals a scheduled job has finished executing.
	// Data: job_key, execution_id, ok, duration_ms.
	KindTaskComplete = "task_complete"

	// KindReportReady signals a report finished generating successfully.
	// Data: report_id, owner_user_id, subscription_ids.
	KindReportReady = "report_ready"
	// KindReportProgress signals a stage transition within a report job.
	// Data: task_id, progress, status, message.
	KindReportProgress = "report_progress"

	// KindRuleTriggered signals a NotificationRule matched an event.
	// Data: rule_id, owner_user_id, event_kind.
	KindRuleTriggered = "rule_triggered"
)

// Event represents a single domain event published by a component.
type Event struct {
	// Timestamp is when the event occurred.
	Timestamp time.Time `json:"ts"`
	// Source identifies the component that published the event.
	Source string `json:"source"`
	// Kind describes the type of event within the source.
	Kind string `json:"kind"`
	// Data holds event-specific key/value pairs.
	Data map[string]any `json:"data,omitempty"`
}

// Bus is a non-blocking broadcast event bus. Subscribers receive events
// on buffered channels; slow subscribers miss events rather than
// blocking publishers.
type Bus struct {
	mu   sync.RWMutex
	subs map[chan Event]struct{}
	// recvToSend maps the receive-only channel returned by Subscribe
	// back to the bidirectional channel stored in subs. This allows
	// Unsubscribe to accept <-chan Event (the caller's view) without
	// an illegal type conversion.
	recvToSend map[<-chan Event]chan Event
}

// New creates a new event bus ready for use.
func New() *Bus {
	return &Bus{
		subs:       make(map[chan Event]struct{}),
		recvToSend: make(map[<-chan Event]chan Event),
	}
}

// Publish sends an event to all subscribers. Non-blocking: if a
// subscriber's channel is full, the event is dropped for that
// subscriber. Safe to call on a nil receiver (no-op).
func (b *Bus) Publish(e Event) {
	if b == nil {
		return
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for ch := range b.subs {
		select {
		case ch <- e:
		default:
			// Subscriber is full — drop the event rather than block.
		}
	}
}

// Subscribe returns a channel that receives published events. The
// caller must eventually call Unsubscribe to avoid resource leaks.
// bufSize controls the channel buffer; 64 is a reasonable default for
// the Realtime Hub and Notification Engine consumers.
func (b *Bus) Subscribe(bufSize int) <-chan Event {
	ch := make(chan Event, bufSize)
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[ch] = struct{}{}
	b.recvToSend[ch] = ch
	return ch
}

// Unsubscribe removes a subscription and closes the channel. Safe to
// call with a channel that is already unsubscribed (no-op).
func (b *Bus) Unsubscribe(ch <-chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	sendCh, ok := b.recvToSend[ch]
	if !ok {
		return
	}
	delete(b.subs, sendCh)
	delete(b.recvToSend, ch)
	close(sendCh)
}

// SubscriberCount returns the number of active subscribers.
func (b *Bus) SubscriberCount() int {
	if b == nil {
		return 0
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
