package poller

import (
	"sync"
	"time"
)

// EventType は Poller が発行するイベントの種類です。
type EventType string

const (
	EventSubmitted EventType = "submitted"
	EventStatus    EventType = "status"
	EventResult    EventType = "result"
	EventError     EventType = "error"
	EventCanceled  EventType = "canceled"
	EventReset     EventType = "reset"
)

// Event は UI 購読者向けの連番付きイベントです。
type Event struct {
	Seq       int64     `json:"seq"`
	Timestamp time.Time `json:"timestamp"`
	Type      EventType `json:"type"`
	JobID     string    `json:"jobId,omitempty"`
	Status    Status    `json:"status,omitempty"`
	Progress  float64   `json:"progress,omitempty"`
	Message   string    `json:"message,omitempty"`
}

// EventBus は直近のイベントを保持し、差分読み出しと更新通知を提供します。
type EventBus struct {
	mu        sync.RWMutex
	nextSeq   int64
	maxEvents int
	events    []Event
	notify    chan struct{}
}

// NewEventBus は上限付きのイベントバッファを作成します。
func NewEventBus(maxEvents int) *EventBus {
	if maxEvents <= 0 {
		maxEvents = 200
	}

	return &EventBus{
		maxEvents: maxEvents,
		events:    make([]Event, 0, maxEvents),
		notify:    make(chan struct{}),
	}
}

// Publish はイベントを追加し、連番と時刻を割り当てて待機中の購読者を起こします。
func (b *EventBus) Publish(event Event) Event {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextSeq++
	event.Seq = b.nextSeq
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	b.events = append(b.events, event)
	if len(b.events) > b.maxEvents {
		trim := len(b.events) - b.maxEvents
		b.events = append([]Event(nil), b.events[trim:]...)
	}

	close(b.notify)
	b.notify = make(chan struct{})
	return event
}

// Since は seq より大きい連番のイベントを返します。
func (b *EventBus) Since(seq int64) []Event {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if len(b.events) == 0 {
		return nil
	}

	out := make([]Event, 0, len(b.events))
	for _, event := range b.events {
		if event.Seq > seq {
			out = append(out, event)
		}
	}
	return out
}

// Wait は次の Publish で閉じられるチャネルを返します。
func (b *EventBus) Wait() <-chan struct{} {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.notify
}

// LastSeq は最後に発行した連番を返します。
func (b *EventBus) LastSeq() int64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.nextSeq
}
