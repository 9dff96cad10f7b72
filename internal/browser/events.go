package browser

import (
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
)

// Outcome is the result of handling one page event. Handlers never fail the caller.
type Outcome int

const (
	OutcomeRecorded Outcome = iota
	OutcomePaired
	OutcomeIgnored
	OutcomeDropped
)

func (o Outcome) String() string {
	switch o {
	case OutcomeRecorded:
		return "recorded"
	case OutcomePaired:
		return "paired"
	case OutcomeIgnored:
		return "ignored"
	default:
		return "dropped"
	}
}

// EventBridge feeds page events into the DiagnosticsStore.
type EventBridge struct {
	store *DiagnosticsStore
	log   *zap.Logger
	now   func() time.Time
}

// NewEventBridge creates a bridge writing to store.
func NewEventBridge(store *DiagnosticsStore, log *zap.Logger) *EventBridge {
	if log == nil {
		log = zap.NewNop()
	}
	return &EventBridge{store: store, log: log, now: time.Now}
}

// Bind returns a Listener whose callbacks record into domain's buffers.
func (b *EventBridge) Bind(domain string) Listener {
	return Listener{
		OnRequest:  func(ev RequestEvent) { b.HandleRequest(domain, ev) },
		OnResponse: func(ev ResponseEvent) { b.HandleResponse(domain, ev) },
		OnConsole:  func(ev ConsoleEvent) { b.HandleConsole(domain, ev) },
	}
}

// HandleRequest appends a network record.
func (b *EventBridge) HandleRequest(domain string, ev RequestEvent) (out Outcome) {
	defer b.recoverInto(&out, "request")
	if ev.URL == "" {
		return OutcomeIgnored
	}
	b.store.AppendRequest(domain, NetworkRequest{
		URL:          ev.URL,
		Method:       strings.ToUpper(ev.Method),
		ResourceType: strings.ToLower(ev.ResourceType),
		Timestamp:    b.stamp(ev.Time),
	})
	return OutcomeRecorded
}

// HandleResponse pairs a status code with the newest unanswered request for the same URL.
func (b *EventBridge) HandleResponse(domain string, ev ResponseEvent) (out Outcome) {
	defer b.recoverInto(&out, "response")
	if b.store.PairResponse(domain, ev.RequestURL, ev.Status) {
		return OutcomePaired
	}
	return OutcomeIgnored
}

// HandleConsole appends a console message.
func (b *EventBridge) HandleConsole(domain string, ev ConsoleEvent) (out Outcome) {
	defer b.recoverInto(&out, "console")
	b.store.AppendConsole(domain, ConsoleMessage{
		Type:      ev.Type,
		Message:   ev.Text,
		Timestamp: b.stamp(ev.Time),
	})
	return OutcomeRecorded
}

func (b *EventBridge) stamp(t time.Time) int64 {
	if t.IsZero() {
		t = b.now()
	}
	return t.UnixMilli()
}

func (b *EventBridge) recoverInto(out *Outcome, kind string) {
	if r := recover(); r != nil {
		b.log.Debug("diagnostics event dropped", zap.String("event", kind), zap.String("panic", fmt.Sprint(r)))
		*out = OutcomeDropped
	}
}
