// Package bus fans investigation events out to independent observers and
// mediates the single outstanding guidance exchange between the agent
// controller and a human operator.
package bus

import (
	"time"

	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// EventType tags an event.
type EventType string

const (
	EventSiteStarted       EventType = "site_started"
	EventSiteCompleted     EventType = "site_completed"
	EventStateChanged      EventType = "state_changed"
	EventScreenshotUpdate  EventType = "screenshot_update"
	EventActionExecuted    EventType = "action_executed"
	EventWalletFound       EventType = "wallet_found"
	EventPlaybookMatched   EventType = "playbook_matched"
	EventPlaybookCompleted EventType = "playbook_completed"
	EventGuidanceNeeded    EventType = "guidance_needed"
	EventGuidanceReceived  EventType = "guidance_received"
	EventLog               EventType = "log"
	EventProgress          EventType = "progress"
	EventError             EventType = "error"
)

var knownEventTypes = map[EventType]struct{}{
	EventSiteStarted: {}, EventSiteCompleted: {}, EventStateChanged: {}, EventScreenshotUpdate: {},
	EventActionExecuted: {}, EventWalletFound: {}, EventPlaybookMatched: {}, EventPlaybookCompleted: {},
	EventGuidanceNeeded: {}, EventGuidanceReceived: {}, EventLog: {}, EventProgress: {}, EventError: {},
}

// NormalizeEventType maps unknown tags onto EventLog.
func NormalizeEventType(t EventType) EventType {
	if _, ok := knownEventTypes[t]; ok {
		return t
	}
	return EventLog
}

// Data is an event payload.
type Data map[string]interface{}

// Event is one emitted fact about an investigation.
type Event struct {
	Type            EventType `json:"event_type"`
	Timestamp       time.Time `json:"-"`
	InvestigationID string    `json:"investigation_id"`
	Data            Data      `json:"data"`
}

type wireEvent struct {
	Type            EventType `json:"event_type"`
	Timestamp       string    `json:"timestamp"`
	InvestigationID string    `json:"investigation_id"`
	Data            Data      `json:"data"`
}

// MarshalJSON renders the event with an RFC3339 UTC timestamp.
func (e Event) MarshalJSON() ([]byte, error) {
	data := e.Data
	if data == nil {
		data = Data{}
	}
	return json.Marshal(wireEvent{
		Type:            e.Type,
		Timestamp:       e.Timestamp.UTC().Format(time.RFC3339Nano),
		InvestigationID: e.InvestigationID,
		Data:            data,
	})
}

// UnmarshalJSON parses the wire form produced by MarshalJSON.
func (e *Event) UnmarshalJSON(b []byte) error {
	var w wireEvent
	if err := json.Unmarshal(b, &w); err != nil {
		return err
	}
	ts, err := time.Parse(time.RFC3339Nano, w.Timestamp)
	if err != nil {
		return err
	}
	*e = Event{Type: NormalizeEventType(w.Type), Timestamp: ts, InvestigationID: w.InvestigationID, Data: w.Data}
	return nil
}

// JSONL serialises the event as a single line without the trailing newline.
func (e Event) JSONL() ([]byte, error) {
	return json.Marshal(e)
}

// String reads a string field from the payload.
func (d Data) String(key string) string {
	if v, ok := d[key].(string); ok {
		return v
	}
	return ""
}

// Int reads a numeric field from the payload.
func (d Data) Int(key string) int {
	switch v := d[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	}
	return 0
}
