package bridge

import (
	"encoding/json"

	"github.com/cobblehill/agentboard/internal/rpc"
)

// EventType tags a stream event sent to thread subscribers.
type EventType string

const (
	// EventReady is synthesized on attach; it carries the active turn id
	// so a reconnecting client needs no separate fetch.
	EventReady EventType = "ready"

	EventTurnStarted        EventType = "turn-started"
	EventTurnCompleted      EventType = "turn-completed"
	EventItemCreated        EventType = "item-created"
	EventItemUpdated        EventType = "item-updated"
	EventAgentMessageDelta  EventType = "agent-message-delta"
	EventCommandOutputDelta EventType = "command-output-delta"
	EventReasoningDelta     EventType = "reasoning-delta"
)

// Event is one typed message on a thread's subscriber stream.
type Event struct {
	Type         EventType       `json:"type"`
	ThreadID     string          `json:"threadId,omitempty"`
	ActiveTurnID string          `json:"activeTurnId,omitempty"`
	TurnID       string          `json:"turnId,omitempty"`
	ItemID       string          `json:"itemId,omitempty"`
	Item         json.RawMessage `json:"item,omitempty"`
	Delta        string          `json:"delta,omitempty"`
}

type turnNotePayload struct {
	ThreadID string `json:"threadId"`
	Turn     struct {
		ID     string `json:"id"`
		Status string `json:"status"`
	} `json:"turn"`
}

type itemNotePayload struct {
	ThreadID string          `json:"threadId"`
	Item     json.RawMessage `json:"item"`
}

type deltaNotePayload struct {
	ThreadID string `json:"threadId"`
	ItemID   string `json:"itemId"`
	Delta    string `json:"delta"`
}

// parseNotification maps a recognized process notification onto one typed
// event. The second return is false for unrecognized methods and for
// payloads that fail to decode; both are dropped, never fatal.
func parseNotification(n rpc.Notification) (Event, bool) {
	switch n.Method {
	case "turn/started", "turn/completed":
		var p turnNotePayload
		if err := json.Unmarshal(n.Params, &p); err != nil || p.ThreadID == "" {
			return Event{}, false
		}
		typ := EventTurnStarted
		if n.Method == "turn/completed" {
			typ = EventTurnCompleted
		}
		return Event{Type: typ, ThreadID: p.ThreadID, TurnID: p.Turn.ID}, true

	case "item/created", "item/updated":
		var p itemNotePayload
		if err := json.Unmarshal(n.Params, &p); err != nil || p.ThreadID == "" {
			return Event{}, false
		}
		typ := EventItemCreated
		if n.Method == "item/updated" {
			typ = EventItemUpdated
		}
		return Event{Type: typ, ThreadID: p.ThreadID, Item: p.Item, ItemID: itemID(p.Item)}, true

	case "item/agentMessageDelta", "item/commandOutputDelta", "item/reasoningDelta":
		var p deltaNotePayload
		if err := json.Unmarshal(n.Params, &p); err != nil || p.ThreadID == "" {
			return Event{}, false
		}
		var typ EventType
		switch n.Method {
		case "item/agentMessageDelta":
			typ = EventAgentMessageDelta
		case "item/commandOutputDelta":
			typ = EventCommandOutputDelta
		default:
			typ = EventReasoningDelta
		}
		return Event{Type: typ, ThreadID: p.ThreadID, ItemID: p.ItemID, Delta: p.Delta}, true
	}
	return Event{}, false
}

func itemID(item json.RawMessage) string {
	var p struct {
		ID string `json:"id"`
	}
	if json.Unmarshal(item, &p) != nil {
		return ""
	}
	return p.ID
}
