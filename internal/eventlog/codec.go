package eventlog

import (
	"encoding/json"
	"time"
)

// wireEvent is the transport shape of an Event across the broadcast bus.
// It is deliberately distinct from Event so a future change to one doesn't
// silently change the other's wire format.
type wireEvent struct {
	Seq        int64  `json:"seq"`
	SessionKey string `json:"session_key"`
	Type       string `json:"type"`
	Payload    string `json:"payload"`
	CreatedAt  int64  `json:"created_at"`
}

func encodeEvent(ev Event) []byte {
	w := wireEvent{
		Seq:        ev.Seq,
		SessionKey: ev.SessionKey,
		Type:       string(ev.Type),
		Payload:    ev.Payload,
		CreatedAt:  ev.CreatedAt.Unix(),
	}
	// Marshaling a wireEvent built from already-valid Go values never fails.
	b, _ := json.Marshal(w)
	return b
}

func decodeEvent(data []byte) Event {
	var w wireEvent
	_ = json.Unmarshal(data, &w)
	return Event{
		Seq:        w.Seq,
		SessionKey: w.SessionKey,
		Type:       EventType(w.Type),
		Payload:    w.Payload,
		CreatedAt:  time.Unix(w.CreatedAt, 0),
	}
}
