package domain

import (
	"encoding/json"
	"time"
)

// Step names with terminal meaning for streaming clients. Workers may
// publish any other step freely.
const (
	StepComplete = "complete"
	StepError    = "error"
	StepTimeout  = "timeout"
)

// StatusEvent is one transient progress message published for a job. It is
// forwarded to streaming clients verbatim, so it stays a free-form object
// rather than a fixed struct; only the "step" field carries meaning for the
// streamer.
type StatusEvent map[string]any

// NewStatusEvent builds an event with the given step, merged fields and a
// timestamp.
func NewStatusEvent(step string, fields map[string]any) StatusEvent {
	ev := StatusEvent{"step": step, "ts": time.Now().UTC().Format(time.RFC3339Nano)}
	for k, v := range fields {
		ev[k] = v
	}
	return ev
}

// Step returns the event's step field, or "" when absent.
func (e StatusEvent) Step() string {
	if s, ok := e["step"].(string); ok {
		return s
	}
	return ""
}

// Terminal reports whether the streamer should close after forwarding e.
func (e StatusEvent) Terminal() bool {
	s := e.Step()
	return s == StepComplete || s == StepError
}

// Encode marshals the event for transport. Events are forwarded as single
// JSON objects.
func (e StatusEvent) Encode() ([]byte, error) {
	return json.Marshal(e)
}

// DecodeStatusEvent parses a transported event.
func DecodeStatusEvent(data []byte) (StatusEvent, error) {
	var ev StatusEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		return nil, err
	}
	return ev, nil
}
