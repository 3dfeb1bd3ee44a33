package types

import "time"

// Push channel event names.
const (
	EventThinking         = "thinking"
	EventTextChunk        = "text_chunk"
	EventAudioStreamStart = "audio_stream_start"
	EventAction           = "action"
	EventExternal         = "external_event"
	EventResponseDone     = "response_done"
)

// Response statuses carried by response_done.
const (
	StatusCompleted = "completed"
	StatusError     = "error"
)

// ExternalEvent is a transient event pushed by a plugin.
type ExternalEvent struct {
	Source     string         `json:"source"`
	SourceName string         `json:"source_name,omitempty"`
	Type       string         `json:"type"`
	SessionID  string         `json:"session_id,omitempty"`
	Data       map[string]any `json:"data,omitempty"`
	Timestamp  time.Time      `json:"timestamp"`
}

// PushEvent is the envelope written to a push channel.
type PushEvent struct {
	Event     string         `json:"event"`
	Data      map[string]any `json:"data"`
	Timestamp time.Time      `json:"timestamp"`
	SessionID string         `json:"session_id,omitempty"`
}

// NewThinking builds a thinking event.
func NewThinking() PushEvent {
	return PushEvent{Event: EventThinking, Data: map[string]any{}}
}

// NewTextChunk builds a text_chunk event.
func NewTextChunk(text string, final bool) PushEvent {
	return PushEvent{Event: EventTextChunk, Data: map[string]any{"text": text, "is_final": final}}
}

// NewAudioStreamStart builds an audio_stream_start event.
func NewAudioStreamStart(mimeType, id string) PushEvent {
	return PushEvent{Event: EventAudioStreamStart, Data: map[string]any{"mime_type": mimeType, "id": id}}
}

// NewAction builds an action event; fields are merged next to type.
func NewAction(actionType string, fields map[string]any) PushEvent {
	data := make(map[string]any, len(fields)+1)
	for k, v := range fields {
		data[k] = v
	}
	data["type"] = actionType
	return PushEvent{Event: EventAction, Data: data}
}

// NewResponseDone builds a response_done event.
func NewResponseDone(status string) PushEvent {
	return PushEvent{Event: EventResponseDone, Data: map[string]any{"status": status}}
}

// NewExternal converts a plugin event into its push form. Title and body are
// lifted from the event data when present.
func NewExternal(ev ExternalEvent) PushEvent {
	title, _ := ev.Data["title"].(string)
	body, _ := ev.Data["body"].(string)
	source := ev.SourceName
	if source == "" {
		source = ev.Source
	}
	return PushEvent{
		Event: EventExternal,
		Data: map[string]any{
			"source": source,
			"type":   ev.Type,
			"title":  title,
			"body":   body,
			"data":   ev.Data,
		},
		Timestamp: ev.Timestamp,
		SessionID: ev.SessionID,
	}
}
