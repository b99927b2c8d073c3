package stream

import (
	"encoding/json"
	"log/slog"
	"strings"
)

// EventType identifies the kind of event decoded from the agent's stream output.
type EventType string

const (
	// EventInit is the session initialization message (session ID, model, tools).
	EventInit EventType = "init"
	// EventDelta is an incremental text fragment from a partial-message stream event.
	EventDelta EventType = "delta"
	// EventText is a complete assistant text block.
	EventText EventType = "text"
	// EventToolUse reports the agent invoking a tool.
	EventToolUse EventType = "tool_use"
	// EventToolResult reports a tool invocation completing.
	EventToolResult EventType = "tool_result"
	// EventTurnResult is the terminal message of a turn, carrying stats and errors.
	EventTurnResult EventType = "turn_result"
	// EventUnknown is any message type this version does not recognize.
	// Consumers should ignore it; newer CLI versions add types freely.
	EventUnknown EventType = "unknown"
)

// Usage holds token accounting reported by the agent CLI.
type Usage struct {
	InputTokens              int `json:"input_tokens"`
	OutputTokens             int `json:"output_tokens"`
	CacheCreationInputTokens int `json:"cache_creation_input_tokens"`
	CacheReadInputTokens     int `json:"cache_read_input_tokens"`
}

// Event is a single decoded record from the agent's stream-json output.
// Only the fields relevant to the event's Type are populated.
type Event struct {
	Type EventType

	// Init fields
	SessionID string
	Model     string
	Tools     []string

	// Text / delta content
	Text string

	// Tool fields
	ToolName    string
	ToolUseID   string
	ToolInput   json.RawMessage
	ToolIsError bool

	// Turn result fields
	IsError      bool
	Result       string
	NumTurns     int
	DurationMs   int
	TotalCostUSD float64
	Usage        *Usage
}

// IsTerminal reports whether this event ends a turn.
func (e Event) IsTerminal() bool {
	return e.Type == EventTurnResult
}

// wireMessage mirrors the agent CLI's stream-json line format.
// Unrecognized fields are ignored by encoding/json, which keeps decoding
// forward-compatible with newer CLI versions.
type wireMessage struct {
	Type    string `json:"type"`    // "system", "assistant", "user", "result", "stream_event"
	Subtype string `json:"subtype"` // "init", "success", "error_during_execution", ...
	Message struct {
		Model   string `json:"model,omitempty"`
		Content []struct {
			Type      string          `json:"type"` // "text", "tool_use", "tool_result"
			ID        string          `json:"id,omitempty"`
			Text      string          `json:"text,omitempty"`
			Name      string          `json:"name,omitempty"`
			Input     json.RawMessage `json:"input,omitempty"`
			ToolUseID string          `json:"tool_use_id,omitempty"`
			IsError   bool            `json:"is_error,omitempty"`
		} `json:"content"`
		Usage *Usage `json:"usage,omitempty"`
	} `json:"message"`
	// Stream event payload (for type="stream_event" with partial messages enabled)
	Event        *wireStreamEvent `json:"event,omitempty"`
	SessionID    string           `json:"session_id,omitempty"`
	Model        string           `json:"model,omitempty"`
	Tools        []string         `json:"tools,omitempty"`
	Result       string           `json:"result,omitempty"`
	Error        string           `json:"error,omitempty"`
	Errors       []string         `json:"errors,omitempty"`
	IsError      bool             `json:"is_error,omitempty"`
	NumTurns     int              `json:"num_turns,omitempty"`
	DurationMs   int              `json:"duration_ms,omitempty"`
	TotalCostUSD float64          `json:"total_cost_usd,omitempty"`
	Usage        *Usage           `json:"usage,omitempty"`
}

// wireStreamEvent is the nested payload of a stream_event message.
type wireStreamEvent struct {
	Type  string `json:"type"` // "message_start", "content_block_delta", "message_stop", ...
	Index int    `json:"index,omitempty"`
	Delta *struct {
		Type       string `json:"type,omitempty"` // "text_delta", "input_json_delta"
		Text       string `json:"text,omitempty"`
		StopReason string `json:"stop_reason,omitempty"`
	} `json:"delta,omitempty"`
	Usage *Usage `json:"usage,omitempty"`
}

// decodeMessage converts one wire message into zero or more Events.
// When streamDeltas is true, complete assistant text blocks are suppressed
// because their content already arrived incrementally via delta events.
func decodeMessage(msg *wireMessage, streamDeltas bool, log *slog.Logger) []Event {
	var events []Event

	switch msg.Type {
	case "system":
		if msg.Subtype == "init" {
			events = append(events, Event{
				Type:      EventInit,
				SessionID: msg.SessionID,
				Model:     msg.Model,
				Tools:     msg.Tools,
			})
		}

	case "stream_event":
		if msg.Event != nil && msg.Event.Type == "content_block_delta" {
			if d := msg.Event.Delta; d != nil && d.Type == "text_delta" && d.Text != "" {
				events = append(events, Event{Type: EventDelta, Text: d.Text})
			}
		}

	case "assistant":
		for _, content := range msg.Message.Content {
			switch content.Type {
			case "text":
				// Already delivered via deltas when partial messages are on.
				if streamDeltas {
					continue
				}
				if content.Text != "" {
					events = append(events, Event{Type: EventText, Text: content.Text})
				}
			case "tool_use":
				events = append(events, Event{
					Type:      EventToolUse,
					ToolName:  content.Name,
					ToolUseID: content.ID,
					ToolInput: content.Input,
				})
			}
		}

	case "user":
		// User messages in stream-json carry tool results.
		for _, content := range msg.Message.Content {
			if content.Type != "tool_result" && content.ToolUseID == "" {
				continue
			}
			events = append(events, Event{
				Type:        EventToolResult,
				ToolUseID:   content.ToolUseID,
				ToolIsError: content.IsError,
			})
		}

	case "result":
		result := msg.Result
		if result == "" && msg.Error != "" {
			result = msg.Error
		}
		if result == "" && len(msg.Errors) > 0 {
			result = strings.Join(msg.Errors, "; ")
		}
		events = append(events, Event{
			Type:         EventTurnResult,
			SessionID:    msg.SessionID,
			IsError:      msg.IsError || msg.Subtype == "error_during_execution",
			Result:       result,
			NumTurns:     msg.NumTurns,
			DurationMs:   msg.DurationMs,
			TotalCostUSD: msg.TotalCostUSD,
			Usage:        msg.Usage,
		})

	default:
		log.Debug("unrecognized stream message type", "type", msg.Type)
		events = append(events, Event{Type: EventUnknown})
	}

	return events
}
