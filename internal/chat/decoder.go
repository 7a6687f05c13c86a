package chat

import (
	"log/slog"
	"strings"

	"github.com/bytedance/sonic"
	openai "github.com/sashabaranov/go-openai"
)

const doneSentinel = "[DONE]"

// EventKind tags a decoded stream delta.
type EventKind int

const (
	EventContent EventKind = iota + 1
	EventRole
	EventTool
	EventDone
)

func (k EventKind) String() string {
	switch k {
	case EventContent:
		return "content"
	case EventRole:
		return "role"
	case EventTool:
		return "tool"
	case EventDone:
		return "done"
	default:
		return "unknown"
	}
}

// DeltaEvent is one decoded stream delta.
type DeltaEvent struct {
	Kind EventKind
	Text string
	Role string
}

// Decoder converts records into delta events. The zero value decodes the
// plain completions format.
type Decoder struct {
	// Grounded selects the choices[0].messages[0].delta layout.
	Grounded bool
	// Cleanup is applied to grounded content tokens. Defaults to StripCitations.
	Cleanup   func(string) string
	Logger    *slog.Logger
	OnAnomaly func(reason string)
}

type groundedChunk struct {
	Choices []struct {
		Messages []struct {
			Delta struct {
				Role    *string `json:"role"`
				Content *string `json:"content"`
			} `json:"delta"`
		} `json:"messages"`
	} `json:"choices"`
}

// Decode returns the event carried by rec, if any. Malformed payloads are
// logged and reported as anomalies; they never fail the stream.
func (d *Decoder) Decode(rec Record) (DeltaEvent, bool) {
	payload, ok := recordData(string(rec))
	if !ok {
		return DeltaEvent{}, false
	}
	if strings.TrimSpace(payload) == doneSentinel {
		return DeltaEvent{Kind: EventDone}, true
	}
	if d.Grounded {
		return d.decodeGrounded(payload)
	}
	return d.decodePlain(payload)
}

func (d *Decoder) decodePlain(payload string) (DeltaEvent, bool) {
	var chunk openai.ChatCompletionStreamResponse
	if err := sonic.UnmarshalString(payload, &chunk); err != nil {
		d.anomaly("invalid_json", err, payload)
		return DeltaEvent{}, false
	}
	if len(chunk.Choices) == 0 {
		return DeltaEvent{}, false
	}
	delta := chunk.Choices[0].Delta
	if delta.Content != "" {
		return DeltaEvent{Kind: EventContent, Text: delta.Content, Role: delta.Role}, true
	}
	if delta.Role != "" {
		return DeltaEvent{Kind: EventRole, Role: delta.Role}, true
	}
	return DeltaEvent{}, false
}

func (d *Decoder) decodeGrounded(payload string) (DeltaEvent, bool) {
	var chunk groundedChunk
	if err := sonic.UnmarshalString(payload, &chunk); err != nil {
		d.anomaly("invalid_json", err, payload)
		return DeltaEvent{}, false
	}
	if len(chunk.Choices) == 0 || len(chunk.Choices[0].Messages) == 0 {
		return DeltaEvent{}, false
	}
	delta := chunk.Choices[0].Messages[0].Delta
	role := ""
	if delta.Role != nil {
		role = *delta.Role
	}

	if role == openai.ChatMessageRoleTool {
		if delta.Content == nil {
			return DeltaEvent{}, false
		}
		return DeltaEvent{Kind: EventTool, Text: *delta.Content, Role: role}, true
	}

	if delta.Content != nil {
		cleanup := d.Cleanup
		if cleanup == nil {
			cleanup = StripCitations
		}
		token := cleanup(*delta.Content)
		if token != "" && token != doneSentinel {
			return DeltaEvent{Kind: EventContent, Text: token, Role: role}, true
		}
	}
	if role != "" {
		return DeltaEvent{Kind: EventRole, Role: role}, true
	}
	return DeltaEvent{}, false
}

func (d *Decoder) anomaly(reason string, err error, payload string) {
	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if len(payload) > 256 {
		payload = payload[:256]
	}
	logger.Warn("skipping stream record", "reason", reason, "error", err, "payload", payload)
	if d.OnAnomaly != nil {
		d.OnAnomaly(reason)
	}
}

// recordData joins the data fields of an event-stream record. Comment lines
// and other fields are ignored.
func recordData(rec string) (string, bool) {
	var lines []string
	for _, line := range strings.Split(rec, "\n") {
		if line == "" || strings.HasPrefix(line, ":") {
			continue
		}
		if line == doneSentinel {
			lines = append(lines, line)
			continue
		}
		value, ok := strings.CutPrefix(line, "data:")
		if !ok {
			continue
		}
		lines = append(lines, strings.TrimPrefix(value, " "))
	}
	if len(lines) == 0 {
		return "", false
	}
	return strings.Join(lines, "\n"), true
}
