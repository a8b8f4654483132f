package backend

import (
	"encoding/json"
	"strings"

	"github.com/mrz1836/chunkflow/internal/constants"
)

// streamEvent is one NDJSON line of `--output-format stream-json` output.
type streamEvent struct {
	Type    string         `json:"type"`
	Subtype string         `json:"subtype,omitempty"`
	Message *streamMessage `json:"message,omitempty"`
	IsError bool           `json:"is_error,omitempty"`
	Result  string         `json:"result,omitempty"`
}

type streamMessage struct {
	Content []contentBlock `json:"content,omitempty"`
}

type contentBlock struct {
	Type      string          `json:"type"`
	ID        string          `json:"id,omitempty"`
	Name      string          `json:"name,omitempty"`
	Input     json.RawMessage `json:"input,omitempty"`
	Text      string          `json:"text,omitempty"`
	ToolUseID string          `json:"tool_use_id,omitempty"`
	Content   json.RawMessage `json:"content,omitempty"`
	IsError   bool            `json:"is_error,omitempty"`
}

// parseStreamLine converts one line of stream-json output into execution events.
// Lines that are not JSON are reported as text. Unknown event types yield nothing.
func parseStreamLine(line string) []ExecutionEvent {
	line = strings.TrimSpace(line)
	if line == "" {
		return nil
	}

	var ev streamEvent
	if err := json.Unmarshal([]byte(line), &ev); err != nil {
		return []ExecutionEvent{{Kind: EventText, Text: line}}
	}

	switch ev.Type {
	case "assistant":
		if ev.Message == nil {
			return nil
		}
		var out []ExecutionEvent
		for _, block := range ev.Message.Content {
			switch block.Type {
			case "tool_use":
				out = append(out, ExecutionEvent{Kind: EventToolCall, Tool: &ToolUse{
					ID:     block.ID,
					Name:   block.Name,
					Input:  block.Input,
					Status: constants.ToolCallRunning,
				}})
			case "text":
				if block.Text != "" {
					out = append(out, ExecutionEvent{Kind: EventText, Text: block.Text})
				}
			}
		}
		return out

	case "user":
		if ev.Message == nil {
			return nil
		}
		var out []ExecutionEvent
		for _, block := range ev.Message.Content {
			if block.Type != "tool_result" {
				continue
			}
			status := constants.ToolCallCompleted
			if block.IsError {
				status = constants.ToolCallError
			}
			out = append(out, ExecutionEvent{Kind: EventToolCall, Tool: &ToolUse{
				ID:     block.ToolUseID,
				Output: toolResultText(block.Content),
				Status: status,
			}})
		}
		return out

	case "result":
		if ev.IsError || strings.HasPrefix(ev.Subtype, "error") {
			msg := ev.Result
			if msg == "" {
				msg = ev.Subtype
			}
			return []ExecutionEvent{{Kind: EventError, Text: msg}}
		}
		return []ExecutionEvent{{Kind: EventComplete, Text: ev.Result}}
	}
	return nil
}

// toolResultText flattens a tool_result content field, which is either a
// string or a list of text blocks.
func toolResultText(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var blocks []contentBlock
	if err := json.Unmarshal(raw, &blocks); err != nil {
		return string(raw)
	}
	parts := make([]string, 0, len(blocks))
	for _, b := range blocks {
		if b.Text != "" {
			parts = append(parts, b.Text)
		}
	}
	return strings.Join(parts, "\n")
}
