// Package stream converts the agent's line-delimited JSON output into typed
// events suitable for fan-out over the event bus.
package stream

import (
	"bytes"
	"encoding/json"
	"time"
)

const (
	// previewLimit bounds assistant text, tool input and tool result previews.
	previewLimit = 300
	// rawLimit bounds the passthrough of unrecognized lines.
	rawLimit = 200
)

// Event kinds.
const (
	KindAssistant  = "assistant"
	KindToolUse    = "tool_use"
	KindToolResult = "tool_result"
	KindError      = "error"
	KindResult     = "result"
	KindSystem     = "system"
	KindRaw        = "raw"
)

// Event is one typed frame decoded from the agent stream. Routing fields
// (project, task, worker) are stamped by the forwarder, not the parser.
type Event struct {
	Type      string    `json:"type"`
	Timestamp time.Time `json:"timestamp"`

	ProjectID string `json:"project_id,omitempty"`
	TaskID    string `json:"task_id,omitempty"`
	WorkerID  string `json:"worker_id,omitempty"`

	Text         string          `json:"text,omitempty"`
	ToolName     string          `json:"tool_name,omitempty"`
	InputPreview string          `json:"input_preview,omitempty"`
	InputRaw     json.RawMessage `json:"input_raw,omitempty"`
	Message      string          `json:"message,omitempty"`
	Turns        int             `json:"turns,omitempty"`
	CostUSD      float64         `json:"cost_usd,omitempty"`
	DurationMS   int64           `json:"duration_ms,omitempty"`
	SessionID    string          `json:"session_id,omitempty"`
}

// rawFrame is the lenient top-level shape of one agent JSONL line.
type rawFrame struct {
	Type      string `json:"type"`
	Subtype   string `json:"subtype"`
	SessionID string `json:"session_id"`
	Message   struct {
		Content json.RawMessage `json:"content"`
	} `json:"message"`
	Error struct {
		Message string `json:"message"`
	} `json:"error"`
	Result      string  `json:"result"`
	IsError     bool    `json:"is_error"`
	NumTurns    int     `json:"num_turns"`
	TotalCost   float64 `json:"total_cost_usd"`
	DurationMS  int64   `json:"duration_ms"`
	SystemText  string  `json:"text"`
	ErrorString string  `json:"error_message"`
}

// contentBlock is one element of an assistant or user content array.
type contentBlock struct {
	Type    string          `json:"type"`
	Text    string          `json:"text"`
	Name    string          `json:"name"`
	Input   json.RawMessage `json:"input"`
	Content json.RawMessage `json:"content"`
}

// Parser buffers bytes until a full line is available, then decodes it.
// Safe for a single feeding goroutine.
type Parser struct {
	buf bytes.Buffer
	now func() time.Time
}

// NewParser creates a Parser.
func NewParser() *Parser {
	return &Parser{now: func() time.Time { return time.Now().UTC() }}
}

// Feed appends a chunk and returns every event decoded from completed lines.
func (p *Parser) Feed(chunk []byte) []Event {
	p.buf.Write(chunk)
	var out []Event
	for {
		data := p.buf.Bytes()
		idx := bytes.IndexByte(data, '\n')
		if idx < 0 {
			return out
		}
		line := make([]byte, idx)
		copy(line, data[:idx])
		p.buf.Next(idx + 1)
		out = append(out, p.parseLine(line)...)
	}
}

// Flush decodes any trailing partial line. Call once at end of stream.
func (p *Parser) Flush() []Event {
	if p.buf.Len() == 0 {
		return nil
	}
	line := append([]byte(nil), p.buf.Bytes()...)
	p.buf.Reset()
	return p.parseLine(line)
}

func (p *Parser) parseLine(line []byte) []Event {
	line = bytes.TrimSpace(line)
	if len(line) == 0 {
		return nil
	}
	ts := p.now()

	var frame rawFrame
	if err := json.Unmarshal(line, &frame); err != nil {
		return []Event{{Type: KindError, Timestamp: ts, Message: "malformed stream line: " + truncate(string(line), rawLimit)}}
	}

	switch frame.Type {
	case "assistant":
		return p.assistantEvents(frame, ts)
	case "user":
		return p.toolResultEvents(frame, ts)
	case "error":
		msg := frame.Error.Message
		if msg == "" {
			msg = frame.ErrorString
		}
		if msg == "" {
			msg = "unknown agent error"
		}
		return []Event{{Type: KindError, Timestamp: ts, Message: truncate(msg, previewLimit)}}
	case "result":
		ev := Event{
			Type:       KindResult,
			Timestamp:  ts,
			Turns:      frame.NumTurns,
			CostUSD:    frame.TotalCost,
			DurationMS: frame.DurationMS,
			SessionID:  frame.SessionID,
			Text:       frame.Result,
		}
		if frame.IsError {
			ev.Type = KindError
			ev.Message = truncate(frame.Result, previewLimit)
			ev.Text = ""
		}
		return []Event{ev}
	case "system":
		text := frame.SystemText
		if text == "" {
			text = frame.Subtype
		}
		return []Event{{Type: KindSystem, Timestamp: ts, Text: truncate(text, previewLimit), SessionID: frame.SessionID}}
	default:
		return []Event{{Type: KindRaw, Timestamp: ts, Text: truncate(string(line), rawLimit)}}
	}
}

// assistantEvents expands an assistant turn into one event per content block.
func (p *Parser) assistantEvents(frame rawFrame, ts time.Time) []Event {
	blocks, ok := decodeBlocks(frame.Message.Content)
	if !ok {
		return []Event{{Type: KindRaw, Timestamp: ts, Text: truncate(string(frame.Message.Content), rawLimit)}}
	}
	var out []Event
	for _, b := range blocks {
		switch b.Type {
		case "text":
			if b.Text == "" {
				continue
			}
			out = append(out, Event{Type: KindAssistant, Timestamp: ts, Text: b.Text, SessionID: frame.SessionID})
		case "tool_use":
			out = append(out, Event{
				Type:         KindToolUse,
				Timestamp:    ts,
				ToolName:     b.Name,
				InputPreview: truncate(string(b.Input), previewLimit),
				InputRaw:     b.Input,
			})
		}
	}
	return out
}

// toolResultEvents extracts tool_result blocks from a user turn.
func (p *Parser) toolResultEvents(frame rawFrame, ts time.Time) []Event {
	blocks, ok := decodeBlocks(frame.Message.Content)
	if !ok {
		return nil
	}
	var out []Event
	for _, b := range blocks {
		if b.Type != "tool_result" {
			continue
		}
		out = append(out, Event{Type: KindToolResult, Timestamp: ts, Text: resultPreview(b.Content)})
	}
	return out
}

// decodeBlocks accepts either a content array or a bare string.
func decodeBlocks(raw json.RawMessage) ([]contentBlock, bool) {
	if len(raw) == 0 {
		return nil, true
	}
	var blocks []contentBlock
	if err := json.Unmarshal(raw, &blocks); err == nil {
		return blocks, true
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return []contentBlock{{Type: "text", Text: s}}, true
	}
	return nil, false
}

// resultPreview renders a tool result's content, which may be a string or a
// nested block array, as a truncated preview.
func resultPreview(raw json.RawMessage) string {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return truncate(s, previewLimit)
	}
	var blocks []contentBlock
	if err := json.Unmarshal(raw, &blocks); err == nil {
		var joined bytes.Buffer
		for _, b := range blocks {
			if b.Text != "" {
				if joined.Len() > 0 {
					joined.WriteByte('\n')
				}
				joined.WriteString(b.Text)
			}
		}
		return truncate(joined.String(), previewLimit)
	}
	return truncate(string(raw), previewLimit)
}

// truncate cuts s at limit bytes, appending an ellipsis marker when cut.
func truncate(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	return s[:limit] + "..."
}
