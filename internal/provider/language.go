package provider

import (
	"context"
	"time"
)

// Role identifies the author of a prompt message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// PartKind tags one element of message or result content.
type PartKind string

const (
	PartText       PartKind = "text"
	PartReasoning  PartKind = "reasoning"
	PartToolCall   PartKind = "tool-call"
	PartToolResult PartKind = "tool-result"
)

// Part is one unit of content within a message or result.
type Part struct {
	Kind PartKind

	// Text carries text and reasoning content.
	Text string

	// Tool-call fields. Input is the JSON-encoded arguments.
	ToolCallID string
	ToolName   string
	Input      string

	// Output carries tool-result content.
	Output string
}

// Message is one turn of a chat prompt.
type Message struct {
	Role  Role
	Parts []Part
}

// TextMessage builds a single-part text message.
func TextMessage(role Role, text string) Message {
	return Message{Role: role, Parts: []Part{{Kind: PartText, Text: text}}}
}

// ToolDef describes a tool offered to the model.
type ToolDef struct {
	Name        string
	Description string
	Parameters  map[string]any // JSON schema
}

// Call is one request against a language model.
type Call struct {
	System   string
	Messages []Message

	Tools []ToolDef
	// ToolChoice is "auto", "none", "required", or a tool name.
	ToolChoice string

	Temperature *float64
	MaxTokens   int

	// Headers are caller-supplied HTTP headers, merged below per-model
	// headers.
	Headers map[string]string

	// Options pass through to the backend driver.
	Options map[string]any

	// Timeout, when positive, bounds the request alongside the caller's
	// context.
	Timeout time.Duration
}

// FinishReason says why a response ended.
type FinishReason string

const (
	FinishStop          FinishReason = "stop"
	FinishToolCalls     FinishReason = "tool-calls"
	FinishLength        FinishReason = "length"
	FinishContentFilter FinishReason = "content-filter"
	FinishError         FinishReason = "error"
	FinishUnknown       FinishReason = "unknown"
)

// Usage carries token counts when the backend reports them.
type Usage struct {
	InputTokens  int
	OutputTokens int
	TotalTokens  int
}

// Result is a complete (non-streaming) model response.
type Result struct {
	Content      []Part
	FinishReason FinishReason
	Usage        Usage
	Warnings     []string
}

// StreamKind tags one element of the incremental output stream.
type StreamKind string

const (
	StreamStart     StreamKind = "stream-start"
	StreamTextStart StreamKind = "text-start"
	StreamTextDelta StreamKind = "text-delta"
	StreamTextEnd   StreamKind = "text-end"
	StreamToolCall  StreamKind = "tool-call"
	StreamFinish    StreamKind = "finish"
	StreamError     StreamKind = "error"
	StreamRaw       StreamKind = "raw"
)

// StreamPart is one element of a streaming response. Consumers should
// switch on Kind and ignore tags they do not know.
type StreamPart struct {
	Kind StreamKind

	// ID correlates text-start/delta/end triples.
	ID string

	// Text carries delta content.
	Text string

	// Tool-call fields.
	ToolCallID string
	ToolName   string
	Input      string

	// Finish fields.
	FinishReason FinishReason
	Usage        Usage

	Err error
	Raw any
}

// StreamResponse is a live stream of parts. The channel is closed after
// the finish (or terminal error) part.
type StreamResponse struct {
	Parts <-chan StreamPart
}

// Collect drains a stream into a Result.
func (s *StreamResponse) Collect() *Result {
	res := &Result{FinishReason: FinishUnknown}
	var text string
	textOpen := false

	for part := range s.Parts {
		switch part.Kind {
		case StreamTextStart:
			textOpen = true
			text = ""
		case StreamTextDelta:
			text += part.Text
		case StreamTextEnd:
			if textOpen {
				res.Content = append(res.Content, Part{Kind: PartText, Text: text})
				textOpen = false
			}
		case StreamToolCall:
			res.Content = append(res.Content, Part{
				Kind:       PartToolCall,
				ToolCallID: part.ToolCallID,
				ToolName:   part.ToolName,
				Input:      part.Input,
			})
		case StreamFinish:
			res.FinishReason = part.FinishReason
			res.Usage = part.Usage
		case StreamError:
			res.FinishReason = FinishError
			if part.Err != nil {
				res.Warnings = append(res.Warnings, part.Err.Error())
			}
		}
	}
	return res
}

// LanguageModel is the uniform streaming interface every backend driver
// implements. Handles are safe for concurrent calls.
type LanguageModel interface {
	Generate(ctx context.Context, call *Call) (*Result, error)
	Stream(ctx context.Context, call *Call) (*StreamResponse, error)
}
