package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"loom/internal/logging"

	"github.com/google/uuid"
)

// promptToolModel is the prompt-engineered tool-calling shim: the only
// route by which backends without native tool support participate in tool
// loops. It instructs the model to answer with exactly one JSON object,
// requests JSON-mode output, and synthesizes tool-call parts from the
// response text.
type promptToolModel struct {
	inner LanguageModel
}

// shimToolCall is one entry of the "tool_calls" array in the wire shape.
type shimToolCall struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

// buildShimCall rewrites a tool-bearing call: tools are stripped from the
// request and described in a prepended system message instead.
func buildShimCall(call *Call) *Call {
	out := *call
	out.Tools = nil
	out.ToolChoice = ""

	// Both spellings so each backend finds its own JSON-mode switch.
	out.Options = map[string]any{"format": "json", "response_format": "json"}
	for k, v := range call.Options {
		out.Options[k] = v
	}

	out.System = shimSystemPrompt(call) + call.System
	return &out
}

func shimSystemPrompt(call *Call) string {
	var sb strings.Builder
	sb.WriteString("You have access to tools. Respond with exactly one JSON object and nothing else, in one of these two shapes:\n\n")
	sb.WriteString(`{"opencode":{"tool_calls":[{"name":"<tool name>","arguments":{...}}]}}` + "\n")
	sb.WriteString(`{"opencode":{"final":"<your complete answer as text>"}}` + "\n\n")
	sb.WriteString("Use the first shape to call one or more tools; use the second when you are done.\n")

	choice := call.ToolChoice
	if choice == "" {
		choice = "auto"
	}
	fmt.Fprintf(&sb, "tool_choice: %s\n\nAvailable tools:\n", choice)

	for _, tool := range call.Tools {
		entry := map[string]any{
			"name":        tool.Name,
			"description": tool.Description,
			"parameters":  tool.Parameters,
		}
		data, err := json.Marshal(entry)
		if err != nil {
			continue
		}
		sb.WriteString(string(data))
		sb.WriteString("\n")
	}
	sb.WriteString("\n")
	return sb.String()
}

// firstJSONObject returns the first balanced {...} substring, or "".
func firstJSONObject(text string) string {
	start := strings.IndexByte(text, '{')
	if start < 0 {
		return ""
	}

	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(text); i++ {
		ch := text[i]
		if escaped {
			escaped = false
			continue
		}
		switch ch {
		case '\\':
			if inString {
				escaped = true
			}
		case '"':
			inString = !inString
		case '{':
			if !inString {
				depth++
			}
		case '}':
			if !inString {
				depth--
				if depth == 0 {
					return text[start : i+1]
				}
			}
		}
	}
	return ""
}

// parseShimOutput leniently interprets the model's text: the first
// balanced JSON object, tolerating tool_calls / toolCalls / toolcalls and
// falling back to final / content / text for the final-text shape. Text
// that parses as neither is treated as final text verbatim.
func parseShimOutput(text string) (calls []shimToolCall, final string) {
	obj := firstJSONObject(text)
	if obj == "" {
		return nil, text
	}

	var top map[string]json.RawMessage
	if err := json.Unmarshal([]byte(obj), &top); err != nil {
		return nil, text
	}

	body := top
	if inner, ok := top["opencode"]; ok {
		var nested map[string]json.RawMessage
		if err := json.Unmarshal(inner, &nested); err == nil {
			body = nested
		}
	}

	for _, key := range []string{"tool_calls", "toolCalls", "toolcalls"} {
		raw, ok := body[key]
		if !ok {
			continue
		}
		var parsed []shimToolCall
		if err := json.Unmarshal(raw, &parsed); err != nil {
			continue
		}
		if len(parsed) > 0 {
			return parsed, ""
		}
	}

	for _, key := range []string{"final", "content", "text"} {
		raw, ok := body[key]
		if !ok {
			continue
		}
		var s string
		if err := json.Unmarshal(raw, &s); err == nil && s != "" {
			return nil, s
		}
	}

	return nil, text
}

// shimParts converts parsed shim output into result parts, generating a
// fresh ID per synthesized tool call.
func shimParts(calls []shimToolCall, final string) []Part {
	if len(calls) == 0 {
		return []Part{{Kind: PartText, Text: final}}
	}

	parts := make([]Part, 0, len(calls))
	for _, c := range calls {
		input := string(c.Arguments)
		if input == "" {
			input = "{}"
		}
		parts = append(parts, Part{
			Kind:       PartToolCall,
			ToolCallID: uuid.NewString(),
			ToolName:   c.Name,
			Input:      input,
		})
	}
	return parts
}

func (m *promptToolModel) Generate(ctx context.Context, call *Call) (*Result, error) {
	if len(call.Tools) == 0 {
		return m.inner.Generate(ctx, call)
	}

	res, err := m.inner.Generate(ctx, buildShimCall(call))
	if err != nil {
		return nil, err
	}

	var text string
	for _, p := range res.Content {
		if p.Kind == PartText {
			text += p.Text
		}
	}

	calls, final := parseShimOutput(text)
	out := &Result{
		Content:      shimParts(calls, final),
		FinishReason: FinishStop,
		Usage:        res.Usage,
		Warnings:     res.Warnings,
	}
	if len(calls) > 0 {
		out.FinishReason = FinishToolCalls
		logging.Debug("prompt-mode tool calls parsed", "count", len(calls))
	}
	return out, nil
}

func (m *promptToolModel) Stream(ctx context.Context, call *Call) (*StreamResponse, error) {
	if len(call.Tools) == 0 {
		return m.inner.Stream(ctx, call)
	}

	innerResp, err := m.inner.Stream(ctx, buildShimCall(call))
	if err != nil {
		return nil, err
	}

	out := make(chan StreamPart, 16)
	go func() {
		defer close(out)

		out <- StreamPart{Kind: StreamStart}

		// Accumulate silently; the wire shape only parses whole.
		var text strings.Builder
		var usage Usage
		var streamErr error
		for part := range innerResp.Parts {
			switch part.Kind {
			case StreamTextDelta:
				text.WriteString(part.Text)
			case StreamFinish:
				usage = part.Usage
			case StreamError:
				streamErr = part.Err
			}
		}

		if streamErr != nil {
			out <- StreamPart{Kind: StreamError, Err: streamErr}
			out <- StreamPart{Kind: StreamFinish, FinishReason: FinishError, Usage: usage}
			return
		}

		calls, final := parseShimOutput(text.String())
		if len(calls) > 0 {
			for _, p := range shimParts(calls, "") {
				out <- StreamPart{
					Kind:       StreamToolCall,
					ToolCallID: p.ToolCallID,
					ToolName:   p.ToolName,
					Input:      p.Input,
				}
			}
			out <- StreamPart{Kind: StreamFinish, FinishReason: FinishToolCalls, Usage: usage}
			return
		}

		id := uuid.NewString()
		out <- StreamPart{Kind: StreamTextStart, ID: id}
		out <- StreamPart{Kind: StreamTextDelta, ID: id, Text: final}
		out <- StreamPart{Kind: StreamTextEnd, ID: id}
		out <- StreamPart{Kind: StreamFinish, FinishReason: FinishStop, Usage: usage}
	}()

	return &StreamResponse{Parts: out}, nil
}
