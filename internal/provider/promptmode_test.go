package provider

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFirstJSONObject(t *testing.T) {
	assert.Equal(t, `{"a":1}`, firstJSONObject(`{"a":1}`))
	assert.Equal(t, `{"a":{"b":2}}`, firstJSONObject(`noise {"a":{"b":2}} trailing {"c":3}`))
	assert.Equal(t, `{"s":"has } brace"}`, firstJSONObject(`{"s":"has } brace"}`))
	assert.Equal(t, `{"s":"esc \" quote}"}`, firstJSONObject(`{"s":"esc \" quote}"}`))
	assert.Empty(t, firstJSONObject("no json here"))
	assert.Empty(t, firstJSONObject(`{"unterminated":`))
}

func TestParseShimToolCalls(t *testing.T) {
	calls, final := parseShimOutput(`{"opencode":{"tool_calls":[{"name":"read","arguments":{"path":"a.go"}}]}}`)
	require.Len(t, calls, 1)
	assert.Empty(t, final)
	assert.Equal(t, "read", calls[0].Name)
	assert.JSONEq(t, `{"path":"a.go"}`, string(calls[0].Arguments))
}

func TestParseShimSpellings(t *testing.T) {
	for _, src := range []string{
		`{"opencode":{"toolCalls":[{"name":"t","arguments":{}}]}}`,
		`{"opencode":{"toolcalls":[{"name":"t","arguments":{}}]}}`,
	} {
		calls, _ := parseShimOutput(src)
		require.Len(t, calls, 1, src)
		assert.Equal(t, "t", calls[0].Name)
	}
}

func TestParseShimFinalShapes(t *testing.T) {
	for _, tc := range []struct{ src, want string }{
		{`{"opencode":{"final":"done"}}`, "done"},
		{`{"opencode":{"content":"via content"}}`, "via content"},
		{`{"opencode":{"text":"via text"}}`, "via text"},
		{`{"content":"top level"}`, "top level"},
		{`plain prose answer`, "plain prose answer"},
	} {
		calls, final := parseShimOutput(tc.src)
		assert.Empty(t, calls, tc.src)
		assert.Equal(t, tc.want, final, tc.src)
	}
}

func TestParseShimUsesFirstObjectOnly(t *testing.T) {
	calls, _ := parseShimOutput(
		`{"opencode":{"tool_calls":[{"name":"first","arguments":{}}]}}` +
			`{"opencode":{"tool_calls":[{"name":"second","arguments":{}}]}}`)
	require.Len(t, calls, 1)
	assert.Equal(t, "first", calls[0].Name)
}

func TestShimFormatParseRoundTrip(t *testing.T) {
	// A model that echoes its instructions back still produces a
	// tool-call when the echoed content includes the wire shape.
	call := &Call{
		Tools:      []ToolDef{{Name: "t", Description: "a tool"}},
		ToolChoice: "auto",
	}
	shimmed := buildShimCall(call)
	assert.Contains(t, shimmed.System, `"opencode"`)
	assert.Contains(t, shimmed.System, `"name":"t"`)
	assert.Empty(t, shimmed.Tools)
	assert.Equal(t, "json", shimmed.Options["format"])

	echoed := `{"opencode":{"tool_calls":[{"name":"t","arguments":{}}]}}`
	calls, _ := parseShimOutput(echoed)
	require.Len(t, calls, 1)
	assert.Equal(t, "t", calls[0].Name)
}

// scriptedModel plays back a fixed stream for shim tests.
type scriptedModel struct {
	text  string
	usage Usage

	// lastCall records what the shim sent down.
	lastCall *Call
}

func (s *scriptedModel) Generate(ctx context.Context, call *Call) (*Result, error) {
	s.lastCall = call
	return &Result{
		Content:      []Part{{Kind: PartText, Text: s.text}},
		FinishReason: FinishStop,
		Usage:        s.usage,
	}, nil
}

func (s *scriptedModel) Stream(ctx context.Context, call *Call) (*StreamResponse, error) {
	s.lastCall = call
	out := make(chan StreamPart, 8)
	go func() {
		defer close(out)
		out <- StreamPart{Kind: StreamStart}
		out <- StreamPart{Kind: StreamTextStart, ID: "0"}
		out <- StreamPart{Kind: StreamTextDelta, ID: "0", Text: s.text}
		out <- StreamPart{Kind: StreamTextEnd, ID: "0"}
		out <- StreamPart{Kind: StreamFinish, FinishReason: FinishStop, Usage: s.usage}
	}()
	return &StreamResponse{Parts: out}, nil
}

func TestPromptModeStreamSynthesizesToolCall(t *testing.T) {
	inner := &scriptedModel{
		text:  `{"opencode":{"tool_calls":[{"name":"ide.hover","arguments":{"uri":"a.ts","line":1,"character":0}}]}}`,
		usage: Usage{InputTokens: 3, OutputTokens: 7, TotalTokens: 10},
	}
	shim := &promptToolModel{inner: inner}

	resp, err := shim.Stream(context.Background(), &Call{
		Messages: []Message{TextMessage(RoleUser, "hover please")},
		Tools:    []ToolDef{{Name: "ide.hover"}},
	})
	require.NoError(t, err)

	var parts []StreamPart
	for p := range resp.Parts {
		parts = append(parts, p)
	}

	require.Len(t, parts, 3)
	assert.Equal(t, StreamStart, parts[0].Kind)

	assert.Equal(t, StreamToolCall, parts[1].Kind)
	assert.Equal(t, "ide.hover", parts[1].ToolName)
	assert.JSONEq(t, `{"uri":"a.ts","line":1,"character":0}`, parts[1].Input)
	assert.NotEmpty(t, parts[1].ToolCallID, "synthesized calls carry a fresh ID")

	assert.Equal(t, StreamFinish, parts[2].Kind)
	assert.Equal(t, FinishToolCalls, parts[2].FinishReason)
	assert.Equal(t, Usage{InputTokens: 3, OutputTokens: 7, TotalTokens: 10}, parts[2].Usage)

	// The inner call was rewritten: no tools, JSON mode, shim system prompt.
	assert.Empty(t, inner.lastCall.Tools)
	assert.Equal(t, "json", inner.lastCall.Options["format"])
}

func TestPromptModeStreamFinalText(t *testing.T) {
	inner := &scriptedModel{text: `{"opencode":{"final":"all done"}}`}
	shim := &promptToolModel{inner: inner}

	resp, err := shim.Stream(context.Background(), &Call{
		Messages: []Message{TextMessage(RoleUser, "hi")},
		Tools:    []ToolDef{{Name: "t"}},
	})
	require.NoError(t, err)

	var kinds []StreamKind
	var text string
	for p := range resp.Parts {
		kinds = append(kinds, p.Kind)
		if p.Kind == StreamTextDelta {
			text += p.Text
		}
	}
	assert.Equal(t, []StreamKind{StreamStart, StreamTextStart, StreamTextDelta, StreamTextEnd, StreamFinish}, kinds)
	assert.Equal(t, "all done", text)
}

func TestPromptModeGenerate(t *testing.T) {
	inner := &scriptedModel{text: `{"opencode":{"tool_calls":[{"name":"read","arguments":{"path":"x"}}]}}`}
	shim := &promptToolModel{inner: inner}

	res, err := shim.Generate(context.Background(), &Call{
		Messages: []Message{TextMessage(RoleUser, "read x")},
		Tools:    []ToolDef{{Name: "read"}},
	})
	require.NoError(t, err)
	assert.Equal(t, FinishToolCalls, res.FinishReason)
	require.Len(t, res.Content, 1)
	assert.Equal(t, PartToolCall, res.Content[0].Kind)
	assert.Equal(t, "read", res.Content[0].ToolName)
}

func TestPromptModeWithoutToolsPassesThrough(t *testing.T) {
	inner := &scriptedModel{text: "plain"}
	shim := &promptToolModel{inner: inner}

	res, err := shim.Generate(context.Background(), &Call{
		Messages: []Message{TextMessage(RoleUser, "hi")},
	})
	require.NoError(t, err)
	require.Len(t, res.Content, 1)
	assert.Equal(t, "plain", res.Content[0].Text)
	assert.Nil(t, inner.lastCall.Options, "no JSON mode forced without tools")
}
