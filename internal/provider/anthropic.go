package provider

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/packages/param"
	"github.com/google/uuid"
)

// anthropicModel drives the first-party Anthropic Messages API.
type anthropicModel struct {
	client anthropic.Client
	cfg    driverConfig
}

func newAnthropicModel(cfg driverConfig) (*anthropicModel, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("anthropic API key required")
	}

	opts := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	for k, v := range cfg.Headers {
		opts = append(opts, option.WithHeader(k, v))
	}

	return &anthropicModel{
		client: anthropic.NewClient(opts...),
		cfg:    cfg,
	}, nil
}

func (m *anthropicModel) buildParams(call *Call) anthropic.MessageNewParams {
	maxTokens := call.MaxTokens
	if maxTokens == 0 {
		maxTokens = m.cfg.Model.Limits.Output
	}
	if maxTokens == 0 {
		maxTokens = 4096
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(m.cfg.Model.APIID),
		MaxTokens: int64(maxTokens),
		Messages:  convertToAnthropicMessages(call.Messages),
	}

	if call.System != "" {
		params.System = []anthropic.TextBlockParam{{Text: call.System}}
	}
	if call.Temperature != nil {
		params.Temperature = param.NewOpt(*call.Temperature)
	}

	if len(call.Tools) > 0 && call.ToolChoice != "none" {
		tools := make([]anthropic.ToolUnionParam, 0, len(call.Tools))
		for _, t := range call.Tools {
			schema := anthropic.ToolInputSchemaParam{}
			if props, ok := t.Parameters["properties"]; ok {
				schema.Properties = props
			}
			if req, ok := t.Parameters["required"].([]any); ok {
				for _, r := range req {
					if s, ok := r.(string); ok {
						schema.Required = append(schema.Required, s)
					}
				}
			}
			tools = append(tools, anthropic.ToolUnionParam{
				OfTool: &anthropic.ToolParam{
					Name:        t.Name,
					Description: param.NewOpt(t.Description),
					InputSchema: schema,
				},
			})
		}
		params.Tools = tools
	}

	return params
}

func convertToAnthropicMessages(messages []Message) []anthropic.MessageParam {
	out := make([]anthropic.MessageParam, 0, len(messages))
	for _, msg := range messages {
		var blocks []anthropic.ContentBlockParamUnion
		for _, part := range msg.Parts {
			switch part.Kind {
			case PartText, PartReasoning:
				if part.Text != "" {
					blocks = append(blocks, anthropic.NewTextBlock(part.Text))
				}
			case PartToolCall:
				blocks = append(blocks, anthropic.NewToolUseBlock(
					part.ToolCallID, json.RawMessage(part.Input), part.ToolName))
			case PartToolResult:
				blocks = append(blocks, anthropic.NewToolResultBlock(
					part.ToolCallID, part.Output, false))
			}
		}
		if len(blocks) == 0 {
			continue
		}
		if msg.Role == RoleAssistant {
			out = append(out, anthropic.NewAssistantMessage(blocks...))
		} else {
			out = append(out, anthropic.NewUserMessage(blocks...))
		}
	}
	return out
}

func mapAnthropicStop(reason anthropic.StopReason, hasTools bool) FinishReason {
	switch reason {
	case anthropic.StopReasonEndTurn, anthropic.StopReasonStopSequence:
		return FinishStop
	case anthropic.StopReasonToolUse:
		return FinishToolCalls
	case anthropic.StopReasonMaxTokens:
		return FinishLength
	case anthropic.StopReason("refusal"):
		return FinishContentFilter
	default:
		if hasTools {
			return FinishToolCalls
		}
		return FinishUnknown
	}
}

func anthropicResultParts(msg *anthropic.Message) []Part {
	var parts []Part
	for _, block := range msg.Content {
		switch block.Type {
		case "text":
			parts = append(parts, Part{Kind: PartText, Text: block.Text})
		case "thinking":
			parts = append(parts, Part{Kind: PartReasoning, Text: block.Thinking})
		case "tool_use":
			tu := block.AsToolUse()
			parts = append(parts, Part{
				Kind:       PartToolCall,
				ToolCallID: tu.ID,
				ToolName:   tu.Name,
				Input:      string(tu.Input),
			})
		}
	}
	return parts
}

func (m *anthropicModel) Generate(ctx context.Context, call *Call) (*Result, error) {
	ctx, cancel := callContext(ctx, call)
	defer cancel()

	msg, err := m.client.Messages.New(ctx, m.buildParams(call))
	if err != nil {
		return nil, cancelErr(ctx, err)
	}

	parts := anthropicResultParts(msg)
	return &Result{
		Content:      parts,
		FinishReason: mapAnthropicStop(msg.StopReason, hasToolCalls(parts)),
		Usage: Usage{
			InputTokens:  int(msg.Usage.InputTokens),
			OutputTokens: int(msg.Usage.OutputTokens),
			TotalTokens:  int(msg.Usage.InputTokens + msg.Usage.OutputTokens),
		},
	}, nil
}

func (m *anthropicModel) Stream(ctx context.Context, call *Call) (*StreamResponse, error) {
	ctx, cancel := callContext(ctx, call)

	out := make(chan StreamPart, 16)
	go func() {
		defer close(out)
		defer cancel()

		out <- StreamPart{Kind: StreamStart}

		stream := m.client.Messages.NewStreaming(ctx, m.buildParams(call))
		msg := anthropic.Message{}

		var textID string
		textOpen := false
		flushText := func() {
			if textOpen {
				out <- StreamPart{Kind: StreamTextEnd, ID: textID}
				textOpen = false
			}
		}

		for stream.Next() {
			event := stream.Current()
			if err := msg.Accumulate(event); err != nil {
				flushText()
				out <- StreamPart{Kind: StreamError, Err: err}
				out <- StreamPart{Kind: StreamFinish, FinishReason: FinishError}
				stream.Close()
				return
			}

			if event.Type == "content_block_delta" && event.Delta.Type == "text_delta" && event.Delta.Text != "" {
				if !textOpen {
					textID = uuid.NewString()
					textOpen = true
					out <- StreamPart{Kind: StreamTextStart, ID: textID}
				}
				out <- StreamPart{Kind: StreamTextDelta, ID: textID, Text: event.Delta.Text}
			}
			if event.Type == "content_block_stop" {
				flushText()
			}
		}

		if err := stream.Err(); err != nil {
			stream.Close()
			flushText()
			out <- StreamPart{Kind: StreamError, Err: cancelErr(ctx, err)}
			out <- StreamPart{Kind: StreamFinish, FinishReason: FinishError}
			return
		}
		stream.Close()
		flushText()

		parts := anthropicResultParts(&msg)
		for _, p := range parts {
			if p.Kind == PartToolCall {
				out <- StreamPart{
					Kind:       StreamToolCall,
					ToolCallID: p.ToolCallID,
					ToolName:   p.ToolName,
					Input:      p.Input,
				}
			}
		}

		out <- StreamPart{
			Kind:         StreamFinish,
			FinishReason: mapAnthropicStop(msg.StopReason, hasToolCalls(parts)),
			Usage: Usage{
				InputTokens:  int(msg.Usage.InputTokens),
				OutputTokens: int(msg.Usage.OutputTokens),
				TotalTokens:  int(msg.Usage.InputTokens + msg.Usage.OutputTokens),
			},
		}
	}()

	return &StreamResponse{Parts: out}, nil
}
