package provider

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"loom/internal/logging"

	"github.com/cenkalti/backoff/v4"
)

// openAIModel is the catch-all driver for OpenAI-compatible chat
// completion endpoints. It always requests usage inclusion in streaming
// responses so token counts arrive with the final chunk.
type openAIModel struct {
	cfg        driverConfig
	httpClient *http.Client
	endpoint   string

	// apiID overrides the wire-level model ID (used by the Bedrock
	// region-prefixing path).
	apiID string
}

func newOpenAIModel(cfg driverConfig) (*openAIModel, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("provider %q has no base URL", cfg.Provider.ID)
	}

	timeout := cfg.requestTimeout()
	if timeout == 0 {
		timeout = 2 * time.Minute
	}

	m := &openAIModel{
		cfg:      cfg,
		endpoint: strings.TrimSuffix(cfg.BaseURL, "/") + "/chat/completions",
		apiID:    cfg.Model.APIID,
		httpClient: &http.Client{
			Timeout: timeout,
			Transport: transportFor(cfg),
		},
	}
	return m, nil
}

// transportFor lets provider options install a URL-rewriting RoundTripper
// (the Owiseman path) without a dedicated driver.
func transportFor(cfg driverConfig) http.RoundTripper {
	if rt, ok := cfg.Options["roundTripper"].(http.RoundTripper); ok {
		return rt
	}
	return http.DefaultTransport
}

// Wire types for the chat completions surface.

type oaMessage struct {
	Role       string       `json:"role"`
	Content    string       `json:"content,omitempty"`
	ToolCalls  []oaToolCall `json:"tool_calls,omitempty"`
	ToolCallID string       `json:"tool_call_id,omitempty"`
}

type oaToolCall struct {
	Index    int        `json:"index,omitempty"`
	ID       string     `json:"id,omitempty"`
	Type     string     `json:"type,omitempty"`
	Function oaFunction `json:"function"`
}

type oaFunction struct {
	Name      string `json:"name,omitempty"`
	Arguments string `json:"arguments,omitempty"`
}

type oaTool struct {
	Type     string `json:"type"`
	Function struct {
		Name        string         `json:"name"`
		Description string         `json:"description,omitempty"`
		Parameters  map[string]any `json:"parameters,omitempty"`
	} `json:"function"`
}

type oaUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

type oaResponse struct {
	Choices []struct {
		Message      oaMessage `json:"message"`
		FinishReason string    `json:"finish_reason"`
	} `json:"choices"`
	Usage *oaUsage `json:"usage"`
}

type oaChunk struct {
	Choices []struct {
		Delta        oaMessage `json:"delta"`
		FinishReason string    `json:"finish_reason"`
	} `json:"choices"`
	Usage *oaUsage `json:"usage"`
}

func (m *openAIModel) buildRequest(call *Call, stream bool) map[string]any {
	messages := make([]oaMessage, 0, len(call.Messages)+1)
	if call.System != "" {
		messages = append(messages, oaMessage{Role: "system", Content: call.System})
	}
	for _, msg := range call.Messages {
		messages = append(messages, convertToOAMessages(msg)...)
	}

	req := map[string]any{
		"model":    m.apiID,
		"messages": messages,
		"stream":   stream,
	}
	if stream {
		req["stream_options"] = map[string]any{"include_usage": true}
	}
	if call.Temperature != nil {
		req["temperature"] = *call.Temperature
	}
	if call.MaxTokens > 0 {
		req["max_tokens"] = call.MaxTokens
	}

	if len(call.Tools) > 0 {
		tools := make([]oaTool, 0, len(call.Tools))
		for _, t := range call.Tools {
			var ot oaTool
			ot.Type = "function"
			ot.Function.Name = t.Name
			ot.Function.Description = t.Description
			ot.Function.Parameters = t.Parameters
			tools = append(tools, ot)
		}
		req["tools"] = tools

		switch call.ToolChoice {
		case "", "auto":
			req["tool_choice"] = "auto"
		case "none", "required":
			req["tool_choice"] = call.ToolChoice
		default:
			req["tool_choice"] = map[string]any{
				"type":     "function",
				"function": map[string]any{"name": call.ToolChoice},
			}
		}
	}

	if fmtOpt, ok := mergedCallOption(m.cfg, call, "response_format"); ok {
		if s, ok := fmtOpt.(string); ok && s == "json" {
			req["response_format"] = map[string]any{"type": "json_object"}
		}
	}

	return req
}

// mergedCallOption reads an option with per-call values overriding the
// driver defaults.
func mergedCallOption(cfg driverConfig, call *Call, key string) (any, bool) {
	if v, ok := call.Options[key]; ok {
		return v, true
	}
	v, ok := cfg.Options[key]
	return v, ok
}

func convertToOAMessages(msg Message) []oaMessage {
	var out []oaMessage
	var texts []string
	var toolCalls []oaToolCall

	for _, part := range msg.Parts {
		switch part.Kind {
		case PartText, PartReasoning:
			texts = append(texts, part.Text)
		case PartToolCall:
			toolCalls = append(toolCalls, oaToolCall{
				ID:   part.ToolCallID,
				Type: "function",
				Function: oaFunction{
					Name:      part.ToolName,
					Arguments: part.Input,
				},
			})
		case PartToolResult:
			out = append(out, oaMessage{
				Role:       "tool",
				ToolCallID: part.ToolCallID,
				Content:    part.Output,
			})
		}
	}

	if len(texts) > 0 || len(toolCalls) > 0 {
		out = append(out, oaMessage{
			Role:      string(msg.Role),
			Content:   strings.Join(texts, "\n"),
			ToolCalls: toolCalls,
		})
	}
	return out
}

// do issues the HTTP request, retrying transport-level failures (never
// HTTP statuses, which are the caller's retry decision).
func (m *openAIModel) do(ctx context.Context, call *Call, body map[string]any) (*http.Response, error) {
	data, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}

	var resp *http.Response
	op := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.endpoint, bytes.NewReader(data))
		if err != nil {
			return backoff.Permanent(err)
		}
		req.Header.Set("Content-Type", "application/json")
		if m.cfg.APIKey != "" {
			req.Header.Set("Authorization", "Bearer "+m.cfg.APIKey)
		}
		for k, v := range m.cfg.effectiveHeaders(call) {
			req.Header.Set(k, v)
		}

		resp, err = m.httpClient.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return backoff.Permanent(err)
			}
			return err
		}
		return nil
	}

	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 2), ctx)
	if err := backoff.Retry(op, policy); err != nil {
		return nil, cancelErr(ctx, err)
	}

	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		body, _ := io.ReadAll(resp.Body)
		return nil, &UpstreamError{Status: resp.StatusCode, Body: string(body)}
	}
	return resp, nil
}

func mapOAFinish(reason string) FinishReason {
	switch reason {
	case "stop":
		return FinishStop
	case "tool_calls":
		return FinishToolCalls
	case "length":
		return FinishLength
	case "content_filter":
		return FinishContentFilter
	case "":
		return FinishUnknown
	default:
		return FinishUnknown
	}
}

func usageFrom(u *oaUsage) Usage {
	if u == nil {
		return Usage{}
	}
	return Usage{
		InputTokens:  u.PromptTokens,
		OutputTokens: u.CompletionTokens,
		TotalTokens:  u.TotalTokens,
	}
}

func (m *openAIModel) Generate(ctx context.Context, call *Call) (*Result, error) {
	ctx, cancel := callContext(ctx, call)
	defer cancel()

	resp, err := m.do(ctx, call, m.buildRequest(call, false))
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var parsed oaResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("decoding response: %w", err)
	}
	if len(parsed.Choices) == 0 {
		return nil, fmt.Errorf("response carried no choices")
	}

	choice := parsed.Choices[0]
	result := &Result{
		FinishReason: mapOAFinish(choice.FinishReason),
		Usage:        usageFrom(parsed.Usage),
	}

	if choice.Message.Content != "" {
		result.Content = append(result.Content, Part{Kind: PartText, Text: choice.Message.Content})
	}
	for _, tc := range choice.Message.ToolCalls {
		result.Content = append(result.Content, Part{
			Kind:       PartToolCall,
			ToolCallID: tc.ID,
			ToolName:   tc.Function.Name,
			Input:      tc.Function.Arguments,
		})
	}
	return result, nil
}

func (m *openAIModel) Stream(ctx context.Context, call *Call) (*StreamResponse, error) {
	ctx, cancel := callContext(ctx, call)

	resp, err := m.do(ctx, call, m.buildRequest(call, true))
	if err != nil {
		cancel()
		return nil, err
	}

	out := make(chan StreamPart, 16)
	go func() {
		defer close(out)
		defer cancel()
		defer resp.Body.Close()

		out <- StreamPart{Kind: StreamStart}

		var (
			usage        Usage
			finish       = FinishUnknown
			textID       string
			textOpen     bool
			pendingCalls = map[int]*oaToolCall{}
			order        []int
		)

		flushText := func() {
			if textOpen {
				out <- StreamPart{Kind: StreamTextEnd, ID: textID}
				textOpen = false
			}
		}

		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for scanner.Scan() {
			line := scanner.Text()

			var data string
			if strings.HasPrefix(line, "data: ") {
				data = strings.TrimPrefix(line, "data: ")
			} else if strings.HasPrefix(line, "data:") {
				data = strings.TrimPrefix(line, "data:")
			} else {
				continue
			}
			if strings.TrimSpace(data) == "[DONE]" {
				break
			}

			var chunk oaChunk
			if err := json.Unmarshal([]byte(data), &chunk); err != nil {
				logging.Debug("skipping unparseable SSE chunk", "error", err)
				continue
			}

			if chunk.Usage != nil {
				usage = usageFrom(chunk.Usage)
			}
			if len(chunk.Choices) == 0 {
				continue
			}
			choice := chunk.Choices[0]

			if choice.Delta.Content != "" {
				if !textOpen {
					textID = fmt.Sprintf("txt_%d", len(order))
					textOpen = true
					out <- StreamPart{Kind: StreamTextStart, ID: textID}
				}
				out <- StreamPart{Kind: StreamTextDelta, ID: textID, Text: choice.Delta.Content}
			}

			for _, tc := range choice.Delta.ToolCalls {
				entry, ok := pendingCalls[tc.Index]
				if !ok {
					entry = &oaToolCall{Index: tc.Index}
					pendingCalls[tc.Index] = entry
					order = append(order, tc.Index)
				}
				if tc.ID != "" {
					entry.ID = tc.ID
				}
				if tc.Function.Name != "" {
					entry.Function.Name = tc.Function.Name
				}
				entry.Function.Arguments += tc.Function.Arguments
			}

			if choice.FinishReason != "" {
				finish = mapOAFinish(choice.FinishReason)
			}
		}

		if err := scanner.Err(); err != nil {
			flushText()
			out <- StreamPart{Kind: StreamError, Err: cancelErr(ctx, err)}
			out <- StreamPart{Kind: StreamFinish, FinishReason: FinishError, Usage: usage}
			return
		}

		flushText()
		for _, idx := range order {
			tc := pendingCalls[idx]
			out <- StreamPart{
				Kind:       StreamToolCall,
				ToolCallID: tc.ID,
				ToolName:   tc.Function.Name,
				Input:      tc.Function.Arguments,
			}
		}
		out <- StreamPart{Kind: StreamFinish, FinishReason: finish, Usage: usage}
	}()

	return &StreamResponse{Parts: out}, nil
}
