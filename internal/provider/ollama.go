package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"loom/internal/catalog"
	"loom/internal/config"
	"loom/internal/logging"

	"github.com/google/uuid"
	"github.com/ollama/ollama/api"
)

// discoveryTimeout bounds the /api/tags probe at registry build.
const discoveryTimeout = 2500 * time.Millisecond

// fallbackOllamaModel is synthesized when discovery fails and the
// provider would otherwise have no models, so callers can still address
// the endpoint.
const fallbackOllamaModel = "llama3.1:8b-instruct"

// ollamaBaseURL resolves the endpoint from the environment, provider
// config, or the default local port.
func ollamaBaseURL(env func(string) string, base string) string {
	if v := env("OLLAMA_BASE_URL"); v != "" {
		return v
	}
	if v := env("OLLAMA_HOST"); v != "" {
		if !strings.Contains(v, "://") {
			v = "http://" + v
		}
		return v
	}
	if base != "" {
		return base
	}
	return "http://localhost:11434"
}

// ollamaLoader wires Ollama into the registry: autoload from the
// environment and model discovery via /api/tags.
func ollamaLoader() catalog.CustomLoader {
	return catalog.CustomLoader{
		Autoload: func(env func(string) string, cfg *config.ProviderConfig) bool {
			return env("OLLAMA_BASE_URL") != "" || env("OLLAMA_HOST") != "" || cfg != nil
		},
		Models: func(ctx context.Context, p *catalog.Provider) error {
			base := ollamaBaseURL(osGetenv, p.BaseURL)
			p.BaseURL = base
			return discoverOllamaModels(ctx, p, base)
		},
	}
}

// osGetenv is swappable in tests.
var osGetenv = os.Getenv

// discoverOllamaModels pulls the tag list and synthesizes descriptors for
// models the registry does not already carry, cloning an existing entry
// as the template.
func discoverOllamaModels(ctx context.Context, p *catalog.Provider, base string) error {
	ctx, cancel := context.WithTimeout(ctx, discoveryTimeout)
	defer cancel()

	names, err := fetchOllamaTags(ctx, base)
	if err != nil {
		if len(p.Models) == 0 {
			p.Models[fallbackOllamaModel] = synthesizeOllamaModel(fallbackOllamaModel, nil)
			logging.Warn("ollama discovery failed, synthesized fallback model",
				"base", base, "error", err)
			return nil
		}
		return err
	}

	var template *catalog.Model
	for _, m := range p.Models {
		template = m
		break
	}

	for _, name := range names {
		if _, ok := p.Models[name]; ok {
			continue
		}
		p.Models[name] = synthesizeOllamaModel(name, template)
	}

	logging.Debug("ollama models discovered", "count", len(names), "base", base)
	return nil
}

type ollamaTagsResponse struct {
	Models []struct {
		Name string `json:"name"`
	} `json:"models"`
}

func fetchOllamaTags(ctx context.Context, base string) ([]string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		strings.TrimSuffix(base, "/")+"/api/tags", nil)
	if err != nil {
		return nil, err
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("GET /api/tags: status %d", resp.StatusCode)
	}

	var parsed ollamaTagsResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, err
	}

	names := make([]string, 0, len(parsed.Models))
	for _, m := range parsed.Models {
		names = append(names, m.Name)
	}
	return names, nil
}

// synthesizeOllamaModel builds a descriptor for a discovered model from a
// template, or from conservative defaults when none exists.
func synthesizeOllamaModel(name string, template *catalog.Model) *catalog.Model {
	m := &catalog.Model{
		ID:     name,
		Name:   name,
		APIID:  name,
		Family: "ollama",
		Status: catalog.StatusActive,
		Capabilities: catalog.Capabilities{
			Input:  []catalog.Modality{catalog.ModalityText},
			Output: []catalog.Modality{catalog.ModalityText},
		},
		Limits: catalog.Limits{Context: 16_384, Output: 4_096},
	}
	if template != nil {
		m.Capabilities = template.Capabilities
		m.Limits = template.Limits
		m.ToolCallMode = template.ToolCallMode
	}
	return m
}

// ollamaModel drives a local or remote Ollama endpoint through its chat
// API.
type ollamaModel struct {
	client *api.Client
	cfg    driverConfig
}

// ollamaAuthTransport adds the Authorization header for remote Ollama
// servers behind auth.
type ollamaAuthTransport struct {
	base   http.RoundTripper
	apiKey string
}

func (t *ollamaAuthTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	clone := req.Clone(req.Context())
	clone.Header.Set("Authorization", "Bearer "+t.apiKey)
	return t.base.RoundTrip(clone)
}

func newOllamaModel(cfg driverConfig) (*ollamaModel, error) {
	base := cfg.BaseURL
	if base == "" {
		base = "http://localhost:11434"
	}
	baseURL, err := url.Parse(base)
	if err != nil {
		return nil, fmt.Errorf("invalid base URL: %w", err)
	}

	timeout := cfg.requestTimeout()
	if timeout == 0 {
		timeout = 2 * time.Minute
	}

	httpClient := &http.Client{Timeout: timeout}
	if cfg.APIKey != "" {
		httpClient.Transport = &ollamaAuthTransport{
			base:   http.DefaultTransport,
			apiKey: cfg.APIKey,
		}
	}

	return &ollamaModel{
		client: api.NewClient(baseURL, httpClient),
		cfg:    cfg,
	}, nil
}

func (m *ollamaModel) buildRequest(call *Call, stream bool) *api.ChatRequest {
	messages := make([]api.Message, 0, len(call.Messages)+1)
	if call.System != "" {
		messages = append(messages, api.Message{Role: "system", Content: call.System})
	}

	for _, msg := range call.Messages {
		messages = append(messages, convertToOllamaMessages(msg)...)
	}

	req := &api.ChatRequest{
		Model:    m.cfg.Model.APIID,
		Messages: messages,
		Stream:   &stream,
		Options:  map[string]any{},
	}
	if call.MaxTokens > 0 {
		req.Options["num_predict"] = call.MaxTokens
	}
	if call.Temperature != nil {
		req.Options["temperature"] = *call.Temperature
	}

	if v, ok := mergedCallOption(m.cfg, call, "format"); ok {
		if s, ok := v.(string); ok && s == "json" {
			req.Format = json.RawMessage(`"json"`)
		}
	}

	if len(call.Tools) > 0 {
		req.Tools = convertToolsToOllama(call.Tools)
	}

	return req
}

func convertToOllamaMessages(msg Message) []api.Message {
	var out []api.Message
	var texts []string
	var toolCalls []api.ToolCall

	for _, part := range msg.Parts {
		switch part.Kind {
		case PartText, PartReasoning:
			texts = append(texts, part.Text)
		case PartToolCall:
			args := api.NewToolCallFunctionArguments()
			var parsed map[string]any
			if err := json.Unmarshal([]byte(part.Input), &parsed); err == nil {
				for k, v := range parsed {
					args.Set(k, v)
				}
			}
			toolCalls = append(toolCalls, api.ToolCall{
				ID: part.ToolCallID,
				Function: api.ToolCallFunction{
					Name:      part.ToolName,
					Arguments: args,
				},
			})
		case PartToolResult:
			out = append(out, api.Message{
				Role:       "tool",
				Content:    part.Output,
				ToolCallID: part.ToolCallID,
			})
		}
	}

	if len(texts) > 0 || len(toolCalls) > 0 {
		role := string(msg.Role)
		if msg.Role == RoleAssistant {
			role = "assistant"
		}
		out = append(out, api.Message{
			Role:      role,
			Content:   strings.Join(texts, "\n"),
			ToolCalls: toolCalls,
		})
	}
	return out
}

func convertToolsToOllama(tools []ToolDef) []api.Tool {
	out := make([]api.Tool, 0, len(tools))
	for _, t := range tools {
		params := api.ToolFunctionParameters{
			Type:       "object",
			Properties: api.NewToolPropertiesMap(),
		}

		if req, ok := t.Parameters["required"].([]any); ok {
			for _, r := range req {
				if s, ok := r.(string); ok {
					params.Required = append(params.Required, s)
				}
			}
		}
		if props, ok := t.Parameters["properties"].(map[string]any); ok {
			for name, raw := range props {
				schema, ok := raw.(map[string]any)
				if !ok {
					continue
				}
				prop := api.ToolProperty{}
				if desc, ok := schema["description"].(string); ok {
					prop.Description = desc
				}
				if typ, ok := schema["type"].(string); ok {
					prop.Type = api.PropertyType{typ}
				}
				if enum, ok := schema["enum"].([]any); ok {
					prop.Enum = enum
				}
				params.Properties.Set(name, prop)
			}
		}

		out = append(out, api.Tool{
			Type: "function",
			Function: api.ToolFunction{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  params,
			},
		})
	}
	return out
}

func ollamaToolCallPart(tc api.ToolCall) Part {
	id := tc.ID
	if id == "" {
		id = uuid.NewString()
	}
	args, err := json.Marshal(tc.Function.Arguments.ToMap())
	if err != nil {
		args = []byte("{}")
	}
	return Part{
		Kind:       PartToolCall,
		ToolCallID: id,
		ToolName:   tc.Function.Name,
		Input:      string(args),
	}
}

func (m *ollamaModel) Generate(ctx context.Context, call *Call) (*Result, error) {
	ctx, cancel := callContext(ctx, call)
	defer cancel()

	result := &Result{FinishReason: FinishStop}
	var text string

	err := m.client.Chat(ctx, m.buildRequest(call, false), func(resp api.ChatResponse) error {
		text += resp.Message.Content
		for _, tc := range resp.Message.ToolCalls {
			result.Content = append(result.Content, ollamaToolCallPart(tc))
		}
		if resp.Done {
			result.Usage = Usage{
				InputTokens:  resp.Metrics.PromptEvalCount,
				OutputTokens: resp.Metrics.EvalCount,
				TotalTokens:  resp.Metrics.PromptEvalCount + resp.Metrics.EvalCount,
			}
			if resp.DoneReason == "length" {
				result.FinishReason = FinishLength
			}
		}
		return nil
	})
	if err != nil {
		return nil, cancelErr(ctx, err)
	}

	if text != "" {
		result.Content = append([]Part{{Kind: PartText, Text: text}}, result.Content...)
	}
	if hasToolCalls(result.Content) {
		result.FinishReason = FinishToolCalls
	}
	return result, nil
}

func hasToolCalls(parts []Part) bool {
	for _, p := range parts {
		if p.Kind == PartToolCall {
			return true
		}
	}
	return false
}

func (m *ollamaModel) Stream(ctx context.Context, call *Call) (*StreamResponse, error) {
	ctx, cancel := callContext(ctx, call)

	out := make(chan StreamPart, 16)
	go func() {
		defer close(out)
		defer cancel()

		out <- StreamPart{Kind: StreamStart}

		var (
			usage     Usage
			finish    = FinishStop
			textID    string
			textOpen  bool
			toolCalls []Part
		)

		err := m.client.Chat(ctx, m.buildRequest(call, true), func(resp api.ChatResponse) error {
			if resp.Message.Content != "" {
				if !textOpen {
					textID = uuid.NewString()
					textOpen = true
					out <- StreamPart{Kind: StreamTextStart, ID: textID}
				}
				out <- StreamPart{Kind: StreamTextDelta, ID: textID, Text: resp.Message.Content}
			}
			for _, tc := range resp.Message.ToolCalls {
				toolCalls = append(toolCalls, ollamaToolCallPart(tc))
			}
			if resp.Done {
				usage = Usage{
					InputTokens:  resp.Metrics.PromptEvalCount,
					OutputTokens: resp.Metrics.EvalCount,
					TotalTokens:  resp.Metrics.PromptEvalCount + resp.Metrics.EvalCount,
				}
				if resp.DoneReason == "length" {
					finish = FinishLength
				}
			}
			return nil
		})

		if textOpen {
			out <- StreamPart{Kind: StreamTextEnd, ID: textID}
		}

		if err != nil {
			out <- StreamPart{Kind: StreamError, Err: cancelErr(ctx, err)}
			out <- StreamPart{Kind: StreamFinish, FinishReason: FinishError, Usage: usage}
			return
		}

		for _, tc := range toolCalls {
			out <- StreamPart{
				Kind:       StreamToolCall,
				ToolCallID: tc.ToolCallID,
				ToolName:   tc.ToolName,
				Input:      tc.Input,
			}
		}
		if len(toolCalls) > 0 {
			finish = FinishToolCalls
		}
		out <- StreamPart{Kind: StreamFinish, FinishReason: finish, Usage: usage}
	}()

	return &StreamResponse{Parts: out}, nil
}
