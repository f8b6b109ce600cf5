package provider

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"google.golang.org/genai"
)

// geminiModel drives the Gemini API through the google genai SDK.
type geminiModel struct {
	client *genai.Client
	cfg    driverConfig
}

func newGeminiModel(ctx context.Context, cfg driverConfig) (*geminiModel, error) {
	clientConfig := &genai.ClientConfig{
		Backend: genai.BackendGeminiAPI,
		APIKey:  cfg.APIKey,
	}

	// A configured cloud project routes requests at Vertex AI instead of
	// the public Gemini API.
	if project, ok := cfg.Options["project"].(string); ok && project != "" {
		clientConfig.Backend = genai.BackendVertexAI
		clientConfig.Project = project
		if location, ok := cfg.Options["location"].(string); ok {
			clientConfig.Location = location
		}
	} else if cfg.APIKey == "" {
		return nil, fmt.Errorf("gemini API key required")
	}

	client, err := genai.NewClient(ctx, clientConfig)
	if err != nil {
		return nil, fmt.Errorf("creating gemini client: %w", err)
	}

	return &geminiModel{client: client, cfg: cfg}, nil
}

func (m *geminiModel) buildConfig(call *Call) *genai.GenerateContentConfig {
	config := &genai.GenerateContentConfig{}

	if call.Temperature != nil {
		t := float32(*call.Temperature)
		config.Temperature = &t
	}
	if call.MaxTokens > 0 {
		config.MaxOutputTokens = int32(call.MaxTokens)
	}
	if call.System != "" {
		config.SystemInstruction = genai.NewContentFromText(call.System, genai.RoleUser)
	}

	if len(call.Tools) > 0 {
		decls := make([]*genai.FunctionDeclaration, 0, len(call.Tools))
		for _, t := range call.Tools {
			decls = append(decls, &genai.FunctionDeclaration{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  schemaFromMap(t.Parameters),
			})
		}
		config.Tools = []*genai.Tool{{FunctionDeclarations: decls}}

		fcc := &genai.FunctionCallingConfig{Mode: genai.FunctionCallingConfigModeAuto}
		switch call.ToolChoice {
		case "none":
			fcc.Mode = genai.FunctionCallingConfigModeNone
		case "required":
			fcc.Mode = genai.FunctionCallingConfigModeAny
		case "", "auto":
		default:
			fcc.Mode = genai.FunctionCallingConfigModeAny
			fcc.AllowedFunctionNames = []string{call.ToolChoice}
		}
		config.ToolConfig = &genai.ToolConfig{FunctionCallingConfig: fcc}
	}

	return config
}

// schemaFromMap converts the subset of JSON schema tool definitions carry
// into the genai schema type.
func schemaFromMap(schema map[string]any) *genai.Schema {
	if schema == nil {
		return &genai.Schema{Type: genai.TypeObject}
	}

	out := &genai.Schema{Type: genai.TypeObject}
	if props, ok := schema["properties"].(map[string]any); ok {
		out.Properties = make(map[string]*genai.Schema, len(props))
		for name, raw := range props {
			prop, ok := raw.(map[string]any)
			if !ok {
				continue
			}
			ps := &genai.Schema{}
			if typ, ok := prop["type"].(string); ok {
				ps.Type = genaiType(typ)
			}
			if desc, ok := prop["description"].(string); ok {
				ps.Description = desc
			}
			if enum, ok := prop["enum"].([]any); ok {
				for _, e := range enum {
					if s, ok := e.(string); ok {
						ps.Enum = append(ps.Enum, s)
					}
				}
			}
			out.Properties[name] = ps
		}
	}
	if req, ok := schema["required"].([]any); ok {
		for _, r := range req {
			if s, ok := r.(string); ok {
				out.Required = append(out.Required, s)
			}
		}
	}
	return out
}

func genaiType(t string) genai.Type {
	switch t {
	case "string":
		return genai.TypeString
	case "number":
		return genai.TypeNumber
	case "integer":
		return genai.TypeInteger
	case "boolean":
		return genai.TypeBoolean
	case "array":
		return genai.TypeArray
	case "object":
		return genai.TypeObject
	default:
		return genai.TypeString
	}
}

func convertToGeminiContents(messages []Message) []*genai.Content {
	var out []*genai.Content
	for _, msg := range messages {
		role := genai.RoleUser
		if msg.Role == RoleAssistant {
			role = genai.RoleModel
		}

		var parts []*genai.Part
		for _, part := range msg.Parts {
			switch part.Kind {
			case PartText, PartReasoning:
				if part.Text != "" {
					parts = append(parts, &genai.Part{Text: part.Text})
				}
			case PartToolCall:
				var args map[string]any
				if err := json.Unmarshal([]byte(part.Input), &args); err != nil {
					args = map[string]any{}
				}
				parts = append(parts, &genai.Part{FunctionCall: &genai.FunctionCall{
					ID:   part.ToolCallID,
					Name: part.ToolName,
					Args: args,
				}})
			case PartToolResult:
				parts = append(parts, &genai.Part{FunctionResponse: &genai.FunctionResponse{
					ID:       part.ToolCallID,
					Name:     part.ToolName,
					Response: map[string]any{"content": part.Output},
				}})
			}
		}
		if len(parts) == 0 {
			continue
		}
		out = append(out, &genai.Content{Role: role, Parts: parts})
	}
	return out
}

func mapGeminiFinish(reason genai.FinishReason, hasTools bool) FinishReason {
	switch reason {
	case genai.FinishReasonStop:
		if hasTools {
			return FinishToolCalls
		}
		return FinishStop
	case genai.FinishReasonMaxTokens:
		return FinishLength
	case genai.FinishReasonSafety, genai.FinishReasonBlocklist, genai.FinishReasonProhibitedContent:
		return FinishContentFilter
	case "":
		if hasTools {
			return FinishToolCalls
		}
		return FinishStop
	default:
		return FinishUnknown
	}
}

func geminiToolCallPart(fc *genai.FunctionCall) Part {
	id := fc.ID
	if id == "" {
		id = uuid.NewString()
	}
	args, err := json.Marshal(fc.Args)
	if err != nil {
		args = []byte("{}")
	}
	return Part{
		Kind:       PartToolCall,
		ToolCallID: id,
		ToolName:   fc.Name,
		Input:      string(args),
	}
}

func (m *geminiModel) Generate(ctx context.Context, call *Call) (*Result, error) {
	ctx, cancel := callContext(ctx, call)
	defer cancel()

	resp, err := m.client.Models.GenerateContent(ctx,
		m.cfg.Model.APIID, convertToGeminiContents(call.Messages), m.buildConfig(call))
	if err != nil {
		return nil, cancelErr(ctx, err)
	}
	if len(resp.Candidates) == 0 {
		return nil, fmt.Errorf("response carried no candidates")
	}

	result := &Result{}
	candidate := resp.Candidates[0]
	if candidate.Content != nil {
		for _, part := range candidate.Content.Parts {
			if part.Text != "" {
				result.Content = append(result.Content, Part{Kind: PartText, Text: part.Text})
			}
			if part.FunctionCall != nil {
				result.Content = append(result.Content, geminiToolCallPart(part.FunctionCall))
			}
		}
	}

	result.FinishReason = mapGeminiFinish(candidate.FinishReason, hasToolCalls(result.Content))
	if resp.UsageMetadata != nil {
		result.Usage = Usage{
			InputTokens:  int(resp.UsageMetadata.PromptTokenCount),
			OutputTokens: int(resp.UsageMetadata.CandidatesTokenCount),
			TotalTokens:  int(resp.UsageMetadata.TotalTokenCount),
		}
	}
	return result, nil
}

func (m *geminiModel) Stream(ctx context.Context, call *Call) (*StreamResponse, error) {
	ctx, cancel := callContext(ctx, call)

	out := make(chan StreamPart, 16)
	go func() {
		defer close(out)
		defer cancel()

		out <- StreamPart{Kind: StreamStart}

		var (
			usage     Usage
			finish    genai.FinishReason
			textID    string
			textOpen  bool
			toolCalls []Part
		)

		iter := m.client.Models.GenerateContentStream(ctx,
			m.cfg.Model.APIID, convertToGeminiContents(call.Messages), m.buildConfig(call))

		for resp, err := range iter {
			if err != nil {
				if textOpen {
					out <- StreamPart{Kind: StreamTextEnd, ID: textID}
				}
				out <- StreamPart{Kind: StreamError, Err: cancelErr(ctx, err)}
				out <- StreamPart{Kind: StreamFinish, FinishReason: FinishError, Usage: usage}
				return
			}

			if resp.UsageMetadata != nil {
				usage = Usage{
					InputTokens:  int(resp.UsageMetadata.PromptTokenCount),
					OutputTokens: int(resp.UsageMetadata.CandidatesTokenCount),
					TotalTokens:  int(resp.UsageMetadata.TotalTokenCount),
				}
			}
			if len(resp.Candidates) == 0 {
				continue
			}
			candidate := resp.Candidates[0]
			if candidate.FinishReason != "" {
				finish = candidate.FinishReason
			}
			if candidate.Content == nil {
				continue
			}

			for _, part := range candidate.Content.Parts {
				if part.Text != "" {
					if !textOpen {
						textID = uuid.NewString()
						textOpen = true
						out <- StreamPart{Kind: StreamTextStart, ID: textID}
					}
					out <- StreamPart{Kind: StreamTextDelta, ID: textID, Text: part.Text}
				}
				if part.FunctionCall != nil {
					toolCalls = append(toolCalls, geminiToolCallPart(part.FunctionCall))
				}
			}
		}

		if textOpen {
			out <- StreamPart{Kind: StreamTextEnd, ID: textID}
		}
		for _, tc := range toolCalls {
			out <- StreamPart{
				Kind:       StreamToolCall,
				ToolCallID: tc.ToolCallID,
				ToolName:   tc.ToolName,
				Input:      tc.Input,
			}
		}
		out <- StreamPart{
			Kind:         StreamFinish,
			FinishReason: mapGeminiFinish(finish, len(toolCalls) > 0),
			Usage:        usage,
		}
	}()

	return &StreamResponse{Parts: out}, nil
}
