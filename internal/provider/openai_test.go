package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"loom/internal/catalog"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testDriverConfig(baseURL string) driverConfig {
	return driverConfig{
		Provider: &catalog.Provider{ID: "test", API: "openai-compatible", BaseURL: baseURL},
		Model:    &catalog.Model{ID: "test-model", APIID: "test-model"},
		APIKey:   "sk-test",
		BaseURL:  baseURL,
	}
}

func TestOpenAIGenerate(t *testing.T) {
	var gotBody map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))

		body, _ := io.ReadAll(r.Body)
		require.NoError(t, json.Unmarshal(body, &gotBody))

		fmt.Fprint(w, `{
			"choices":[{"message":{"content":"hello"},"finish_reason":"stop"}],
			"usage":{"prompt_tokens":2,"completion_tokens":3,"total_tokens":5}
		}`)
	}))
	defer srv.Close()

	m, err := newOpenAIModel(testDriverConfig(srv.URL))
	require.NoError(t, err)

	res, err := m.Generate(context.Background(), &Call{
		Messages: []Message{TextMessage(RoleUser, "hi")},
	})
	require.NoError(t, err)

	require.Len(t, res.Content, 1)
	assert.Equal(t, "hello", res.Content[0].Text)
	assert.Equal(t, FinishStop, res.FinishReason)
	assert.Equal(t, Usage{InputTokens: 2, OutputTokens: 3, TotalTokens: 5}, res.Usage)

	assert.Equal(t, false, gotBody["stream"])
	assert.Equal(t, "test-model", gotBody["model"])
}

func TestOpenAIStreamForcesUsageInclusion(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		var req map[string]any
		require.NoError(t, json.Unmarshal(body, &req))
		opts, ok := req["stream_options"].(map[string]any)
		require.True(t, ok, "stream requests always carry stream_options")
		assert.Equal(t, true, opts["include_usage"])

		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "data: {\"choices\":[{\"delta\":{\"content\":\"he\"}}]}\n\n")
		fmt.Fprint(w, "data: {\"choices\":[{\"delta\":{\"content\":\"llo\"},\"finish_reason\":\"stop\"}]}\n\n")
		fmt.Fprint(w, "data: {\"choices\":[],\"usage\":{\"prompt_tokens\":1,\"completion_tokens\":2,\"total_tokens\":3}}\n\n")
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	defer srv.Close()

	m, err := newOpenAIModel(testDriverConfig(srv.URL))
	require.NoError(t, err)

	resp, err := m.Stream(context.Background(), &Call{
		Messages: []Message{TextMessage(RoleUser, "hi")},
	})
	require.NoError(t, err)

	var kinds []StreamKind
	var text string
	var finish StreamPart
	for p := range resp.Parts {
		kinds = append(kinds, p.Kind)
		if p.Kind == StreamTextDelta {
			text += p.Text
		}
		if p.Kind == StreamFinish {
			finish = p
		}
	}

	assert.Equal(t, []StreamKind{StreamStart, StreamTextStart, StreamTextDelta, StreamTextDelta, StreamTextEnd, StreamFinish}, kinds)
	assert.Equal(t, "hello", text)
	assert.Equal(t, FinishStop, finish.FinishReason)
	assert.Equal(t, Usage{InputTokens: 1, OutputTokens: 2, TotalTokens: 3}, finish.Usage)
}

func TestOpenAIStreamAssemblesToolCallDeltas(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "data: {\"choices\":[{\"delta\":{\"tool_calls\":[{\"index\":0,\"id\":\"call_1\",\"function\":{\"name\":\"read\",\"arguments\":\"{\\\"pa\"}}]}}]}\n\n")
		fmt.Fprint(w, "data: {\"choices\":[{\"delta\":{\"tool_calls\":[{\"index\":0,\"function\":{\"arguments\":\"th\\\":\\\"x\\\"}\"}}]},\"finish_reason\":\"tool_calls\"}]}\n\n")
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	defer srv.Close()

	m, err := newOpenAIModel(testDriverConfig(srv.URL))
	require.NoError(t, err)

	resp, err := m.Stream(context.Background(), &Call{
		Messages: []Message{TextMessage(RoleUser, "read x")},
		Tools:    []ToolDef{{Name: "read"}},
	})
	require.NoError(t, err)

	var toolCall StreamPart
	var finish StreamPart
	for p := range resp.Parts {
		switch p.Kind {
		case StreamToolCall:
			toolCall = p
		case StreamFinish:
			finish = p
		}
	}

	assert.Equal(t, "call_1", toolCall.ToolCallID)
	assert.Equal(t, "read", toolCall.ToolName)
	assert.JSONEq(t, `{"path":"x"}`, toolCall.Input)
	assert.Equal(t, FinishToolCalls, finish.FinishReason)
}

func TestOpenAIUpstreamError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		fmt.Fprint(w, "slow down")
	}))
	defer srv.Close()

	m, err := newOpenAIModel(testDriverConfig(srv.URL))
	require.NoError(t, err)

	_, err = m.Generate(context.Background(), &Call{
		Messages: []Message{TextMessage(RoleUser, "hi")},
	})
	var ue *UpstreamError
	require.ErrorAs(t, err, &ue)
	assert.Equal(t, 429, ue.Status)
	assert.True(t, ue.Retryable())

	// Upstream statuses are returned, not retried by the driver.
	srv500 := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv500.Close()

	m, err = newOpenAIModel(testDriverConfig(srv500.URL))
	require.NoError(t, err)
	_, err = m.Generate(context.Background(), &Call{Messages: []Message{TextMessage(RoleUser, "x")}})
	require.ErrorAs(t, err, &ue)
	assert.False(t, ue.Retryable())
}

func TestOpenAIHeaderMergeOrder(t *testing.T) {
	var got http.Header
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.Header.Clone()
		fmt.Fprint(w, `{"choices":[{"message":{"content":"ok"},"finish_reason":"stop"}]}`)
	}))
	defer srv.Close()

	cfg := testDriverConfig(srv.URL)
	cfg.Headers = map[string]string{"X-Pinned": "model-wins"}

	m, err := newOpenAIModel(cfg)
	require.NoError(t, err)

	_, err = m.Generate(context.Background(), &Call{
		Messages: []Message{TextMessage(RoleUser, "hi")},
		Headers: map[string]string{
			"X-Pinned": "caller-loses",
			"X-Caller": "present",
		},
	})
	require.NoError(t, err)

	assert.Equal(t, "model-wins", got.Get("X-Pinned"), "per-model headers override caller headers")
	assert.Equal(t, "present", got.Get("X-Caller"))
}
