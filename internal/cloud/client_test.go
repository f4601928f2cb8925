// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cloud

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jeranaias/hmchat/internal/fault"
	"github.com/jeranaias/hmchat/internal/model"
)

// =============================================================================
// TEST HELPERS
// =============================================================================

func testSettings(url string) model.Settings {
	s := model.DefaultSettings()
	s.APIURL = url + "/v1/"
	s.APIKey = "sk-test"
	return s
}

func newTestClient(t *testing.T, handler http.Handler, opts ...Option) (*Client, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewClient(StaticSettings(testSettings(srv.URL)), opts...), srv
}

func decodeBody(t *testing.T, r *http.Request) map[string]any {
	t.Helper()
	var body map[string]any
	require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
	return body
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

var responsesOK = map[string]any{
	"id":     "resp_1",
	"object": "response",
	"model":  "gpt-3.5-turbo",
	"status": "completed",
	"output": []any{
		map[string]any{
			"type": "message",
			"role": "assistant",
			"content": []any{
				map[string]any{"type": "output_text", "text": "Hello"},
				map[string]any{"type": "output_text", "text": " world"},
			},
		},
	},
	"usage": map[string]any{"input_tokens": 5, "output_tokens": 2, "total_tokens": 7},
}

var chatOK = map[string]any{
	"id":     "chatcmpl-1",
	"object": "chat.completion",
	"model":  "gpt-4o",
	"choices": []any{
		map[string]any{
			"message":       map[string]any{"role": "assistant", "content": "Hi from chat"},
			"finish_reason": "stop",
		},
	},
	"usage": map[string]any{"prompt_tokens": 3, "completion_tokens": 4, "total_tokens": 7},
}

// =============================================================================
// COMPLETE TESTS
// =============================================================================

func TestComplete_ResponsesProtocol(t *testing.T) {
	var body map[string]any
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/v1/responses", r.URL.Path)
		assert.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))
		body = decodeBody(t, r)
		writeJSON(w, http.StatusOK, responsesOK)
	}))

	got, err := client.Complete(context.Background(), []ChatMessage{NewUserMessage("hi")}, Params{})
	require.NoError(t, err)

	assert.Equal(t, "Hello world", got.Text)
	assert.Equal(t, ProtocolResponses, got.Protocol)
	assert.Equal(t, Usage{Input: 5, Output: 2, Total: 7}, got.Usage)
	assert.Equal(t, "completed", got.FinishReason)

	assert.Equal(t, model.DefaultModel, body["model"])
	assert.Equal(t, 0.7, body["temperature"])
	assert.Equal(t, false, body["stream"])
	assert.NotContains(t, body, "instructions")
	assert.NotContains(t, body, "max_output_tokens")
	input := body["input"].([]any)
	require.Len(t, input, 1)
	assert.Equal(t, map[string]any{"role": "user", "content": "hi"}, input[0])
}

func TestComplete_FallsBackToChatOn404(t *testing.T) {
	var responsesHits, chatHits atomic.Int32
	var chatBody map[string]any

	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/v1/responses":
			responsesHits.Add(1)
			http.NotFound(w, r)
		case "/v1/chat/completions":
			chatHits.Add(1)
			chatBody = decodeBody(t, r)
			writeJSON(w, http.StatusOK, chatOK)
		default:
			t.Errorf("unexpected path %s", r.URL.Path)
		}
	}))

	got, err := client.Complete(context.Background(),
		[]ChatMessage{NewUserMessage("q1"), NewAssistantMessage("a1"), NewUserMessage("q2")},
		Params{Instructions: "be brief", TopP: Float(0.9)})
	require.NoError(t, err)

	assert.Equal(t, int32(1), responsesHits.Load())
	assert.Equal(t, int32(1), chatHits.Load())
	assert.Equal(t, "Hi from chat", got.Text)
	assert.Equal(t, ProtocolChat, got.Protocol)
	assert.Equal(t, "stop", got.FinishReason)
	assert.Equal(t, Usage{Input: 3, Output: 4, Total: 7}, got.Usage)

	messages := chatBody["messages"].([]any)
	require.Len(t, messages, 4)
	assert.Equal(t, map[string]any{"role": "system", "content": "be brief"}, messages[0])
	assert.Equal(t, float64(model.DefaultMaxTokens), chatBody["max_tokens"])
	assert.Equal(t, 0.9, chatBody["top_p"])
	assert.NotContains(t, chatBody, "presence_penalty")
}

func TestComplete_FallbackFailureIsRemoteFault(t *testing.T) {
	var hits atomic.Int32
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		http.NotFound(w, r)
	}))

	_, err := client.Complete(context.Background(), []ChatMessage{NewUserMessage("x")}, Params{})
	require.Error(t, err)
	assert.True(t, errors.Is(err, fault.ErrRemote))
	assert.Equal(t, int32(2), hits.Load(), "exactly one fallback")
}

func TestComplete_NoFallbackOnOtherStatus(t *testing.T) {
	var chatHits atomic.Int32
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/v1/chat/completions" {
			chatHits.Add(1)
		}
		writeJSON(w, http.StatusInternalServerError, map[string]any{
			"error": map[string]any{"message": "model overloaded", "type": "server_error"},
		})
	}))

	_, err := client.Complete(context.Background(), []ChatMessage{NewUserMessage("x")}, Params{})
	require.Error(t, err)
	assert.True(t, errors.Is(err, fault.ErrRemote))
	assert.False(t, errors.Is(err, fault.ErrAuth))
	assert.Equal(t, "model overloaded", fault.Message(err))
	assert.Equal(t, int32(0), chatHits.Load())
}

func TestComplete_StatusWithoutMessage(t *testing.T) {
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		w.Write([]byte("<html>bad gateway</html>"))
	}))

	_, err := client.Complete(context.Background(), nil, Params{})
	require.Error(t, err)
	assert.Equal(t, "HTTP error! status: 502", fault.Message(err))
}

func TestComplete_UnauthorizedMatchesAuth(t *testing.T) {
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusUnauthorized, map[string]any{"error": "invalid api key"})
	}))

	_, err := client.Complete(context.Background(), nil, Params{})
	require.Error(t, err)
	assert.True(t, errors.Is(err, fault.ErrRemote))
	assert.True(t, errors.Is(err, fault.ErrAuth))
	assert.Equal(t, "invalid api key", fault.Message(err))
}

func TestComplete_ParamsOverrideSettings(t *testing.T) {
	var body map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body = decodeBody(t, r)
		writeJSON(w, http.StatusOK, responsesOK)
	}))
	defer srv.Close()

	settings := testSettings(srv.URL)
	settings.Model = "gpt-4o"
	settings.Temperature = 0.3
	client := NewClient(StaticSettings(settings))

	_, err := client.Complete(context.Background(), nil, Params{})
	require.NoError(t, err)
	assert.Equal(t, "gpt-4o", body["model"])
	assert.Equal(t, 0.3, body["temperature"])
	assert.Equal(t, []any{}, body["input"])

	_, err = client.Complete(context.Background(), nil, Params{
		Model:       "gpt-4o-mini",
		Temperature: Float(0),
		MaxTokens:   256,
	})
	require.NoError(t, err)
	assert.Equal(t, "gpt-4o-mini", body["model"])
	assert.Equal(t, float64(0), body["temperature"])
	assert.Equal(t, float64(256), body["max_output_tokens"])
}

func TestComplete_SettingsReadEveryCall(t *testing.T) {
	var hitsA, hitsB atomic.Int32
	srvA := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hitsA.Add(1)
		writeJSON(w, http.StatusOK, responsesOK)
	}))
	defer srvA.Close()
	srvB := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hitsB.Add(1)
		writeJSON(w, http.StatusOK, responsesOK)
	}))
	defer srvB.Close()

	current := testSettings(srvA.URL)
	client := NewClient(SettingsFunc(func(context.Context) (model.Settings, error) {
		return current, nil
	}))

	_, err := client.Complete(context.Background(), nil, Params{})
	require.NoError(t, err)
	current = testSettings(srvB.URL)
	_, err = client.Complete(context.Background(), nil, Params{})
	require.NoError(t, err)

	assert.Equal(t, int32(1), hitsA.Load())
	assert.Equal(t, int32(1), hitsB.Load())
}

func TestComplete_SettingsErrorPassesThrough(t *testing.T) {
	storeErr := fault.Storage("storage.GetSettings", errors.New("disk gone"))
	client := NewClient(SettingsFunc(func(context.Context) (model.Settings, error) {
		return model.Settings{}, storeErr
	}))

	_, err := client.Complete(context.Background(), nil, Params{})
	assert.True(t, errors.Is(err, fault.ErrStorage))
	assert.False(t, client.IsConfigured(context.Background()))
}

func TestComplete_TimeoutIsRemoteFault(t *testing.T) {
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(5 * time.Second):
		}
	}), WithTimeout(50*time.Millisecond))

	_, err := client.Complete(context.Background(), nil, Params{})
	require.Error(t, err)
	assert.True(t, errors.Is(err, fault.ErrRemote))
	assert.Contains(t, fault.Message(err), "timed out")
}

func TestComplete_CallerCancelReturnsContextError(t *testing.T) {
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, responsesOK)
	}))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := client.Complete(ctx, nil, Params{})
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.Canceled))
	assert.Equal(t, fault.KindUnknown, fault.KindOf(err))
}

func TestComplete_UnreachableIsNetworkFault(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	client := NewClient(StaticSettings(testSettings(url)))
	_, err := client.Complete(context.Background(), nil, Params{})
	require.Error(t, err)
	assert.True(t, errors.Is(err, fault.ErrNetwork))
}

func TestComplete_RateLimiterConsulted(t *testing.T) {
	var hits atomic.Int32
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		writeJSON(w, http.StatusOK, responsesOK)
	}), WithRateLimit(1), WithTimeout(200*time.Millisecond))

	_, err := client.Complete(context.Background(), nil, Params{})
	require.NoError(t, err)

	// The next token is a minute away, past the request deadline.
	_, err = client.Complete(context.Background(), nil, Params{})
	require.Error(t, err)
	assert.Equal(t, int32(1), hits.Load())
}

// =============================================================================
// NORMALISATION TESTS
// =============================================================================

func TestNormalize(t *testing.T) {
	t.Run("output_text fallback", func(t *testing.T) {
		got, err := normalize("op", []byte(`{"output":[],"output_text":"flat"}`))
		require.NoError(t, err)
		assert.Equal(t, "flat", got.Text)
		assert.Equal(t, ProtocolResponses, got.Protocol)
	})

	t.Run("skips non-message items", func(t *testing.T) {
		got, err := normalize("op", []byte(`{"output":[
			{"type":"reasoning","content":[{"type":"text","text":"thinking"}]},
			{"type":"message","content":[{"type":"output_text","text":"answer"},{"type":"refusal","text":"no"}]}
		],"status":"incomplete","incomplete_details":{"reason":"max_output_tokens"}}`))
		require.NoError(t, err)
		assert.Equal(t, "answer", got.Text)
		assert.Equal(t, "max_output_tokens", got.FinishReason)
	})

	t.Run("legacy text choice", func(t *testing.T) {
		got, err := normalize("op", []byte(`{"choices":[{"text":"plain","finish_reason":"length"}]}`))
		require.NoError(t, err)
		assert.Equal(t, "plain", got.Text)
		assert.Equal(t, ProtocolChat, got.Protocol)
	})

	t.Run("usage total derived", func(t *testing.T) {
		got, err := normalize("op", []byte(`{"choices":[{"message":{"content":"x"}}],"usage":{"prompt_tokens":2,"completion_tokens":3}}`))
		require.NoError(t, err)
		assert.Equal(t, Usage{Input: 2, Output: 3, Total: 5}, got.Usage)
	})

	for name, body := range map[string]string{
		"no choices":     `{"choices":[]}`,
		"unknown shape":  `{"result":"?"}`,
		"error envelope": `{"error":{"message":"quota exceeded"}}`,
		"not json":       `<html>`,
	} {
		t.Run(name, func(t *testing.T) {
			_, err := normalize("op", []byte(body))
			require.Error(t, err)
			assert.True(t, errors.Is(err, fault.ErrRemote))
		})
	}

	_, err := normalize("op", []byte(`{"error":{"message":"quota exceeded"}}`))
	assert.Equal(t, "quota exceeded", fault.Message(err))
}

func TestErrorMessage(t *testing.T) {
	assert.Equal(t, "a", errorMessage([]byte(`{"error":{"message":"a"}}`)))
	assert.Equal(t, "b", errorMessage([]byte(`{"error":"b"}`)))
	assert.Equal(t, "c", errorMessage([]byte(`{"message":"c"}`)))
	assert.Equal(t, "", errorMessage([]byte(`{"error":{}}`)))
	assert.Equal(t, "", errorMessage([]byte(`nope`)))
}

// =============================================================================
// MODEL TESTS
// =============================================================================

func TestListModels(t *testing.T) {
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		assert.Equal(t, "/v1/models", r.URL.Path)
		assert.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))
		w.Write([]byte(`{"object":"list","data":[
			{"id":"gpt-4o","object":"model","owned_by":"openai","created":1715367049},
			{"id":"mixtral","name":"Mixtral","context_length":32768,"pricing":{"input":"0.0000005","output":0.0000015}}
		]}`))
	}))

	models, err := client.ListModels(context.Background())
	require.NoError(t, err)
	require.Len(t, models, 2)
	assert.Equal(t, "gpt-4o", models[0].ID)
	assert.Equal(t, "openai", models[0].OwnedBy)
	assert.Equal(t, "gpt-4o", models[0].DisplayName())
	assert.Equal(t, "Mixtral", models[1].DisplayName())
	assert.Equal(t, 32768, models[1].ContextWindow())
	require.NotNil(t, models[1].Pricing)
	assert.InDelta(t, 0.0000005, float64(models[1].Pricing.Input), 1e-12)
	assert.InDelta(t, 0.0000015, float64(models[1].Pricing.Output), 1e-12)

	assert.NoError(t, client.TestConnection(context.Background()))
}

func TestListModels_Failures(t *testing.T) {
	tests := []struct {
		name   string
		status int
		target error
	}{
		{"unauthorized", http.StatusUnauthorized, fault.ErrAuth},
		{"forbidden", http.StatusForbidden, fault.ErrAuth},
		{"server error", http.StatusInternalServerError, fault.ErrNetwork},
		{"not found", http.StatusNotFound, fault.ErrNetwork},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
			}))

			_, err := client.ListModels(context.Background())
			require.Error(t, err)
			assert.True(t, errors.Is(err, tt.target))
			assert.Error(t, client.TestConnection(context.Background()))

			assert.Equal(t, DefaultModels, client.ModelsOrDefault(context.Background()))
		})
	}
}

func TestListModels_MalformedIsNetworkFault(t *testing.T) {
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"data":`))
	}))

	_, err := client.ListModels(context.Background())
	assert.True(t, errors.Is(err, fault.ErrNetwork))
}

func TestModelsOrDefault_ReturnsCopy(t *testing.T) {
	client := NewClient(StaticSettings(model.Settings{}))
	models := client.ModelsOrDefault(context.Background())
	require.Len(t, models, 5)
	models[0].ID = "changed"
	assert.Equal(t, "gpt-4", DefaultModels[0].ID)
}

func TestGetModel(t *testing.T) {
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/models/gpt-4", r.URL.Path)
		w.Write([]byte(`{"id":"gpt-4","tokens":8192}`))
	}))

	m, err := client.GetModel(context.Background(), "gpt-4")
	require.NoError(t, err)
	assert.Equal(t, 8192, m.ContextWindow())
	assert.Equal(t, 8192, ClampMaxTokens(16000, m))
	assert.Equal(t, 1000, ClampMaxTokens(1000, m))
	assert.Equal(t, 16000, ClampMaxTokens(16000, nil))
	assert.Equal(t, 16000, ClampMaxTokens(16000, &Model{ID: "unknown"}))
}

func TestIsConfigured(t *testing.T) {
	assert.False(t, NewClient(StaticSettings(model.DefaultSettings())).IsConfigured(context.Background()))

	s := model.DefaultSettings()
	s.APIKey = "sk-x"
	assert.True(t, NewClient(StaticSettings(s)).IsConfigured(context.Background()))

	s.APIURL = ""
	assert.False(t, NewClient(StaticSettings(s)).IsConfigured(context.Background()))
}
