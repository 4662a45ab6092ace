package llama

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/felipepmaragno/storyforge/internal/domain"
	"github.com/felipepmaragno/storyforge/internal/provider"
)

func TestClient_Chat(t *testing.T) {
	var body map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, _ := io.ReadAll(r.Body)
		json.Unmarshal(raw, &body)
		w.Write([]byte(`{
			"id": "llama-abc",
			"completion_message": {"role": "assistant", "content": {"type": "text", "text": "A dragon named Pip"}},
			"metrics": [
				{"metric": "num_completion_tokens", "value": 5, "unit": "tokens"},
				{"metric": "num_prompt_tokens", "value": 20, "unit": "tokens"},
				{"metric": "num_total_tokens", "value": 25, "unit": "tokens"}
			]
		}`))
	}))
	defer srv.Close()

	c := New(provider.Options{APIKey: "k", BaseURL: srv.URL})
	c.SetMaxTokens(200)
	c.SetResponseFormat(domain.ResponseFormatJSON)

	res := c.Chat(context.Background(), []domain.Message{
		{Role: domain.RoleSystem, Content: "You are a storyteller"},
		{Role: domain.RoleUser, Content: "Name a dragon"},
	})
	if !res.OK() {
		t.Fatalf("Chat() failed: %+v", res)
	}

	if body["max_completion_tokens"] != float64(200) {
		t.Errorf("max_completion_tokens = %v", body["max_completion_tokens"])
	}
	if rf, ok := body["response_format"].(map[string]any); !ok || rf["type"] != "json_object" {
		t.Errorf("response_format = %v", body["response_format"])
	}

	reply, err := c.Parse(res.Response)
	if err != nil {
		t.Fatalf("Parse() error: %v", err)
	}
	want := provider.Reply{
		ID:               "llama-abc",
		Model:            DefaultModel,
		Completion:       "A dragon named Pip",
		PromptTokens:     20,
		CompletionTokens: 5,
		TotalTokens:      25,
	}
	if reply != want {
		t.Errorf("reply = %+v, want %+v", reply, want)
	}
}

func TestClient_ParseOpenAICompatible(t *testing.T) {
	c := New(provider.Options{Model: "llama-3.1-8b-instant"})

	reply, err := c.Parse([]byte(`{"id":"x","choices":[{"message":{"content":"hi"}}],"usage":{"prompt_tokens":2,"completion_tokens":1,"total_tokens":3}}`))
	if err != nil {
		t.Fatalf("Parse() error: %v", err)
	}
	if reply.Completion != "hi" || reply.TotalTokens != 3 || reply.Model != "llama-3.1-8b-instant" {
		t.Errorf("reply = %+v", reply)
	}
}

func TestClient_CompletionSendsSingleUserTurn(t *testing.T) {
	var body struct {
		Messages []domain.Message `json:"messages"`
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&body)
		w.Write([]byte(`{"completion_message":{"content":{"type":"text","text":"ok"}}}`))
	}))
	defer srv.Close()

	c := New(provider.Options{BaseURL: srv.URL})
	c.Completion(context.Background(), "Write a title")

	if len(body.Messages) != 1 || body.Messages[0].Role != domain.RoleUser || body.Messages[0].Content != "Write a title" {
		t.Errorf("messages = %+v", body.Messages)
	}
}
