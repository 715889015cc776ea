package llm

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestOpenAIProviderComplete(t *testing.T) {
	var gotAuth string
	var gotBody openAIRequest

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/completions" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		gotAuth = r.Header.Get("Authorization")
		if err := json.NewDecoder(r.Body).Decode(&gotBody); err != nil {
			t.Errorf("decode request: %v", err)
		}

		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"choices":[{"message":{"content":"Las estrellas responden."},"finish_reason":"stop"}]}`))
	}))
	defer server.Close()

	provider := NewOpenAIProvider(Config{
		APIKey: "test-key",
		APIURL: server.URL,
		Model:  "llama3-8b-8192",
	})

	answer, err := provider.Complete(context.Background(), []Message{
		{Role: RoleSystem, Content: "system"},
		{Role: RoleUser, Content: "pregunta"},
	})
	if err != nil {
		t.Fatalf("Complete failed: %v", err)
	}
	if answer != "Las estrellas responden." {
		t.Errorf("answer = %q", answer)
	}
	if gotAuth != "Bearer test-key" {
		t.Errorf("auth header = %q", gotAuth)
	}
	if gotBody.Model != "llama3-8b-8192" || len(gotBody.Messages) != 2 {
		t.Errorf("request body = %+v", gotBody)
	}
}

func TestOpenAIProviderUpstreamError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":{"message":"rate limited"}}`, http.StatusTooManyRequests)
	}))
	defer server.Close()

	provider := NewOpenAIProvider(Config{APIKey: "k", APIURL: server.URL, Model: "m"})

	_, err := provider.Complete(context.Background(), []Message{{Role: RoleUser, Content: "q"}})
	if err == nil || !strings.Contains(err.Error(), "429") {
		t.Errorf("expected upstream status error, got %v", err)
	}
}

func TestOpenAIProviderEmptyChoices(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"choices":[]}`))
	}))
	defer server.Close()

	provider := NewOpenAIProvider(Config{APIKey: "k", APIURL: server.URL, Model: "m"})

	answer, err := provider.Complete(context.Background(), []Message{{Role: RoleUser, Content: "q"}})
	if err != nil {
		t.Fatalf("Complete failed: %v", err)
	}
	if answer != "" {
		t.Errorf("answer = %q, want empty for no choices", answer)
	}
}

func TestOpenAIProviderRequiresModel(t *testing.T) {
	provider := NewOpenAIProvider(Config{APIKey: "k"})
	if _, err := provider.Complete(context.Background(), nil); err == nil {
		t.Error("expected error without model")
	}
}
