package providers

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestChatThrottleDrainsLimiter(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "0")
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"error": {"message": "rate limited", "type": "rate_limit_error"}}`))
	}))
	defer srv.Close()

	c := NewOpenAIClient(OpenAIConfig{
		APIKey:  "test-key",
		BaseURL: srv.URL,
		RPS:     100,
	})

	if !c.Limiter().Status().LastThrottle.IsZero() {
		t.Fatal("limiter reports a throttle before any request")
	}

	result, err := c.Chat(context.Background(), &ChatRequest{
		Messages: []Message{{Role: "user", Content: "hi"}},
	})
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}
	if result.Success || result.ErrorType != ErrorTypeThrottled {
		t.Fatalf("result = %+v, want throttled failure", result)
	}

	if c.Limiter().Status().LastThrottle.IsZero() {
		t.Error("throttle not recorded on the limiter")
	}
}

func TestChatServerErrorIsNotThrottle(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(`{"error": {"message": "boom", "type": "server_error"}}`))
	}))
	defer srv.Close()

	c := NewOpenAIClient(OpenAIConfig{
		APIKey:  "test-key",
		BaseURL: srv.URL,
		RPS:     100,
	})

	result, err := c.Chat(context.Background(), &ChatRequest{
		Messages: []Message{{Role: "user", Content: "hi"}},
	})
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}
	if result.Success || result.ErrorType != ErrorTypeServer {
		t.Fatalf("result = %+v, want server failure", result)
	}
	if !c.Limiter().Status().LastThrottle.IsZero() {
		t.Error("server error must not drain the limiter")
	}
}
