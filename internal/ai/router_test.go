package ai

import (
	"context"
	"errors"
	"testing"
)

func TestRouter_NoProviders(t *testing.T) {
	router := NewRouter()

	if router.HasProvider() {
		t.Error("HasProvider() = true for empty router")
	}
	_, err := router.Complete(context.Background(), CompletionRequest{})
	if err == nil {
		t.Error("Complete() should fail with no providers registered")
	}
}

func TestRouter_FirstProviderWins(t *testing.T) {
	router := NewRouter()
	primary := NewMockProvider("from primary")
	secondary := NewMockProvider("from secondary")
	router.Register("primary", primary)
	router.Register("secondary", secondary)

	resp, err := router.Complete(context.Background(), CompletionRequest{
		Messages: []Message{{Role: "user", Content: "hi"}},
	})
	if err != nil {
		t.Fatalf("Complete() error = %v", err)
	}
	if resp.Content != "from primary" {
		t.Errorf("Content = %q, want primary's response", resp.Content)
	}
	if secondary.Calls != 0 {
		t.Errorf("secondary called %d times, want 0", secondary.Calls)
	}
}

func TestRouter_FallsBackOnFailure(t *testing.T) {
	router := NewRouter()
	primary := NewMockProvider("")
	primary.Err = errors.New("rate limited")
	secondary := NewMockProvider("from secondary")
	router.Register("primary", primary)
	router.Register("secondary", secondary)

	resp, err := router.Complete(context.Background(), CompletionRequest{})
	if err != nil {
		t.Fatalf("Complete() error = %v", err)
	}
	if resp.Content != "from secondary" {
		t.Errorf("Content = %q, want fallback response", resp.Content)
	}
	if primary.Calls != 1 {
		t.Errorf("primary called %d times, want 1", primary.Calls)
	}
}

func TestRouter_AllProvidersFail(t *testing.T) {
	router := NewRouter()
	failing := NewMockProvider("")
	failing.Err = errors.New("down")
	router.Register("only", failing)

	_, err := router.Complete(context.Background(), CompletionRequest{})
	if err == nil {
		t.Fatal("Complete() should fail when every provider fails")
	}
	if !errors.Is(err, failing.Err) {
		t.Errorf("error = %v, should wrap the last provider error", err)
	}
}

func TestCompletionResponse_TotalTokens(t *testing.T) {
	resp := CompletionResponse{InputTokens: 12, OutputTokens: 30}
	if got := resp.TotalTokens(); got != 42 {
		t.Errorf("TotalTokens() = %d, want 42", got)
	}
}
