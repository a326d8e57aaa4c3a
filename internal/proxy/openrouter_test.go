package proxy

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/kalambet/chatcore/internal/chat"
)

func testOutbound() chat.OutboundMessage {
	return chat.OutboundMessage{
		ConversationID: "conv-1",
		Message:        chat.Message{ID: "m1", Role: chat.RoleUser, Content: "hi"},
	}
}

func TestDeliver_Success(t *testing.T) {
	var got ChatRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/completions" {
			http.NotFound(w, r)
			return
		}
		json.NewDecoder(r.Body).Decode(&got)
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"id":"gen-1","choices":[{"message":{"role":"assistant","content":"Hello!"}}]}`)
	}))
	defer srv.Close()

	c := NewClientWithBaseURL("test-key", "anthropic/claude-opus-4", srv.URL)
	ack, err := c.Deliver(context.Background(), testOutbound())
	if err != nil {
		t.Fatalf("Deliver: %v", err)
	}

	if ack.ID != "gen-1" || ack.Reply != "Hello!" {
		t.Errorf("ack = %+v", ack)
	}
	if got.Model != "anthropic/claude-opus-4" || got.Stream {
		t.Errorf("request = %+v", got)
	}
	if len(got.Messages) != 1 || got.Messages[0].Role != "user" || got.Messages[0].Content != "hi" {
		t.Errorf("messages = %+v", got.Messages)
	}
	if got.User != "conv-1" {
		t.Errorf("user = %q, want conv-1", got.User)
	}
}

func TestDeliver_AuthHeader(t *testing.T) {
	var gotAuth, gotTitle string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotTitle = r.Header.Get("X-Title")
		fmt.Fprint(w, `{"id":"gen-1","choices":[]}`)
	}))
	defer srv.Close()

	c := NewClientWithBaseURL("test-key", "m", srv.URL)
	if _, err := c.Deliver(context.Background(), testOutbound()); err != nil {
		t.Fatalf("Deliver: %v", err)
	}

	if gotAuth != "Bearer test-key" {
		t.Errorf("Authorization = %q, want %q", gotAuth, "Bearer test-key")
	}
	if gotTitle != "chatcore" {
		t.Errorf("X-Title = %q, want chatcore", gotTitle)
	}
}

func TestDeliver_ServerErrorIsProviderError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "upstream exploded", http.StatusBadGateway)
	}))
	defer srv.Close()

	c := NewClientWithBaseURL("test-key", "m", srv.URL)
	_, err := c.Deliver(context.Background(), testOutbound())
	if err == nil {
		t.Fatal("expected error")
	}
	if !chat.IsProviderError(err) {
		t.Errorf("expected ProviderError, got %T", err)
	}
	if !strings.Contains(err.Error(), "502") || !strings.Contains(err.Error(), "upstream exploded") {
		t.Errorf("error = %q", err.Error())
	}
}

func TestDeliver_RateLimit_Retry(t *testing.T) {
	var attempt atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if attempt.Add(1) == 1 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		fmt.Fprint(w, `{"id":"gen-1","choices":[]}`)
	}))
	defer srv.Close()

	c := NewClientWithBaseURL("test-key", "m", srv.URL)
	if _, err := c.Deliver(context.Background(), testOutbound()); err != nil {
		t.Fatalf("Deliver: %v", err)
	}
	if got := attempt.Load(); got != 2 {
		t.Errorf("attempts = %d, want 2", got)
	}
}

func TestDeliver_RateLimit_Exhausted(t *testing.T) {
	var attempt atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempt.Add(1)
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	c := NewClientWithBaseURL("test-key", "m", srv.URL)
	_, err := c.Deliver(context.Background(), testOutbound())
	if err == nil {
		t.Fatal("expected error after exhausted retries")
	}
	if !strings.Contains(err.Error(), "rate limited") {
		t.Errorf("error = %q, want it to contain %q", err.Error(), "rate limited")
	}
	if got := attempt.Load(); got != 3 {
		t.Errorf("attempts = %d, want 3", got)
	}
}

func TestDeliver_ContextCancellation(t *testing.T) {
	handlerStarted := make(chan struct{})
	handlerDone := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		close(handlerStarted)
		<-handlerDone
	}))
	defer srv.Close()
	defer close(handlerDone)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() {
		c := NewClientWithBaseURL("test-key", "m", srv.URL)
		_, err := c.Deliver(ctx, testOutbound())
		done <- err
	}()

	<-handlerStarted
	cancel()

	select {
	case err := <-done:
		if err == nil {
			t.Fatal("expected error after context cancellation")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Deliver did not return promptly after context cancellation")
	}
}

func TestPing(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	c := NewClientWithBaseURL("bad-key", "m", srv.URL)
	if !c.Ping(context.Background()) {
		t.Error("an auth failure still means the host is reachable")
	}
}

func TestPing_ServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c := NewClientWithBaseURL("k", "m", srv.URL)
	if c.Ping(context.Background()) {
		t.Error("503 should count as unreachable")
	}
}

func TestPing_Unreachable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := srv.URL
	srv.Close()

	c := NewClientWithBaseURL("k", "m", url)
	if c.Ping(context.Background()) {
		t.Error("closed server should be unreachable")
	}
}
