package discord

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestClient_Send(t *testing.T) {
	var posts []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/channels/42/messages" {
			t.Errorf("unexpected request: %s %s", r.Method, r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bot tok" {
			t.Errorf("Authorization = %q", got)
		}
		if got := r.Header.Get("Content-Type"); got != "application/json" {
			t.Errorf("Content-Type = %q", got)
		}
		var body struct {
			Content string `json:"content"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Fatalf("decode body: %v", err)
		}
		posts = append(posts, body.Content)
		w.Write([]byte(`{"id":"1"}`))
	}))
	defer srv.Close()

	c := NewClient("tok", WithBaseURL(srv.URL))
	if err := c.Send(context.Background(), "42", "hello"); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if len(posts) != 1 || posts[0] != "hello" {
		t.Fatalf("posts = %#v", posts)
	}
}

func TestClient_SendSplitsLongMessages(t *testing.T) {
	var posts []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Content string `json:"content"`
		}
		json.NewDecoder(r.Body).Decode(&body)
		posts = append(posts, body.Content)
		w.Write([]byte(`{"id":"1"}`))
	}))
	defer srv.Close()

	p1 := strings.Repeat("a", 1500)
	p2 := strings.Repeat("b", 1500)
	c := NewClient("tok", WithBaseURL(srv.URL))
	if err := c.Send(context.Background(), "42", p1+"\n\n"+p2); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if len(posts) != 2 {
		t.Fatalf("expected 2 posts, got %d", len(posts))
	}
	for i, p := range posts {
		if len(p) > MaxMessageLength {
			t.Errorf("post %d exceeds limit: %d bytes", i, len(p))
		}
	}
}

func TestClient_SendHTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"message":"Missing Access"}`, http.StatusForbidden)
	}))
	defer srv.Close()

	c := NewClient("tok", WithBaseURL(srv.URL))
	err := c.Send(context.Background(), "42", "hello")
	var apiErr *apiError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected apiError, got %v", err)
	}
	if apiErr.Status != http.StatusForbidden {
		t.Errorf("Status = %d, want 403", apiErr.Status)
	}
}

func TestClient_Typing(t *testing.T) {
	var called bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/channels/42/typing" {
			t.Errorf("unexpected request: %s %s", r.Method, r.URL.Path)
		}
		called = true
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	c := NewClient("tok", WithBaseURL(srv.URL))
	if err := c.Typing(context.Background(), "42"); err != nil {
		t.Fatalf("Typing: %v", err)
	}
	if !called {
		t.Fatal("typing endpoint not hit")
	}
}

func TestClient_PollNoChannels(t *testing.T) {
	c := NewClient("tok")
	if _, err := c.Poll(context.Background()); err == nil {
		t.Fatal("expected error when no channels are configured")
	}
}

func TestClient_Poll(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/channels/99":
			json.NewEncoder(w).Encode(Channel{ID: "99", Type: channelTypeDM})
		case "/channels/99/messages":
			// First call primes the cursor; subsequent calls deliver the
			// backlog newest first, then nothing.
			switch r.URL.Query().Get("after") {
			case "":
				json.NewEncoder(w).Encode([]Message{{ID: "5", ChannelID: "99"}})
			case "5":
				json.NewEncoder(w).Encode([]Message{
					{ID: "7", ChannelID: "99", Author: User{ID: "u1"}, Content: "second"},
					{ID: "6", ChannelID: "99", Author: User{ID: "u1", Bot: true}, Content: "first"},
				})
			default:
				json.NewEncoder(w).Encode([]Message{})
			}
		default:
			t.Errorf("unexpected path %s", r.URL.Path)
		}
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	c := NewClient("tok",
		WithBaseURL(srv.URL),
		WithChannels("99"),
		WithPollInterval(5*time.Millisecond),
	)
	events, err := c.Poll(ctx)
	if err != nil {
		t.Fatalf("Poll: %v", err)
	}

	first, ok := <-events
	if !ok {
		t.Fatal("event channel closed early")
	}
	if first.MessageID != "6" || first.Text != "first" || !first.IsBot {
		t.Errorf("first event = %+v", first)
	}
	if !first.IsDM {
		t.Error("expected IsDM for a DM channel")
	}

	second := <-events
	if second.MessageID != "7" || second.Text != "second" || second.IsBot {
		t.Errorf("second event = %+v", second)
	}
	if second.AuthorID != "u1" || second.ChannelID != "99" {
		t.Errorf("second event identity = %+v", second)
	}

	cancel()
	for range events {
	}
}
