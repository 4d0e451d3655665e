package generator

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func sseServer(t *testing.T, lines ...string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/generate/stream" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)
		for _, line := range lines {
			fmt.Fprintf(w, "data: %s\n\n", line)
			flusher.Flush()
		}
	}))
}

func collect(t *testing.T, events <-chan Event) []Event {
	t.Helper()
	var out []Event
	for ev := range events {
		out = append(out, ev)
	}
	return out
}

func TestStreamTranslatesEvents(t *testing.T) {
	t.Parallel()

	srv := sseServer(t,
		`{"type":"reasoning_delta","text":"thinking"}`,
		`{"type":"text_delta","text":"hello "}`,
		`{"type":"text_delta","text":"world"}`,
		`{"type":"finish","usage":{"model":"m1","input_tokens":3,"output_tokens":2,"total_tokens":5}}`,
		`[DONE]`,
	)
	defer srv.Close()

	c := NewGatewayClient(nil, srv.URL)
	events, err := c.Stream(context.Background(), []Message{{Role: "user", Content: "hi"}}, Config{Model: "m1"})
	if err != nil {
		t.Fatalf("stream failed: %v", err)
	}
	got := collect(t, events)
	if len(got) != 4 {
		t.Fatalf("expected 4 events, got %d: %+v", len(got), got)
	}
	if got[0].Type != EventReasoningDelta || got[1].Type != EventTextDelta {
		t.Fatalf("unexpected leading events: %+v", got[:2])
	}
	last := got[3]
	if last.Type != EventFinish || last.Usage == nil {
		t.Fatalf("expected finish with usage, got %+v", last)
	}
	if last.Usage.TotalTokens != 5 || last.Usage.Model != "m1" {
		t.Fatalf("usage mistranslated: %+v", last.Usage)
	}
	if last.Usage.CompletionSeconds <= 0 {
		t.Fatalf("completion seconds should be measured")
	}
}

func TestStreamAbortEventIsTerminal(t *testing.T) {
	t.Parallel()

	srv := sseServer(t,
		`{"type":"text_delta","text":"partial"}`,
		`{"type":"abort"}`,
		`{"type":"text_delta","text":"never seen"}`,
	)
	defer srv.Close()

	c := NewGatewayClient(nil, srv.URL)
	events, err := c.Stream(context.Background(), nil, Config{Model: "m1"})
	if err != nil {
		t.Fatalf("stream failed: %v", err)
	}
	got := collect(t, events)
	if len(got) != 2 || got[1].Type != EventAbort {
		t.Fatalf("abort must end the stream, got %+v", got)
	}
}

func TestStreamErrorEvent(t *testing.T) {
	t.Parallel()

	srv := sseServer(t, `{"type":"error","message":"model overloaded"}`)
	defer srv.Close()

	c := NewGatewayClient(nil, srv.URL)
	events, err := c.Stream(context.Background(), nil, Config{Model: "m1"})
	if err != nil {
		t.Fatalf("stream failed: %v", err)
	}
	got := collect(t, events)
	if len(got) != 1 || got[0].Type != EventError {
		t.Fatalf("expected one error event, got %+v", got)
	}
	if !errors.Is(got[0].Err, ErrProvider) {
		t.Fatalf("error should wrap the provider sentinel: %v", got[0].Err)
	}
}

func TestStreamNon2xxFailsFast(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "busy", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c := NewGatewayClient(nil, srv.URL)
	if _, err := c.Stream(context.Background(), nil, Config{Model: "m1"}); !errors.Is(err, ErrProvider) {
		t.Fatalf("expected provider error, got %v", err)
	}
}

func TestStreamHonorsCancellation(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)
		fmt.Fprint(w, "data: {\"type\":\"text_delta\",\"text\":\"x\"}\n\n")
		flusher.Flush()
		<-release
	}))
	defer srv.Close()
	defer close(release)

	ctx, cancel := context.WithCancel(context.Background())
	c := NewGatewayClient(nil, srv.URL)
	events, err := c.Stream(ctx, nil, Config{Model: "m1"})
	if err != nil {
		t.Fatalf("stream failed: %v", err)
	}

	<-events // first delta
	cancel()

	select {
	case _, ok := <-events:
		if ok {
			// One racing event may still slip through before the reader
			// notices cancellation; the channel must close right after.
			if _, ok := <-events; ok {
				t.Fatalf("channel should close after cancellation")
			}
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("stream did not terminate after cancellation")
	}
}

func TestStreamTitler(t *testing.T) {
	t.Parallel()

	srv := sseServer(t,
		`{"type":"text_delta","text":"Ducks and "}`,
		`{"type":"text_delta","text":"Ponds"}`,
		`{"type":"finish"}`,
	)
	defer srv.Close()

	titler := NewStreamTitler(NewGatewayClient(nil, srv.URL), "m1", time.Second)
	title, err := titler.Title(context.Background(), "tell me about ducks")
	if err != nil {
		t.Fatalf("title failed: %v", err)
	}
	if title != "Ducks and Ponds" {
		t.Fatalf("unexpected title %q", title)
	}
}
