package llm_test

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/voxbotics/go-callbot/pkg/llm"
)

func sseServer(t *testing.T, fragments []string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("expected POST, got %s", r.Method)
		}
		w.Header().Set("Content-Type", "text/event-stream")

		for _, f := range fragments {
			fmt.Fprintf(w, "data: {\"choices\":[{\"delta\":{\"content\":%q}}]}\n\n", f)
		}
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
}

func newClient(url string) *llm.OpenAI {
	cfg := llm.DefaultConfig()
	cfg.APIURL = url
	return llm.NewOpenAI(cfg)
}

func TestStreamingQuery(t *testing.T) {
	srv := sseServer(t, []string{"Hello", " there", "."})
	defer srv.Close()

	client := newClient(srv.URL)
	stream, err := client.StreamingQuery(context.Background(), []llm.Message{
		{Role: llm.RoleUser, Content: "hi"},
	}, 0)
	if err != nil {
		t.Fatalf("streaming query: %v", err)
	}
	defer stream.Close()

	var got []string
	for {
		fragment, err := stream.Recv()
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatalf("recv: %v", err)
		}
		got = append(got, fragment)
	}

	want := []string{"Hello", " there", "."}
	if len(got) != len(want) {
		t.Fatalf("expected %d fragments, got %d: %v", len(want), len(got), got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("fragment %d: expected %q, got %q", i, want[i], got[i])
		}
	}
}

func TestStreamingQueryServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "overloaded", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	client := newClient(srv.URL)
	stream, err := client.StreamingQuery(context.Background(), nil, 0)
	if err != nil {
		t.Fatalf("expected apologetic stream, got error: %v", err)
	}
	defer stream.Close()

	fragment, err := stream.Recv()
	if err != nil {
		t.Fatalf("recv: %v", err)
	}
	if fragment != llm.Apology {
		t.Errorf("expected apology fragment, got %q", fragment)
	}

	if _, err := stream.Recv(); err != io.EOF {
		t.Errorf("expected EOF after apology, got %v", err)
	}
}

func TestStreamingQueryUnreachable(t *testing.T) {
	cfg := llm.DefaultConfig()
	cfg.APIURL = "http://127.0.0.1:1/v1/chat/completions"
	client := llm.NewOpenAI(cfg)

	if _, err := client.StreamingQuery(context.Background(), nil, 0); err == nil {
		t.Error("expected transport error")
	}
}

func TestQuickQuery(t *testing.T) {
	srv := sseServer(t, []string{"y", "es"})
	defer srv.Close()

	client := newClient(srv.URL)
	got, err := client.QuickQuery(context.Background(), []llm.Message{
		{Role: llm.RoleSystem, Content: "answer yes or no"},
	}, 5)
	if err != nil {
		t.Fatalf("quick query: %v", err)
	}
	if got != "yes" {
		t.Errorf("expected %q, got %q", "yes", got)
	}
}

func TestStreamCloseStopsConsumption(t *testing.T) {
	srv := sseServer(t, []string{"a", "b", "c"})
	defer srv.Close()

	client := newClient(srv.URL)
	stream, err := client.StreamingQuery(context.Background(), nil, 0)
	if err != nil {
		t.Fatalf("streaming query: %v", err)
	}

	if _, err := stream.Recv(); err != nil {
		t.Fatalf("first recv: %v", err)
	}
	if err := stream.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	if _, err := stream.Recv(); err != io.EOF {
		t.Errorf("expected EOF after close, got %v", err)
	}
}
