package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/voxbotics/go-callbot/internal/httpc"
)

const providerOpenAI = "openai"

// Apology is the single fragment emitted when the model endpoint
// rejects a request. Callers speak it instead of going silent.
const Apology = "Sorry, I can't process that request right now."

// OpenAI talks to any OpenAI-compatible chat-completions endpoint
// with SSE streaming.
type OpenAI struct {
	config *Config
	client *http.Client
	logger *slog.Logger
}

// Config holds OpenAI-compatible client configuration.
type Config struct {
	APIURL      string
	APIKey      string
	Model       string
	Temperature float64
	MaxTokens   int
	Timeout     time.Duration
	Logger      *slog.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		APIURL:      "http://localhost:8080/v1/chat/completions",
		Model:       "deepseek-chat",
		Temperature: 0.7,
		MaxTokens:   500,
		Timeout:     10 * time.Second,
		Logger:      slog.Default(),
	}
}

// NewOpenAI creates a client for an OpenAI-compatible endpoint.
func NewOpenAI(cfg *Config) *OpenAI {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &OpenAI{
		config: cfg,
		// Streaming responses outlive a per-request deadline; the
		// context passed to StreamingQuery carries cancellation.
		client: httpc.NewStreamingClient(),
		logger: cfg.Logger.With("component", "llm.openai"),
	}
}

type chatRequest struct {
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	Stream      bool      `json:"stream"`
	Temperature float64   `json:"temperature"`
	MaxTokens   int       `json:"max_tokens"`
}

type chatChunk struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

// StreamingQuery starts a streaming completion.
func (o *OpenAI) StreamingQuery(ctx context.Context, messages []Message, maxTokens int) (Stream, error) {
	if maxTokens <= 0 {
		maxTokens = o.config.MaxTokens
	}

	ctx, cancel := context.WithTimeout(ctx, o.config.Timeout)

	resp, err := o.post(ctx, chatRequest{
		Model:       o.config.Model,
		Messages:    messages,
		Stream:      true,
		Temperature: o.config.Temperature,
		MaxTokens:   maxTokens,
	})
	if err != nil {
		cancel()
		return nil, fmt.Errorf("llm [%s]: %w", providerOpenAI, err)
	}

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		resp.Body.Close()
		cancel()
		o.logger.Error("completion request rejected",
			"status", resp.StatusCode,
			"body", strings.TrimSpace(string(body)),
		)
		// The caller still gets something to say.
		return &staticStream{fragments: []string{Apology}}, nil
	}

	return &sseStream{
		body:    resp.Body,
		scanner: bufio.NewScanner(resp.Body),
		cancel:  cancel,
	}, nil
}

// QuickQuery runs a short completion and returns the concatenated text.
func (o *OpenAI) QuickQuery(ctx context.Context, messages []Message, maxTokens int) (string, error) {
	stream, err := o.StreamingQuery(ctx, messages, maxTokens)
	if err != nil {
		return "", err
	}
	defer stream.Close()

	var sb strings.Builder
	for {
		fragment, err := stream.Recv()
		if err == io.EOF {
			return sb.String(), nil
		}
		if err != nil {
			return "", err
		}
		sb.WriteString(fragment)
	}
}

func (o *OpenAI) post(ctx context.Context, payload chatRequest) (*http.Response, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, o.config.APIURL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if o.config.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+o.config.APIKey)
	}

	return o.client.Do(req)
}

// sseStream parses text/event-stream chat completion chunks.
type sseStream struct {
	body    io.ReadCloser
	scanner *bufio.Scanner
	cancel  context.CancelFunc
	done    bool
}

// Recv returns the next content fragment from the event stream.
func (s *sseStream) Recv() (string, error) {
	if s.done {
		return "", io.EOF
	}

	for s.scanner.Scan() {
		line := strings.TrimSpace(s.scanner.Text())
		if !strings.HasPrefix(line, "data:") {
			continue
		}

		data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if data == "[DONE]" {
			s.done = true
			return "", io.EOF
		}

		var chunk chatChunk
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			continue
		}
		if len(chunk.Choices) == 0 {
			continue
		}
		if content := chunk.Choices[0].Delta.Content; content != "" {
			return content, nil
		}
	}

	s.done = true
	if err := s.scanner.Err(); err != nil {
		return "", fmt.Errorf("llm [%s]: read stream: %w", providerOpenAI, err)
	}
	return "", io.EOF
}

// Close stops consuming and releases the connection.
func (s *sseStream) Close() error {
	s.done = true
	s.cancel()
	return s.body.Close()
}

// staticStream yields a fixed set of fragments then EOF.
type staticStream struct {
	fragments []string
	pos       int
}

func (s *staticStream) Recv() (string, error) {
	if s.pos >= len(s.fragments) {
		return "", io.EOF
	}
	f := s.fragments[s.pos]
	s.pos++
	return f, nil
}

func (s *staticStream) Close() error { return nil }

// Verify implementations at compile time.
var (
	_ Client = (*OpenAI)(nil)
	_ Stream = (*sseStream)(nil)
	_ Stream = (*staticStream)(nil)
)
