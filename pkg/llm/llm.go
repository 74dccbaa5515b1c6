// Package llm provides a streaming client contract for chat-style
// language models. The conversation pipeline consumes fragments as
// they arrive so synthesis can begin before generation completes.
package llm

import (
	"context"
	"errors"
)

// Message is one turn of conversation context.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Roles used in conversation history.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Sentinel errors.
var (
	// ErrStreamClosed is returned when receiving from a closed stream.
	ErrStreamClosed = errors.New("llm: stream closed")
)

// Stream is a lazy sequence of generated text fragments.
// Recv returns io.EOF when generation is complete.
type Stream interface {
	// Recv returns the next text fragment.
	Recv() (string, error)

	// Close stops consuming the stream and releases the connection.
	// Safe to call after Recv returned an error.
	Close() error
}

// Client is the language-model contract the pipeline depends on.
type Client interface {
	// StreamingQuery starts a streaming completion over the given
	// history. maxTokens <= 0 uses the client's configured limit.
	StreamingQuery(ctx context.Context, messages []Message, maxTokens int) (Stream, error)

	// QuickQuery runs a short non-streaming completion, used for
	// inline intent classification.
	QuickQuery(ctx context.Context, messages []Message, maxTokens int) (string, error)
}
