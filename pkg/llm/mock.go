package llm

import (
	"context"
	"io"
	"sync"
)

// Mock implements Client for testing. All methods can be customized
// via function fields; by default StreamingQuery replays Fragments
// and QuickQuery returns QuickResponse.
type Mock struct {
	// StreamingQueryFunc overrides StreamingQuery when set.
	StreamingQueryFunc func(ctx context.Context, messages []Message, maxTokens int) (Stream, error)

	// QuickQueryFunc overrides QuickQuery when set.
	QuickQueryFunc func(ctx context.Context, messages []Message, maxTokens int) (string, error)

	// Fragments is the default streaming response.
	Fragments []string

	// QuickResponse is the default QuickQuery response.
	QuickResponse string

	mu    sync.Mutex
	calls []MockCall
}

// MockCall records a method invocation for verification.
type MockCall struct {
	Method    string
	Messages  []Message
	MaxTokens int
}

// StreamingQuery replays the configured fragments.
func (m *Mock) StreamingQuery(ctx context.Context, messages []Message, maxTokens int) (Stream, error) {
	m.record("StreamingQuery", messages, maxTokens)
	if m.StreamingQueryFunc != nil {
		return m.StreamingQueryFunc(ctx, messages, maxTokens)
	}
	return NewStaticStream(m.Fragments...), nil
}

// QuickQuery returns the configured quick response.
func (m *Mock) QuickQuery(ctx context.Context, messages []Message, maxTokens int) (string, error) {
	m.record("QuickQuery", messages, maxTokens)
	if m.QuickQueryFunc != nil {
		return m.QuickQueryFunc(ctx, messages, maxTokens)
	}
	return m.QuickResponse, nil
}

func (m *Mock) record(method string, messages []Message, maxTokens int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	msgs := make([]Message, len(messages))
	copy(msgs, messages)
	m.calls = append(m.calls, MockCall{Method: method, Messages: msgs, MaxTokens: maxTokens})
}

// Calls returns all recorded method calls.
func (m *Mock) Calls() []MockCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]MockCall, len(m.calls))
	copy(out, m.calls)
	return out
}

// CallCount returns the number of times a method was called.
func (m *Mock) CallCount(method string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, c := range m.calls {
		if c.Method == method {
			n++
		}
	}
	return n
}

// NewStaticStream returns a Stream yielding the given fragments.
func NewStaticStream(fragments ...string) Stream {
	return &staticStream{fragments: fragments}
}

// ErrStream returns a Stream whose first Recv fails with err.
func ErrStream(err error) Stream {
	return &errStream{err: err}
}

type errStream struct{ err error }

func (s *errStream) Recv() (string, error) { return "", s.err }
func (s *errStream) Close() error          { return nil }

// FragmentsThenError returns a Stream yielding fragments, then err
// instead of io.EOF.
func FragmentsThenError(err error, fragments ...string) Stream {
	return &failingStream{fragments: fragments, err: err}
}

type failingStream struct {
	fragments []string
	pos       int
	err       error
}

func (s *failingStream) Recv() (string, error) {
	if s.pos >= len(s.fragments) {
		if s.err != nil {
			return "", s.err
		}
		return "", io.EOF
	}
	f := s.fragments[s.pos]
	s.pos++
	return f, nil
}

func (s *failingStream) Close() error { return nil }

// Verify Mock implements Client at compile time.
var _ Client = (*Mock)(nil)
