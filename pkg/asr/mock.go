package asr

import (
	"context"
	"sync"
)

// Mock implements Service for testing. Results are injected with
// EmitResult; audio pushed by the caller is captured for inspection.
type Mock struct {
	// ConnectFunc overrides Connect when set.
	ConnectFunc func(ctx context.Context) error

	// StartListeningFunc overrides StartListening when set.
	StartListeningFunc func(ctx context.Context, onAudioReady func(SendAudioFunc), onResult ResultFunc) error

	mu        sync.Mutex
	listening bool
	onResult  ResultFunc
	audio     [][]byte
	stops     int
}

// Connect reports success unless overridden.
func (m *Mock) Connect(ctx context.Context) error {
	if m.ConnectFunc != nil {
		return m.ConnectFunc(ctx)
	}
	return nil
}

// StartListening wires the callbacks and reports success unless overridden.
func (m *Mock) StartListening(ctx context.Context, onAudioReady func(SendAudioFunc), onResult ResultFunc) error {
	if m.StartListeningFunc != nil {
		return m.StartListeningFunc(ctx, onAudioReady, onResult)
	}

	m.mu.Lock()
	m.listening = true
	m.onResult = onResult
	m.mu.Unlock()

	if onAudioReady != nil {
		onAudioReady(m.receiveAudio)
	}
	return nil
}

func (m *Mock) receiveAudio(pcm []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	buf := make([]byte, len(pcm))
	copy(buf, pcm)
	m.audio = append(m.audio, buf)
	return nil
}

// StopListening records the stop.
func (m *Mock) StopListening() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listening = false
	m.stops++
	return nil
}

// EmitResult delivers a recognition result to the registered callback.
func (m *Mock) EmitResult(text string, isFinal bool, timestamp int64) {
	m.mu.Lock()
	cb := m.onResult
	m.mu.Unlock()
	if cb != nil {
		cb(text, isFinal, timestamp)
	}
}

// Listening reports whether StartListening has been called without a
// subsequent StopListening.
func (m *Mock) Listening() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.listening
}

// AudioFrames returns all audio frames pushed by the caller.
func (m *Mock) AudioFrames() [][]byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([][]byte, len(m.audio))
	copy(out, m.audio)
	return out
}

// StopCount returns how many times StopListening was called.
func (m *Mock) StopCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stops
}

// Verify Mock implements Service at compile time.
var _ Service = (*Mock)(nil)
