package router

import (
	"context"
	"sync"
)

// MockTransport implements Transport for testing. Behavior can be
// customized via function fields; calls are recorded for verification.
type MockTransport struct {
	// DialFunc overrides Dial when set.
	DialFunc func(ctx context.Context) error

	// PingFunc overrides Ping when set.
	PingFunc func(ctx context.Context) error

	// OriginateFunc overrides Originate when set.
	OriginateFunc func(ctx context.Context, sessionID, callee string) error

	mu         sync.Mutex
	dials      int
	pings      int
	closes     int
	hangups    []string
	originated []string
	audio      map[string]int
}

// Dial records the call and reports success unless overridden.
func (m *MockTransport) Dial(ctx context.Context) error {
	m.mu.Lock()
	m.dials++
	m.mu.Unlock()
	if m.DialFunc != nil {
		return m.DialFunc(ctx)
	}
	return nil
}

// Ping records the call and reports success unless overridden.
func (m *MockTransport) Ping(ctx context.Context) error {
	m.mu.Lock()
	m.pings++
	m.mu.Unlock()
	if m.PingFunc != nil {
		return m.PingFunc(ctx)
	}
	return nil
}

// Originate records the session ID and reports success unless overridden.
func (m *MockTransport) Originate(ctx context.Context, sessionID, callee string) error {
	if m.OriginateFunc != nil {
		if err := m.OriginateFunc(ctx, sessionID, callee); err != nil {
			return err
		}
	}
	m.mu.Lock()
	m.originated = append(m.originated, sessionID)
	m.mu.Unlock()
	return nil
}

// SendAudio counts frames per session.
func (m *MockTransport) SendAudio(sessionID string, pcm []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.audio == nil {
		m.audio = make(map[string]int)
	}
	m.audio[sessionID]++
	return nil
}

// Hangup records the session ID.
func (m *MockTransport) Hangup(sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.hangups = append(m.hangups, sessionID)
	return nil
}

// Close records the call.
func (m *MockTransport) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closes++
	return nil
}

// Dials returns how many times Dial was called.
func (m *MockTransport) Dials() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.dials
}

// Pings returns how many times Ping was called.
func (m *MockTransport) Pings() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pings
}

// Hangups returns the session IDs hung up, in order.
func (m *MockTransport) Hangups() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.hangups))
	copy(out, m.hangups)
	return out
}

// Originated returns the session IDs originated, in order.
func (m *MockTransport) Originated() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.originated))
	copy(out, m.originated)
	return out
}

// AudioFrames returns the number of frames written for a session.
func (m *MockTransport) AudioFrames(sessionID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.audio[sessionID]
}

// Verify MockTransport implements Transport at compile time.
var _ Transport = (*MockTransport)(nil)
