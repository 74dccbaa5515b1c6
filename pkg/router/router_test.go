package router

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/voxbotics/go-callbot/pkg/conversation"
)

type fakeSession struct {
	id       string
	startErr error
	gate     chan struct{} // when set, Start blocks until closed
	onStart  func()        // when set, runs inside Start before it returns

	mu     sync.Mutex
	starts int
	stops  int
	frames int
}

func (s *fakeSession) Start(ctx context.Context) error {
	if s.gate != nil {
		<-s.gate
	}
	if s.onStart != nil {
		s.onStart()
	}
	s.mu.Lock()
	s.starts++
	s.mu.Unlock()
	return s.startErr
}

func (s *fakeSession) Stop() error {
	s.mu.Lock()
	s.stops++
	s.mu.Unlock()
	return nil
}

func (s *fakeSession) SendAudio(pcm []byte) error {
	s.mu.Lock()
	s.frames++
	s.mu.Unlock()
	return nil
}

func (s *fakeSession) Status() conversation.Status {
	return conversation.Status{SessionID: s.id, State: "asr_listening"}
}

func (s *fakeSession) stopCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stops
}

func testConfig() Config {
	return Config{
		ConnectAttempts:   2,
		ConnectDelay:      10 * time.Millisecond,
		HeartbeatInterval: 20 * time.Millisecond,
		ReconnectInterval: 20 * time.Millisecond,
		Logger:            slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

type rig struct {
	router    *Router
	transport *MockTransport

	mu          sync.Mutex
	sessions    map[string]*fakeSession
	handlers    map[string]conversation.Handler
	nextGate    chan struct{}
	nextErr     error
	nextOnStart func(h conversation.Handler)
}

func newRig(t *testing.T, cfg Config) *rig {
	return newRigWith(t, cfg, &MockTransport{})
}

func newRigWith(t *testing.T, cfg Config, transport *MockTransport) *rig {
	t.Helper()
	rg := &rig{
		transport: transport,
		sessions:  make(map[string]*fakeSession),
		handlers:  make(map[string]conversation.Handler),
	}
	factory := func(sessionID, callerID, scenarioID string, handler conversation.Handler) Session {
		rg.mu.Lock()
		defer rg.mu.Unlock()
		s := &fakeSession{id: sessionID, gate: rg.nextGate, startErr: rg.nextErr}
		if hook := rg.nextOnStart; hook != nil {
			h := handler
			s.onStart = func() { hook(h) }
		}
		rg.sessions[sessionID] = s
		rg.handlers[sessionID] = handler
		return s
	}
	rg.router = New(cfg, func(InstanceConfig) Transport { return rg.transport }, factory, nil)
	if err := rg.router.AddInstance(InstanceConfig{
		ID:              "fs1",
		Host:            "localhost",
		Port:            8021,
		ScenarioMapping: map[string]string{"1000": "customer_service"},
	}); err != nil {
		t.Fatalf("add instance: %v", err)
	}
	if err := rg.router.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		rg.router.Shutdown(ctx)
	})
	return rg
}

func (rg *rig) session(id string) *fakeSession {
	rg.mu.Lock()
	defer rg.mu.Unlock()
	return rg.sessions[id]
}

func (rg *rig) handler(id string) conversation.Handler {
	rg.mu.Lock()
	defer rg.mu.Unlock()
	return rg.handlers[id]
}

func TestIncomingCallDispatch(t *testing.T) {
	rg := newRig(t, testConfig())

	err := rg.router.HandleIncomingCall(context.Background(), "fs1", "call-1", "1001", "1000")
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}

	if got := rg.router.ActiveSessions(); len(got) != 1 || got[0].SessionID != "call-1" {
		t.Errorf("active sessions = %+v", got)
	}
	st, err := rg.router.SessionStatus("call-1")
	if err != nil || st.SessionID != "call-1" {
		t.Errorf("session status = %+v, %v", st, err)
	}
}

func TestIncomingCallRejections(t *testing.T) {
	var dialFail atomic.Bool
	rg := newRigWith(t, testConfig(), &MockTransport{
		DialFunc: func(context.Context) error {
			if dialFail.Load() {
				return errors.New("refused")
			}
			return nil
		},
	})
	ctx := context.Background()

	if err := rg.router.HandleIncomingCall(ctx, "nope", "c1", "1001", "1000"); !errors.Is(err, ErrUnknownInstance) {
		t.Errorf("unknown instance: got %v", err)
	}

	// A down instance whose switch is still unreachable is rejected
	// after the dispatch-time redial fails.
	dialFail.Store(true)
	rg.router.instance("fs1").setConnected(false)
	if err := rg.router.HandleIncomingCall(ctx, "fs1", "c1", "1001", "1000"); !errors.Is(err, ErrInstanceDown) {
		t.Errorf("disconnected instance: got %v", err)
	}
	dialFail.Store(false)
	rg.router.instance("fs1").setConnected(true)

	if err := rg.router.HandleIncomingCall(ctx, "fs1", "c1", "1001", "1000"); err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if err := rg.router.HandleIncomingCall(ctx, "fs1", "c1", "1001", "1000"); !errors.Is(err, ErrDuplicateSession) {
		t.Errorf("duplicate session: got %v", err)
	}
}

func TestDispatchRedialsDownInstance(t *testing.T) {
	// Background reconnection is effectively off, so only the
	// dispatch-time redial can bring the instance back.
	cfg := testConfig()
	cfg.HeartbeatInterval = time.Hour
	cfg.ReconnectInterval = time.Hour
	rg := newRig(t, cfg)

	// The connected flag is stale: the switch recovered after a missed
	// heartbeat but before the next reconnect tick.
	rg.router.instance("fs1").setConnected(false)

	if err := rg.router.HandleIncomingCall(context.Background(), "fs1", "c1", "1001", "1000"); err != nil {
		t.Fatalf("dispatch to recovered instance: %v", err)
	}
	if !rg.router.Instances()[0].Connected {
		t.Error("instance not marked connected after dispatch redial")
	}
	if got := rg.router.ActiveSessions(); len(got) != 1 || got[0].SessionID != "c1" {
		t.Errorf("active sessions = %+v", got)
	}

	// Outbound dispatch redials the same way.
	rg.router.instance("fs1").setConnected(false)
	if _, err := rg.router.HandleOutboundCall(context.Background(), "fs1", "13800138000", ""); err != nil {
		t.Fatalf("outbound to recovered instance: %v", err)
	}
}

func TestHangupDuringStartLeavesNoSession(t *testing.T) {
	rg := newRig(t, testConfig())
	rg.mu.Lock()
	rg.nextOnStart = func(h conversation.Handler) { h.Hangup() }
	rg.mu.Unlock()

	// The pipeline hangs itself up while Start is still running, e.g.
	// when greeting synthesis trips the failure threshold.
	if err := rg.router.HandleIncomingCall(context.Background(), "fs1", "c1", "1001", "1000"); err != nil {
		t.Fatalf("dispatch: %v", err)
	}

	if got := rg.router.ActiveSessions(); len(got) != 0 {
		t.Errorf("active sessions = %+v, want none", got)
	}
	if n := rg.session("c1").stopCount(); n != 1 {
		t.Errorf("pipeline stops = %d, want 1", n)
	}
	if _, err := rg.router.SessionStatus("c1"); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("status after self-hangup: got %v", err)
	}

	// The slot is gone, so the session ID can be reused.
	rg.mu.Lock()
	rg.nextOnStart = nil
	rg.mu.Unlock()
	if err := rg.router.HandleIncomingCall(context.Background(), "fs1", "c1", "1001", "1000"); err != nil {
		t.Errorf("redial same session id: %v", err)
	}
}

func TestDuplicateDispatchWhileStarting(t *testing.T) {
	rg := newRig(t, testConfig())
	gate := make(chan struct{})
	rg.mu.Lock()
	rg.nextGate = gate
	rg.mu.Unlock()

	firstDone := make(chan error, 1)
	go func() {
		firstDone <- rg.router.HandleIncomingCall(context.Background(), "fs1", "c1", "1001", "1000")
	}()

	// The slot is reserved before the pipeline finishes starting, so a
	// concurrent dispatch for the same session is rejected immediately.
	waitFor(t, "slot reservation", func() bool { return rg.session("c1") != nil })
	rg.mu.Lock()
	rg.nextGate = nil
	rg.mu.Unlock()
	if err := rg.router.HandleIncomingCall(context.Background(), "fs1", "c1", "1001", "1000"); !errors.Is(err, ErrDuplicateSession) {
		t.Errorf("concurrent duplicate: got %v", err)
	}

	close(gate)
	if err := <-firstDone; err != nil {
		t.Fatalf("first dispatch: %v", err)
	}
}

func TestFailedStartLeavesNoSession(t *testing.T) {
	rg := newRig(t, testConfig())
	rg.mu.Lock()
	rg.nextErr = errors.New("recognizer down")
	rg.mu.Unlock()

	err := rg.router.HandleIncomingCall(context.Background(), "fs1", "c1", "1001", "1000")
	if err == nil {
		t.Fatal("expected dispatch to fail")
	}
	if got := rg.router.ActiveSessions(); len(got) != 0 {
		t.Errorf("active sessions after failed start = %+v", got)
	}

	// The slot is released, so the same session ID can be retried.
	rg.mu.Lock()
	rg.nextErr = nil
	rg.mu.Unlock()
	if err := rg.router.HandleIncomingCall(context.Background(), "fs1", "c1", "1001", "1000"); err != nil {
		t.Errorf("retry after failed start: %v", err)
	}
}

func TestEndCallIsIdempotentUnderConcurrency(t *testing.T) {
	rg := newRig(t, testConfig())
	if err := rg.router.HandleIncomingCall(context.Background(), "fs1", "c1", "1001", "1000"); err != nil {
		t.Fatalf("dispatch: %v", err)
	}

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := rg.router.EndCall("c1"); err != nil {
				t.Errorf("end call: %v", err)
			}
		}()
	}
	wg.Wait()

	if n := rg.session("c1").stopCount(); n != 1 {
		t.Errorf("pipeline stops = %d, want exactly 1", n)
	}
	if got := rg.transport.Hangups(); len(got) != 1 || got[0] != "c1" {
		t.Errorf("switch hangups = %v, want [c1]", got)
	}
	if got := rg.router.ActiveSessions(); len(got) != 0 {
		t.Errorf("active sessions after end = %+v", got)
	}
}

func TestOutboundCall(t *testing.T) {
	rg := newRig(t, testConfig())

	sessionID, err := rg.router.HandleOutboundCall(context.Background(), "fs1", "13800138000", "sales")
	if err != nil {
		t.Fatalf("outbound: %v", err)
	}
	if sessionID == "" {
		t.Fatal("empty session id")
	}
	if got := rg.transport.Originated(); len(got) != 1 || got[0] != sessionID {
		t.Errorf("originated = %v, want [%s]", got, sessionID)
	}
	if rg.session(sessionID) == nil {
		t.Fatal("no pipeline created for outbound call")
	}
}

func TestOutboundOriginateFailure(t *testing.T) {
	rg := newRig(t, testConfig())
	rg.transport.OriginateFunc = func(ctx context.Context, sessionID, callee string) error {
		return errors.New("switch rejected")
	}

	if _, err := rg.router.HandleOutboundCall(context.Background(), "fs1", "13800138000", ""); err == nil {
		t.Fatal("expected originate failure")
	}
	if got := rg.router.ActiveSessions(); len(got) != 0 {
		t.Errorf("active sessions = %+v", got)
	}
}

func TestAudioRouting(t *testing.T) {
	rg := newRig(t, testConfig())
	if err := rg.router.HandleIncomingCall(context.Background(), "fs1", "c1", "1001", "1000"); err != nil {
		t.Fatalf("dispatch: %v", err)
	}

	// Caller audio reaches the pipeline.
	if err := rg.router.HandleCallAudio("c1", make([]byte, 320)); err != nil {
		t.Fatalf("call audio: %v", err)
	}
	s := rg.session("c1")
	s.mu.Lock()
	frames := s.frames
	s.mu.Unlock()
	if frames != 1 {
		t.Errorf("pipeline frames = %d, want 1", frames)
	}

	// Pipeline audio reaches the switch.
	rg.handler("c1").AudioOutput(make([]byte, 320))
	if n := rg.transport.AudioFrames("c1"); n != 1 {
		t.Errorf("switch frames = %d, want 1", n)
	}

	if err := rg.router.HandleCallAudio("nope", nil); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("unknown session: got %v", err)
	}
}

func TestHandlerHangupEndsCall(t *testing.T) {
	rg := newRig(t, testConfig())
	if err := rg.router.HandleIncomingCall(context.Background(), "fs1", "c1", "1001", "1000"); err != nil {
		t.Fatalf("dispatch: %v", err)
	}

	rg.handler("c1").Hangup()

	if n := rg.session("c1").stopCount(); n != 1 {
		t.Errorf("pipeline stops = %d, want 1", n)
	}
	if got := rg.router.ActiveSessions(); len(got) != 0 {
		t.Errorf("active sessions = %+v", got)
	}
}

func TestBackgroundReconnect(t *testing.T) {
	var pingFail, dialFail atomic.Bool

	rg := &rig{transport: &MockTransport{
		PingFunc: func(context.Context) error {
			if pingFail.Load() {
				return errors.New("ping timeout")
			}
			return nil
		},
		DialFunc: func(context.Context) error {
			if dialFail.Load() {
				return errors.New("refused")
			}
			return nil
		},
	}}
	router := New(testConfig(),
		func(InstanceConfig) Transport { return rg.transport },
		func(sessionID, callerID, scenarioID string, h conversation.Handler) Session {
			return &fakeSession{id: sessionID}
		},
		nil,
	)
	if err := router.AddInstance(InstanceConfig{ID: "fs1", Host: "localhost", Port: 8021}); err != nil {
		t.Fatalf("add instance: %v", err)
	}
	if err := router.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		router.Shutdown(ctx)
	}()

	waitFor(t, "initial connect", func() bool {
		return router.Instances()[0].Connected
	})

	// Heartbeat failure marks the instance down.
	dialFail.Store(true)
	pingFail.Store(true)
	waitFor(t, "instance marked down", func() bool {
		return !router.Instances()[0].Connected
	})

	// Recovery happens in the background, with no call traffic.
	pingFail.Store(false)
	dialFail.Store(false)
	waitFor(t, "background reconnect", func() bool {
		return router.Instances()[0].Connected
	})
}

func TestAddInstanceDuplicate(t *testing.T) {
	r := New(testConfig(), func(InstanceConfig) Transport { return &MockTransport{} }, nil, nil)
	if err := r.AddInstance(InstanceConfig{ID: "fs1"}); err != nil {
		t.Fatalf("add: %v", err)
	}
	if err := r.AddInstance(InstanceConfig{ID: "fs1"}); err == nil {
		t.Error("expected duplicate instance error")
	}
}

func TestShutdownEndsCalls(t *testing.T) {
	rg := newRig(t, testConfig())
	if err := rg.router.HandleIncomingCall(context.Background(), "fs1", "c1", "1001", "1000"); err != nil {
		t.Fatalf("dispatch: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := rg.router.Shutdown(ctx); err != nil {
		t.Fatalf("shutdown: %v", err)
	}

	if n := rg.session("c1").stopCount(); n != 1 {
		t.Errorf("pipeline stops = %d, want 1", n)
	}
	if err := rg.router.HandleIncomingCall(context.Background(), "fs1", "c2", "1001", "1000"); !errors.Is(err, ErrShuttingDown) {
		t.Errorf("dispatch after shutdown: got %v", err)
	}
}
