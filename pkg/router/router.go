// Package router binds telephony switch instances to conversation
// pipelines. It keeps every instance's control connection alive with
// heartbeats and background reconnection, dispatches incoming calls to
// new pipelines, originates outbound calls, and routes audio both ways.
package router

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/voxbotics/go-callbot/pkg/conversation"
)

// Dispatch errors.
var (
	ErrUnknownInstance  = errors.New("router: unknown instance")
	ErrInstanceDown     = errors.New("router: instance not connected")
	ErrDuplicateSession = errors.New("router: session already active")
	ErrSessionNotFound  = errors.New("router: session not found")
	ErrShuttingDown     = errors.New("router: shutting down")
)

// Session is the per-call pipeline surface the router needs.
// *conversation.Pipeline satisfies it.
type Session interface {
	Start(ctx context.Context) error
	Stop() error
	SendAudio(pcm []byte) error
	Status() conversation.Status
}

// SessionFactory builds the pipeline for one call. The handler routes
// the pipeline's audio and lifecycle callbacks back through the router.
type SessionFactory func(sessionID, callerID, scenarioID string, handler conversation.Handler) Session

// Event is a call lifecycle notification for observers.
type Event struct {
	Type       string `json:"type"`
	InstanceID string `json:"instance_id,omitempty"`
	SessionID  string `json:"session_id,omitempty"`
	CallerID   string `json:"caller_id,omitempty"`
	State      string `json:"state,omitempty"`
}

// EventSink receives call lifecycle events. May be nil.
type EventSink interface {
	Publish(ev Event)
}

// EventSinkFunc adapts a function to EventSink.
type EventSinkFunc func(ev Event)

// Publish calls f.
func (f EventSinkFunc) Publish(ev Event) { f(ev) }

// Config holds router timing policy shared by all instances.
type Config struct {
	// ConnectAttempts bounds the initial dial per instance.
	ConnectAttempts int

	// ConnectDelay is the pause between initial dial attempts.
	ConnectDelay time.Duration

	// HeartbeatInterval is how often connected instances are pinged.
	HeartbeatInterval time.Duration

	// ReconnectInterval is how often disconnected instances are redialed.
	ReconnectInterval time.Duration

	Logger *slog.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		ConnectAttempts:   3,
		ConnectDelay:      5 * time.Second,
		HeartbeatInterval: 30 * time.Second,
		ReconnectInterval: 30 * time.Second,
		Logger:            slog.Default(),
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.ConnectAttempts <= 0 {
		c.ConnectAttempts = d.ConnectAttempts
	}
	if c.ConnectDelay <= 0 {
		c.ConnectDelay = d.ConnectDelay
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = d.HeartbeatInterval
	}
	if c.ReconnectInterval <= 0 {
		c.ReconnectInterval = d.ReconnectInterval
	}
	if c.Logger == nil {
		c.Logger = d.Logger
	}
	return c
}

// Router manages telephony instances and the calls bound to them.
type Router struct {
	cfg          Config
	newTransport TransportFactory
	factory      SessionFactory
	sink         EventSink
	logger       *slog.Logger

	mu        sync.Mutex
	instances map[string]*Instance
	index     map[string]string // sessionID -> instanceID
	closed    bool

	shutdown chan struct{}
	wg       sync.WaitGroup
}

// New creates a router. sink may be nil.
func New(cfg Config, newTransport TransportFactory, factory SessionFactory, sink EventSink) *Router {
	cfg = cfg.withDefaults()
	return &Router{
		cfg:          cfg,
		newTransport: newTransport,
		factory:      factory,
		sink:         sink,
		logger:       cfg.Logger.With("component", "router"),
		instances:    make(map[string]*Instance),
		index:        make(map[string]string),
		shutdown:     make(chan struct{}),
	}
}

// AddInstance registers a telephony instance. IDs must be unique.
func (r *Router) AddInstance(cfg InstanceConfig) error {
	if cfg.ID == "" {
		return fmt.Errorf("router: instance id required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.instances[cfg.ID]; exists {
		return fmt.Errorf("router: duplicate instance id %q", cfg.ID)
	}
	r.instances[cfg.ID] = newInstance(cfg, r.newTransport(cfg))
	return nil
}

// Connect dials every instance and starts the keepalive loop. Dial
// failures are not fatal: an instance that cannot be reached stays
// registered and is retried in the background.
func (r *Router) Connect(ctx context.Context) error {
	var wg sync.WaitGroup
	for _, inst := range r.allInstances() {
		wg.Add(1)
		go func(inst *Instance) {
			defer wg.Done()
			r.dialInstance(ctx, inst)
		}(inst)
	}
	wg.Wait()

	r.wg.Add(1)
	go r.keepalive()
	return nil
}

func (r *Router) dialInstance(ctx context.Context, inst *Instance) {
	for attempt := 1; attempt <= r.cfg.ConnectAttempts; attempt++ {
		err := inst.transport.Dial(ctx)
		if err == nil {
			inst.setConnected(true)
			r.logger.Info("instance connected", "instance", inst.ID(), "attempt", attempt)
			return
		}
		r.logger.Error("instance dial failed",
			"instance", inst.ID(),
			"attempt", attempt,
			"max_attempts", r.cfg.ConnectAttempts,
			"error", err,
		)
		if attempt < r.cfg.ConnectAttempts {
			select {
			case <-time.After(r.cfg.ConnectDelay):
			case <-ctx.Done():
				return
			case <-r.shutdown:
				return
			}
		}
	}
	r.logger.Warn("instance unreachable, will retry in background", "instance", inst.ID())
}

// keepalive pings connected instances and redials disconnected ones
// until shutdown. Instances recover without any call traffic.
func (r *Router) keepalive() {
	defer r.wg.Done()

	heartbeat := time.NewTicker(r.cfg.HeartbeatInterval)
	reconnect := time.NewTicker(r.cfg.ReconnectInterval)
	defer heartbeat.Stop()
	defer reconnect.Stop()

	for {
		select {
		case <-r.shutdown:
			return
		case <-heartbeat.C:
			r.pingAll()
		case <-reconnect.C:
			r.redialAll()
		}
	}
}

func (r *Router) pingAll() {
	var wg sync.WaitGroup
	for _, inst := range r.allInstances() {
		if !inst.Connected() {
			continue
		}
		wg.Add(1)
		go func(inst *Instance) {
			defer wg.Done()
			ctx, cancel := context.WithTimeout(context.Background(), r.cfg.HeartbeatInterval)
			defer cancel()
			if err := inst.transport.Ping(ctx); err != nil {
				r.logger.Warn("heartbeat failed, marking instance down",
					"instance", inst.ID(), "error", err)
				inst.setConnected(false)
			}
		}(inst)
	}
	wg.Wait()
}

func (r *Router) redialAll() {
	var wg sync.WaitGroup
	for _, inst := range r.allInstances() {
		if inst.Connected() {
			continue
		}
		wg.Add(1)
		go func(inst *Instance) {
			defer wg.Done()
			ctx, cancel := context.WithTimeout(context.Background(), r.cfg.ReconnectInterval)
			defer cancel()
			if err := inst.transport.Dial(ctx); err != nil {
				r.logger.Error("reconnect failed", "instance", inst.ID(), "error", err)
				return
			}
			inst.setConnected(true)
			r.logger.Info("instance reconnected", "instance", inst.ID())
		}(inst)
	}
	wg.Wait()
}

// ensureConnected makes one best-effort dial when the instance is
// marked down, so a call arriving between reconnect ticks is not
// rejected while the switch is actually reachable again.
func (r *Router) ensureConnected(ctx context.Context, inst *Instance) bool {
	if inst.Connected() {
		return true
	}
	dialCtx, cancel := context.WithTimeout(ctx, r.cfg.ConnectDelay)
	defer cancel()
	if err := inst.transport.Dial(dialCtx); err != nil {
		r.logger.Warn("dispatch-time redial failed", "instance", inst.ID(), "error", err)
		return false
	}
	inst.setConnected(true)
	r.logger.Info("instance reconnected on dispatch", "instance", inst.ID())
	return true
}

// teardownAborted cleans up a session whose call ended while it was
// still starting: the slot is already gone, so stop the pipeline and
// make sure the switch leg is dead.
func (r *Router) teardownAborted(inst *Instance, sess Session, sessionID string) {
	r.mu.Lock()
	delete(r.index, sessionID)
	r.mu.Unlock()
	if err := sess.Stop(); err != nil {
		r.logger.Warn("pipeline stop failed", "session_id", sessionID, "error", err)
	}
	inst.transport.Hangup(sessionID)
	r.logger.Info("call ended during dispatch", "instance", inst.ID(), "session_id", sessionID)
}

// HandleIncomingCall dispatches a new inbound call to a pipeline. The
// session is visible to audio routing and status only after the
// pipeline has started; a failed start leaves no trace.
func (r *Router) HandleIncomingCall(ctx context.Context, instanceID, sessionID, callerID, entryPoint string) error {
	if r.isClosed() {
		return ErrShuttingDown
	}
	inst := r.instance(instanceID)
	if inst == nil {
		return fmt.Errorf("%w: %s", ErrUnknownInstance, instanceID)
	}
	if !r.ensureConnected(ctx, inst) {
		return fmt.Errorf("%w: %s", ErrInstanceDown, instanceID)
	}
	if !inst.reserve(sessionID) {
		return fmt.Errorf("%w: %s", ErrDuplicateSession, sessionID)
	}

	scenarioID := inst.scenarioFor(entryPoint)
	sess := r.factory(sessionID, callerID, scenarioID, &callHandler{
		r:          r,
		instanceID: instanceID,
		sessionID:  sessionID,
	})
	if err := sess.Start(ctx); err != nil {
		inst.release(sessionID)
		return fmt.Errorf("router: start call %s: %w", sessionID, err)
	}

	r.mu.Lock()
	r.index[sessionID] = instanceID
	r.mu.Unlock()
	if !inst.commit(sessionID, sess) {
		r.teardownAborted(inst, sess, sessionID)
		return nil
	}

	r.logger.Info("call dispatched",
		"instance", instanceID,
		"session_id", sessionID,
		"caller_id", callerID,
		"entry_point", entryPoint,
	)
	r.publish(Event{Type: "call_started", InstanceID: instanceID, SessionID: sessionID, CallerID: callerID})
	return nil
}

// HandleOutboundCall originates a call on an instance and binds a
// pipeline to it. Returns the generated session ID.
func (r *Router) HandleOutboundCall(ctx context.Context, instanceID, callee, scenarioID string) (string, error) {
	if r.isClosed() {
		return "", ErrShuttingDown
	}
	inst := r.instance(instanceID)
	if inst == nil {
		return "", fmt.Errorf("%w: %s", ErrUnknownInstance, instanceID)
	}
	if !r.ensureConnected(ctx, inst) {
		return "", fmt.Errorf("%w: %s", ErrInstanceDown, instanceID)
	}

	sessionID := uuid.NewString()
	if !inst.reserve(sessionID) {
		return "", fmt.Errorf("%w: %s", ErrDuplicateSession, sessionID)
	}

	if err := inst.transport.Originate(ctx, sessionID, callee); err != nil {
		inst.release(sessionID)
		return "", fmt.Errorf("router: originate to %s: %w", callee, err)
	}

	sess := r.factory(sessionID, callee, scenarioID, &callHandler{
		r:          r,
		instanceID: instanceID,
		sessionID:  sessionID,
	})
	if err := sess.Start(ctx); err != nil {
		inst.transport.Hangup(sessionID)
		inst.release(sessionID)
		return "", fmt.Errorf("router: start outbound call: %w", err)
	}

	r.mu.Lock()
	r.index[sessionID] = instanceID
	r.mu.Unlock()
	if !inst.commit(sessionID, sess) {
		r.teardownAborted(inst, sess, sessionID)
		return sessionID, nil
	}

	r.logger.Info("outbound call placed",
		"instance", instanceID,
		"session_id", sessionID,
		"callee", callee,
	)
	r.publish(Event{Type: "call_started", InstanceID: instanceID, SessionID: sessionID, CallerID: callee})
	return sessionID, nil
}

// HandleCallAudio routes one inbound audio frame to its pipeline.
func (r *Router) HandleCallAudio(sessionID string, pcm []byte) error {
	inst, _ := r.lookup(sessionID)
	if inst == nil {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}
	sess := inst.session(sessionID)
	if sess == nil {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}
	return sess.SendAudio(pcm)
}

// EndCall tears a call down: pipeline stop, switch hangup,
// deregistration. Idempotent; concurrent calls stop the pipeline once.
func (r *Router) EndCall(sessionID string) error {
	r.mu.Lock()
	instanceID, ok := r.index[sessionID]
	if ok {
		delete(r.index, sessionID)
	}
	r.mu.Unlock()
	if !ok {
		// The call may still be starting: its slot is reserved but not
		// yet indexed. Marking the slot ended makes the dispatcher tear
		// the session down instead of committing it.
		for _, inst := range r.allInstances() {
			if inst.abort(sessionID) {
				r.logger.Info("call ended while starting",
					"instance", inst.ID(), "session_id", sessionID)
				return nil
			}
		}
		return nil
	}

	inst := r.instance(instanceID)
	if inst == nil {
		return nil
	}
	sess := inst.release(sessionID)
	if sess != nil {
		if err := sess.Stop(); err != nil {
			r.logger.Warn("pipeline stop failed", "session_id", sessionID, "error", err)
		}
	}
	if err := inst.transport.Hangup(sessionID); err != nil {
		r.logger.Warn("switch hangup failed", "session_id", sessionID, "error", err)
	}

	r.logger.Info("call ended", "instance", instanceID, "session_id", sessionID)
	r.publish(Event{Type: "call_ended", InstanceID: instanceID, SessionID: sessionID})
	return nil
}

// SessionStatus returns the status of one call.
func (r *Router) SessionStatus(sessionID string) (conversation.Status, error) {
	inst, _ := r.lookup(sessionID)
	if inst == nil {
		return conversation.Status{}, fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}
	sess := inst.session(sessionID)
	if sess == nil {
		return conversation.Status{}, fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}
	return sess.Status(), nil
}

// ActiveSessions returns the status of every call across instances.
func (r *Router) ActiveSessions() []conversation.Status {
	var out []conversation.Status
	for _, inst := range r.allInstances() {
		for _, id := range inst.sessionIDs() {
			if sess := inst.session(id); sess != nil {
				out = append(out, sess.Status())
			}
		}
	}
	return out
}

// InstanceStatus is the health view of one instance.
type InstanceStatus struct {
	ID        string `json:"id"`
	Host      string `json:"host"`
	Port      int    `json:"port"`
	Connected bool   `json:"connected"`
	Sessions  int    `json:"sessions"`
}

// Instances returns the health of every registered instance.
func (r *Router) Instances() []InstanceStatus {
	insts := r.allInstances()
	out := make([]InstanceStatus, 0, len(insts))
	for _, inst := range insts {
		out = append(out, InstanceStatus{
			ID:        inst.ID(),
			Host:      inst.cfg.Host,
			Port:      inst.cfg.Port,
			Connected: inst.Connected(),
			Sessions:  inst.sessionCount(),
		})
	}
	return out
}

// Shutdown ends all calls, stops the keepalive loop, and closes every
// transport.
func (r *Router) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	sessions := make([]string, 0, len(r.index))
	for id := range r.index {
		sessions = append(sessions, id)
	}
	r.mu.Unlock()

	close(r.shutdown)
	for _, id := range sessions {
		r.EndCall(id)
	}
	for _, inst := range r.allInstances() {
		if err := inst.transport.Close(); err != nil {
			r.logger.Warn("transport close failed", "instance", inst.ID(), "error", err)
		}
		inst.setConnected(false)
	}

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *Router) instance(id string) *Instance {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.instances[id]
}

func (r *Router) allInstances() []*Instance {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Instance, 0, len(r.instances))
	for _, inst := range r.instances {
		out = append(out, inst)
	}
	return out
}

func (r *Router) lookup(sessionID string) (*Instance, string) {
	r.mu.Lock()
	instanceID, ok := r.index[sessionID]
	r.mu.Unlock()
	if !ok {
		return nil, ""
	}
	return r.instance(instanceID), instanceID
}

func (r *Router) isClosed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closed
}

func (r *Router) publish(ev Event) {
	if r.sink != nil {
		r.sink.Publish(ev)
	}
}

// callHandler routes one pipeline's callbacks back through the router.
type callHandler struct {
	r          *Router
	instanceID string
	sessionID  string
}

func (h *callHandler) AudioOutput(pcm []byte) {
	inst := h.r.instance(h.instanceID)
	if inst == nil {
		return
	}
	if err := inst.transport.SendAudio(h.sessionID, pcm); err != nil {
		h.r.logger.Warn("audio write failed", "session_id", h.sessionID, "error", err)
	}
}

func (h *callHandler) StateChanged(s conversation.State) {
	h.r.publish(Event{
		Type:       "state_changed",
		InstanceID: h.instanceID,
		SessionID:  h.sessionID,
		State:      s.String(),
	})
}

func (h *callHandler) Hangup() {
	h.r.EndCall(h.sessionID)
}

// Verify the pipeline satisfies the router's session contract.
var _ Session = (*conversation.Pipeline)(nil)
