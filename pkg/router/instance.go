package router

import (
	"sync"
)

// InstanceConfig describes one telephony switch endpoint.
type InstanceConfig struct {
	ID       string
	Host     string
	Port     int
	Password string

	// ScenarioMapping maps dialed entry points to scenario IDs for
	// calls arriving on this instance.
	ScenarioMapping map[string]string
}

// callRef is a session slot. The slot is reserved (sess nil) before
// the pipeline starts so a duplicate dispatch for the same session ID
// is rejected even while the first is still starting. ended marks a
// slot whose call was torn down before the pipeline finished starting.
type callRef struct {
	sess  Session
	ended bool
}

// Instance is the router's view of one telephony switch: its
// transport, connection state, and the calls currently bound to it.
type Instance struct {
	cfg       InstanceConfig
	transport Transport

	mu        sync.Mutex
	connected bool
	sessions  map[string]*callRef
}

func newInstance(cfg InstanceConfig, transport Transport) *Instance {
	return &Instance{
		cfg:       cfg,
		transport: transport,
		sessions:  make(map[string]*callRef),
	}
}

// ID returns the instance identifier.
func (in *Instance) ID() string { return in.cfg.ID }

// Connected reports whether the control connection is up.
func (in *Instance) Connected() bool {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.connected
}

func (in *Instance) setConnected(up bool) {
	in.mu.Lock()
	in.connected = up
	in.mu.Unlock()
}

// reserve claims a session slot. Returns false when the ID is already
// present, reserved or committed.
func (in *Instance) reserve(sessionID string) bool {
	in.mu.Lock()
	defer in.mu.Unlock()
	if _, exists := in.sessions[sessionID]; exists {
		return false
	}
	in.sessions[sessionID] = &callRef{}
	return true
}

// commit binds the started session to its reserved slot. Returns false
// when the slot is gone or the call ended while the session was
// starting; the caller must then tear the session down itself.
func (in *Instance) commit(sessionID string, sess Session) bool {
	in.mu.Lock()
	defer in.mu.Unlock()
	ref, ok := in.sessions[sessionID]
	if !ok {
		return false
	}
	if ref.ended {
		delete(in.sessions, sessionID)
		return false
	}
	ref.sess = sess
	return true
}

// abort marks a slot ended so commit refuses it. Returns whether a
// slot for the ID exists.
func (in *Instance) abort(sessionID string) bool {
	in.mu.Lock()
	defer in.mu.Unlock()
	ref, ok := in.sessions[sessionID]
	if ok {
		ref.ended = true
	}
	return ok
}

// release removes a session slot and returns the bound session, if
// any. At most one caller observes a non-nil session.
func (in *Instance) release(sessionID string) Session {
	in.mu.Lock()
	defer in.mu.Unlock()
	ref, ok := in.sessions[sessionID]
	if !ok {
		return nil
	}
	delete(in.sessions, sessionID)
	return ref.sess
}

// session returns the committed session for an ID, or nil.
func (in *Instance) session(sessionID string) Session {
	in.mu.Lock()
	defer in.mu.Unlock()
	if ref, ok := in.sessions[sessionID]; ok {
		return ref.sess
	}
	return nil
}

func (in *Instance) sessionCount() int {
	in.mu.Lock()
	defer in.mu.Unlock()
	return len(in.sessions)
}

func (in *Instance) sessionIDs() []string {
	in.mu.Lock()
	defer in.mu.Unlock()
	ids := make([]string, 0, len(in.sessions))
	for id := range in.sessions {
		ids = append(ids, id)
	}
	return ids
}

// scenarioFor resolves the scenario ID for a dialed entry point.
func (in *Instance) scenarioFor(entryPoint string) string {
	return in.cfg.ScenarioMapping[entryPoint]
}
