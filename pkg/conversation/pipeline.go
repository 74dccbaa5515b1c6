// Package conversation implements the per-call voice pipeline: a
// state machine that turns recognized caller speech into generated,
// synthesized replies, with barge-in interruption and a shared
// failure policy.
//
// Each Pipeline owns one call. Recognition results arrive on the
// recognizer's goroutine and are queued to a single pipeline goroutine
// that owns all state and history mutation; the only cross-goroutine
// signal is the cancellation flag that cuts synthesis short on
// barge-in.
package conversation

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/voxbotics/go-callbot/pkg/asr"
	"github.com/voxbotics/go-callbot/pkg/breaker"
	"github.com/voxbotics/go-callbot/pkg/llm"
	"github.com/voxbotics/go-callbot/pkg/scenario"
	"github.com/voxbotics/go-callbot/pkg/tts"
)

// Sentinel errors.
var (
	// ErrAlreadyStarted is returned when Start is called twice.
	ErrAlreadyStarted = errors.New("conversation: pipeline already started")
)

// sentenceBoundaries are the rune classes that flush the generation
// buffer to synthesis. Covers CJK and Latin terminators.
const sentenceBoundaries = "。！？；.!?;\n"

// Services bundles the backends a pipeline depends on.
type Services struct {
	ASR       asr.Service
	LLM       llm.Client
	TTS       tts.Provider
	Failures  breaker.Tracker
	Scenarios scenario.Store
}

// event is one recognition result routed to the pipeline goroutine.
type event struct {
	text      string
	interrupt bool
}

// Pipeline drives one call's conversation.
type Pipeline struct {
	sessionID  string
	callerID   string
	scenarioID string
	cfg        Config
	svc        Services
	handler    Handler
	logger     *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	events chan event

	// cancelRequested is the barge-in flag: set from the recognizer
	// callback, observed between audio chunks on the pipeline
	// goroutine, cleared once the interruption is recorded.
	cancelRequested atomic.Bool
	lastVoice       atomic.Int64

	startOnce sync.Once
	stopOnce  sync.Once
	finished  chan struct{}

	mu             sync.Mutex
	state          State
	history        []llm.Message
	sc             *scenario.Scenario
	waitCount      int
	interruptCount int
	ttsCursor      int
	startedAt      time.Time
	sendAudio      asr.SendAudioFunc

	// pipeline-goroutine only
	inFallback bool
	hungup     bool
}

// New creates a pipeline for one call. scenarioID selects the
// scenario; an empty or unknown ID falls back to the built-in default.
func New(sessionID, callerID, scenarioID string, cfg Config, svc Services, handler Handler) *Pipeline {
	cfg = cfg.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	return &Pipeline{
		sessionID:  sessionID,
		callerID:   callerID,
		scenarioID: scenarioID,
		cfg:        cfg,
		svc:        svc,
		handler:    handler,
		logger:     cfg.Logger.With("component", "conversation", "session_id", sessionID),
		ctx:        ctx,
		cancel:     cancel,
		events:     make(chan event, cfg.QueueSize),
		finished:   make(chan struct{}),
		state:      StateIdle,
	}
}

// SessionID returns the call's session identifier.
func (p *Pipeline) SessionID() string { return p.sessionID }

// CallerID returns the caller identifier the pipeline was created with.
func (p *Pipeline) CallerID() string { return p.callerID }

// Start resolves the scenario, begins recognition, and launches the
// pipeline goroutine, which speaks the greeting first. The second and
// later calls return ErrAlreadyStarted.
func (p *Pipeline) Start(ctx context.Context) error {
	err := ErrAlreadyStarted
	p.startOnce.Do(func() { err = p.start(ctx) })
	return err
}

func (p *Pipeline) start(ctx context.Context) error {
	sc := p.resolveScenario()

	p.mu.Lock()
	p.sc = sc
	p.startedAt = time.Now()
	p.mu.Unlock()
	p.lastVoice.Store(time.Now().UnixMilli())

	err := p.svc.ASR.StartListening(ctx,
		func(fn asr.SendAudioFunc) {
			p.mu.Lock()
			p.sendAudio = fn
			p.mu.Unlock()
		},
		p.OnASRResult,
	)
	if err != nil {
		p.svc.Failures.Record(breaker.ServiceASR)
		return fmt.Errorf("conversation: start recognition: %w", err)
	}

	p.transition(StateAsrListening)
	p.logger.Info("call started", "caller_id", p.callerID, "scenario", sc.ID)
	go p.run()
	return nil
}

func (p *Pipeline) resolveScenario() *scenario.Scenario {
	if p.svc.Scenarios != nil && p.scenarioID != "" {
		if sc, ok := p.svc.Scenarios.Get(p.scenarioID); ok {
			return sc
		}
		p.logger.Warn("scenario not found, using default", "scenario", p.scenarioID)
	}
	return scenario.Default()
}

// Stop tears the call down: cancels in-flight generation and
// synthesis, and stops recognition. Idempotent.
func (p *Pipeline) Stop() error {
	p.stopOnce.Do(func() {
		p.cancelRequested.Store(true)
		p.cancel()
		if err := p.svc.ASR.StopListening(); err != nil {
			p.logger.Warn("stop recognition", "error", err)
		}
		p.logger.Info("call stopped")
	})
	return nil
}

// Done is closed when the pipeline goroutine has exited.
func (p *Pipeline) Done() <-chan struct{} { return p.finished }

// SendAudio forwards one inbound audio frame to the recognizer. It
// returns immediately; recognition results arrive asynchronously.
func (p *Pipeline) SendAudio(pcm []byte) error {
	p.mu.Lock()
	send := p.sendAudio
	p.mu.Unlock()
	if send == nil {
		return asr.ErrNotConnected
	}
	return send(pcm)
}

// OnASRResult receives recognition results. Partial results are
// scanned for interrupt keywords only; finals are queued for
// processing. Any result arriving during playback is a barge-in
// candidate: a final always interrupts, a partial interrupts on a
// keyword match.
func (p *Pipeline) OnASRResult(text string, isFinal bool, timestamp int64) {
	text = strings.TrimSpace(text)
	if text == "" {
		return
	}
	p.lastVoice.Store(time.Now().UnixMilli())

	if p.State() == StateTtsPlaying {
		if isFinal || matchAny(p.cfg.InterruptKeywords, text) {
			p.cancelRequested.Store(true)
			if !p.enqueue(event{text: text, interrupt: true}) {
				// An interruption that cannot be recorded must not
				// leave the cancel flag latched, or every later
				// utterance would be cut before its first chunk.
				p.cancelRequested.Store(false)
			}
		}
		return
	}

	if isFinal {
		p.enqueue(event{text: text})
		return
	}
	if matchAny(p.cfg.InterruptKeywords, text) {
		p.enqueue(event{text: text, interrupt: true})
	}
}

func (p *Pipeline) enqueue(ev event) bool {
	select {
	case p.events <- ev:
		return true
	default:
		p.logger.Warn("recognition queue full, dropping result", "text", ev.text)
		return false
	}
}

// run is the pipeline goroutine. It owns state, history, and all
// backend calls; recognition events are consumed strictly in arrival
// order.
func (p *Pipeline) run() {
	defer close(p.finished)

	p.playGreeting()

	for {
		select {
		case <-p.ctx.Done():
			return
		case ev := <-p.events:
			if ev.interrupt {
				p.finishInterrupt(ev.text)
				continue
			}
			p.handleUtterance(ev.text)
			if p.hungup {
				return
			}
		}
	}
}

func (p *Pipeline) playGreeting() {
	p.mu.Lock()
	greeting := p.sc.WelcomeMessage
	p.mu.Unlock()
	if greeting == "" {
		greeting = scenario.Default().WelcomeMessage
	}
	p.appendHistory(llm.RoleAssistant, greeting)
	p.speak(greeting)
}

// handleUtterance processes one final recognition result: wait-intent
// check first, then a full generation turn.
func (p *Pipeline) handleUtterance(text string) {
	p.logger.Debug("utterance", "text", text)

	if p.handleWaitIntent(text) {
		return
	}

	p.mu.Lock()
	p.waitCount = 0
	p.mu.Unlock()

	p.appendHistory(llm.RoleUser, text)
	p.runTurn()
}

// handleWaitIntent classifies utterances containing a wait keyword.
// Returns true when the utterance was consumed as a wait request: no
// history entry, no generation turn. Classification failure falls
// through to normal processing.
func (p *Pipeline) handleWaitIntent(text string) bool {
	if !matchAny(p.cfg.WaitKeywords, text) {
		return false
	}

	msgs := []llm.Message{
		{Role: llm.RoleSystem, Content: "You classify caller intent on a phone call. Answer strictly yes or no."},
		{Role: llm.RoleUser, Content: fmt.Sprintf("The caller said: %q. Is the caller asking the assistant to wait or hold on? Answer yes or no.", text)},
	}
	reply, err := p.svc.LLM.QuickQuery(p.ctx, msgs, p.cfg.QuickTokens)
	if err != nil {
		p.logger.Warn("wait-intent classification failed", "error", err)
		return false
	}
	if !strings.Contains(strings.ToLower(reply), "yes") {
		return false
	}

	p.mu.Lock()
	p.waitCount++
	n := p.waitCount
	p.mu.Unlock()

	p.logger.Info("caller asked to wait", "count", n)
	p.transition(StateWaitingUser)
	if n >= 2 {
		p.speak(p.cfg.WaitFollowUp)
	} else {
		p.speak(p.cfg.WaitAcknowledgement)
	}
	return true
}

// runTurn streams one reply from the model, flushing complete
// sentences to synthesis as they form.
func (p *Pipeline) runTurn() {
	p.transition(StateLlmProcessing)

	stream, err := p.svc.LLM.StreamingQuery(p.ctx, p.contextMessages(), p.cfg.MaxTokens)
	if err != nil {
		p.logger.Error("generation failed", "error", err)
		p.handleServiceFailure(breaker.ServiceLLM)
		p.resumeListening()
		return
	}
	defer stream.Close()

	var buf, full strings.Builder
	for {
		if p.cancelRequested.Load() {
			break
		}
		frag, rerr := stream.Recv()
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			p.logger.Error("generation stream failed", "error", rerr)
			p.handleServiceFailure(breaker.ServiceLLM)
			p.resumeListening()
			return
		}
		buf.WriteString(frag)
		full.WriteString(frag)
		if endsWithBoundary(buf.String()) {
			p.speak(buf.String())
			buf.Reset()
		}
	}

	if !p.cancelRequested.Load() && strings.TrimSpace(buf.String()) != "" {
		p.speak(buf.String())
	}
	if full.Len() > 0 {
		p.appendHistory(llm.RoleAssistant, full.String())
	}
	p.resumeListening()
}

// speak synthesizes one utterance and forwards audio to the handler,
// checking the cancellation flag before every chunk. On barge-in it
// returns without a state transition; the queued interrupt event
// restores listening and records the context entry.
func (p *Pipeline) speak(text string) {
	text = strings.TrimSpace(text)
	if text == "" {
		return
	}

	p.mu.Lock()
	p.ttsCursor = len([]rune(text))
	p.mu.Unlock()

	p.transition(StateTtsPlaying)

	stream, err := p.svc.TTS.Stream(p.ctx, text)
	if err != nil {
		p.logger.Error("synthesis failed", "error", err)
		p.handleServiceFailure(breaker.ServiceTTS)
		return
	}
	defer stream.Close()

	for {
		if p.cancelRequested.Load() {
			p.logger.Info("playback cut short")
			return
		}
		chunk, rerr := stream.Read()
		if rerr != nil {
			p.logger.Error("synthesis stream failed", "error", rerr)
			p.handleServiceFailure(breaker.ServiceTTS)
			return
		}
		if chunk == nil {
			break
		}
		p.handler.AudioOutput(chunk)
	}

	p.transition(StateAsrListening)
}

// finishInterrupt records a barge-in: one system history entry noting
// how far playback got and what the caller said, then back to
// listening. The caller's next final utterance starts the new turn.
func (p *Pipeline) finishInterrupt(text string) {
	p.mu.Lock()
	p.interruptCount++
	cursor := p.ttsCursor
	p.history = append(p.history, llm.Message{
		Role:    llm.RoleSystem,
		Content: fmt.Sprintf("user interrupted after %d characters spoken, said: %s", cursor, text),
	})
	p.mu.Unlock()

	p.cancelRequested.Store(false)
	p.logger.Info("caller interrupted", "spoken_chars", cursor, "text", text)
	p.transition(StateAsrListening)
}

// handleServiceFailure applies the shared failure policy: below the
// threshold play a fallback phrase, at or above it say goodbye and
// hang up.
func (p *Pipeline) handleServiceFailure(service string) {
	count := p.svc.Failures.Record(service)
	p.logger.Error("service failure",
		"service", service,
		"failures", count,
		"threshold", p.cfg.FailureThreshold,
	)
	if count >= p.cfg.FailureThreshold {
		p.sayGoodbyeAndHangup()
		return
	}
	p.playFallback()
}

func (p *Pipeline) playFallback() {
	// A fallback that itself fails to synthesize ends the call;
	// there is nothing left to say.
	if p.inFallback {
		p.transition(StateError)
		p.hangup()
		return
	}
	p.inFallback = true
	defer func() { p.inFallback = false }()
	p.speak(p.fallbackPhrase())
}

func (p *Pipeline) sayGoodbyeAndHangup() {
	if !p.inFallback {
		p.inFallback = true
		defer func() { p.inFallback = false }()
		p.speak(p.cfg.SystemUnavailable)
	}
	p.hangup()
}

func (p *Pipeline) hangup() {
	if p.hungup {
		return
	}
	p.hungup = true
	p.handler.Hangup()
}

func (p *Pipeline) fallbackPhrase() string {
	p.mu.Lock()
	phrases := p.cfg.FallbackResponses
	if p.sc != nil && len(p.sc.FallbackResponses) > 0 {
		phrases = p.sc.FallbackResponses
	}
	p.mu.Unlock()
	if len(phrases) == 0 {
		return "One moment please."
	}
	return phrases[rand.Intn(len(phrases))]
}

// resumeListening returns to AsrListening unless the call has already
// been terminated.
func (p *Pipeline) resumeListening() {
	if p.hungup || p.State() == StateError {
		return
	}
	p.transition(StateAsrListening)
}

func (p *Pipeline) transition(next State) {
	p.mu.Lock()
	prev := p.state
	p.state = next
	p.mu.Unlock()

	if prev != next {
		p.logger.Debug("state change", "from", prev.String(), "to", next.String())
	}
	p.handler.StateChanged(next)
}

// State returns the current pipeline state.
func (p *Pipeline) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// History returns a copy of the conversation history.
func (p *Pipeline) History() []llm.Message {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]llm.Message, len(p.history))
	copy(out, p.history)
	return out
}

func (p *Pipeline) appendHistory(role, content string) {
	p.mu.Lock()
	p.history = append(p.history, llm.Message{Role: role, Content: content})
	p.mu.Unlock()
}

// contextMessages builds the model context: the scenario system
// prompt followed by the full history.
func (p *Pipeline) contextMessages() []llm.Message {
	p.mu.Lock()
	defer p.mu.Unlock()

	msgs := make([]llm.Message, 0, len(p.history)+1)
	if p.sc != nil && p.sc.SystemPrompt != "" {
		msgs = append(msgs, llm.Message{Role: llm.RoleSystem, Content: p.sc.SystemPrompt})
	}
	return append(msgs, p.history...)
}

// Status is a point-in-time snapshot of a call for the control API.
type Status struct {
	SessionID      string    `json:"session_id"`
	CallerID       string    `json:"caller_id"`
	ScenarioID     string    `json:"scenario_id"`
	State          string    `json:"state"`
	HistoryLength  int       `json:"history_length"`
	WaitCount      int       `json:"wait_count"`
	InterruptCount int       `json:"interrupt_count"`
	StartedAt      time.Time `json:"started_at"`
	LastVoiceAt    time.Time `json:"last_voice_at"`
}

// Status returns a snapshot of the call.
func (p *Pipeline) Status() Status {
	p.mu.Lock()
	defer p.mu.Unlock()

	scenarioID := p.scenarioID
	if p.sc != nil {
		scenarioID = p.sc.ID
	}
	return Status{
		SessionID:      p.sessionID,
		CallerID:       p.callerID,
		ScenarioID:     scenarioID,
		State:          p.state.String(),
		HistoryLength:  len(p.history),
		WaitCount:      p.waitCount,
		InterruptCount: p.interruptCount,
		StartedAt:      p.startedAt,
		LastVoiceAt:    time.UnixMilli(p.lastVoice.Load()),
	}
}

// InterruptCount returns how many barge-ins the call has seen.
func (p *Pipeline) InterruptCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.interruptCount
}

func matchAny(keywords []string, text string) bool {
	lower := strings.ToLower(text)
	for _, kw := range keywords {
		if kw != "" && strings.Contains(lower, strings.ToLower(kw)) {
			return true
		}
	}
	return false
}

func endsWithBoundary(s string) bool {
	runes := []rune(s)
	if len(runes) == 0 {
		return false
	}
	return strings.ContainsRune(sentenceBoundaries, runes[len(runes)-1])
}
