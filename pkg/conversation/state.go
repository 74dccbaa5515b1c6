package conversation

// State is the conversation pipeline state. Exactly one state is
// active at a time; transitions happen only on the pipeline goroutine
// through transition().
type State int

const (
	// StateIdle is the initial state before the pipeline starts.
	StateIdle State = iota

	// StateAsrListening means the recognizer is active and the
	// pipeline is waiting for caller speech.
	StateAsrListening

	// StateLlmProcessing means a reply is being generated.
	StateLlmProcessing

	// StateTtsPlaying means synthesized speech is streaming to the
	// call leg. This state can be interrupted at any point.
	StateTtsPlaying

	// StateWaitingUser means the caller asked the assistant to hold.
	StateWaitingUser

	// StateError is terminal for the call.
	StateError
)

// String returns the state name reported to observers.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateAsrListening:
		return "asr_listening"
	case StateLlmProcessing:
		return "llm_processing"
	case StateTtsPlaying:
		return "tts_playing"
	case StateWaitingUser:
		return "waiting_user"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

// Handler receives pipeline events. It is injected at construction
// and never reassigned; implementations must tolerate calls from the
// pipeline goroutine only.
type Handler interface {
	// AudioOutput delivers one chunk of synthesized audio for the
	// call leg. Never called before the TtsPlaying transition for
	// that utterance has been observed via StateChanged.
	AudioOutput(pcm []byte)

	// StateChanged reports every state transition, synchronously
	// with the transition taking effect.
	StateChanged(state State)

	// Hangup asks the owner to terminate the call. Called at most
	// once, when the failure policy escalates past fallback.
	Hangup()
}
