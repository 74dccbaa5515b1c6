package conversation

import "log/slog"

// Config holds pipeline tuning that applies to every call. Scenario
// data (prompts, greeting, fallback phrasing) can override parts of it
// per call; Config supplies the defaults.
type Config struct {
	// WaitKeywords gate the wait-intent check: a final utterance is
	// only sent to the classifier when one of these appears in it.
	WaitKeywords []string

	// InterruptKeywords trigger barge-in on partial results.
	InterruptKeywords []string

	// FallbackResponses are spoken on a recoverable service failure
	// when the active scenario has none of its own.
	FallbackResponses []string

	// WaitAcknowledgement is spoken the first time the caller asks
	// the assistant to hold.
	WaitAcknowledgement string

	// WaitFollowUp is spoken when the caller has asked to hold twice
	// or more in a row.
	WaitFollowUp string

	// SystemUnavailable is the goodbye spoken before hanging up when
	// the failure threshold is reached.
	SystemUnavailable string

	// FailureThreshold is the shared failure count at which the call
	// is terminated instead of played a fallback.
	FailureThreshold int

	// MaxTokens bounds reply generation. <= 0 uses the LLM client's
	// configured limit.
	MaxTokens int

	// QuickTokens bounds the wait-intent classification query.
	QuickTokens int

	// QueueSize is the recognition event queue depth. Events beyond
	// it are dropped rather than blocking the recognizer callback.
	QueueSize int

	Logger *slog.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		WaitKeywords: []string{
			"wait", "hold on", "one moment", "just a minute",
			"give me a second", "don't hang up",
		},
		InterruptKeywords: []string{
			"stop", "no no", "that's wrong", "that's not",
		},
		FallbackResponses: []string{
			"One moment please, I'm thinking.",
			"Hmm, let me think about that.",
			"Give me just a second.",
		},
		WaitAcknowledgement: "Okay, take your time. I'll wait.",
		WaitFollowUp:        "Are you still there? Take all the time you need.",
		SystemUnavailable:   "I'm sorry, the system is currently unavailable. Please call back later. Goodbye.",
		FailureThreshold:    5,
		MaxTokens:           512,
		QuickTokens:         8,
		QueueSize:           32,
		Logger:              slog.Default(),
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.WaitKeywords == nil {
		c.WaitKeywords = d.WaitKeywords
	}
	if c.InterruptKeywords == nil {
		c.InterruptKeywords = d.InterruptKeywords
	}
	if c.FallbackResponses == nil {
		c.FallbackResponses = d.FallbackResponses
	}
	if c.WaitAcknowledgement == "" {
		c.WaitAcknowledgement = d.WaitAcknowledgement
	}
	if c.WaitFollowUp == "" {
		c.WaitFollowUp = d.WaitFollowUp
	}
	if c.SystemUnavailable == "" {
		c.SystemUnavailable = d.SystemUnavailable
	}
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = d.FailureThreshold
	}
	if c.MaxTokens == 0 {
		c.MaxTokens = d.MaxTokens
	}
	if c.QuickTokens <= 0 {
		c.QuickTokens = d.QuickTokens
	}
	if c.QueueSize <= 0 {
		c.QueueSize = d.QueueSize
	}
	if c.Logger == nil {
		c.Logger = d.Logger
	}
	return c
}
