// Package scenario manages conversation scenarios: the prompts,
// greeting, and limits that parameterize a call without changing
// pipeline code. Each scenario maps one or more dialed entry points
// to a conversation behavior.
package scenario

// Scenario is a named bundle of conversation configuration.
type Scenario struct {
	ID                string         `json:"scenario_id"`
	Name              string         `json:"name"`
	Description       string         `json:"description"`
	EntryPoints       []string       `json:"entry_points"`
	SystemPrompt      string         `json:"system_prompt"`
	WelcomeMessage    string         `json:"welcome_message"`
	FallbackResponses []string       `json:"fallback_responses"`
	MaxTurns          int            `json:"max_turns"`
	TimeoutSeconds    int            `json:"timeout_seconds"`
	CustomSettings    map[string]any `json:"custom_settings,omitempty"`
}

// Store resolves scenarios for incoming calls.
type Store interface {
	// Get returns the scenario with the given ID.
	Get(scenarioID string) (*Scenario, bool)

	// GetByEntryPoint returns the scenario mapped to a dialed
	// entry point.
	GetByEntryPoint(entryPoint string) (*Scenario, bool)
}

// Default returns the built-in scenario used when no store entry
// matches, so a call always has a greeting and fallback phrases.
func Default() *Scenario {
	return &Scenario{
		ID:             "default",
		Name:           "General assistant",
		Description:    "Fallback scenario when no configured scenario matches",
		EntryPoints:    []string{"default"},
		SystemPrompt:   "You are a helpful phone assistant. Keep answers short and conversational.",
		WelcomeMessage: "Hello, this is your AI assistant. How can I help you today?",
		FallbackResponses: []string{
			"One moment please, I'm thinking.",
			"Hmm, let me think about that.",
			"Give me just a second.",
		},
		MaxTurns:       10,
		TimeoutSeconds: 300,
	}
}
