package scenario

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// FileStore loads scenarios from a directory of JSON files, one
// scenario per file. It is safe for concurrent reads; Save, Delete
// and Reload serialize writers.
type FileStore struct {
	dir    string
	logger *slog.Logger

	mu          sync.RWMutex
	scenarios   map[string]*Scenario
	entryPoints map[string]string // entry point -> scenario ID
}

// NewFileStore creates a store backed by dir, creating the directory
// if needed and loading any scenario files already present.
func NewFileStore(dir string, logger *slog.Logger) (*FileStore, error) {
	if logger == nil {
		logger = slog.Default()
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("scenario: create dir: %w", err)
	}

	s := &FileStore{
		dir:    dir,
		logger: logger.With("component", "scenario.store"),
	}
	if err := s.Reload(); err != nil {
		return nil, err
	}
	return s, nil
}

// Reload re-reads every scenario file from the directory.
func (s *FileStore) Reload() error {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return fmt.Errorf("scenario: read dir: %w", err)
	}

	scenarios := make(map[string]*Scenario)
	entryPoints := make(map[string]string)

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}

		path := filepath.Join(s.dir, entry.Name())
		sc, err := loadFile(path)
		if err != nil {
			s.logger.Error("failed to load scenario file", "file", entry.Name(), "error", err)
			continue
		}

		scenarios[sc.ID] = sc
		for _, ep := range sc.EntryPoints {
			if existing, ok := entryPoints[ep]; ok {
				s.logger.Warn("entry point claimed by multiple scenarios",
					"entry_point", ep,
					"kept", existing,
					"ignored", sc.ID,
				)
				continue
			}
			entryPoints[ep] = sc.ID
		}
	}

	s.mu.Lock()
	s.scenarios = scenarios
	s.entryPoints = entryPoints
	s.mu.Unlock()

	s.logger.Info("scenarios loaded", "count", len(scenarios), "entry_points", len(entryPoints))
	return nil
}

func loadFile(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var sc Scenario
	if err := json.Unmarshal(data, &sc); err != nil {
		return nil, err
	}
	if sc.ID == "" {
		return nil, fmt.Errorf("scenario: missing scenario_id in %s", filepath.Base(path))
	}
	return &sc, nil
}

// Get returns the scenario with the given ID.
func (s *FileStore) Get(scenarioID string) (*Scenario, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sc, ok := s.scenarios[scenarioID]
	return sc, ok
}

// GetByEntryPoint returns the scenario mapped to a dialed entry point.
func (s *FileStore) GetByEntryPoint(entryPoint string) (*Scenario, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.entryPoints[entryPoint]
	if !ok {
		return nil, false
	}
	sc, ok := s.scenarios[id]
	return sc, ok
}

// All returns every loaded scenario.
func (s *FileStore) All() []*Scenario {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Scenario, 0, len(s.scenarios))
	for _, sc := range s.scenarios {
		out = append(out, sc)
	}
	return out
}

// Save writes a scenario to disk and reloads the store.
func (s *FileStore) Save(sc *Scenario) error {
	if sc.ID == "" {
		return fmt.Errorf("scenario: cannot save scenario without id")
	}

	data, err := json.MarshalIndent(sc, "", "  ")
	if err != nil {
		return fmt.Errorf("scenario: marshal %s: %w", sc.ID, err)
	}

	path := filepath.Join(s.dir, sc.ID+".json")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("scenario: write %s: %w", sc.ID, err)
	}

	return s.Reload()
}

// Delete removes a scenario file and reloads the store.
func (s *FileStore) Delete(scenarioID string) error {
	s.mu.RLock()
	_, ok := s.scenarios[scenarioID]
	s.mu.RUnlock()
	if !ok {
		return fmt.Errorf("scenario: unknown scenario %q", scenarioID)
	}

	path := filepath.Join(s.dir, scenarioID+".json")
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("scenario: delete %s: %w", scenarioID, err)
	}

	return s.Reload()
}

// WriteDefaults seeds the directory with starter scenarios when it
// contains none. Returns the number of scenarios written.
func (s *FileStore) WriteDefaults() (int, error) {
	s.mu.RLock()
	existing := len(s.scenarios)
	s.mu.RUnlock()
	if existing > 0 {
		return 0, nil
	}

	defaults := []*Scenario{
		{
			ID:           "customer_service",
			Name:         "Customer service",
			Description:  "Handles customer questions and complaints",
			EntryPoints:  []string{"customer", "support", "help"},
			SystemPrompt: "You are a professional customer service agent. Stay polite, professional and patient. Suggest a human agent for anything you cannot resolve.",
			WelcomeMessage: "Hello, you've reached customer service. How can I help you?",
			FallbackResponses: []string{
				"Sorry, I can't handle that right now. Please try again shortly.",
				"That needs a human agent. Could you leave your contact details?",
			},
			MaxTurns:       15,
			TimeoutSeconds: 600,
		},
		{
			ID:           "sales",
			Name:         "Sales assistant",
			Description:  "Product introductions and sales inquiries",
			EntryPoints:  []string{"sales", "product", "buy"},
			SystemPrompt: "You are an enthusiastic sales assistant. Highlight product strengths and guide the caller towards a purchase.",
			WelcomeMessage: "Hi there! I'm your sales assistant. I'd love to tell you about our products.",
			FallbackResponses: []string{
				"For full product details, please visit our website.",
				"Let me connect you with a sales specialist.",
			},
			MaxTurns:       20,
			TimeoutSeconds: 900,
		},
	}

	for _, sc := range defaults {
		if err := s.Save(sc); err != nil {
			return 0, err
		}
	}
	return len(defaults), nil
}

// Verify FileStore implements Store at compile time.
var _ Store = (*FileStore)(nil)
