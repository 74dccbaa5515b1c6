package scenario

import (
	"os"
	"path/filepath"
	"testing"
)

func newTestStore(t *testing.T) *FileStore {
	t.Helper()
	store, err := NewFileStore(t.TempDir(), nil)
	if err != nil {
		t.Fatalf("create store: %v", err)
	}
	return store
}

func TestSaveAndGet(t *testing.T) {
	store := newTestStore(t)

	sc := &Scenario{
		ID:             "survey",
		Name:           "Survey bot",
		EntryPoints:    []string{"survey", "feedback"},
		WelcomeMessage: "Hello, do you have a minute for a quick survey?",
		MaxTurns:       5,
	}
	if err := store.Save(sc); err != nil {
		t.Fatalf("save: %v", err)
	}

	got, ok := store.Get("survey")
	if !ok {
		t.Fatal("expected scenario to be found")
	}
	if got.WelcomeMessage != sc.WelcomeMessage {
		t.Errorf("expected welcome %q, got %q", sc.WelcomeMessage, got.WelcomeMessage)
	}

	byEP, ok := store.GetByEntryPoint("feedback")
	if !ok || byEP.ID != "survey" {
		t.Errorf("entry point lookup failed: %v %v", byEP, ok)
	}
}

func TestGetUnknown(t *testing.T) {
	store := newTestStore(t)

	if _, ok := store.Get("nope"); ok {
		t.Error("expected miss for unknown scenario")
	}
	if _, ok := store.GetByEntryPoint("nope"); ok {
		t.Error("expected miss for unknown entry point")
	}
}

func TestDuplicateEntryPointKeepsFirst(t *testing.T) {
	store := newTestStore(t)

	if err := store.Save(&Scenario{ID: "a", EntryPoints: []string{"shared"}}); err != nil {
		t.Fatalf("save a: %v", err)
	}
	if err := store.Save(&Scenario{ID: "b", EntryPoints: []string{"shared"}}); err != nil {
		t.Fatalf("save b: %v", err)
	}

	got, ok := store.GetByEntryPoint("shared")
	if !ok {
		t.Fatal("expected entry point to resolve")
	}
	// Reload order is directory order; either way exactly one owner.
	if got.ID != "a" && got.ID != "b" {
		t.Errorf("unexpected owner %q", got.ID)
	}
}

func TestDelete(t *testing.T) {
	store := newTestStore(t)

	if err := store.Save(&Scenario{ID: "gone", EntryPoints: []string{"gone"}}); err != nil {
		t.Fatalf("save: %v", err)
	}
	if err := store.Delete("gone"); err != nil {
		t.Fatalf("delete: %v", err)
	}

	if _, ok := store.Get("gone"); ok {
		t.Error("expected scenario removed")
	}
	if _, ok := store.GetByEntryPoint("gone"); ok {
		t.Error("expected entry point removed")
	}

	if err := store.Delete("gone"); err == nil {
		t.Error("expected error deleting unknown scenario")
	}
}

func TestReloadSkipsMalformedFiles(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "broken.json"), []byte("{not json"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "noid.json"), []byte(`{"name":"x"}`), 0o644); err != nil {
		t.Fatal(err)
	}

	store, err := NewFileStore(dir, nil)
	if err != nil {
		t.Fatalf("create store: %v", err)
	}
	if len(store.All()) != 0 {
		t.Errorf("expected malformed files to be skipped, got %d scenarios", len(store.All()))
	}
}

func TestWriteDefaults(t *testing.T) {
	store := newTestStore(t)

	n, err := store.WriteDefaults()
	if err != nil {
		t.Fatalf("write defaults: %v", err)
	}
	if n == 0 {
		t.Fatal("expected defaults to be written")
	}

	if _, ok := store.GetByEntryPoint("support"); !ok {
		t.Error("expected customer_service entry point")
	}

	// Second call must be a no-op.
	n, err = store.WriteDefaults()
	if err != nil {
		t.Fatalf("second write defaults: %v", err)
	}
	if n != 0 {
		t.Errorf("expected no-op, wrote %d", n)
	}
}

func TestDefaultScenario(t *testing.T) {
	sc := Default()
	if sc.WelcomeMessage == "" {
		t.Error("default scenario must carry a greeting")
	}
	if len(sc.FallbackResponses) == 0 {
		t.Error("default scenario must carry fallback phrases")
	}
}
