package breaker

import (
	"sync"
	"testing"
	"time"
)

func TestRecordIncrements(t *testing.T) {
	m := NewMemory(time.Hour)

	for i := 1; i <= 5; i++ {
		if got := m.Record(ServiceTTS); got != i {
			t.Errorf("record %d: expected count %d, got %d", i, i, got)
		}
	}

	if got := m.Count(ServiceTTS); got != 5 {
		t.Errorf("expected count 5, got %d", got)
	}
}

func TestCountsAreIndependentPerService(t *testing.T) {
	m := NewMemory(time.Hour)

	m.Record(ServiceASR)
	m.Record(ServiceASR)
	m.Record(ServiceLLM)

	if got := m.Count(ServiceASR); got != 2 {
		t.Errorf("expected asr count 2, got %d", got)
	}
	if got := m.Count(ServiceLLM); got != 1 {
		t.Errorf("expected llm count 1, got %d", got)
	}
	if got := m.Count(ServiceTTS); got != 0 {
		t.Errorf("expected tts count 0, got %d", got)
	}
}

func TestWindowExpiry(t *testing.T) {
	m := NewMemory(time.Hour)

	now := time.Now()
	m.now = func() time.Time { return now }

	m.Record(ServiceLLM)
	m.Record(ServiceLLM)

	// Advance past the window: the old count must not carry over.
	now = now.Add(time.Hour + time.Minute)

	if got := m.Count(ServiceLLM); got != 0 {
		t.Errorf("expected expired count 0, got %d", got)
	}
	if got := m.Record(ServiceLLM); got != 1 {
		t.Errorf("expected fresh window count 1, got %d", got)
	}
}

func TestReset(t *testing.T) {
	m := NewMemory(time.Hour)
	m.Record(ServiceTTS)
	m.Reset(ServiceTTS)

	if got := m.Count(ServiceTTS); got != 0 {
		t.Errorf("expected 0 after reset, got %d", got)
	}
}

func TestConcurrentRecord(t *testing.T) {
	m := NewMemory(time.Hour)

	// All sessions' TTS failures hit the same key; the increment
	// must be atomic across goroutines.
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			m.Record(ServiceTTS)
		}()
	}
	wg.Wait()

	if got := m.Count(ServiceTTS); got != 50 {
		t.Errorf("expected count 50, got %d", got)
	}
}

func TestSnapshot(t *testing.T) {
	m := NewMemory(time.Hour)
	m.Record(ServiceASR)
	m.Record(ServiceTTS)
	m.Record(ServiceTTS)

	snap := m.Snapshot()
	if snap[ServiceASR] != 1 || snap[ServiceTTS] != 2 {
		t.Errorf("unexpected snapshot: %v", snap)
	}
}
