package tracker

import (
	"bufio"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"overseer/internal/state"
)

func newTestTracker(t *testing.T, bufferSize int) (*Tracker, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "actions.jsonl")
	tr, err := New(path, bufferSize)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	t.Cleanup(func() { tr.Close() })
	return tr, path
}

func TestRecordAndRecent(t *testing.T) {
	tr, _ := newTestTracker(t, 0)

	for i := 0; i < 5; i++ {
		if err := tr.Record(Action{Phase: "coding", Tool: "edit", Target: "main.go", Success: true}); err != nil {
			t.Fatalf("Record failed: %v", err)
		}
	}
	if err := tr.Record(Action{Phase: "qa", Tool: "test", Success: false}); err != nil {
		t.Fatalf("Record failed: %v", err)
	}

	if tr.Len() != 6 {
		t.Errorf("expected 6 actions, got %d", tr.Len())
	}

	recent := tr.Recent(3, "")
	if len(recent) != 3 {
		t.Fatalf("expected 3 recent actions, got %d", len(recent))
	}
	if recent[2].Phase != "qa" {
		t.Error("Recent should return actions in insertion order, newest last")
	}

	coding := tr.Recent(0, "coding")
	if len(coding) != 5 {
		t.Errorf("expected 5 coding actions, got %d", len(coding))
	}
}

func TestRecordRejectsEmptyTool(t *testing.T) {
	tr, _ := newTestTracker(t, 0)

	err := tr.Record(Action{Phase: "coding"})
	if err == nil {
		t.Fatal("expected error for action without tool")
	}
	if !errors.Is(err, state.ErrValidation) {
		t.Errorf("expected ErrValidation, got %v", err)
	}
	if tr.Len() != 0 {
		t.Error("rejected action must not be buffered")
	}
}

func TestBufferBound(t *testing.T) {
	tr, _ := newTestTracker(t, 10)

	for i := 0; i < 25; i++ {
		tr.Record(Action{Phase: "coding", Tool: "edit", Args: strings.Repeat("x", i)})
	}
	if tr.Len() != 10 {
		t.Errorf("expected buffer capped at 10, got %d", tr.Len())
	}
}

func TestJSONLAppend(t *testing.T) {
	tr, path := newTestTracker(t, 0)

	tr.Record(Action{Phase: "coding", Tool: "edit", Target: "a.go", Success: true})
	tr.Record(Action{Phase: "coding", Tool: "write", Target: "b.go", Success: false})
	tr.Close()

	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("open log: %v", err)
	}
	defer f.Close()

	var lines int
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var a Action
		if err := json.Unmarshal(scanner.Bytes(), &a); err != nil {
			t.Fatalf("line %d is not valid JSON: %v", lines+1, err)
		}
		lines++
	}
	if lines != 2 {
		t.Errorf("expected 2 log lines, got %d", lines)
	}
}

func TestArchivesPreviousLog(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "actions.jsonl")

	if err := os.WriteFile(path, []byte(`{"tool":"old"}`+"\n"), 0644); err != nil {
		t.Fatalf("seed old log: %v", err)
	}

	tr, err := New(path, 0)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	defer tr.Close()

	// Old content must not be visible to the new run
	if tr.Len() != 0 {
		t.Error("tracker must start empty after archiving")
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	var archived bool
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), "actions.jsonl.") {
			archived = true
		}
	}
	if !archived {
		t.Error("previous log should be archived with a timestamp suffix")
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read new log: %v", err)
	}
	if len(data) != 0 {
		t.Error("new log should start empty")
	}
}

func TestWindowFiltersByTimeAndCount(t *testing.T) {
	tr, _ := newTestTracker(t, 0)

	old := Action{Phase: "coding", Tool: "edit", Timestamp: time.Now().Add(-10 * time.Minute)}
	tr.Record(old)
	for i := 0; i < 4; i++ {
		tr.Record(Action{Phase: "coding", Tool: "edit", Target: "x.go"})
	}

	w := tr.Window(50, 5*time.Minute)
	if len(w) != 4 {
		t.Errorf("expected 4 actions inside time window, got %d", len(w))
	}

	w = tr.Window(2, 5*time.Minute)
	if len(w) != 2 {
		t.Errorf("expected window capped at 2 actions, got %d", len(w))
	}
}

func TestSignatureTruncatesArgs(t *testing.T) {
	long := strings.Repeat("a", 200)
	a := Action{Tool: "edit", Target: "f.go", Args: long}
	b := Action{Tool: "edit", Target: "f.go", Args: long + "tail-difference"}

	if a.Signature() != b.Signature() {
		t.Error("signatures should ignore argument tails beyond the truncation limit")
	}

	c := Action{Tool: "edit", Target: "g.go", Args: long}
	if a.Signature() == c.Signature() {
		t.Error("different targets must produce different signatures")
	}
}

func TestIsModification(t *testing.T) {
	mods := []Action{
		{Tool: "write", Target: "a.go"},
		{Tool: "edit", Target: "a.go"},
		{Tool: "delete", Target: "a.go"},
	}
	for _, a := range mods {
		if !a.IsModification() {
			t.Errorf("tool %s with target should be a modification", a.Tool)
		}
	}

	if (Action{Tool: "read", Target: "a.go"}).IsModification() {
		t.Error("read is not a modification")
	}
	if (Action{Tool: "edit"}).IsModification() {
		t.Error("edit without target is not a modification")
	}
}
