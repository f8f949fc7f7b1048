package objective

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestWatcherSignalsOnWrite(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "objectives.yaml")
	require.NoError(t, os.WriteFile(path, []byte("objectives: []\n"), 0644))

	w, err := NewWatcher(path)
	require.NoError(t, err)
	defer w.Close()

	require.NoError(t, os.WriteFile(path, []byte(sampleDefinitions), 0644))

	select {
	case <-w.Changes():
	case <-time.After(3 * time.Second):
		t.Fatal("no change signal after objectives file write")
	}
}

func TestWatcherIgnoresOtherFiles(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "objectives.yaml")

	w, err := NewWatcher(path)
	require.NoError(t, err)
	defer w.Close()

	require.NoError(t, os.WriteFile(filepath.Join(dir, "unrelated.txt"), []byte("x"), 0644))

	select {
	case <-w.Changes():
		t.Fatal("unrelated file must not trigger a change signal")
	case <-time.After(300 * time.Millisecond):
	}
}

func TestWatcherSignalsOnReplace(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "objectives.yaml")
	require.NoError(t, os.WriteFile(path, []byte("objectives: []\n"), 0644))

	w, err := NewWatcher(path)
	require.NoError(t, err)
	defer w.Close()

	// Atomic replace, the way editors and this project's own state
	// manager write files
	tmp := filepath.Join(dir, "objectives.yaml.tmp")
	require.NoError(t, os.WriteFile(tmp, []byte(sampleDefinitions), 0644))
	require.NoError(t, os.Rename(tmp, path))

	select {
	case <-w.Changes():
	case <-time.After(3 * time.Second):
		t.Fatal("no change signal after atomic replace")
	}
}
