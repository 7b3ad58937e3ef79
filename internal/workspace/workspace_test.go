package workspace

import (
	"path/filepath"
	"testing"
)

func TestWriteReadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	ws, err := New(dir)
	if err != nil {
		t.Fatalf("new workspace: %v", err)
	}
	if err := ws.Write("notes.txt", "hello"); err != nil {
		t.Fatalf("write: %v", err)
	}
	got, err := ws.Read("notes.txt")
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if got != "hello" {
		t.Fatalf("expected hello, got %q", got)
	}
}

func TestResolveBlocksTraversal(t *testing.T) {
	dir := t.TempDir()
	ws, err := New(dir)
	if err != nil {
		t.Fatalf("new workspace: %v", err)
	}
	if _, err := ws.Read("../../etc/passwd"); err == nil {
		t.Fatalf("expected traversal outside root to be blocked")
	}
}

func TestDeleteRejectsDirectories(t *testing.T) {
	dir := t.TempDir()
	ws, err := New(dir)
	if err != nil {
		t.Fatalf("new workspace: %v", err)
	}
	if err := ws.Write("sub/file.txt", "x"); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := ws.Delete("sub"); err == nil {
		t.Fatalf("expected deleting a directory to fail")
	}
}

func TestThreadEpochBumpInvalidatesStaleWork(t *testing.T) {
	dir := t.TempDir()
	statePath := filepath.Join(dir, "thread_state.json")

	st, err := ReadThreadState(statePath)
	if err != nil {
		t.Fatalf("read initial state: %v", err)
	}
	if st.Epoch != 0 {
		t.Fatalf("expected epoch 0 for a thread with no state file yet, got %d", st.Epoch)
	}

	pinned := st.Epoch
	matches, err := EpochMatches(statePath, &pinned)
	if err != nil || !matches {
		t.Fatalf("expected pinned epoch to match before any bump: matches=%v err=%v", matches, err)
	}

	newEpoch, err := BumpThreadEpoch(statePath)
	if err != nil {
		t.Fatalf("bump epoch: %v", err)
	}
	if newEpoch != 1 {
		t.Fatalf("expected epoch to advance to 1, got %d", newEpoch)
	}

	matches, err = EpochMatches(statePath, &pinned)
	if err != nil {
		t.Fatalf("epoch matches after bump: %v", err)
	}
	if matches {
		t.Fatalf("expected a task pinned to the old epoch to be stale after a bump")
	}

	matches, err = EpochMatches(statePath, nil)
	if err != nil || !matches {
		t.Fatalf("expected a task with no pinned epoch to always match: matches=%v err=%v", matches, err)
	}
}
