// Package workspace provides a sandboxed file-based working directory for
// one scheduled RunTask invocation, plus the per-thread epoch counter that
// invalidates stale in-flight work after a new message arrives mid-run.
// All paths are confined to a root directory via traversal protection.
package workspace

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"unicode/utf8"
)

const (
	maxReadBytes   = 1 * 1024 * 1024 // 1 MB
	maxListEntries = 500
	maxSearchDepth = 3
	maxSearchHits  = 100
)

// FileInfo describes a single directory entry.
type FileInfo struct {
	Name  string `json:"name"`
	IsDir bool   `json:"is_dir"`
	Size  int64  `json:"size"`
}

// SearchHit describes a single search match.
type SearchHit struct {
	Path    string `json:"path"`
	Line    int    `json:"line"`
	Content string `json:"content"`
}

// Workspace is a sandboxed file-based directory tree rooted at rootDir.
type Workspace struct {
	rootDir string
}

// New creates a Workspace rooted at rootDir. The directory is created if it
// does not already exist.
func New(rootDir string) (*Workspace, error) {
	abs, err := filepath.Abs(rootDir)
	if err != nil {
		return nil, fmt.Errorf("workspace: resolve root: %w", err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("workspace: create root dir: %w", err)
	}
	resolved, err := filepath.EvalSymlinks(abs)
	if err != nil {
		return nil, fmt.Errorf("workspace: eval symlinks on root: %w", err)
	}
	return &Workspace{rootDir: resolved}, nil
}

// Root returns the resolved, symlink-free root directory.
func (w *Workspace) Root() string { return w.rootDir }

// resolve validates that path stays within the workspace root.
func (w *Workspace) resolve(path string) (string, error) {
	if path == "" {
		return "", fmt.Errorf("workspace: empty path")
	}

	cleaned := filepath.Clean(path)
	var full string
	if filepath.IsAbs(cleaned) {
		full = cleaned
	} else {
		full = filepath.Join(w.rootDir, cleaned)
	}

	abs, err := filepath.Abs(full)
	if err != nil {
		return "", fmt.Errorf("workspace: resolve path: %w", err)
	}

	resolved, err := filepath.EvalSymlinks(abs)
	if err != nil {
		resolved, err = evalSymlinksPartial(abs)
		if err != nil {
			return "", fmt.Errorf("workspace: resolve symlinks: %w", err)
		}
	}

	if resolved != w.rootDir && !strings.HasPrefix(resolved, w.rootDir+string(filepath.Separator)) {
		return "", fmt.Errorf("workspace: path traversal blocked: %s", path)
	}

	return resolved, nil
}

// evalSymlinksPartial walks up from path until it finds an existing
// ancestor, resolves symlinks there, then re-appends the remaining segments.
func evalSymlinksPartial(abs string) (string, error) {
	current := abs
	var trailing []string
	for {
		resolved, err := filepath.EvalSymlinks(current)
		if err == nil {
			for i := len(trailing) - 1; i >= 0; i-- {
				resolved = filepath.Join(resolved, trailing[i])
			}
			return resolved, nil
		}
		parent := filepath.Dir(current)
		if parent == current {
			return "", fmt.Errorf("no existing ancestor for %s", abs)
		}
		trailing = append(trailing, filepath.Base(current))
		current = parent
	}
}

// Read reads the contents of a file. Maximum size is 1 MB.
func (w *Workspace) Read(path string) (string, error) {
	resolved, err := w.resolve(path)
	if err != nil {
		return "", err
	}
	info, err := os.Stat(resolved)
	if err != nil {
		return "", fmt.Errorf("workspace: stat: %w", err)
	}
	if info.IsDir() {
		return "", fmt.Errorf("workspace: path is a directory")
	}
	if info.Size() > maxReadBytes {
		return "", fmt.Errorf("workspace: file too large: %d bytes (max %d)", info.Size(), maxReadBytes)
	}
	data, err := os.ReadFile(resolved)
	if err != nil {
		return "", fmt.Errorf("workspace: read: %w", err)
	}
	return string(data), nil
}

// Write writes content to a file atomically (temp file + rename).
func (w *Workspace) Write(path, content string) error {
	resolved, err := w.resolve(path)
	if err != nil {
		return err
	}
	dir := filepath.Dir(resolved)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("workspace: mkdir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".ws-*.tmp")
	if err != nil {
		return fmt.Errorf("workspace: create temp: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.WriteString(content); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("workspace: write temp: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("workspace: close temp: %w", err)
	}
	if err := os.Rename(tmpName, resolved); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("workspace: rename: %w", err)
	}
	return nil
}

// Append appends content to a file, creating it if it does not exist.
func (w *Workspace) Append(path, content string) error {
	resolved, err := w.resolve(path)
	if err != nil {
		return err
	}
	dir := filepath.Dir(resolved)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("workspace: mkdir: %w", err)
	}
	f, err := os.OpenFile(resolved, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("workspace: open append: %w", err)
	}
	defer f.Close()
	if _, err := f.WriteString(content); err != nil {
		return fmt.Errorf("workspace: append: %w", err)
	}
	return nil
}

// List returns directory entries (max 500).
func (w *Workspace) List(dir string) ([]FileInfo, error) {
	resolved, err := w.resolve(dir)
	if err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(resolved)
	if err != nil {
		return nil, fmt.Errorf("workspace: read dir: %w", err)
	}
	var result []FileInfo
	for i, entry := range entries {
		if i >= maxListEntries {
			break
		}
		info, err := entry.Info()
		var size int64
		if err == nil {
			size = info.Size()
		}
		result = append(result, FileInfo{Name: entry.Name(), IsDir: entry.IsDir(), Size: size})
	}
	return result, nil
}

// Search performs a case-insensitive substring search across text files in
// the workspace, up to maxSearchDepth levels deep, skipping binary files.
func (w *Workspace) Search(query string) ([]SearchHit, error) {
	if query == "" {
		return nil, fmt.Errorf("workspace: empty search query")
	}
	lowerQuery := strings.ToLower(query)
	var hits []SearchHit

	err := filepath.WalkDir(w.rootDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if len(hits) >= maxSearchHits {
			return fs.SkipAll
		}
		rel, relErr := filepath.Rel(w.rootDir, path)
		if relErr != nil {
			return nil
		}
		depth := 0
		if rel != "." {
			depth = strings.Count(rel, string(filepath.Separator)) + 1
		}
		if d.IsDir() {
			if depth > maxSearchDepth {
				return fs.SkipDir
			}
			return nil
		}
		if depth > maxSearchDepth {
			return nil
		}
		info, infoErr := d.Info()
		if infoErr != nil || info.Size() > maxReadBytes {
			return nil
		}
		f, fErr := os.Open(path)
		if fErr != nil {
			return nil
		}
		defer f.Close()
		scanner := bufio.NewScanner(f)
		lineNum := 0
		for scanner.Scan() {
			lineNum++
			line := scanner.Text()
			if !utf8.ValidString(line) {
				return nil
			}
			if strings.Contains(strings.ToLower(line), lowerQuery) {
				hits = append(hits, SearchHit{Path: rel, Line: lineNum, Content: truncate(line, 200)})
				if len(hits) >= maxSearchHits {
					return fs.SkipAll
				}
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("workspace: search walk: %w", err)
	}
	return hits, nil
}

// Delete removes a single file. Directories cannot be deleted for safety.
func (w *Workspace) Delete(path string) error {
	resolved, err := w.resolve(path)
	if err != nil {
		return err
	}
	info, err := os.Stat(resolved)
	if err != nil {
		return fmt.Errorf("workspace: stat: %w", err)
	}
	if info.IsDir() {
		return fmt.Errorf("workspace: cannot delete directory")
	}
	if err := os.Remove(resolved); err != nil {
		return fmt.Errorf("workspace: remove: %w", err)
	}
	return nil
}

// CopyTree recursively copies src (outside the workspace, e.g. the shared
// base skills directory) into dst inside the workspace.
func (w *Workspace) CopyTree(src, dst string) error {
	resolvedDst, err := w.resolve(dst)
	if err != nil {
		return err
	}
	return filepath.WalkDir(src, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, relErr := filepath.Rel(src, path)
		if relErr != nil {
			return relErr
		}
		target := filepath.Join(resolvedDst, rel)
		if d.IsDir() {
			return os.MkdirAll(target, 0o755)
		}
		data, readErr := os.ReadFile(path)
		if readErr != nil {
			return readErr
		}
		if mkErr := os.MkdirAll(filepath.Dir(target), 0o755); mkErr != nil {
			return mkErr
		}
		return os.WriteFile(target, data, 0o644)
	})
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}

// ThreadState is the small durable record that holds a thread's epoch
// counter. It lives outside the per-run workspace (at ThreadStatePath) so
// it survives across every RunTask/SendReply fired against the same thread.
type ThreadState struct {
	Epoch uint64 `json:"epoch"`
}

// ReadThreadState loads the epoch counter at path, defaulting to epoch 0
// if the file does not exist yet (a thread's first message).
func ReadThreadState(path string) (ThreadState, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return ThreadState{}, nil
		}
		return ThreadState{}, fmt.Errorf("workspace: read thread state: %w", err)
	}
	var st ThreadState
	if err := json.Unmarshal(data, &st); err != nil {
		return ThreadState{}, fmt.Errorf("workspace: decode thread state: %w", err)
	}
	return st, nil
}

// BumpThreadEpoch increments the epoch at path and returns the new value.
// Called whenever a new inbound message arrives for a thread that may
// already have a RunTask in flight, so that task's eventual SendReply gets
// silently skipped instead of replying to a conversation that's moved on.
func BumpThreadEpoch(path string) (uint64, error) {
	st, err := ReadThreadState(path)
	if err != nil {
		return 0, err
	}
	st.Epoch++
	data, err := json.Marshal(st)
	if err != nil {
		return 0, err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return 0, fmt.Errorf("workspace: mkdir thread state: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return 0, fmt.Errorf("workspace: write thread state: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return 0, fmt.Errorf("workspace: rename thread state: %w", err)
	}
	return st.Epoch, nil
}

// EpochMatches reports whether expected (a task's pinned thread_epoch) still
// matches the thread's current epoch at path. A task with no expected epoch
// pinned always matches: not every task kind cares about staleness.
func EpochMatches(path string, expected *uint64) (bool, error) {
	if expected == nil {
		return true, nil
	}
	st, err := ReadThreadState(path)
	if err != nil {
		return false, err
	}
	return st.Epoch == *expected, nil
}
