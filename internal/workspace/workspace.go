// Package workspace owns the single root directory all user-supplied
// working directories must live under. Paths are resolved through
// symlinks before the containment check.
package workspace

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
)

// maxCandidateDirs caps the working-directory listing offered in the
// launch-option catalog.
const maxCandidateDirs = 24

// Workspace validates working directories against one absolute root and
// maintains a cached listing of candidate directories (the root plus its
// immediate subdirectories).
type Workspace struct {
	root   string
	logger *slog.Logger

	mu         sync.Mutex
	candidates []string
	fresh      bool

	watcher *fsnotify.Watcher
}

// New resolves and validates the root, then starts watching it so the
// candidate listing stays current.
func New(root string, logger *slog.Logger) (*Workspace, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if !filepath.IsAbs(root) {
		return nil, fmt.Errorf("workspace root must be absolute, got %q", root)
	}
	resolved, err := filepath.EvalSymlinks(root)
	if err != nil {
		return nil, fmt.Errorf("resolve workspace root: %w", err)
	}
	info, err := os.Stat(resolved)
	if err != nil {
		return nil, fmt.Errorf("stat workspace root: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("workspace root %q is not a directory", root)
	}

	w := &Workspace{root: resolved, logger: logger}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		// Candidates fall back to rescanning every call.
		logger.Warn("workspace watcher unavailable", "error", err)
		return w, nil
	}
	if err := watcher.Add(resolved); err != nil {
		logger.Warn("cannot watch workspace root", "error", err)
		_ = watcher.Close()
		return w, nil
	}
	w.watcher = watcher
	go w.watchLoop()
	return w, nil
}

// Root returns the resolved workspace root.
func (w *Workspace) Root() string {
	return w.root
}

// Close stops the directory watcher.
func (w *Workspace) Close() {
	if w.watcher != nil {
		_ = w.watcher.Close()
	}
}

// Resolve validates that cwd, after following symlinks, is inside the
// workspace root and returns the resolved absolute path.
func (w *Workspace) Resolve(cwd string) (string, error) {
	if strings.TrimSpace(cwd) == "" {
		return w.root, nil
	}
	abs := cwd
	if !filepath.IsAbs(abs) {
		abs = filepath.Join(w.root, abs)
	}
	resolved, err := filepath.EvalSymlinks(abs)
	if err != nil {
		return "", fmt.Errorf("resolve %q: %w", cwd, err)
	}
	if !w.contains(resolved) {
		return "", fmt.Errorf("%q is outside the workspace root", cwd)
	}
	info, err := os.Stat(resolved)
	if err != nil {
		return "", fmt.Errorf("stat %q: %w", cwd, err)
	}
	if !info.IsDir() {
		return "", fmt.Errorf("%q is not a directory", cwd)
	}
	return resolved, nil
}

// Contains reports whether an already-resolved path lives inside the root.
func (w *Workspace) Contains(path string) bool {
	resolved, err := filepath.EvalSymlinks(path)
	if err != nil {
		return false
	}
	return w.contains(resolved)
}

func (w *Workspace) contains(resolved string) bool {
	return resolved == w.root || strings.HasPrefix(resolved, w.root+string(filepath.Separator))
}

// Candidates lists the root plus its immediate subdirectories, each
// re-verified to still resolve inside the root, capped at a fixed count.
// The listing is cached until the watcher sees the root change.
func (w *Workspace) Candidates() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.fresh && w.watcher != nil {
		out := make([]string, len(w.candidates))
		copy(out, w.candidates)
		return out
	}

	dirs := []string{w.root}
	entries, err := os.ReadDir(w.root)
	if err != nil {
		w.logger.Warn("cannot list workspace root", "error", err)
		return dirs
	}
	var names []string
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), ".") {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)
	for _, name := range names {
		if len(dirs) >= maxCandidateDirs {
			break
		}
		resolved, err := filepath.EvalSymlinks(filepath.Join(w.root, name))
		if err != nil || !w.contains(resolved) {
			continue
		}
		info, err := os.Stat(resolved)
		if err != nil || !info.IsDir() {
			continue
		}
		dirs = append(dirs, resolved)
	}

	w.candidates = dirs
	w.fresh = true
	out := make([]string, len(dirs))
	copy(out, dirs)
	return out
}

func (w *Workspace) watchLoop() {
	for {
		select {
		case _, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			w.mu.Lock()
			w.fresh = false
			w.mu.Unlock()
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("workspace watcher error", "error", err)
		}
	}
}
