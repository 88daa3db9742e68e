package allowlist

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/codefionn/execgate/internal/lockfile"
	"github.com/codefionn/execgate/internal/logger"
	"github.com/codefionn/execgate/internal/policy"
)

// lockWait bounds how long a writer waits for the cross-process lock on
// the approvals file before giving up.
const lockWait = 5 * time.Second

// StoreVersion is the approvals file schema version written by this build.
// Older versions are migrated on load; newer versions are rejected.
const StoreVersion = 1

// Entry is one stored, previously-approved command pattern together with
// its usage statistics.
type Entry struct {
	Pattern          string `json:"pattern"`
	CreatedAtMs      int64  `json:"created_at_ms,omitempty"`
	LastUsedAtMs     int64  `json:"last_used_at_ms,omitempty"`
	UseCount         int    `json:"use_count,omitempty"`
	LastCommand      string `json:"last_command,omitempty"`
	LastResolvedPath string `json:"last_resolved_path,omitempty"`
}

// AgentApprovals holds the per-agent policy override and allowlist.
type AgentApprovals struct {
	policy.Defaults
	Allowlist []Entry `json:"allowlist,omitempty"`
}

// File is the persisted approvals document.
type File struct {
	Version int                        `json:"version"`
	Agents  map[string]*AgentApprovals `json:"agents,omitempty"`
}

func emptyFile() *File {
	return &File{
		Version: StoreVersion,
		Agents:  make(map[string]*AgentApprovals),
	}
}

// Store owns the approvals file. All mutation goes through a single mutex
// around read-modify-write, so concurrent allow-always decisions for the
// same agent serialize. A cached snapshot avoids re-reading the file on
// every request; the fsnotify watcher invalidates it when the file is
// edited externally.
type Store struct {
	path string

	mu     sync.Mutex
	cached *File
}

// NewStore creates a store backed by the approvals file at path. The file
// is created lazily on first write.
func NewStore(path string) *Store {
	return &Store{path: path}
}

// Path returns the approvals file location.
func (s *Store) Path() string {
	return s.path
}

// Load returns the current approvals document. A missing file yields an
// empty document.
func (s *Store) Load() (*File, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loadLocked()
}

func (s *Store) loadLocked() (*File, error) {
	if s.cached != nil {
		return s.cached, nil
	}

	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		s.cached = emptyFile()
		return s.cached, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read approvals file: %w", err)
	}

	var file File
	if err := json.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse approvals file %s: %w", s.path, err)
	}
	if file.Version > StoreVersion {
		return nil, fmt.Errorf("approvals file version %d is newer than supported version %d", file.Version, StoreVersion)
	}
	if file.Version == 0 {
		file.Version = StoreVersion
	}
	if file.Agents == nil {
		file.Agents = make(map[string]*AgentApprovals)
	}

	s.cached = &file
	return s.cached, nil
}

func (s *Store) saveLocked(file *File) error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("failed to create approvals directory: %w", err)
	}

	data, err := json.MarshalIndent(file, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal approvals file: %w", err)
	}
	if err := os.WriteFile(s.path, data, 0o600); err != nil {
		return fmt.Errorf("failed to write approvals file: %w", err)
	}

	s.cached = file
	return nil
}

// withFileLock runs fn while holding the cross-process lock next to the
// approvals file. The CLI and a running gate may rewrite the file
// concurrently; the lock serializes their read-modify-write cycles. The
// cached snapshot is dropped first so fn sees the state on disk. Callers
// hold s.mu.
func (s *Store) withFileLock(fn func() error) error {
	lock := lockfile.ForFile(s.path)
	ctx, cancel := context.WithTimeout(context.Background(), lockWait)
	defer cancel()
	if err := lock.Acquire(ctx); err != nil {
		return fmt.Errorf("failed to lock approvals file: %w", err)
	}
	defer lock.Release()

	s.cached = nil
	return fn()
}

// Invalidate drops the cached snapshot so the next read hits the file.
func (s *Store) Invalidate() {
	s.mu.Lock()
	s.cached = nil
	s.mu.Unlock()
}

// Agent resolves the per-agent policy override and allowlist. The wildcard
// agent "*" applies first, then the specific agent; allowlists concatenate.
func (s *Store) Agent(agentID string) (*policy.Defaults, []Entry, error) {
	if agentID == "" {
		agentID = "default"
	}

	file, err := s.Load()
	if err != nil {
		return nil, nil, err
	}

	var override *policy.Defaults
	var entries []Entry

	apply := func(a *AgentApprovals) {
		if a == nil {
			return
		}
		if a.Security != "" || a.Ask != "" || a.AskFallback != "" {
			if override == nil {
				override = &policy.Defaults{}
			}
			if a.Security != "" {
				override.Security = a.Security
			}
			if a.Ask != "" {
				override.Ask = a.Ask
			}
			if a.AskFallback != "" {
				override.AskFallback = a.AskFallback
			}
		}
		entries = append(entries, a.Allowlist...)
	}

	apply(file.Agents["*"])
	if agentID != "*" {
		apply(file.Agents[agentID])
	}

	return override, entries, nil
}

// AddEntry appends a pattern to an agent's allowlist. Adding an existing
// pattern is a no-op; entries are never removed by this path.
func (s *Store) AddEntry(agentID, pattern string) error {
	if agentID == "" {
		agentID = "default"
	}
	pattern = trimPattern(pattern)
	if pattern == "" {
		return errors.New("empty allowlist pattern")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	return s.withFileLock(func() error {
		file, err := s.loadLocked()
		if err != nil {
			return err
		}

		agent := file.Agents[agentID]
		if agent == nil {
			agent = &AgentApprovals{}
			file.Agents[agentID] = agent
		}

		for _, entry := range agent.Allowlist {
			if entry.Pattern == pattern {
				return nil
			}
		}

		agent.Allowlist = append(agent.Allowlist, Entry{
			Pattern:     pattern,
			CreatedAtMs: time.Now().UnixMilli(),
		})

		return s.saveLocked(file)
	})
}

// RemoveEntry deletes a pattern from an agent's allowlist.
func (s *Store) RemoveEntry(agentID, pattern string) error {
	if agentID == "" {
		agentID = "default"
	}
	pattern = trimPattern(pattern)

	s.mu.Lock()
	defer s.mu.Unlock()

	return s.withFileLock(func() error {
		file, err := s.loadLocked()
		if err != nil {
			return err
		}

		agent := file.Agents[agentID]
		if agent == nil {
			return nil
		}

		kept := agent.Allowlist[:0]
		for _, entry := range agent.Allowlist {
			if entry.Pattern != pattern {
				kept = append(kept, entry)
			}
		}
		agent.Allowlist = kept

		return s.saveLocked(file)
	})
}

// RecordUse bumps usage statistics for the matched patterns. Errors are
// logged, not surfaced: usage stats are best-effort.
func (s *Store) RecordUse(agentID string, patterns []string, command, resolvedPath string) {
	if len(patterns) == 0 {
		return
	}
	if agentID == "" {
		agentID = "default"
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	err := s.withFileLock(func() error {
		file, err := s.loadLocked()
		if err != nil {
			return err
		}

		now := time.Now().UnixMilli()
		touched := false
		for _, id := range []string{"*", agentID} {
			agent := file.Agents[id]
			if agent == nil {
				continue
			}
			for i := range agent.Allowlist {
				for _, pattern := range patterns {
					if agent.Allowlist[i].Pattern == pattern {
						agent.Allowlist[i].LastUsedAtMs = now
						agent.Allowlist[i].UseCount++
						agent.Allowlist[i].LastCommand = command
						agent.Allowlist[i].LastResolvedPath = resolvedPath
						touched = true
					}
				}
			}
		}

		if !touched {
			return nil
		}
		return s.saveLocked(file)
	})
	if err != nil {
		logger.Warn("allowlist: failed to record usage stats: %v", err)
	}
}

func trimPattern(pattern string) string {
	return strings.TrimSpace(pattern)
}

// Watch invalidates the cached snapshot whenever the approvals file changes
// on disk, so external edits (a human pruning the allowlist) take effect
// without a restart. Returns once the watcher is installed; watching stops
// when ctx is cancelled.
func (s *Store) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create approvals watcher: %w", err)
	}

	// Watch the directory: editors replace files, which drops a watch on
	// the file itself.
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		watcher.Close()
		return fmt.Errorf("failed to create approvals directory: %w", err)
	}
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return fmt.Errorf("failed to watch approvals directory: %w", err)
	}

	go func() {
		defer watcher.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != filepath.Clean(s.path) {
					continue
				}
				if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename|fsnotify.Remove) != 0 {
					logger.Debug("allowlist: approvals file changed on disk (%s), invalidating cache", event.Op)
					s.Invalidate()
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				logger.Warn("allowlist: approvals watcher error: %v", err)
			}
		}
	}()

	return nil
}
