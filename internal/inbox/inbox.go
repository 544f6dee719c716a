// Package inbox lets approvers outside the running process decide gates by
// dropping decision files into a watched directory.
package inbox

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/hochfrequenz/epistemic-engine/internal/domain"
	"gopkg.in/yaml.v3"
)

// Suffixes appended to processed decision files
const (
	AppliedSuffix = ".applied"
	FailedSuffix  = ".failed"
	ErrorSuffix   = ".err"
)

// Decider applies a reviewer decision to a gate
type Decider interface {
	Decide(gateID string, decision domain.Decision, actorRole, rationale string) (domain.GateRequest, error)
}

// Request is the content of one decision file. JSON files parse as YAML.
type Request struct {
	GateID    string `yaml:"gate_id"`
	Decision  string `yaml:"decision"`
	ActorRole string `yaml:"actor_role"`
	Rationale string `yaml:"rationale,omitempty"`
}

// Watcher applies decision files as they appear in dir
type Watcher struct {
	dir      string
	decider  Decider
	log      *slog.Logger
	watcher  *fsnotify.Watcher
	debounce time.Duration

	mu      sync.Mutex
	pending map[string]struct{}
	timer   *time.Timer

	// process serializes file handling between the start-up scan and events
	process sync.Mutex
}

// New creates the inbox directory if needed and watches it
func New(dir string, decider Decider, logger *slog.Logger) (*Watcher, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("create inbox: %w", err)
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("watch inbox: %w", err)
	}
	return &Watcher{
		dir:      dir,
		decider:  decider,
		log:      logger.With("inbox", dir),
		watcher:  watcher,
		debounce: 100 * time.Millisecond,
		pending:  make(map[string]struct{}),
	}, nil
}

// SetDebounce sets how long a file must be quiet before it is read
func (w *Watcher) SetDebounce(d time.Duration) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.debounce = d
}

// Run applies files already in the inbox, then watches for new ones until
// ctx is done. It closes the underlying watcher on return.
func (w *Watcher) Run(ctx context.Context) error {
	defer w.watcher.Close()
	defer w.stopTimer()

	w.Scan()
	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-w.watcher.Events:
			if !ok {
				return nil
			}
			w.handleEvent(event)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return nil
			}
			w.log.Warn("inbox watch error", "err", err)
		}
	}
}

// Scan applies every decision file currently in the inbox, oldest name first
func (w *Watcher) Scan() {
	entries, err := os.ReadDir(w.dir)
	if err != nil {
		w.log.Warn("read inbox", "err", err)
		return
	}
	var names []string
	for _, e := range entries {
		if !e.IsDir() && IsDecisionFile(e.Name()) {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	for _, name := range names {
		w.apply(filepath.Join(w.dir, name))
	}
}

func (w *Watcher) handleEvent(event fsnotify.Event) {
	if !IsDecisionFile(event.Name) {
		return
	}
	if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
		return
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	w.pending[event.Name] = struct{}{}
	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(w.debounce, w.flush)
}

func (w *Watcher) flush() {
	w.mu.Lock()
	pending := w.pending
	w.pending = make(map[string]struct{})
	w.mu.Unlock()

	paths := make([]string, 0, len(pending))
	for p := range pending {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	for _, p := range paths {
		w.apply(p)
	}
}

func (w *Watcher) stopTimer() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.timer != nil {
		w.timer.Stop()
	}
}

// apply processes path and moves it out of the way. Files that vanished
// since the event were already handled.
func (w *Watcher) apply(path string) {
	w.process.Lock()
	defer w.process.Unlock()

	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return
	}
	req, err := w.Process(path)
	if err != nil {
		w.log.Warn("decision rejected", "file", filepath.Base(path), "gate_id", req.GateID, "err", err)
		if werr := os.WriteFile(path+FailedSuffix+ErrorSuffix, []byte(err.Error()+"\n"), 0600); werr != nil {
			w.log.Warn("write decision error note", "err", werr)
		}
		w.rename(path, path+FailedSuffix)
		return
	}
	w.log.Info("decision applied", "file", filepath.Base(path), "gate_id", req.GateID, "decision", req.Decision, "actor_role", req.ActorRole)
	w.rename(path, path+AppliedSuffix)
}

func (w *Watcher) rename(from, to string) {
	if err := os.Rename(from, to); err != nil {
		w.log.Error("move decision file", "file", from, "err", err)
	}
}

// Process reads one decision file and submits it. It does not move the file.
func (w *Watcher) Process(path string) (Request, error) {
	req, err := ReadRequest(path)
	if err != nil {
		return req, err
	}
	decision, err := domain.ParseDecision(strings.ToLower(strings.TrimSpace(req.Decision)))
	if err != nil {
		return req, fmt.Errorf("%w: %q", err, req.Decision)
	}
	if _, err := w.decider.Decide(req.GateID, decision, req.ActorRole, req.Rationale); err != nil {
		return req, err
	}
	return req, nil
}

// ReadRequest parses a decision file
func ReadRequest(path string) (Request, error) {
	var req Request
	data, err := os.ReadFile(path)
	if err != nil {
		return req, err
	}
	if err := yaml.Unmarshal(data, &req); err != nil {
		return req, fmt.Errorf("parse %s: %w", filepath.Base(path), err)
	}
	if req.GateID == "" {
		return req, fmt.Errorf("%s: gate_id is required", filepath.Base(path))
	}
	if req.ActorRole == "" {
		return req, fmt.Errorf("%s: actor_role is required", filepath.Base(path))
	}
	return req, nil
}

// Write drops req into dir atomically and returns the file path
func Write(dir string, req Request) (string, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return "", fmt.Errorf("create inbox: %w", err)
	}
	data, err := yaml.Marshal(req)
	if err != nil {
		return "", err
	}
	name := fmt.Sprintf("%d-%s.yaml", time.Now().UnixNano(), sanitize(req.GateID))
	path := filepath.Join(dir, name)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return "", err
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return "", err
	}
	return path, nil
}

// IsDecisionFile reports whether name is an unprocessed decision file
func IsDecisionFile(name string) bool {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".yaml", ".yml", ".json":
		return true
	}
	return false
}

func sanitize(s string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		}
		return '_'
	}, s)
}
