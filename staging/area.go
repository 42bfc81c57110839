// Package staging owns the per-session incoming and outgoing directories
// and the lifecycle cleanup that removes them again.
package staging

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"pagebinder/logging"
	"pagebinder/models"
)

// Area stages arriving files under <root>/<session>/{incoming,outgoing}.
// The arrival index is in memory only; nothing survives a restart.
type Area struct {
	root    string
	logger  *slog.Logger
	cleaner *Cleaner

	next atomic.Uint64

	mu       sync.Mutex
	sessions map[string][]models.StagedFile
}

func NewArea(root string, cleaner *Cleaner, logger *slog.Logger) *Area {
	logger = logging.OrDiscard(logger)
	if cleaner == nil {
		cleaner = NewCleaner(root, 0, logger)
	}
	return &Area{
		root:     root,
		logger:   logger.With("component", "staging"),
		cleaner:  cleaner,
		sessions: make(map[string][]models.StagedFile),
	}
}

// Open creates both staging directories for key if they are missing.
func (a *Area) Open(key string) (string, string, error) {
	if err := ValidateSessionKey(key); err != nil {
		return "", "", err
	}

	in := filepath.Join(a.root, key, IncomingDir)
	out := filepath.Join(a.root, key, OutgoingDir)
	if err := os.MkdirAll(in, 0755); err != nil {
		return "", "", fmt.Errorf("failed to create incoming dir: %w", err)
	}
	if err := os.MkdirAll(out, 0755); err != nil {
		return "", "", fmt.Errorf("failed to create outgoing dir: %w", err)
	}
	return in, out, nil
}

// Store writes r into the session's incoming directory and records the
// entry. The sequence key is derived from sequenceHint here, once.
// A failed write leaves no file behind and does not affect other entries.
func (a *Area) Store(key, originalName, sequenceHint string, r io.Reader) (models.StagedFile, error) {
	in, _, err := a.Open(key)
	if err != nil {
		return models.StagedFile{}, err
	}

	idx := a.next.Add(1)
	path := filepath.Join(in, fmt.Sprintf("%06d_%s", idx, sanitizeName(originalName)))
	tmp := path + ".part"

	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0644)
	if err != nil {
		return models.StagedFile{}, fmt.Errorf("failed to create staged file: %w", err)
	}

	size, err := io.Copy(f, r)
	if err != nil {
		f.Close()
		os.Remove(tmp)
		return models.StagedFile{}, fmt.Errorf("failed to write staged file %s: %w", originalName, err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return models.StagedFile{}, fmt.Errorf("failed to close staged file %s: %w", originalName, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return models.StagedFile{}, fmt.Errorf("failed to finalize staged file %s: %w", originalName, err)
	}

	seq, _ := ParseSequenceKey(sequenceHint)
	if !seq.Valid() {
		a.logger.Warn("unparsable sequence hint, file sorts last",
			"session", key, "name", originalName, "hint", sequenceHint)
	}

	file := models.StagedFile{
		SequenceKey:  seq,
		ArrivalIndex: idx,
		OriginalName: originalName,
		Path:         path,
		SizeBytes:    size,
		Extension:    extensionOf(originalName),
		StagedAt:     time.Now(),
	}

	a.mu.Lock()
	a.sessions[key] = append(a.sessions[key], file)
	a.mu.Unlock()

	a.logger.Info("file staged", "session", key, "name", originalName, "bytes", size, "sequence", int64(seq))
	return file, nil
}

// Snapshot returns a point-in-time copy of the session's entries in arrival
// order.
func (a *Area) Snapshot(key string) []models.StagedFile {
	a.mu.Lock()
	files := make([]models.StagedFile, len(a.sessions[key]))
	copy(files, a.sessions[key])
	a.mu.Unlock()

	sort.Slice(files, func(i, j int) bool {
		return files[i].ArrivalIndex < files[j].ArrivalIndex
	})
	return files
}

// Pending reports how many files are staged for key.
func (a *Area) Pending(key string) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.sessions[key])
}

// OutputPath is where the artifact for triggerID is written.
func (a *Area) OutputPath(key, triggerID string) string {
	return filepath.Join(a.root, key, OutgoingDir, fmt.Sprintf("result_%s.pdf", sanitizeName(triggerID)))
}

// Purge removes the session's directories and forgets every entry whose
// file is gone. An arrival that lands while cleanup runs keeps its entry if
// its file survived. See Cleaner.Cleanup for the failure contract.
func (a *Area) Purge(ctx context.Context, key string) Failures {
	failures := a.cleaner.Cleanup(ctx, key)

	a.mu.Lock()
	defer a.mu.Unlock()

	kept := a.sessions[key][:0]
	for _, f := range a.sessions[key] {
		if _, err := os.Stat(f.Path); err == nil {
			kept = append(kept, f)
		}
	}
	if len(kept) == 0 {
		delete(a.sessions, key)
	} else {
		a.sessions[key] = kept
	}
	return failures
}
