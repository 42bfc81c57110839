// Package watcher turns a local inbox directory into arrivals and triggers.
//
// Layout: <inbox>/<session>/<file>. Every regular file dropped into a
// session directory is staged and then removed from the inbox. Creating a
// file named TriggerMarker in the session directory triggers conversion.
// Writers should write under a temporary name (a ".part" suffix or a leading
// dot) and rename into place.
package watcher

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"

	"pagebinder/logging"
	"pagebinder/models"
)

const (
	TriggerMarker   = ".convert"
	DefaultDebounce = 200 * time.Millisecond
)

type Coordinator interface {
	OnArrival(key, originalName, sequenceHint string, r io.Reader) (models.StagedFile, error)
	OnTrigger(trig models.Trigger) (models.ConversionJob, error)
}

type Watcher struct {
	dir      string
	coord    Coordinator
	logger   *slog.Logger
	debounce time.Duration
	ready    chan struct{}
}

func New(dir string, coord Coordinator, logger *slog.Logger) *Watcher {
	return &Watcher{
		dir:      dir,
		coord:    coord,
		logger:   logging.OrDiscard(logger).With("component", "watcher", "inbox", dir),
		debounce: DefaultDebounce,
		ready:    make(chan struct{}),
	}
}

type entryKind int

const (
	kindIgnore entryKind = iota
	kindFile
	kindTrigger
)

func classify(name string) entryKind {
	switch {
	case name == TriggerMarker:
		return kindTrigger
	case strings.HasPrefix(name, "."), strings.HasSuffix(name, ".part"), strings.HasSuffix(name, ".tmp"):
		return kindIgnore
	default:
		return kindFile
	}
}

// split maps an inbox path to its session and file name. ok is false for
// anything that is not exactly two levels below the inbox.
func (w *Watcher) split(path string) (session, name string, ok bool) {
	rel, err := filepath.Rel(w.dir, path)
	if err != nil {
		return "", "", false
	}
	parts := strings.Split(filepath.ToSlash(rel), "/")
	if len(parts) != 2 || parts[0] == ".." || parts[0] == "." {
		return "", "", false
	}
	return parts[0], parts[1], true
}

// Run watches the inbox until ctx is cancelled. Files already present when
// it starts are processed first.
func (w *Watcher) Run(ctx context.Context) error {
	if err := os.MkdirAll(w.dir, 0755); err != nil {
		return fmt.Errorf("failed to create inbox: %w", err)
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	defer fsw.Close()

	if err := fsw.Add(w.dir); err != nil {
		return fmt.Errorf("failed to watch inbox: %w", err)
	}
	entries, err := os.ReadDir(w.dir)
	if err != nil {
		return fmt.Errorf("failed to read inbox: %w", err)
	}
	for _, e := range entries {
		if e.IsDir() {
			w.addSession(fsw, filepath.Join(w.dir, e.Name()))
		}
	}
	close(w.ready)
	w.logger.Info("watching inbox")

	debounceTimer := time.NewTimer(0)
	<-debounceTimer.C
	defer debounceTimer.Stop()
	pending := make(map[string]struct{})

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-fsw.Events:
			if !ok {
				return nil
			}
			if event.Op&(fsnotify.Create|fsnotify.Write) == 0 {
				continue
			}
			if filepath.Dir(event.Name) == filepath.Clean(w.dir) {
				if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
					w.addSession(fsw, event.Name)
				}
				continue
			}
			pending[event.Name] = struct{}{}
			debounceTimer.Reset(w.debounce)

		case <-debounceTimer.C:
			w.processBatch(pending)
			pending = make(map[string]struct{})

		case err, ok := <-fsw.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("watcher error", "error", err)
		}
	}
}

func (w *Watcher) addSession(fsw *fsnotify.Watcher, dir string) {
	if err := fsw.Add(dir); err != nil {
		w.logger.Error("failed to watch session directory", "dir", dir, "error", err)
		return
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		w.logger.Error("failed to scan session directory", "dir", dir, "error", err)
		return
	}
	batch := make(map[string]struct{}, len(entries))
	for _, e := range entries {
		batch[filepath.Join(dir, e.Name())] = struct{}{}
	}
	w.processBatch(batch)
}

// processBatch handles files before trigger markers so a marker dropped
// together with its files sees them staged.
func (w *Watcher) processBatch(batch map[string]struct{}) {
	paths := make([]string, 0, len(batch))
	for p := range batch {
		paths = append(paths, p)
	}
	sort.Slice(paths, func(i, j int) bool {
		ti := classify(filepath.Base(paths[i])) == kindTrigger
		tj := classify(filepath.Base(paths[j])) == kindTrigger
		if ti != tj {
			return tj
		}
		return paths[i] < paths[j]
	})
	for _, p := range paths {
		if err := w.HandleFile(p); err != nil {
			w.logger.Error("failed to handle inbox entry", "path", p, "error", err)
		}
	}
}

// HandleFile processes one inbox entry. Entries that vanished in the
// meantime were already handled and are skipped.
func (w *Watcher) HandleFile(path string) error {
	session, name, ok := w.split(path)
	if !ok {
		return nil
	}

	switch classify(name) {
	case kindTrigger:
		if err := os.Remove(path); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return fmt.Errorf("failed to consume trigger marker: %w", err)
		}
		job, err := w.coord.OnTrigger(models.Trigger{
			SessionKey:      session,
			TriggerID:       uuid.NewString(),
			UploadsComplete: true,
		})
		if err != nil {
			return err
		}
		w.logger.Info("conversion triggered", "session", session, "job_id", job.ID.String())
		return nil

	case kindFile:
		f, err := os.Open(path)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		info, err := f.Stat()
		if err != nil || info.IsDir() {
			f.Close()
			return err
		}
		_, err = w.coord.OnArrival(session, name, name, f)
		f.Close()
		if err != nil {
			return err
		}
		if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("failed to remove staged inbox file: %w", err)
		}
		w.logger.Debug("file staged", "session", session, "name", name)
		return nil
	}
	return nil
}
