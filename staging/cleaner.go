package staging

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"pagebinder/logging"
)

// Failure is one path the cleaner could not remove.
type Failure struct {
	Op   string
	Path string
	Err  error
}

func (f Failure) String() string {
	return fmt.Sprintf("%s %s: %v", f.Op, f.Path, f.Err)
}

// Failures is the outcome of a cleanup pass. It is deliberately not an
// error: failures are logged by the cleaner and callers may drop them.
type Failures []Failure

func (f Failures) Empty() bool { return len(f) == 0 }

func (f Failures) String() string {
	parts := make([]string, len(f))
	for i, failure := range f {
		parts[i] = failure.String()
	}
	return strings.Join(parts, "; ")
}

// Cleaner removes a session's staging tree after a grace delay.
type Cleaner struct {
	root   string
	grace  time.Duration
	logger *slog.Logger
}

func NewCleaner(root string, grace time.Duration, logger *slog.Logger) *Cleaner {
	return &Cleaner{
		root:   root,
		grace:  grace,
		logger: logging.OrDiscard(logger).With("component", "cleaner"),
	}
}

// Cleanup waits the grace delay, deletes every file under incoming/ and
// outgoing/, then removes both directories and the session root. It never
// panics or returns an error, and a missing tree is a no-op. A done ctx
// skips the remaining grace delay but not the deletion.
func (c *Cleaner) Cleanup(ctx context.Context, key string) Failures {
	if err := ValidateSessionKey(key); err != nil {
		c.logger.Error("cleanup skipped", "session", key, "error", err)
		return Failures{{Op: "validate", Path: key, Err: err}}
	}

	sessionDir := filepath.Join(c.root, key)
	if _, err := os.Stat(sessionDir); errors.Is(err, fs.ErrNotExist) {
		c.logger.Debug("nothing to clean", "session", key)
		return nil
	}

	if c.grace > 0 {
		timer := time.NewTimer(c.grace)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
		}
	}

	var failures Failures
	record := func(op, path string, err error) {
		if err == nil || errors.Is(err, fs.ErrNotExist) {
			return
		}
		failures = append(failures, Failure{Op: op, Path: path, Err: err})
		c.logger.Error("cleanup failure", "session", key, "op", op, "path", path, "error", err)
	}

	dirs := []string{
		filepath.Join(sessionDir, IncomingDir),
		filepath.Join(sessionDir, OutgoingDir),
	}
	for _, dir := range dirs {
		entries, err := os.ReadDir(dir)
		if err != nil {
			record("list", dir, err)
			continue
		}
		for _, entry := range entries {
			path := filepath.Join(dir, entry.Name())
			if entry.IsDir() {
				record("remove", path, os.RemoveAll(path))
				continue
			}
			record("remove", path, os.Remove(path))
		}
	}

	for _, dir := range append(dirs, sessionDir) {
		record("rmdir", dir, os.Remove(dir))
	}

	if failures.Empty() {
		c.logger.Debug("session cleaned", "session", key)
	} else {
		c.logger.Warn("session cleaned with failures", "session", key, "failures", len(failures))
	}
	return failures
}
