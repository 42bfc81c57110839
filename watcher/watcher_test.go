package watcher

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"pagebinder/models"
)

type recordingCoordinator struct {
	mu       sync.Mutex
	arrivals []string
	contents []string
	triggers []models.Trigger
}

func (c *recordingCoordinator) OnArrival(key, name, hint string, r io.Reader) (models.StagedFile, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return models.StagedFile{}, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.arrivals = append(c.arrivals, key+"/"+name)
	c.contents = append(c.contents, string(data))
	return models.StagedFile{OriginalName: name}, nil
}

func (c *recordingCoordinator) OnTrigger(trig models.Trigger) (models.ConversionJob, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.triggers = append(c.triggers, trig)
	return models.ConversionJob{ID: uuid.New(), SessionKey: trig.SessionKey}, nil
}

func (c *recordingCoordinator) snapshot() ([]string, []models.Trigger) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.arrivals...), append([]models.Trigger(nil), c.triggers...)
}

func TestClassify(t *testing.T) {
	t.Parallel()

	tests := map[string]entryKind{
		"1_scan.jpg":      kindFile,
		"photo.PNG":       kindFile,
		TriggerMarker:     kindTrigger,
		".hidden":         kindIgnore,
		"upload.jpg.part": kindIgnore,
		"x.tmp":           kindIgnore,
	}
	for name, want := range tests {
		require.Equal(t, want, classify(name), name)
	}
}

func TestSplit(t *testing.T) {
	t.Parallel()

	w := New("/inbox", &recordingCoordinator{}, nil)

	session, name, ok := w.split("/inbox/42/1.jpg")
	require.True(t, ok)
	require.Equal(t, "42", session)
	require.Equal(t, "1.jpg", name)

	for _, p := range []string{"/inbox/42", "/inbox/42/sub/1.jpg", "/elsewhere/42/1.jpg"} {
		_, _, ok := w.split(p)
		require.False(t, ok, p)
	}
}

func TestHandleFile_StagesAndRemovesSource(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	coord := &recordingCoordinator{}
	w := New(dir, coord, nil)

	path := filepath.Join(dir, "42", "1_a.jpg")
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
	require.NoError(t, os.WriteFile(path, []byte("jpeg"), 0644))

	require.NoError(t, w.HandleFile(path))
	require.NoFileExists(t, path)
	require.Equal(t, []string{"42/1_a.jpg"}, coord.arrivals)
	require.Equal(t, []string{"jpeg"}, coord.contents)

	require.NoError(t, w.HandleFile(path), "an entry handled twice is skipped")
	require.Len(t, coord.arrivals, 1)
}

func TestHandleFile_TriggerMarker(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	coord := &recordingCoordinator{}
	w := New(dir, coord, nil)

	marker := filepath.Join(dir, "42", TriggerMarker)
	require.NoError(t, os.MkdirAll(filepath.Dir(marker), 0755))
	require.NoError(t, os.WriteFile(marker, nil, 0644))

	require.NoError(t, w.HandleFile(marker))
	require.NoFileExists(t, marker)
	require.Len(t, coord.triggers, 1)
	require.Equal(t, "42", coord.triggers[0].SessionKey)
	require.True(t, coord.triggers[0].UploadsComplete)
	require.NotEmpty(t, coord.triggers[0].TriggerID)
}

func TestHandleFile_IgnoresPartialUploads(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	coord := &recordingCoordinator{}
	w := New(dir, coord, nil)

	path := filepath.Join(dir, "42", "1.jpg.part")
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
	require.NoError(t, os.WriteFile(path, []byte("half"), 0644))

	require.NoError(t, w.HandleFile(path))
	require.FileExists(t, path)
	require.Empty(t, coord.arrivals)
}

func TestRun_PicksUpExistingAndNewFiles(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "old"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "old", "1.jpg"), []byte("a"), 0644))

	coord := &recordingCoordinator{}
	w := New(dir, coord, nil)
	w.debounce = 10 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	<-w.ready

	session := filepath.Join(dir, "new")
	require.NoError(t, os.MkdirAll(session, 0755))
	require.Eventually(t, func() bool {
		// The session directory watch is added asynchronously; keep dropping
		// the file in until it is seen.
		tmp := filepath.Join(session, "2.jpg.part")
		if err := os.WriteFile(tmp, []byte("b"), 0644); err != nil {
			return false
		}
		_ = os.Rename(tmp, filepath.Join(session, "2.jpg"))
		arrivals, _ := coord.snapshot()
		return len(arrivals) >= 2
	}, 5*time.Second, 50*time.Millisecond)

	require.NoError(t, os.WriteFile(filepath.Join(session, TriggerMarker), nil, 0644))
	require.Eventually(t, func() bool {
		_, triggers := coord.snapshot()
		return len(triggers) == 1
	}, 5*time.Second, 20*time.Millisecond)

	arrivals, triggers := coord.snapshot()
	require.Contains(t, arrivals, "old/1.jpg")
	require.Contains(t, arrivals, "new/2.jpg")
	require.Equal(t, "new", triggers[0].SessionKey)
}
