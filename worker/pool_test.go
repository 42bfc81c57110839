package worker

import (
	"context"
	"encoding/json"
	"io"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"pagebinder/config"
	"pagebinder/models"
)

type memObjects struct {
	mu      sync.Mutex
	objects map[string][]byte
	removed []string
}

func (m *memObjects) Open(_ context.Context, key string) (io.ReadCloser, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.objects[key]
	if !ok {
		return nil, os.ErrNotExist
	}
	return io.NopCloser(strings.NewReader(string(data))), nil
}

func (m *memObjects) Remove(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.removed = append(m.removed, key)
	return nil
}

func encodeEvent(t *testing.T, ev models.Event) string {
	t.Helper()
	b, err := json.Marshal(ev)
	require.NoError(t, err)
	return string(b)
}

func newTestPool(t *testing.T, conv Converter) (*Pool, *harness, *memObjects) {
	t.Helper()

	h := newHarness(t, conv, true)
	objects := &memObjects{objects: map[string][]byte{
		"uploads/42/2_b.jpg": jpegBytes(t, 10, 6),
		"uploads/42/1_a.jpg": jpegBytes(t, 20, 6),
	}}
	cfg := &config.Config{DeleteConsumedUploads: true, StaleEventAfter: time.Minute}
	return NewPool(cfg, nil, h.coord, objects, h.notifier, nil), h, objects
}

func TestPool_ProcessArrivalsThenTrigger(t *testing.T) {
	t.Parallel()

	pool, h, objects := newTestPool(t, nil)
	ctx := context.Background()

	require.NoError(t, pool.process(ctx, encodeEvent(t, models.Event{Type: models.EventArrival, Session: "42", S3Key: "uploads/42/2_b.jpg"})))
	require.NoError(t, pool.process(ctx, encodeEvent(t, models.Event{Type: models.EventArrival, Session: "42", S3Key: "uploads/42/1_a.jpg", Name: "scan.jpg", SequenceHint: "1"})))
	require.Equal(t, []string{"uploads/42/2_b.jpg", "uploads/42/1_a.jpg"}, objects.removed)
	require.Equal(t, 2, h.area.Pending("42"))

	require.NoError(t, pool.process(ctx, encodeEvent(t, models.Event{Type: models.EventTrigger, Session: "42", TriggerID: "t", UploadsComplete: true})))
	h.coord.Wait()

	require.Equal(t, []int{20, 10}, h.merger.widths)
	recs := h.ledger.records()
	require.Len(t, recs, 1)
	require.True(t, recs[0].Succeeded)
}

func TestPool_ProcessRejectsBadEvents(t *testing.T) {
	t.Parallel()

	pool, _, _ := newTestPool(t, nil)
	ctx := context.Background()

	require.Error(t, pool.process(ctx, "{not json"))
	require.Error(t, pool.process(ctx, encodeEvent(t, models.Event{Type: "bogus", Session: "42"})))
	require.Error(t, pool.process(ctx, encodeEvent(t, models.Event{Type: models.EventArrival, Session: "42"})))
	require.ErrorIs(t, pool.process(ctx, encodeEvent(t, models.Event{Type: models.EventArrival, Session: "42", S3Key: "missing"})), os.ErrNotExist)
}

func TestPool_BusyTriggerNotifiesInsteadOfFailing(t *testing.T) {
	t.Parallel()

	conv := newBlockingConverter()
	pool, h, _ := newTestPool(t, conv)
	ctx := context.Background()

	trigger := encodeEvent(t, models.Event{Type: models.EventTrigger, Session: "42", UploadsComplete: true})
	require.NoError(t, pool.process(ctx, trigger))
	<-conv.entered

	require.NoError(t, pool.process(ctx, trigger))
	require.Equal(t, []string{msgBusy}, h.notifier.messages("42"))

	close(conv.release)
	h.coord.Wait()
}

func TestStale(t *testing.T) {
	t.Parallel()

	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	old := encodeEvent(t, models.Event{Type: models.EventTrigger, Session: "1", CreatedAt: now.Add(-10 * time.Minute)})
	fresh := encodeEvent(t, models.Event{Type: models.EventTrigger, Session: "1", CreatedAt: now.Add(-time.Second)})
	undated := encodeEvent(t, models.Event{Type: models.EventTrigger, Session: "1"})

	require.True(t, stale(old, now, 5*time.Minute))
	require.False(t, stale(fresh, now, 5*time.Minute))
	require.False(t, stale(undated, now, 5*time.Minute))
	require.True(t, stale("garbage", now, 5*time.Minute))
}
