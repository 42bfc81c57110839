package staging

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"pagebinder/models"
)

func TestParseSequenceKey(t *testing.T) {
	t.Parallel()

	tests := []struct {
		hint  string
		want  models.SequenceKey
		valid bool
	}{
		{"2_b.jpg", 2, true},
		{"10-page.png", 10, true},
		{"7.jpg", 7, true},
		{"0042 scan.jpg", 42, true},
		{"123", 123, true},
		{"x_c.jpg", models.Unsequenced, false},
		{"_a.jpg", models.Unsequenced, false},
		{"", models.Unsequenced, false},
		{"-3_neg.jpg", models.Unsequenced, false},
		{"12a_b.jpg", models.Unsequenced, false},
		{"99999999999999999999_big.jpg", models.Unsequenced, false},
	}

	for _, tt := range tests {
		t.Run(tt.hint, func(t *testing.T) {
			got, ok := ParseSequenceKey(tt.hint)
			if got != tt.want || ok != tt.valid {
				t.Errorf("ParseSequenceKey(%q) = (%d, %v), want (%d, %v)", tt.hint, got, ok, tt.want, tt.valid)
			}
		})
	}
}

func TestValidateSessionKey(t *testing.T) {
	t.Parallel()

	for _, key := range []string{"", ".", "..", "a/b", `a\b`} {
		require.ErrorIs(t, ValidateSessionKey(key), ErrInvalidSessionKey, key)
	}
	require.NoError(t, ValidateSessionKey("123456789"))
}

func TestArea_OpenIsIdempotent(t *testing.T) {
	t.Parallel()

	area := NewArea(t.TempDir(), nil, nil)

	in1, out1, err := area.Open("42")
	require.NoError(t, err)
	in2, out2, err := area.Open("42")
	require.NoError(t, err)

	require.Equal(t, in1, in2)
	require.Equal(t, out1, out2)
	require.DirExists(t, in1)
	require.DirExists(t, out1)
	require.Equal(t, IncomingDir, filepath.Base(in1))
	require.Equal(t, OutgoingDir, filepath.Base(out1))
}

func TestArea_StoreAndSnapshot(t *testing.T) {
	t.Parallel()

	area := NewArea(t.TempDir(), nil, nil)

	names := []string{"2_b.jpg", "1_a.jpg", "x_c.jpg", "1_a.jpg"}
	for _, name := range names {
		_, err := area.Store("s1", name, name, strings.NewReader("data-"+name))
		require.NoError(t, err)
	}

	snap := area.Snapshot("s1")
	require.Len(t, snap, len(names))

	seen := map[string]bool{}
	for i, f := range snap {
		require.Equal(t, names[i], f.OriginalName, "snapshot must keep arrival order")
		require.False(t, seen[f.Path], "paths must be unique")
		seen[f.Path] = true
		require.FileExists(t, f.Path)
		require.Equal(t, "jpg", f.Extension)
		require.Equal(t, int64(len("data-"+f.OriginalName)), f.SizeBytes)
	}
	require.Equal(t, models.SequenceKey(2), snap[0].SequenceKey)
	require.Equal(t, models.Unsequenced, snap[2].SequenceKey)
	require.Less(t, snap[0].ArrivalIndex, snap[1].ArrivalIndex)

	// A snapshot is a copy.
	snap[0].OriginalName = "mutated"
	require.Equal(t, "2_b.jpg", area.Snapshot("s1")[0].OriginalName)
	require.Empty(t, area.Snapshot("other"))
}

type failingReader struct{ err error }

func (r failingReader) Read([]byte) (int, error) { return 0, r.err }

func TestArea_StoreFailureDoesNotAffectSiblings(t *testing.T) {
	t.Parallel()

	area := NewArea(t.TempDir(), nil, nil)

	_, err := area.Store("s1", "1_ok.jpg", "1_ok.jpg", strings.NewReader("ok"))
	require.NoError(t, err)

	diskFull := errors.New("no space left on device")
	_, err = area.Store("s1", "2_bad.jpg", "2_bad.jpg", failingReader{err: diskFull})
	require.ErrorIs(t, err, diskFull)

	_, err = area.Store("s1", "3_ok.jpg", "3_ok.jpg", strings.NewReader("ok"))
	require.NoError(t, err)

	snap := area.Snapshot("s1")
	require.Len(t, snap, 2)

	in, _, err := area.Open("s1")
	require.NoError(t, err)
	entries, err := os.ReadDir(in)
	require.NoError(t, err)
	require.Len(t, entries, 2, "failed write must not leave a partial file")
}

func TestArea_StoreSanitizesNames(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	area := NewArea(root, nil, nil)

	f, err := area.Store("s1", "../../etc/passwd", "1", strings.NewReader("x"))
	require.NoError(t, err)
	require.Equal(t, filepath.Join(root, "s1", IncomingDir), filepath.Dir(f.Path))

	_, err = area.Store("../escape", "a.jpg", "1", strings.NewReader("x"))
	require.ErrorIs(t, err, ErrInvalidSessionKey)
}

func TestArea_OutputPath(t *testing.T) {
	t.Parallel()

	area := NewArea("/var/staging", nil, nil)
	require.Equal(t, "/var/staging/7/outgoing/result_991.pdf", area.OutputPath("7", "991"))
}

func TestArea_PurgeForgetsEntries(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	area := NewArea(root, NewCleaner(root, 0, nil), nil)

	_, err := area.Store("s1", "1_a.jpg", "1_a.jpg", strings.NewReader("a"))
	require.NoError(t, err)
	require.Equal(t, 1, area.Pending("s1"))

	failures := area.Purge(context.Background(), "s1")
	require.True(t, failures.Empty(), failures.String())
	require.Zero(t, area.Pending("s1"))
	require.NoDirExists(t, filepath.Join(root, "s1"))
}
