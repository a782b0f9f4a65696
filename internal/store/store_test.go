package store

import (
	"database/sql"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type runDoc struct {
	ID        string    `json:"id"`
	Phase     string    `json:"phase"`
	Steps     []string  `json:"steps"`
	StartedAt time.Time `json:"started_at"`
}

func openTestStore(t *testing.T) *DocumentStore {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "store.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestRoundTrip(t *testing.T) {
	s := openTestStore(t)

	want := runDoc{
		ID:        "run-1",
		Phase:     "plan",
		Steps:     []string{"draft", "review"},
		StartedAt: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC),
	}
	require.NoError(t, s.Set("runs", want.ID, want))

	var got runDoc
	require.NoError(t, s.Get("runs", "run-1", &got))
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("document mismatch (-want +got):\n%s", diff)
	}
}

func TestSetOverwrites(t *testing.T) {
	s := openTestStore(t)

	require.NoError(t, s.Set("runs", "run-1", runDoc{ID: "run-1", Phase: "plan"}))
	require.NoError(t, s.Set("runs", "run-1", runDoc{ID: "run-1", Phase: "execute"}))

	var got runDoc
	require.NoError(t, s.Get("runs", "run-1", &got))
	assert.Equal(t, "execute", got.Phase)

	ids, err := s.List("runs")
	require.NoError(t, err)
	assert.Equal(t, []string{"run-1"}, ids)
}

func TestGetMissing(t *testing.T) {
	s := openTestStore(t)

	var got runDoc
	err := s.Get("runs", "nope", &got)
	assert.True(t, errors.Is(err, sql.ErrNoRows))
}

func TestListAndDelete(t *testing.T) {
	s := openTestStore(t)

	require.NoError(t, s.Set("runs", "a", runDoc{ID: "a"}))
	require.NoError(t, s.Set("runs", "b", runDoc{ID: "b"}))
	require.NoError(t, s.Set("telemetry", "t1", map[string]int{"tokens": 10}))

	ids, err := s.List("runs")
	require.NoError(t, err)
	assert.Len(t, ids, 2)

	require.NoError(t, s.Delete("runs", "a"))
	ids, err = s.List("runs")
	require.NoError(t, err)
	assert.Equal(t, []string{"b"}, ids)

	// Collections are independent.
	ids, err = s.List("telemetry")
	require.NoError(t, err)
	assert.Equal(t, []string{"t1"}, ids)

	// Deleting a missing document is a no-op.
	assert.NoError(t, s.Delete("runs", "gone"))
}

func TestExists(t *testing.T) {
	s := openTestStore(t)

	ok, err := s.Exists("runs", "a")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s.Set("runs", "a", runDoc{ID: "a"}))
	ok, err = s.Exists("runs", "a")
	require.NoError(t, err)
	assert.True(t, ok)
}
