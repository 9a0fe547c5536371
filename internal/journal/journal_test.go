package journal

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vaultfetch/vaultfetch/internal/testutil"
)

func newStore(t *testing.T) *Store {
	t.Helper()
	tdb := testutil.NewTestDB(t)
	return NewStore(tdb.Conn, tdb.Logger)
}

func TestStore_SaveAndGet(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	payload, err := Encode(map[string]string{"id": "a1"})
	require.NoError(t, err)
	require.NoError(t, s.Save(ctx, Entry{ID: "a1", Kind: "asset", Label: "Rocks", Payload: payload}))

	e, err := s.Get(ctx, "a1")
	require.NoError(t, err)
	assert.Equal(t, "asset", e.Kind)
	assert.Equal(t, "Rocks", e.Label)
	assert.Equal(t, StatusDownloading, e.Status)
	assert.Nil(t, e.FinishedAt)

	var decoded map[string]string
	require.NoError(t, Decode(e.Payload, &decoded))
	assert.Equal(t, "a1", decoded["id"])
}

func TestStore_GetMissing(t *testing.T) {
	s := newStore(t)
	_, err := s.Get(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestStore_SetStatus(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	require.NoError(t, s.Save(ctx, Entry{ID: "a1", Kind: "asset", Payload: []byte("{}")}))

	require.NoError(t, s.SetStatus(ctx, "a1", StatusPaused))
	e, err := s.Get(ctx, "a1")
	require.NoError(t, err)
	assert.Equal(t, StatusPaused, e.Status)
	assert.Nil(t, e.FinishedAt)

	require.NoError(t, s.SetStatus(ctx, "a1", StatusCompleted))
	e, err = s.Get(ctx, "a1")
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, e.Status)
	assert.NotNil(t, e.FinishedAt)

	assert.ErrorIs(t, s.SetStatus(ctx, "missing", StatusPaused), ErrNotFound)
}

func TestStore_SaveRestartsFinishedEntry(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	require.NoError(t, s.Save(ctx, Entry{ID: "a1", Kind: "asset", Payload: []byte("{}")}))
	require.NoError(t, s.SetStatus(ctx, "a1", StatusCancelled))

	require.NoError(t, s.Save(ctx, Entry{ID: "a1", Kind: "asset", Label: "again", Payload: []byte("{}")}))
	e, err := s.Get(ctx, "a1")
	require.NoError(t, err)
	assert.Equal(t, StatusDownloading, e.Status)
	assert.Equal(t, "again", e.Label)
	assert.Nil(t, e.FinishedAt)
}

func TestStore_ListUnfinished(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	for _, id := range []string{"a", "b", "c"} {
		require.NoError(t, s.Save(ctx, Entry{ID: id, Kind: "asset", Payload: []byte("{}")}))
	}
	require.NoError(t, s.SetStatus(ctx, "b", StatusPaused))
	require.NoError(t, s.SetStatus(ctx, "c", StatusCompleted))

	entries, err := s.ListUnfinished(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 2)

	got := map[string]Status{}
	for _, e := range entries {
		got[e.ID] = e.Status
	}
	assert.Equal(t, map[string]Status{"a": StatusDownloading, "b": StatusPaused}, got)
}

func TestStore_Purge(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	require.NoError(t, s.Save(ctx, Entry{ID: "done", Kind: "asset", Payload: []byte("{}")}))
	require.NoError(t, s.Save(ctx, Entry{ID: "live", Kind: "engine", Payload: []byte("{}")}))
	require.NoError(t, s.SetStatus(ctx, "done", StatusCompleted))

	n, err := s.Purge(ctx, time.Now().Add(-time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(0), n)

	n, err = s.Purge(ctx, time.Now().Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	_, err = s.Get(ctx, "done")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = s.Get(ctx, "live")
	assert.NoError(t, err)
}

func TestStatusFinished(t *testing.T) {
	assert.True(t, StatusCompleted.Finished())
	assert.True(t, StatusCancelled.Finished())
	assert.False(t, StatusPaused.Finished())
	assert.False(t, StatusDownloading.Finished())
}
