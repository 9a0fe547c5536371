package downloader

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vaultfetch/vaultfetch/internal/testutil"
)

type fakeHub struct {
	mu    sync.Mutex
	types []string
	last  interface{}
}

func (h *fakeHub) Broadcast(msgType string, payload interface{}) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.types = append(h.types, msgType)
	h.last = payload
	return nil
}

func (h *fakeHub) count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.types)
}

func TestStateBroadcaster_BroadcastsOnStartAndTrigger(t *testing.T) {
	env := newTestEnv(t, nil, nil)
	hub := &fakeHub{}
	b := NewStateBroadcaster(env.svc, hub, testutil.NopLogger())

	b.Start()
	defer b.Stop()

	require.Eventually(t, func() bool { return hub.count() >= 1 }, testutil.WaitTimeout, testutil.PollInterval)

	b.Trigger()
	require.Eventually(t, func() bool { return hub.count() >= 2 }, testutil.WaitTimeout, testutil.PollInterval)

	hub.mu.Lock()
	defer hub.mu.Unlock()
	assert.Equal(t, StateMessageType, hub.types[0])
	snap, ok := hub.last.(Snapshot)
	require.True(t, ok)
	assert.Nil(t, snap.Chunks)
	assert.False(t, snap.HasItems)
}

func TestStateBroadcaster_StopIsIdempotent(t *testing.T) {
	env := newTestEnv(t, nil, nil)
	b := NewStateBroadcaster(env.svc, &fakeHub{}, testutil.NopLogger())
	b.Stop()
	b.Start()
	b.Stop()
	b.Stop()
	b.Trigger()
}
