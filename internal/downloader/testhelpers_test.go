package downloader

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/vaultfetch/vaultfetch/internal/config"
	"github.com/vaultfetch/vaultfetch/internal/events"
	"github.com/vaultfetch/vaultfetch/internal/manifest"
	"github.com/vaultfetch/vaultfetch/internal/testutil"
)

const testIncrement = 256

type testEnv struct {
	svc    *Service
	bus    *events.Bus
	srv    *testutil.ContentServer
	rec    *recorder
	vault  string
	cache  string
	cancel context.CancelFunc
}

type recorder struct {
	mu     sync.Mutex
	events []events.Event
}

func (r *recorder) handle(e events.Event) {
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
}

func (r *recorder) count(t events.Type) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.events {
		if e.Type == t {
			n++
		}
	}
	return n
}

func (r *recorder) removed(id string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var reasons []string
	for _, e := range r.events {
		if p, ok := e.Payload.(events.ItemPayload); ok && e.Type == events.TypeItemRemoved && p.ID == id {
			reasons = append(reasons, p.Reason)
		}
	}
	return reasons
}

func testOptions(t *testing.T) Options {
	root := t.TempDir()
	return Options{
		Storage: config.StorageConfig{
			CacheDir:  filepath.Join(root, "cache"),
			TempDir:   filepath.Join(root, "tmp"),
			VaultDirs: []string{filepath.Join(root, "vault")},
		},
		Downloads: config.DownloadsConfig{
			DownloadWorkers:  5,
			ThumbnailWorkers: 1,
			ImageWorkers:     1,
			FileWorkers:      1,
			IncrementBytes:   testIncrement,
		},
	}
}

// newTestEnv starts a service; mutate adjusts options before start.
func newTestEnv(t *testing.T, j Journal, mutate func(*Options)) *testEnv {
	t.Helper()
	opts := testOptions(t)
	if mutate != nil {
		mutate(&opts)
	}
	logger := testutil.NewTestLogger(t)
	bus := events.NewBus(50, logger)
	rec := &recorder{}
	bus.Subscribe(rec.handle)

	svc := NewService(opts, bus, j, logger)
	ctx, cancel := context.WithCancel(context.Background())
	svc.Start(ctx)

	env := &testEnv{
		svc:    svc,
		bus:    bus,
		srv:    testutil.NewContentServer(t),
		rec:    rec,
		vault:  opts.Storage.VaultDirs[0],
		cache:  opts.Storage.CacheDir,
		cancel: cancel,
	}
	t.Cleanup(func() {
		cancel()
		svc.Wait()
	})
	return env
}

// manualService builds a service whose loop is not running, so handlers can
// be driven directly from the test goroutine.
func manualService(t *testing.T) (*Service, *recorder) {
	t.Helper()
	logger := testutil.NewTestLogger(t)
	bus := events.NewBus(50, logger)
	rec := &recorder{}
	bus.Subscribe(rec.handle)
	return NewService(testOptions(t), bus, nil, logger), rec
}

func (e *testEnv) snapshot(t *testing.T) Snapshot {
	t.Helper()
	snap, err := e.svc.Snapshot(context.Background())
	require.NoError(t, err)
	return snap
}

func (e *testEnv) waitFor(t *testing.T, msg string, cond func(Snapshot) bool) {
	t.Helper()
	require.Eventually(t, func() bool {
		snap, err := e.svc.Snapshot(context.Background())
		return err == nil && cond(snap)
	}, testutil.WaitTimeout, testutil.PollInterval, msg)
}

func (e *testEnv) waitGone(t *testing.T, id string) {
	t.Helper()
	e.waitFor(t, "item "+id+" should finish", func(s Snapshot) bool {
		_, ok := s.Item(id)
		return !ok
	})
}

func (e *testEnv) chunkPath(release, guid string) string {
	return filepath.Join(e.vault, release, "temp", guid+".chunk")
}

func (e *testEnv) finalPath(release, filename string) string {
	return filepath.Join(e.vault, release, "data", filename)
}

// chunkSpec describes a served chunk.
type chunkSpec struct {
	guid string
	data []byte
}

// addChunks serves the chunks and returns their manifest entries.
func (e *testEnv) addChunks(specs ...chunkSpec) []manifest.Chunk {
	out := make([]manifest.Chunk, 0, len(specs))
	for _, c := range specs {
		url := e.srv.Add("/chunks/"+c.guid, c.data)
		out = append(out, manifest.Chunk{GUID: c.guid, URL: url, Size: int64(len(c.data))})
	}
	return out
}

// wholeFile is a file made of complete chunks in order.
func wholeFile(name string, specs ...chunkSpec) manifest.File {
	f := manifest.File{Filename: name}
	for _, c := range specs {
		f.Parts = append(f.Parts, manifest.Part{GUID: c.guid, Offset: 0, Size: int64(len(c.data))})
	}
	return f
}

func concat(specs ...chunkSpec) []byte {
	var out []byte
	for _, c := range specs {
		out = append(out, c.data...)
	}
	return out
}

func sha1Hex(b []byte) string {
	sum := sha1.Sum(b)
	return hex.EncodeToString(sum[:])
}
