package watcher

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vaultfetch/vaultfetch/internal/manifest"
	"github.com/vaultfetch/vaultfetch/internal/testutil"
)

type fakeStarter struct {
	mu      sync.Mutex
	assets  []string
	engines []string
}

func (f *fakeStarter) StartAsset(a manifest.Asset) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.assets = append(f.assets, a.ID)
	return nil
}

func (f *fakeStarter) StartEngine(e manifest.Engine) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.engines = append(f.engines, e.Version)
	return nil
}

func (f *fakeStarter) started() (assets, engines []string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.assets...), append([]string(nil), f.engines...)
}

const assetDoc = `{"asset":{"id":"a1","label":"Rocks","manifests":[{"release":"r1",
"chunks":[{"guid":"g1","url":"http://example.invalid/g1","size":10}],
"files":[{"filename":"rocks.bin","parts":[{"guid":"g1","offset":0,"size":10}]}]}]}}`

const engineDoc = `
engine:
  version: 5.1.0
  blob_base_url: http://example.invalid/blobs
  digests:
    - digest: sha256:abc
      size: 10
`

// drop writes via a filtered temp name and renames into place, the way
// producers are expected to.
func drop(t *testing.T, dir, name, content string) {
	t.Helper()
	tmp := filepath.Join(dir, name+".part")
	require.NoError(t, os.WriteFile(tmp, []byte(content), 0o644))
	require.NoError(t, os.Rename(tmp, filepath.Join(dir, name)))
}

func startInbox(t *testing.T, dir string) *fakeStarter {
	t.Helper()
	starter := &fakeStarter{}
	svc, err := NewService(dir, starter, testutil.NewTestLogger(t))
	require.NoError(t, err)
	require.NoError(t, svc.Start(context.Background()))
	t.Cleanup(func() { svc.Stop() })
	return starter
}

func TestInbox_PicksUpExistingFiles(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "rocks.json"), []byte(assetDoc), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("ignored"), 0o644))

	starter := startInbox(t, dir)

	assets, _ := starter.started()
	assert.Equal(t, []string{"a1"}, assets)
	assert.FileExists(t, filepath.Join(dir, processedDir, "rocks.json"))
	assert.NoFileExists(t, filepath.Join(dir, "rocks.json"))
	assert.FileExists(t, filepath.Join(dir, "notes.txt"))
}

func TestInbox_WatchesNewFiles(t *testing.T) {
	dir := t.TempDir()
	starter := startInbox(t, dir)

	drop(t, dir, "engine.yaml", engineDoc)
	drop(t, dir, "broken.yml", "engine: [")

	require.Eventually(t, func() bool {
		_, engines := starter.started()
		return len(engines) == 1
	}, testutil.WaitTimeout, testutil.PollInterval)
	_, engines := starter.started()
	assert.Equal(t, []string{"5.1.0"}, engines)

	require.Eventually(t, func() bool {
		_, err := os.Stat(filepath.Join(dir, failedDir, "broken.yml"))
		return err == nil
	}, testutil.WaitTimeout, testutil.PollInterval)
	assert.FileExists(t, filepath.Join(dir, processedDir, "engine.yaml"))
}

func TestWatcher_Accepts(t *testing.T) {
	w := &Watcher{config: Config{Accept: manifest.IsManifestFile}}
	assert.True(t, w.accepts("a.json"))
	assert.True(t, w.accepts("a.YAML"))
	assert.False(t, w.accepts("a.json.part"))
	assert.False(t, w.accepts(".a.json"))
	assert.False(t, w.accepts("a.txt"))
}
