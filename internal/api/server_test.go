package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vaultfetch/vaultfetch/internal/config"
	"github.com/vaultfetch/vaultfetch/internal/downloader"
	"github.com/vaultfetch/vaultfetch/internal/events"
	"github.com/vaultfetch/vaultfetch/internal/scheduler"
	"github.com/vaultfetch/vaultfetch/internal/testutil"
)

type testServer struct {
	*Server
	svc   *downloader.Service
	bus   *events.Bus
	srv   *testutil.ContentServer
	sched *scheduler.Scheduler
}

func setupTestServer(t *testing.T) *testServer {
	t.Helper()

	logger := testutil.NewTestLogger(t)
	root := t.TempDir()
	cfg := config.Default()
	cfg.Storage = config.StorageConfig{
		CacheDir:  filepath.Join(root, "cache"),
		TempDir:   filepath.Join(root, "tmp"),
		VaultDirs: []string{filepath.Join(root, "vault")},
	}
	cfg.Downloads.IncrementBytes = 256

	bus := events.NewBus(20, logger)
	svc := downloader.NewService(downloader.Options{Storage: cfg.Storage, Downloads: cfg.Downloads}, bus, nil, logger)
	ctx, cancel := context.WithCancel(context.Background())
	svc.Start(ctx)
	t.Cleanup(func() {
		cancel()
		svc.Wait()
	})

	sched, err := scheduler.New(logger)
	require.NoError(t, err)
	require.NoError(t, sched.RegisterTask(scheduler.TaskConfig{
		ID: "noop", Name: "Noop", Cron: "0 3 * * *",
		Func: func(context.Context) error { return nil },
	}))

	server := NewServer(cfg, Services{Downloads: svc, Notifications: bus, Scheduler: sched}, logger)
	return &testServer{Server: server, svc: svc, bus: bus, srv: testutil.NewContentServer(t), sched: sched}
}

func (ts *testServer) do(t *testing.T, method, path, contentType, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	rec := httptest.NewRecorder()
	ts.Echo().ServeHTTP(rec, req)
	return rec
}

func (ts *testServer) assetJSON(t *testing.T, id string, hold bool) string {
	t.Helper()
	data := testutil.Payload(4096, 7)
	url := ts.srv.Add("/chunks/"+id, data)
	if hold {
		ts.srv.Hold("/chunks/"+id, 512)
	}
	body, err := json.Marshal(map[string]interface{}{
		"id":    id,
		"label": "Asset " + id,
		"manifests": []map[string]interface{}{{
			"release": "r1",
			"chunks":  []map[string]interface{}{{"guid": "g-" + id, "url": url, "size": len(data)}},
			"files": []map[string]interface{}{{
				"filename": id + ".bin",
				"parts":    []map[string]interface{}{{"guid": "g-" + id, "offset": 0, "size": len(data)}},
			}},
		}},
	})
	require.NoError(t, err)
	return string(body)
}

func TestHealthCheck(t *testing.T) {
	ts := setupTestServer(t)
	rec := ts.do(t, http.MethodGet, "/health", "", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
	assert.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))
}

func TestStatus(t *testing.T) {
	ts := setupTestServer(t)
	rec := ts.do(t, http.MethodGet, "/api/v1/status", "", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, config.Version, body["version"])
	assert.Equal(t, false, body["hasItems"])
	assert.Equal(t, "no-store", rec.Header().Get("Cache-Control"))
}

func TestStartAsset_InvalidManifest(t *testing.T) {
	ts := setupTestServer(t)

	rec := ts.do(t, http.MethodPost, "/api/v1/downloads/assets", "application/json", `{"id":"","manifests":[]}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = ts.do(t, http.MethodPost, "/api/v1/downloads/assets", "application/json", `{not json`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = ts.do(t, http.MethodPost, "/api/v1/downloads/engines", "application/json", `{"version":"1.0"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestDownloadLifecycle(t *testing.T) {
	ts := setupTestServer(t)

	rec := ts.do(t, http.MethodPost, "/api/v1/downloads/assets", "application/json", ts.assetJSON(t, "a1", true))
	require.Equal(t, http.StatusAccepted, rec.Code)
	assert.JSONEq(t, `{"id":"a1","status":"accepted"}`, rec.Body.String())

	require.Eventually(t, func() bool {
		return ts.do(t, http.MethodGet, "/api/v1/downloads/a1", "", "").Code == http.StatusOK
	}, testutil.WaitTimeout, testutil.PollInterval)

	rec = ts.do(t, http.MethodGet, "/api/v1/downloads", "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var snap downloader.Snapshot
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &snap))
	require.Len(t, snap.Items, 1)
	assert.Equal(t, "Asset a1", snap.Items[0].Label)
	assert.True(t, snap.HasItems)
	assert.Nil(t, snap.Chunks)

	rec = ts.do(t, http.MethodPost, "/api/v1/downloads/a1/pause", "", "")
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = ts.do(t, http.MethodDelete, "/api/v1/downloads/a1", "", "")
	assert.Equal(t, http.StatusNoContent, rec.Code)
	ts.srv.ReleaseAll()

	require.Eventually(t, func() bool {
		return ts.do(t, http.MethodGet, "/api/v1/downloads/a1", "", "").Code == http.StatusNotFound
	}, testutil.WaitTimeout, testutil.PollInterval)
}

func TestControls_UnknownItem(t *testing.T) {
	ts := setupTestServer(t)

	for _, tc := range []struct{ method, path string }{
		{http.MethodPost, "/api/v1/downloads/nope/pause"},
		{http.MethodPost, "/api/v1/downloads/nope/resume"},
		{http.MethodDelete, "/api/v1/downloads/nope"},
		{http.MethodGet, "/api/v1/downloads/nope"},
	} {
		rec := ts.do(t, tc.method, tc.path, "", "")
		assert.Equal(t, http.StatusNotFound, rec.Code, "%s %s", tc.method, tc.path)
	}
}

func TestStartDocument_YAML(t *testing.T) {
	ts := setupTestServer(t)

	data := testutil.Payload(1000, 2)
	url := ts.srv.Add("/chunks/y1", data)
	doc := `
asset:
  id: y1
  label: From YAML
  manifests:
    - release: r1
      chunks:
        - guid: gy1
          url: ` + url + `
          size: 1000
      files:
        - filename: y1.bin
          parts:
            - guid: gy1
              offset: 0
              size: 1000
`
	rec := ts.do(t, http.MethodPost, "/api/v1/downloads", "application/yaml", doc)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())

	require.Eventually(t, func() bool {
		for _, n := range ts.bus.RecentNotifications() {
			if n.Kind == "downloadfinished" {
				return true
			}
		}
		return false
	}, testutil.WaitTimeout, testutil.PollInterval)

	rec = ts.do(t, http.MethodPost, "/api/v1/downloads", "application/yaml", "asset: [")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = ts.do(t, http.MethodPost, "/api/v1/downloads", "application/json", `{}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestNotifications_NewestFirst(t *testing.T) {
	ts := setupTestServer(t)
	ts.bus.Notify("a", events.SeverityInfo, "first")
	ts.bus.Notify("b", events.SeverityError, "second")

	rec := ts.do(t, http.MethodGet, "/api/v1/notifications", "", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var notes []events.Notification
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &notes))
	require.Len(t, notes, 2)
	assert.Equal(t, "second", notes[0].Message)
	assert.Equal(t, "first", notes[1].Message)
}

func TestSchedulerEndpoints(t *testing.T) {
	ts := setupTestServer(t)

	rec := ts.do(t, http.MethodGet, "/api/v1/scheduler/tasks", "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var tasks []scheduler.TaskInfo
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &tasks))
	require.Len(t, tasks, 1)
	assert.Equal(t, "noop", tasks[0].ID)

	rec = ts.do(t, http.MethodPost, "/api/v1/scheduler/tasks/noop/run", "", "")
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = ts.do(t, http.MethodPost, "/api/v1/scheduler/tasks/missing/run", "", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = ts.do(t, http.MethodGet, "/api/v1/scheduler/tasks/missing", "", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
