package detect

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/sparklost/presenced/internal/catalog"
	"github.com/sparklost/presenced/internal/dialer"
	"github.com/sparklost/presenced/internal/identity"
	"github.com/sparklost/presenced/internal/rest"
)

type fakeSession struct{}

func (fakeSession) SessionID() string { return "sess-1" }

type sessionReport struct {
	AppID  string `json:"application_id"`
	Closed bool   `json:"closed"`
}

// testClient returns a REST client backed by an httptest server that
// records every activity-session report.
func testClient(t *testing.T) (*rest.Client, func() []sessionReport) {
	t.Helper()
	var mu sync.Mutex
	var reports []sessionReport
	srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v9/activities" {
			http.NotFound(w, r)
			return
		}
		var rep sessionReport
		json.NewDecoder(r.Body).Decode(&rep)
		mu.Lock()
		reports = append(reports, rep)
		mu.Unlock()
		json.NewEncoder(w).Encode(map[string]string{"token": "tok"})
	}))
	t.Cleanup(srv.Close)

	d, err := dialer.New("")
	if err != nil {
		t.Fatalf("dialer: %v", err)
	}
	c, err := rest.New("user-token", srv.URL, identity.Anonymous(), d)
	if err != nil {
		t.Fatalf("rest client: %v", err)
	}
	c.SetHTTPClient(srv.Client())
	return c, func() []sessionReport {
		mu.Lock()
		defer mu.Unlock()
		out := make([]sessionReport, len(reports))
		copy(out, reports)
		return out
	}
}

// writeTestCatalog creates an ndjson catalog file in dir with one entry for
// Foo.exe (Windows) under application id 123.
func writeTestCatalog(t *testing.T, dir string) string {
	t.Helper()
	path := filepath.Join(dir, "detectable_apps_abc_1000000.ndjson")
	line := `["123", "Foo", [[1, "/foo.exe"]]]` + "\n"
	if err := os.WriteFile(path, []byte(line), 0o600); err != nil {
		t.Fatalf("write catalog: %v", err)
	}
	return path
}

func testService(t *testing.T) (*Service, func() []sessionReport) {
	t.Helper()
	dir := t.TempDir()
	api, reports := testClient(t)
	s := New(api, fakeSession{}, nil, dir, 1)
	s.myOS = catalog.OSLinux
	s.catalogPath = writeTestCatalog(t, dir)
	return s, reports
}

func TestWineDetection(t *testing.T) {
	s, reports := testService(t)
	ctx := context.Background()

	// A Wine game launched from a Linux path matches the Windows suffix.
	s.processAdded(ctx, []string{"/home/u/games/Foo/foo.exe"})

	acts := s.Activities(false)
	if len(acts) != 1 {
		t.Fatalf("got %d activities, want 1", len(acts))
	}
	a := acts[0]
	if a["type"] != 0 || a["application_id"] != "123" || a["name"] != "Foo" {
		t.Errorf("unexpected activity: %v", a)
	}
	ts, ok := a["timestamps"].(map[string]any)
	if !ok {
		t.Fatalf("missing timestamps: %v", a)
	}
	start, ok := ts["start"].(int64)
	if !ok || start < time.Now().Add(-time.Minute).UnixMilli() {
		t.Errorf("bad start timestamp: %v", ts["start"])
	}

	// Read-clear until the next change.
	if got := s.Activities(false); got != nil {
		t.Errorf("expected nil on unchanged read, got %v", got)
	}
	if got := s.Activities(true); len(got) != 1 {
		t.Errorf("force read should return snapshot, got %v", got)
	}

	s.processRemoved(ctx, []string{"/home/u/games/Foo/foo.exe"})
	if got := s.Activities(false); len(got) != 0 || got == nil {
		t.Errorf("expected empty non-nil snapshot after removal, got %v", got)
	}

	got := reports()
	if len(got) != 2 {
		t.Fatalf("got %d session reports, want 2", len(got))
	}
	if got[0].AppID != "123" || got[0].Closed {
		t.Errorf("first report should open session: %+v", got[0])
	}
	if got[1].AppID != "123" || !got[1].Closed {
		t.Errorf("second report should close session: %+v", got[1])
	}
}

func TestNullMissMemoized(t *testing.T) {
	s, _ := testService(t)
	ctx := context.Background()

	s.processAdded(ctx, []string{"/usr/bin/unknown"})
	if got := s.Activities(false); got != nil {
		t.Errorf("miss should not produce activity, got %v", got)
	}
	e, ok := s.cache["/usr/bin/unknown"]
	if !ok || e.AppID != "" {
		t.Fatalf("miss should be cached with empty app id, got %+v", e)
	}

	// A second appearance must hit the cache, not the catalog.
	s.catalogPath = "/nonexistent"
	s.processAdded(ctx, []string{"/usr/bin/unknown"})
	if got := s.Activities(false); got != nil {
		t.Errorf("memoized miss should stay a miss, got %v", got)
	}
}

func TestBlacklist(t *testing.T) {
	s, reports := testService(t)
	ctx := context.Background()

	s.processAdded(ctx, []string{"/home/u/games/Foo/foo.exe"})
	if got := s.Activities(false); len(got) != 1 {
		t.Fatalf("expected detection before blacklisting, got %v", got)
	}

	// Blacklisting a running game closes its session and drops the
	// activity.
	s.SetBlacklist(ctx, []string{"123"})
	if got := s.Activities(false); len(got) != 0 || got == nil {
		t.Errorf("expected empty snapshot after blacklist, got %v", got)
	}
	got := reports()
	if len(got) != 2 || !got[1].Closed {
		t.Fatalf("expected closing session report, got %+v", got)
	}

	// While blacklisted, neither appearance nor disappearance reports.
	s.processAdded(ctx, []string{"/home/u/games/Foo/foo.exe"})
	s.processRemoved(ctx, []string{"/home/u/games/Foo/foo.exe"})
	if got := s.Activities(false); got != nil {
		t.Errorf("blacklisted game should not publish, got %v", got)
	}
	if got := reports(); len(got) != 2 {
		t.Errorf("blacklisted game should not report sessions, got %+v", got)
	}

	// Clearing the blacklist re-enables detection on the next pass.
	s.SetBlacklist(ctx, nil)
	s.processAdded(ctx, []string{"/home/u/games/Foo/foo.exe"})
	if got := s.Activities(false); len(got) != 1 {
		t.Errorf("expected detection after unblacklisting, got %v", got)
	}
}

func TestCachePersistenceAndPurge(t *testing.T) {
	s, _ := testService(t)
	ctx := context.Background()

	s.processAdded(ctx, []string{"/home/u/games/Foo/foo.exe"})
	s.saveCacheIfDirty()

	data, err := os.ReadFile(filepath.Join(s.dir, cacheFile))
	if err != nil {
		t.Fatalf("cache not written: %v", err)
	}
	var onDisk map[string]*cacheEntry
	if err := json.Unmarshal(data, &onDisk); err != nil {
		t.Fatalf("cache malformed: %v", err)
	}
	if e := onDisk["/home/u/games/Foo/foo.exe"]; e == nil || e.AppID != "123" {
		t.Fatalf("cache missing detection entry: %v", onDisk)
	}

	// Age one entry past the purge window and add a fresh one.
	onDisk["/home/u/games/Foo/foo.exe"].LastSeen = time.Now().Add(-maxCacheAge - time.Hour).Unix()
	onDisk["/usr/bin/other"] = &cacheEntry{LastSeen: time.Now().Unix()}
	data, _ = json.Marshal(onDisk)
	if err := os.WriteFile(filepath.Join(s.dir, cacheFile), data, 0o600); err != nil {
		t.Fatalf("rewrite cache: %v", err)
	}

	fresh := New(s.api, fakeSession{}, nil, s.dir, 1)
	fresh.loadCache()
	if _, ok := fresh.cache["/home/u/games/Foo/foo.exe"]; ok {
		t.Error("stale entry should be purged on load")
	}
	if _, ok := fresh.cache["/usr/bin/other"]; !ok {
		t.Error("fresh entry should survive load")
	}
}

func TestDetected(t *testing.T) {
	s, _ := testService(t)
	ctx := context.Background()

	s.processAdded(ctx, []string{"/home/u/games/Foo/foo.exe", "/usr/bin/unknown"})
	got := s.Detected()
	if len(got) != 1 || got[0] != [2]string{"123", "Foo"} {
		t.Errorf("unexpected detected list: %v", got)
	}
}

func TestCacheHitRefreshPersists(t *testing.T) {
	s, _ := testService(t)
	ctx := context.Background()

	s.processAdded(ctx, []string{"/home/u/games/Foo/foo.exe"})
	s.saveCacheIfDirty()

	stale := time.Now().Add(-maxCacheAge + time.Hour).Unix()
	s.mu.Lock()
	s.cache["/home/u/games/Foo/foo.exe"].LastSeen = stale
	s.mu.Unlock()

	// A hit on a known path must mark the cache dirty so the refreshed
	// last_seen reaches disk; otherwise a long session that only ever
	// re-sees known games gets purged as stale on the next startup.
	s.lookup("/home/u/games/Foo/foo.exe")
	s.saveCacheIfDirty()

	data, err := os.ReadFile(filepath.Join(s.dir, cacheFile))
	if err != nil {
		t.Fatalf("cache not written: %v", err)
	}
	var onDisk map[string]*cacheEntry
	if err := json.Unmarshal(data, &onDisk); err != nil {
		t.Fatalf("cache malformed: %v", err)
	}
	e := onDisk["/home/u/games/Foo/foo.exe"]
	if e == nil || e.LastSeen <= stale {
		t.Fatalf("refreshed last_seen did not reach disk: %+v", e)
	}
}
