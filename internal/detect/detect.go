// Package detect runs the game-detection service: it keeps the
// detectable-applications catalog fresh, diffs the user's process table
// on a fixed cadence, and turns recognized executables into activities
// plus activity-session reports.
package detect

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"time"

	"github.com/sparklost/presenced/internal/catalog"
	"github.com/sparklost/presenced/internal/logger"
	"github.com/sparklost/presenced/internal/procscan"
	"github.com/sparklost/presenced/internal/rest"
)

const (
	scanInterval = 5 * time.Second
	maxCacheAge  = 7 * 24 * time.Hour
	cacheFile    = "detected_apps_cache.json"
)

// SessionSource provides the gateway session id activity-session
// reports are tied to.
type SessionSource interface {
	SessionID() string
}

// cacheEntry memoizes one catalog lookup by process path. A miss is
// stored with an empty AppID so unknown executables are not re-scanned
// against the catalog every time they appear.
type cacheEntry struct {
	AppID    string `json:"app_id"`
	AppName  string `json:"app_name"`
	AppPath  string `json:"app_path"`
	LastSeen int64  `json:"last_seen"`
}

// Service is the detection loop plus its caches.
type Service struct {
	api       *rest.Client
	session   SessionSource
	scanner   *procscan.Scanner
	dir       string
	delayDays int
	myOS      int

	mu          sync.Mutex
	blacklist   map[string]bool
	cache       map[string]*cacheEntry
	cacheDirty  bool
	activities  []map[string]any
	changed     bool
	catalogPath string
}

// New builds the service. dir is the config directory holding the
// catalog and detection caches.
func New(api *rest.Client, session SessionSource, blacklist []string, dir string, downloadDelayDays int) *Service {
	s := &Service{
		api:       api,
		session:   session,
		scanner:   procscan.New(),
		dir:       dir,
		delayDays: downloadDelayDays,
		myOS:      -1,
		blacklist: make(map[string]bool),
		cache:     make(map[string]*cacheEntry),
	}
	switch runtime.GOOS {
	case "linux":
		s.myOS = catalog.OSLinux
	case "windows":
		s.myOS = catalog.OSWindows
	case "darwin":
		s.myOS = catalog.OSDarwin
	}
	for _, id := range blacklist {
		if id != "" {
			s.blacklist[id] = true
		}
	}
	return s
}

// Run refreshes the catalog, then scans until ctx is cancelled or the
// scanner fails. A missing catalog disables the service without error.
func (s *Service) Run(ctx context.Context) error {
	if s.myOS < 0 {
		logger.Warn("game detection not available on this platform", "os", runtime.GOOS)
		return nil
	}

	if err := s.refreshCatalog(ctx); err != nil {
		logger.Warn("could not start game detection", "error", err)
		return nil
	}

	s.loadCache()

	// Seed last-seen times for processes already running, then reset so
	// the first loop pass reports them as added.
	if added, _, err := s.scanner.Diff(); err == nil {
		now := time.Now().Unix()
		s.mu.Lock()
		for _, path := range added {
			if e, ok := s.cache[path]; ok {
				e.LastSeen = now
				s.cacheDirty = true
			}
		}
		s.mu.Unlock()
	}
	s.scanner.Reset()

	logger.Info("game detection service started")
	ticker := time.NewTicker(scanInterval)
	defer ticker.Stop()
	for {
		added, removed, err := s.scanner.Diff()
		if err != nil {
			logger.Error("game detection service stopped", "error", err)
			return err
		}
		s.processAdded(ctx, added)
		s.processRemoved(ctx, removed)
		s.saveCacheIfDirty()

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// refreshCatalog downloads a new detectable-applications list when the
// cached one is older than the configured delay.
func (s *Service) refreshCatalog(ctx context.Context) error {
	oldPath, oldEtag, saveTime := catalog.FindFile(s.dir)
	if oldPath != "" && !catalog.NeedsRefresh(saveTime, s.delayDays) {
		s.catalogPath = oldPath
		return nil
	}

	path, etag, err := catalog.Download(ctx, s.api, s.dir, oldEtag)
	if errors.Is(err, rest.ErrNotModified) {
		s.catalogPath = oldPath
		return nil
	}
	if err != nil {
		return err
	}
	if etag != oldEtag {
		logger.Info("downloaded new detectable applications list", "etag", etag)
	}
	s.catalogPath = path
	return nil
}

func (s *Service) loadCache() {
	data, err := os.ReadFile(filepath.Join(s.dir, cacheFile))
	if err != nil {
		return
	}
	var cache map[string]*cacheEntry
	if err := json.Unmarshal(data, &cache); err != nil {
		return
	}
	cutoff := time.Now().Add(-maxCacheAge).Unix()
	s.mu.Lock()
	defer s.mu.Unlock()
	for path, e := range cache {
		if e.LastSeen < cutoff {
			continue
		}
		s.cache[path] = e
	}
}

func (s *Service) saveCacheIfDirty() {
	s.mu.Lock()
	if !s.cacheDirty {
		s.mu.Unlock()
		return
	}
	s.cacheDirty = false
	data, err := json.MarshalIndent(s.cache, "", "  ")
	s.mu.Unlock()
	if err != nil {
		return
	}
	if err := os.WriteFile(filepath.Join(s.dir, cacheFile), data, 0o600); err != nil {
		logger.Warn("failed to save detection cache", "error", err)
	}
}

// lookup resolves a process path to a catalog entry, memoizing both
// hits and misses.
func (s *Service) lookup(procPath string) *cacheEntry {
	s.mu.Lock()
	if e, ok := s.cache[procPath]; ok {
		e.LastSeen = time.Now().Unix()
		s.cacheDirty = true
		s.mu.Unlock()
		return e
	}
	s.mu.Unlock()

	id, name, suffix := catalog.Find(procPath, s.catalogPath, s.myOS)
	e := &cacheEntry{AppID: id, AppName: name, AppPath: suffix, LastSeen: time.Now().Unix()}
	s.mu.Lock()
	s.cache[procPath] = e
	s.cacheDirty = true
	s.mu.Unlock()
	return e
}

func (s *Service) processAdded(ctx context.Context, paths []string) {
	for _, procPath := range paths {
		e := s.lookup(procPath)
		if e.AppID == "" || s.blacklisted(e.AppID) {
			continue
		}

		if err := s.api.SendActivitySession(ctx, e.AppID, e.AppPath, false, s.session.SessionID()); err != nil {
			logger.Warn("activity session update failed", "app", e.AppName, "error", err)
		}
		s.mu.Lock()
		s.activities = append(s.activities, map[string]any{
			"type":           0,
			"application_id": e.AppID,
			"name":           e.AppName,
			"timestamps":     map[string]any{"start": time.Now().UnixMilli()},
		})
		s.changed = true
		s.mu.Unlock()
		logger.Info("game added to activities", "name", e.AppName, "app_id", e.AppID)
	}
}

func (s *Service) processRemoved(ctx context.Context, paths []string) {
	for _, procPath := range paths {
		s.mu.Lock()
		e, ok := s.cache[procPath]
		s.mu.Unlock()
		if !ok || e.AppID == "" || s.blacklisted(e.AppID) {
			continue
		}

		if err := s.api.SendActivitySession(ctx, e.AppID, e.AppPath, true, s.session.SessionID()); err != nil {
			logger.Warn("activity session update failed", "app", e.AppName, "error", err)
		}
		s.dropActivity(e.AppID)
		logger.Info("game removed from activities", "name", e.AppName)
	}
}

func (s *Service) dropActivity(appID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, a := range s.activities {
		if a["application_id"] == appID {
			s.activities = append(s.activities[:i], s.activities[i+1:]...)
			break
		}
	}
	s.changed = true
}

func (s *Service) blacklisted(appID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.blacklist[appID]
}

// Activities returns detected-game activities when they changed since
// the last call (or force is set), nil otherwise.
func (s *Service) Activities(force bool) []map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.changed && !force {
		return nil
	}
	s.changed = false
	out := make([]map[string]any, len(s.activities))
	copy(out, s.activities)
	return out
}

// Detected lists every game the cache has identified.
func (s *Service) Detected() [][2]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out [][2]string
	for _, e := range s.cache {
		if e.AppID != "" {
			out = append(out, [2]string{e.AppID, e.AppName})
		}
	}
	return out
}

// SetBlacklist replaces the blacklist. Newly blacklisted games that are
// currently detected get a closing activity-session report and their
// activity dropped; the scanner cache is reset so everything is
// re-evaluated on the next pass.
func (s *Service) SetBlacklist(ctx context.Context, ids []string) {
	s.mu.Lock()
	s.blacklist = make(map[string]bool, len(ids))
	for _, id := range ids {
		if id != "" {
			s.blacklist[id] = true
		}
	}
	var closing []*cacheEntry
	for _, e := range s.cache {
		if e.AppID != "" && s.blacklist[e.AppID] {
			closing = append(closing, e)
		}
	}
	s.mu.Unlock()
	s.scanner.Reset()

	for _, e := range closing {
		if err := s.api.SendActivitySession(ctx, e.AppID, e.AppPath, true, s.session.SessionID()); err != nil {
			logger.Warn("activity session update failed", "app", e.AppName, "error", err)
		}
		s.dropActivity(e.AppID)
		logger.Info("game removed from activities", "name", e.AppName)
	}
}
