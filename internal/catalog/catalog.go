// Package catalog maintains the on-disk copy of Discord's detectable
// applications list. The download is tens of MB of JSON, so the response
// body is parsed incrementally and persisted one entry per line:
//
//	detectable_apps_<etag>_<epoch/1000>.ndjson
//	["app_id", "App Name", [[os, "/suffix"], ...]]
//
// At most one catalog file exists per data directory.
package catalog

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/sparklost/presenced/internal/logger"
	"github.com/sparklost/presenced/internal/rest"
)

// OS codes used in catalog entries and by the scanner.
const (
	OSLinux   = 0
	OSWindows = 1
	OSDarwin  = 2
)

const filePrefix = "detectable_apps_"

// Executable is one (os, path-suffix) pair of a catalog entry. Suffixes
// are stored lowercased with a leading "/".
type Executable struct {
	OS   int
	Path string
}

// Entry is a detectable application.
type Entry struct {
	ID          string
	Name        string
	Executables []Executable
}

// rawEntry is the upstream descriptor shape; only the retained fields are
// declared.
type rawEntry struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Executables []struct {
		OS   string `json:"os"`
		Name string `json:"name"`
	} `json:"executables"`
}

func osCode(os string) (int, bool) {
	switch os {
	case "linux":
		return OSLinux, true
	case "win32":
		return OSWindows, true
	case "darwin":
		return OSDarwin, true
	}
	return 0, false
}

// compact converts an upstream descriptor into an Entry, returning false
// when no executable survives.
func compact(raw *rawEntry) (Entry, bool) {
	e := Entry{ID: raw.ID, Name: raw.Name}
	for _, exe := range raw.Executables {
		code, ok := osCode(exe.OS)
		if !ok {
			continue
		}
		p := strings.ToLower(exe.Name)
		if !strings.HasPrefix(p, "/") {
			p = "/" + p
		}
		e.Executables = append(e.Executables, Executable{OS: code, Path: p})
	}
	return e, len(e.Executables) > 0
}

// MarshalJSON writes the compact array form used in the ndjson file.
func (e Entry) MarshalJSON() ([]byte, error) {
	exes := make([][2]any, 0, len(e.Executables))
	for _, exe := range e.Executables {
		exes = append(exes, [2]any{exe.OS, exe.Path})
	}
	return json.Marshal([]any{e.ID, e.Name, exes})
}

// UnmarshalJSON reads the compact array form.
func (e *Entry) UnmarshalJSON(data []byte) error {
	var arr []json.RawMessage
	if err := json.Unmarshal(data, &arr); err != nil {
		return err
	}
	if len(arr) != 3 {
		return fmt.Errorf("catalog line has %d elements, want 3", len(arr))
	}
	if err := json.Unmarshal(arr[0], &e.ID); err != nil {
		return err
	}
	if err := json.Unmarshal(arr[1], &e.Name); err != nil {
		return err
	}
	var exes [][2]json.RawMessage
	if err := json.Unmarshal(arr[2], &exes); err != nil {
		return err
	}
	e.Executables = e.Executables[:0]
	for _, pair := range exes {
		var exe Executable
		if err := json.Unmarshal(pair[0], &exe.OS); err != nil {
			return err
		}
		if err := json.Unmarshal(pair[1], &exe.Path); err != nil {
			return err
		}
		e.Executables = append(e.Executables, exe)
	}
	return nil
}

// FindFile locates the current catalog file in dir and decodes the etag
// and save time from its name. Returns "" path when none exists.
func FindFile(dir string) (path, etag string, saveTime time.Time) {
	matches, err := filepath.Glob(filepath.Join(dir, filePrefix+"*.ndjson"))
	if err != nil || len(matches) == 0 {
		return "", "", time.Time{}
	}
	path = matches[0]
	name := strings.TrimSuffix(filepath.Base(path), ".ndjson")
	parts := strings.Split(name, "_")
	// detectable_apps_<etag>_<epoch/1000>
	if len(parts) >= 3 {
		etag = parts[2]
	}
	if len(parts) >= 4 {
		if n, err := strconv.ParseInt(parts[3], 10, 64); err == nil {
			saveTime = time.Unix(n*1000, 0)
		}
	}
	return path, etag, saveTime
}

// NeedsRefresh reports whether the catalog saved at saveTime is stale
// given the configured delay in days. A zero delay always refreshes.
func NeedsRefresh(saveTime time.Time, delayDays int) bool {
	if delayDays == 0 {
		return true
	}
	return time.Since(saveTime) > time.Duration(delayDays)*24*time.Hour
}

// Download fetches /applications/detectable with etag revalidation and
// writes the compact ndjson file into dir, atomically replacing any prior
// catalog file. It returns the file path and the (possibly unchanged)
// etag. A 304 returns rest.ErrNotModified; the caller keeps the old file.
func Download(ctx context.Context, c *rest.Client, dir, etag string) (string, string, error) {
	var extra http.Header
	if etag != "" {
		extra = http.Header{"If-None-Match": []string{`W/"` + etag + `"`}}
	}
	resp, err := c.Request(ctx, http.MethodGet, "/api/v9/applications/detectable", nil, extra)
	if err != nil {
		return "", etag, err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNotModified:
		return "", etag, rest.ErrNotModified
	default:
		return "", etag, fmt.Errorf("%w: detectable returned %d", rest.ErrRejected, resp.StatusCode)
	}

	newETag := strings.TrimSuffix(strings.TrimPrefix(resp.Header.Get("ETag"), `W/"`), `"`)
	path, err := writeCatalog(resp, dir, newETag)
	if err != nil {
		return "", etag, err
	}
	return path, newETag, nil
}

func writeCatalog(resp *http.Response, dir, etag string) (string, error) {
	name := fmt.Sprintf("%s%s_%d.ndjson", filePrefix, etag, time.Now().Unix()/1000)
	finalPath := filepath.Join(dir, name)
	tmp, err := os.CreateTemp(dir, filePrefix+"*.tmp")
	if err != nil {
		return "", err
	}
	defer os.Remove(tmp.Name())
	defer tmp.Close()

	w := bufio.NewWriterSize(tmp, 64*1024)
	enc := json.NewEncoder(w)

	// Stream the array: consume "[", then one descriptor at a time. The
	// decoder keeps only the pending element buffered.
	dec := json.NewDecoder(bufio.NewReaderSize(resp.Body, 64*1024))
	tok, err := dec.Token()
	if err != nil {
		return "", fmt.Errorf("catalog parse: %w", err)
	}
	if delim, ok := tok.(json.Delim); !ok || delim != '[' {
		return "", fmt.Errorf("catalog parse: expected array, got %v", tok)
	}
	kept := 0
	for dec.More() {
		var raw rawEntry
		if err := dec.Decode(&raw); err != nil {
			logger.Error("error decoding detectable apps json", "err", err)
			return "", fmt.Errorf("catalog parse: %w", err)
		}
		entry, ok := compact(&raw)
		if !ok {
			continue
		}
		if err := enc.Encode(entry); err != nil {
			return "", err
		}
		kept++
	}
	if _, err := dec.Token(); err != nil { // closing "]"
		return "", fmt.Errorf("catalog parse: %w", err)
	}
	if err := w.Flush(); err != nil {
		return "", err
	}
	if err := tmp.Close(); err != nil {
		return "", err
	}

	// Replace whatever catalog file was there before.
	if old, _ := filepath.Glob(filepath.Join(dir, filePrefix+"*.ndjson")); len(old) > 0 {
		for _, p := range old {
			os.Remove(p)
		}
	}
	if err := os.Rename(tmp.Name(), finalPath); err != nil {
		return "", err
	}
	logger.Debug("catalog saved", "path", finalPath, "entries", kept)
	return finalPath, nil
}

// Find scans the catalog file for the first entry with an executable
// eligible on myOS whose suffix is contained in procPath (lowercased).
// Linux is also eligible for Windows suffixes to cover Wine. The returned
// suffix has the leading "/" stripped. Misses return three empty strings.
func Find(procPath, catalogPath string, myOS int) (appID, appName, suffix string) {
	f, err := os.Open(catalogPath)
	if err != nil {
		return "", "", ""
	}
	defer f.Close()

	procPath = strings.ToLower(procPath)
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		var e Entry
		if err := json.Unmarshal(sc.Bytes(), &e); err != nil {
			continue
		}
		for _, exe := range e.Executables {
			if exe.Path == "" || !eligible(myOS, exe.OS) {
				continue
			}
			if strings.Contains(procPath, exe.Path) {
				return e.ID, e.Name, strings.TrimPrefix(exe.Path, "/")
			}
		}
	}
	return "", "", ""
}

// eligible implements the OS matching matrix: Linux matches Linux and
// Windows entries (Wine), Windows and macOS only themselves.
func eligible(myOS, entryOS int) bool {
	switch myOS {
	case OSLinux:
		return entryOS == OSLinux || entryOS == OSWindows
	case OSWindows:
		return entryOS == OSWindows
	case OSDarwin:
		return entryOS == OSDarwin
	}
	return false
}
