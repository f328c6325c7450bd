// Package procscan diffs the user-visible process table between passes.
// Each pass yields the paths that appeared and disappeared since the last
// one; the caller sets the cadence.
package procscan

import "strings"

type procEntry struct {
	path  string // "" when the process was inspected and discarded
	alive bool
}

// Scanner holds the PID-keyed liveness cache. Not safe for concurrent
// use; it belongs to a single scanning goroutine.
type Scanner struct {
	procs map[int32]*procEntry
}

func New() *Scanner {
	return &Scanner{procs: make(map[int32]*procEntry)}
}

// Diff runs one enumeration pass and returns the path sets that were
// added and removed since the previous pass, each deduplicated by path.
func (s *Scanner) Diff() (added, removed []string, err error) {
	added, err = s.scanPlatform()
	if err != nil {
		return nil, nil, err
	}
	return added, s.sweep(), nil
}

// Reset drops the cache so the next pass reports everything as added.
func (s *Scanner) Reset() {
	s.procs = make(map[int32]*procEntry)
}

// touch marks a cached PID alive. Returns false for unknown PIDs, which
// are simultaneously claimed with an empty placeholder so failed
// inspections are not retried every pass.
func (s *Scanner) touch(pid int32) bool {
	if e, ok := s.procs[pid]; ok {
		e.alive = true
		return true
	}
	s.procs[pid] = &procEntry{alive: true}
	return false
}

// record stores the resolved path for a PID claimed by touch.
func (s *Scanner) record(pid int32, path string) {
	if e, ok := s.procs[pid]; ok {
		e.path = path
	}
}

// sweep evicts entries not seen this pass and resets alive flags for the
// next one. Evicted paths are returned deduplicated, placeholders
// excluded.
func (s *Scanner) sweep() []string {
	var removed []string
	seen := make(map[string]bool)
	for pid, e := range s.procs {
		if !e.alive {
			if e.path != "" && !seen[e.path] {
				seen[e.path] = true
				removed = append(removed, e.path)
			}
			delete(s.procs, pid)
			continue
		}
		e.alive = false
	}
	return removed
}

// normalizePath flattens backslashes and strips NULs. Paths without any
// separator are rejected; those are never games.
func normalizePath(raw string) (string, bool) {
	path := strings.ReplaceAll(raw, "\\", "/")
	path = strings.ReplaceAll(path, "\x00", "")
	if !strings.Contains(path, "/") {
		return "", false
	}
	return path, true
}

// parseCmdline extracts argv[0] from a NUL-delimited /proc cmdline,
// truncating trailing arguments and anything past a ".exe" fragment
// (Wine command lines embed the Windows argv after it).
func parseCmdline(raw []byte) (string, bool) {
	cmdline := string(raw)
	if i := strings.Index(cmdline, " -"); i >= 0 {
		cmdline = cmdline[:i]
	}
	if i := strings.Index(cmdline, "\x00-"); i >= 0 {
		cmdline = cmdline[:i]
	}
	if i := strings.Index(cmdline, ".exe"); i >= 0 {
		cmdline = cmdline[:i+len(".exe")]
	}
	if i := strings.IndexByte(cmdline, 0); i >= 0 {
		cmdline = cmdline[:i]
	}
	if cmdline == "" {
		return "", false
	}
	if strings.HasPrefix(cmdline, "/usr/lib") || strings.HasPrefix(cmdline, "bash") {
		return "", false
	}
	return normalizePath(cmdline)
}
