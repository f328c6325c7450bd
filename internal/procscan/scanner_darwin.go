//go:build darwin

package procscan

import (
	"os"

	"github.com/shirou/gopsutil/v4/process"
)

// scanPlatform enumerates processes with gopsutil, keeping only those
// whose real UID matches the current user.
func (s *Scanner) scanPlatform() ([]string, error) {
	myUID := uint32(os.Getuid())

	procs, err := process.Processes()
	if err != nil {
		return nil, err
	}

	var added []string
	seen := make(map[string]bool)
	for _, p := range procs {
		if s.touch(p.Pid) {
			continue
		}

		uids, err := p.Uids()
		if err != nil || len(uids) == 0 {
			continue
		}
		if uids[0] != myUID { // real uid
			continue
		}

		argv, err := p.CmdlineSlice()
		if err != nil || len(argv) == 0 {
			continue
		}
		path, ok := normalizePath(argv[0])
		if !ok {
			continue
		}
		s.record(p.Pid, path)
		if !seen[path] {
			seen[path] = true
			added = append(added, path)
		}
	}
	return added, nil
}
