//go:build windows

package procscan

import (
	"os"
	"strings"

	"github.com/shirou/gopsutil/v4/process"
)

// scanPlatform enumerates processes with gopsutil, keeping only the
// current user's and dropping anything under the Windows system trees.
func (s *Scanner) scanPlatform() ([]string, error) {
	self, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		return nil, err
	}
	selfUser, err := self.Username()
	if err != nil {
		return nil, err
	}
	currentUser := lastDomainPart(selfUser)

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

		username, err := p.Username()
		if err != nil || username == "" {
			continue
		}
		if lastDomainPart(username) != currentUser {
			continue
		}

		argv, err := p.CmdlineSlice()
		if err != nil || len(argv) == 0 {
			continue
		}
		cmdline := argv[0]
		if strings.Contains(cmdline, `:\Windows\`) || strings.Contains(cmdline, `:\Program Files\WindowsApps\`) {
			continue
		}

		path, ok := normalizePath(cmdline)
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

func lastDomainPart(username string) string {
	parts := strings.Split(username, `\`)
	return parts[len(parts)-1]
}
