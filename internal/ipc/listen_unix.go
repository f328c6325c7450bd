//go:build linux || darwin

package ipc

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
)

// socketPath returns where first-party clients expect the presence
// socket to live.
func socketPath() string {
	dir := os.Getenv("XDG_RUNTIME_DIR")
	if dir == "" {
		dir = fmt.Sprintf("/run/user/%d", os.Getuid())
	}
	return filepath.Join(dir, "discord-ipc-0")
}

func listen() (net.Listener, error) {
	path := socketPath()
	if _, err := os.Stat(filepath.Dir(path)); err != nil {
		return nil, fmt.Errorf("runtime dir for presence socket: %w", err)
	}
	// Unlink a stale socket from a previous run.
	os.Remove(path)
	ln, err := net.Listen("unix", path)
	if err != nil {
		return nil, fmt.Errorf("listen %s: %w", path, err)
	}
	return ln, nil
}
