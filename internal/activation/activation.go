// Package activation detects systemd socket activation for serve mode.
package activation

import (
	"fmt"
	"net"
	"os"
	"strconv"
)

// Descriptors handed over by systemd start after stdin, stdout and stderr.
const listenFdsStart = 3

// Listener returns the socket systemd passed to this process, or nil when
// the process was not socket-activated. The service unit declares a single
// ListenStream, so exactly one activated descriptor is accepted.
func Listener() (net.Listener, error) {
	pidStr := os.Getenv("LISTEN_PID")
	if pidStr == "" {
		return nil, nil
	}
	pid, err := strconv.Atoi(pidStr)
	if err != nil {
		return nil, fmt.Errorf("invalid LISTEN_PID %q: %w", pidStr, err)
	}
	if pid != os.Getpid() {
		// Activation meant for another process.
		return nil, nil
	}

	fdsStr := os.Getenv("LISTEN_FDS")
	if fdsStr == "" {
		return nil, nil
	}
	nfds, err := strconv.Atoi(fdsStr)
	if err != nil {
		return nil, fmt.Errorf("invalid LISTEN_FDS %q: %w", fdsStr, err)
	}
	if nfds < 1 {
		return nil, nil
	}
	if nfds > 1 {
		return nil, fmt.Errorf("expected one activated socket, got %d", nfds)
	}

	// The variables must not leak into anything this process spawns.
	defer func() {
		_ = os.Unsetenv("LISTEN_PID")
		_ = os.Unsetenv("LISTEN_FDS")
		_ = os.Unsetenv("LISTEN_FDNAMES")
	}()

	f := os.NewFile(uintptr(listenFdsStart), "listen-socket")
	ln, err := net.FileListener(f)
	// The listener duplicates the descriptor, so the file wrapper is closed
	// either way.
	_ = f.Close()
	if err != nil {
		return nil, fmt.Errorf("failed to adopt activated socket: %w", err)
	}
	return ln, nil
}
