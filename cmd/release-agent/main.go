// Command release-agent is the tiny helper the kernel invokes (via the
// freezer cgroup's release_agent file) when an app's cgroup empties. It
// extracts the app name from its cgroup path argument and forwards it as
// a single UNIX datagram to the supervisor's stop-notifier socket.
package main

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
)

func main() {
	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, "release-agent: missing cgroup path argument")
		os.Exit(1)
	}

	sockPath := os.Getenv("SUPERVISOR_NOTIFY_SOCKET")
	if sockPath == "" {
		sockPath = "/var/run/supervisor-notify.sock"
	}

	appName := filepath.Base(os.Args[1])

	conn, err := net.Dial("unixgram", sockPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "release-agent: dial %s: %v\n", sockPath, err)
		os.Exit(1)
	}
	defer conn.Close()

	if _, err := conn.Write([]byte(appName)); err != nil {
		fmt.Fprintf(os.Stderr, "release-agent: write: %v\n", err)
		os.Exit(1)
	}
}
