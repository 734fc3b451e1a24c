// Package notifier implements the non-blocking UNIX datagram socket
// that receives "cgroup emptied" notifications from the release-agent
// helper and feeds app names into the event loop.
package notifier

import (
	"net"
	"os"

	"github.com/hashicorp/go-hclog"
)

// MaxDatagramSize bounds a single read; app names are short.
const MaxDatagramSize = 256

// Notifier owns the stop-notifier socket. Reading happens on a dedicated
// goroutine (required because net.UnixConn has no select-based integration
// with a hand-rolled event loop); results are handed to the event loop
// over Names, so that app/process state still only ever mutates on the
// one owning goroutine.
type Notifier struct {
	path   string
	conn   *net.UnixConn
	Names  chan string
	logger hclog.Logger
	stop   chan struct{}
	done   chan struct{}
}

// New binds a SOCK_DGRAM socket at path, replacing any stale
// socket file left over from a previous run.
func New(path string, logger hclog.Logger) (*Notifier, error) {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	_ = os.Remove(path)
	addr, err := net.ResolveUnixAddr("unixgram", path)
	if err != nil {
		return nil, err
	}
	conn, err := net.ListenUnixgram("unixgram", addr)
	if err != nil {
		return nil, err
	}
	return &Notifier{
		path:   path,
		conn:   conn,
		Names:  make(chan string, 64),
		logger: logger.Named("notifier"),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}, nil
}

// Run reads datagrams until Close is called, sending each payload to
// Names. Unknown-app filtering happens in the consumer (the kernel's
// HandleStopNotify); datagrams for unknown apps are logged and dropped there.
func (n *Notifier) Run() {
	defer close(n.done)
	buf := make([]byte, MaxDatagramSize)
	for {
		count, _, err := n.conn.ReadFromUnix(buf)
		if err != nil {
			select {
			case <-n.stop:
				return
			default:
			}
			n.logger.Debug("read error", "error", err)
			continue
		}
		name := string(buf[:count])
		select {
		case n.Names <- name:
		default:
			n.logger.Warn("notifier channel full, dropping datagram", "app", name)
		}
	}
}

// Close stops Run and releases the socket.
func (n *Notifier) Close() error {
	close(n.stop)
	err := n.conn.Close()
	<-n.done
	_ = os.Remove(n.path)
	return err
}
