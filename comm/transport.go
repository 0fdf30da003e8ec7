package comm

import (
	"net"
	"strconv"
	"sync"
	"time"
)

// Transport ships one opaque envelope to an (address, port) pair and
// reports success. Implementations must not retry; the consensus
// protocol owns eventual delivery.
type Transport interface {
	Send(addr string, port int, payload []byte) bool
}

// TCPTransport sends envelopes over pooled TCP connections. A failed
// write drops the cached connection and retries once on a fresh dial.
// Each destination has its own lock, so a dead peer's dial timeout
// never stalls sends to the others.
type TCPTransport struct {
	DialTimeout time.Duration

	mut   sync.Mutex
	conns map[string]*tcpDest
}

type tcpDest struct {
	mut  sync.Mutex
	conn net.Conn
}

func NewTCPTransport(dialTimeout time.Duration) *TCPTransport {
	return &TCPTransport{
		DialTimeout: dialTimeout,
		conns:       make(map[string]*tcpDest),
	}
}

func (t *TCPTransport) dest(key string) *tcpDest {
	t.mut.Lock()
	defer t.mut.Unlock()
	d, ok := t.conns[key]
	if !ok {
		d = &tcpDest{}
		t.conns[key] = d
	}
	return d
}

func (t *TCPTransport) Send(addr string, port int, payload []byte) bool {
	key := net.JoinHostPort(addr, strconv.Itoa(port))
	d := t.dest(key)

	d.mut.Lock()
	defer d.mut.Unlock()

	if d.conn == nil {
		conn, err := net.DialTimeout("tcp", key, t.DialTimeout)
		if err != nil {
			return false
		}
		d.conn = conn
	}

	if _, err := d.conn.Write(payload); err != nil {
		d.conn.Close()
		conn, err := net.DialTimeout("tcp", key, t.DialTimeout)
		if err != nil {
			d.conn = nil
			return false
		}
		d.conn = conn
		if _, err = d.conn.Write(payload); err != nil {
			d.conn.Close()
			d.conn = nil
			return false
		}
	}
	return true
}

// Close drops every pooled connection.
func (t *TCPTransport) Close() {
	t.mut.Lock()
	defer t.mut.Unlock()
	for key, d := range t.conns {
		d.mut.Lock()
		if d.conn != nil {
			d.conn.Close()
		}
		d.mut.Unlock()
		delete(t.conns, key)
	}
}
