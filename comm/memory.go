package comm

import (
	"bytes"
	"net"
	"strconv"
	"sync"

	"github.com/joe-zxh/shardbft/data"
	"github.com/joe-zxh/shardbft/internal/logging"
)

const memoryInboxDepth = 4096

// MemoryNetwork is a single-process Transport: every endpoint is a
// buffered channel in a shared registry. It exists for tests and
// demos; sends to unknown or saturated endpoints fail like a dead peer
// would.
type MemoryNetwork struct {
	mut     sync.Mutex
	inboxes map[string]chan []byte
}

func NewMemoryNetwork() *MemoryNetwork {
	return &MemoryNetwork{inboxes: make(map[string]chan []byte)}
}

func endpointKey(addr string, port int) string {
	return net.JoinHostPort(addr, strconv.Itoa(port))
}

// Listen registers an endpoint and returns its inbox.
func (n *MemoryNetwork) Listen(addr string, port int) <-chan []byte {
	n.mut.Lock()
	defer n.mut.Unlock()
	key := endpointKey(addr, port)
	if _, ok := n.inboxes[key]; !ok {
		n.inboxes[key] = make(chan []byte, memoryInboxDepth)
	}
	return n.inboxes[key]
}

// Send implements Transport.
func (n *MemoryNetwork) Send(addr string, port int, payload []byte) bool {
	n.mut.Lock()
	inbox, ok := n.inboxes[endpointKey(addr, port)]
	n.mut.Unlock()
	if !ok {
		return false
	}
	select {
	case inbox <- payload:
		return true
	default:
		return false
	}
}

// Serve decodes envelopes arriving at an endpoint and hands every
// contained message to h on a dedicated goroutine. The returned stop
// function blocks until the goroutine exits.
func (n *MemoryNetwork) Serve(addr string, port int, h Handler) (stop func()) {
	inbox := n.Listen(addr, port)
	done := make(chan struct{})
	finished := make(chan struct{})
	logger := logging.GetLogger()

	go func() {
		defer close(finished)
		for {
			select {
			case <-done:
				return
			case payload := <-inbox:
				env, err := data.ReadEnvelope(bytes.NewReader(payload))
				if err != nil {
					logger.Warn().Err(err).Msg("memory network: bad envelope")
					continue
				}
				for _, item := range env.Items {
					m, err := data.DecodeMessage(item)
					if err != nil {
						logger.Warn().Err(err).Msg("memory network: bad message")
						continue
					}
					h(m)
				}
			}
		}
	}()

	return func() {
		close(done)
		<-finished
	}
}
