package comm

import (
	"io"
	"net"
	"sync"

	"github.com/rs/zerolog"

	"github.com/joe-zxh/shardbft/data"
	"github.com/joe-zxh/shardbft/internal/logging"
)

// Server accepts peer connections, deframes envelopes and hands every
// contained message to the registered handler.
type Server struct {
	lis    net.Listener
	handle Handler
	logger zerolog.Logger

	done      chan struct{}
	wg        sync.WaitGroup
	closeOnce sync.Once
}

func NewServer(addr string, handle Handler) (*Server, error) {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	return &Server{
		lis:    lis,
		handle: handle,
		logger: logging.GetLogger(),
		done:   make(chan struct{}),
	}, nil
}

// Serve runs the accept loop in the background.
func (s *Server) Serve() {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for {
			conn, err := s.lis.Accept()
			if err != nil {
				select {
				case <-s.done:
				default:
					s.logger.Error().Err(err).Msg("server: accept failed")
				}
				return
			}
			s.wg.Add(1)
			go s.serveConn(conn)
		}
	}()
}

func (s *Server) serveConn(conn net.Conn) {
	defer s.wg.Done()
	defer conn.Close()
	for {
		select {
		case <-s.done:
			return
		default:
		}
		env, err := data.ReadEnvelope(conn)
		if err != nil {
			if err != io.EOF {
				s.logger.Warn().Err(err).Msg("server: envelope read failed")
			}
			return
		}
		for _, item := range env.Items {
			m, err := data.DecodeMessage(item)
			if err != nil {
				s.logger.Warn().Err(err).Msg("server: message decode failed")
				continue
			}
			s.handle(m)
		}
	}
}

// Stop closes the listener and joins every connection goroutine.
func (s *Server) Stop() {
	s.closeOnce.Do(func() {
		close(s.done)
		s.lis.Close()
		s.wg.Wait()
	})
}
