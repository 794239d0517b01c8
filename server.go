package milter

import (
	"errors"
	"net"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
)

// MaxServerProtocolVersion is the maximum milter protocol version implemented by the server.
const MaxServerProtocolVersion uint32 = 6

// ErrServerClosed is returned by the [Server]'s [Server.Serve] method after a call to [Server.Close].
var ErrServerClosed = errors.New("milter: server closed")

// Server is a milter server.
type Server struct {
	options   options
	mu        sync.Mutex
	listeners []net.Listener
	closed    bool
}

// NewServer creates a new milter server.
//
// You need to specify the used [Filter] with the option [WithFilter].
//
// This function will panic when you provide invalid options.
func NewServer(opts ...Option) *Server {
	options := options{
		maxVersion:       MaxServerProtocolVersion,
		readTimeout:      10 * time.Second,
		writeTimeout:     10 * time.Second,
		progressInterval: time.Second,
	}
	for _, o := range opts {
		if o != nil {
			o(&options)
		}
	}

	if options.filter == nil {
		panic("milter: you need to use WithFilter in NewServer call")
	}
	if options.maxVersion > MaxServerProtocolVersion || options.maxVersion < 2 {
		panic("milter: this library cannot handle this milter version")
	}
	if options.progressInterval <= 0 {
		panic("milter: progress interval must be positive")
	}

	return &Server{options: options}
}

// Serve accepts MTA connections on ln and handles each of them in its own goroutine.
// You can call this function multiple times to serve on multiple listeners.
func (s *Server) Serve(ln net.Listener) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrServerClosed
	}
	s.listeners = append(s.listeners, ln)
	s.mu.Unlock()

	for {
		conn, err := ln.Accept()
		if err != nil {
			s.mu.Lock()
			closed := s.closed
			s.mu.Unlock()
			if closed {
				return ErrServerClosed
			}
			return err
		}
		session := newServerSession(s, conn)
		go session.HandleMilterCommands()
	}
}

// Close closes the server and all its listeners.
// It returns ErrServerClosed if the server is already closed.
func (s *Server) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrServerClosed
	}
	s.closed = true
	var result *multierror.Error
	for _, ln := range s.listeners {
		if err := ln.Close(); err != nil {
			result = multierror.Append(result, err)
		}
	}
	s.listeners = nil
	return result.ErrorOrNil()
}
