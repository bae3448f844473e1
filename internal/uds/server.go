package uds

import (
	"context"
	"fmt"
	"log"
	"net"
	"os"
	"runtime/debug"
	"sync"
	"time"
)

// HandlerFunc serves one request/response exchange.
type HandlerFunc func(req *Request) *Response

// StreamFunc serves a long-lived follow stream. After the initial success
// response is written, send pushes one frame per call until it returns an
// error (client gone) or done closes (server stopping). The handler returns
// when the stream ends.
type StreamFunc func(req *Request, send func(v any) error, done <-chan struct{})

type Server struct {
	socketPath  string
	listener    net.Listener
	handlers    map[string]HandlerFunc
	streams     map[string]StreamFunc
	mu          sync.RWMutex
	connTimeout time.Duration
	wg          sync.WaitGroup
	ctx         context.Context
	cancel      context.CancelFunc
}

func NewServer(socketPath string) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		socketPath:  socketPath,
		handlers:    make(map[string]HandlerFunc),
		streams:     make(map[string]StreamFunc),
		connTimeout: 30 * time.Second,
		ctx:         ctx,
		cancel:      cancel,
	}
}

func (s *Server) SetConnTimeout(d time.Duration) {
	s.connTimeout = d
}

func (s *Server) Handle(command string, handler HandlerFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[command] = handler
}

// HandleStream registers a follow-stream command.
func (s *Server) HandleStream(command string, handler StreamFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.streams[command] = handler
}

func (s *Server) Start() error {
	// Remove stale socket file
	_ = os.Remove(s.socketPath)

	listener, err := net.Listen("unix", s.socketPath)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.socketPath, err)
	}

	// Socket is private to the invoking user
	if err := os.Chmod(s.socketPath, 0600); err != nil {
		_ = listener.Close()
		return fmt.Errorf("chmod socket: %w", err)
	}

	s.listener = listener

	s.wg.Add(1)
	go s.acceptLoop()

	return nil
}

func (s *Server) Stop() error {
	s.cancel()
	if s.listener != nil {
		_ = s.listener.Close()
	}
	s.wg.Wait()
	_ = os.Remove(s.socketPath)
	return nil
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.ctx.Done():
				return
			default:
				log.Printf("accept error: %v", err)
				continue
			}
		}

		s.wg.Add(1)
		go s.handleConn(conn)
	}
}

func (s *Server) handleConn(conn net.Conn) {
	defer s.wg.Done()
	defer func() { _ = conn.Close() }()
	defer func() {
		if r := recover(); r != nil {
			log.Printf("panic in handleConn: %v\n%s", r, debug.Stack())
		}
	}()

	_ = conn.SetDeadline(time.Now().Add(s.connTimeout))

	var req Request
	if err := ReadFrame(conn, &req); err != nil {
		log.Printf("read request error: %v", err)
		return
	}

	if req.ProtocolVersion != ProtocolVersion {
		_ = WriteFrame(conn, ErrorResponse(
			ErrCodeProtocolMismatch,
			fmt.Sprintf("protocol version mismatch: got %d, expected %d", req.ProtocolVersion, ProtocolVersion),
		))
		return
	}

	s.mu.RLock()
	stream, isStream := s.streams[req.Command]
	handler, ok := s.handlers[req.Command]
	s.mu.RUnlock()

	if isStream {
		s.serveStream(conn, &req, stream)
		return
	}
	if !ok {
		_ = WriteFrame(conn, ErrorResponse(
			ErrCodeUnknownCommand,
			fmt.Sprintf("unknown command: %q", req.Command),
		))
		return
	}

	if err := WriteFrame(conn, handler(&req)); err != nil {
		log.Printf("write response error: %v", err)
	}
}

// serveStream acknowledges the request, lifts the connection deadline, and
// hands frame writing to the handler.
func (s *Server) serveStream(conn net.Conn, req *Request, handler StreamFunc) {
	if err := WriteFrame(conn, SuccessResponse(nil)); err != nil {
		log.Printf("write stream ack error: %v", err)
		return
	}
	_ = conn.SetDeadline(time.Time{})

	send := func(v any) error {
		return WriteFrame(conn, v)
	}
	handler(req, send, s.ctx.Done())
}
