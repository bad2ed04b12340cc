// Package echo is a line-oriented TCP echo used for ad-hoc connectivity
// checks. The server answers each connection's first line uppercased and
// hangs up.
package echo

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

// DefaultAddr is where the server listens and the client dials by default.
const DefaultAddr = "localhost:25232"

const ioTimeout = 5 * time.Second

// Server accepts connections and uppercases one line per connection.
type Server struct {
	addr     string
	log      *zap.Logger
	listener net.Listener
	shutdown chan struct{}
	wg       sync.WaitGroup
	stopOnce sync.Once
}

// NewServer creates an echo server bound to addr once started.
func NewServer(addr string, logger *zap.Logger) *Server {
	return &Server{
		addr:     addr,
		log:      logger.Named("echo"),
		shutdown: make(chan struct{}),
	}
}

// Start opens the listener and accepts connections in the background.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.addr, err)
	}
	s.listener = ln
	s.log.Info("echo server listening", zap.String("addr", ln.Addr().String()))

	s.wg.Add(1)
	go s.acceptLoop()
	return nil
}

// Addr returns the bound address. Only valid after Start.
func (s *Server) Addr() net.Addr {
	return s.listener.Addr()
}

// Stop closes the listener and waits for in-flight connections.
func (s *Server) Stop() {
	s.stopOnce.Do(func() {
		close(s.shutdown)
		if s.listener != nil {
			s.listener.Close()
		}
	})
	s.wg.Wait()
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.shutdown:
				return
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			s.log.Warn("accept failed", zap.Error(err))
			continue
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleConn(conn)
		}()
	}
}

func (s *Server) handleConn(conn net.Conn) {
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(ioTimeout))

	line, err := bufio.NewReader(conn).ReadString('\n')
	if err != nil && !(errors.Is(err, io.EOF) && line != "") {
		s.log.Warn("read failed", zap.Stringer("remote", conn.RemoteAddr()), zap.Error(err))
		return
	}
	line = strings.TrimRight(line, "\r\n")
	s.log.Debug("message", zap.String("text", line), zap.Stringer("remote", conn.RemoteAddr()))

	if _, err := io.WriteString(conn, strings.ToUpper(line)+"\n"); err != nil {
		s.log.Warn("write failed", zap.Stringer("remote", conn.RemoteAddr()), zap.Error(err))
	}
}

// Exchange sends one line to the server at addr and returns its reply
// without the trailing newline.
func Exchange(addr, message string) (string, error) {
	conn, err := net.DialTimeout("tcp", addr, ioTimeout)
	if err != nil {
		return "", fmt.Errorf("couldn't open the socket: %w", err)
	}
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(ioTimeout))

	if _, err := io.WriteString(conn, message+"\n"); err != nil {
		return "", fmt.Errorf("send: %w", err)
	}
	reply, err := bufio.NewReader(conn).ReadString('\n')
	if err != nil && !(errors.Is(err, io.EOF) && reply != "") {
		return "", fmt.Errorf("receive: %w", err)
	}
	return strings.TrimRight(reply, "\r\n"), nil
}

// RunClient reads whitespace-separated words from in until "quit" or EOF,
// exchanging each with the server and printing the reply to out.
func RunClient(addr string, in io.Reader, out io.Writer) error {
	scanner := bufio.NewScanner(in)
	scanner.Split(bufio.ScanWords)
	for {
		fmt.Fprintln(out, "What's the message?")
		if !scanner.Scan() {
			return scanner.Err()
		}
		word := scanner.Text()
		if word == "quit" {
			return nil
		}
		reply, err := Exchange(addr, word)
		if err != nil {
			fmt.Fprintln(out, err)
			continue
		}
		fmt.Fprintln(out, reply)
	}
}
