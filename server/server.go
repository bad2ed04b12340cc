package server

import (
	"errors"
	"fmt"
	"net"
	"net/netip"
	"sync"
	"time"

	"dnsrelay/config"
	"dnsrelay/dns"
	"dnsrelay/stats"

	"go.uber.org/zap"
)

const (
	readBufferSize = 4096 // room for EDNS0 sized upstream responses
	readTimeout    = time.Second
)

var (
	// ErrUnmatchedResponse is returned for a response whose transaction id
	// has no pending client.
	ErrUnmatchedResponse = errors.New("response for unknown transaction")

	// ErrUpstreamUnreachable is returned when forwarding a query fails.
	ErrUpstreamUnreachable = errors.New("upstream unreachable")
)

// Records is the persistent name to address mapping backing local answers.
type Records interface {
	Lookup(name string) ([]netip.Addr, error)
	Record(name string, addr netip.Addr) (bool, error)
}

// Server is a caching, forwarding DNS resolver. One goroutine owns the UDP
// socket and handles each datagram to completion before reading the next.
type Server struct {
	cfg     *config.Config
	records Records
	pending *PendingTable
	stats   *stats.Stats
	log     *zap.Logger

	conn      net.PacketConn
	forwarder Forwarder
	upstream  *net.UDPAddr

	shutdown chan struct{}
	done     chan struct{}
	errc     chan error
	stopOnce sync.Once
}

// NewServer creates a new DNS server
func NewServer(cfg *config.Config, records Records, s *stats.Stats, logger *zap.Logger) *Server {
	logger = logger.Named("resolver")
	return &Server{
		cfg:      cfg,
		records:  records,
		pending:  NewPendingTable(cfg.PendingSize, cfg.PendingTTL, logger),
		stats:    s,
		log:      logger,
		shutdown: make(chan struct{}),
		done:     make(chan struct{}),
		errc:     make(chan error, 1),
	}
}

// Start binds the UDP socket and starts the receive loop.
func (s *Server) Start() error {
	upstream, err := net.ResolveUDPAddr("udp", s.cfg.UpstreamAddress())
	if err != nil {
		return fmt.Errorf("failed to resolve upstream: %w", err)
	}

	addr, err := net.ResolveUDPAddr("udp", s.cfg.ListenAddress())
	if err != nil {
		return fmt.Errorf("failed to resolve address: %w", err)
	}

	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}

	s.conn = conn
	s.upstream = upstream
	if s.forwarder == nil {
		s.forwarder = NewUDPForwarder(conn)
	}
	s.log.Info("DNS server listening",
		zap.Stringer("addr", conn.LocalAddr()),
		zap.Stringer("upstream", upstream),
		zap.Bool("redirect_only", s.cfg.RedirectOnly))

	go s.handleRequests()

	return nil
}

// Addr returns the bound socket address.
func (s *Server) Addr() net.Addr {
	return s.conn.LocalAddr()
}

// Pending returns the in-flight query table.
func (s *Server) Pending() *PendingTable {
	return s.pending
}

// Err delivers the socket error that stopped the receive loop, if any.
func (s *Server) Err() <-chan error {
	return s.errc
}

// Stop stops the DNS server and waits for the receive loop to exit.
func (s *Server) Stop() {
	s.stopOnce.Do(func() {
		close(s.shutdown)
		if s.conn != nil {
			s.conn.Close()
			<-s.done
		}
		s.log.Info("DNS server stopped")
	})
}

// handleRequests is the receive loop
func (s *Server) handleRequests() {
	defer close(s.done)
	buffer := make([]byte, readBufferSize)

	for {
		select {
		case <-s.shutdown:
			return
		default:
		}

		s.conn.SetReadDeadline(time.Now().Add(readTimeout))
		n, from, err := s.conn.ReadFrom(buffer)
		if err != nil {
			select {
			case <-s.shutdown:
				return
			default:
			}
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			s.log.Error("receive failed, stopping listener", zap.Error(err))
			s.errc <- err
			return
		}

		client, ok := from.(*net.UDPAddr)
		if !ok {
			s.log.Warn("ignoring datagram from non-UDP address", zap.Stringer("from", from))
			continue
		}
		s.process(buffer[:n], client)
	}
}

// process handles one datagram. Nothing that goes wrong here may stop the
// receive loop.
func (s *Server) process(data []byte, client *net.UDPAddr) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("panic while handling datagram", zap.Any("panic", r), zap.Stringer("from", client))
		}
	}()

	if err := s.HandlePacket(data, client); err != nil {
		s.log.Warn("dropped datagram", zap.Stringer("from", client), zap.Error(err))
	}
}

// HandlePacket classifies one datagram by its QR bit and acts on it.
func (s *Server) HandlePacket(data []byte, client *net.UDPAddr) error {
	msg, err := dns.Decode(data)
	if err != nil {
		s.stats.RecordMalformed()
		return err
	}
	if msg.IsResponse() {
		return s.handleResponse(msg, data)
	}
	return s.handleRequest(msg, data, client)
}

func (s *Server) handleRequest(msg *dns.Message, data []byte, client *net.UDPAddr) error {
	start := time.Now()

	q, ok := msg.Question()
	if ok {
		s.stats.RecordQuery(q.Name, q.Type)
	}

	// every forwarded query needs its client on file for the relay
	s.pending.Register(msg.ID(), client)

	if !ok || !q.IsAddressQuery() {
		s.stats.RecordUnsupported()
		s.log.Debug("forwarding unsupported query", zap.Uint16("id", msg.ID()), zap.Stringer("client", client))
		return s.forward(data)
	}

	if s.cfg.RedirectOnly {
		return s.forward(data)
	}

	addrs, err := s.records.Lookup(q.Name)
	if err != nil {
		s.stats.RecordStoreError()
		s.log.Warn("record lookup failed, treating as miss", zap.String("name", q.Name), zap.Error(err))
		addrs = nil
	}
	if len(addrs) == 0 {
		s.stats.RecordCacheMiss()
		s.log.Debug("cache miss", zap.String("name", q.Name), zap.Uint16("id", msg.ID()))
		return s.forward(data)
	}

	answer, err := dns.EncodeAnswer(data, addrs, s.cfg.AnswerTTL)
	if err != nil {
		return fmt.Errorf("build answer for %s: %w", q.Name, err)
	}
	if _, err := s.conn.WriteTo(answer, client); err != nil {
		return fmt.Errorf("send answer to %s: %w", client, err)
	}

	s.stats.RecordCacheHit(time.Since(start))
	s.log.Debug("answered from cache",
		zap.String("name", q.Name), zap.Int("addresses", len(addrs)), zap.Stringer("client", client))
	return nil
}

func (s *Server) handleResponse(msg *dns.Message, data []byte) error {
	client, found := s.pending.ResolveAndRemove(msg.ID())
	if !found {
		s.stats.RecordUnmatched()
		return fmt.Errorf("%w: id %d", ErrUnmatchedResponse, msg.ID())
	}

	q, ok := msg.Question()
	switch {
	case msg.Header.Rcode() != dns.RcodeNoError:
		s.log.Debug("upstream returned error, not caching",
			zap.Uint16("id", msg.ID()), zap.Uint8("rcode", msg.Header.Rcode()))
	case ok && q.IsAddressQuery():
		s.cacheAnswers(q.Name, msg.Answers)
	}

	if err := s.forwarder.Relay(client, data); err != nil {
		return fmt.Errorf("relay response to %s: %w", client, err)
	}
	s.stats.RecordRelayed()
	s.log.Debug("relayed response", zap.Uint16("id", msg.ID()), zap.Stringer("client", client))
	return nil
}

// cacheAnswers records every address in answers. Store failures are logged
// and never block the relay.
func (s *Server) cacheAnswers(name string, answers []dns.ResourceRecord) {
	for _, rr := range answers {
		addr, ok := rr.IPv4()
		if !ok {
			continue
		}
		added, err := s.records.Record(name, addr)
		if err != nil {
			s.stats.RecordStoreError()
			s.log.Warn("failed to record answer", zap.String("name", name), zap.Stringer("address", addr), zap.Error(err))
			continue
		}
		if added {
			s.stats.RecordCachedAddress()
		}
	}
}

func (s *Server) forward(data []byte) error {
	if err := s.forwarder.Relay(s.upstream, data); err != nil {
		s.stats.RecordUpstreamError()
		return fmt.Errorf("%w: %w", ErrUpstreamUnreachable, err)
	}
	s.stats.RecordForwarded()
	return nil
}
