package server

import (
	"net"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"dnsrelay/config"
	"dnsrelay/stats"
	"dnsrelay/store"

	mdns "github.com/miekg/dns"
	"go.uber.org/zap/zaptest"
)

// startUpstream runs a fake upstream resolver answering every A query with
// one fixed address. It returns the port and a counter of queries served.
func startUpstream(t *testing.T, ip string) (int, *atomic.Int32) {
	t.Helper()
	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}

	var hits atomic.Int32
	started := make(chan struct{})
	srv := &mdns.Server{
		PacketConn:        pc,
		NotifyStartedFunc: func() { close(started) },
		Handler: mdns.HandlerFunc(func(w mdns.ResponseWriter, r *mdns.Msg) {
			hits.Add(1)
			m := new(mdns.Msg)
			m.SetReply(r)
			m.Answer = append(m.Answer, &mdns.A{
				Hdr: mdns.RR_Header{Name: r.Question[0].Name, Rrtype: mdns.TypeA, Class: mdns.ClassINET, Ttl: 300},
				A:   net.ParseIP(ip),
			})
			w.WriteMsg(m)
		}),
	}
	go srv.ActivateAndServe()
	t.Cleanup(func() { srv.Shutdown() })

	select {
	case <-started:
	case <-time.After(2 * time.Second):
		t.Fatal("fake upstream did not start")
	}
	return pc.LocalAddr().(*net.UDPAddr).Port, &hits
}

func startResolver(t *testing.T, upstreamPort int) (*Server, *store.Store) {
	t.Helper()
	logger := zaptest.NewLogger(t)
	cfg := config.DefaultConfig()
	cfg.ListenAddr = "127.0.0.1"
	cfg.DNSPort = 0
	cfg.Upstream = "127.0.0.1"
	cfg.UpstreamPort = upstreamPort
	cfg.CacheFile = filepath.Join(t.TempDir(), "records.txt")

	records := store.New(cfg.CacheFile, logger)
	srv := NewServer(cfg, records, stats.NewStats(), logger)
	if err := srv.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	t.Cleanup(srv.Stop)
	return srv, records
}

func exchange(t *testing.T, addr string, id uint16) *mdns.Msg {
	t.Helper()
	m := new(mdns.Msg)
	m.SetQuestion("example.com.", mdns.TypeA)
	m.Id = id
	c := &mdns.Client{Net: "udp", Timeout: 2 * time.Second}
	r, _, err := c.Exchange(m, addr)
	if err != nil {
		t.Fatalf("Exchange() error = %v", err)
	}
	return r
}

func answerIP(t *testing.T, r *mdns.Msg) string {
	t.Helper()
	if len(r.Answer) != 1 {
		t.Fatalf("got %d answers, want 1: %v", len(r.Answer), r)
	}
	a, ok := r.Answer[0].(*mdns.A)
	if !ok {
		t.Fatalf("answer is %T, want *dns.A", r.Answer[0])
	}
	return a.A.String()
}

func TestEndToEndForwardThenCache(t *testing.T) {
	port, hits := startUpstream(t, "93.184.216.34")
	srv, records := startResolver(t, port)
	addr := srv.Addr().String()

	first := exchange(t, addr, 0x0101)
	if ip := answerIP(t, first); ip != "93.184.216.34" {
		t.Errorf("first answer = %s", ip)
	}
	if hits.Load() != 1 {
		t.Errorf("upstream served %d queries, want 1", hits.Load())
	}
	addrs, _ := records.Lookup("example.com")
	if len(addrs) != 1 {
		t.Errorf("store = %v after forward", addrs)
	}

	second := exchange(t, addr, 0x0202)
	if second.Id != 0x0202 {
		t.Errorf("second answer id = 0x%04x", second.Id)
	}
	if ip := answerIP(t, second); ip != "93.184.216.34" {
		t.Errorf("second answer = %s", ip)
	}
	if hits.Load() != 1 {
		t.Errorf("cache hit reached the upstream: %d queries", hits.Load())
	}
}

func TestEndToEndSurvivesGarbage(t *testing.T) {
	port, _ := startUpstream(t, "10.9.8.7")
	srv, _ := startResolver(t, port)

	conn, err := net.Dial("udp", srv.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()
	for _, junk := range [][]byte{{0x01}, {0x12, 0x34, 0x81, 0x80, 0, 1, 0, 1, 0, 0, 0, 0, 9}} {
		if _, err := conn.Write(junk); err != nil {
			t.Fatal(err)
		}
	}

	r := exchange(t, srv.Addr().String(), 0x0303)
	if ip := answerIP(t, r); ip != "10.9.8.7" {
		t.Errorf("answer after garbage = %s", ip)
	}
}

func TestStopEndsLoop(t *testing.T) {
	port, _ := startUpstream(t, "10.0.0.1")
	srv, _ := startResolver(t, port)

	srv.Stop()
	srv.Stop()

	select {
	case err := <-srv.Err():
		t.Errorf("Err() = %v after an orderly stop", err)
	default:
	}
}
