package config

import (
	"errors"
	"flag"
	"fmt"
	"net"
	"strconv"
	"time"
)

// Config holds server configuration
type Config struct {
	ListenAddr   string        // bind address for the resolver socket
	DNSPort      int           // DNS server port (default 53)
	Upstream     string        // upstream resolver address
	UpstreamPort int           // upstream resolver port (default 53)
	CacheFile    string        // record store backing file
	RedirectOnly bool          // always forward, never answer from the store
	PendingTTL   time.Duration // how long a forwarded query waits for its response (0 = forever)
	PendingSize  int           // maximum number of in-flight forwarded queries
	AnswerTTL    uint32        // TTL on locally synthesized records
	WebPort      int           // admin dashboard port (default 8080, 0 disables)
	Debug        bool          // development logging
}

// DefaultConfig returns a config with default values
func DefaultConfig() *Config {
	return &Config{
		ListenAddr:   "0.0.0.0",
		DNSPort:      53,
		Upstream:     "8.8.8.8",
		UpstreamPort: 53,
		CacheFile:    "dns_cache.txt",
		PendingTTL:   30 * time.Second,
		PendingSize:  4096,
		AnswerTTL:    60,
		WebPort:      8080,
	}
}

// Parse builds a Config from command line arguments, starting from the
// defaults.
func Parse(name string, args []string) (*Config, error) {
	cfg := DefaultConfig()

	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.StringVar(&cfg.ListenAddr, "listen", cfg.ListenAddr, "bind address for the DNS socket")
	fs.IntVar(&cfg.DNSPort, "port", cfg.DNSPort, "UDP port to listen on")
	fs.StringVar(&cfg.Upstream, "upstream", cfg.Upstream, "upstream DNS server address")
	fs.IntVar(&cfg.UpstreamPort, "upstream-port", cfg.UpstreamPort, "upstream DNS server port")
	fs.StringVar(&cfg.CacheFile, "cache-file", cfg.CacheFile, "file persisting resolved records")
	fs.BoolVar(&cfg.RedirectOnly, "redirect-only", cfg.RedirectOnly, "forward every query upstream, never answer locally")
	fs.DurationVar(&cfg.PendingTTL, "pending-ttl", cfg.PendingTTL, "how long a forwarded query waits for its response (0 = forever)")
	fs.IntVar(&cfg.PendingSize, "pending-size", cfg.PendingSize, "maximum number of in-flight forwarded queries")
	answerTTL := fs.Uint("answer-ttl", uint(cfg.AnswerTTL), "TTL in seconds on locally answered records")
	fs.IntVar(&cfg.WebPort, "web-port", cfg.WebPort, "admin dashboard port (0 disables)")
	fs.BoolVar(&cfg.Debug, "debug", cfg.Debug, "enable development logging")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	if fs.NArg() > 0 {
		return nil, fmt.Errorf("unexpected arguments: %v", fs.Args())
	}
	if *answerTTL > 1<<31-1 {
		return nil, fmt.Errorf("answer-ttl %d out of range", *answerTTL)
	}
	cfg.AnswerTTL = uint32(*answerTTL)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate reports the first invalid setting.
func (c *Config) Validate() error {
	if !validPort(c.DNSPort) {
		return fmt.Errorf("invalid DNS port %d", c.DNSPort)
	}
	if c.Upstream == "" {
		return errors.New("upstream server is required")
	}
	if !validPort(c.UpstreamPort) {
		return fmt.Errorf("invalid upstream port %d", c.UpstreamPort)
	}
	if c.CacheFile == "" {
		return errors.New("cache file path is required")
	}
	if c.PendingTTL < 0 {
		return fmt.Errorf("negative pending ttl %s", c.PendingTTL)
	}
	if c.PendingSize < 1 {
		return fmt.Errorf("pending size must be positive, got %d", c.PendingSize)
	}
	if c.WebPort != 0 && !validPort(c.WebPort) {
		return fmt.Errorf("invalid web port %d", c.WebPort)
	}
	return nil
}

// ListenAddress returns the host:port the resolver binds.
func (c *Config) ListenAddress() string {
	return net.JoinHostPort(c.ListenAddr, strconv.Itoa(c.DNSPort))
}

// UpstreamAddress returns the host:port of the upstream resolver.
func (c *Config) UpstreamAddress() string {
	return net.JoinHostPort(c.Upstream, strconv.Itoa(c.UpstreamPort))
}

func validPort(p int) bool {
	return p > 0 && p <= 65535
}
