// Package store persists resolved A records in a flat text file.
//
// Each line of the backing file holds one "name address" pair. The file is
// append-only: addresses are added for a domain, never removed. Every
// operation opens, scans and closes the file, so nothing is held in memory
// between calls and the file survives restarts.
package store

import (
	"bufio"
	"errors"
	"fmt"
	"io/fs"
	"net/netip"
	"os"
	"strings"
	"sync"
	"unicode"

	"go.uber.org/zap"
)

// Store is a file-backed mapping from domain name to a set of IPv4
// addresses. It is safe for concurrent use: writers are serialized and
// readers never observe a partially appended line.
type Store struct {
	path string
	log  *zap.Logger

	mu sync.RWMutex
}

// New returns a Store backed by the file at path. The file is created on
// the first Record call.
func New(path string, logger *zap.Logger) *Store {
	return &Store{
		path: path,
		log:  logger.Named("store"),
	}
}

// Lookup returns the addresses recorded for name in insertion order. A
// domain with no entry yields an empty slice and a nil error.
func (s *Store) Lookup(name string) ([]netip.Addr, error) {
	key := normalize(name)

	s.mu.RLock()
	defer s.mu.RUnlock()

	var addrs []netip.Addr
	err := s.scan(func(n string, addr netip.Addr) bool {
		if n == key && !contains(addrs, addr) {
			addrs = append(addrs, addr)
		}
		return true
	})
	if err != nil {
		return nil, err
	}

	if len(addrs) > 0 {
		s.log.Debug("record hit", zap.String("name", key), zap.Int("addresses", len(addrs)))
	} else {
		s.log.Debug("record miss", zap.String("name", key))
	}
	return addrs, nil
}

// Record adds addr to the set stored for name. It reports whether the
// address was new; recording an existing pair leaves the file untouched.
func (s *Store) Record(name string, addr netip.Addr) (bool, error) {
	key := normalize(name)
	if !storable(key) {
		return false, fmt.Errorf("invalid domain name %q", name)
	}
	if !addr.Is4() {
		return false, fmt.Errorf("address %s is not IPv4", addr)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	found := false
	err := s.scan(func(n string, a netip.Addr) bool {
		found = n == key && a == addr
		return !found
	})
	if err != nil {
		return false, err
	}
	if found {
		return false, nil
	}

	f, err := os.OpenFile(s.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return false, fmt.Errorf("open record file: %w", err)
	}
	if _, err := f.WriteString(key + " " + addr.String() + "\n"); err != nil {
		f.Close()
		return false, fmt.Errorf("append record: %w", err)
	}
	if err := f.Close(); err != nil {
		return false, fmt.Errorf("close record file: %w", err)
	}

	s.log.Info("recorded address", zap.String("name", key), zap.Stringer("address", addr))
	return true, nil
}

// All returns every recorded domain with its addresses.
func (s *Store) All() (map[string][]netip.Addr, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[string][]netip.Addr)
	err := s.scan(func(n string, addr netip.Addr) bool {
		if !contains(out[n], addr) {
			out[n] = append(out[n], addr)
		}
		return true
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// scan calls fn for every well-formed line until fn returns false. A
// missing file is an empty store. Callers hold s.mu.
func (s *Store) scan(fn func(name string, addr netip.Addr) bool) error {
	f, err := os.Open(s.path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("open record file: %w", err)
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	line := 0
	for sc.Scan() {
		line++
		text := strings.TrimSpace(sc.Text())
		if text == "" || strings.HasPrefix(text, "#") {
			continue
		}
		fields := strings.Fields(text)
		if len(fields) != 2 {
			s.log.Warn("skipping malformed record line", zap.Int("line", line))
			continue
		}
		addr, err := netip.ParseAddr(fields[1])
		if err != nil || !addr.Is4() {
			s.log.Warn("skipping record with bad address", zap.Int("line", line), zap.String("address", fields[1]))
			continue
		}
		if !fn(normalize(fields[0]), addr) {
			return nil
		}
	}
	if err := sc.Err(); err != nil {
		return fmt.Errorf("read record file: %w", err)
	}
	return nil
}

// storable reports whether key survives a write and a later scan
// unchanged: scan splits on Unicode whitespace and skips '#' lines.
func storable(key string) bool {
	return key != "" && !strings.HasPrefix(key, "#") && strings.IndexFunc(key, unicode.IsSpace) < 0
}

func normalize(name string) string {
	return strings.ToLower(strings.TrimSuffix(name, "."))
}

func contains(addrs []netip.Addr, addr netip.Addr) bool {
	for _, a := range addrs {
		if a == addr {
			return true
		}
	}
	return false
}
