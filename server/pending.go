package server

import (
	"net"
	"sync"
	"time"

	"github.com/bluele/gcache"
	"go.uber.org/zap"
)

// PendingTable maps the transaction id of a forwarded query to the client
// that sent it, so the upstream response can be relayed back. Entries are
// consumed once. Capacity is bounded (least recently registered entries are
// evicted first) and entries expire after ttl when ttl is positive.
type PendingTable struct {
	mu    sync.Mutex
	cache gcache.Cache
	log   *zap.Logger
}

// NewPendingTable returns a table holding at most size entries.
func NewPendingTable(size int, ttl time.Duration, logger *zap.Logger) *PendingTable {
	return newPendingTable(size, ttl, gcache.NewRealClock(), logger)
}

func newPendingTable(size int, ttl time.Duration, clock gcache.Clock, logger *zap.Logger) *PendingTable {
	if size < 1 {
		size = 1
	}
	b := gcache.New(size).LRU().Clock(clock)
	if ttl > 0 {
		b = b.Expiration(ttl)
	}
	return &PendingTable{
		cache: b.Build(),
		log:   logger.Named("pending"),
	}
}

// Register remembers client as the origin of transaction id. An entry
// already registered under id is overwritten; Register reports whether
// that happened.
func (p *PendingTable) Register(id uint16, client *net.UDPAddr) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	replaced := p.cache.Has(id)
	if replaced {
		p.log.Warn("transaction id already pending, overwriting",
			zap.Uint16("id", id), zap.Stringer("client", client))
	}
	// Set only fails for a nil key
	_ = p.cache.Set(id, client)
	return replaced
}

// ResolveAndRemove returns the client registered for id and deletes the
// entry. It reports false when id was never registered, already consumed,
// or expired.
func (p *PendingTable) ResolveAndRemove(id uint16) (*net.UDPAddr, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	v, err := p.cache.Get(id)
	if err != nil {
		return nil, false
	}
	p.cache.Remove(id)
	return v.(*net.UDPAddr), true
}

// Len returns the number of live entries.
func (p *PendingTable) Len() int {
	return p.cache.Len(true)
}
