package stats

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// Stats holds resolver statistics
type Stats struct {
	mu sync.RWMutex

	// Atomic counters
	TotalQueries    int64
	CacheHits       int64
	CacheMisses     int64
	Forwarded       int64
	Unsupported     int64
	Relayed         int64
	CachedAddresses int64
	Malformed       int64
	Unmatched       int64
	UpstreamErrors  int64
	StoreErrors     int64

	QueriesByType   map[uint16]int64 // Type -> count
	QueriesByDomain map[string]int64 // Domain -> count

	startedAt   time.Time
	answerTimes []time.Duration
	maxTimes    int // Maximum number of times to keep
	maxDomains  int // Distinct domains tracked before folding into OtherDomains
}

// OtherDomains counts queries for domains seen after the per-domain table
// filled up.
const OtherDomains = "(other)"

// NewStats creates a new stats collector
func NewStats() *Stats {
	return &Stats{
		QueriesByType:   make(map[uint16]int64),
		QueriesByDomain: make(map[string]int64),
		startedAt:       time.Now(),
		answerTimes:     make([]time.Duration, 0, 1000),
		maxTimes:        1000,
		maxDomains:      10000,
	}
}

// RecordQuery records an inbound query
func (s *Stats) RecordQuery(domain string, queryType uint16) {
	atomic.AddInt64(&s.TotalQueries, 1)

	s.mu.Lock()
	s.QueriesByType[queryType]++
	if _, seen := s.QueriesByDomain[domain]; !seen && len(s.QueriesByDomain) >= s.maxDomains {
		domain = OtherDomains
	}
	s.QueriesByDomain[domain]++
	s.mu.Unlock()
}

// RecordCacheHit records a query answered locally and how long it took.
func (s *Stats) RecordCacheHit(duration time.Duration) {
	atomic.AddInt64(&s.CacheHits, 1)

	s.mu.Lock()
	defer s.mu.Unlock()

	s.answerTimes = append(s.answerTimes, duration)
	if len(s.answerTimes) > s.maxTimes {
		// Keep only the most recent times
		s.answerTimes = s.answerTimes[len(s.answerTimes)-s.maxTimes:]
	}
}

// RecordCacheMiss records a query with no stored answer.
func (s *Stats) RecordCacheMiss() { atomic.AddInt64(&s.CacheMisses, 1) }

// RecordForwarded records a query sent upstream.
func (s *Stats) RecordForwarded() { atomic.AddInt64(&s.Forwarded, 1) }

// RecordUnsupported records a query that is not a single A/IN question.
func (s *Stats) RecordUnsupported() { atomic.AddInt64(&s.Unsupported, 1) }

// RecordRelayed records an upstream response passed back to its client.
func (s *Stats) RecordRelayed() { atomic.AddInt64(&s.Relayed, 1) }

// RecordCachedAddress records an address newly written to the store.
func (s *Stats) RecordCachedAddress() { atomic.AddInt64(&s.CachedAddresses, 1) }

// RecordMalformed records a datagram that failed to decode.
func (s *Stats) RecordMalformed() { atomic.AddInt64(&s.Malformed, 1) }

// RecordUnmatched records a response with no pending query.
func (s *Stats) RecordUnmatched() { atomic.AddInt64(&s.Unmatched, 1) }

// RecordUpstreamError records a failed forward.
func (s *Stats) RecordUpstreamError() { atomic.AddInt64(&s.UpstreamErrors, 1) }

// RecordStoreError records a failed store lookup or write.
func (s *Stats) RecordStoreError() { atomic.AddInt64(&s.StoreErrors, 1) }

// Snapshot is a point-in-time copy of the statistics
type Snapshot struct {
	Uptime          string            `json:"uptime"`
	TotalQueries    int64             `json:"total_queries"`
	QueriesByType   map[string]int64  `json:"queries_by_type"`
	TopDomains      map[string]int64  `json:"top_domains"`
	CacheHits       int64             `json:"cache_hits"`
	CacheMisses     int64             `json:"cache_misses"`
	Forwarded       int64             `json:"forwarded"`
	Unsupported     int64             `json:"unsupported"`
	Relayed         int64             `json:"relayed_responses"`
	CachedAddresses int64             `json:"cached_addresses"`
	Malformed       int64             `json:"malformed"`
	Unmatched       int64             `json:"unmatched_responses"`
	UpstreamErrors  int64             `json:"upstream_errors"`
	StoreErrors     int64             `json:"store_errors"`
	AnswerTime      ResponseTimeStats `json:"answer_time"`
}

// ResponseTimeStats holds response time statistics
type ResponseTimeStats struct {
	Min   string `json:"min"`
	Max   string `json:"max"`
	Avg   string `json:"avg"`
	Count int    `json:"count"`
}

const topDomains = 10

// GetSnapshot returns a snapshot of current statistics
func (s *Stats) GetSnapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()

	snapshot := Snapshot{
		Uptime:          time.Since(s.startedAt).Truncate(time.Second).String(),
		TotalQueries:    atomic.LoadInt64(&s.TotalQueries),
		QueriesByType:   make(map[string]int64),
		TopDomains:      make(map[string]int64),
		CacheHits:       atomic.LoadInt64(&s.CacheHits),
		CacheMisses:     atomic.LoadInt64(&s.CacheMisses),
		Forwarded:       atomic.LoadInt64(&s.Forwarded),
		Unsupported:     atomic.LoadInt64(&s.Unsupported),
		Relayed:         atomic.LoadInt64(&s.Relayed),
		CachedAddresses: atomic.LoadInt64(&s.CachedAddresses),
		Malformed:       atomic.LoadInt64(&s.Malformed),
		Unmatched:       atomic.LoadInt64(&s.Unmatched),
		UpstreamErrors:  atomic.LoadInt64(&s.UpstreamErrors),
		StoreErrors:     atomic.LoadInt64(&s.StoreErrors),
	}

	for k, v := range s.QueriesByType {
		snapshot.QueriesByType[getTypeName(k)] += v
	}

	type domainCount struct {
		domain string
		count  int64
	}
	counts := make([]domainCount, 0, len(s.QueriesByDomain))
	for domain, count := range s.QueriesByDomain {
		counts = append(counts, domainCount{domain, count})
	}
	sort.Slice(counts, func(i, j int) bool {
		if counts[i].count != counts[j].count {
			return counts[i].count > counts[j].count
		}
		return counts[i].domain < counts[j].domain
	})
	for i := 0; i < len(counts) && i < topDomains; i++ {
		snapshot.TopDomains[counts[i].domain] = counts[i].count
	}

	if len(s.answerTimes) > 0 {
		var sum time.Duration
		minTime := s.answerTimes[0]
		maxTime := s.answerTimes[0]

		for _, rt := range s.answerTimes {
			sum += rt
			if rt < minTime {
				minTime = rt
			}
			if rt > maxTime {
				maxTime = rt
			}
		}

		snapshot.AnswerTime.Count = len(s.answerTimes)
		snapshot.AnswerTime.Min = minTime.String()
		snapshot.AnswerTime.Max = maxTime.String()
		snapshot.AnswerTime.Avg = (sum / time.Duration(len(s.answerTimes))).String()
	}

	return snapshot
}

// getTypeName returns a string representation of a DNS type
func getTypeName(t uint16) string {
	switch t {
	case 1:
		return "A"
	case 2:
		return "NS"
	case 5:
		return "CNAME"
	case 15:
		return "MX"
	case 16:
		return "TXT"
	case 28:
		return "AAAA"
	default:
		return "UNKNOWN"
	}
}
