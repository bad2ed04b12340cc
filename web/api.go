package web

import (
	"net/http"
	"net/netip"
	"sort"
	"time"

	"dnsrelay/stats"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// RecordLister exposes the persisted records read-only.
type RecordLister interface {
	Lookup(name string) ([]netip.Addr, error)
	All() (map[string][]netip.Addr, error)
}

// API handles REST API endpoints
type API struct {
	stats    *stats.Stats
	records  RecordLister
	log      *zap.Logger
	interval time.Duration // push period of the stats stream
	upgrader websocket.Upgrader
}

// NewAPI creates a new API handler
func NewAPI(s *stats.Stats, records RecordLister, logger *zap.Logger) *API {
	return &API{
		stats:    s,
		records:  records,
		log:      logger,
		interval: time.Second,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

// HandleHealth reports liveness
func (a *API) HandleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// HandleStats returns statistics as JSON
func (a *API) HandleStats(c *gin.Context) {
	c.JSON(http.StatusOK, a.stats.GetSnapshot())
}

// HandleRecords returns every cached domain with its addresses
func (a *API) HandleRecords(c *gin.Context) {
	all, err := a.records.All()
	if err != nil {
		a.log.Warn("listing records failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "record store unavailable"})
		return
	}

	names := make([]string, 0, len(all))
	for name := range all {
		names = append(names, name)
	}
	sort.Strings(names)

	out := make([]gin.H, 0, len(names))
	for _, name := range names {
		out = append(out, gin.H{"name": name, "addresses": addrStrings(all[name])})
	}
	c.JSON(http.StatusOK, gin.H{"count": len(out), "records": out})
}

// HandleRecord returns the addresses cached for one domain
func (a *API) HandleRecord(c *gin.Context) {
	name := c.Param("name")
	addrs, err := a.records.Lookup(name)
	if err != nil {
		a.log.Warn("record lookup failed", zap.String("name", name), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "record store unavailable"})
		return
	}
	if len(addrs) == 0 {
		c.JSON(http.StatusNotFound, gin.H{"error": "no record for " + name})
		return
	}
	c.JSON(http.StatusOK, gin.H{"name": name, "addresses": addrStrings(addrs)})
}

// HandleStatsStream upgrades to a websocket and pushes a stats snapshot
// every interval until the client goes away.
func (a *API) HandleStatsStream(c *gin.Context) {
	conn, err := a.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		a.log.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	// reads only serve to notice the client closing
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(a.interval)
	defer ticker.Stop()

	for {
		if err := conn.WriteJSON(a.stats.GetSnapshot()); err != nil {
			a.log.Debug("stats stream closed", zap.Error(err))
			return
		}
		select {
		case <-gone:
			return
		case <-ticker.C:
		}
	}
}

func addrStrings(addrs []netip.Addr) []string {
	out := make([]string, len(addrs))
	for i, a := range addrs {
		out[i] = a.String()
	}
	return out
}
