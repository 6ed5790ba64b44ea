package s3

import (
	"time"
)

// TransferStats tracks in-gateway transfer counters.
type TransferStats struct {
	Requests        int64         `json:"requests"`
	Errors          int64         `json:"errors"`
	BytesUploaded   int64         `json:"bytes_uploaded"`
	BytesDownloaded int64         `json:"bytes_downloaded"`
	AverageLatency  time.Duration `json:"average_latency"`
	LastError       string        `json:"last_error"`
	LastErrorTime   time.Time     `json:"last_error_time"`
}

func (g *Gateway) recordRequest(duration time.Duration, isError bool) {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.stats.Requests++
	if isError {
		g.stats.Errors++
	}

	// Rolling average latency
	if g.stats.Requests == 1 {
		g.stats.AverageLatency = duration
	} else {
		g.stats.AverageLatency = time.Duration(
			(int64(g.stats.AverageLatency)*9 + int64(duration)) / 10,
		)
	}
}

func (g *Gateway) recordError(err error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.stats.LastError = err.Error()
	g.stats.LastErrorTime = time.Now()
}

func (g *Gateway) addBytesUploaded(n int64) {
	g.mu.Lock()
	g.stats.BytesUploaded += n
	g.mu.Unlock()
}

func (g *Gateway) addBytesDownloaded(n int64) {
	g.mu.Lock()
	g.stats.BytesDownloaded += n
	g.mu.Unlock()
}

// Stats returns a copy of the gateway's transfer counters.
func (g *Gateway) Stats() TransferStats {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.stats
}
