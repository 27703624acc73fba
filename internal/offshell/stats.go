package offshell

import (
	"fmt"
	"strings"
	"sync/atomic"
)

// statsCollector counts request outcomes. All counters are atomic so the
// handlers can observe without coordination.
type statsCollector struct {
	hits      atomic.Uint64
	misses    atomic.Uint64
	stales    atomic.Uint64
	fallbacks atomic.Uint64
	refreshes atomic.Uint64
}

func newStatsCollector() *statsCollector {
	return &statsCollector{}
}

func (s *statsCollector) observe(outcome string) {
	switch outcome {
	case "hit":
		s.hits.Add(1)
	case "miss":
		s.misses.Add(1)
	case "stale":
		s.stales.Add(1)
	case "fallback":
		s.fallbacks.Add(1)
	case "refresh":
		s.refreshes.Add(1)
	}
}

type statsSnapshot struct {
	Hits      uint64 `json:"hits"`
	Misses    uint64 `json:"misses"`
	Stales    uint64 `json:"stales"`
	Fallbacks uint64 `json:"fallbacks"`
	Refreshes uint64 `json:"refreshes"`
}

func (s *statsCollector) snapshot() statsSnapshot {
	return statsSnapshot{
		Hits:      s.hits.Load(),
		Misses:    s.misses.Load(),
		Stales:    s.stales.Load(),
		Fallbacks: s.fallbacks.Load(),
		Refreshes: s.refreshes.Load(),
	}
}

func formatStatsLine(totalEntries int, ss statsSnapshot) string {
	return fmt.Sprintf(
		"Cached entries: %d, hit/miss/stale/fallback/refresh %d/%d/%d/%d/%d",
		totalEntries, ss.Hits, ss.Misses, ss.Stales, ss.Fallbacks, ss.Refreshes,
	)
}

func formatBytes(b uint64) string {
	const (
		kb = 1024
		mb = 1024 * kb
		gb = 1024 * mb
	)
	if b < kb {
		return fmt.Sprintf("%db", b)
	}
	if b < mb {
		return trimFloat(fmt.Sprintf("%.1f", float64(b)/kb)) + "kb"
	}
	if b < gb {
		return trimFloat(fmt.Sprintf("%.1f", float64(b)/mb)) + "mb"
	}
	return trimFloat(fmt.Sprintf("%.1f", float64(b)/gb)) + "gb"
}

func trimFloat(s string) string {
	s = strings.TrimSpace(s)
	s = strings.TrimSuffix(s, ".0")
	return s
}
