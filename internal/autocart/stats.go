package autocart

import (
	"fmt"
	"math"
	"strings"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
)

type statsCollector struct {
	hits          atomic.Uint64
	misses        atomic.Uint64
	noStore       atomic.Uint64
	bypassed      atomic.Uint64
	passthrough   atomic.Uint64
	networkErrors atomic.Uint64
	storeFailures atomic.Uint64
	deletedGens   atomic.Uint64
	pushShown     atomic.Uint64
	pushDropped   atomic.Uint64

	totalResponses atomic.Uint64
	totalRespBytes atomic.Uint64
	minRespBytes   atomic.Uint64
	maxRespBytes   atomic.Uint64

	outcomeDesc *prometheus.Desc
	eventDesc   *prometheus.Desc
	bytesDesc   *prometheus.Desc
}

func newStatsCollector() *statsCollector {
	s := &statsCollector{
		outcomeDesc: prometheus.NewDesc(
			"autocart_fetch_total",
			"Intercepted fetches by outcome.",
			[]string{"outcome"}, nil,
		),
		eventDesc: prometheus.NewDesc(
			"autocart_events_total",
			"Worker side effects by kind.",
			[]string{"kind"}, nil,
		),
		bytesDesc: prometheus.NewDesc(
			"autocart_served_bytes_total",
			"Body bytes served from cache or network by the worker.",
			nil, nil,
		),
	}
	s.minRespBytes.Store(math.MaxUint64)
	return s
}

func (s *statsCollector) observeOutcome(o Outcome) {
	switch o {
	case OutcomeHit:
		s.hits.Add(1)
	case OutcomeMiss:
		s.misses.Add(1)
	case OutcomeNoStore:
		s.noStore.Add(1)
	case OutcomeBypass:
		s.bypassed.Add(1)
	case OutcomePassthrough:
		s.passthrough.Add(1)
	}
}

func (s *statsCollector) Observe(respBytes int) {
	if respBytes < 0 {
		respBytes = 0
	}
	n := uint64(respBytes)

	s.totalResponses.Add(1)
	s.totalRespBytes.Add(n)

	for {
		cur := s.minRespBytes.Load()
		if n >= cur || s.minRespBytes.CompareAndSwap(cur, n) {
			break
		}
	}
	for {
		cur := s.maxRespBytes.Load()
		if n <= cur || s.maxRespBytes.CompareAndSwap(cur, n) {
			break
		}
	}
}

type statsSnapshot struct {
	Hits, Misses, NoStore, Bypassed, Passthrough uint64
	NetworkErrors, StoreFailures, DeletedGens   uint64
	PushShown, PushDropped                      uint64

	TotalResponses uint64
	TotalRespBytes uint64
	MinRespBytes   uint64
	MaxRespBytes   uint64
	AvgRespBytes   uint64
}

func (s *statsCollector) Snapshot() statsSnapshot {
	out := statsSnapshot{
		Hits:          s.hits.Load(),
		Misses:        s.misses.Load(),
		NoStore:       s.noStore.Load(),
		Bypassed:      s.bypassed.Load(),
		Passthrough:   s.passthrough.Load(),
		NetworkErrors: s.networkErrors.Load(),
		StoreFailures: s.storeFailures.Load(),
		DeletedGens:   s.deletedGens.Load(),
		PushShown:     s.pushShown.Load(),
		PushDropped:   s.pushDropped.Load(),
	}
	count := s.totalResponses.Load()
	if count == 0 {
		return out
	}
	minv := s.minRespBytes.Load()
	if minv == math.MaxUint64 {
		minv = 0
	}
	out.TotalResponses = count
	out.TotalRespBytes = s.totalRespBytes.Load()
	out.MinRespBytes = minv
	out.MaxRespBytes = s.maxRespBytes.Load()
	out.AvgRespBytes = out.TotalRespBytes / count
	return out
}

// Describe implements prometheus.Collector.
func (s *statsCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- s.outcomeDesc
	ch <- s.eventDesc
	ch <- s.bytesDesc
}

// Collect implements prometheus.Collector.
func (s *statsCollector) Collect(ch chan<- prometheus.Metric) {
	ss := s.Snapshot()
	outcomes := map[Outcome]uint64{
		OutcomeHit:         ss.Hits,
		OutcomeMiss:        ss.Misses,
		OutcomeNoStore:     ss.NoStore,
		OutcomeBypass:      ss.Bypassed,
		OutcomePassthrough: ss.Passthrough,
	}
	for o, v := range outcomes {
		ch <- prometheus.MustNewConstMetric(s.outcomeDesc, prometheus.CounterValue, float64(v), string(o))
	}
	events := map[string]uint64{
		"network_error":        ss.NetworkErrors,
		"store_failure":        ss.StoreFailures,
		"generation_deleted":   ss.DeletedGens,
		"notification_shown":   ss.PushShown,
		"notification_dropped": ss.PushDropped,
	}
	for k, v := range events {
		ch <- prometheus.MustNewConstMetric(s.eventDesc, prometheus.CounterValue, float64(v), k)
	}
	ch <- prometheus.MustNewConstMetric(s.bytesDesc, prometheus.CounterValue, float64(ss.TotalRespBytes))
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
	return strings.TrimSuffix(strings.TrimSpace(s), ".0")
}
