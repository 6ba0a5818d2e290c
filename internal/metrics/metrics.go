// Package metrics exposes the flow-table, TCP, UDP and tap counters named
// in spec.md's EXTERNAL INTERFACES discussion of observability, over a
// hand-rolled Prometheus text endpoint -- adapted directly from the
// teacher's internal/metrics.go (telemetry struct, EnablePrometheusMetrics,
// StartMetricsServer, writeCounterVec/writeGaugeVec shape), generalized
// from websocket-upstream-selection counters to this system's flow/TCP/
// UDP/tap counters.
package metrics

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"
)

type telemetry struct {
	enabled bool
	mu      sync.RWMutex

	flowLive     float64
	flowCapacity float64

	tcpRetransTotal  uint64
	tcpResetsTotal   uint64
	tcpAcceptedTotal uint64

	udpPortsOpen map[string]float64 // "family=4"/"family=6" -> count

	tapFragDropsTotal uint64
}

var (
	metricsMu sync.RWMutex
	metrics   telemetry
)

// EnablePrometheusMetrics turns on metrics collection. Calling it twice is
// a no-op.
func EnablePrometheusMetrics() {
	metricsMu.Lock()
	defer metricsMu.Unlock()
	if metrics.enabled {
		return
	}
	metrics.udpPortsOpen = make(map[string]float64)
	metrics.enabled = true
}

// StartMetricsServer runs the /metrics HTTP endpoint until ctx is
// cancelled.
func StartMetricsServer(ctx context.Context, addr string) error {
	if strings.TrimSpace(addr) == "" {
		return errors.New("empty metrics address")
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/metrics", metricsHandler)
	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	err := srv.ListenAndServe()
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("metrics server: %w", err)
	}
	return nil
}

// SetFlowOccupancy records the flow table's current live/capacity counts,
// for the §8 invariant "LiveCount <= Cap" to be observable in production.
func SetFlowOccupancy(live, capacity int) {
	metricsMu.RLock()
	if !metrics.enabled {
		metricsMu.RUnlock()
		return
	}
	metrics.mu.Lock()
	metricsMu.RUnlock()
	defer metrics.mu.Unlock()
	metrics.flowLive = float64(live)
	metrics.flowCapacity = float64(capacity)
}

// ObserveTCPAccepted increments the count of inbound flows accepted.
func ObserveTCPAccepted() {
	metricsMu.RLock()
	if !metrics.enabled {
		metricsMu.RUnlock()
		return
	}
	metrics.mu.Lock()
	metricsMu.RUnlock()
	defer metrics.mu.Unlock()
	metrics.tcpAcceptedTotal++
}

// ObserveTCPRetransmit increments the fast/timer retransmit counter.
func ObserveTCPRetransmit() {
	metricsMu.RLock()
	if !metrics.enabled {
		metricsMu.RUnlock()
		return
	}
	metrics.mu.Lock()
	metricsMu.RUnlock()
	defer metrics.mu.Unlock()
	metrics.tcpRetransTotal++
}

// ObserveTCPReset increments the RST-triggered close counter.
func ObserveTCPReset() {
	metricsMu.RLock()
	if !metrics.enabled {
		metricsMu.RUnlock()
		return
	}
	metrics.mu.Lock()
	metricsMu.RUnlock()
	defer metrics.mu.Unlock()
	metrics.tcpResetsTotal++
}

// SetUDPPortsOpen records the current UDP port-table size for one family
// ("4" or "6").
func SetUDPPortsOpen(family string, n int) {
	metricsMu.RLock()
	if !metrics.enabled {
		metricsMu.RUnlock()
		return
	}
	metrics.mu.Lock()
	metricsMu.RUnlock()
	defer metrics.mu.Unlock()
	metrics.udpPortsOpen[fmt.Sprintf("family=%s", family)] = float64(n)
}

// ObserveTapFragmentDrop increments the fragment-drop counter (spec.md
// §4.5).
func ObserveTapFragmentDrop(n int) {
	metricsMu.RLock()
	if !metrics.enabled {
		metricsMu.RUnlock()
		return
	}
	metrics.mu.Lock()
	metricsMu.RUnlock()
	defer metrics.mu.Unlock()
	metrics.tapFragDropsTotal += uint64(n)
}

func metricsHandler(w http.ResponseWriter, _ *http.Request) {
	metricsMu.RLock()
	enabled := metrics.enabled
	metricsMu.RUnlock()
	if !enabled {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("# metrics disabled\n"))
		return
	}
	w.Header().Set("Content-Type", "text/plain; version=0.0.4")

	metrics.mu.RLock()
	defer metrics.mu.RUnlock()

	fmt.Fprintf(w, "netshim_flow_live %.0f\n", metrics.flowLive)
	fmt.Fprintf(w, "netshim_flow_capacity %.0f\n", metrics.flowCapacity)
	fmt.Fprintf(w, "netshim_tcp_accepted_total %d\n", metrics.tcpAcceptedTotal)
	fmt.Fprintf(w, "netshim_tcp_retransmits_total %d\n", metrics.tcpRetransTotal)
	fmt.Fprintf(w, "netshim_tcp_resets_total %d\n", metrics.tcpResetsTotal)
	writeGaugeVec(w, "netshim_udp_ports_open", metrics.udpPortsOpen)
	fmt.Fprintf(w, "netshim_tap_fragment_drops_total %d\n", metrics.tapFragDropsTotal)
}

func writeGaugeVec(w http.ResponseWriter, name string, data map[string]float64) {
	keys := make([]string, 0, len(data))
	for k := range data {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(w, "%s{%s} %.0f\n", name, toPromLabels(k), data[k])
	}
}

func toPromLabels(s string) string {
	parts := strings.Split(s, ",")
	for i, p := range parts {
		kv := strings.SplitN(p, "=", 2)
		if len(kv) != 2 {
			continue
		}
		parts[i] = fmt.Sprintf("%s=\"%s\"", kv[0], strings.ReplaceAll(kv[1], "\"", "\\\""))
	}
	return strings.Join(parts, ",")
}
