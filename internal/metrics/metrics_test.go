package metrics

import "testing"

func TestToPromLabels(t *testing.T) {
	got := toPromLabels("family=4")
	want := "family=\"4\""
	if got != want {
		t.Fatalf("toPromLabels=%q want %q", got, want)
	}
}

func TestObserversNoopBeforeEnable(t *testing.T) {
	metricsMu.Lock()
	metrics = telemetry{}
	metricsMu.Unlock()

	ObserveTCPAccepted()
	ObserveTCPRetransmit()
	ObserveTCPReset()
	SetFlowOccupancy(1, 2)
	SetUDPPortsOpen("4", 3)
	ObserveTapFragmentDrop(1)

	metricsMu.RLock()
	defer metricsMu.RUnlock()
	if metrics.tcpAcceptedTotal != 0 || metrics.flowLive != 0 {
		t.Fatalf("expected observers to no-op before EnablePrometheusMetrics")
	}
}

func TestObserversRecordAfterEnable(t *testing.T) {
	metricsMu.Lock()
	metrics = telemetry{}
	metricsMu.Unlock()

	EnablePrometheusMetrics()
	ObserveTCPAccepted()
	ObserveTCPAccepted()
	SetFlowOccupancy(5, 100)
	SetUDPPortsOpen("6", 2)

	metricsMu.RLock()
	defer metricsMu.RUnlock()
	if metrics.tcpAcceptedTotal != 2 {
		t.Fatalf("expected 2 accepted, got %d", metrics.tcpAcceptedTotal)
	}
	if metrics.flowLive != 5 || metrics.flowCapacity != 100 {
		t.Fatalf("expected flow occupancy recorded, got live=%v cap=%v", metrics.flowLive, metrics.flowCapacity)
	}
	if metrics.udpPortsOpen["family=6"] != 2 {
		t.Fatalf("expected udp ports open recorded")
	}
}
