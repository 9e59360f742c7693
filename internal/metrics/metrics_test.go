package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/rmacdonaldsmith/meshtopo-go/internal/topology"
	"github.com/rmacdonaldsmith/meshtopo-go/pkg/peerlink"
	pkgtopology "github.com/rmacdonaldsmith/meshtopo-go/pkg/topology"
)

// TestRecorder_ObserveRecompute tests counters and gauges after a recomputation
func TestRecorder_ObserveRecompute(t *testing.T) {
	reg := prometheus.NewRegistry()
	r := NewRecorder(reg)

	update := pkgtopology.Update{
		Version: 4,
		Cause:   pkgtopology.CauseEviction,
		Actions: []pkgtopology.DesiredAction{
			{Kind: pkgtopology.Disconnect, Pair: pkgtopology.NewPeerPair("a", "b")},
			{Kind: pkgtopology.Connect, Pair: pkgtopology.NewPeerPair("b", "c")},
			{Kind: pkgtopology.Connect, Pair: pkgtopology.NewPeerPair("c", "d")},
		},
		Unreachable: []pkgtopology.GroupID{2},
		Evicted:     []string{"a"},
	}
	r.ObserveRecompute(update, topology.Stats{Peers: 5, Groups: 2, Bridges: 1, Edges: 5, Unreachable: 1}, time.Millisecond)

	if got := testutil.ToFloat64(r.recomputes.WithLabelValues("eviction")); got != 1 {
		t.Errorf("Expected 1 eviction recomputation, got %v", got)
	}
	if got := testutil.ToFloat64(r.actions.WithLabelValues("Connect")); got != 2 {
		t.Errorf("Expected 2 Connect actions, got %v", got)
	}
	if got := testutil.ToFloat64(r.actions.WithLabelValues("Disconnect")); got != 1 {
		t.Errorf("Expected 1 Disconnect action, got %v", got)
	}
	if got := testutil.ToFloat64(r.evictions); got != 1 {
		t.Errorf("Expected 1 eviction, got %v", got)
	}
	if got := testutil.ToFloat64(r.groups); got != 2 {
		t.Errorf("Expected groups gauge 2, got %v", got)
	}
	if got := testutil.ToFloat64(r.viewVersion); got != 4 {
		t.Errorf("Expected view version 4, got %v", got)
	}
	if got := testutil.ToFloat64(r.unreachableSeen); got != 1 {
		t.Errorf("Expected 1 unreachable report, got %v", got)
	}
}

// TestRecorder_LinkEventsAndStates tests transport counters
func TestRecorder_LinkEventsAndStates(t *testing.T) {
	reg := prometheus.NewRegistry()
	r := NewRecorder(reg)

	r.ObserveLinkEvent(peerlink.LinkEvent{Kind: peerlink.Opened})
	r.ObserveLinkEvent(peerlink.LinkEvent{Kind: peerlink.Errored})
	r.ObserveLinkEvent(peerlink.LinkEvent{Kind: peerlink.Errored})
	r.ObserveStateReport("Failed")

	if got := testutil.ToFloat64(r.linkEvents.WithLabelValues("Errored")); got != 2 {
		t.Errorf("Expected 2 Errored events, got %v", got)
	}
	if got := testutil.ToFloat64(r.stateReports.WithLabelValues("Failed")); got != 1 {
		t.Errorf("Expected 1 Failed report, got %v", got)
	}
}

// TestHandler tests the metrics endpoint
func TestHandler(t *testing.T) {
	reg := prometheus.NewRegistry()
	r := NewRecorder(reg)
	r.ObserveRecompute(pkgtopology.Update{Version: 1, Cause: pkgtopology.CauseJoin}, topology.Stats{Peers: 1, Groups: 1}, 0)

	rec := httptest.NewRecorder()
	Handler(reg).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", rec.Code)
	}
	body := rec.Body.String()
	for _, name := range []string{"meshtopo_recomputations_total", "meshtopo_groups 1", "meshtopo_view_version 1"} {
		if !strings.Contains(body, name) {
			t.Errorf("Expected metrics output to contain %q", name)
		}
	}
}
