package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/rmacdonaldsmith/meshtopo-go/internal/topology"
	"github.com/rmacdonaldsmith/meshtopo-go/pkg/peerlink"
	pkgtopology "github.com/rmacdonaldsmith/meshtopo-go/pkg/topology"
)

const namespace = "meshtopo"

// Recorder exposes Prometheus metrics for the topology manager and the link layer
type Recorder struct {
	recomputes      *prometheus.CounterVec
	recomputeDur    prometheus.Histogram
	actions         *prometheus.CounterVec
	evictions       prometheus.Counter
	unreachableSeen prometheus.Counter
	linkEvents      *prometheus.CounterVec
	stateReports    *prometheus.CounterVec

	peers       prometheus.Gauge
	groups      prometheus.Gauge
	bridges     prometheus.Gauge
	edges       prometheus.Gauge
	unreachable prometheus.Gauge
	viewVersion prometheus.Gauge
}

// NewRecorder registers metrics with the provided registry
func NewRecorder(reg prometheus.Registerer) *Recorder {
	r := &Recorder{
		recomputes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "recomputations_total",
			Help:      "Topology recomputations grouped by cause",
		}, []string{"cause"}),
		recomputeDur: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "recomputation_duration_seconds",
			Help:      "Latency of full topology recomputation",
			Buckets:   prometheus.ExponentialBuckets(0.00001, 4, 10),
		}),
		actions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "actions_total",
			Help:      "Desired actions emitted grouped by kind",
		}, []string{"kind"}),
		evictions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "evictions_total",
			Help:      "Peers removed after exhausting their failure budget",
		}),
		unreachableSeen: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "unreachable_group_reports_total",
			Help:      "Recomputations that found at least one unreachable group",
		}),
		linkEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "link_events_total",
			Help:      "Raw transport events grouped by kind",
		}, []string{"kind"}),
		stateReports: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "state_reports_total",
			Help:      "Aggregated peer state reports grouped by state",
		}, []string{"state"}),
		peers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "peers",
			Help:      "Peers currently assigned to a group",
		}),
		groups: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "groups",
			Help:      "Mesh groups in the current topology",
		}),
		bridges: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "bridges",
			Help:      "Bridges in the current topology",
		}),
		edges: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "desired_edges",
			Help:      "Edges in the current desired view",
		}),
		unreachable: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "unreachable_groups",
			Help:      "Groups without a bridge-eligible peer",
		}),
		viewVersion: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "view_version",
			Help:      "Version of the last published view",
		}),
	}

	reg.MustRegister(
		r.recomputes,
		r.recomputeDur,
		r.actions,
		r.evictions,
		r.unreachableSeen,
		r.linkEvents,
		r.stateReports,
		r.peers,
		r.groups,
		r.bridges,
		r.edges,
		r.unreachable,
		r.viewVersion,
	)
	return r
}

// Handler returns an HTTP handler serving the registry's metrics
func Handler(reg *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg})
}

// ObserveRecompute implements topology.Observer
func (r *Recorder) ObserveRecompute(update pkgtopology.Update, stats topology.Stats, elapsed time.Duration) {
	r.recomputes.WithLabelValues(string(update.Cause)).Inc()
	r.recomputeDur.Observe(elapsed.Seconds())
	for _, a := range update.Actions {
		r.actions.WithLabelValues(a.Kind.String()).Inc()
	}
	if n := len(update.Evicted); n > 0 {
		r.evictions.Add(float64(n))
	}
	if stats.Unreachable > 0 {
		r.unreachableSeen.Inc()
	}

	r.peers.Set(float64(stats.Peers))
	r.groups.Set(float64(stats.Groups))
	r.bridges.Set(float64(stats.Bridges))
	r.edges.Set(float64(stats.Edges))
	r.unreachable.Set(float64(stats.Unreachable))
	r.viewVersion.Set(float64(update.Version))
}

// ObserveLinkEvent counts a raw transport event
func (r *Recorder) ObserveLinkEvent(ev peerlink.LinkEvent) {
	r.linkEvents.WithLabelValues(ev.Kind.String()).Inc()
}

// ObserveStateReport counts an aggregated state forwarded by the reporter
func (r *Recorder) ObserveStateReport(state string) {
	r.stateReports.WithLabelValues(state).Inc()
}

var _ topology.Observer = (*Recorder)(nil)
