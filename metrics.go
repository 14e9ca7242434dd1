package federatedrp

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
)

const (
	metricsNamespace = "federatedrp"

	tracerName = "github.com/hupe1980/federatedrp"
)

var tracer = otel.Tracer(tracerName)

// Upstream labels.
const (
	upstreamIdP       = "idp"
	upstreamDiscovery = "discovery"
	upstreamRoleMap   = "rolemap"
	upstreamSTS       = "sts"
	upstreamSignin    = "signin"
)

// Metrics holds the Prometheus collectors of the relying party. A nil *Metrics records nothing.
type Metrics struct {
	transitions        *prometheus.CounterVec
	upstreamFailures   *prometheus.CounterVec
	discoveryRefreshes *prometheus.CounterVec
}

// NewMetrics creates the collectors and registers them with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		transitions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "workflow_transitions_total",
			Help:      "Workflow transitions by target state.",
		}, []string{"state"}),
		upstreamFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "upstream_failures_total",
			Help:      "Transient upstream failures by upstream.",
		}, []string{"upstream"}),
		discoveryRefreshes: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "discovery_refreshes_total",
			Help:      "Discovery document refreshes by result.",
		}, []string{"result"}),
	}
}

func (m *Metrics) observeTransition(state WorkflowState) {
	if m == nil {
		return
	}

	label := string(state)
	if label == "" {
		label = "none"
	}

	m.transitions.WithLabelValues(label).Inc()
}

func (m *Metrics) observeUpstreamFailure(upstream string) {
	if m == nil {
		return
	}

	m.upstreamFailures.WithLabelValues(upstream).Inc()
}

func (m *Metrics) observeDiscoveryRefresh(result string) {
	if m == nil {
		return
	}

	m.discoveryRefreshes.WithLabelValues(result).Inc()
}
