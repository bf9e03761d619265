package observability

import (
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// EngineMetrics tracks the protocol-level activity of the accounting engine:
// reservations, mints, redemption outcomes, liquidations and fee claims.
type EngineMetrics struct {
	reservations     prometheus.Counter
	mintsExecuted    prometheus.Counter
	mintsDefaulted   prometheus.Counter
	redemptions      *prometheus.CounterVec
	liquidatedLots   prometheus.Counter
	challenges       prometheus.Counter
	feeClaims        prometheus.Counter
	queueTickets     prometheus.Gauge
	requestLatencies *prometheus.HistogramVec
}

var (
	engineMetricsOnce sync.Once
	engineRegistry    *EngineMetrics
)

// Engine returns the lazily-initialised metrics registry for the accounting
// engine. Safe to call from any goroutine; registration happens once.
func Engine() *EngineMetrics {
	engineMetricsOnce.Do(func() {
		engineRegistry = &EngineMetrics{
			reservations: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "fassets",
				Name:      "collateral_reservations_total",
				Help:      "Count of collateral reservations opened.",
			}),
			mintsExecuted: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "fassets",
				Name:      "mints_executed_total",
				Help:      "Count of reservations settled by a payment proof.",
			}),
			mintsDefaulted: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "fassets",
				Name:      "mints_defaulted_total",
				Help:      "Count of reservations closed by default or unstick.",
			}),
			redemptions: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "fassets",
				Name:      "redemptions_total",
				Help:      "Count of settled redemption requests by outcome.",
			}, []string{"outcome"}),
			liquidatedLots: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "fassets",
				Name:      "liquidated_lots_total",
				Help:      "Total lots closed through liquidation.",
			}),
			challenges: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "fassets",
				Name:      "illegal_payment_challenges_total",
				Help:      "Count of successful illegal payment challenges.",
			}),
			feeClaims: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "fassets",
				Name:      "transfer_fee_claims_total",
				Help:      "Count of transfer fee claims paid out.",
			}),
			queueTickets: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "fassets",
				Name:      "redemption_queue_tickets",
				Help:      "Tickets currently sitting in the redemption queue.",
			}),
			requestLatencies: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "fassets",
				Name:      "rpc_request_seconds",
				Help:      "Latency of JSON RPC requests by route and status.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"route", "status"}),
		}
		prometheus.MustRegister(
			engineRegistry.reservations,
			engineRegistry.mintsExecuted,
			engineRegistry.mintsDefaulted,
			engineRegistry.redemptions,
			engineRegistry.liquidatedLots,
			engineRegistry.challenges,
			engineRegistry.feeClaims,
			engineRegistry.queueTickets,
			engineRegistry.requestLatencies,
		)
	})
	return engineRegistry
}

func (m *EngineMetrics) ObserveReservation() {
	if m == nil {
		return
	}
	m.reservations.Inc()
}

func (m *EngineMetrics) ObserveMintExecuted() {
	if m == nil {
		return
	}
	m.mintsExecuted.Inc()
}

func (m *EngineMetrics) ObserveMintDefaulted() {
	if m == nil {
		return
	}
	m.mintsDefaulted.Inc()
}

// ObserveRedemption records one settled redemption request. Outcome is one of
// performed, failed, defaulted or rejected.
func (m *EngineMetrics) ObserveRedemption(outcome string) {
	if m == nil {
		return
	}
	outcome = strings.TrimSpace(strings.ToLower(outcome))
	if outcome == "" {
		outcome = "unknown"
	}
	m.redemptions.WithLabelValues(outcome).Inc()
}

func (m *EngineMetrics) ObserveLiquidatedLots(lots uint64) {
	if m == nil {
		return
	}
	m.liquidatedLots.Add(float64(lots))
}

func (m *EngineMetrics) ObserveChallenge() {
	if m == nil {
		return
	}
	m.challenges.Inc()
}

func (m *EngineMetrics) ObserveFeeClaim() {
	if m == nil {
		return
	}
	m.feeClaims.Inc()
}

func (m *EngineMetrics) SetQueueTickets(count int) {
	if m == nil {
		return
	}
	m.queueTickets.Set(float64(count))
}

// ObserveRequest records one handled RPC request.
func (m *EngineMetrics) ObserveRequest(route, status string, elapsed time.Duration) {
	if m == nil {
		return
	}
	if route == "" {
		route = "unknown"
	}
	m.requestLatencies.WithLabelValues(route, status).Observe(elapsed.Seconds())
}
