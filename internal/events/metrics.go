package events

import (
	"context"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/alanyoungcy/yieldrouter/internal/domain"
)

// Metrics turns events into Prometheus series.
type Metrics struct {
	events      *prometheus.CounterVec
	harvested   *prometheus.CounterVec
	emergencies *prometheus.CounterVec
	allocation  *prometheus.GaugeVec
	inFlight    *prometheus.GaugeVec
}

// NewMetrics creates the collectors and registers them with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "yieldrouter",
			Name:      "events_total",
			Help:      "Ledger events by type.",
		}, []string{"type"}),
		harvested: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "yieldrouter",
			Name:      "yield_harvested_units_total",
			Help:      "Harvested yield in asset base units.",
		}, []string{"asset"}),
		emergencies: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "yieldrouter",
			Name:      "emergency_withdrawals_total",
			Help:      "Emergency withdrawals by asset.",
		}, []string{"asset"}),
		allocation: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "yieldrouter",
			Name:      "allocation_current_value_units",
			Help:      "Current value of each strategy allocation in asset base units.",
		}, []string{"strategy", "asset"}),
		inFlight: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "yieldrouter",
			Name:      "crosschain_transfers_in_flight",
			Help:      "Cross-domain transfers sent and not yet resolved.",
		}, []string{"direction"}),
	}
	reg.MustRegister(m.events, m.harvested, m.emergencies, m.allocation, m.inFlight)
	return m
}

// Publish records evt.
func (m *Metrics) Publish(_ context.Context, evt domain.Event) error {
	m.events.WithLabelValues(string(evt.Type)).Inc()
	amount := evt.Amount.InexactFloat64()

	switch evt.Type {
	case domain.EventYieldHarvested:
		if amount > 0 {
			m.harvested.WithLabelValues(evt.Asset).Add(amount)
		}
		m.allocation.WithLabelValues(strategyLabel(evt), evt.Asset).Set(evt.CurrentValue.InexactFloat64())
	case domain.EventAllocationUpdated:
		m.allocation.WithLabelValues(strategyLabel(evt), evt.Asset).Set(evt.CurrentValue.InexactFloat64())
	case domain.EventEmergencyWithdrawal:
		m.emergencies.WithLabelValues(evt.Asset).Inc()
		m.allocation.WithLabelValues(strategyLabel(evt), evt.Asset).Set(0)
	case domain.EventCrossChainDepositInitiated:
		m.inFlight.WithLabelValues("deposit").Inc()
	case domain.EventCrossChainDepositCompleted, domain.EventCrossChainDepositFailed:
		m.inFlight.WithLabelValues("deposit").Dec()
	case domain.EventCrossChainWithdrawInitiated:
		m.inFlight.WithLabelValues("withdraw").Inc()
	case domain.EventCrossChainWithdrawCompleted, domain.EventCrossChainWithdrawFailed:
		m.inFlight.WithLabelValues("withdraw").Dec()
	}
	return nil
}

func strategyLabel(evt domain.Event) string {
	return strconv.FormatUint(evt.StrategyID, 10)
}
