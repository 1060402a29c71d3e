// Package metrics holds the dialer's Prometheus instruments on a private registry.
// Every helper is safe on a nil *Metrics so components can run without metrics in tests.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "dialer"

type Metrics struct {
	TicksTotal        *prometheus.CounterVec
	TickDuration      *prometheus.HistogramVec
	CallsToDial       *prometheus.GaugeVec
	DialLevel         *prometheus.GaugeVec
	DropRate          *prometheus.GaugeVec
	DialLevelChanges  *prometheus.CounterVec
	HopperLeased      *prometheus.CounterVec
	HopperReclaimed   *prometheus.CounterVec
	HopperUnderrun    *prometheus.CounterVec
	HopperRefilled    *prometheus.CounterVec
	HopperErrors      *prometheus.CounterVec
	CallsOriginated   *prometheus.CounterVec
	OriginateFailures *prometheus.CounterVec
	CallsBridged      *prometheus.CounterVec
	CallsDropped      *prometheus.CounterVec
	CallsMachine      *prometheus.CounterVec
	CallsExpired      *prometheus.CounterVec
	OrphanCallsEnded  prometheus.Counter
	TicksHeld         *prometheus.CounterVec
	ActiveCalls       *prometheus.GaugeVec
	EventsTotal       *prometheus.CounterVec
	EventsDiscarded   *prometheus.CounterVec
	CommandRetries    *prometheus.CounterVec
	AgentsByStatus    *prometheus.GaugeVec
	AgentTransitions  *prometheus.CounterVec
	ZombiesSwept      prometheus.Counter
	AutoWrapups       prometheus.Counter
	NotifyDropped     prometheus.Counter

	registry *prometheus.Registry
}

// New creates a Metrics instance with every instrument registered.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	counter := func(name, help string, labels ...string) *prometheus.CounterVec {
		return prometheus.NewCounterVec(prometheus.CounterOpts{Namespace: namespace, Name: name, Help: help}, labels)
	}
	gauge := func(name, help string, labels ...string) *prometheus.GaugeVec {
		return prometheus.NewGaugeVec(prometheus.GaugeOpts{Namespace: namespace, Name: name, Help: help}, labels)
	}

	m := &Metrics{
		TicksTotal: counter("ticks_total", "Scheduling ticks run per campaign", "campaign", "result"),
		TickDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "tick_duration_seconds",
			Help:      "Duration of one scheduling tick",
			Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5},
		}, []string{"campaign"}),
		CallsToDial:       gauge("calls_to_dial", "Calls the admission controller allowed on the last tick", "campaign"),
		DialLevel:         gauge("dial_level", "Current compliance-adjusted dial level", "campaign"),
		DropRate:          gauge("drop_rate_percent", "Drop rate over the compliance window", "campaign"),
		DialLevelChanges:  counter("dial_level_changes_total", "Dial level adjustments by direction", "campaign", "direction"),
		HopperLeased:      counter("hopper_leased_total", "Leads leased from the hopper", "campaign"),
		HopperReclaimed:   counter("hopper_reclaimed_total", "Stale leases reset to new", "campaign"),
		HopperUnderrun:    counter("hopper_underrun_total", "Ticks where the hopper returned fewer leads than requested", "campaign"),
		HopperRefilled:    counter("hopper_refilled_total", "Leads moved from the lead table into the hopper", "campaign"),
		HopperErrors:      counter("hopper_errors_total", "Hopper store failures by operation", "op"),
		CallsOriginated:   counter("calls_originated_total", "Customer legs originated", "campaign"),
		OriginateFailures: counter("originate_failures_total", "Customer leg originations that failed after retry", "campaign"),
		CallsBridged:      counter("calls_bridged_total", "Calls bridged to an agent", "campaign", "path"),
		CallsDropped:      counter("calls_dropped_total", "Answered calls that never reached an agent", "campaign", "reason"),
		CallsMachine:      counter("calls_machine_total", "Calls resolved by answering-machine policy", "campaign", "verdict"),
		CallsExpired:      counter("calls_expired_total", "Calls ended by the worker's own timers after platform events stopped", "campaign", "stage"),
		OrphanCallsEnded: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "orphan_calls_ended_total", Help: "Call rows left open by a lost process and closed by the sweep",
		}),
		TicksHeld:        counter("ticks_held_total", "Ticks that skipped origination while the event stream was down", "campaign"),
		ActiveCalls:      gauge("active_calls", "Calls currently tracked by the event worker", "campaign"),
		EventsTotal:      counter("events_total", "Telephony events received by type", "type"),
		EventsDiscarded:  counter("events_discarded_total", "Telephony events discarded", "reason"),
		CommandRetries:   counter("command_retries_total", "Platform command retries by operation class", "op"),
		AgentsByStatus:   gauge("agents", "Agents per status", "status"),
		AgentTransitions: counter("agent_transitions_total", "Agent status transitions", "from", "to"),
		ZombiesSwept: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "zombie_agents_swept_total", Help: "Agents forced offline by the heartbeat watchdog",
		}),
		AutoWrapups: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "auto_wrapups_total", Help: "Wrap-ups closed by timeout",
		}),
		NotifyDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "notifications_dropped_total", Help: "Reporting notifications dropped",
		}),
		registry: reg,
	}

	reg.MustRegister(
		m.TicksTotal, m.TickDuration, m.CallsToDial, m.DialLevel, m.DropRate, m.DialLevelChanges,
		m.HopperLeased, m.HopperReclaimed, m.HopperUnderrun, m.HopperRefilled, m.HopperErrors,
		m.CallsOriginated, m.OriginateFailures, m.CallsBridged, m.CallsDropped, m.CallsMachine,
		m.CallsExpired, m.OrphanCallsEnded, m.TicksHeld,
		m.ActiveCalls, m.EventsTotal, m.EventsDiscarded, m.CommandRetries,
		m.AgentsByStatus, m.AgentTransitions, m.ZombiesSwept, m.AutoWrapups, m.NotifyDropped,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Registry exposes the underlying registry (tests, custom exporters).
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) ObserveTick(campaign, result string, d time.Duration) {
	if m == nil {
		return
	}
	m.TicksTotal.WithLabelValues(campaign, result).Inc()
	m.TickDuration.WithLabelValues(campaign).Observe(d.Seconds())
}

func (m *Metrics) SetCallsToDial(campaign string, n int) {
	if m == nil {
		return
	}
	m.CallsToDial.WithLabelValues(campaign).Set(float64(n))
}

func (m *Metrics) SetCompliance(campaign string, dialLevel, dropRate float64) {
	if m == nil {
		return
	}
	m.DialLevel.WithLabelValues(campaign).Set(dialLevel)
	m.DropRate.WithLabelValues(campaign).Set(dropRate)
}

func (m *Metrics) IncDialLevelChange(campaign, direction string) {
	if m == nil {
		return
	}
	m.DialLevelChanges.WithLabelValues(campaign, direction).Inc()
}

func (m *Metrics) AddLeased(campaign string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.HopperLeased.WithLabelValues(campaign).Add(float64(n))
}

func (m *Metrics) AddReclaimed(campaign string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.HopperReclaimed.WithLabelValues(campaign).Add(float64(n))
}

func (m *Metrics) AddRefilled(campaign string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.HopperRefilled.WithLabelValues(campaign).Add(float64(n))
}

func (m *Metrics) IncUnderrun(campaign string) {
	if m == nil {
		return
	}
	m.HopperUnderrun.WithLabelValues(campaign).Inc()
}

func (m *Metrics) IncHopperError(op string) {
	if m == nil {
		return
	}
	m.HopperErrors.WithLabelValues(op).Inc()
}

func (m *Metrics) IncOriginated(campaign string) {
	if m == nil {
		return
	}
	m.CallsOriginated.WithLabelValues(campaign).Inc()
}

func (m *Metrics) IncOriginateFailure(campaign string) {
	if m == nil {
		return
	}
	m.OriginateFailures.WithLabelValues(campaign).Inc()
}

func (m *Metrics) IncBridged(campaign, path string) {
	if m == nil {
		return
	}
	m.CallsBridged.WithLabelValues(campaign, path).Inc()
}

func (m *Metrics) IncDropped(campaign, reason string) {
	if m == nil {
		return
	}
	m.CallsDropped.WithLabelValues(campaign, reason).Inc()
}

func (m *Metrics) IncMachine(campaign, verdict string) {
	if m == nil {
		return
	}
	m.CallsMachine.WithLabelValues(campaign, verdict).Inc()
}

func (m *Metrics) IncCallExpired(campaign, stage string) {
	if m == nil {
		return
	}
	m.CallsExpired.WithLabelValues(campaign, stage).Inc()
}

func (m *Metrics) AddOrphanCallsEnded(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.OrphanCallsEnded.Add(float64(n))
}

func (m *Metrics) IncTickHeld(campaign string) {
	if m == nil {
		return
	}
	m.TicksHeld.WithLabelValues(campaign).Inc()
}

func (m *Metrics) SetActiveCalls(campaign string, n int) {
	if m == nil {
		return
	}
	m.ActiveCalls.WithLabelValues(campaign).Set(float64(n))
}

func (m *Metrics) IncEvent(eventType string) {
	if m == nil {
		return
	}
	m.EventsTotal.WithLabelValues(eventType).Inc()
}

func (m *Metrics) IncEventDiscarded(reason string) {
	if m == nil {
		return
	}
	m.EventsDiscarded.WithLabelValues(reason).Inc()
}

func (m *Metrics) IncCommandRetry(op string) {
	if m == nil {
		return
	}
	m.CommandRetries.WithLabelValues(op).Inc()
}

func (m *Metrics) SetAgents(status string, n int) {
	if m == nil {
		return
	}
	m.AgentsByStatus.WithLabelValues(status).Set(float64(n))
}

func (m *Metrics) IncAgentTransition(from, to string) {
	if m == nil {
		return
	}
	m.AgentTransitions.WithLabelValues(from, to).Inc()
}

func (m *Metrics) AddZombiesSwept(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.ZombiesSwept.Add(float64(n))
}

func (m *Metrics) IncAutoWrapup() {
	if m == nil {
		return
	}
	m.AutoWrapups.Inc()
}

func (m *Metrics) IncNotifyDropped() {
	if m == nil {
		return
	}
	m.NotifyDropped.Inc()
}
