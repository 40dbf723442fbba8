package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Trading state gauges.
var (
	Equity = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "alphaarena_equity_usd",
		Help: "Account equity (wallet balance plus unrealized PnL) in USD",
	})

	PeakEquity = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "alphaarena_peak_equity_usd",
		Help: "Highest equity seen, the drawdown reference",
	})

	DailyRealizedPnL = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "alphaarena_daily_realized_pnl_usd",
		Help: "Realized PnL for the current UTC day in USD",
	})

	OpenPositions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "alphaarena_open_positions",
		Help: "Number of currently open positions",
	})

	KillSwitchActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "alphaarena_kill_switch_active",
		Help: "1 when a kill-switch has halted new entries, else 0",
	})

	VenueLatency = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "alphaarena_venue_latency_seconds",
		Help: "Rolling average venue call latency in seconds",
	})
)

// Flow counters, labeled with bounded sets only.
var (
	TradeEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "alphaarena_trade_events_total",
		Help: "Position lifecycle events by type",
	}, []string{"event"})

	Decisions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "alphaarena_decisions_total",
		Help: "Agent decisions by signal",
	}, []string{"signal"})

	BreakerTrips = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "alphaarena_breaker_trips_total",
		Help: "Market circuit breaker trips by reason",
	}, []string{"reason"})

	EntrySkips = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "alphaarena_entry_skips_total",
		Help: "Entries skipped before reaching the venue, by reason",
	}, []string{"reason"})

	Reattaches = promauto.NewCounter(prometheus.CounterOpts{
		Name: "alphaarena_reattaches_total",
		Help: "Protective bracket repairs performed by the sentinel",
	})
)

// Cycle timing.
var (
	CycleDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "alphaarena_cycle_duration_seconds",
		Help:    "Wall time of one full decision cycle",
		Buckets: []float64{0.5, 1, 2.5, 5, 10, 20, 45, 90},
	})

	CycleTimeouts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "alphaarena_cycle_timeouts_total",
		Help: "Decision cycles aborted by the cycle timeout",
	})
)
