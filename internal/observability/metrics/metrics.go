package metrics

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Prom records dispatcher and renderer activity as Prometheus metrics.
// It satisfies dispatch.Recorder and render.Observer.
type Prom struct {
	ticks        *prometheus.CounterVec
	tickDuration prometheus.Histogram
	due          prometheus.Gauge
	deliveries   *prometheus.CounterVec
	renders      *prometheus.CounterVec
	inflight     prometheus.Gauge
}

// New registers collectors on reg (the default registerer when nil).
// Collectors that already exist are reused.
func New(reg prometheus.Registerer) (*Prom, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	p := &Prom{
		ticks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "reminderbot_ticks_total",
			Help: "Dispatch ticks by result (ok, empty, skipped, not_ready, store_error).",
		}, []string{"result"}),
		tickDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "reminderbot_tick_duration_seconds",
			Help:    "Time spent in the tick body (query and fan-out, not delivery).",
			Buckets: prometheus.DefBuckets,
		}),
		due: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "reminderbot_due_reminders",
			Help: "Reminders found due by the most recent tick.",
		}),
		deliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "reminderbot_deliveries_total",
			Help: "Delivery attempts by channel and result.",
		}, []string{"channel", "result"}),
		renders: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "reminderbot_render_total",
			Help: "Render outcomes by provider and result.",
		}, []string{"provider", "result"}),
		inflight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "reminderbot_deliveries_inflight",
			Help: "Delivery units currently running or waiting for a slot.",
		}),
	}

	var err error
	p.ticks, err = register(reg, p.ticks)
	if err != nil {
		return nil, err
	}
	if p.tickDuration, err = register(reg, p.tickDuration); err != nil {
		return nil, err
	}
	if p.due, err = register(reg, p.due); err != nil {
		return nil, err
	}
	if p.deliveries, err = register(reg, p.deliveries); err != nil {
		return nil, err
	}
	if p.renders, err = register(reg, p.renders); err != nil {
		return nil, err
	}
	if p.inflight, err = register(reg, p.inflight); err != nil {
		return nil, err
	}
	return p, nil
}

func register[C prometheus.Collector](reg prometheus.Registerer, c C) (C, error) {
	if err := reg.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(C); ok {
				return existing, nil
			}
		}
		return c, err
	}
	return c, nil
}

func (p *Prom) TickFinished(result string, took time.Duration, due int) {
	p.ticks.WithLabelValues(result).Inc()
	if result == "ok" || result == "empty" || result == "store_error" {
		p.tickDuration.Observe(took.Seconds())
	}
	if result == "ok" || result == "empty" {
		p.due.Set(float64(due))
	}
}

func (p *Prom) DeliveryFinished(channel, result string) {
	p.deliveries.WithLabelValues(channel, result).Inc()
}

func (p *Prom) InflightDelta(d int) { p.inflight.Add(float64(d)) }

func (p *Prom) ObserveRender(provider, result string) {
	if provider == "" {
		provider = "none"
	}
	p.renders.WithLabelValues(provider, result).Inc()
}
