package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"market-emulator/src/models"
)

// Collector holds the emulator's Prometheus collectors on a private registry.
// A nil *Collector is valid and records nothing.
type Collector struct {
	registry *prometheus.Registry

	messagesIn     *prometheus.CounterVec
	messagesOut    *prometheus.CounterVec
	orderReplies   *prometheus.CounterVec
	tradesExecuted prometheus.Counter
	bookDepth      *prometheus.GaugeVec
	processLatency prometheus.Histogram
	corePanics     prometheus.Counter
	replayed       *prometheus.CounterVec
	heartbeats     prometheus.Counter
}

func New(namespace string) *Collector {
	registry := prometheus.NewRegistry()
	c := &Collector{
		registry: registry,

		messagesIn: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_in_total",
			Help:      "Inbound messages processed by kind",
		}, []string{"kind"}),

		messagesOut: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_out_total",
			Help:      "Outbound messages produced by kind",
		}, []string{"kind"}),

		orderReplies: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "order_replies_total",
			Help:      "Transactional replies by order state and rejection reason",
		}, []string{"state", "reason"}),

		tradesExecuted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "trades_executed_total",
			Help:      "Fills of portfolio orders",
		}),

		bookDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "orderbook_levels",
			Help:      "Price levels in the last published book by side",
		}, []string{"security", "side"}),

		processLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "process_latency_seconds",
			Help:      "Wall clock time spent routing one inbound message",
			Buckets:   prometheus.ExponentialBuckets(1e-6, 4, 10),
		}),

		corePanics: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "core_panics_total",
			Help:      "Recovered panics of matching cores",
		}),

		replayed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "replayed_messages_total",
			Help:      "Messages emitted by the replay scheduler by kind",
		}, []string{"kind"}),

		heartbeats: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "replay_heartbeats_total",
			Help:      "Synthetic time messages emitted on dataless days",
		}),
	}

	registry.MustRegister(
		c.messagesIn,
		c.messagesOut,
		c.orderReplies,
		c.tradesExecuted,
		c.bookDepth,
		c.processLatency,
		c.corePanics,
		c.replayed,
		c.heartbeats,
	)
	return c
}

func (c *Collector) Registry() *prometheus.Registry {
	if c == nil {
		return nil
	}
	return c.registry
}

// Inbound records one routed message and how long routing took.
func (c *Collector) Inbound(msg models.Message, took time.Duration) {
	if c == nil {
		return
	}
	c.messagesIn.WithLabelValues(string(msg.Kind())).Inc()
	c.processLatency.Observe(took.Seconds())
}

// Outbound records what routing produced.
func (c *Collector) Outbound(msgs []models.Message) {
	if c == nil {
		return
	}
	for _, msg := range msgs {
		c.messagesOut.WithLabelValues(string(msg.Kind())).Inc()
		switch m := msg.(type) {
		case *models.ExecutionMessage:
			if m.IsMarketData() {
				continue
			}
			if m.HasTradeInfo {
				c.tradesExecuted.Inc()
				continue
			}
			c.orderReplies.WithLabelValues(string(m.OrderState), string(models.ReasonOf(m.Err))).Inc()
		case *models.QuoteChangeMessage:
			security := m.SecurityID.String()
			c.bookDepth.WithLabelValues(security, string(models.SideBuy)).Set(float64(len(m.Bids)))
			c.bookDepth.WithLabelValues(security, string(models.SideSell)).Set(float64(len(m.Asks)))
		}
	}
}

func (c *Collector) Panic() {
	if c == nil {
		return
	}
	c.corePanics.Inc()
}

// Replayed records a message leaving the replay scheduler.
func (c *Collector) Replayed(msg models.Message, heartbeat bool) {
	if c == nil {
		return
	}
	c.replayed.WithLabelValues(string(msg.Kind())).Inc()
	if heartbeat {
		c.heartbeats.Inc()
	}
}
