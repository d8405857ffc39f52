// Package metrics exposes a Prometheus registry tracking bus throughput,
// signal outcomes, and processing latency, subscribed to the same event bus
// the rest of the core publishes to.
package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/marketflow/tapereader/internal/events"
)

// Registry owns the counters/gauges/histograms and the HTTP server exposing
// them at /metrics.
type Registry struct {
	logger *zap.Logger
	server *http.Server

	eventsPublished *prometheus.CounterVec
	eventsFaulted   *prometheus.CounterVec
	signalsBySource *prometheus.CounterVec
	riskOutcomes    *prometheus.CounterVec
	pollLatency     prometheus.Histogram
	regimeScore     *prometheus.GaugeVec
	subscriberGauge *prometheus.GaugeVec
}

// New creates a Registry with its own prometheus.Registry (not the global
// default one, so repeated test construction never panics on duplicate
// registration).
func New(logger *zap.Logger) *Registry {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	r := &Registry{
		logger: logger.Named("metrics"),
		eventsPublished: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tapereader",
			Name:      "events_published_total",
			Help:      "Number of events published per topic.",
		}, []string{"topic"}),
		eventsFaulted: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tapereader",
			Name:      "events_handler_faults_total",
			Help:      "Number of subscriber handler faults per topic.",
		}, []string{"topic"}),
		signalsBySource: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tapereader",
			Name:      "signals_total",
			Help:      "Number of signals emitted, by source.",
		}, []string{"source", "level"}),
		riskOutcomes: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tapereader",
			Name:      "risk_outcomes_total",
			Help:      "Number of risk evaluations, by outcome.",
		}, []string{"outcome"}),
		pollLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: "tapereader",
			Name:      "provider_poll_seconds",
			Help:      "Time spent in a single provider Poll call.",
			Buckets:   prometheus.DefBuckets,
		}),
		regimeScore: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "tapereader",
			Name:      "regime_score",
			Help:      "Current regime classifier score, by instrument.",
		}, []string{"instrument"}),
		subscriberGauge: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "tapereader",
			Name:      "bus_subscribers",
			Help:      "Current subscriber count, by topic.",
		}, []string{"topic"}),
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	r.server = &http.Server{Handler: mux}
	return r
}

// Subscribe wires the registry's counters to bus's topics. Call once at
// startup, after both the bus and the registry exist.
func (r *Registry) Subscribe(bus *events.Bus) {
	for _, topic := range []events.Topic{
		events.TopicMarketSnapshot,
		events.TopicPatternDetected,
		events.TopicSignalGenerated,
		events.TopicSignalApproved,
		events.TopicSignalRejected,
		events.TopicManipulationDetect,
		events.TopicRegimeChange,
		events.TopicMaintenanceComplete,
		events.TopicDailyReset,
		events.TopicSystemStarted,
		events.TopicSystemStopping,
		events.TopicSystemError,
		events.TopicSystemCriticalFail,
		events.TopicMemoryEmergency,
	} {
		t := topic
		bus.Subscribe(t, func(payload interface{}) error {
			r.eventsPublished.WithLabelValues(string(t)).Inc()
			return nil
		})
	}
}

// ObservePoll records how long a single provider Poll call took.
func (r *Registry) ObservePoll(d time.Duration) {
	r.pollLatency.Observe(d.Seconds())
}

// ObserveSignal records an emitted signal by source and level.
func (r *Registry) ObserveSignal(source, level string) {
	r.signalsBySource.WithLabelValues(source, level).Inc()
}

// ObserveRiskOutcome records a risk evaluation's outcome (APPROVED,
// REJECTED, a specific rejection reason).
func (r *Registry) ObserveRiskOutcome(outcome string) {
	r.riskOutcomes.WithLabelValues(outcome).Inc()
}

// ObserveHandlerFault records a subscriber handler error for topic.
func (r *Registry) ObserveHandlerFault(topic string) {
	r.eventsFaulted.WithLabelValues(topic).Inc()
}

// SetRegimeScore records instrument's latest regime classifier score.
func (r *Registry) SetRegimeScore(instrument string, score float64) {
	r.regimeScore.WithLabelValues(instrument).Set(score)
}

// SetSubscriberCount records topic's current subscriber count.
func (r *Registry) SetSubscriberCount(topic string, count int) {
	r.subscriberGauge.WithLabelValues(topic).Set(float64(count))
}

// Start serves /metrics on addr until the context is cancelled.
func (r *Registry) Start(ctx context.Context, addr string) error {
	r.server.Addr = addr
	errCh := make(chan error, 1)
	go func() {
		r.logger.Info("metrics server listening", zap.String("addr", addr))
		if err := r.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return r.server.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}
