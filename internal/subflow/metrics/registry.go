package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry holds every broker metric without touching the global
// prometheus registry.
type Registry struct {
	registry *prometheus.Registry

	// producer
	publishTotal     *prometheus.CounterVec
	publishDuration  *prometheus.HistogramVec
	publishBatchSize *prometheus.HistogramVec

	// consumer
	dispatchTotal         *prometheus.CounterVec
	messagesDispatched    *prometheus.CounterVec
	bytesDispatched       *prometheus.CounterVec
	ackTotal              *prometheus.CounterVec
	creditTotal           *prometheus.CounterVec
	redeliveryTotal       *prometheus.CounterVec
	messagesRedelivered   *prometheus.CounterVec
	corruptEntriesTotal   *prometheus.CounterVec
	consumerPermits       *prometheus.GaugeVec
	consumerUnacked       *prometheus.GaugeVec
	consumerBlocked       *prometheus.GaugeVec
	consumerBlockedTotal  *prometheus.CounterVec
	subscriptionConsumers *prometheus.GaugeVec

	// controller
	databaseOperationTotal    *prometheus.CounterVec
	databaseOperationDuration *prometheus.HistogramVec

	// connection
	commandsTotal     *prometheus.CounterVec
	connectionsActive prometheus.Gauge

	systemInfo *prometheus.GaugeVec
	startTime  prometheus.Gauge
}

func NewRegistry() *Registry {
	registry := prometheus.NewRegistry()
	consumerLabels := []string{"topic", "subscription", "consumer"}

	r := &Registry{
		registry: registry,

		publishTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "subflow_producer_publish_total",
				Help: "Total number of publish operations",
			},
			[]string{"topic", "status"}, // status: success, error
		),
		publishDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "subflow_producer_publish_duration_seconds",
				Help:    "Time spent publishing batches",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"topic"},
		),
		publishBatchSize: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "subflow_producer_batch_size",
				Help:    "Number of events in published batches",
				Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000},
			},
			[]string{"topic"},
		),

		dispatchTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "subflow_consumer_dispatch_total",
				Help: "Total number of dispatch operations",
			},
			[]string{"topic", "subscription", "status"}, // status: success, empty
		),
		messagesDispatched: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "subflow_consumer_messages_dispatched_total",
				Help: "Logical messages written to consumers",
			},
			[]string{"topic", "subscription"},
		),
		bytesDispatched: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "subflow_consumer_bytes_dispatched_total",
				Help: "Entry payload bytes written to consumers",
			},
			[]string{"topic", "subscription"},
		),
		ackTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "subflow_consumer_ack_total",
				Help: "Total number of acknowledgments received",
			},
			[]string{"topic", "subscription", "ack_type", "status"}, // status: success, error
		),
		creditTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "subflow_consumer_flow_permits_total",
				Help: "Flow permits granted by clients",
			},
			[]string{"topic", "subscription", "status"}, // status: applied, deferred, rejected
		),
		redeliveryTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "subflow_consumer_redelivery_total",
				Help: "Total number of redelivery requests",
			},
			[]string{"topic", "subscription", "mode", "status"}, // mode: all, selected
		),
		messagesRedelivered: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "subflow_consumer_messages_redelivered_total",
				Help: "Unacknowledged messages handed back for redelivery",
			},
			[]string{"topic", "subscription"},
		),
		corruptEntriesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "subflow_consumer_corrupt_entries_total",
				Help: "Entries dropped from dispatch because their batch header could not be read",
			},
			[]string{"topic", "subscription"},
		),
		consumerPermits: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "subflow_consumer_available_permits",
				Help: "Messages a consumer can still receive",
			},
			consumerLabels,
		),
		consumerUnacked: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "subflow_consumer_unacked_messages",
				Help: "Messages delivered to a consumer and not yet acknowledged",
			},
			consumerLabels,
		),
		consumerBlocked: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "subflow_consumer_blocked",
				Help: "1 while a consumer is blocked on unacknowledged messages",
			},
			consumerLabels,
		),
		consumerBlockedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "subflow_consumer_blocked_total",
				Help: "Times a consumer became blocked on unacknowledged messages",
			},
			[]string{"topic", "subscription"},
		),
		subscriptionConsumers: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "subflow_subscription_consumers",
				Help: "Consumers attached to a subscription",
			},
			[]string{"topic", "subscription"},
		),

		databaseOperationTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "subflow_database_operation_total",
				Help: "Total number of database operations",
			},
			[]string{"operation", "status"},
		),
		databaseOperationDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "subflow_database_operation_duration_seconds",
				Help:    "Time spent on database operations",
				Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5},
			},
			[]string{"operation"},
		),

		commandsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "subflow_connection_commands_total",
				Help: "Inbound commands handled by connections",
			},
			[]string{"command", "status"}, // status: success, rejected
		),
		connectionsActive: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "subflow_connections_active",
				Help: "Number of open client connections",
			},
		),

		systemInfo: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "subflow_system_info",
				Help: "System information (value is always 1, labels contain info)",
			},
			[]string{"version", "build_time"},
		),
		startTime: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "subflow_start_time_seconds",
				Help: "Unix timestamp when the broker started",
			},
		),
	}

	registry.MustRegister(collectors.NewGoCollector())
	registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	registry.MustRegister(
		r.publishTotal,
		r.publishDuration,
		r.publishBatchSize,
		r.dispatchTotal,
		r.messagesDispatched,
		r.bytesDispatched,
		r.ackTotal,
		r.creditTotal,
		r.redeliveryTotal,
		r.messagesRedelivered,
		r.corruptEntriesTotal,
		r.consumerPermits,
		r.consumerUnacked,
		r.consumerBlocked,
		r.consumerBlockedTotal,
		r.subscriptionConsumers,
		r.databaseOperationTotal,
		r.databaseOperationDuration,
		r.commandsTotal,
		r.connectionsActive,
		r.systemInfo,
		r.startTime,
	)

	r.startTime.SetToCurrentTime()

	return r
}

// Handler serves the registry in the prometheus exposition format.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
		Registry:          r.registry,
	})
}

// Gatherer exposes the underlying registry, mostly for tests.
func (r *Registry) Gatherer() prometheus.Gatherer {
	return r.registry
}

func (r *Registry) RecordProducerPublish(topic string, batchSize int, duration time.Duration, err error) {
	r.publishTotal.WithLabelValues(topic, status(err)).Inc()
	r.publishDuration.WithLabelValues(topic).Observe(duration.Seconds())
	if err == nil {
		r.publishBatchSize.WithLabelValues(topic).Observe(float64(batchSize))
	}
}

// RecordDispatch records one Dispatch call and the logical messages and
// payload bytes it wrote.
func (r *Registry) RecordDispatch(topic, subscription string, messages, bytes int) {
	st := "success"
	if messages == 0 {
		st = "empty"
	}

	r.dispatchTotal.WithLabelValues(topic, subscription, st).Inc()
	if messages > 0 {
		r.messagesDispatched.WithLabelValues(topic, subscription).Add(float64(messages))
		r.bytesDispatched.WithLabelValues(topic, subscription).Add(float64(bytes))
	}
}

func (r *Registry) RecordConsumerAck(topic, subscription, ackType string, err error) {
	r.ackTotal.WithLabelValues(topic, subscription, ackType, status(err)).Inc()
}

// RecordFlowPermits records credit from a client. Deferred credit arrived
// while the consumer was blocked.
func (r *Registry) RecordFlowPermits(topic, subscription string, permits int, deferred bool, err error) {
	st := "applied"
	switch {
	case err != nil:
		r.creditTotal.WithLabelValues(topic, subscription, "rejected").Inc()
		return
	case deferred:
		st = "deferred"
	}

	r.creditTotal.WithLabelValues(topic, subscription, st).Add(float64(permits))
}

func (r *Registry) RecordRedelivery(topic, subscription, mode string, messages int64, err error) {
	r.redeliveryTotal.WithLabelValues(topic, subscription, mode, status(err)).Inc()
	if messages > 0 {
		r.messagesRedelivered.WithLabelValues(topic, subscription).Add(float64(messages))
	}
}

func (r *Registry) RecordCorruptEntry(topic, subscription string) {
	r.corruptEntriesTotal.WithLabelValues(topic, subscription).Inc()
}

// UpdateConsumerState publishes the flow-control state of one consumer.
// becameBlocked counts a Flowing to Blocked transition.
func (r *Registry) UpdateConsumerState(topic, subscription string, consumerID int64, permits, unacked int64, blocked, becameBlocked bool) {
	id := strconv.FormatInt(consumerID, 10)

	r.consumerPermits.WithLabelValues(topic, subscription, id).Set(float64(permits))
	r.consumerUnacked.WithLabelValues(topic, subscription, id).Set(float64(unacked))

	b := 0.0
	if blocked {
		b = 1
	}
	r.consumerBlocked.WithLabelValues(topic, subscription, id).Set(b)
	if becameBlocked {
		r.consumerBlockedTotal.WithLabelValues(topic, subscription).Inc()
	}
}

// RemoveConsumer drops the per-consumer series of a closed consumer.
func (r *Registry) RemoveConsumer(topic, subscription string, consumerID int64) {
	id := strconv.FormatInt(consumerID, 10)

	r.consumerPermits.DeleteLabelValues(topic, subscription, id)
	r.consumerUnacked.DeleteLabelValues(topic, subscription, id)
	r.consumerBlocked.DeleteLabelValues(topic, subscription, id)
}

func (r *Registry) UpdateSubscriptionConsumers(topic, subscription string, n int) {
	r.subscriptionConsumers.WithLabelValues(topic, subscription).Set(float64(n))
}

func (r *Registry) RecordDatabaseOperation(operation string, duration time.Duration, err error) {
	r.databaseOperationTotal.WithLabelValues(operation, status(err)).Inc()
	r.databaseOperationDuration.WithLabelValues(operation).Observe(duration.Seconds())
}

func (r *Registry) RecordCommand(command string, err error) {
	st := "success"
	if err != nil {
		st = "rejected"
	}
	r.commandsTotal.WithLabelValues(command, st).Inc()
}

func (r *Registry) ConnectionOpened() {
	r.connectionsActive.Inc()
}

func (r *Registry) ConnectionClosed() {
	r.connectionsActive.Dec()
}

func (r *Registry) SetSystemInfo(version, buildTime string) {
	r.systemInfo.WithLabelValues(version, buildTime).Set(1)
}

func status(err error) string {
	if err != nil {
		return "error"
	}
	return "success"
}
