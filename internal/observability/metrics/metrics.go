package metrics

import "github.com/prometheus/client_golang/prometheus"

const namespace = "concierge"

func registerer(reg prometheus.Registerer) prometheus.Registerer {
	if reg == nil {
		return prometheus.DefaultRegisterer
	}
	return reg
}

// MessagingMetrics exposes counters/histograms for WhatsApp messaging flows.
type MessagingMetrics struct {
	inboundTotal   *prometheus.CounterVec
	outboundTotal  *prometheus.CounterVec
	webhookLatency *prometheus.HistogramVec
}

func NewMessagingMetrics(reg prometheus.Registerer) *MessagingMetrics {
	m := &MessagingMetrics{
		inboundTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "messaging",
			Name:      "inbound_webhook_total",
			Help:      "Total inbound WhatsApp webhook messages",
		}, []string{"message_type", "status"}),
		outboundTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "messaging",
			Name:      "outbound_total",
			Help:      "Total outbound WhatsApp sends",
		}, []string{"kind", "status"}),
		webhookLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "messaging",
			Name:      "webhook_latency_seconds",
			Help:      "Latency of webhook processing",
			Buckets:   prometheus.DefBuckets,
		}, []string{"message_type"}),
	}
	registerer(reg).MustRegister(m.inboundTotal, m.outboundTotal, m.webhookLatency)
	return m
}

func (m *MessagingMetrics) ObserveInbound(messageType, status string) {
	if m == nil {
		return
	}
	m.inboundTotal.WithLabelValues(messageType, status).Inc()
}

func (m *MessagingMetrics) ObserveOutbound(kind, status string) {
	if m == nil {
		return
	}
	m.outboundTotal.WithLabelValues(kind, status).Inc()
}

func (m *MessagingMetrics) ObserveWebhookLatency(messageType string, seconds float64) {
	if m == nil {
		return
	}
	m.webhookLatency.WithLabelValues(messageType).Observe(seconds)
}

// CacheMetrics mirrors TTL cache counters, labeled by cache name.
type CacheMetrics struct {
	lookups   *prometheus.CounterVec
	writes    *prometheus.CounterVec
	evictions *prometheus.CounterVec
}

func NewCacheMetrics(reg prometheus.Registerer) *CacheMetrics {
	m := &CacheMetrics{
		lookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "cache",
			Name:      "lookups_total",
			Help:      "Cache lookups by result (hit, miss)",
		}, []string{"cache", "result"}),
		writes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "cache",
			Name:      "writes_total",
			Help:      "Cache writes by operation (set, delete)",
		}, []string{"cache", "op"}),
		evictions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "cache",
			Name:      "evictions_total",
			Help:      "Entries removed by capacity or expiry",
		}, []string{"cache", "reason"}),
	}
	registerer(reg).MustRegister(m.lookups, m.writes, m.evictions)
	return m
}

func (m *CacheMetrics) ObserveLookup(cache string, hit bool) {
	if m == nil {
		return
	}
	result := "miss"
	if hit {
		result = "hit"
	}
	m.lookups.WithLabelValues(cache, result).Inc()
}

func (m *CacheMetrics) ObserveWrite(cache, op string) {
	if m == nil {
		return
	}
	m.writes.WithLabelValues(cache, op).Inc()
}

func (m *CacheMetrics) ObserveEviction(cache, reason string, count int) {
	if m == nil || count <= 0 {
		return
	}
	m.evictions.WithLabelValues(cache, reason).Add(float64(count))
}

// AssistantMetrics tracks assistant run outcomes and provider concurrency.
type AssistantMetrics struct {
	runsTotal      *prometheus.CounterVec
	runDuration    *prometheus.HistogramVec
	toolCalls      *prometheus.CounterVec
	inFlight       prometheus.Gauge
	busyRejections prometheus.Counter
	threadEvents   *prometheus.CounterVec
}

func NewAssistantMetrics(reg prometheus.Registerer) *AssistantMetrics {
	m := &AssistantMetrics{
		runsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "assistant",
			Name:      "runs_total",
			Help:      "Assistant runs by terminal status",
		}, []string{"status"}),
		runDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "assistant",
			Name:      "run_duration_seconds",
			Help:      "Wall-clock duration of assistant runs",
			Buckets:   []float64{0.5, 1, 2, 5, 10, 20, 30, 60, 120},
		}, []string{"status"}),
		toolCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "assistant",
			Name:      "tool_calls_total",
			Help:      "Function calls dispatched for assistant runs",
		}, []string{"function", "status"}),
		inFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "assistant",
			Name:      "in_flight_calls",
			Help:      "Provider calls currently holding a concurrency slot",
		}),
		busyRejections: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "assistant",
			Name:      "busy_rejections_total",
			Help:      "Requests rejected because the concurrency ceiling was reached",
		}),
		threadEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "assistant",
			Name:      "thread_events_total",
			Help:      "Thread lifecycle events (created, reused, invalid, emptied)",
		}, []string{"event"}),
	}
	registerer(reg).MustRegister(m.runsTotal, m.runDuration, m.toolCalls, m.inFlight, m.busyRejections, m.threadEvents)
	return m
}

func (m *AssistantMetrics) ObserveRun(status string, seconds float64) {
	if m == nil {
		return
	}
	m.runsTotal.WithLabelValues(status).Inc()
	m.runDuration.WithLabelValues(status).Observe(seconds)
}

func (m *AssistantMetrics) ObserveToolCall(function, status string) {
	if m == nil {
		return
	}
	m.toolCalls.WithLabelValues(function, status).Inc()
}

func (m *AssistantMetrics) IncInFlight() {
	if m == nil {
		return
	}
	m.inFlight.Inc()
}

func (m *AssistantMetrics) DecInFlight() {
	if m == nil {
		return
	}
	m.inFlight.Dec()
}

func (m *AssistantMetrics) ObserveBusy() {
	if m == nil {
		return
	}
	m.busyRejections.Inc()
}

func (m *AssistantMetrics) ObserveThreadEvent(event string) {
	if m == nil {
		return
	}
	m.threadEvents.WithLabelValues(event).Inc()
}

// PersistenceMetrics tracks gateway mode transitions and operations.
type PersistenceMetrics struct {
	mode        prometheus.Gauge
	transitions *prometheus.CounterVec
	operations  *prometheus.CounterVec
}

func NewPersistenceMetrics(reg prometheus.Registerer) *PersistenceMetrics {
	m := &PersistenceMetrics{
		mode: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "persistence",
			Name:      "connected",
			Help:      "1 when the primary store is in use, 0 in fallback mode",
		}),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "persistence",
			Name:      "mode_transitions_total",
			Help:      "Gateway transitions between connected and fallback",
		}, []string{"to"}),
		operations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "persistence",
			Name:      "operations_total",
			Help:      "Gateway operations by backing store",
		}, []string{"op", "store"}),
	}
	registerer(reg).MustRegister(m.mode, m.transitions, m.operations)
	return m
}

func (m *PersistenceMetrics) SetConnected(connected bool) {
	if m == nil {
		return
	}
	if connected {
		m.mode.Set(1)
		return
	}
	m.mode.Set(0)
}

func (m *PersistenceMetrics) ObserveTransition(to string) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(to).Inc()
}

func (m *PersistenceMetrics) ObserveOperation(op, store string) {
	if m == nil {
		return
	}
	m.operations.WithLabelValues(op, store).Inc()
}
