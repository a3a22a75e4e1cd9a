package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

func counterValue(t *testing.T, reg *prometheus.Registry, name string, labels map[string]string) float64 {
	t.Helper()
	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	for _, family := range families {
		if family.GetName() != name {
			continue
		}
		for _, metric := range family.GetMetric() {
			if matchLabels(metric, labels) {
				if metric.GetCounter() != nil {
					return metric.GetCounter().GetValue()
				}
				return metric.GetGauge().GetValue()
			}
		}
	}
	t.Fatalf("metric %s with labels %v not found", name, labels)
	return 0
}

func matchLabels(metric *dto.Metric, labels map[string]string) bool {
	found := 0
	for _, pair := range metric.GetLabel() {
		if want, ok := labels[pair.GetName()]; ok {
			if want != pair.GetValue() {
				return false
			}
			found++
		}
	}
	return found == len(labels)
}

func TestMessagingMetricsObserve(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMessagingMetrics(reg)
	m.ObserveInbound("text", "queued")
	m.ObserveOutbound("reply", "sent")
	m.ObserveWebhookLatency("text", 0.5)

	if got := counterValue(t, reg, "concierge_messaging_inbound_webhook_total", map[string]string{"message_type": "text", "status": "queued"}); got != 1 {
		t.Fatalf("expected 1 inbound, got %v", got)
	}
}

func TestCacheMetricsObserve(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewCacheMetrics(reg)
	m.ObserveLookup("threads", true)
	m.ObserveLookup("threads", false)
	m.ObserveLookup("threads", false)
	m.ObserveEviction("threads", "expired", 3)
	m.ObserveEviction("threads", "expired", 0)

	if got := counterValue(t, reg, "concierge_cache_lookups_total", map[string]string{"cache": "threads", "result": "miss"}); got != 2 {
		t.Fatalf("expected 2 misses, got %v", got)
	}
	if got := counterValue(t, reg, "concierge_cache_evictions_total", map[string]string{"cache": "threads", "reason": "expired"}); got != 3 {
		t.Fatalf("expected 3 evictions, got %v", got)
	}
}

func TestAssistantMetricsInFlight(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewAssistantMetrics(reg)
	m.IncInFlight()
	m.IncInFlight()
	m.DecInFlight()
	m.ObserveRun("completed", 1.2)
	m.ObserveBusy()

	if got := counterValue(t, reg, "concierge_assistant_in_flight_calls", nil); got != 1 {
		t.Fatalf("expected 1 in flight, got %v", got)
	}
	if got := counterValue(t, reg, "concierge_assistant_busy_rejections_total", nil); got != 1 {
		t.Fatalf("expected 1 busy rejection, got %v", got)
	}
}

func TestPersistenceMetricsMode(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewPersistenceMetrics(reg)
	m.SetConnected(true)
	m.SetConnected(false)
	m.ObserveTransition("fallback")

	if got := counterValue(t, reg, "concierge_persistence_connected", nil); got != 0 {
		t.Fatalf("expected fallback gauge 0, got %v", got)
	}
}

func TestMetricsNilSafe(t *testing.T) {
	var msg *MessagingMetrics
	msg.ObserveInbound("text", "status")
	msg.ObserveOutbound("reply", "sent")
	msg.ObserveWebhookLatency("text", 0.1)

	var c *CacheMetrics
	c.ObserveLookup("x", true)
	c.ObserveWrite("x", "set")
	c.ObserveEviction("x", "lru", 1)

	var a *AssistantMetrics
	a.ObserveRun("failed", 1)
	a.ObserveToolCall("fn", "ok")
	a.IncInFlight()
	a.DecInFlight()
	a.ObserveBusy()
	a.ObserveThreadEvent("created")

	var p *PersistenceMetrics
	p.SetConnected(true)
	p.ObserveTransition("connected")
	p.ObserveOperation("get_thread", "postgres")
}
