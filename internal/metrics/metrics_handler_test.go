package metrics

import (
	"encoding/json"
	"sync"
	"testing"

	"arbflow/logger"
)

func collect(t *testing.T) *[]Metric {
	t.Helper()
	handlers.reset()

	var (
		mu     sync.Mutex
		events []Metric
	)
	id := RegisterMetricHandler(func(m Metric) {
		mu.Lock()
		events = append(events, m)
		mu.Unlock()
	})
	t.Cleanup(func() { UnregisterMetricHandler(id) })
	return &events
}

func TestRegisterMetricHandler(t *testing.T) {
	handlers.reset()

	if id := RegisterMetricHandler(nil); id != 0 {
		t.Fatalf("expected zero id for nil handler, got %d", id)
	}
	first := RegisterMetricHandler(func(Metric) {})
	second := RegisterMetricHandler(func(Metric) {})
	if first == 0 || second == 0 || first == second {
		t.Fatalf("expected distinct non-zero ids, got %d and %d", first, second)
	}
	if n := len(handlers.load()); n != 2 {
		t.Fatalf("expected 2 handlers, got %d", n)
	}
}

func TestEmitMetricCopiesFields(t *testing.T) {
	events := collect(t)

	fields := logger.Fields{"exchange": "okx", "unit": "count"}
	EmitMetric(logger.Logger(), "ingest_queue", "queue_length", 3, "gauge", fields)
	fields["exchange"] = "bybit"

	if len(*events) != 1 {
		t.Fatalf("expected one event, got %d", len(*events))
	}
	ev := (*events)[0]
	if ev.Component != "ingest_queue" || ev.Name != "queue_length" || ev.Type != "gauge" {
		t.Fatalf("unexpected event: %+v", ev)
	}
	if ev.Exchange() != "okx" {
		t.Fatalf("event shares caller's fields: %v", ev.Fields)
	}
	if _, ok := ev.Fields["metric"]; ok {
		t.Fatalf("log-only keys leaked into event fields: %v", ev.Fields)
	}
}

func TestEmitMetricDefaultTypeAndEmptyName(t *testing.T) {
	events := collect(t)

	EmitMetric(nil, "component", "", 1, "counter", nil)
	EmitMetric(nil, "spread_monitor", "opportunities_detected", 7, "", nil)

	if len(*events) != 1 {
		t.Fatalf("expected exactly one event, got %d", len(*events))
	}
	if ev := (*events)[0]; ev.Type != defaultMetricType || ev.Exchange() != "" {
		t.Fatalf("unexpected event: %+v", ev)
	}
}

func TestUnregisterMetricHandler(t *testing.T) {
	handlers.reset()

	calls := 0
	keep := 0
	id := RegisterMetricHandler(func(Metric) { calls++ })
	other := RegisterMetricHandler(func(Metric) { keep++ })
	defer UnregisterMetricHandler(other)
	UnregisterMetricHandler(id)
	UnregisterMetricHandler(0)

	EmitDropMetric(nil, DropMetricTickers, "okx", "ingest_queue", 3)
	if calls != 0 {
		t.Fatalf("unregistered handler invoked %d times", calls)
	}
	if keep != 1 {
		t.Fatalf("remaining handler invoked %d times", keep)
	}
}

func TestEmitDropMetricSkipsZero(t *testing.T) {
	events := collect(t)

	EmitDropMetric(nil, DropMetricTickers, "okx", "ingest_queue", 0)
	EmitDropMetric(nil, DropMetricTickers, "okx", "ingest_queue", 4)

	if len(*events) != 1 {
		t.Fatalf("expected one drop event, got %d", len(*events))
	}
	ev := (*events)[0]
	if v, ok := ev.Float(); !ok || v != 4 {
		t.Fatalf("unexpected drop value: %v", ev.Value)
	}
	if ev.Exchange() != "okx" || ev.Fields["stage"] != "ingest_queue" {
		t.Fatalf("unexpected drop event: %+v", ev)
	}
}

func TestMetricFloatAndJSON(t *testing.T) {
	if v, ok := (Metric{Value: true}).Float(); !ok || v != 1 {
		t.Fatalf("bool should map to 1, got %v %v", v, ok)
	}
	if _, ok := (Metric{Value: "high"}).Float(); ok {
		t.Fatalf("string value must not be numeric")
	}

	raw, err := json.Marshal(Metric{Name: "queue_length", Type: "gauge", Value: 2})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var decoded map[string]any
	if err := json.Unmarshal(raw, &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if decoded["name"] != "queue_length" || decoded["type"] != "gauge" {
		t.Fatalf("unexpected json: %s", raw)
	}
	if _, ok := decoded["fields"]; ok {
		t.Fatalf("empty fields should be omitted: %s", raw)
	}
}
