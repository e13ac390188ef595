package metrics

import (
	"sync"
	"sync/atomic"
	"time"

	"arbflow/logger"
)

const defaultMetricType = "counter"

// Metric is one structured metric event as seen by handlers and served on
// /api/metrics.
type Metric struct {
	Timestamp time.Time     `json:"timestamp"`
	Component string        `json:"component"`
	Name      string        `json:"name"`
	Value     interface{}   `json:"value"`
	Type      string        `json:"type"`
	Fields    logger.Fields `json:"fields,omitempty"`
}

// Float returns the value as a float64 when it is numeric or boolean.
func (m Metric) Float() (float64, bool) { return toFloat64(m.Value) }

// Exchange returns the venue label, if the emitter attached one.
func (m Metric) Exchange() string {
	s, _ := m.Fields["exchange"].(string)
	return s
}

// MetricHandler consumes every emitted metric. Handlers run on the emitting
// goroutine and must not block.
type MetricHandler func(Metric)

type MetricHandlerID uint64

type handlerEntry struct {
	id MetricHandlerID
	fn MetricHandler
}

// handlerSet is copy-on-write: emitters load the current slice without
// locking and registration swaps in a new one.
type handlerSet struct {
	mu      sync.Mutex
	nextID  MetricHandlerID
	current atomic.Pointer[[]handlerEntry]
}

var handlers handlerSet

func (s *handlerSet) add(fn MetricHandler) MetricHandlerID {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextID++
	old := s.load()
	next := make([]handlerEntry, len(old), len(old)+1)
	copy(next, old)
	next = append(next, handlerEntry{id: s.nextID, fn: fn})
	s.current.Store(&next)
	return s.nextID
}

func (s *handlerSet) remove(id MetricHandlerID) {
	s.mu.Lock()
	defer s.mu.Unlock()

	old := s.load()
	next := make([]handlerEntry, 0, len(old))
	for _, h := range old {
		if h.id != id {
			next = append(next, h)
		}
	}
	s.current.Store(&next)
}

func (s *handlerSet) reset() {
	s.mu.Lock()
	s.nextID = 0
	s.current.Store(nil)
	s.mu.Unlock()
}

func (s *handlerSet) load() []handlerEntry {
	if p := s.current.Load(); p != nil {
		return *p
	}
	return nil
}

// RegisterMetricHandler adds a handler and returns its id, or 0 for nil.
func RegisterMetricHandler(handler MetricHandler) MetricHandlerID {
	if handler == nil {
		return 0
	}
	return handlers.add(handler)
}

func UnregisterMetricHandler(id MetricHandlerID) {
	if id == 0 {
		return
	}
	handlers.remove(id)
}

// recordMetric logs the event at debug level and fans it out to handlers.
// Events without a name are dropped.
func recordMetric(log *logger.Log, component, name string, value interface{}, metricType string, fields logger.Fields) (Metric, bool) {
	if name == "" {
		return Metric{}, false
	}
	if metricType == "" {
		metricType = defaultMetricType
	}
	if log == nil {
		log = logger.GetLogger()
	}

	m := Metric{
		Timestamp: timeNow(),
		Component: component,
		Name:      name,
		Value:     value,
		Type:      metricType,
		Fields:    cloneFields(fields),
	}
	log.WithComponent(component).WithFields(m.logFields()).Debug("metric")

	for _, h := range handlers.load() {
		h.fn(m)
	}
	return m, true
}

func (m Metric) logFields() logger.Fields {
	out := make(logger.Fields, len(m.Fields)+3)
	for k, v := range m.Fields {
		out[k] = v
	}
	out["metric"] = m.Name
	out["metric_type"] = m.Type
	out["value"] = m.Value
	return out
}

func cloneFields(fields logger.Fields) logger.Fields {
	if len(fields) == 0 {
		return nil
	}
	copied := make(logger.Fields, len(fields))
	for k, v := range fields {
		copied[k] = v
	}
	return copied
}
