// Package metrics aggregates structured metric events emitted across the
// depth-feed core and fans them out to registered handlers (the diagnostics
// dashboard, optionally CloudWatch). It never gates behavior: a metric
// emission never fails a caller.
package metrics

import (
	"sync"
	"time"

	"depthfeed/internal/logging"
)

// Metric is a single structured metric event.
type Metric struct {
	Timestamp time.Time
	Component string
	Name      string
	Value     interface{}
	Type      string
	Fields    logging.Fields
}

// Handler consumes every emitted metric.
type Handler func(Metric)

// HandlerID identifies a registered handler for later removal.
type HandlerID uint64

var (
	mu       sync.RWMutex
	handlers = make(map[HandlerID]Handler)
	nextID   HandlerID
)

// Register adds a handler that receives every emitted metric and returns an
// id that can be passed to Unregister. A nil handler is ignored.
func Register(h Handler) HandlerID {
	if h == nil {
		return 0
	}
	mu.Lock()
	defer mu.Unlock()
	nextID++
	id := nextID
	handlers[id] = h
	return id
}

// Unregister removes a previously registered handler.
func Unregister(id HandlerID) {
	if id == 0 {
		return
	}
	mu.Lock()
	delete(handlers, id)
	mu.Unlock()
}

// Emit logs the metric at the given log entry's component and dispatches it
// to every registered handler, including the optional CloudWatch publisher
// installed by EnableCloudWatch.
func Emit(log *logging.Log, component, name string, value interface{}, metricType string, fields logging.Fields) {
	if name == "" {
		return
	}
	if metricType == "" {
		metricType = "counter"
	}
	if log == nil {
		log = logging.GetLogger()
	}

	userFields := cloneFields(fields)
	logFields := make(logging.Fields, len(userFields)+3)
	for k, v := range userFields {
		logFields[k] = v
	}
	logFields["metric"] = name
	logFields["metric_type"] = metricType
	logFields["value"] = value
	log.WithComponent(component).WithFields(logFields).Info("metric")

	m := Metric{
		Timestamp: time.Now(),
		Component: component,
		Name:      name,
		Value:     value,
		Type:      metricType,
		Fields:    userFields,
	}
	dispatch(m)
}

func dispatch(m Metric) {
	mu.RLock()
	if len(handlers) == 0 {
		mu.RUnlock()
		return
	}
	snapshot := make([]Handler, 0, len(handlers))
	for _, h := range handlers {
		snapshot = append(snapshot, h)
	}
	mu.RUnlock()

	for _, h := range snapshot {
		h(m)
	}
}

func cloneFields(fields logging.Fields) logging.Fields {
	if len(fields) == 0 {
		return logging.Fields{}
	}
	out := make(logging.Fields, len(fields))
	for k, v := range fields {
		out[k] = v
	}
	return out
}

// DropMetric identifies a channel-drop counter name, mirroring the
// ingestion-stage drop accounting the producer pipeline performs for raw
// frames, buffered deltas, and broadcast fan-out.
type DropMetric string

const (
	DropRawFrame     DropMetric = "raw_frames_dropped"
	DropBufferedFrom DropMetric = "buffered_deltas_dropped"
	DropFanOut       DropMetric = "fanout_messages_dropped"
)

// EmitDrop records one dropped message for the given stage.
func EmitDrop(log *logging.Log, metric DropMetric, stage string) {
	fields := logging.Fields{}
	if stage != "" {
		fields["stage"] = stage
	}
	Emit(log, "channel_drops", string(metric), 1, "counter", fields)
}
