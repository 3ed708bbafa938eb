package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	DeltasAppended = promauto.NewCounter(prometheus.CounterOpts{
		Name: "quillsync_deltas_appended_total",
		Help: "Deltas appended to document logs",
	})

	Resyncs = promauto.NewCounter(prometheus.CounterOpts{
		Name: "quillsync_resyncs_total",
		Help: "Full logs pushed to a connection whose expected index was stale",
	})

	StoreErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "quillsync_store_errors_total",
		Help: "Failed calls into the delta log or object store",
	}, []string{"op"})

	Connections = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "quillsync_connections",
		Help: "Open websocket connections",
	})

	FramesDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "quillsync_frames_dropped_total",
		Help: "Outbound frames dropped because a connection was gone or its queue was full",
	})

	HandlerDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "quillsync_handler_duration_seconds",
		Help:    "Time spent handling one inbound event",
		Buckets: []float64{0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
	}, []string{"event"})

	ObjectsPurged = promauto.NewCounter(prometheus.CounterOpts{
		Name: "quillsync_objects_purged_total",
		Help: "Stored objects deleted by document cleanup",
	})
)

func Handler() http.Handler {
	return promhttp.Handler()
}
