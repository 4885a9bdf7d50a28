// Package metrics holds the prometheus collectors of the service.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

type Metrics struct {
	HTTPRequests  *prometheus.CounterVec
	Saves         *prometheus.CounterVec
	SaveRetries   prometheus.Counter
	RemoteChanges *prometheus.CounterVec
	Sessions      prometheus.Gauge
	Uploads       *prometheus.CounterVec
	WSMessages    *prometheus.CounterVec
}

// New creates the collectors and registers them on reg. A nil reg leaves
// them unregistered, which is what tests want.
func New(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		HTTPRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests processed.",
			},
			[]string{"method", "path", "status"},
		),
		Saves: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "collab_saves_total",
				Help: "Document saves by trigger and result.",
			},
			[]string{"trigger", "result"},
		),
		SaveRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "collab_save_retries_total",
			Help: "Failed save attempts that were retried.",
		}),
		RemoteChanges: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "collab_remote_changes_total",
				Help: "Document change notifications by how a session handled them.",
			},
			[]string{"decision"},
		),
		Sessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "collab_sessions_open",
			Help: "Collaboration sessions currently open.",
		}),
		Uploads: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "collab_uploads_total",
				Help: "Attached file uploads by result.",
			},
			[]string{"result"},
		),
		WSMessages: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ws_messages_total",
				Help: "Websocket messages by direction and type.",
			},
			[]string{"direction", "type"},
		),
	}

	if reg == nil {
		return m, nil
	}
	for _, c := range []prometheus.Collector{m.HTTPRequests, m.Saves, m.SaveRetries, m.RemoteChanges, m.Sessions, m.Uploads, m.WSMessages} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// Nop returns unregistered collectors.
func Nop() *Metrics {
	m, _ := New(nil)
	return m
}
