package proxy

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	upstreamLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "recorder_upstream_latency_seconds",
		Help:    "Time until upstream response headers arrive",
		Buckets: prometheus.DefBuckets,
	}, []string{"route"})

	upstreamErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "recorder_upstream_errors_total",
		Help: "Upstream exchanges that failed, by reason",
	}, []string{"route", "reason"})

	replayLookups = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "recorder_replay_lookups_total",
		Help: "Replay cache lookups, by result",
	}, []string{"route", "result"})

	recordings = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "recorder_recordings_total",
		Help: "Completed upstream exchanges, by what happened to the record",
	}, []string{"route", "result"})
)
