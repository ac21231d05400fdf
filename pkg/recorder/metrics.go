package recorder

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	modeGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "recorder_recording",
		Help: "1 while recording, 0 while replaying",
	})
	cacheSize = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "recorder_cache_paths",
		Help: "Number of paths currently served from the replay cache",
	})
)
