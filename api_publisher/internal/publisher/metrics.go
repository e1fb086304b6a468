package publisher

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"frameworks/pkg/models"
)

type Metrics struct {
	PlatformAttempts *prometheus.CounterVec   // platform, result
	PlatformDuration *prometheus.HistogramVec // platform
	Runs             *prometheus.CounterVec   // status
	RunDuration      *prometheus.HistogramVec // status
	Skipped          *prometheus.CounterVec   // mode
}

func (m *Metrics) observeAttempt(p models.Platform, result string, d time.Duration) {
	if m == nil {
		return
	}
	if m.PlatformAttempts != nil {
		m.PlatformAttempts.WithLabelValues(string(p), result).Inc()
	}
	if m.PlatformDuration != nil {
		m.PlatformDuration.WithLabelValues(string(p)).Observe(d.Seconds())
	}
}

func (m *Metrics) observeRun(status models.PostStatus, d time.Duration) {
	if m == nil {
		return
	}
	if m.Runs != nil {
		m.Runs.WithLabelValues(string(status)).Inc()
	}
	if m.RunDuration != nil {
		m.RunDuration.WithLabelValues(string(status)).Observe(d.Seconds())
	}
}

func (m *Metrics) skipped(mode Mode) {
	if m == nil || m.Skipped == nil {
		return
	}
	m.Skipped.WithLabelValues(string(mode)).Inc()
}
