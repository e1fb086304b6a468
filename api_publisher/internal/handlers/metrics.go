package handlers

import "github.com/prometheus/client_golang/prometheus"

type APIMetrics struct {
	PostActions *prometheus.CounterVec // action, result
	JobActions  *prometheus.CounterVec // action, result
}

func (m *APIMetrics) IncPost(action, result string) {
	if m == nil || m.PostActions == nil {
		return
	}

	m.PostActions.WithLabelValues(action, result).Inc()
}

func (m *APIMetrics) IncJob(action, result string) {
	if m == nil || m.JobActions == nil {
		return
	}

	m.JobActions.WithLabelValues(action, result).Inc()
}
