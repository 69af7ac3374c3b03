// Copyright (c) 2026 John Earle
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package metrics defines the Prometheus instruments of the intake service.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Inbound events by outcome: accepted, duplicate, rejected.
	IngestCount = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "intake_ingest_total",
			Help: "Inbound chat events by ingestion outcome",
		},
		[]string{"outcome"},
	)

	// Classifications by result: ok, fallback.
	ClassificationCount = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "intake_classifications_total",
			Help: "Burst classifications by result",
		},
		[]string{"result"},
	)

	ClassificationLatency = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "intake_classification_duration_seconds",
			Help:    "Classifier call latency in seconds",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 8), // 100ms to ~12s
		},
	)

	// Outbound notifications by status: ok, failed.
	NotificationCount = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "intake_notifications_total",
			Help: "Recipient notifications by delivery status",
		},
		[]string{"status"},
	)

	AckCount = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "intake_acknowledgments_total",
			Help: "Sender acknowledgments by delivery status",
		},
		[]string{"status"},
	)

	// Queue entry transitions by target status: sent, failed.
	QueueTransitionCount = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "intake_queue_transitions_total",
			Help: "Notification queue entry transitions by target status",
		},
		[]string{"to"},
	)

	SweepDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "intake_sweep_duration_seconds",
			Help:    "Duration of one deferred processing sweep",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 12), // 10ms to ~40s
		},
	)

	MediaFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "intake_media_failures_total",
			Help: "Attachments that could not be downloaded or stored",
		},
	)
)

func IncrementIngest(outcome string) {
	IngestCount.WithLabelValues(outcome).Inc()
}

func IncrementClassification(fallback bool) {
	result := "ok"
	if fallback {
		result = "fallback"
	}
	ClassificationCount.WithLabelValues(result).Inc()
}

func RecordClassificationLatency(d time.Duration) {
	ClassificationLatency.Observe(d.Seconds())
}

func IncrementNotification(ok bool) {
	NotificationCount.WithLabelValues(status(ok)).Inc()
}

func IncrementAck(ok bool) {
	AckCount.WithLabelValues(status(ok)).Inc()
}

func IncrementQueueTransition(to string) {
	QueueTransitionCount.WithLabelValues(to).Inc()
}

func RecordSweepDuration(d time.Duration) {
	SweepDuration.Observe(d.Seconds())
}

func status(ok bool) string {
	if ok {
		return "ok"
	}
	return "failed"
}
