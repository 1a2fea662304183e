// Copyright 2025 KrakLabs
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published
// by the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program. If not, see <https://www.gnu.org/licenses/>.
//
// For commercial licensing, contact: licensing@kraklabs.com
//
// SPDX-License-Identifier: AGPL-3.0-or-later

package jobs

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// metricsJobs holds Prometheus metrics for the job subsystem.
type metricsJobs struct {
	once sync.Once

	enqueued  *prometheus.CounterVec
	completed prometheus.Counter
	retried   prometheus.Counter
	failed    prometheus.Counter

	launcherFired   *prometheus.CounterVec
	launcherErrored *prometheus.CounterVec

	duration *prometheus.HistogramVec
}

var jobMetrics metricsJobs

func (m *metricsJobs) init() {
	m.once.Do(func() {
		m.enqueued = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "kge_jobs_enqueued_total", Help: "Trabajos encolados por tipo"}, []string{"type"})
		m.completed = prometheus.NewCounter(prometheus.CounterOpts{Name: "kge_jobs_completed_total", Help: "Trabajos completados"})
		m.retried = prometheus.NewCounter(prometheus.CounterOpts{Name: "kge_jobs_retried_total", Help: "Trabajos reencolados tras fallo"})
		m.failed = prometheus.NewCounter(prometheus.CounterOpts{Name: "kge_jobs_failed_total", Help: "Trabajos fallidos sin reintentos restantes"})

		m.launcherFired = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "kge_jobs_launcher_fired_total", Help: "Disparos de launcher por nombre"}, []string{"launcher"})
		m.launcherErrored = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "kge_jobs_launcher_errors_total", Help: "Errores de launcher por nombre"}, []string{"launcher"})

		buckets := []float64{0.1, 0.5, 1, 5, 15, 60, 300, 900, 3600}
		m.duration = prometheus.NewHistogramVec(prometheus.HistogramOpts{Name: "kge_jobs_duration_seconds", Help: "Duración de trabajos por tipo", Buckets: buckets}, []string{"type"})

		prometheus.MustRegister(
			m.enqueued, m.completed, m.retried, m.failed,
			m.launcherFired, m.launcherErrored,
			m.duration,
		)
	})
}

// record helpers - used by queue, worker and scheduler
func recordJobEnqueued(jobType string) {
	jobMetrics.init()
	jobMetrics.enqueued.WithLabelValues(jobType).Inc()
}
func recordJobCompleted() { jobMetrics.init(); jobMetrics.completed.Inc() }
func recordJobRetried()   { jobMetrics.init(); jobMetrics.retried.Inc() }
func recordJobFailed()    { jobMetrics.init(); jobMetrics.failed.Inc() }

func recordLauncherFired(name string) {
	jobMetrics.init()
	jobMetrics.launcherFired.WithLabelValues(name).Inc()
}
func recordLauncherError(name string) {
	jobMetrics.init()
	jobMetrics.launcherErrored.WithLabelValues(name).Inc()
}

func recordJobDuration(jobType string, d time.Duration) {
	jobMetrics.init()
	jobMetrics.duration.WithLabelValues(jobType).Observe(d.Seconds())
}
