/*
 * FaceAuth
 * Copyright (C) 2025  Gravitational, Inc.
 *
 * This program is free software: you can redistribute it and/or modify
 * it under the terms of the GNU Affero General Public License as published by
 * the Free Software Foundation, either version 3 of the License, or
 * (at your option) any later version.
 *
 * This program is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
 * GNU Affero General Public License for more details.
 *
 * You should have received a copy of the GNU Affero General Public License
 * along with this program.  If not, see <http://www.gnu.org/licenses/>.
 */

package enroll

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/gravitational/faceauth"
	"github.com/gravitational/faceauth/lib/utils"
)

var (
	enrollments = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: faceauth.MetricNamespace,
			Name:      "enrollments_total",
			Help:      "Enrollment outcomes by result and action",
		},
		[]string{"result", "action"},
	)

	enrollmentSeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: faceauth.MetricNamespace,
			Name:      "enrollment_duration_seconds",
			Help:      "End to end enrollment latency",
			Buckets:   []float64{.25, .5, 1, 2, 3, 5, 7, 10},
		},
	)
)

func init() {
	_ = utils.RegisterPrometheusCollectors(enrollments, enrollmentSeconds)
}
