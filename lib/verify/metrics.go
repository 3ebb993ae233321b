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

package verify

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/gravitational/faceauth"
	"github.com/gravitational/faceauth/lib/utils"
)

var (
	verifications = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: faceauth.MetricNamespace,
			Name:      "verifications_total",
			Help:      "Verification decisions by result",
		},
		[]string{"result"},
	)

	verificationSeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: faceauth.MetricNamespace,
			Name:      "verification_duration_seconds",
			Help:      "End to end verification latency",
			Buckets:   []float64{.1, .25, .5, 1, 2, 3, 4, 6},
		},
	)

	matchScores = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: faceauth.MetricNamespace,
			Name:      "verification_scores",
			Help:      "Distribution of normalized match scores",
			Buckets:   prometheus.LinearBuckets(0, 0.05, 21),
		},
	)
)

func init() {
	_ = utils.RegisterPrometheusCollectors(verifications, verificationSeconds, matchScores)
}
