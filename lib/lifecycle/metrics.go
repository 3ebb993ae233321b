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

package lifecycle

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/gravitational/faceauth"
	"github.com/gravitational/faceauth/lib/utils"
)

var (
	templatesCleaned = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: faceauth.MetricNamespace,
			Name:      "templates_cleaned_total",
			Help:      "Expired credentials removed by the sweep",
		},
	)

	upgrades = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: faceauth.MetricNamespace,
			Name:      "template_upgrades_total",
			Help:      "Encoder upgrade outcomes",
		},
		[]string{"result"},
	)

	deletionsProcessed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: faceauth.MetricNamespace,
			Name:      "deletion_requests_processed_total",
			Help:      "Deletion request processing outcomes",
		},
		[]string{"result"},
	)

	deletionsEscalated = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: faceauth.MetricNamespace,
			Name:      "deletion_requests_escalated_total",
			Help:      "Pending deletion requests flagged as stale",
		},
	)
)

func init() {
	_ = utils.RegisterPrometheusCollectors(templatesCleaned, upgrades, deletionsProcessed, deletionsEscalated)
}
