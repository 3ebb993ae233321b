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

package liveness

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/gravitational/faceauth"
	"github.com/gravitational/faceauth/lib/utils"
)

var (
	livenessChecks = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: faceauth.MetricNamespace,
			Name:      "liveness_checks_total",
			Help:      "Liveness decisions by mode and result",
		},
		[]string{"mode", "result"},
	)

	challengesMinted = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: faceauth.MetricNamespace,
			Name:      "liveness_challenges_minted_total",
			Help:      "Minted challenge-response prompts",
		},
	)

	budgetOverruns = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: faceauth.MetricNamespace,
			Name:      "liveness_budget_overruns_total",
			Help:      "Liveness runs whose processing exceeded the mode budget",
		},
		[]string{"mode"},
	)
)

func init() {
	_ = utils.RegisterPrometheusCollectors(livenessChecks, challengesMinted, budgetOverruns)
}
