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

package bulk

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/gravitational/faceauth"
	"github.com/gravitational/faceauth/lib/utils"
)

var (
	operationsStarted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: faceauth.MetricNamespace,
			Name:      "bulk_operations_started_total",
			Help:      "Accepted bulk operations by kind",
		},
		[]string{"kind"},
	)

	operationsFinished = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: faceauth.MetricNamespace,
			Name:      "bulk_operations_finished_total",
			Help:      "Finished bulk operations by kind and terminal state",
		},
		[]string{"kind", "state"},
	)

	itemsProcessed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: faceauth.MetricNamespace,
			Name:      "bulk_items_processed_total",
			Help:      "Bulk items by outcome",
		},
		[]string{"result"},
	)
)

func init() {
	_ = utils.RegisterPrometheusCollectors(operationsStarted, operationsFinished, itemsProcessed)
}
