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

package bws

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/gravitational/faceauth"
	"github.com/gravitational/faceauth/lib/utils"
)

var (
	rpcCalls = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: faceauth.MetricNamespace,
		Name:      "rpc_calls_total",
		Help:      "Number of BWS calls by operation, result and region.",
	}, []string{"op", "result", "region"})

	rpcLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: faceauth.MetricNamespace,
		Name:      "rpc_latency_ms",
		Help:      "BWS call latency in milliseconds by operation.",
		Buckets:   []float64{5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000, 10000},
	}, []string{"op"})

	rpcRetries = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: faceauth.MetricNamespace,
		Name:      "rpc_retries_total",
		Help:      "Number of BWS call retries by operation.",
	}, []string{"op"})

	channelPoolActive = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: faceauth.MetricNamespace,
		Name:      "channel_pool_active",
		Help:      "Number of pooled channels with outstanding calls per region.",
	}, []string{"region"})

	channelPoolIdle = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: faceauth.MetricNamespace,
		Name:      "channel_pool_idle",
		Help:      "Number of idle pooled channels per region.",
	}, []string{"region"})

	breakerState = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: faceauth.MetricNamespace,
		Name:      "circuit_breaker_state",
		Help:      "Circuit breaker state per operation: 0 standby, 1 tripped, 2 recovering.",
	}, []string{"op"})

	regionHealthy = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: faceauth.MetricNamespace,
		Name:      "region_healthy",
		Help:      "Whether the regional BWS endpoint is considered healthy.",
	}, []string{"region"})
)

func init() {
	_ = utils.RegisterPrometheusCollectors(
		rpcCalls, rpcLatency, rpcRetries,
		channelPoolActive, channelPoolIdle,
		breakerState, regionHealthy,
	)
}
