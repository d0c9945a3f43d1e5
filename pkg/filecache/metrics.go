/*
 Copyright 2023 NanaFS Authors.

 Licensed under the Apache License, Version 2.0 (the "License");
 you may not use this file except in compliance with the License.
 You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

 Unless required by applicable law or agreed to in writing, software
 distributed under the License is distributed on an "AS IS" BASIS,
 WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 See the License for the specific language governing permissions and
 limitations under the License.
*/

package filecache

import "github.com/prometheus/client_golang/prometheus"

var (
	fileCacheUsageGauge = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "file_cache_usage_percent",
			Help: "The disk usage of the local file cache in percent.",
		},
	)
	fileCachePressureGauge = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "file_cache_pressure",
			Help: "Whether the local file cache is above its eviction threshold.",
		},
	)
	fileCachePendingGauge = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "file_cache_pending_evictions",
			Help: "The count of closed files waiting for eviction.",
		},
	)
	fileCacheEvictCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "file_cache_evictions",
			Help: "The count of eviction attempts by result.",
		},
		[]string{"result"},
	)
	fileCacheGCLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "file_cache_gc_latency_seconds",
			Help:    "The latency of one file cache gc pass.",
			Buckets: prometheus.ExponentialBuckets(0.0001, 4, 10),
		},
	)
)

func init() {
	prometheus.MustRegister(
		fileCacheUsageGauge,
		fileCachePressureGauge,
		fileCachePendingGauge,
		fileCacheEvictCounter,
		fileCacheGCLatency,
	)
}
