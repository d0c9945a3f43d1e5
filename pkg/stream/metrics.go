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

package stream

import "github.com/prometheus/client_golang/prometheus"

var (
	streamCachedBytesGauge = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "stream_cached_bytes",
			Help: "The bytes held by cached stream blocks.",
		},
	)
	streamBlockEvictionCounter = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "stream_block_evictions",
			Help: "The count of cached stream blocks evicted.",
		},
	)
	streamDownloadLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "stream_download_latency_seconds",
			Help:    "The latency of stream block downloads.",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 15),
		},
		[]string{"kind"},
	)
	streamDownloadErrorCounter = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "stream_download_errors",
			Help: "The count of failed stream block downloads.",
		},
	)
)

func init() {
	prometheus.MustRegister(
		streamCachedBytesGauge,
		streamBlockEvictionCounter,
		streamDownloadLatency,
		streamDownloadErrorCounter,
	)
}
