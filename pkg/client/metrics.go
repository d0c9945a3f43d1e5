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

package client

import (
	"context"
	"errors"
	"io"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/basenana/blobfs/pkg/types"
)

var (
	clientOperationLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "client_operation_latency_seconds",
			Help:    "The latency of filesystem client operation.",
			Buckets: prometheus.ExponentialBuckets(0.0001, 2.5, 15),
		},
		[]string{"operation"},
	)
	clientOperationErrorCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "client_operation_errors",
			Help: "This count of filesystem client operation encountering errors",
		},
		[]string{"operation"},
	)
	clientOpenedHandlesGauge = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "client_opened_handles",
			Help: "The number of opened file handles.",
		},
	)
	clientUploadBytesCounter = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "client_upload_bytes",
			Help: "The bytes uploaded to the remote store.",
		},
	)
)

func init() {
	prometheus.MustRegister(
		clientOperationLatency,
		clientOperationErrorCounter,
		clientOpenedHandlesGauge,
		clientUploadBytesCounter,
	)
}

func logOperationLatency(operation string, startAt time.Time) {
	clientOperationLatency.WithLabelValues(operation).Observe(time.Since(startAt).Seconds())
}

// logOperationError counts err unless it is an expected outcome such as a
// missing path.
func logOperationError(operation string, err error) error {
	if err == nil || err == context.Canceled || err == io.EOF {
		return err
	}
	if errors.Is(err, types.ErrNotFound) || errors.Is(err, types.ErrIsExist) {
		return err
	}
	clientOperationErrorCounter.WithLabelValues(operation).Inc()
	return err
}
