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

package attrcache

import "github.com/prometheus/client_golang/prometheus"

var (
	attrCacheHitCounter = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "attr_cache_hits",
			Help: "The count of attribute lookups served by the cache.",
		},
	)
	attrCacheMissCounter = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "attr_cache_misses",
			Help: "The count of attribute lookups not served by the cache.",
		},
	)
	attrCacheFetchErrorCounter = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "attr_cache_fetch_errors",
			Help: "The count of attribute fetches failed with unexpected errors.",
		},
	)
	attrCacheInvalidateCounter = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "attr_cache_invalidations",
			Help: "The count of invalidated attribute entries.",
		},
	)
	attrCacheListingCounter = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "attr_cache_listings",
			Help: "The count of directory listings merged into the cache.",
		},
	)
)

func init() {
	prometheus.MustRegister(
		attrCacheHitCounter,
		attrCacheMissCounter,
		attrCacheFetchErrorCounter,
		attrCacheInvalidateCounter,
		attrCacheListingCounter,
	)
}
