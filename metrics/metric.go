// Copyright 2024 The OutbackCDX Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or
// implied. See the License for the specific language governing
// permissions and limitations under the License.

// Package metrics owns the process-wide prometheus registry served at
// /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	Registry = prometheus.NewRegistry()

	HTTPRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "outbackcdx",
			Name:      "http_requests_total",
			Help:      "HTTP requests by method, route and status.",
		},
		[]string{"method", "route", "status"},
	)

	RecordsIngested = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "outbackcdx",
			Name:      "records_ingested_total",
			Help:      "CDX records written, by collection.",
		},
		[]string{"collection"},
	)

	RecordsDeleted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "outbackcdx",
			Name:      "records_deleted_total",
			Help:      "CDX records deleted, by collection.",
		},
		[]string{"collection"},
	)

	ReplicationBatches = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "outbackcdx",
			Name:      "replication_batches_applied_total",
			Help:      "Write batches applied from a primary's change feed.",
		},
		[]string{"collection"},
	)
)

func init() {
	Registry.MustRegister(
		HTTPRequests,
		RecordsIngested,
		RecordsDeleted,
		ReplicationBatches,
	)
}
