// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/bureau-foundation/vdmabuf/lib/broker"
	"github.com/bureau-foundation/vdmabuf/lib/service"
	"github.com/bureau-foundation/vdmabuf/lib/version"
)

// registerActions registers the control socket actions.
func registerActions(server *service.SocketServer, b *broker.Broker) {
	server.Handle("status", func(context.Context, []byte) (any, error) {
		return b.Status(), nil
	})
	server.Handle("version", func(context.Context, []byte) (any, error) {
		return version.Current(), nil
	})
}

// metricsHandler serves the broker's registry, plus process and Go
// runtime collectors, at /metrics.
func metricsHandler(b *broker.Broker) http.Handler {
	registry := b.Metrics().Registry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{
		Registry: registry,
	}))
	return mux
}
