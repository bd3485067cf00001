// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package storage

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// -----------------------------------------------------------------------------
// Metrics
// -----------------------------------------------------------------------------

var (
	storageOpsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "driftlake_storage_operations_total",
		Help: "Storage operations by backend, operation, and status",
	}, []string{"backend", "op", "status"})

	storageBytesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "driftlake_storage_bytes_total",
		Help: "Bytes moved through storage by backend and direction",
	}, []string{"backend", "direction"})
)

// Instrument wraps a store with prometheus counters. The factory applies
// it to every backend it constructs.
func Instrument(backend string, store ObjectStore) ObjectStore {
	return &measuredStore{backend: backend, inner: store}
}

type measuredStore struct {
	backend string
	inner   ObjectStore
}

// Unwrap exposes the wrapped store so callers can reach backend-specific
// capabilities (see AsFileStore).
func (m *measuredStore) Unwrap() ObjectStore { return m.inner }

func (m *measuredStore) count(op string, err error) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	storageOpsTotal.WithLabelValues(m.backend, op, status).Inc()
}

func (m *measuredStore) Read(ctx context.Context, path string) ([]byte, error) {
	data, err := m.inner.Read(ctx, path)
	m.count("read", err)
	if err == nil {
		storageBytesTotal.WithLabelValues(m.backend, "in").Add(float64(len(data)))
	}
	return data, err
}

func (m *measuredStore) Write(ctx context.Context, path string, data []byte) error {
	err := m.inner.Write(ctx, path, data)
	m.count("write", err)
	if err == nil {
		storageBytesTotal.WithLabelValues(m.backend, "out").Add(float64(len(data)))
	}
	return err
}

func (m *measuredStore) ReadRange(ctx context.Context, path string, start, end int64) ([]byte, error) {
	data, err := m.inner.ReadRange(ctx, path, start, end)
	m.count("range", err)
	return data, err
}

func (m *measuredStore) List(ctx context.Context, prefix string) ([]string, error) {
	keys, err := m.inner.List(ctx, prefix)
	m.count("list", err)
	return keys, err
}

func (m *measuredStore) Stat(ctx context.Context, path string) (*ObjectInfo, error) {
	info, err := m.inner.Stat(ctx, path)
	m.count("stat", err)
	return info, err
}

func (m *measuredStore) Delete(ctx context.Context, path string) error {
	err := m.inner.Delete(ctx, path)
	m.count("delete", err)
	return err
}

func (m *measuredStore) Version(ctx context.Context, path string) (string, error) {
	v, err := m.inner.Version(ctx, path)
	m.count("version", err)
	return v, err
}

func (m *measuredStore) ConditionalCreate(ctx context.Context, path string, data []byte, expectedVersion string) (string, error) {
	v, err := m.inner.ConditionalCreate(ctx, path, data, expectedVersion)
	m.count("conditional_create", err)
	return v, err
}
