// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package cdc

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/AleutianAI/driftlake/pkg/errs"
)

// -----------------------------------------------------------------------------
// Consumer
// -----------------------------------------------------------------------------

// ConsumerConfig configures a change-feed consumer.
type ConsumerConfig struct {
	// Group identifies the consumer group. Required.
	Group string

	// Topic identifies the feed, normally the table name. Required.
	Topic string

	// Partition is the feed partition. Single-table feeds use 0.
	Partition int

	// AutoCommit commits the position after processed records, rate
	// limited by AutoCommitInterval. Default: false.
	AutoCommit bool

	// AutoCommitInterval is the minimum gap between auto-commits.
	AutoCommitInterval time.Duration

	// Logger for commit failures. Default: slog.Default().
	Logger *slog.Logger
}

// Validate rejects incomplete configs.
func (c ConsumerConfig) Validate() error {
	if c.Group == "" || c.Topic == "" {
		return errs.Validation("cdc.consumer", "group and topic are required")
	}
	if c.Partition < 0 {
		return errs.Validation("cdc.consumer", "partition must be >= 0")
	}
	return nil
}

// Consumer reads the change feed in version order and tracks its
// position in an OffsetStorage. The stored offset is the next version to
// read.
type Consumer struct {
	reader  *Reader
	offsets OffsetStorage
	config  ConsumerConfig
	logger  *slog.Logger

	mu             sync.Mutex
	position       int64 // next version to read
	cachedOffset   *Offset
	hasCache       bool
	lastAutoCommit time.Time
}

// NewConsumer creates a consumer starting at version 0.
func NewConsumer(reader *Reader, offsets OffsetStorage, config ConsumerConfig) (*Consumer, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	return &Consumer{
		reader:  reader,
		offsets: offsets,
		config:  config,
		logger:  config.Logger,
	}, nil
}

// Position returns the next version the consumer will read.
func (c *Consumer) Position() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.position
}

// Seek moves the read position.
func (c *Consumer) Seek(version int64) error {
	if version < 0 {
		return errs.Validation("cdc.consumer", "cannot seek to version %d", version)
	}
	c.mu.Lock()
	c.position = version
	c.mu.Unlock()
	return nil
}

// Poll reads all records from the current position through the latest
// change version, advances the position past them, and auto-commits when
// enabled.
func (c *Consumer) Poll(ctx context.Context) ([]Record, error) {
	c.mu.Lock()
	from := c.position
	c.mu.Unlock()

	latest, err := c.reader.LatestChangeVersion(ctx)
	if err != nil {
		return nil, err
	}
	if latest < from {
		return nil, nil
	}

	records, err := c.reader.ReadByVersion(ctx, from, latest)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.position = latest + 1
	c.mu.Unlock()

	if len(records) > 0 && c.config.AutoCommit {
		c.maybeAutoCommit(ctx)
	}
	return records, nil
}

// Commit stores an explicit offset.
func (c *Consumer) Commit(ctx context.Context, offset int64) error {
	if offset < 0 {
		return errs.Validation("cdc.consumer", "offset must be >= 0, got %d", offset)
	}
	record := Offset{
		Offset:      offset,
		Partition:   c.config.Partition,
		CommittedAt: time.Now().UTC(),
	}
	if err := c.offsets.Save(ctx, c.config.Group, c.config.Topic, c.config.Partition, record); err != nil {
		return err
	}
	c.mu.Lock()
	c.cachedOffset = &record
	c.hasCache = true
	c.mu.Unlock()
	return nil
}

// CommitCurrent stores the current read position.
func (c *Consumer) CommitCurrent(ctx context.Context) error {
	return c.Commit(ctx, c.Position())
}

// GetCommitted returns the stored offset, from cache unless bypassCache
// is set. A consumer with no committed offset returns nil.
func (c *Consumer) GetCommitted(ctx context.Context, bypassCache bool) (*Offset, error) {
	if !bypassCache {
		c.mu.Lock()
		if c.hasCache {
			cached := c.cachedOffset
			c.mu.Unlock()
			return cached, nil
		}
		c.mu.Unlock()
	}
	offset, err := c.offsets.Load(ctx, c.config.Group, c.config.Topic, c.config.Partition)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	c.cachedOffset = offset
	c.hasCache = true
	c.mu.Unlock()
	return offset, nil
}

// ResumeFromCommitted seeks to the stored offset. Without one, the
// position stays where it is.
func (c *Consumer) ResumeFromCommitted(ctx context.Context) error {
	offset, err := c.GetCommitted(ctx, true)
	if err != nil {
		return err
	}
	if offset == nil {
		return nil
	}
	return c.Seek(offset.Offset)
}

// Reset deletes the stored offset and rewinds to version 0.
func (c *Consumer) Reset(ctx context.Context) error {
	if err := c.offsets.Delete(ctx, c.config.Group, c.config.Topic, c.config.Partition); err != nil {
		return err
	}
	c.mu.Lock()
	c.position = 0
	c.cachedOffset = nil
	c.hasCache = false
	c.mu.Unlock()
	return nil
}

// maybeAutoCommit commits the position if the interval has elapsed.
// Failures are logged, never raised.
func (c *Consumer) maybeAutoCommit(ctx context.Context) {
	c.mu.Lock()
	now := time.Now()
	if c.config.AutoCommitInterval > 0 && now.Sub(c.lastAutoCommit) < c.config.AutoCommitInterval {
		c.mu.Unlock()
		return
	}
	c.lastAutoCommit = now
	c.mu.Unlock()

	if err := c.CommitCurrent(ctx); err != nil {
		c.logger.Warn("cdc auto-commit failed",
			"group", c.config.Group,
			"topic", c.config.Topic,
			"error", err.Error(),
		)
	}
}
