package billing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/singleflight"
)

const (
	reportVersionKey = "billing:report:version"
	// BumpChannel carries the new version after every ledger mutation.
	BumpChannel = "billing.bump"
)

// ReportCache stores built reports under a versioned key. Bumping the version
// orphans every cached report at once; orphans expire with the TTL.
// Redis failures never fail a read: the report is built from Postgres instead.
type ReportCache struct {
	client *redis.Client
	ttl    time.Duration
	logger *slog.Logger
	group  singleflight.Group
}

// NewReportCache constructs the cache. A nil client disables caching.
func NewReportCache(client *redis.Client, ttl time.Duration, logger *slog.Logger) *ReportCache {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &ReportCache{client: client, ttl: ttl, logger: logger}
}

// Version returns the current version, initialising it when missing.
func (c *ReportCache) Version(ctx context.Context) (int64, error) {
	if c == nil || c.client == nil {
		return 0, nil
	}
	ver, err := c.client.Get(ctx, reportVersionKey).Int64()
	if errors.Is(err, redis.Nil) {
		// SETNX so a concurrent Bump is not overwritten.
		if err := c.client.SetNX(ctx, reportVersionKey, 1, 0).Err(); err != nil {
			return 0, err
		}
		return c.client.Get(ctx, reportVersionKey).Int64()
	}
	if err != nil {
		return 0, err
	}
	return ver, nil
}

// Bump invalidates every cached report and publishes the new version.
func (c *ReportCache) Bump(ctx context.Context) error {
	if c == nil || c.client == nil {
		return nil
	}
	ver, err := c.client.Incr(ctx, reportVersionKey).Result()
	if err != nil {
		return err
	}
	return c.client.Publish(ctx, BumpChannel, strconv.FormatInt(ver, 10)).Err()
}

// Fetch returns the cached value for key or builds it. Concurrent builds of
// the same key share one call.
func (c *ReportCache) Fetch(ctx context.Context, key string, dest any, build func(context.Context) (any, error)) error {
	if build == nil {
		return errors.New("billing: report builder required")
	}
	if c == nil || c.client == nil {
		return decodeInto(ctx, build, dest)
	}
	ver, err := c.Version(ctx)
	if err != nil {
		c.logger.Warn("report cache unavailable", slog.String("key", key), slog.Any("error", err))
		return decodeInto(ctx, build, dest)
	}
	versioned := fmt.Sprintf("%s:%d", key, ver)
	payload, err := c.client.Get(ctx, versioned).Bytes()
	if err == nil {
		return json.Unmarshal(payload, dest)
	}
	if !errors.Is(err, redis.Nil) {
		c.logger.Warn("report cache read failed", slog.String("key", versioned), slog.Any("error", err))
		return decodeInto(ctx, build, dest)
	}
	ch := c.group.DoChan(versioned, func() (any, error) {
		// Shared by every waiter, so one caller cancelling must not fail the rest.
		buildCtx := context.WithoutCancel(ctx)
		value, err := build(buildCtx)
		if err != nil {
			return nil, err
		}
		raw, err := json.Marshal(value)
		if err != nil {
			return nil, err
		}
		if err := c.client.Set(buildCtx, versioned, raw, c.ttl).Err(); err != nil {
			c.logger.Warn("report cache write failed", slog.String("key", versioned), slog.Any("error", err))
		}
		return raw, nil
	})
	select {
	case <-ctx.Done():
		return ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return res.Err
		}
		return json.Unmarshal(res.Val.([]byte), dest)
	}
}

func decodeInto(ctx context.Context, build func(context.Context) (any, error), dest any) error {
	value, err := build(ctx)
	if err != nil {
		return err
	}
	raw, err := json.Marshal(value)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, dest)
}
