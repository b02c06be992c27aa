package api

import (
	"context"
	"net/http"
	"strconv"
	"strings"
)

// TimePath is the unauthenticated endpoint returning the provider clock.
const TimePath = "/auth/time"

// ServerTime fetches the provider's current Unix time.
func (c *Client) ServerTime(ctx context.Context) (int64, error) {
	body, err := c.execute(ctx, request{
		class:  ClassTime,
		method: http.MethodGet,
		path:   TimePath,
	})
	if err != nil {
		return 0, err
	}
	return strconv.ParseInt(strings.TrimSpace(string(body)), 10, 64)
}

// SyncTime refreshes the cached offset between local and provider clocks.
// Concurrent callers share one request.
func (c *Client) SyncTime(ctx context.Context) error {
	_, err, _ := c.timeGroup.Do("time", func() (any, error) {
		remote, err := c.ServerTime(ctx)
		if err != nil {
			return nil, err
		}
		c.timeOffset.Store(remote - c.now().Unix())
		c.timeSynced.Store(true)
		return nil, nil
	})
	return err
}

// serverTime returns the provider's clock estimate used for signing. If the
// offset cannot be fetched the local clock is used.
func (c *Client) serverTime(ctx context.Context) int64 {
	if !c.timeSynced.Load() {
		if err := c.SyncTime(ctx); err != nil {
			c.logger.Debug("time sync failed, signing with local clock", "err", err)
			return c.now().Unix()
		}
	}
	return c.now().Unix() + c.timeOffset.Load()
}

// ResetTimeSync forces the next signed call to refetch the provider clock.
func (c *Client) ResetTimeSync() {
	c.timeSynced.Store(false)
}

// TimeOffset returns the cached provider-minus-local offset in seconds.
func (c *Client) TimeOffset() (int64, bool) {
	return c.timeOffset.Load(), c.timeSynced.Load()
}
