// Package forecast polls an external forecast provider for spot price and
// PV/consumption predictions and caches the last-known values behind a
// read-write lock, in the style of the teacher's modo.Client.
package forecast

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"
)

// Point is a single forecast value with the wall-clock time it applies to.
type Point struct {
	Time  time.Time
	Value float64
}

type response struct {
	Prices       []pointDTO `json:"prices"`
	Production   []pointDTO `json:"production_kw"`
	Consumption  []pointDTO `json:"consumption_kw"`
}

type pointDTO struct {
	Time  time.Time `json:"time"`
	Value float64   `json:"value"`
}

// Client polls a forecast HTTP endpoint on an interval and caches the most
// recently fetched price/production/consumption curves. Every accessor
// returns a "how stale is this" duration alongside its value so callers
// (the controller's gather step) can apply the max_stale_s fallback policy
// from spec.md §4.5 without this package needing to know about it.
type Client struct {
	httpClient http.Client
	url        string

	lock          sync.RWMutex
	prices        []Point
	production    []Point
	consumption   []Point
	lastUpdatedAt time.Time

	logger *slog.Logger
}

// New builds a Client. httpClient is accepted by value, matching the
// teacher's modo.New(client http.Client) signature, so callers can
// configure timeouts/transports without this package importing a config
// package of its own.
func New(httpClient http.Client, url string, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		httpClient: httpClient,
		url:        url,
		logger:     logger.With("component", "forecast"),
	}
}

// Run polls the forecast endpoint every period until ctx is cancelled.
func (c *Client) Run(ctx context.Context, period time.Duration) error {
	ticker := time.NewTicker(period)
	defer ticker.Stop()

	c.refresh() // populate immediately rather than waiting a full period

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			c.refresh()
		}
	}
}

func (c *Client) refresh() {
	resp, err := c.fetch()
	if err != nil {
		c.logger.Error("forecast refresh failed, keeping last-known curves", "error", err)
		return
	}

	c.lock.Lock()
	defer c.lock.Unlock()
	c.prices = toPoints(resp.Prices)
	c.production = toPoints(resp.Production)
	c.consumption = toPoints(resp.Consumption)
	c.lastUpdatedAt = time.Now()
	c.logger.Info("forecast updated", "prices", len(c.prices), "production", len(c.production), "consumption", len(c.consumption))
}

func toPoints(dtos []pointDTO) []Point {
	pts := make([]Point, len(dtos))
	for i, d := range dtos {
		pts[i] = Point{Time: d.Time, Value: d.Value}
	}
	return pts
}

func (c *Client) fetch() (response, error) {
	req, err := http.NewRequest(http.MethodGet, c.url, nil)
	if err != nil {
		return response{}, fmt.Errorf("forecast: build request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return response{}, fmt.Errorf("forecast: request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return response{}, fmt.Errorf("forecast: unexpected status %d", resp.StatusCode)
	}

	var parsed response
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return response{}, fmt.Errorf("forecast: decode body: %w", err)
	}
	return parsed, nil
}

// PriceAt returns the forecast spot price nearest to t and how stale the
// underlying fetch is, or ok=false if no price data has been fetched yet.
func (c *Client) PriceAt(t time.Time) (value float64, staleness time.Duration, ok bool) {
	return c.nearest(c.snapshotPrices(), t)
}

// ProductionAt returns the forecast PV production nearest to t.
func (c *Client) ProductionAt(t time.Time) (value float64, staleness time.Duration, ok bool) {
	return c.nearest(c.snapshotProduction(), t)
}

// ConsumptionAt returns the forecast house consumption nearest to t.
func (c *Client) ConsumptionAt(t time.Time) (value float64, staleness time.Duration, ok bool) {
	return c.nearest(c.snapshotConsumption(), t)
}

func (c *Client) snapshotPrices() []Point {
	c.lock.RLock()
	defer c.lock.RUnlock()
	return c.prices
}

func (c *Client) snapshotProduction() []Point {
	c.lock.RLock()
	defer c.lock.RUnlock()
	return c.production
}

func (c *Client) snapshotConsumption() []Point {
	c.lock.RLock()
	defer c.lock.RUnlock()
	return c.consumption
}

func (c *Client) nearest(points []Point, t time.Time) (float64, time.Duration, bool) {
	c.lock.RLock()
	updatedAt := c.lastUpdatedAt
	c.lock.RUnlock()

	if len(points) == 0 {
		return 0, 0, false
	}

	best := points[0]
	bestDiff := absDuration(best.Time.Sub(t))
	for _, p := range points[1:] {
		if d := absDuration(p.Time.Sub(t)); d < bestDiff {
			best, bestDiff = p, d
		}
	}
	return best.Value, time.Since(updatedAt), true
}

func absDuration(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}
