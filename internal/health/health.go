// Package health actively probes one upstream target per API and exposes
// its current liveness for the admin surface's /readyz (C11). Adapted
// from the teacher's multi-backend pool checker down to the single
// {path, target} upstream spec.md §3's ProxyConfig names — there is no
// backend pool to balance across (internal/loadbalancer is dropped, see
// DESIGN.md), just one target to watch.
package health

import (
	"context"
	"net/http"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

const (
	defaultCheckInterval = 10 * time.Second
	defaultTimeout       = 3 * time.Second
	defaultHealthPath    = "/health"
)

// Checker polls one upstream target and flips its alive flag.
type Checker struct {
	target string
	alive  atomic.Bool
	client *http.Client
	log    *zap.SugaredLogger
	cancel context.CancelFunc
}

// New creates and immediately starts a Checker for target.
func New(target string, log *zap.SugaredLogger) *Checker {
	ctx, cancel := context.WithCancel(context.Background())
	c := &Checker{
		target: target,
		client: &http.Client{
			Timeout: defaultTimeout,
			CheckRedirect: func(_ *http.Request, _ []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		log:    log,
		cancel: cancel,
	}
	c.alive.Store(true) // optimistic until the first probe completes
	go c.run(ctx)
	return c
}

// IsAlive reports the most recently observed liveness.
func (c *Checker) IsAlive() bool { return c.alive.Load() }

// Target returns the upstream URL this checker watches.
func (c *Checker) Target() string { return c.target }

// Stop cancels the background probing goroutine.
func (c *Checker) Stop() { c.cancel() }

func (c *Checker) run(ctx context.Context) {
	ticker := time.NewTicker(defaultCheckInterval)
	defer ticker.Stop()

	c.checkOnce(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.checkOnce(ctx)
		}
	}
}

func (c *Checker) checkOnce(ctx context.Context) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.target+defaultHealthPath, nil)
	if err != nil {
		c.alive.Store(false)
		return
	}

	resp, err := c.client.Do(req)
	if err != nil {
		if c.alive.Load() {
			c.log.Warnw("upstream unhealthy", "target", c.target, "err", err)
		}
		c.alive.Store(false)
		return
	}
	resp.Body.Close()

	alive := resp.StatusCode < 500
	if !c.alive.Load() && alive {
		c.log.Infow("upstream recovered", "target", c.target, "status", resp.StatusCode)
	}
	c.alive.Store(alive)
}
