// Copyright 2025 Resilience Contributors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package resilience

import (
	"context"
	"errors"
	"log/slog"

	"github.com/glimte/resilience-go/breaker"
	"github.com/glimte/resilience-go/dlq"
	"github.com/glimte/resilience-go/ratelimit"
	"github.com/glimte/resilience-go/retry"
)

// Client composes the fault-tolerance primitives into one execution path:
// admission through the rate limiter, isolation through a per-key circuit
// breaker, bounded retries, and dead-lettering on exhaustion.
type Client struct {
	limiter  *ratelimit.Limiter
	breakers *breaker.Group
	retrier  *retry.Executor
	queue    *dlq.Queue
	logger   *slog.Logger
}

type clientConfig struct {
	limiter  *ratelimit.Limiter
	breakers *breaker.Group
	retrier  *retry.Executor
	queue    *dlq.Queue
	logger   *slog.Logger
}

// ClientOption configures a Client
type ClientOption func(*clientConfig)

// WithRateLimiter gates every call through the given limiter
func WithRateLimiter(l *ratelimit.Limiter) ClientOption {
	return func(c *clientConfig) {
		c.limiter = l
	}
}

// WithBreakers routes each call through a per-key circuit breaker group
func WithBreakers(g *breaker.Group) ClientOption {
	return func(c *clientConfig) {
		c.breakers = g
	}
}

// WithRetry sets the retry executor wrapping each call
func WithRetry(e *retry.Executor) ClientOption {
	return func(c *clientConfig) {
		c.retrier = e
	}
}

// WithDeadLetters dead-letters exhausted calls into the given queue
func WithDeadLetters(q *dlq.Queue) ClientOption {
	return func(c *clientConfig) {
		c.queue = q
	}
}

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) ClientOption {
	return func(c *clientConfig) {
		c.logger = logger
	}
}

// NewClient creates a client. Without options, calls get a per-key circuit
// breaker and default retries; rate limiting and dead-lettering are enabled
// by the corresponding options.
func NewClient(options ...ClientOption) *Client {
	cfg := &clientConfig{
		logger: slog.Default(),
	}

	for _, opt := range options {
		opt(cfg)
	}

	if cfg.breakers == nil {
		cfg.breakers = breaker.NewGroup(breaker.WithLogger(cfg.logger))
	}
	if cfg.retrier == nil {
		cfg.retrier = retry.NewExecutor(retry.WithLogger(cfg.logger))
	}

	return &Client{
		limiter:  cfg.limiter,
		breakers: cfg.breakers,
		retrier:  cfg.retrier,
		queue:    cfg.queue,
		logger:   cfg.logger,
	}
}

// Do executes op under the configured policies, keyed by key. The key
// selects the circuit breaker and the rate-limit bucket.
func (c *Client) Do(ctx context.Context, key string, op func(ctx context.Context) error) error {
	return c.do(ctx, key, nil, op)
}

// DoWithRecovery behaves like Do but dead-letters payload when retries are
// exhausted, so a registered processor can recover the operation later.
// Requires a queue configured via WithDeadLetters.
func (c *Client) DoWithRecovery(ctx context.Context, key string, payload any, op func(ctx context.Context) error) error {
	return c.do(ctx, key, payload, op)
}

func (c *Client) do(ctx context.Context, key string, payload any, op func(ctx context.Context) error) error {
	if c.limiter != nil {
		if err := c.limiter.Check(ratelimit.ContextWithKey(ctx, key), 1); err != nil {
			return err
		}
	}

	err := c.retrier.Execute(ctx, func(ctx context.Context) error {
		return c.breakers.Execute(ctx, key, op)
	})
	if err == nil {
		return nil
	}

	var retryErr *retry.RetryError
	if c.queue != nil && errors.As(err, &retryErr) {
		id := c.queue.AddMessage(ctx, payload, retryErr.LastError, key, nil)
		c.logger.Warn("operation dead-lettered after retry exhaustion",
			"key", key, "messageId", id, "attempts", retryErr.Attempts)
	}
	return err
}

// Breakers exposes the circuit breaker group, e.g. for health checks
func (c *Client) Breakers() *breaker.Group {
	return c.breakers
}

// Start launches the background loops of the configured components
func (c *Client) Start(ctx context.Context) error {
	if c.limiter != nil {
		c.limiter.Start()
	}
	if c.queue != nil {
		if err := c.queue.Start(ctx); err != nil {
			return err
		}
	}
	return nil
}

// Shutdown stops all background loops
func (c *Client) Shutdown() {
	if c.limiter != nil {
		c.limiter.Stop()
	}
	if c.queue != nil {
		c.queue.Stop()
	}
	c.breakers.Stop()
}
