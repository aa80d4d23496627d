// Package ratelimit implements a sliding-window rate limiter over keyspace
// sorted sets. Each check trims the window, samples the current event, and
// counts survivors in one atomic pipeline.
package ratelimit

import (
	"context"
	"fmt"
	"log"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"beacon/internal/keyspace"
	"beacon/internal/observability"
	"beacon/internal/wire"
)

// FailPolicy defines the behavior when the keyspace is unavailable.
type FailPolicy int

const (
	// FailOpen allows the request to proceed if the keyspace is unavailable.
	FailOpen FailPolicy = iota
	// FailClosed rejects the request if the keyspace is unavailable.
	// Callers on sensitive paths must also verify connectivity around the
	// check, since a fail-closed answer is ambiguous during an outage.
	FailClosed
)

// Result reports the outcome of one sliding-window check.
type Result struct {
	Allowed   bool
	Remaining int
	ResetAt   int64 // unix ms when the oldest sampled event leaves the window
}

// Limiter checks per-(scope, key) sliding windows.
type Limiter struct {
	ks *keyspace.Client

	// Bypass disables limiting entirely. Only settable through config in
	// non-production environments.
	Bypass bool
}

// New returns a Limiter over the given keyspace client.
func New(ks *keyspace.Client) *Limiter {
	return &Limiter{ks: ks}
}

// Check records one event for (scope, key) and reports whether it fits
// within limit events per window.
func (l *Limiter) Check(ctx context.Context, scope, key string, limit int, window time.Duration, policy FailPolicy) (Result, error) {
	now := time.Now().UnixMilli()
	windowMs := window.Milliseconds()

	if l.Bypass {
		return Result{Allowed: true, Remaining: limit, ResetAt: now + windowMs}, nil
	}

	if l.ks == nil {
		return l.unavailable(scope, limit, now, windowMs, policy, fmt.Errorf("keyspace client is nil"))
	}

	rlKey := keyspace.RateLimitKey(scope, key)
	// Unique member so two events in the same millisecond both count.
	member := strconv.FormatInt(now, 10) + "-" + uuid.NewString()

	var cardCmd *redis.IntCmd
	var oldestCmd *redis.ZSliceCmd
	_, err := l.ks.Pipeline(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZRemRangeByScore(ctx, rlKey, "-inf", strconv.FormatInt(now-windowMs, 10))
		pipe.ZAdd(ctx, rlKey, redis.Z{Score: float64(now), Member: member})
		cardCmd = pipe.ZCard(ctx, rlKey)
		oldestCmd = pipe.ZRangeWithScores(ctx, rlKey, 0, 0)
		pipe.Expire(ctx, rlKey, window)
		return nil
	})
	if err != nil {
		return l.unavailable(scope, limit, now, windowMs, policy, err)
	}

	card := int(cardCmd.Val())
	resetAt := now + windowMs
	if oldest := oldestCmd.Val(); len(oldest) > 0 {
		resetAt = int64(oldest[0].Score) + windowMs
	}

	if card > limit {
		observability.RateLimitRejections.WithLabelValues(scope).Inc()
		return Result{Allowed: false, Remaining: 0, ResetAt: resetAt}, nil
	}
	return Result{Allowed: true, Remaining: limit - card, ResetAt: resetAt}, nil
}

// RetryAfterSeconds converts a rejection into the whole seconds a client
// should wait, at least 1.
func (r Result) RetryAfterSeconds() int {
	secs := int((r.ResetAt - time.Now().UnixMilli() + 999) / 1000)
	if secs < 1 {
		secs = 1
	}
	return secs
}

func (l *Limiter) unavailable(scope string, limit int, now, windowMs int64, policy FailPolicy, cause error) (Result, error) {
	if policy == FailClosed {
		log.Printf("WARNING: rate limit fail-closed for scope %s: %v", scope, cause)
		return Result{}, wire.WrapError(wire.KindNotAvailable, "rate limit unavailable", cause)
	}
	log.Printf("rate limit fail-open for scope %s: %v", scope, cause)
	return Result{Allowed: true, Remaining: limit, ResetAt: now + windowMs}, nil
}
