// Package ratelimit counts requests per endpoint class and client key in
// fixed windows.
package ratelimit

import (
	"context"
	"time"
)

type Class string

const (
	ClassWebhook Class = "webhook"
	ClassWorker  Class = "worker"
	ClassCron    Class = "cron"
	ClassHealth  Class = "health"
	ClassAPI     Class = "api"
)

type Rule struct {
	Limit  int
	Window time.Duration
}

// DefaultRules allows per minute: webhook 100, worker 50, cron 10, health 200, api 100.
func DefaultRules() map[Class]Rule {
	return map[Class]Rule{
		ClassWebhook: {Limit: 100, Window: time.Minute},
		ClassWorker:  {Limit: 50, Window: time.Minute},
		ClassCron:    {Limit: 10, Window: time.Minute},
		ClassHealth:  {Limit: 200, Window: time.Minute},
		ClassAPI:     {Limit: 100, Window: time.Minute},
	}
}

type Result struct {
	Allowed    bool
	Limit      int
	Remaining  int
	ResetAt    time.Time
	RetryAfter time.Duration
}

// Limiter records one request for key in class and reports whether it may
// proceed. Classes without a rule are always allowed.
type Limiter interface {
	Allow(ctx context.Context, class Class, key string) (Result, error)
}

func unlimited() Result {
	return Result{Allowed: true, Remaining: -1}
}

func result(rule Rule, count int, resetAt, now time.Time) Result {
	r := Result{
		Allowed:   count <= rule.Limit,
		Limit:     rule.Limit,
		Remaining: max(0, rule.Limit-count),
		ResetAt:   resetAt,
	}
	if !r.Allowed {
		r.RetryAfter = max(resetAt.Sub(now), time.Second)
	}
	return r
}
