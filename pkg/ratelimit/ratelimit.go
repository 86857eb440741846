// Copyright (c) Ken Bannister
// SPDX-License-Identifier: MPL-2.0

// Package ratelimit provides rate limiting using token bucket algorithm.
package ratelimit

import (
	"context"
	"sync"
	"time"
)

// Bucket implements the token bucket algorithm. A zero or negative
// rate disables limiting: every request is allowed immediately.
type Bucket struct {
	mu         sync.Mutex
	capacity   float64
	tokens     float64
	rate       float64 // tokens per second
	lastRefill time.Time
}

// NewBucket creates a token bucket that refills at rate tokens per
// second and holds at most burst tokens. A burst below 1 is raised
// to 1.
func NewBucket(rate float64, burst int) *Bucket {
	if burst < 1 {
		burst = 1
	}
	return &Bucket{
		capacity:   float64(burst),
		tokens:     float64(burst),
		rate:       rate,
		lastRefill: time.Now(),
	}
}

// Allow reports whether a request may proceed now, consuming a token
// if so.
func (b *Bucket) Allow() bool {
	if b.rate <= 0 {
		return true
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	b.refill()
	if b.tokens >= 1 {
		b.tokens--
		return true
	}
	return false
}

// Wait blocks until a token is available or the context is done.
func (b *Bucket) Wait(ctx context.Context) error {
	if b.rate <= 0 {
		return ctx.Err()
	}

	for {
		b.mu.Lock()
		b.refill()
		if b.tokens >= 1 {
			b.tokens--
			b.mu.Unlock()
			return nil
		}
		wait := time.Duration((1 - b.tokens) / b.rate * float64(time.Second))
		b.mu.Unlock()

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// refill adds tokens based on elapsed time. Caller holds the lock.
func (b *Bucket) refill() {
	now := time.Now()
	elapsed := now.Sub(b.lastRefill).Seconds()

	b.tokens += elapsed * b.rate
	if b.tokens > b.capacity {
		b.tokens = b.capacity
	}
	b.lastRefill = now
}

// Available returns the number of whole tokens currently available.
func (b *Bucket) Available() int {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.refill()
	return int(b.tokens)
}

// Limiter manages per-peer rate limiters.
type Limiter struct {
	mu           sync.RWMutex
	buckets      map[string]*Bucket
	rate         float64
	burst        int
	maxPeers     int
	cleanupTimer *time.Timer
}

// NewLimiter creates a rate limiter with per-peer tracking. maxPeers
// bounds the number of tracked peers; 0 means 10000.
func NewLimiter(rate float64, burst, maxPeers int) *Limiter {
	if maxPeers == 0 {
		maxPeers = 10000
	}

	l := &Limiter{
		buckets:  make(map[string]*Bucket),
		rate:     rate,
		burst:    burst,
		maxPeers: maxPeers,
	}

	// Periodic cleanup of inactive buckets
	l.cleanupTimer = time.AfterFunc(5*time.Minute, l.cleanup)

	return l
}

// Allow checks if a request from the given peer should be allowed.
func (l *Limiter) Allow(peer string) bool {
	l.mu.RLock()
	b, exists := l.buckets[peer]
	l.mu.RUnlock()

	if !exists {
		l.mu.Lock()
		// Double-check after acquiring write lock
		b, exists = l.buckets[peer]
		if !exists {
			if len(l.buckets) >= l.maxPeers {
				l.mu.Unlock()
				return false
			}

			b = NewBucket(l.rate, l.burst)
			l.buckets[peer] = b
		}
		l.mu.Unlock()
	}

	return b.Allow()
}

// Remove removes a peer's rate limiter.
func (l *Limiter) Remove(peer string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.buckets, peer)
}

// cleanup removes inactive buckets to prevent unbounded growth.
func (l *Limiter) cleanup() {
	l.mu.Lock()
	defer l.mu.Unlock()

	// Simple cleanup: if we have too many buckets, clear half of them
	if len(l.buckets) > l.maxPeers*2 {
		count := 0
		target := l.maxPeers
		kept := make(map[string]*Bucket)

		for k, v := range l.buckets {
			if count < target {
				kept[k] = v
				count++
			}
		}

		l.buckets = kept
	}

	// Schedule next cleanup
	l.cleanupTimer = time.AfterFunc(5*time.Minute, l.cleanup)
}

// Peers returns the number of tracked peers.
func (l *Limiter) Peers() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.buckets)
}

// Close stops the cleanup timer.
func (l *Limiter) Close() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.cleanupTimer != nil {
		l.cleanupTimer.Stop()
	}
}
