// Copyright 2021 Wavious LLC. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package notify implements the one-shot Completion primitive and the
// fan-out Endpoint used to wake tasks on FSM transitions, standing in
// for FreeRTOS's completion object and the host messenger's
// notification channel (spec.md §9: "completion = one-shot
// oneshot/notify").
package notify // import "github.com/waviousllc/wav-lpddr-sw-sub001/internal/notify"

import (
	"context"
	"sync"

	"github.com/waviousllc/wav-lpddr-sw-sub001/wddrtypes"
)

// Completion is a one-shot signal: Signal may be called at most once
// usefully (subsequent calls are no-ops), and any number of callers may
// Wait for it, concurrently or after the fact.
type Completion struct {
	once sync.Once
	done chan struct{}
}

// NewCompletion returns a ready, unsignaled Completion.
func NewCompletion() *Completion {
	return &Completion{done: make(chan struct{})}
}

// Signal marks the completion done. Safe to call more than once or from
// multiple goroutines; only the first call has effect.
func (c *Completion) Signal() {
	c.once.Do(func() { close(c.done) })
}

// Wait blocks until Signal is called or ctx is done, whichever comes
// first. It returns ctx.Err() on timeout/cancellation.
func (c *Completion) Wait(ctx context.Context) error {
	select {
	case <-c.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Done reports whether Signal has already been called.
func (c *Completion) Done() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

// Notification is one event published by an FSM transition.
type Notification struct {
	Kind wddrtypes.NotifyKind
	Freq wddrtypes.FreqID
	Err  error
}

// Endpoint is a fan-out notification point: any number of subscribers
// each get every published Notification on their own buffered channel.
// A slow subscriber drops notifications rather than blocking the
// publisher -- publishing happens from inside FSM state-transition code,
// which must never block on a consumer.
type Endpoint struct {
	mu   sync.Mutex
	subs map[chan Notification]struct{}
}

// NewEndpoint returns an empty fan-out endpoint.
func NewEndpoint() *Endpoint {
	return &Endpoint{subs: make(map[chan Notification]struct{})}
}

// Subscribe registers a new subscriber and returns its channel. Call
// Unsubscribe with the same channel to stop receiving and release it.
func (e *Endpoint) Subscribe() <-chan Notification {
	ch := make(chan Notification, 8)
	e.mu.Lock()
	e.subs[ch] = struct{}{}
	e.mu.Unlock()
	return ch
}

// Unsubscribe removes and closes a subscriber channel previously
// returned by Subscribe.
func (e *Endpoint) Unsubscribe(ch <-chan Notification) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for c := range e.subs {
		if c == ch {
			delete(e.subs, c)
			close(c)
			return
		}
	}
}

// Publish fans n out to every current subscriber, non-blockingly.
func (e *Endpoint) Publish(n Notification) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for ch := range e.subs {
		select {
		case ch <- n:
		default:
			// subscriber too slow; drop rather than block the FSM.
		}
	}
}
