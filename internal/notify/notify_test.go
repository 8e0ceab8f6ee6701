// Copyright 2021 Wavious LLC. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package notify

import (
	"context"
	"testing"
	"time"

	"github.com/waviousllc/wav-lpddr-sw-sub001/wddrtypes"
)

func TestCompletionSignalWait(t *testing.T) {
	c := NewCompletion()
	if c.Done() {
		t.Fatalf("new completion should not be done")
	}

	go func() {
		time.Sleep(5 * time.Millisecond)
		c.Signal()
		c.Signal() // second call must be harmless
	}()

	if err := c.Wait(context.Background()); err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if !c.Done() {
		t.Fatalf("completion should be done after Signal")
	}
}

func TestCompletionWaitTimeout(t *testing.T) {
	c := NewCompletion()
	ctx, cancel := context.WithTimeout(context.Background(), time.Millisecond)
	defer cancel()

	err := c.Wait(ctx)
	if err == nil {
		t.Fatalf("expected timeout error")
	}
}

func TestEndpointFanOut(t *testing.T) {
	e := NewEndpoint()
	a := e.Subscribe()
	b := e.Subscribe()

	e.Publish(Notification{Kind: wddrtypes.NotifyFswDone, Freq: 3})

	for _, ch := range []<-chan Notification{a, b} {
		select {
		case n := <-ch:
			if n.Kind != wddrtypes.NotifyFswDone || n.Freq != 3 {
				t.Fatalf("unexpected notification: %+v", n)
			}
		default:
			t.Fatalf("subscriber did not receive notification")
		}
	}
}

func TestEndpointUnsubscribe(t *testing.T) {
	e := NewEndpoint()
	ch := e.Subscribe()
	e.Unsubscribe(ch)

	e.Publish(Notification{Kind: wddrtypes.NotifyFswFailed})

	if _, ok := <-ch; ok {
		t.Fatalf("expected channel closed after unsubscribe")
	}
}
