// Copyright 2021 Wavious LLC. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package irq

import "testing"

func TestDispatchRequiresEnabledAndSticky(t *testing.T) {
	r := New()
	var fired int
	r.RequestIRQ(Line(1), func(Line) { fired++ })

	r.Dispatch(Line(1)) // disabled, no sticky bit: no-op
	if fired != 0 {
		t.Fatalf("handler fired while disabled")
	}

	if err := r.EnableIRQ(Line(1)); err != nil {
		t.Fatalf("EnableIRQ: %v", err)
	}
	r.Dispatch(Line(1)) // enabled but no sticky bit set: no-op
	if fired != 0 {
		t.Fatalf("handler fired without sticky bit")
	}

	r.SetSticky(Line(1))
	r.Dispatch(Line(1))
	if fired != 1 {
		t.Fatalf("handler fired %d times, want 1", fired)
	}
}

func TestClearStickyAndDisable(t *testing.T) {
	r := New()
	var fired int
	r.RequestIRQ(Line(2), func(Line) { fired++ })
	_ = r.EnableIRQ(Line(2))
	r.SetSticky(Line(2))

	r.ClearSticky(Line(2))
	r.Dispatch(Line(2))
	if fired != 0 {
		t.Fatalf("handler fired after sticky bit cleared")
	}

	r.SetSticky(Line(2))
	_ = r.DisableIRQ(Line(2))
	r.Dispatch(Line(2))
	if fired != 0 {
		t.Fatalf("handler fired while disabled")
	}
}

func TestUnknownLine(t *testing.T) {
	r := New()
	if err := r.EnableIRQ(Line(99)); err == nil {
		t.Fatalf("expected error enabling unregistered line")
	}
	r.Dispatch(Line(99)) // must not panic
}
