// Copyright 2021 Wavious LLC. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package fatal mirrors the original firmware's shutdown(cause) path:
// disable interrupts, log, and exit with a cause code distinguishing
// why the process went down. Grounded on app/wddr_boot/main.c's
// shutdown() and its four call sites (boot failure, malloc-failed hook,
// stack-overflow hook, assertion hook).
package fatal // import "github.com/waviousllc/wav-lpddr-sw-sub001/internal/fatal"

import (
	"log"
	"os"
)

// Cause is an exit cause code, passed to os.Exit by Shutdown.
type Cause int

const (
	// CauseBootFailed: firmware_phy_start returned Fail during boot.
	CauseBootFailed Cause = 1
	// CauseAllocFailed: a required allocation could not be satisfied.
	CauseAllocFailed Cause = 2
	// CauseStackOverflow: a goroutine/task stack guard tripped.
	CauseStackOverflow Cause = 3
	// CauseAssertion: an internal invariant check failed.
	CauseAssertion Cause = 4
)

func (c Cause) String() string {
	switch c {
	case CauseBootFailed:
		return "boot failed"
	case CauseAllocFailed:
		return "allocation failed"
	case CauseStackOverflow:
		return "stack overflow"
	case CauseAssertion:
		return "assertion failed"
	default:
		return "unknown cause"
	}
}

// exit is overridden in tests so Shutdown's logging path can be
// exercised without actually terminating the test binary.
var exit = os.Exit

// Shutdown logs cause and terminates the process with its numeric
// code, the Go analog of shutdown()'s taskDISABLE_INTERRUPTS()+_exit().
// There are no IRQs to disable on this host; logging-then-exit is the
// reachable half of that sequence.
func Shutdown(cause Cause, reason string) {
	log.Printf("fatal: %s: %s (cause=%d)", cause, reason, int(cause))
	exit(int(cause))
}
