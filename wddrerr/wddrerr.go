// Copyright 2021 Wavious LLC. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package wddrerr holds the sentinel error values shared by the
// frequency-switch subsystem. Components wrap these with fmt.Errorf("%w", ...)
// so callers can test the taxonomy with errors.Is while still getting
// a useful message.
package wddrerr // import "github.com/waviousllc/wav-lpddr-sw-sub001/wddrerr"

import "errors"

var (
	// ErrFail is the generic FSM-guard-rejection / operation failure.
	ErrFail = errors.New("wddr: operation failed")

	// ErrInvalidFreq is returned for an unknown or out-of-range frequency id.
	ErrInvalidFreq = errors.New("wddr: invalid frequency id")

	// ErrNotPrepped is returned when a switch is attempted before prepare.
	ErrNotPrepped = errors.New("wddr: vco/msr switch attempted before prepare")

	// ErrIgFifoFull is returned when the DFI ingress FIFO cannot accept
	// the whole packet list.
	ErrIgFifoFull = errors.New("wddr: dfi ingress fifo full")

	// ErrEgFifoEmpty is returned when fewer packets than requested are
	// available in the DFI egress FIFO.
	ErrEgFifoEmpty = errors.New("wddr: dfi egress fifo empty")

	// ErrZqcalPAtMin is returned when the P-leg ZQCAL sweep hits its floor.
	ErrZqcalPAtMin = errors.New("wddr: zqcal p-leg at min rail")
	// ErrZqcalPAtMax is returned when the P-leg ZQCAL sweep hits its ceiling.
	ErrZqcalPAtMax = errors.New("wddr: zqcal p-leg at max rail")
	// ErrZqcalNAtMin is returned when the N-leg ZQCAL sweep hits its floor.
	ErrZqcalNAtMin = errors.New("wddr: zqcal n-leg at min rail")
	// ErrZqcalNAtMax is returned when the N-leg ZQCAL sweep hits its ceiling.
	ErrZqcalNAtMax = errors.New("wddr: zqcal n-leg at max rail")
)
