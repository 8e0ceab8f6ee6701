// Copyright 2021 Wavious LLC. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package wddrtypes holds the data types shared across the frequency-switch
// subsystem: frequency/VCO/MSR identifiers and the DFI packet-list shape.
package wddrtypes // import "github.com/waviousllc/wav-lpddr-sw-sub001/wddrtypes"

import "fmt"

// FreqID names an entry in the ConfigTable.
type FreqID uint8

// UndefinedFreq marks "no frequency prepared".
const UndefinedFreq FreqID = 0xFF

// VCOID names one of the PLL's three VCOs.
type VCOID int

const (
	VCOMCU VCOID = iota
	VCOPhyA
	VCOPhyB
	NVCO // number of VCO slots; not itself a valid VCOID
)

func (id VCOID) String() string {
	switch id {
	case VCOMCU:
		return "mcu"
	case VCOPhyA:
		return "phy-a"
	case VCOPhyB:
		return "phy-b"
	default:
		return fmt.Sprintf("vco(%d)", int(id))
	}
}

// MSRBank names one of the PHY's two mode-set-register shadow banks.
type MSRBank uint8

const (
	MSR0 MSRBank = 0
	MSR1 MSRBank = 1
)

// Other returns the bank that is not b. current_msr = !next_msr always holds.
func (b MSRBank) Other() MSRBank {
	if b == MSR0 {
		return MSR1
	}
	return MSR0
}

func (b MSRBank) String() string {
	return fmt.Sprintf("msr%d", uint8(b))
}

// PacketItem is one entry of a DFI command-buffer packet list: a
// hardware-scheduler timestamp plus its raw ingress words. The word
// count is fixed by the target's DFI channel width (2 or 4 words) and
// is carried as a slice rather than an array so both widths share one type.
type PacketItem struct {
	Timestamp uint8
	Raw       []uint32
}

// IsMarker reports whether p is a timestamp-only end-of-sequence marker:
// a packet whose raw payload is empty or all zero words, whose timestamp ends emission of the
// packets that precede it in the list.
func (p PacketItem) IsMarker() bool {
	for _, w := range p.Raw {
		if w != 0 {
			return false
		}
	}
	return true
}

// NotifyKind enumerates the notification kinds published by the
// frequency-switch FSM (see freqsw.Fsm) on the shared notify.Endpoint.
type NotifyKind int

const (
	NotifyFswPrepDone NotifyKind = iota
	NotifyFswDone
	NotifyFswFailed
)

func (k NotifyKind) String() string {
	switch k {
	case NotifyFswPrepDone:
		return "fsw-prep-done"
	case NotifyFswDone:
		return "fsw-done"
	case NotifyFswFailed:
		return "fsw-failed"
	default:
		return fmt.Sprintf("notify(%d)", int(k))
	}
}
