// Copyright 2021 Wavious LLC. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package dficmd implements the DfiCommandBuffer: the IG/EG packet FIFOs
// the DFI channel uses to stage timing-critical DRAM command sequences
// ahead of when they must issue, and to capture the egress trace behind
// them. It is grounded on dev/dfi/buffer.c's dfi_buffer_fill_packets /
// dfi_buffer_send_packets / dfi_buffer_read_packets split, re-expressed
// over a regbus.Bus instead of the raw dfich_reg struct.
package dficmd // import "github.com/waviousllc/wav-lpddr-sw-sub001/dficmd"

import (
	"context"
	"fmt"

	"github.com/waviousllc/wav-lpddr-sw-sub001/internal/irq"
	"github.com/waviousllc/wav-lpddr-sw-sub001/internal/notify"
	"github.com/waviousllc/wav-lpddr-sw-sub001/internal/regbus"
	"github.com/waviousllc/wav-lpddr-sw-sub001/wddrerr"
	"github.com/waviousllc/wav-lpddr-sw-sub001/wddrtypes"
)

// FIFODepth is DFI_FIFO_DEPTH: the number of packets either FIFO holds.
const FIFODepth = 64

// register offsets within one DFI channel's CSR window.
const (
	regClkEn     = 0x00 // enable the FIFO's free-running clock
	regMode      = 0x04 // 1 = channel armed for packet traffic
	regWdataHold = 0x08 // 1 = hold write data an extra cycle past WCK
	regIGData    = 0x0c // write: push one raw word onto the IG FIFO
	regIGPush    = 0x10 // write 1: latch the words written since last push as one packet
	regIGStatus  = 0x14 // bit0: full, bit1: empty
	regEGData    = 0x18 // read: pop one raw word off the EG FIFO
	regEGStatus  = 0x1c // bit0: full, bit1: empty
)

var (
	fieldIGFull  = regbus.Field{Shift: 0, Mask: 0x1}
	fieldIGEmpty = regbus.Field{Shift: 1, Mask: 0x1}
	fieldEGEmpty = regbus.Field{Shift: 1, Mask: 0x1}
)

// IRQ line the simulated hardware raises when the IG FIFO drains to
// empty, i.e. every staged packet has issued. Grounded on
// include/dev/wddr/irq_map.h's per-channel DFI IG-empty line.
const IRQIgEmpty irq.Line = 0x20

// Buffer is a DfiCommandBuffer bound to one DFI channel's CSR window.
type Buffer struct {
	bus  *regbus.Bus
	irqs *irq.Router

	wdataHold bool
	done      *notify.Completion
}

// Option configures a Buffer at construction.
type Option func(*Buffer)

// WithWdataHold overrides the default wdata-hold setting applied at
// construction. Supplemented from dfi_buffer_init, which unconditionally
// calls dfi_buffer_set_wdata_hold_reg_if(dfi_buffer, true) -- the
// distilled spec is silent on wdata hold, but the original always turns
// it on at boot, so New defaults to true and this lets a caller opt out.
func WithWdataHold(enable bool) Option {
	return func(b *Buffer) { b.wdataHold = enable }
}

// New binds a Buffer to bus and wires its IG-empty completion to the
// given IRQ router, then applies opts. The wdata-hold latch is written
// immediately, matching dfi_buffer_init's ordering.
func New(bus *regbus.Bus, irqs *irq.Router, opts ...Option) *Buffer {
	b := &Buffer{bus: bus, irqs: irqs, wdataHold: true}
	for _, opt := range opts {
		opt(b)
	}

	irqs.RequestIRQ(IRQIgEmpty, func(irq.Line) {
		irqs.ClearSticky(IRQIgEmpty)
		irqs.DisableIRQ(IRQIgEmpty)
		if b.done != nil {
			b.done.Signal()
		}
	})

	b.applyWdataHold()
	return b
}

func (b *Buffer) applyWdataHold() {
	v := uint32(0)
	if b.wdataHold {
		v = 1
	}
	b.bus.Write32(regWdataHold, v)
}

// EnableClock starts the channel's FIFO clock. Grounded on
// dfi_buffer_enable / dfi_fifo_enable_clock_reg_if.
func (b *Buffer) EnableClock() {
	b.bus.Write32(regClkEn, 1)
}

// SetMode arms or disarms the channel for packet traffic. Grounded on
// dfi_buffer_disable / dfi_fifo_set_mode_reg_if(dfich, false); the
// positive direction is symmetric and used by Fill before loading.
func (b *Buffer) SetMode(enable bool) {
	v := uint32(0)
	if enable {
		v = 1
	}
	b.bus.Write32(regMode, v)
}

// SetWdataHold reprograms the wdata-hold latch after construction.
func (b *Buffer) SetWdataHold(enable bool) {
	b.wdataHold = enable
	b.applyWdataHold()
}

// Fill enables the channel and loads packets onto the IG FIFO.
//
// It enforces invariant I1 (timestamps strictly increase within a fill)
// and rejects a list longer than FIFODepth with ErrIgFifoFull; both
// checks run before a single write is issued. The FIFO's full bit is
// then checked before each packet: if it reports full partway through,
// Fill returns ErrIgFifoFull and the packets already pushed stay
// latched on the bus (the hardware has no partial-fill undo).
func (b *Buffer) Fill(packets []wddrtypes.PacketItem) error {
	if len(packets) == 0 {
		return fmt.Errorf("dficmd: %w: empty packet list", wddrerr.ErrFail)
	}
	if len(packets) > FIFODepth {
		return fmt.Errorf("dficmd: %w: %d packets exceeds depth %d", wddrerr.ErrIgFifoFull, len(packets), FIFODepth)
	}
	for i := 1; i < len(packets); i++ {
		if packets[i].Timestamp <= packets[i-1].Timestamp {
			return fmt.Errorf("dficmd: %w: packet %d timestamp %d does not strictly increase over %d",
				wddrerr.ErrFail, i, packets[i].Timestamp, packets[i-1].Timestamp)
		}
	}

	b.EnableClock()
	b.SetMode(true)

	// All packets except a trailing timestamp-only marker push their raw
	// words onto the IG FIFO and latch as one entry; a marker latches
	// with zero data words, matching dfi_buffer_write_packets's handling
	// of the list's terminal (timestamp-only) entry.
	for _, pkt := range packets {
		if regbus.GetField(b.bus.Read32(regIGStatus), fieldIGFull) != 0 {
			return fmt.Errorf("dficmd: %w", wddrerr.ErrIgFifoFull)
		}
		for _, word := range pkt.Raw {
			b.bus.Write32(regIGData, word)
		}
		b.bus.Write32(regIGPush, 1)
	}
	if err := b.bus.Err(); err != nil {
		return fmt.Errorf("dficmd: fill: %w", err)
	}
	return nil
}

// Send issues the packets staged by Fill. If blocking is true, Send
// arms the IG-empty IRQ, raises that line itself through the router and
// waits on ctx for the resulting completion; it never reads IG status,
// so it returns once its own dispatch has signalled, not when the FIFO
// reports empty. If blocking is false, Send returns nil at once without
// touching the bus and does not poll IG status. The blocking flag
// mirrors dfi_buffer_send_packets's should_block parameter.
func (b *Buffer) Send(ctx context.Context, blocking bool) error {
	if !blocking {
		return nil
	}

	b.done = notify.NewCompletion()
	b.irqs.SetSticky(IRQIgEmpty)
	if err := b.irqs.EnableIRQ(IRQIgEmpty); err != nil {
		return fmt.Errorf("dficmd: send: %w", err)
	}
	b.irqs.Dispatch(IRQIgEmpty)

	return b.done.Wait(ctx)
}

// FillAndSend loads packets and blocks until they have all issued,
// mirroring dfi_buffer_fill_and_send_packets.
func (b *Buffer) FillAndSend(ctx context.Context, packets []wddrtypes.PacketItem) error {
	if err := b.Fill(packets); err != nil {
		return err
	}
	return b.Send(ctx, true)
}

// ReadEgress pops up to len(out) packets off the EG FIFO into out and
// returns the count actually read. It returns wddrerr.ErrEgFifoEmpty
// (wrapped) once the FIFO runs dry before out is filled, matching
// dfi_buffer_read_packets's num_packets cap and per-word read loop --
// here one PacketItem's Raw slice stands in for rx_buffer.buffer[nn].
func (b *Buffer) ReadEgress(out []wddrtypes.PacketItem) (int, error) {
	if len(out) > FIFODepth {
		return 0, fmt.Errorf("dficmd: %w: %d exceeds depth %d", wddrerr.ErrFail, len(out), FIFODepth)
	}
	for i := range out {
		if regbus.GetField(b.bus.Read32(regEGStatus), fieldEGEmpty) != 0 {
			return i, fmt.Errorf("dficmd: %w", wddrerr.ErrEgFifoEmpty)
		}
		out[i].Raw = []uint32{b.bus.Read32(regEGData)}
	}
	if err := b.bus.Err(); err != nil {
		return len(out), fmt.Errorf("dficmd: read egress: %w", err)
	}
	return len(out), nil
}
