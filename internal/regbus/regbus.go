// Copyright 2021 Wavious LLC. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package regbus implements the RegisterBus abstraction: 32-bit MMIO
// read/modify/write primitives plus field extract/insert, the only
// layer in the firmware that touches hardware. It never caches a
// register value; every Read32/Write32 round-trips through the
// backing io.ReaderAt/io.WriterAt.
package regbus // import "github.com/waviousllc/wav-lpddr-sw-sub001/internal/regbus"

import (
	"encoding/binary"
	"fmt"
	"io"
)

// RW is the minimal capability a CSR window must offer: random-access
// byte reads and writes. *internal/mmap.Handle satisfies it on target;
// a bytes-backed fake satisfies it in tests.
type RW interface {
	io.ReaderAt
	io.WriterAt
}

// Bus is a RegisterBus bound to one CSR window. All firmware components
// mutate hardware exclusively through a Bus; it is the only thing that
// touches hardware. It accumulates a sticky first error (mirroring the
// eda package's board/Device pattern) so a long programming sequence of
// Write32/ModifyField calls can be written straight-line and checked
// once with Err, instead of threading an error return through every call.
type Bus struct {
	rw  RW
	err error
	buf [4]byte
}

// New binds a RegisterBus to the given backing window.
func New(rw RW) *Bus {
	return &Bus{rw: rw}
}

// Err returns the first error encountered since the bus was created or
// since ClearErr was last called.
func (b *Bus) Err() error {
	return b.err
}

// ClearErr resets the sticky error state.
func (b *Bus) ClearErr() {
	b.err = nil
}

// Read32 performs a 32-bit little-endian read at addr. No caching: every
// call issues a fresh ReadAt. On a sticky error, it returns 0 without
// touching the bus.
func (b *Bus) Read32(addr int64) uint32 {
	if b.err != nil {
		return 0
	}
	_, err := b.rw.ReadAt(b.buf[:], addr)
	if err != nil {
		b.err = fmt.Errorf("regbus: could not read register 0x%x: %w", addr, err)
		return 0
	}
	return binary.LittleEndian.Uint32(b.buf[:])
}

// Write32 performs a 32-bit little-endian write at addr.
func (b *Bus) Write32(addr int64, v uint32) {
	if b.err != nil {
		return
	}
	binary.LittleEndian.PutUint32(b.buf[:], v)
	_, err := b.rw.WriteAt(b.buf[:], addr)
	if err != nil {
		b.err = fmt.Errorf("regbus: could not write register 0x%x: %w", addr, err)
	}
}

// Field describes a bitfield within a 32-bit register: a shift and a
// right-aligned mask that applies after the register value is shifted
// down (i.e. the mask as it would read after extraction, not
// pre-shifted).
type Field struct {
	Shift uint32
	Mask  uint32
}

// GetField extracts field from the 32-bit value v.
func GetField(v uint32, f Field) uint32 {
	return (v >> f.Shift) & f.Mask
}

// SetField returns v with field replaced by value (value is masked and
// shifted into place; out-of-range bits of value are silently dropped,
// matching the UPDATE_REG_FIELD macro's behavior in the original driver).
func SetField(v uint32, f Field, value uint32) uint32 {
	v &^= f.Mask << f.Shift
	v |= (value & f.Mask) << f.Shift
	return v
}

// ModifyField performs a read-modify-write of one field of the register
// at addr: read the current value, splice in value at the given field,
// write it back. This is the bus-level primitive every CSR shim builds
// on; it costs one Read32 and one Write32, in program order.
func (b *Bus) ModifyField(addr int64, f Field, value uint32) {
	if b.err != nil {
		return
	}
	cur := b.Read32(addr)
	if b.err != nil {
		return
	}
	b.Write32(addr, SetField(cur, f, value))
}
