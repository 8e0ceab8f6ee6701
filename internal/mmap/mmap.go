// Copyright 2021 Wavious LLC. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package mmap holds a small io.ReaderAt/io.WriterAt wrapper around a
// memory-mapped CSR window, used by internal/regbus to back the
// RegisterBus abstraction with a real mmap'd device on target and with
// a plain byte slice in tests.
package mmap // import "github.com/waviousllc/wav-lpddr-sw-sub001/internal/mmap"

import (
	"errors"
	"fmt"
	"io"
	"os"
	"runtime"

	"golang.org/x/sys/unix"
)

var errClosed = errors.New("mmap: csr window closed")

// Handle is a memory-mapped CSR window.
type Handle struct {
	data  []byte
	owned bool // true if data came from unix.Mmap and must be Munmap'd
}

// HandleFrom wraps an already-allocated byte slice (e.g. a test fake's
// backing array) as a Handle. The caller retains ownership of data.
func HandleFrom(data []byte) *Handle {
	h := &Handle{data: data}
	runtime.SetFinalizer(h, (*Handle).Close)
	return h
}

// Map mmaps span bytes of file fd starting at the given physical offset,
// read/write, shared. This is the path used to attach to the real CSR
// character device on target hardware.
func Map(fd *os.File, offset int64, span int) (*Handle, error) {
	data, err := unix.Mmap(int(fd.Fd()), offset, span, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("mmap: could not map csr window at 0x%x (span=%d): %w", offset, span, err)
	}
	h := &Handle{data: data, owned: true}
	runtime.SetFinalizer(h, (*Handle).Close)
	return h, nil
}

// Close unmaps the window. It is safe to call more than once.
func (h *Handle) Close() error {
	if h == nil {
		return os.ErrInvalid
	}
	if h.data == nil {
		return nil
	}
	data := h.data
	owned := h.owned
	h.data = nil
	runtime.SetFinalizer(h, nil)
	if !owned {
		return nil
	}
	return unix.Munmap(data)
}

// Len returns the size of the mapped window in bytes.
func (h *Handle) Len() int {
	return len(h.data)
}

// ReadAt implements io.ReaderAt.
func (h *Handle) ReadAt(p []byte, off int64) (int, error) {
	if h == nil {
		return 0, os.ErrInvalid
	}
	if h.data == nil {
		return 0, errClosed
	}
	if off < 0 || int64(len(h.data)) < off {
		return 0, fmt.Errorf("mmap: invalid ReadAt offset %d", off)
	}
	n := copy(p, h.data[off:])
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

// WriteAt implements io.WriterAt.
func (h *Handle) WriteAt(p []byte, off int64) (int, error) {
	if h == nil {
		return 0, os.ErrInvalid
	}
	if h.data == nil {
		return 0, errClosed
	}
	if off < 0 || int64(len(h.data)) < off {
		return 0, fmt.Errorf("mmap: invalid WriteAt offset %d", off)
	}
	n := copy(h.data[off:], p)
	if n < len(p) {
		return n, io.ErrShortWrite
	}
	return n, nil
}

var (
	_ io.ReaderAt = (*Handle)(nil)
	_ io.WriterAt = (*Handle)(nil)
	_ io.Closer   = (*Handle)(nil)
)
