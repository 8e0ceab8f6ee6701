// Copyright 2021 Wavious LLC. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package dfiupdate

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/waviousllc/wav-lpddr-sw-sub001/internal/irq"
	"github.com/waviousllc/wav-lpddr-sw-sub001/internal/regbus"
	"github.com/waviousllc/wav-lpddr-sw-sub001/wddrerr"
)

type fakeRW struct {
	mu  sync.Mutex
	mem map[int64]uint32
}

func newFake() (*regbus.Bus, *fakeRW) {
	rw := &fakeRW{mem: make(map[int64]uint32)}
	return regbus.New(rw), rw
}

func (f *fakeRW) set(off int64, v uint32) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.mem[off] = v
}

func (f *fakeRW) ReadAt(p []byte, off int64) (int, error) {
	f.mu.Lock()
	v := f.mem[off]
	f.mu.Unlock()
	p[0], p[1], p[2], p[3] = byte(v), byte(v>>8), byte(v>>16), byte(v>>24)
	return 4, nil
}

func (f *fakeRW) WriteAt(p []byte, off int64) (int, error) {
	v := uint32(p[0]) | uint32(p[1])<<8 | uint32(p[2])<<16 | uint32(p[3])<<24
	f.mu.Lock()
	f.mem[off] = v
	f.mu.Unlock()
	return 4, nil
}

func TestCtrlupdPathRunsIocalAndWaitsForDeassert(t *testing.T) {
	bus, _ := newFake()
	irqs := irq.New()
	var calibrated, updated int
	f := New(bus, irqs, 0, IOCAL{
		UpdatePhy: func() { updated++ },
		Calibrate: func() { calibrated++ },
	})

	irqs.SetSticky(IRQCtrlupdReq)
	irqs.Dispatch(IRQCtrlupdReq)

	if calibrated != 1 || updated != 1 {
		t.Fatalf("calibrated=%d updated=%d, want 1,1", calibrated, updated)
	}
	if f.State() != CtrlupdWait {
		t.Fatalf("state = %v, want ctrlupd_wait", f.State())
	}

	irqs.SetSticky(IRQCtrlupdDeassert)
	irqs.Dispatch(IRQCtrlupdDeassert)
	if f.State() != Idle {
		t.Fatalf("state after deassert = %v, want idle", f.State())
	}
}

func TestRequestPhyUpdateOnlyFromIdle(t *testing.T) {
	bus, _ := newFake()
	f := New(bus, irq.New(), 0, IOCAL{UpdatePhy: func() {}, Calibrate: func() {}})
	f.state = Cal

	err := f.RequestPhyUpdate(PhyupdType1)
	if !errors.Is(err, wddrerr.ErrFail) {
		t.Fatalf("RequestPhyUpdate error = %v, want ErrFail", err)
	}
}

func TestPhyupdPathAcksAndReturnsToIdle(t *testing.T) {
	bus, rw := newFake()
	irqs := irq.New()
	var updated int
	f := New(bus, irqs, 0, IOCAL{UpdatePhy: func() { updated++ }, Calibrate: func() {}})

	if err := f.RequestPhyUpdate(PhyupdType2); err != nil {
		t.Fatalf("RequestPhyUpdate: %v", err)
	}
	if f.State() != PhyupdWait {
		t.Fatalf("state = %v, want phyupd_wait", f.State())
	}

	done := make(chan struct{})
	go func() {
		irqs.SetSticky(IRQPhyupdAck)
		irqs.Dispatch(IRQPhyupdAck)
		close(done)
	}()

	time.Sleep(5 * time.Millisecond)
	rw.set(regPhyupdIfSta, 0)
	<-done

	if updated != 1 {
		t.Fatalf("updated=%d, want 1", updated)
	}
	if f.State() != Idle {
		t.Fatalf("state after ack = %v, want idle", f.State())
	}
}
