// Copyright 2021 Wavious LLC. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package pllsub implements the PLL subsystem: three VCOs (one fixed
// MCU clock source, two swappable PHY clock sources) rotated through
// current/next/previous pointers, plus the PllFsm that tracks PLL lock
// state off the simulated loss-of-lock/core-locked/init-switch-done
// interrupt lines. Grounded on dev/pll/device.c and drivers/pll/fsm.c.
package pllsub // import "github.com/waviousllc/wav-lpddr-sw-sub001/pllsub"

import (
	"github.com/waviousllc/wav-lpddr-sw-sub001/internal/regbus"
	"github.com/waviousllc/wav-lpddr-sw-sub001/wddrtypes"
)

// MCU VCO fixed operating point, grounded on dev/pll/device.c's
// MCU_BAND / MCU_BAND_FINE / MCU_FLL_* constants.
const (
	mcuBand               = 0x3
	mcuBandFine           = 0x1f
	mcuFllRefclkCount     = 63
	mcuFllRange           = 2
	mcuFllVCOCountTarget  = 320
	mcuLockCountThreshold = 2
)

// vcoBlockSize is the CSR stride between one VCO's register block and
// the next within the PLL's window.
const vcoBlockSize = 0x40

const (
	vcoRegEnable      = 0x00
	vcoRegBand        = 0x04 // [0:5]=band [6:10]=fine [11]=override-enable
	vcoRegPostDiv     = 0x08
	vcoRegIntFrac     = 0x0c // [0:15]=int_comp [16:31]=prop_gain
	vcoRegFllControl1 = 0x10 // [0:5]=band [6:10]=fine [11:13]=lock_count_threshold
	vcoRegFllControl2 = 0x14 // [0:7]=refclk_count [8:10]=range [11:20]=vco_count_target
	vcoRegFllEnable   = 0x18
	vcoRegFllStatus   = 0x1c // [0]=locked [1:6]=band [7:11]=fine
)

var (
	fieldBandBand          = regbus.Field{Shift: 0, Mask: 0x3f}
	fieldBandFine          = regbus.Field{Shift: 6, Mask: 0x1f}
	fieldBandOverrideEn    = regbus.Field{Shift: 11, Mask: 0x1}
	fieldIntFracComp       = regbus.Field{Shift: 0, Mask: 0xffff}
	fieldIntFracPropGain   = regbus.Field{Shift: 16, Mask: 0xffff}
	fieldFll1Band          = regbus.Field{Shift: 0, Mask: 0x3f}
	fieldFll1Fine          = regbus.Field{Shift: 6, Mask: 0x1f}
	fieldFll1LockCount     = regbus.Field{Shift: 11, Mask: 0x7}
	fieldFll2RefclkCount   = regbus.Field{Shift: 0, Mask: 0xff}
	fieldFll2Range         = regbus.Field{Shift: 8, Mask: 0x7}
	fieldFll2VCOCountTarg  = regbus.Field{Shift: 11, Mask: 0x3ff}
	fieldFllStatusLocked   = regbus.Field{Shift: 0, Mask: 0x1}
	fieldFllStatusBand     = regbus.Field{Shift: 1, Mask: 0x3f}
	fieldFllStatusFine     = regbus.Field{Shift: 7, Mask: 0x1f}
)

// Cal holds one VCO's calibrated band/fine values, as written back by
// CalibrateVCO and persisted by conftable between boots.
type Cal struct {
	Band uint32
	Fine uint32
}

// Cfg holds one VCO's static per-frequency configuration, read from
// conftable.
type Cfg struct {
	PostDiv             uint32
	IntComp             uint32
	PropGain            uint32
	FllRefclkCount      uint32
	FllRange            uint32
	FllVCOCountTarget   uint32
	LockCountThreshold  uint32
}

// VCO is one of the PLL's three oscillators: the always-on MCU clock
// source, or one of the two PHY clock sources rotated between current
// and next on a frequency switch.
type VCO struct {
	id   wddrtypes.VCOID
	freq wddrtypes.FreqID
	bus  *regbus.Bus
	base int64
}

func newVCO(bus *regbus.Bus, id wddrtypes.VCOID, pllBase int64) *VCO {
	return &VCO{
		id:   id,
		freq: wddrtypes.UndefinedFreq,
		bus:  bus,
		base: pllBase + int64(id)*vcoBlockSize,
	}
}

// ID reports which VCO slot this is.
func (v *VCO) ID() wddrtypes.VCOID { return v.id }

// FreqID reports the frequency this VCO is currently (or was last)
// configured for; wddrtypes.UndefinedFreq if never assigned.
func (v *VCO) FreqID() wddrtypes.FreqID { return v.freq }

func (v *VCO) setEnable(enable bool) {
	val := uint32(0)
	if enable {
		val = 1
	}
	v.bus.Write32(v.base+vcoRegEnable, val)
}

func (v *VCO) setBand(band, fine uint32, overrideEnable bool) {
	r := v.bus.Read32(v.base + vcoRegBand)
	r = regbus.SetField(r, fieldBandBand, band)
	r = regbus.SetField(r, fieldBandFine, fine)
	ov := uint32(0)
	if overrideEnable {
		ov = 1
	}
	r = regbus.SetField(r, fieldBandOverrideEn, ov)
	v.bus.Write32(v.base+vcoRegBand, r)
}

func (v *VCO) setPostDiv(postDiv uint32) {
	v.bus.Write32(v.base+vcoRegPostDiv, postDiv)
}

func (v *VCO) setIntFrac(intComp, propGain uint32) {
	var r uint32
	r = regbus.SetField(r, fieldIntFracComp, intComp)
	r = regbus.SetField(r, fieldIntFracPropGain, propGain)
	v.bus.Write32(v.base+vcoRegIntFrac, r)
}

func (v *VCO) setFllControl1(band, fine, lockCountThreshold uint32) {
	var r uint32
	r = regbus.SetField(r, fieldFll1Band, band)
	r = regbus.SetField(r, fieldFll1Fine, fine)
	r = regbus.SetField(r, fieldFll1LockCount, lockCountThreshold)
	v.bus.Write32(v.base+vcoRegFllControl1, r)
}

func (v *VCO) setFllControl2(refclkCount, rng, vcoCountTarget uint32) {
	var r uint32
	r = regbus.SetField(r, fieldFll2RefclkCount, refclkCount)
	r = regbus.SetField(r, fieldFll2Range, rng)
	r = regbus.SetField(r, fieldFll2VCOCountTarg, vcoCountTarget)
	v.bus.Write32(v.base+vcoRegFllControl2, r)
}

func (v *VCO) setFllEnable(enable bool) {
	val := uint32(0)
	if enable {
		val = 1
	}
	v.bus.Write32(v.base+vcoRegFllEnable, val)
}

// fllLocked reports whether the VCO's FLL calibration loop has locked.
func (v *VCO) fllLocked() bool {
	return regbus.GetField(v.bus.Read32(v.base+vcoRegFllStatus), fieldFllStatusLocked) != 0
}

// fllBandStatus reads back the calibrated band/fine values the FLL
// converged to.
func (v *VCO) fllBandStatus() (band, fine uint32) {
	r := v.bus.Read32(v.base + vcoRegFllStatus)
	return regbus.GetField(r, fieldFllStatusBand), regbus.GetField(r, fieldFllStatusFine)
}
