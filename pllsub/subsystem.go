// Copyright 2021 Wavious LLC. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package pllsub

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/waviousllc/wav-lpddr-sw-sub001/internal/regbus"
	"github.com/waviousllc/wav-lpddr-sw-sub001/wddrerr"
	"github.com/waviousllc/wav-lpddr-sw-sub001/wddrtypes"
)

const (
	pllRegVCOSel = 0x00
	pllRegReset  = 0x04
	pllRegSwitch = 0x08
)

// defaultFllPollInterval is how often CalibrateVCO re-reads a VCO's FLL status
// register while waiting for lock. Overridable in tests via
// WithFllPollInterval so calibration tests don't need real wall-clock
// delays to observe a fake lock bit.
var defaultFllPollInterval = time.Microsecond

// Subsystem is a PllSubsystem: the three VCOs plus the
// current/next/previous rotation, grounded on dev/pll/device.c's
// pll_dev_t and its p_vco_current/p_vco_next/p_vco_prev pointers.
type Subsystem struct {
	bus    *regbus.Bus
	vcos   [wddrtypes.NVCO]*VCO
	pllBase int64

	current *VCO
	next    *VCO
	prev    *VCO

	pollInterval time.Duration
}

// Option configures a Subsystem at construction.
type Option func(*Subsystem)

// WithFllPollInterval overrides the FLL-lock poll interval used by
// CalibrateVCO.
func WithFllPollInterval(d time.Duration) Option {
	return func(s *Subsystem) { s.pollInterval = d }
}

// New constructs a Subsystem with all three VCOs initialized and
// unassigned, grounded on pll_init's per-VCO init loop.
func New(bus *regbus.Bus, pllBase int64, opts ...Option) *Subsystem {
	s := &Subsystem{bus: bus, pllBase: pllBase, pollInterval: defaultFllPollInterval}
	for id := wddrtypes.VCOID(0); id < wddrtypes.NVCO; id++ {
		s.vcos[id] = newVCO(bus, id, pllBase)
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// VCO returns the VCO bound to id.
func (s *Subsystem) VCO(id wddrtypes.VCOID) *VCO { return s.vcos[id] }

// Current, Next, Previous return the currently rotated VCO pointers, or
// nil if unassigned -- mirroring pll_dev_t's p_vco_current/next/prev.
func (s *Subsystem) Current() *VCO  { return s.current }
func (s *Subsystem) Next() *VCO     { return s.next }
func (s *Subsystem) Previous() *VCO { return s.prev }

func (s *Subsystem) setVCOSel(id wddrtypes.VCOID) {
	s.bus.Write32(s.pllBase+pllRegVCOSel, uint32(id))
}

// Boot brings up the MCU VCO as the PLL's initial clock source and
// takes the PLL out of reset. It runs at most once, matching pll_boot's
// "only run once" guard keyed off p_vco_current.
func (s *Subsystem) Boot() {
	if s.current != nil {
		return
	}

	mcu := s.vcos[wddrtypes.VCOMCU]
	s.current = mcu

	mcu.setBand(mcuBand, mcuBandFine, true)
	mcu.setFllControl2(mcuFllRefclkCount, mcuFllRange, mcuFllVCOCountTarget)
	mcu.setFllControl1(mcuBand, mcuBandFine, mcuLockCountThreshold)

	s.setVCOSel(wddrtypes.VCOMCU)
	s.bus.Write32(s.pllBase+pllRegReset, 1)
}

// PrepareVCOSwitch picks the PHY VCO that is not currently in use,
// configures it for freq per cfg and cal, and marks it as Next.
// Grounded on pll_prepare_vco_switch.
func (s *Subsystem) PrepareVCOSwitch(freq wddrtypes.FreqID, cal Cal, cfg Cfg) error {
	if s.current == nil {
		return fmt.Errorf("pllsub: prepare switch: %w: pll not booted", wddrerr.ErrFail)
	}

	for id := wddrtypes.VCOPhyA; id < wddrtypes.NVCO; id++ {
		if id == s.current.id {
			continue
		}
		vco := s.vcos[id]
		vco.setEnable(true)
		vco.setPostDiv(cfg.PostDiv)
		vco.setIntFrac(cfg.IntComp, cfg.PropGain)
		vco.setBand(cal.Band, cal.Fine, true)

		s.setVCOSel(id)
		s.next = vco
		vco.freq = freq
		return nil
	}
	return fmt.Errorf("pllsub: prepare switch: %w: no free phy vco", wddrerr.ErrFail)
}

// SwitchVCO commits the prepared Next VCO as Current, rotating Current
// into Previous. If isSWSwitch, it also issues the software switch
// command on the bus (a hardware-autonomous switch path issues this
// itself and calls SwitchVCO only to update the pointers). Grounded on
// pll_switch_vco.
func (s *Subsystem) SwitchVCO(isSWSwitch bool) error {
	if s.next == nil {
		return fmt.Errorf("pllsub: switch: %w", wddrerr.ErrNotPrepped)
	}
	if isSWSwitch {
		s.bus.Write32(s.pllBase+pllRegSwitch, 1)
	}
	s.prev = s.current
	s.current = s.next
	s.next = nil
	return nil
}

// DisableVCO retires the Previous VCO after a switch: PHY VCOs are
// simply disabled, while the MCU VCO is instead left running with its
// FLL enabled in persistent mode and its band override cleared so the
// PLL can continue adjusting it as voltage drifts. Grounded on
// pll_disable_vco.
func (s *Subsystem) DisableVCO() {
	if s.prev == nil {
		return
	}
	if s.prev.id != wddrtypes.VCOMCU {
		s.prev.setEnable(false)
	} else {
		s.prev.setFllEnable(true)
		s.prev.setBand(mcuBand, mcuBandFine, false)
	}
	s.prev = nil
}

// CalibrateVCO runs FLL calibration on both PHY VCOs in parallel,
// writing each one's converged band/fine back into cals. It is a no-op
// if the PLL is already running off a PHY VCO (calibration can only
// happen while the MCU VCO is the current clock source), matching
// pll_calibrate_vco's early-return guard.
func (s *Subsystem) CalibrateVCO(ctx context.Context, cfgs map[wddrtypes.VCOID]Cfg, cals map[wddrtypes.VCOID]*Cal) error {
	if s.current != nil && s.current.id != wddrtypes.VCOMCU {
		return nil
	}

	g, ctx := errgroup.WithContext(ctx)
	for id := wddrtypes.VCOPhyA; id < wddrtypes.NVCO; id++ {
		id := id
		g.Go(func() error {
			cfg, ok := cfgs[id]
			if !ok {
				return fmt.Errorf("pllsub: calibrate: %w: no config for vco %s", wddrerr.ErrFail, id)
			}
			cal, ok := cals[id]
			if !ok {
				return fmt.Errorf("pllsub: calibrate: %w: no cal slot for vco %s", wddrerr.ErrFail, id)
			}
			return s.calibrateOne(ctx, s.vcos[id], cfg, cal)
		})
	}
	return g.Wait()
}

func (s *Subsystem) calibrateOne(ctx context.Context, vco *VCO, cfg Cfg, cal *Cal) error {
	vco.setFllControl2(cfg.FllRefclkCount, cfg.FllRange, cfg.FllVCOCountTarget)
	vco.setFllControl1(cal.Band, cal.Fine, cfg.LockCountThreshold)
	vco.setFllEnable(true)

	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()
	for !vco.fllLocked() {
		select {
		case <-ctx.Done():
			return fmt.Errorf("pllsub: calibrate vco %s: %w", vco.id, ctx.Err())
		case <-ticker.C:
		}
	}

	vco.setFllEnable(false)
	cal.Band, cal.Fine = vco.fllBandStatus()
	return nil
}
