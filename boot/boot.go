// Copyright 2021 Wavious LLC. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package boot implements the BootSequencer: the one-shot, linear
// cold-boot path that brings the PHY from power-on to a software-driven
// switch at the boot frequency, then hands control to the hardware
// handshake for every subsequent switch. Grounded on spec.md §4.10 and
// app/wddr_boot/main.c's vMainTask boot call.
package boot // import "github.com/waviousllc/wav-lpddr-sw-sub001/boot"

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/waviousllc/wav-lpddr-sw-sub001/conftable"
	"github.com/waviousllc/wav-lpddr-sw-sub001/freqsw"
	"github.com/waviousllc/wav-lpddr-sw-sub001/internal/regbus"
	"github.com/waviousllc/wav-lpddr-sw-sub001/pllsub"
	"github.com/waviousllc/wav-lpddr-sw-sub001/wddrerr"
	"github.com/waviousllc/wav-lpddr-sw-sub001/wddrtypes"
)

// lockPollInterval is how often Run checks PllFsm for the lock that
// unblocks FreqSwitchFsm.WaitForLock during the boot-time switch.
// Boot's own wait is unbounded (spec.md §5), unlike FreqSwitchFsm's
// internal per-state watchdog.
const lockPollInterval = 100 * time.Microsecond

// CommonCalibrator performs the frequency-independent calibration steps
// (VREF, ZQCAL, receiver, sense-amp across ranks) that cold-boot step 2
// runs in parallel. Their register-level internals are analog-block
// drivers, out of scope here (spec.md §1's Non-goals); Sequencer only
// needs the pass/fail outcome and, for ZQCAL, the resulting common
// parameters to persist into the ConfigTable.
type CommonCalibrator interface {
	CalibrateVREF(ctx context.Context) error
	// CalibrateZQCAL runs the ZQCAL sweep. dieTempMilliC is the most
	// recent die temperature reading in milli-degrees Celsius (0 if no
	// thermal sensor is wired), used to bias rail-hit retry behavior.
	CalibrateZQCAL(ctx context.Context, dieTempMilliC int32) (conftable.CommonParams, error)
	CalibrateReceiver(ctx context.Context) error
	CalibrateSenseAmp(ctx context.Context) error
}

// Sequencer runs the cold-boot sequence once against one Bus/PLL/FSM/
// ConfigTable quartet.
type Sequencer struct {
	Bus    *regbus.Bus
	Pll    *pllsub.Subsystem
	PllFsm *pllsub.Fsm
	Fsw    *freqsw.Fsm
	Cfg    *conftable.Table
	Common CommonCalibrator

	// BootFreq is the ConfigTable entry switched to at the end of cold
	// boot, BOOT_FREQ in spec.md's S1 scenario.
	BootFreq wddrtypes.FreqID
}

// Run executes the five cold-boot steps of spec.md §4.10 in order:
//  1. bring up the PLL's boot clock (MCU VCO);
//  2. calibrate frequency-independent analog parameters, in parallel;
//  3. calibrate PHY VCO band/fine at BootFreq;
//  4. software-driven prep+switch to BootFreq;
//  5. flip FreqSwitchFsm into hw_switch_only mode.
//
// calibrate gates steps 2-3 (a warm boot with an already-calibrated
// ConfigTable can skip them). trainDRAM is accepted for parity with
// firmware_phy_start's signature; DRAM training numerics are a
// Non-goal, so it is not otherwise consulted.
func (s *Sequencer) Run(ctx context.Context, calibrate, trainDRAM bool) error {
	s.Pll.Boot()

	if calibrate {
		if err := s.calibrateCommon(ctx); err != nil {
			return fmt.Errorf("boot: common calibration: %w", err)
		}
		if err := s.calibrateVCOs(ctx); err != nil {
			return fmt.Errorf("boot: vco calibration: %w", err)
		}
	}

	if err := s.switchToBootFreq(ctx); err != nil {
		return fmt.Errorf("boot: switch to boot frequency: %w", err)
	}

	_ = trainDRAM

	s.Fsw.EnterHWSwitchOnly()
	return nil
}

func (s *Sequencer) calibrateCommon(ctx context.Context) error {
	if s.Common == nil {
		return nil
	}

	var dieTempMilliC int32
	if sensor := s.Cfg.Therm(); sensor != nil {
		t, err := sensor.ReadMilliC()
		if err != nil {
			return fmt.Errorf("could not read die temperature: %w", err)
		}
		dieTempMilliC = t
	}

	g, gctx := errgroup.WithContext(ctx)
	var zq conftable.CommonParams
	g.Go(func() error { return s.Common.CalibrateVREF(gctx) })
	g.Go(func() error {
		var err error
		zq, err = s.Common.CalibrateZQCAL(gctx, dieTempMilliC)
		return err
	})
	g.Go(func() error { return s.Common.CalibrateReceiver(gctx) })
	g.Go(func() error { return s.Common.CalibrateSenseAmp(gctx) })
	if err := g.Wait(); err != nil {
		return err
	}
	return s.Cfg.WriteCommonCalibration(zq)
}

func (s *Sequencer) calibrateVCOs(ctx context.Context) error {
	entry, ok := s.Cfg.Freq(s.BootFreq)
	if !ok {
		return fmt.Errorf("no config table entry for freq %d", s.BootFreq)
	}

	cals := make(map[wddrtypes.VCOID]*pllsub.Cal, len(entry.VCOCal))
	for id, cal := range entry.VCOCal {
		cal := cal
		cals[id] = &cal
	}

	if err := s.Pll.CalibrateVCO(ctx, entry.VCOCfg, cals); err != nil {
		return err
	}

	for id, cal := range cals {
		if id == wddrtypes.VCOMCU {
			continue
		}
		if err := s.Cfg.WriteCalibration(s.BootFreq, id, *cal); err != nil {
			return err
		}
	}
	return nil
}

func (s *Sequencer) switchToBootFreq(ctx context.Context) error {
	entry, ok := s.Cfg.Freq(s.BootFreq)
	if !ok {
		return fmt.Errorf("no config table entry for freq %d", s.BootFreq)
	}

	cal := entry.VCOCal[wddrtypes.VCOPhyA]
	cfg := entry.VCOCfg[wddrtypes.VCOPhyA]
	if err := s.Fsw.Prep(s.BootFreq, wddrtypes.MSR0, cal, cfg); err != nil {
		return err
	}
	if err := s.Fsw.SwSwitch(); err != nil {
		return err
	}
	return s.awaitLock(ctx)
}

// awaitLock drives FreqSwitchFsm.PollLock off PllFsm's lock state until
// the boot-time switch reaches Idle, per spec.md S1's expected end
// state (FswFsm.state = idle). Boot's wait is unbounded; only an
// explicit ctx cancellation breaks out early.
func (s *Sequencer) awaitLock(ctx context.Context) error {
	ticker := time.NewTicker(lockPollInterval)
	defer ticker.Stop()

	for {
		switch s.Fsw.State() {
		case freqsw.Idle:
			return nil
		case freqsw.Fail:
			return fmt.Errorf("boot: %w: switch to boot frequency failed", wddrerr.ErrFail)
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("boot: wait for pll lock: %w", ctx.Err())
		case <-ticker.C:
		}
		if err := s.Fsw.PollLock(s.PllFsm.State()); err != nil {
			return err
		}
	}
}
