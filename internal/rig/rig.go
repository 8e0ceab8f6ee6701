// Copyright 2021 Wavious LLC. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package rig assembles a phytask.Task bound to real hardware CSR
// windows, shared by cmd/phy-boot (the firmware daemon) and cmd/phyctl
// (the interactive console), so both commands describe their register
// map with the same flags instead of duplicating the wiring by hand.
package rig // import "github.com/waviousllc/wav-lpddr-sw-sub001/internal/rig"

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/waviousllc/wav-lpddr-sw-sub001/conftable"
	"github.com/waviousllc/wav-lpddr-sw-sub001/dfimaster"
	"github.com/waviousllc/wav-lpddr-sw-sub001/dficmd"
	"github.com/waviousllc/wav-lpddr-sw-sub001/dfiupdate"
	"github.com/waviousllc/wav-lpddr-sw-sub001/freqsw"
	"github.com/waviousllc/wav-lpddr-sw-sub001/internal/irq"
	"github.com/waviousllc/wav-lpddr-sw-sub001/internal/mmap"
	"github.com/waviousllc/wav-lpddr-sw-sub001/internal/notify"
	"github.com/waviousllc/wav-lpddr-sw-sub001/internal/regbus"
	"github.com/waviousllc/wav-lpddr-sw-sub001/internal/therm"
	"github.com/waviousllc/wav-lpddr-sw-sub001/phytask"
	"github.com/waviousllc/wav-lpddr-sw-sub001/pllsub"
	"github.com/waviousllc/wav-lpddr-sw-sub001/wddrtypes"
)

// Flags registers the CSR/config-table flags shared by every command
// that stands up a Task, mirroring how eda.Device's callers each take
// their own flag.FlagSet rather than a global one.
type Flags struct {
	CSRDevice    string
	CSRSpan      int
	DFICmdOffset int64
	PLLBase      int64
	DfiMstrBase  int64
	DfiUpdBase   int64

	ConfigDir   string
	MySQLDB     string
	ThermBus    int
	ThermAddr   uint
	BootFreq    uint

	WdataHold bool
}

// RegisterFlags adds rig's flags to fs, so both commands get the exact
// same set of names and defaults.
func RegisterFlags(fs *flag.FlagSet) *Flags {
	f := &Flags{}
	fs.StringVar(&f.CSRDevice, "csr", "/dev/mem", "path to the CSR character device to mmap")
	fs.IntVar(&f.CSRSpan, "csr-span", 0x4000, "size in bytes of the mmap'd CSR window")
	fs.Int64Var(&f.DFICmdOffset, "csr-dfich-offset", 0x10000, "physical offset of the DFI command-buffer CSR window")
	fs.Int64Var(&f.PLLBase, "reg-pll-base", 0x1000, "PLL subsystem register base within the CSR window")
	fs.Int64Var(&f.DfiMstrBase, "reg-dfimstr-base", 0x2000, "PHYMSTR register base within the CSR window")
	fs.Int64Var(&f.DfiUpdBase, "reg-dfiupd-base", 0x3000, "CTRLUPD/PHYUPD register base within the CSR window")
	fs.StringVar(&f.ConfigDir, "config-dir", "", "directory of freq_table.csv/common_cal.csv (mutually exclusive with -config-db)")
	fs.StringVar(&f.MySQLDB, "config-db", "", "MySQL database name to load the config table from")
	fs.IntVar(&f.ThermBus, "therm-smbus", -1, "SMBus bus number for the die temperature sensor (-1 disables it)")
	fs.UintVar(&f.ThermAddr, "therm-addr", 0x4c, "SMBus address of the die temperature sensor")
	fs.UintVar(&f.BootFreq, "boot-freq", 0, "frequency id to switch to at the end of cold boot")
	fs.BoolVar(&f.WdataHold, "dficmd-wdata-hold", true, "hold write data an extra cycle past WCK on the DFI command buffer")
	return f
}

// Rig is a running Task plus the OS resources it holds open.
type Rig struct {
	Task *phytask.Task
	Cfg  *conftable.Table

	csr   *mmap.Handle
	dfich *mmap.Handle
	dev   *os.File
}

// Close unmaps the CSR windows and releases the config table's backing
// connection, in the reverse order Build acquired them.
func (r *Rig) Close() error {
	var first error
	if r.Cfg != nil {
		if err := r.Cfg.Close(); err != nil && first == nil {
			first = err
		}
	}
	if r.dfich != nil {
		if err := r.dfich.Close(); err != nil && first == nil {
			first = err
		}
	}
	if r.csr != nil {
		if err := r.csr.Close(); err != nil && first == nil {
			first = err
		}
	}
	if r.dev != nil {
		if err := r.dev.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

var _ io.Closer = (*Rig)(nil)

// initStartProxy breaks the construction cycle between freqsw.Fsm
// (needs a freqsw.InitStartReader at New time) and phytask.Task (the
// real reader, which can only be built from an already-constructed
// Fsm): New wires the proxy into the Fsm, Build points it at the Task
// once that exists.
type initStartProxy struct {
	task *phytask.Task
}

func (p *initStartProxy) InitStartAsserted() bool {
	if p.task == nil {
		return false
	}
	return p.task.InitStartAsserted()
}

// Build mmaps the CSR windows described by f, loads the config table,
// and assembles a phytask.Task around them. fswOpts is forwarded to
// freqsw.New verbatim (e.g. freqsw.WithWatchdog to override
// freqsw.DefaultWatchdog for a bench rig with a slower simulated PLL).
func Build(ctx context.Context, f *Flags, fswOpts ...freqsw.Option) (*Rig, error) {
	dev, err := os.OpenFile(f.CSRDevice, os.O_RDWR|os.O_SYNC, 0)
	if err != nil {
		return nil, fmt.Errorf("rig: could not open csr device %q: %w", f.CSRDevice, err)
	}

	csr, err := mmap.Map(dev, 0, f.CSRSpan)
	if err != nil {
		dev.Close()
		return nil, fmt.Errorf("rig: could not map csr window: %w", err)
	}
	dfich, err := mmap.Map(dev, f.DFICmdOffset, 0x20)
	if err != nil {
		csr.Close()
		dev.Close()
		return nil, fmt.Errorf("rig: could not map dfi command-buffer csr window: %w", err)
	}

	bus := regbus.New(csr)
	dfichBus := regbus.New(dfich)

	irqs := irq.New()
	pll := pllsub.New(bus, f.PLLBase)
	pllFsm := pllsub.NewFsm(irqs, bus, f.PLLBase)
	notif := notify.NewEndpoint()

	proxy := &initStartProxy{}
	prog := &configTableProgrammer{} // cfg wired in after Load
	fsw := freqsw.New(pll, prog, notif, append([]freqsw.Option{freqsw.WithInitStartReader(proxy)}, fswOpts...)...)

	dfiMaster := dfimaster.New(bus, irqs, f.DfiMstrBase)
	dfiUpdate := dfiupdate.New(bus, irqs, f.DfiUpdBase, dfiupdate.IOCAL{
		UpdatePhy: func() {},
		Calibrate: func() {},
	})
	dfiCmd := dficmd.New(dfichBus, irqs, dficmd.WithWdataHold(f.WdataHold))

	cfgOpts := []conftable.Option{}
	switch {
	case f.MySQLDB != "":
		cfgOpts = append(cfgOpts, conftable.WithMySQL(f.MySQLDB))
	case f.ConfigDir != "":
		cfgOpts = append(cfgOpts, conftable.WithConfigDir(f.ConfigDir))
	}
	var sensor *therm.Sensor
	if f.ThermBus >= 0 {
		sensor, err = therm.Open(f.ThermBus, uint8(f.ThermAddr))
		if err != nil {
			dfich.Close()
			csr.Close()
			dev.Close()
			return nil, fmt.Errorf("rig: could not open temperature sensor: %w", err)
		}
		cfgOpts = append(cfgOpts, conftable.WithThermSensor(sensor))
	}
	cfg := conftable.New(cfgOpts...)
	if err := cfg.Load(ctx); err != nil {
		if sensor != nil {
			sensor.Close()
		}
		dfich.Close()
		csr.Close()
		dev.Close()
		return nil, fmt.Errorf("rig: could not load config table: %w", err)
	}
	prog.cfg = cfg

	task := phytask.New(bus, irqs, pll, pllFsm, fsw, dfiMaster, dfiUpdate, dfiCmd, cfg, notif, wddrtypes.FreqID(f.BootFreq))
	proxy.task = task

	return &Rig{Task: task, Cfg: cfg, csr: csr, dfich: dfich, dev: dev}, nil
}

// configTableProgrammer adapts conftable.Table into freqsw.Programmer.
// The VCO half of a switch runs through pllsub.Subsystem.
// PrepareVCOSwitch (called inline by freqsw.Fsm.Prep, given the cal/cfg
// phytask already looked up); ProgramMSR's remaining job -- the DFI
// pipe delay, pad-enable pulse extension, and DRAM mode-register MSR
// CSRs -- are analog/PHY-datapath internals out of scope here, so this
// adapter's only real check is that freq still has a table entry by
// the time the switch reaches this point.
type configTableProgrammer struct {
	cfg *conftable.Table
}

func (p *configTableProgrammer) ProgramMSR(freq wddrtypes.FreqID, msr wddrtypes.MSRBank) error {
	if _, ok := p.cfg.Freq(freq); !ok {
		return fmt.Errorf("rig: program msr: no config entry for freq %d", freq)
	}
	return nil
}

func (p *configTableProgrammer) InitComplete() {}
