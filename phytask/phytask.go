// Copyright 2021 Wavious LLC. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package phytask implements the PhyFirmwareTask: the task that owns
// every FSM in the frequency-switch subsystem. Boot, prep-switch and
// the MC's INIT_START edge cross into its goroutine through a mailbox,
// matching spec.md §5's "external events are serialized into a single
// task's mailbox" requirement. The training entry points
// (RequestMaster, ExitMaster, RequestPhyUpdate, FillAndSend) do not use
// the mailbox: they call the DFI FSMs directly on the caller's
// goroutine. Grounded on app/wddr_boot/main.c's vMainTask message
// loop and firmware/phy_api.c's __send_fw_msg blocking-request helper.
package phytask // import "github.com/waviousllc/wav-lpddr-sw-sub001/phytask"

import (
	"bytes"
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-daq/tdaq"

	"github.com/waviousllc/wav-lpddr-sw-sub001/boot"
	"github.com/waviousllc/wav-lpddr-sw-sub001/conftable"
	"github.com/waviousllc/wav-lpddr-sw-sub001/dfimaster"
	"github.com/waviousllc/wav-lpddr-sw-sub001/dficmd"
	"github.com/waviousllc/wav-lpddr-sw-sub001/dfiupdate"
	"github.com/waviousllc/wav-lpddr-sw-sub001/freqsw"
	"github.com/waviousllc/wav-lpddr-sw-sub001/internal/irq"
	"github.com/waviousllc/wav-lpddr-sw-sub001/internal/notify"
	"github.com/waviousllc/wav-lpddr-sw-sub001/internal/regbus"
	"github.com/waviousllc/wav-lpddr-sw-sub001/pllsub"
	"github.com/waviousllc/wav-lpddr-sw-sub001/wddrerr"
	"github.com/waviousllc/wav-lpddr-sw-sub001/wddrtypes"
)

// firmware_phy_start/firmware_phy_prep_switch's __send_fw_msg
// constants: one unbounded-wait try for boot, three 5ms tries for a
// prep-switch request.
const (
	prepTimeout = 5 * time.Millisecond
	prepRetries = 3

	lockPollInterval = 100 * time.Microsecond
)

// IRQInitStart is the fast-IRQ line the simulated control block raises
// on a 0->1 edge of the MC's INIT_START signal, grounded on
// include/dev/wddr/irq_map.h alongside the PHYMSTR/PHYUPD/CTRLUPD lines
// dfimaster/dfiupdate already model.
const IRQInitStart irq.Line = 0x50

const controlRegInitStart = 0x00

var fieldInitStartLevel = regbus.Field{Shift: 0, Mask: 0x1}

type msgKind int

const (
	msgBoot msgKind = iota
	msgPrep
	msgInitStart
	msgQuit
)

type mailMsg struct {
	kind      msgKind
	freq      wddrtypes.FreqID
	calibrate bool
	trainDRAM bool
	reply     chan fwResp
}

// fwResp is the task's answer to a blocking mailbox request. It mirrors
// the three outcomes __send_fw_msg distinguishes: success (err==nil,
// retry==false), definitive failure (err!=nil), and "not ready yet, try
// again" (retry==true), the FW_RESP_RETRY case.
type fwResp struct {
	err   error
	retry bool
}

// Task is the PhyFirmwareTask: it owns the PllSubsystem/PllFsm,
// FreqSwitchFsm, DfiMasterFsm, DfiUpdateFsm, DfiCommandBuffer and
// ConfigTable, plus a BootSequencer built from the same instances, and
// drives all of them from a single goroutine reading its mailbox.
type Task struct {
	mailbox chan mailMsg

	bus  *regbus.Bus
	irqs *irq.Router

	pll       *pllsub.Subsystem
	pllFsm    *pllsub.Fsm
	fsw       *freqsw.Fsm
	dfiMaster *dfimaster.Fsm
	dfiUpdate *dfiupdate.Fsm
	dfiCmd    *dficmd.Buffer
	cfg       *conftable.Table
	notif     *notify.Endpoint
	seq       *boot.Sequencer

	msr wddrtypes.MSRBank

	// pendingPrep is the reply channel for a Prep that has been accepted
	// (FreqSwitchFsm moved out of Idle) but whose switch hasn't resolved
	// yet. It is only ever touched from Run's goroutine.
	pendingPrep chan fwResp

	initStartMu sync.Mutex
	initStart   bool

	trainingEnabled int32
}

// Option configures a Task at construction.
type Option func(*Task)

// WithCommonCalibrator wires the analog-calibration hooks the owned
// BootSequencer runs during a calibrated boot. Without one, Start's
// calibrate step is a no-op, same as a bare boot.Sequencer.
func WithCommonCalibrator(c boot.CommonCalibrator) Option {
	return func(t *Task) { t.seq.Common = c }
}

// New constructs a Task bound to bus/irqs and the given FSM instances,
// all assumed already wired to their own CSR windows and IRQ lines by
// the caller (cmd/phy-boot). It registers the INIT_START IRQ handler
// and returns a Task whose Run method must be started before Start or
// PrepSwitch are called.
func New(
	bus *regbus.Bus,
	irqs *irq.Router,
	pll *pllsub.Subsystem,
	pllFsm *pllsub.Fsm,
	fsw *freqsw.Fsm,
	dfiMaster *dfimaster.Fsm,
	dfiUpdate *dfiupdate.Fsm,
	dfiCmd *dficmd.Buffer,
	cfg *conftable.Table,
	notif *notify.Endpoint,
	bootFreq wddrtypes.FreqID,
	opts ...Option,
) *Task {
	t := &Task{
		mailbox:   make(chan mailMsg, 8),
		bus:       bus,
		irqs:      irqs,
		pll:       pll,
		pllFsm:    pllFsm,
		fsw:       fsw,
		dfiMaster: dfiMaster,
		dfiUpdate: dfiUpdate,
		dfiCmd:    dfiCmd,
		cfg:       cfg,
		notif:     notif,
	}
	t.seq = &boot.Sequencer{Bus: bus, Pll: pll, PllFsm: pllFsm, Fsw: fsw, Cfg: cfg, BootFreq: bootFreq}
	for _, opt := range opts {
		opt(t)
	}

	irqs.RequestIRQ(IRQInitStart, t.handleInitStartIRQ)
	_ = irqs.EnableIRQ(IRQInitStart)
	return t
}

// Run is the mailbox loop: the only goroutine that may mutate any FSM
// this Task owns. It also drives FreqSwitchFsm.PollLock off PllFsm's
// lock state, the same responsibility boot.Sequencer.awaitLock has
// during the one-shot boot path, generalized here to run for the life
// of the process so every later hardware-driven switch reaches Idle
// too, and resolves any outstanding PrepSwitch reply once the switch
// it started lands on Idle or Fail. Run returns when ctx is canceled or
// Quit is called.
func (t *Task) Run(ctx context.Context) error {
	ticker := time.NewTicker(lockPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg := <-t.mailbox:
			if t.dispatch(ctx, msg) {
				return nil
			}
		case <-ticker.C:
			_ = t.fsw.PollLock(t.pllFsm.State())
		}
		t.resolvePendingPrep()
	}
}

func (t *Task) dispatch(ctx context.Context, msg mailMsg) (quit bool) {
	switch msg.kind {
	case msgBoot:
		err := t.seq.Run(ctx, msg.calibrate, msg.trainDRAM)
		msg.reply <- fwResp{err: err}
	case msgPrep:
		t.handlePrep(msg.freq, msg.reply)
	case msgInitStart:
		_ = t.fsw.InitStart()
	case msgQuit:
		return true
	}
	return false
}

// handlePrep runs entirely on the mailbox goroutine: it is the only
// place FreqSwitchFsm.Prep is called outside of boot.Sequencer. A Prep
// that is rejected outright (busy, unknown freq, programming error)
// replies immediately; one that is accepted leaves reply pending until
// resolvePendingPrep sees the switch land on Idle or Fail, mirroring
// firmware_phy_prep_switch blocking for the outcome of the switch it
// requested rather than just its own acceptance.
func (t *Task) handlePrep(freq wddrtypes.FreqID, reply chan fwResp) {
	if t.pendingPrep != nil {
		reply <- fwResp{retry: true}
		return
	}

	switch t.fsw.State() {
	case freqsw.Idle, freqsw.Fail:
	default:
		reply <- fwResp{retry: true}
		return
	}

	entry, ok := t.cfg.Freq(freq)
	if !ok {
		reply <- fwResp{err: fmt.Errorf("phytask: prep: %w: no config for freq %d", wddrerr.ErrInvalidFreq, freq)}
		return
	}
	cal := entry.VCOCal[wddrtypes.VCOPhyA]
	cfg := entry.VCOCfg[wddrtypes.VCOPhyA]

	next := t.msr.Other()
	if err := t.fsw.Prep(freq, next, cal, cfg); err != nil {
		reply <- fwResp{err: err}
		return
	}
	t.msr = next
	t.pendingPrep = reply
}

// resolvePendingPrep replies to an outstanding PrepSwitch request as
// soon as the switch it started reaches a terminal state.
func (t *Task) resolvePendingPrep() {
	if t.pendingPrep == nil {
		return
	}
	switch t.fsw.State() {
	case freqsw.Idle:
		t.pendingPrep <- fwResp{}
		t.pendingPrep = nil
	case freqsw.Fail:
		t.pendingPrep <- fwResp{err: fmt.Errorf("phytask: prep switch: %w: switch failed", wddrerr.ErrFail)}
		t.pendingPrep = nil
	}
}

// Start runs the cold-boot sequence, blocking until it completes or
// fails. Grounded on firmware_phy_start/__send_fw_msg's
// BOOT_TRY_COUNT=1 + portMAX_DELAY: one attempt, no retry budget (a
// boot mailbox that never drains is not recoverable by resending), and
// no client-side timeout of its own.
func (t *Task) Start(ctx context.Context, calibrate, trainDRAM bool) error {
	reply := make(chan fwResp, 1)
	msg := mailMsg{kind: msgBoot, calibrate: calibrate, trainDRAM: trainDRAM, reply: reply}
	select {
	case t.mailbox <- msg:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case resp := <-reply:
		return resp.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// PrepSwitch requests a switch to freq and blocks for the outcome of
// the whole handshake (prep, then either the MC's INIT_START or a
// later SwSwitch call landing the FSM on Idle or Fail), with a 5ms
// per-attempt timeout and up to 3 attempts, mirroring
// firmware_phy_prep_switch/__send_fw_msg's PREP_TIMEOUT/PREP_TRY_COUNT.
// An attempt that times out or gets FW_RESP_RETRY back (mailbox busy
// with a still-unresolved prep) is resent; one that returns a
// definitive pass or fail ends the call immediately.
func (t *Task) PrepSwitch(ctx context.Context, freq wddrtypes.FreqID) error {
	var lastErr error
	for attempt := 0; attempt < prepRetries; attempt++ {
		resp, sendErr := t.sendPrep(ctx, freq)
		if sendErr != nil {
			return sendErr // ctx canceled/deadline exceeded at the caller's level
		}
		if resp.retry {
			lastErr = fmt.Errorf("phytask: prep switch: %w: firmware not ready", wddrerr.ErrFail)
			continue
		}
		return resp.err
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("phytask: prep switch: %w: retries exhausted", wddrerr.ErrFail)
	}
	return lastErr
}

func (t *Task) sendPrep(ctx context.Context, freq wddrtypes.FreqID) (fwResp, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, prepTimeout)
	defer cancel()

	reply := make(chan fwResp, 1)
	select {
	case t.mailbox <- mailMsg{kind: msgPrep, freq: freq, reply: reply}:
	case <-attemptCtx.Done():
		if ctx.Err() != nil {
			return fwResp{}, ctx.Err()
		}
		return fwResp{retry: true}, nil
	}
	select {
	case resp := <-reply:
		return resp, nil
	case <-attemptCtx.Done():
		if ctx.Err() != nil {
			return fwResp{}, ctx.Err()
		}
		return fwResp{retry: true}, nil
	}
}

// Quit posts a shutdown request into the mailbox, causing Run to
// return after any in-flight message is handled. It does not block.
func (t *Task) Quit() {
	select {
	case t.mailbox <- mailMsg{kind: msgQuit}:
	default:
	}
}

// SetInitStart updates the simulated INIT_START line level and, on a
// low-to-high edge, raises IRQInitStart -- the only way FreqSwitchFsm
// ever learns the MC asserted it. Grounded on the same register+IRQ
// shape dfimaster/dfiupdate use for their own request lines.
func (t *Task) SetInitStart(asserted bool) {
	t.initStartMu.Lock()
	edge := asserted && !t.initStart
	t.initStart = asserted
	t.initStartMu.Unlock()

	v := uint32(0)
	if asserted {
		v = 1
	}
	t.bus.ModifyField(controlRegInitStart, fieldInitStartLevel, v)

	if edge {
		t.irqs.SetSticky(IRQInitStart)
		t.irqs.Dispatch(IRQInitStart)
	}
}

// InitStartAsserted satisfies freqsw.InitStartReader, consulted by
// EnterHWSwitchOnly's busy-wait before it commits to hardware-only mode.
func (t *Task) InitStartAsserted() bool {
	t.initStartMu.Lock()
	defer t.initStartMu.Unlock()
	return t.initStart
}

func (t *Task) handleInitStartIRQ(irq.Line) {
	t.irqs.ClearSticky(IRQInitStart)
	select {
	case t.mailbox <- mailMsg{kind: msgInitStart}:
	default:
		// Mailbox full: the edge is dropped. Nothing re-dispatches it
		// later -- Run's poll tick only calls PollLock and does not read
		// INIT_START -- so a prepped switch stays in WaitForSwitch until
		// freqsw's watchdog moves it to Fail.
	}
}

// RequestMaster requests a PHYMSTR window for DRAM training, gated on
// OnStart having run (and OnStop not having run since).
func (t *Task) RequestMaster(req dfimaster.Request) error {
	if atomic.LoadInt32(&t.trainingEnabled) == 0 {
		return fmt.Errorf("phytask: request master: %w: training not started", wddrerr.ErrFail)
	}
	return t.dfiMaster.Request(req)
}

// ExitMaster releases a PHYMSTR window acquired via RequestMaster.
func (t *Task) ExitMaster() error {
	return t.dfiMaster.ExitMaster()
}

// RequestPhyUpdate requests a PHYUPD IOCAL recalibration window, gated
// the same way RequestMaster is.
func (t *Task) RequestPhyUpdate(pt dfiupdate.PhyupdType) error {
	if atomic.LoadInt32(&t.trainingEnabled) == 0 {
		return fmt.Errorf("phytask: request phyupdate: %w: training not started", wddrerr.ErrFail)
	}
	return t.dfiUpdate.RequestPhyUpdate(pt)
}

// FillAndSend stages and issues a DFI command-buffer packet list, gated
// the same way RequestMaster is -- the command buffer only carries
// training traffic, which may only run between OnStart and OnStop.
func (t *Task) FillAndSend(ctx context.Context, packets []wddrtypes.PacketItem) error {
	if atomic.LoadInt32(&t.trainingEnabled) == 0 {
		return fmt.Errorf("phytask: fill and send: %w: training not started", wddrerr.ErrFail)
	}
	return t.dfiCmd.FillAndSend(ctx, packets)
}

// FswState reports FreqSwitchFsm's current state, for status reporting
// (cmd/phyctl's status command) and tests.
func (t *Task) FswState() freqsw.State { return t.fsw.State() }

// CurrentVCO reports which VCO the PLL is currently running from, or
// nil if the PLL hasn't been booted yet.
func (t *Task) CurrentVCO() *pllsub.VCO { return t.pll.Current() }

// Subscribe returns a channel of freqsw.Fsm notifications
// (FswPrepDone/FswDone/FswFailed), for cmd/phyctl's -notify alerting.
func (t *Task) Subscribe() <-chan notify.Notification {
	return t.notif.Subscribe()
}

// OnConfig decodes a target FreqID (u32 little-endian) from req.Body and
// runs it through PrepSwitch. Grounded on rpi.Server.OnConfig's decode
// shape (tdaq.NewDecoder over req.Body) applied to this subsystem's
// single configurable value.
func (t *Task) OnConfig(ctx tdaq.Context, resp *tdaq.Frame, req tdaq.Frame) error {
	if len(req.Body) == 0 {
		return nil
	}
	dec := tdaq.NewDecoder(bytes.NewReader(req.Body))
	freq := wddrtypes.FreqID(dec.ReadU32())
	if err := t.PrepSwitch(ctx.Ctx, freq); err != nil {
		ctx.Msg.Errorf("could not prep switch to freq %d: %+v", freq, err)
		return fmt.Errorf("could not prep switch to freq %d: %w", freq, err)
	}
	return nil
}

// OnInit runs the cold-boot sequence with calibration enabled.
func (t *Task) OnInit(ctx tdaq.Context, resp *tdaq.Frame, req tdaq.Frame) error {
	ctx.Msg.Debugf("received /init command...")
	if err := t.Start(ctx.Ctx, true, false); err != nil {
		ctx.Msg.Errorf("could not boot: %+v", err)
		return fmt.Errorf("could not boot: %w", err)
	}
	return nil
}

// OnReset forces PllFsm back to not-locked, mirroring pll_fsm_reset_event.
func (t *Task) OnReset(ctx tdaq.Context, resp *tdaq.Frame, req tdaq.Frame) error {
	ctx.Msg.Debugf("received /reset command...")
	t.pllFsm.Reset()
	return nil
}

// OnStart opens the gate RequestMaster/RequestPhyUpdate/FillAndSend
// check before letting DRAM training traffic run.
func (t *Task) OnStart(ctx tdaq.Context, resp *tdaq.Frame, req tdaq.Frame) error {
	ctx.Msg.Debugf("received /start command...")
	atomic.StoreInt32(&t.trainingEnabled, 1)
	return nil
}

// OnStop closes the training gate OnStart opened.
func (t *Task) OnStop(ctx tdaq.Context, resp *tdaq.Frame, req tdaq.Frame) error {
	ctx.Msg.Debugf("received /stop command...")
	atomic.StoreInt32(&t.trainingEnabled, 0)
	return nil
}

// OnQuit posts the mailbox shutdown request.
func (t *Task) OnQuit(ctx tdaq.Context, resp *tdaq.Frame, req tdaq.Frame) error {
	ctx.Msg.Debugf("received /quit command...")
	t.Quit()
	return nil
}
