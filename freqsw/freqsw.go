// Copyright 2021 Wavious LLC. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package freqsw implements the FreqSwitchFsm, the top-level frequency
// switch choreographer: idle -> prep_switch -> wait_for_switch -> switch
// -> wait_for_lock -> post_switch -> idle, with a fail sink reached by
// watchdog expiry from any blocking state. Grounded on
// dev/fsw/device.c's fsw_switch_to_dfi_mode (the hw_switch_only edge)
// and spec.md §4.6's transition table.
package freqsw // import "github.com/waviousllc/wav-lpddr-sw-sub001/freqsw"

import (
	"fmt"
	"sync"
	"time"

	"github.com/waviousllc/wav-lpddr-sw-sub001/internal/notify"
	"github.com/waviousllc/wav-lpddr-sw-sub001/pllsub"
	"github.com/waviousllc/wav-lpddr-sw-sub001/wddrerr"
	"github.com/waviousllc/wav-lpddr-sw-sub001/wddrtypes"
)

// State is one of FreqSwitchFsm's seven states.
type State int

const (
	Idle State = iota
	PrepSwitch
	WaitForSwitch
	Switch
	PostSwitch
	WaitForLock
	Fail
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case PrepSwitch:
		return "prep_switch"
	case WaitForSwitch:
		return "wait_for_switch"
	case Switch:
		return "switch"
	case PostSwitch:
		return "post_switch"
	case WaitForLock:
		return "wait_for_lock"
	case Fail:
		return "fail"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// DefaultWatchdog is the timeout armed on every blocking state, absent
// an explicit WithWatchdog override. spec.md §8's prep-timeout (5ms) is
// the client-facing retry budget, layered above this FSM-internal
// watchdog by the caller (phytask); the FSM's own watchdog exists so a
// stuck handshake always reaches Fail instead of hanging forever.
const DefaultWatchdog = 5 * time.Millisecond

// Programmer is given the CSR-programming hooks the FSM calls at
// well-defined points; phytask supplies the real ConfigTable-backed
// implementation, tests supply a fake.
type Programmer interface {
	// ProgramMSR writes the next-MSR half of every CSR the switch
	// touches from cfg[freq]. Grounded on spec.md §4.6 prep_switch.
	ProgramMSR(freq wddrtypes.FreqID, msr wddrtypes.MSRBank) error
	// InitComplete is the optional callback post_switch invokes to let
	// the client release DFI init_complete to the memory controller.
	InitComplete()
}

// InitStartReader reports whether the MC currently holds INIT_START
// asserted, consulted by EnterHWSwitchOnly's busy-wait before it
// commits to hardware-only mode. Grounded on
// fsw_switch_to_dfi_mode's "init_start must be low before proceeding"
// loop.
type InitStartReader interface {
	InitStartAsserted() bool
}

// Fsm is a FreqSwitchFsm bound to one PllSubsystem and Programmer.
type Fsm struct {
	mu    sync.Mutex
	state State

	pll       *pllsub.Subsystem
	prog      Programmer
	notif     *notify.Endpoint
	initStart InitStartReader

	hwSwitchOnly bool
	watchdog     time.Duration
	timer        *time.Timer

	freq       wddrtypes.FreqID
	isSWSwitch bool
}

// Option configures a Fsm at construction.
type Option func(*Fsm)

// WithWatchdog overrides DefaultWatchdog.
func WithWatchdog(d time.Duration) Option {
	return func(f *Fsm) { f.watchdog = d }
}

// WithInitStartReader wires the INIT_START status source consulted by
// EnterHWSwitchOnly's busy-wait. Without one, EnterHWSwitchOnly commits
// immediately -- the boot path only needs the wait when a real DFI
// interface can actually hold INIT_START asserted.
func WithInitStartReader(r InitStartReader) Option {
	return func(f *Fsm) { f.initStart = r }
}

// New constructs an Fsm in Idle, with software-initiated switches
// permitted (hw_switch_only starts false so BootSequencer can drive the
// PHY to its boot frequency before handoff, per spec.md §4.10 step 5).
func New(pll *pllsub.Subsystem, prog Programmer, notif *notify.Endpoint, opts ...Option) *Fsm {
	f := &Fsm{
		state:    Idle,
		pll:      pll,
		prog:     prog,
		notif:    notif,
		watchdog: DefaultWatchdog,
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// State returns the current state.
func (f *Fsm) State() State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

// HWSwitchOnly reports the current mode gate.
func (f *Fsm) HWSwitchOnly() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.hwSwitchOnly
}

// EnterHWSwitchOnly flips the FSM into hardware-only mode: subsequent
// software-initiated switches are rejected. Grounded on
// fsw_switch_to_dfi_mode, invoked once by BootSequencer at the end of
// cold boot. If an InitStartReader was wired, it busy-waits for
// INIT_START to go low before committing, matching the original's
// "init_start must be low before proceeding" loop.
func (f *Fsm) EnterHWSwitchOnly() {
	f.awaitInitStartLow()

	f.mu.Lock()
	defer f.mu.Unlock()
	f.hwSwitchOnly = true
}

func (f *Fsm) awaitInitStartLow() {
	if f.initStart == nil {
		return
	}
	for f.initStart.InitStartAsserted() {
	}
}

func (f *Fsm) armWatchdog() {
	f.timer = time.AfterFunc(f.watchdog, f.onWatchdogExpiry)
}

func (f *Fsm) disarmWatchdog() {
	if f.timer != nil {
		f.timer.Stop()
		f.timer = nil
	}
}

func (f *Fsm) onWatchdogExpiry() {
	f.mu.Lock()
	f.state = Fail
	f.mu.Unlock()
	f.notif.Publish(notify.Notification{Kind: wddrtypes.NotifyFswFailed, Freq: f.freq, Err: fmt.Errorf("freqsw: %w: watchdog expired", wddrerr.ErrFail)})
}

// Prep starts a switch to freq using msr as the next-MSR bank. It is
// valid from Idle, and also recovers from Fail -- spec.md §8's S3
// scenario documents a failed switch returning to idle "on next
// external prep" rather than staying latched until some separate reset
// call. Any other state returns ErrFail (mirroring the phytask-level
// "if PllFsm.locked and FswFsm.idle" guard from spec.md §4.9, enforced
// here directly rather than duplicated by every caller).
func (f *Fsm) Prep(freq wddrtypes.FreqID, msr wddrtypes.MSRBank, cal pllsub.Cal, cfg pllsub.Cfg) error {
	f.mu.Lock()
	if f.state != Idle && f.state != Fail {
		f.mu.Unlock()
		return fmt.Errorf("freqsw: prep: %w: not idle (state=%s)", wddrerr.ErrFail, f.state)
	}
	f.state = PrepSwitch
	f.freq = freq
	f.mu.Unlock()

	if err := f.prog.ProgramMSR(freq, msr); err != nil {
		return f.failWith(err)
	}
	if err := f.pll.PrepareVCOSwitch(freq, cal, cfg); err != nil {
		return f.failWith(err)
	}

	f.mu.Lock()
	f.state = WaitForSwitch
	f.mu.Unlock()
	f.armWatchdog()

	f.notif.Publish(notify.Notification{Kind: wddrtypes.NotifyFswPrepDone, Freq: freq})
	return nil
}

func (f *Fsm) failWith(err error) error {
	f.mu.Lock()
	f.state = Fail
	f.mu.Unlock()
	f.notif.Publish(notify.Notification{Kind: wddrtypes.NotifyFswFailed, Freq: f.freq, Err: err})
	return fmt.Errorf("freqsw: %w", err)
}

// swSwitchAllowed applies the hw_switch_only gate described in spec.md
// §4.6: once set, only InitStart may advance WaitForSwitch.
func (f *Fsm) swSwitchAllowed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return !f.hwSwitchOnly
}

// SwSwitch advances WaitForSwitch -> Switch on a software-initiated
// trigger. Rejected if hw_switch_only is set.
func (f *Fsm) SwSwitch() error {
	if !f.swSwitchAllowed() {
		return fmt.Errorf("freqsw: sw switch: %w: hw_switch_only is set", wddrerr.ErrFail)
	}
	return f.advanceToSwitch(true)
}

// InitStart advances WaitForSwitch -> Switch on the MC's INIT_START
// handshake, the only path once hw_switch_only is set.
func (f *Fsm) InitStart() error {
	return f.advanceToSwitch(false)
}

func (f *Fsm) advanceToSwitch(isSW bool) error {
	f.mu.Lock()
	if f.state != WaitForSwitch {
		f.mu.Unlock()
		return fmt.Errorf("freqsw: switch: %w: not waiting for switch (state=%s)", wddrerr.ErrFail, f.state)
	}
	f.state = Switch
	f.isSWSwitch = isSW
	f.mu.Unlock()
	f.disarmWatchdog()

	if err := f.pll.SwitchVCO(isSW); err != nil {
		return f.failWith(err)
	}

	f.mu.Lock()
	f.state = WaitForLock
	f.mu.Unlock()
	f.armWatchdog()
	return nil
}

// PollLock is driven by the caller (phytask, off PllFsm transitions) to
// check whether the PLL has reached locked while WaitForLock; if so it
// advances to PostSwitch, runs PllSubsystem.DisableVCO and the optional
// init-complete callback, and returns to Idle.
func (f *Fsm) PollLock(pllState pllsub.State) error {
	f.mu.Lock()
	if f.state != WaitForLock {
		f.mu.Unlock()
		return nil
	}
	if pllState != pllsub.StateLocked {
		f.mu.Unlock()
		return nil
	}
	f.state = PostSwitch
	f.mu.Unlock()
	f.disarmWatchdog()

	f.pll.DisableVCO()
	f.prog.InitComplete()

	f.mu.Lock()
	f.state = Idle
	freq := f.freq
	f.mu.Unlock()

	f.notif.Publish(notify.Notification{Kind: wddrtypes.NotifyFswDone, Freq: freq})
	return nil
}
