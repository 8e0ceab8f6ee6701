// Copyright 2021 Wavious LLC. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Command phy-boot is the frequency-switch firmware daemon: it mmaps
// the PHY's CSR windows, brings up the PhyFirmwareTask, and serves it
// over TDAQ's /config, /init, /reset, /start, /stop, /quit command
// surface. Grounded on app/wddr_boot/main.c (the task that owns every
// FSM for the process lifetime) and cmd/mim-rpi/main.go's TDAQ server
// wiring.
package main // import "github.com/waviousllc/wav-lpddr-sw-sub001/cmd/phy-boot"

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/go-daq/tdaq"
	"github.com/go-daq/tdaq/flags"
	"github.com/sbinet/pmon"

	"github.com/waviousllc/wav-lpddr-sw-sub001/internal/fatal"
	"github.com/waviousllc/wav-lpddr-sw-sub001/internal/rig"
)

var (
	doMon   = flag.Bool("pmon", false, "monitor this process's own resource usage")
	doFreq  = flag.Duration("pmon-freq", time.Second, "pmon sampling frequency")
	pmonOut = flag.String("pmon-log", "phy-boot-pmon.log", "pmon output log file")
)

func main() {
	rigFlags := rig.RegisterFlags(flag.CommandLine)

	log.SetPrefix("phy-boot: ")
	log.SetFlags(0)

	defer func() {
		if r := recover(); r != nil {
			fatal.Shutdown(fatal.CauseAssertion, fmt.Sprintf("panic: %v", r))
		}
	}()

	if err := run(rigFlags); err != nil {
		fatal.Shutdown(fatal.CauseBootFailed, err.Error())
	}
}

func run(rigFlags *rig.Flags) error {
	cmd := flags.New()
	ctx := context.Background()

	r, err := rig.Build(ctx, rigFlags)
	if err != nil {
		return fmt.Errorf("could not build phy rig: %w", err)
	}
	defer r.Close()

	if *doMon {
		stop, err := startSelfMonitor(*doFreq, *pmonOut)
		if err != nil {
			log.Printf("could not start pmon: %+v", err)
		} else {
			defer stop()
		}
	}

	taskCtx, cancelTask := context.WithCancel(ctx)
	defer cancelTask()
	taskErr := make(chan error, 1)
	go func() { taskErr <- r.Task.Run(taskCtx) }()

	srv := tdaq.New(cmd, os.Stdout)
	srv.CmdHandle("/config", r.Task.OnConfig)
	srv.CmdHandle("/init", r.Task.OnInit)
	srv.CmdHandle("/reset", r.Task.OnReset)
	srv.CmdHandle("/start", r.Task.OnStart)
	srv.CmdHandle("/stop", r.Task.OnStop)
	srv.CmdHandle("/quit", r.Task.OnQuit)

	if err := srv.Run(ctx); err != nil {
		return fmt.Errorf("tdaq server: %w", err)
	}

	r.Task.Quit()
	cancelTask()
	<-taskErr
	return nil
}

// startSelfMonitor runs pmon against this process's own pid, the
// daemon-monitoring-itself analog of daq-boot's doMon flag (which
// there monitors the child DAQ processes it launches).
func startSelfMonitor(freq time.Duration, logPath string) (stop func(), err error) {
	p, err := pmon.Monitor(os.Getpid())
	if err != nil {
		return nil, fmt.Errorf("could not start pmon: %w", err)
	}
	f, err := os.Create(logPath)
	if err != nil {
		return nil, fmt.Errorf("could not create pmon log %q: %w", logPath, err)
	}
	p.W = f
	p.Freq = freq

	go func() {
		if err := p.Run(); err != nil {
			log.Printf("pmon stopped: %+v", err)
		}
	}()

	return func() {
		if err := p.Kill(); err != nil {
			log.Printf("could not stop pmon: %+v", err)
		}
		f.Close()
	}, nil
}
