// Copyright 2021 Wavious LLC. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Command phyctl is an interactive console for bringing up and
// exercising a PhyFirmwareTask from a workbench: boot the PHY, prep a
// frequency switch, inspect FSM state, and optionally get mailed when
// a switch fails. Grounded on firmware/phy_api.c's blocking
// firmware_phy_start/firmware_phy_prep_switch call surface and
// cmd/eda-ctl/main.go's gomail-based failure alerting.
package main // import "github.com/waviousllc/wav-lpddr-sw-sub001/cmd/phyctl"

import (
	"context"
	"crypto/tls"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"strconv"
	"strings"

	"github.com/peterh/liner"
	mail "gopkg.in/gomail.v2"

	"github.com/waviousllc/wav-lpddr-sw-sub001/internal/notify"
	"github.com/waviousllc/wav-lpddr-sw-sub001/internal/rig"
	"github.com/waviousllc/wav-lpddr-sw-sub001/phytask"
	"github.com/waviousllc/wav-lpddr-sw-sub001/wddrtypes"
)

var (
	notifyOn = flag.Bool("notify", false, "send a mail alert on FswFailed notifications")
)

func main() {
	rigFlags := rig.RegisterFlags(flag.CommandLine)
	flag.Parse()

	log.SetPrefix("phyctl: ")
	log.SetFlags(0)

	if err := run(rigFlags, *notifyOn); err != nil {
		log.Fatalf("%+v", err)
	}
}

func run(rigFlags *rig.Flags, notifyEnabled bool) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	r, err := rig.Build(ctx, rigFlags)
	if err != nil {
		return fmt.Errorf("could not build phy rig: %w", err)
	}
	defer r.Close()

	go func() {
		if err := r.Task.Run(ctx); err != nil && ctx.Err() == nil {
			log.Printf("task stopped: %+v", err)
		}
	}()

	if notifyEnabled {
		go alertOnFailure(r.Task)
	}

	repl(ctx, r.Task, os.Stdout)
	return nil
}

// repl runs the interactive command loop. Grounded on liner's own
// conventional usage shape (NewLiner/SetCtrlCAborts/Prompt/
// AppendHistory/Close) -- no teacher file exercises this library, so
// it follows liner's public API directly rather than an in-pack
// precedent.
func repl(ctx context.Context, task *phytask.Task, out io.Writer) {
	line := liner.NewLiner()
	defer line.Close()
	line.SetCtrlCAborts(true)

	for {
		cmd, err := line.Prompt("phyctl> ")
		if err != nil {
			if err != liner.ErrPromptAborted {
				fmt.Fprintf(out, "error: %+v\n", err)
			}
			return
		}
		cmd = strings.TrimSpace(cmd)
		if cmd == "" {
			continue
		}
		line.AppendHistory(cmd)

		if !dispatch(ctx, task, out, cmd) {
			return
		}
	}
}

func dispatch(ctx context.Context, task *phytask.Task, out io.Writer, cmd string) bool {
	fields := strings.Fields(cmd)
	switch fields[0] {
	case "boot":
		calibrate := hasFlag(fields[1:], "calibrate")
		train := hasFlag(fields[1:], "train")
		if err := task.Start(ctx, calibrate, train); err != nil {
			fmt.Fprintf(out, "boot failed: %+v\n", err)
			return true
		}
		fmt.Fprintln(out, "boot complete")
	case "prep":
		if len(fields) != 2 {
			fmt.Fprintln(out, "usage: prep <freq-id>")
			return true
		}
		id, err := strconv.ParseUint(fields[1], 10, 8)
		if err != nil {
			fmt.Fprintf(out, "invalid freq id %q: %+v\n", fields[1], err)
			return true
		}
		if err := task.PrepSwitch(ctx, wddrtypes.FreqID(id)); err != nil {
			fmt.Fprintf(out, "prep switch failed: %+v\n", err)
			return true
		}
		fmt.Fprintln(out, "switch complete")
	case "status":
		fmt.Fprintf(out, "fsw state: %s\n", task.FswState())
		if vco := task.CurrentVCO(); vco != nil {
			fmt.Fprintf(out, "current vco: %d (freq %d)\n", vco.ID(), vco.FreqID())
		}
	case "help":
		fmt.Fprintln(out, "commands: boot [calibrate] [train], prep <freq-id>, status, quit")
	case "quit", "exit":
		task.Quit()
		return false
	default:
		fmt.Fprintf(out, "unknown command %q (try \"help\")\n", fields[0])
	}
	return true
}

func hasFlag(args []string, name string) bool {
	for _, a := range args {
		if a == name {
			return true
		}
	}
	return false
}

// alertOnFailure mails alertMailTgts whenever Subscribe reports a
// FswFailed notification, the same dialer/TLS/header shape as
// cmd/eda-ctl's alertMail.
func alertOnFailure(task *phytask.Task) {
	if alertMailUsr == "" || alertMailPwd == "" || alertMailSrv == "" ||
		alertMailPort == 0 || len(alertMailTgts) == 0 {
		log.Printf("-notify set but mail credentials are not configured (MAIL_USERNAME/MAIL_PASSWORD/MAIL_SERVER/MAIL_PORT/MAIL_TGTS)")
		return
	}

	for n := range task.Subscribe() {
		if n.Kind != wddrtypes.NotifyFswFailed {
			continue
		}
		sendAlert(n)
	}
}

var (
	alertMailUsr  = os.Getenv("MAIL_USERNAME")
	alertMailPwd  = os.Getenv("MAIL_PASSWORD")
	alertMailSrv  = os.Getenv("MAIL_SERVER")
	alertMailPort = atoi(os.Getenv("MAIL_PORT"))
	alertMailTgts = splitNonEmpty(os.Getenv("MAIL_TGTS"), ",")
)

func sendAlert(n notify.Notification) {
	msg := mail.NewMessage()
	msg.SetHeader("From", alertMailUsr)
	msg.SetHeader("Bcc", alertMailTgts...)
	msg.SetHeader("Subject", fmt.Sprintf("[phyctl] frequency switch failed (freq=%d)", n.Freq))
	msg.SetBody("text/plain", fmt.Sprintf("freq: %d\nerror: %v", n.Freq, n.Err))

	dial := mail.NewDialer(alertMailSrv, alertMailPort, alertMailUsr, alertMailPwd)
	dial.TLSConfig = &tls.Config{InsecureSkipVerify: true}
	if err := dial.DialAndSend(msg); err != nil {
		log.Printf("could not send mail alert: %+v", err)
	}
}

func atoi(s string) int {
	v, _ := strconv.Atoi(s)
	return v
}

func splitNonEmpty(s, sep string) []string {
	if s == "" {
		return nil
	}
	return strings.Split(s, sep)
}
