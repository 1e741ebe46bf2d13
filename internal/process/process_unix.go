// Copyright (c) 2026 Kevin Zang (kevinzang). All rights reserved.
// Use of this source code is governed by the MIT License.
//
// LiveStreamer - FFmpeg 直播推流调度工具

//go:build unix

package process

import (
	"errors"
	"os/exec"
	"syscall"
)

// setProcessGroup makes the encoder a group leader so signals reach its children.
func setProcessGroup(cmd *exec.Cmd) {
	if cmd.SysProcAttr == nil {
		cmd.SysProcAttr = &syscall.SysProcAttr{}
	}
	cmd.SysProcAttr.Setpgid = true
}

func signalGroup(cmd *exec.Cmd, sig syscall.Signal) error {
	if cmd == nil || cmd.Process == nil {
		return nil
	}
	pid := cmd.Process.Pid
	if err := syscall.Kill(-pid, sig); err != nil {
		if errors.Is(err, syscall.ESRCH) {
			return nil
		}
		// group gone or restricted, fall back to the leader
		if err := cmd.Process.Signal(sig); err != nil && !errors.Is(err, syscall.ESRCH) {
			return err
		}
	}
	return nil
}

func interrupt(cmd *exec.Cmd) error { return signalGroup(cmd, syscall.SIGINT) }

func kill(cmd *exec.Cmd) error { return signalGroup(cmd, syscall.SIGKILL) }
