//go:build windows

package procutil

import (
	"os"
	"os/exec"
	"time"
)

func SetProcessGroup(cmd *exec.Cmd) {}

func IsAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	p, err := os.FindProcess(pid)
	return err == nil && p != nil
}

func KillGroup(pid int) {
	if p, err := os.FindProcess(pid); err == nil {
		_ = p.Kill()
	}
}

func StopGroup(cmd *exec.Cmd, timeout time.Duration) {
	if cmd == nil || cmd.Process == nil {
		return
	}
	_ = cmd.Process.Kill()
	_ = cmd.Wait()
}

// TODO: 用 tasklist 实现按特征扫描
func findBySignature(signature string) []int { return nil }
