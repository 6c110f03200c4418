// Package procgroup provides the POSIX process-group primitives the
// Supervisor and Reaper both need: spawning a child detached into its own
// group and signaling the whole group by its negated PGID. This is the
// substitute spec.md §9 calls for on non-POSIX platforms a Job Object or
// equivalent group-kill primitive would replace this file.
package procgroup

import (
	"fmt"
	"os/exec"
	"syscall"
)

// Isolate configures cmd to start in a new process group so that signaling
// -pgid reaches the child and every descendant it spawns, without affecting
// the parent process (this daemon).
func Isolate(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

// PGID returns the process group id of a started command. Valid only after
// cmd.Start() has returned successfully and Isolate was applied, in which
// case the PGID equals the child's PID.
func PGID(cmd *exec.Cmd) int {
	return cmd.Process.Pid
}

// Signal delivers sig to every process in the group rooted at pgid.
func Signal(pgid int, sig syscall.Signal) error {
	if pgid <= 0 {
		return fmt.Errorf("procgroup: invalid pgid %d", pgid)
	}
	if err := syscall.Kill(-pgid, sig); err != nil && err != syscall.ESRCH {
		return fmt.Errorf("procgroup: signal %v to group %d: %w", sig, pgid, err)
	}
	return nil
}

// Exists reports whether any process in the group rooted at pgid is still
// alive, using the conventional signal-0 probe.
func Exists(pgid int) bool {
	if pgid <= 0 {
		return false
	}
	err := syscall.Kill(-pgid, 0)
	return err == nil
}
