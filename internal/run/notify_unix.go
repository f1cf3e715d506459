//go:build unix

package run

import "syscall"

// signalCompletion pokes a process that asked to be told when this run
// terminates. Dead or absent pids surface as an error the caller logs.
func signalCompletion(pid int) error {
	return syscall.Kill(pid, syscall.SIGUSR1)
}
