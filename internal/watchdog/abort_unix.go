//go:build unix

package watchdog

import (
	"log"
	"os"
	"syscall"
)

// abortProcess raises SIGABRT against the current process so the
// default disposition produces a core dump at the point of the stall,
// matching tenant.Manager's use of proc.Signal for process control
// (tenant/manager.go's Quit).
func abortProcess(reason string) {
	log.Printf("guarddog: aborting process: %s", reason)
	syscall.Kill(os.Getpid(), syscall.SIGABRT)
}
