//go:build !unix

package watchdog

import "log"

// abortProcess has no SIGABRT equivalent off Unix; it logs and panics so
// the process still terminates non-gracefully rather than silently
// surviving a detected deadlock.
func abortProcess(reason string) {
	log.Printf("guarddog: aborting process: %s", reason)
	panic("guarddog: " + reason)
}
