// Command proxyd is the supervisory process this repository builds:
// one ServerInstance per invocation, started from a JSON config file
// and a set of CLI options, running until SIGTERM, an admin
// /quitquitquit, or a hot-restart handoff ends it. The flag-driven
// dispatch here is grounded on cmd/snellerd/main.go's "daemon"
// sub-command shape, narrowed to this program's single "run" role.
package main

import (
	"flag"
	"fmt"
	"log"
	"os"

	"github.com/nodalmesh/proxycore/internal/config"
	"github.com/nodalmesh/proxycore/internal/server"
)

// buildSHA is expected to be set at link time via
// -ldflags="-X main.buildSHA=...". A non-hex or empty value makes
// server.New refuse to start, per spec.md §4.6 Phase 1 step 1.
var buildSHA = "development"

func main() {
	fs := flag.NewFlagSet("proxyd", flag.ExitOnError)
	configPath := fs.String("c", "", "path to the JSON configuration file")
	adminAddressPath := fs.String("admin-address-path", "", "file to publish the bound admin address to")
	restartEpoch := fs.Int("restart-epoch", 0, "hot-restart generation number (0 for a fresh start)")
	concurrency := fs.Int("concurrency", 1, "number of worker event loops")
	flushIntervalMsec := fs.Int("stats-flush-interval-msec", 5000, "stats-flush timer period")
	flagsPath := fs.String("flags-path", "", "directory polled for operator flag files (e.g. drain)")
	restartSocketDir := fs.String("restart-socket-dir", "", "directory holding hot-restart control sockets (defaults to the OS temp dir)")
	sha := fs.String("build-sha", "", "build SHA to fingerprint into server.version (defaults to the linked-in value)")

	if err := fs.Parse(os.Args[1:]); err != nil {
		os.Exit(1)
	}
	if *configPath == "" {
		fmt.Fprintln(os.Stderr, "proxyd: -c <config path> is required")
		os.Exit(1)
	}

	logger := log.New(os.Stderr, "", log.Lshortfile)

	opts := config.Options{
		ConfigPath:            *configPath,
		AdminAddressPath:      *adminAddressPath,
		RestartEpoch:          *restartEpoch,
		Concurrency:           *concurrency,
		FileFlushIntervalMsec: *flushIntervalMsec,
		FlagsPath:             *flagsPath,
		RestartSocketDir:      *restartSocketDir,
	}

	effectiveSHA := buildSHA
	if *sha != "" {
		effectiveSHA = *sha
	}

	srv, err := server.New(logger, opts, effectiveSHA)
	if err != nil {
		logger.Fatalf("proxyd: %v", err)
	}
	os.Exit(srv.Run())
}
