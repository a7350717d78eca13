// Package config decodes the JSON configuration file spec.md §6 places
// out of scope for schema validation but still names the surface of:
// admin address, listener set, restart/concurrency options, and the
// watchdog/drain/stats tunables spec.md's component sections reference
// by name without giving them a home. Decoded with encoding/json the
// same way cmd/snellerd's own flag/fixture loading favors a typed Go
// struct over a general config-object library (SPEC_FULL.md's Ambient
// Stack "Configuration" section).
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"time"
)

// ListenerSpec describes one configured listener, the JSON-decoded
// precursor to a listener.ListenerConfig (spec.md §3's ListenerConfig
// is constructed from one of these at load time and is otherwise
// immutable for the process lifetime).
type ListenerSpec struct {
	Name           string `json:"name"`
	Network        string `json:"network"` // "tcp" or "unix"
	Address        string `json:"address"`
	BindToPort     bool   `json:"bind_to_port"`
	UseOriginalDst bool   `json:"use_original_dst"`
}

// File is the top-level shape of the JSON file at Options.ConfigPath.
type File struct {
	AdminAddress string         `json:"admin_address"`
	AdminUDSPath string         `json:"admin_uds_path"`
	Listeners    []ListenerSpec `json:"listeners"`

	DrainTimeSeconds          int `json:"drain_time_seconds"`
	ParentShutdownTimeSeconds int `json:"parent_shutdown_time_seconds"`

	WatchdogMissMarginMsec       int `json:"watchdog_miss_margin_msec"`
	WatchdogMegaMissMarginMsec   int `json:"watchdog_megamiss_margin_msec"`
	WatchdogKillTimeoutMsec      int `json:"watchdog_kill_timeout_msec"`
	WatchdogMultikillTimeoutMsec int `json:"watchdog_multikill_timeout_msec"`

	HighWatermarkConnections int `json:"high_watermark_connections"`

	StatsdAddress string `json:"statsd_address"`

	// Clusters lists the upstream clusters whose first-round resolution
	// must complete before InitManager fires startWorkers (spec.md §3's
	// InitTarget examples). Cluster-manager internals are out of scope;
	// this is just the list of names/addresses a default resolver acts
	// on (see internal/cluster).
	Clusters []ClusterSpec `json:"clusters"`
}

// ClusterSpec names one upstream cluster and its seed address for the
// default (DNS-resolution) cluster-init target.
type ClusterSpec struct {
	Name string `json:"name"`
	Host string `json:"host"`
}

// Load reads and decodes the JSON config file at path.
func Load(path string) (*File, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: reading %s: %w", path, err)
	}
	var f File
	if err := json.Unmarshal(b, &f); err != nil {
		return nil, fmt.Errorf("config: decoding %s: %w", path, err)
	}
	return &f, nil
}

// DrainTime returns the configured drain horizon, defaulting to 600s
// (Envoy-class proxies' conventional default) if unset.
func (f *File) DrainTime() time.Duration {
	if f.DrainTimeSeconds <= 0 {
		return 600 * time.Second
	}
	return time.Duration(f.DrainTimeSeconds) * time.Second
}

// ParentShutdownTime returns the configured successor-to-parent
// shutdown horizon, defaulting to 900s.
func (f *File) ParentShutdownTime() time.Duration {
	if f.ParentShutdownTimeSeconds <= 0 {
		return 900 * time.Second
	}
	return time.Duration(f.ParentShutdownTimeSeconds) * time.Second
}

func msecOr(v, def int) time.Duration {
	if v <= 0 {
		return time.Duration(def) * time.Millisecond
	}
	return time.Duration(v) * time.Millisecond
}

// WatchdogMissMargin etc. apply defaults so a config file that omits
// the watchdog block still produces a usable GuardDog configuration.
func (f *File) WatchdogMissMargin() time.Duration { return msecOr(f.WatchdogMissMarginMsec, 1000) }
func (f *File) WatchdogMegaMissMargin() time.Duration {
	return msecOr(f.WatchdogMegaMissMarginMsec, 60000)
}
func (f *File) WatchdogKillTimeout() time.Duration {
	return msecOr(f.WatchdogKillTimeoutMsec, 0)
}
func (f *File) WatchdogMultikillTimeout() time.Duration {
	return msecOr(f.WatchdogMultikillTimeoutMsec, 0)
}

// Options is the CLI/options surface spec.md §6 names explicitly:
// configPath, adminAddressPath, restartEpoch, concurrency (default 1),
// fileFlushIntervalMsec.
type Options struct {
	ConfigPath            string
	AdminAddressPath      string
	RestartEpoch          int
	Concurrency           int
	FileFlushIntervalMsec int
	FlagsPath             string
	RestartSocketDir      string
}

// FlushInterval returns the stats-flush timer period, defaulting to 5s.
func (o Options) FlushInterval() time.Duration {
	if o.FileFlushIntervalMsec <= 0 {
		return 5 * time.Second
	}
	return time.Duration(o.FileFlushIntervalMsec) * time.Millisecond
}

// ConcurrencyOrDefault returns Concurrency, defaulting to 1 per spec.md
// §6.
func (o Options) ConcurrencyOrDefault() int {
	if o.Concurrency <= 0 {
		return 1
	}
	return o.Concurrency
}
