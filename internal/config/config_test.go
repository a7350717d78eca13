package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadDecodesListenersAndClusters(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	body := `{
		"admin_address": "127.0.0.1:9901",
		"listeners": [{"name": "l0", "network": "tcp", "address": "0.0.0.0:10000"}],
		"drain_time_seconds": 30,
		"clusters": [{"name": "c0", "host": "example.internal"}]
	}`
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}

	f, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if f.AdminAddress != "127.0.0.1:9901" {
		t.Fatalf("unexpected admin address: %q", f.AdminAddress)
	}
	if len(f.Listeners) != 1 || f.Listeners[0].Address != "0.0.0.0:10000" {
		t.Fatalf("unexpected listeners: %+v", f.Listeners)
	}
	if f.DrainTime() != 30*time.Second {
		t.Fatalf("unexpected drain time: %v", f.DrainTime())
	}
	if len(f.Clusters) != 1 || f.Clusters[0].Name != "c0" {
		t.Fatalf("unexpected clusters: %+v", f.Clusters)
	}
}

func TestDefaultsApplyWhenUnset(t *testing.T) {
	f := &File{}
	if f.DrainTime() != 600*time.Second {
		t.Fatalf("unexpected default drain time: %v", f.DrainTime())
	}
	if f.ParentShutdownTime() != 900*time.Second {
		t.Fatalf("unexpected default parent shutdown time: %v", f.ParentShutdownTime())
	}
	if f.WatchdogMissMargin() != time.Second {
		t.Fatalf("unexpected default miss margin: %v", f.WatchdogMissMargin())
	}
}

func TestOptionsConcurrencyDefaultsToOne(t *testing.T) {
	var o Options
	if o.ConcurrencyOrDefault() != 1 {
		t.Fatalf("expected default concurrency 1, got %d", o.ConcurrencyOrDefault())
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load("/nonexistent/path/config.json"); err == nil {
		t.Fatal("expected error for missing config file")
	}
}
