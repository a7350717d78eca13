// Package cluster hosts the minimal cluster-manager capability
// ServerInstance needs to drive InitManager (spec.md §4.6 Phase 2 step
// 12/18): "begin async cluster init" and "when all primary clusters
// finish their first initialization, call init_manager.initialize."
// Cluster-manager internals themselves are out of scope (spec.md §1);
// this package is the fixed external contract plus a default resolver
// standing in for "each upstream cluster's first-round DNS ...
// resolution" (spec.md §3's InitTarget example), grounded on
// config.ClusterSpec's {name, host} pair.
package cluster

import (
	"context"
	"fmt"
	"log"
	"net"
	"time"

	"github.com/nodalmesh/proxycore/internal/config"
)

// Manager is the capability ServerInstance needs from a cluster
// manager: one init target per configured cluster, for registration
// with an InitManager-shaped barrier. It reports no cluster health. The
// barrier itself lives in internal/initmanager; Manager
// only needs to hand it Targets, so it depends on nothing from that
// package directly (breaking the cyclic reference spec.md §9 calls
// out — ServerInstance owns both and wires them together).
type Manager interface {
	// Targets returns one InitManager-compatible target per configured
	// cluster, to be registered before Initialize is called.
	Targets() []Target
}

// Target mirrors initmanager.Target's shape locally so this package
// doesn't need to import internal/initmanager just to declare the
// interface its targets satisfy; ServerInstance registers these
// directly against its *initmanager.Manager, which accepts anything
// with this method set.
type Target interface {
	Initialize(done func())
	Name() string
}

// dnsTarget resolves one cluster's seed host on a background goroutine
// and calls done once resolution completes (successfully or not —
// spec.md §4.1 is explicit that targets have no failure channel; a
// cluster that can't resolve logs and retries internally rather than
// blocking the barrier forever, which here is represented by retrying
// with backoff until it succeeds or a hard deadline trips and it gives
// up and completes anyway, never to be retried as an init target again
// but available for runtime re-resolution by its own owner, which is
// out of scope here).
type dnsTarget struct {
	spec   config.ClusterSpec
	logger *log.Logger
}

func (t *dnsTarget) Name() string { return t.spec.Name }

func (t *dnsTarget) Initialize(done func()) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		backoff := 100 * time.Millisecond
		addrs, err := net.DefaultResolver.LookupHost(ctx, t.spec.Host)
		for err != nil && ctx.Err() == nil {
			select {
			case <-ctx.Done():
			case <-time.After(backoff):
				if backoff < 2*time.Second {
					backoff *= 2
				}
				addrs, err = net.DefaultResolver.LookupHost(ctx, t.spec.Host)
			}
		}
		if err != nil && t.logger != nil {
			t.logger.Printf("cluster %s: first-round resolution of %s failed (proceeding anyway): %v", t.spec.Name, t.spec.Host, err)
		} else if t.logger != nil {
			t.logger.Printf("cluster %s: resolved %s to %d address(es)", t.spec.Name, t.spec.Host, len(addrs))
		}
		done()
	}()
}

// staticManager is the default Manager: one dnsTarget per configured
// cluster. A real cluster manager (EDS, health checking, load-balancing
// policy) is explicitly out of scope per spec.md §1; this exists only
// so InitManager has real async targets to fan out over when the
// config names any clusters at all.
type staticManager struct {
	specs  []config.ClusterSpec
	logger *log.Logger
}

// New constructs the default cluster manager from the config file's
// cluster list.
func New(specs []config.ClusterSpec, logger *log.Logger) Manager {
	return &staticManager{specs: specs, logger: logger}
}

func (m *staticManager) Targets() []Target {
	out := make([]Target, 0, len(m.specs))
	for _, spec := range m.specs {
		out = append(out, &dnsTarget{spec: spec, logger: m.logger})
	}
	return out
}

// ErrUnknownCluster is the error for a cluster name the manager was
// never configured with. Manager has no lookup method, so nothing in
// this package returns it.
var ErrUnknownCluster = fmt.Errorf("cluster: unknown cluster")
