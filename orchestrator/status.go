package orchestrator

import (
	"context"
	"fmt"
	"os"

	"github.com/shirou/gopsutil/v4/process"

	"github.com/zeroshot-dev/zeroshot/clusterconfig"
	"github.com/zeroshot-dev/zeroshot/zserr"
)

// Status is the cross-process-visible snapshot `status`/`list` report
// for one cluster. A cluster is reported live when this process already has
// it in memory; otherwise Status reflects the registry file as-is,
// with zombie detection applied to registry-reported running clusters.
type Status struct {
	Record clusterconfig.Record
	Live   bool // true if this process holds the live Cluster object
}

// List reports every cluster this process knows about from the shared
// registry, augmented with the live Records for clusters this process
// owns and zombie reclassification for registry entries claiming
// state=running under a PID that is no longer alive.
func (o *Orchestrator) List(ctx context.Context) ([]Status, error) {
	reg, err := o.loadRegistry()
	if err != nil {
		return nil, err
	}

	out := make([]Status, 0, len(reg))
	for id, rec := range reg {
		if c, ok := o.cluster(id); ok {
			out = append(out, Status{Record: c.Record(), Live: true})
			continue
		}
		out = append(out, Status{Record: reclassifyZombie(rec), Live: false})
	}
	return out, nil
}

// Status reports one cluster's state, applying the same zombie
// reclassification List does.
func (o *Orchestrator) Status(ctx context.Context, id string) (Status, error) {
	if c, ok := o.cluster(id); ok {
		return Status{Record: c.Record(), Live: true}, nil
	}
	reg, err := o.loadRegistry()
	if err != nil {
		return Status{}, err
	}
	rec, ok := reg[id]
	if !ok {
		return Status{}, fmt.Errorf("%w: unknown cluster %s", zserr.ErrStorage, id)
	}
	return Status{Record: reclassifyZombie(rec)}, nil
}

// reclassifyZombie implements the zombie rule: a registry
// entry claiming state=running whose owning PID is not alive is
// reported (not persisted) as zombie — resume/kill are what actually
// clear it in the registry.
func reclassifyZombie(rec clusterconfig.Record) clusterconfig.Record {
	if rec.State != clusterconfig.StateRunning {
		return rec
	}
	if rec.PID == 0 || pidAlive(rec.PID) {
		return rec
	}
	rec.State = clusterconfig.StateZombie
	return rec
}

func pidAlive(pid int) bool {
	if pid == os.Getpid() {
		return true
	}
	proc, err := process.NewProcess(int32(pid))
	if err != nil {
		return false
	}
	running, err := proc.IsRunning()
	return err == nil && running
}
