package orchestrator

import (
	"context"
	"os"
	"path/filepath"

	"github.com/zeroshot-dev/zeroshot/clusterconfig"
)

// Load reattaches every registry entry this storageDir knows about:
// drop orphans
// whose ledger file is gone, reconstruct agent configs (not processes)
// for the rest, and mark corrupted any cluster with zero messages. It
// does not restart agent processes — ResumeCluster does that on
// explicit request. Call Load once, right after New.
func (o *Orchestrator) Load(ctx context.Context) error {
	reg, err := o.loadRegistry()
	if err != nil {
		return err
	}

	removals := make(map[string]bool)
	updates := make(map[string]*clusterconfig.Record)

	for id, rec := range reg {
		ledgerPath := filepath.Join(o.storageDir, id+".db")
		if _, err := os.Stat(ledgerPath); os.IsNotExist(err) {
			removals[id] = true
			continue
		}

		c, err := o.reattach(ctx, id)
		if err != nil {
			o.log.Warn("load: skipping cluster that failed to reattach", "cluster", id, "err", err)
			continue
		}
		rec = c.Record()
		updates[id] = &rec
	}

	if len(removals) == 0 && len(updates) == 0 {
		return nil
	}
	return o.saveOwned(updates, removals)
}
