package orchestrator

import (
	"context"
	"fmt"
	"io"

	"github.com/zeroshot-dev/zeroshot/ledger"
	"github.com/zeroshot-dev/zeroshot/zserr"
)

// ExportCluster writes the cluster's full message history to w as
// zstd-compressed JSON lines (ledger.ExportJSONL). Works for both live
// clusters and registered-but-not-live ones — the latter are read
// through a short-lived ledger handle without reattaching agents.
func (o *Orchestrator) ExportCluster(ctx context.Context, id string, w io.Writer) error {
	if c, ok := o.cluster(id); ok {
		return c.ledger.ExportJSONL(ctx, w)
	}

	reg, err := o.loadRegistry()
	if err != nil {
		return err
	}
	if _, ok := reg[id]; !ok {
		return fmt.Errorf("%w: unknown cluster %s", zserr.ErrStorage, id)
	}
	l, err := ledger.Open(o.storageDir, id)
	if err != nil {
		return err
	}
	defer l.Close()
	return l.ExportJSONL(ctx, w)
}
