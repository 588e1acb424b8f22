package ledger

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/klauspost/compress/zstd"

	"github.com/zeroshot-dev/zeroshot/zserr"
)

// ExportJSONL streams the cluster's full message history to w as
// zstd-compressed JSON lines, one document per message in sequence
// order. The export is a plain read — the ledger stays open and
// appendable throughout.
func (l *Ledger) ExportJSONL(ctx context.Context, w io.Writer) error {
	msgs, err := l.GetAll(ctx)
	if err != nil {
		return err
	}

	enc, err := zstd.NewWriter(w)
	if err != nil {
		return fmt.Errorf("ledger: export: %w: %v", zserr.ErrStorage, err)
	}
	for _, m := range msgs {
		line, err := json.Marshal(m)
		if err != nil {
			_ = enc.Close()
			return fmt.Errorf("ledger: export: marshal message %d: %w: %v", m.Sequence, zserr.ErrStorage, err)
		}
		line = append(line, '\n')
		if _, err := enc.Write(line); err != nil {
			_ = enc.Close()
			return fmt.Errorf("ledger: export: write: %w: %v", zserr.ErrStorage, err)
		}
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("ledger: export: flush: %w: %v", zserr.ErrStorage, err)
	}
	return nil
}
