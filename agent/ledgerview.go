package agent

import (
	"context"

	"github.com/zeroshot-dev/zeroshot/ledger"
	"github.com/zeroshot-dev/zeroshot/message"
)

// ledgerView adapts *ledger.Ledger's (ctx, QueryOpts) shape to the
// narrower (ctx, topic, sinceSeq, limit) shape sandbox.LedgerView
// exposes to scripts — scripts get a deliberately smaller surface than
// the full ledger package offers.
type ledgerView struct {
	l *ledger.Ledger
}

func (v ledgerView) Query(ctx context.Context, topic string, sinceSeq int64, limit int) ([]message.Message, error) {
	return v.l.Query(ctx, ledger.QueryOpts{Topic: topic, SinceSeq: sinceSeq, Limit: limit})
}

func (v ledgerView) FindLast(ctx context.Context, topic string) (message.Message, bool, error) {
	return v.l.FindLast(ctx, topic)
}

func (v ledgerView) Count(ctx context.Context, topic string) (int64, error) {
	if topic == "" {
		return v.l.Count(ctx)
	}
	msgs, err := v.l.Query(ctx, ledger.QueryOpts{Topic: topic})
	if err != nil {
		return 0, err
	}
	return int64(len(msgs)), nil
}
