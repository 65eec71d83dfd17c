package delivery

import (
	"context"
	"fmt"

	"github.com/albapepper/scoracle-notify/internal/eligibility"
	"github.com/albapepper/scoracle-notify/internal/ledger"
)

// Fanout chains the stages every notification goes through: event-level
// dedup, the eligibility filter, then the pipeline.
type Fanout struct {
	ledger   ledger.Ledger
	filter   *eligibility.Filter
	pipeline *Pipeline
}

func NewFanout(l ledger.Ledger, f *eligibility.Filter, p *Pipeline) *Fanout {
	return &Fanout{ledger: l, filter: f, pipeline: p}
}

// Run delivers n to recipientIDs. A nil report with a nil error means the
// event was already processed.
func (f *Fanout) Run(ctx context.Context, n Notice, recipientIDs []string) (*Report, error) {
	done, err := f.ledger.Exists(ctx, ledger.EventKey(n.Kind, n.SourceID))
	if err != nil {
		return nil, fmt.Errorf("dedup check %s %s: %w", n.Kind, n.SourceID, err)
	}
	if done {
		return nil, nil
	}

	res, err := f.filter.Apply(ctx, n.Kind, n.SourceID, n.Category, recipientIDs)
	if err != nil {
		return nil, err
	}
	report, err := f.pipeline.Deliver(ctx, n, res.Eligible)
	if report != nil {
		report.Skipped = len(res.Skipped)
	}
	return report, err
}
