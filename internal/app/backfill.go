package app

import (
	"context"

	"brokerdesk/api/internal/store"
)

type BackfillReport struct {
	Kind     store.Kind `json:"kind"`
	Scanned  int        `json:"scanned"`
	Mirrored int        `json:"mirrored"`
	Failed   int        `json:"failed"`
}

// BackfillMirrors retries the mirror write for records that were never
// mirrored. It is run by operators; nothing schedules it.
func (s *Service) BackfillMirrors(ctx context.Context, kind store.Kind, limit int) (BackfillReport, error) {
	if err := requireKind(kind); err != nil {
		return BackfillReport{}, err
	}
	storeCtx, cancel := s.storeContext(ctx)
	records, err := s.store.ListUnmirrored(storeCtx, kind, limit)
	cancel()
	if err != nil {
		return BackfillReport{}, err
	}

	report := BackfillReport{Kind: kind, Scanned: len(records)}
	for _, rec := range records {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		if s.mirrorRecord(ctx, rec).MirrorKey != nil {
			report.Mirrored++
		} else {
			report.Failed++
		}
	}
	s.logger.Info("mirror backfill finished", "kind", kind, "scanned", report.Scanned, "mirrored", report.Mirrored, "failed", report.Failed)
	return report, nil
}
