package engine

import (
	"context"
	"log/slog"
	"time"

	"apexrag/store"
	"apexrag/types"

	"github.com/google/uuid"
)

// Reconciler periodically compares is_current/deleted flags between the
// primary store and the vector store and repairs the vector side toward
// primary truth. It closes the bounded inconsistency window left open by
// the dual-write steps and by failed compensations.
type Reconciler struct {
	db       store.DBStorer
	vectors  store.VectorStorer
	interval time.Duration
	logger   *slog.Logger
}

func NewReconciler(db store.DBStorer, vectors store.VectorStorer, interval time.Duration) *Reconciler {
	if interval <= 0 {
		interval = time.Minute
	}
	return &Reconciler{
		db:       db,
		vectors:  vectors,
		interval: interval,
		logger:   slog.Default(),
	}
}

func (r *Reconciler) Run(ctx context.Context) {
	r.logger.Info("reconciler started", "interval", r.interval)
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.logger.Info("reconciler stopped")
			return
		case <-ticker.C:
			repaired, err := r.ReconcileOnce(ctx)
			if err != nil {
				r.logger.Error("reconciliation pass failed", "error", err)
				continue
			}
			if repaired > 0 {
				r.logger.Warn("reconciliation repaired drift", "repaired", repaired)
			}
		}
	}
}

type flagKey struct {
	docID   uuid.UUID
	version string
}

// ReconcileOnce runs one pass and returns the number of (document, version)
// pairs repaired. Vector records whose version no longer exists in the
// primary store are orphans of a failed compensation and are deleted.
func (r *Reconciler) ReconcileOnce(ctx context.Context) (int, error) {
	primary, err := r.db.VersionFlags(ctx)
	if err != nil {
		return 0, err
	}
	truth := make(map[flagKey]types.VersionFlag, len(primary))
	for _, f := range primary {
		truth[flagKey{f.DocumentID, f.Version}] = f
	}

	observed, err := r.vectors.VersionFlags(ctx)
	if err != nil {
		return 0, err
	}

	repaired := 0
	seen := make(map[flagKey]bool, len(observed))
	for _, f := range observed {
		key := flagKey{f.DocumentID, f.Version}

		want, ok := truth[key]
		if !ok {
			drift := types.NewConsistencyError(
				"vector records for document %s version %s have no primary-store version",
				f.DocumentID, f.Version)
			r.logger.Warn("orphaned vector records", "error", drift)
			if err := r.vectors.DeleteByVersion(ctx, f.DocumentID, f.Version); err != nil {
				r.logger.Error("failed to delete orphaned vector records",
					"document_id", f.DocumentID, "version", f.Version, "error", err)
				continue
			}
			repaired++
			continue
		}

		// A version can show up more than once when only part of its
		// records drifted; one repair fixes every record of the version.
		if seen[key] {
			continue
		}
		if f.IsCurrent != want.IsCurrent || f.Deleted != want.Deleted {
			drift := types.NewConsistencyError(
				"flags for document %s version %s diverged: vector(current=%t,deleted=%t) primary(current=%t,deleted=%t)",
				f.DocumentID, f.Version, f.IsCurrent, f.Deleted, want.IsCurrent, want.Deleted)
			r.logger.Warn("cross-store drift detected", "error", drift)
			if err := r.vectors.SetFlags(ctx, f.DocumentID, f.Version, want.IsCurrent, want.Deleted); err != nil {
				r.logger.Error("failed to repair vector flags",
					"document_id", f.DocumentID, "version", f.Version, "error", err)
				continue
			}
			seen[key] = true
			repaired++
		}
	}
	return repaired, nil
}
