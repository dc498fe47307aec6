// Package warehouse writes snapshots into the analytical store with
// idempotent batched upserts and serves the cohort read path.
package warehouse

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/careops/censusd/internal/census"
	"github.com/careops/censusd/internal/snapshot"
)

// UpsertResult summarizes one snapshot write.
type UpsertResult struct {
	SnapshotID  uuid.UUID         `json:"snapshot_id"`
	RowsWritten int               `json:"rows_written"`
	Flags       CompletenessFlags `json:"flags"`
}

type Repository interface {
	// UpsertSnapshot writes the snapshot's rows in referential order:
	// patient first, then the per-kind batches, then raw audit copies, then
	// one ledger entry. Re-running the same snapshot converges to the same
	// stored state. A failure aborts the remaining steps without rolling
	// back earlier ones.
	UpsertSnapshot(ctx context.Context, snap *snapshot.Snapshot) (*UpsertResult, error)

	// LastSyncTime returns the latest ledger timestamp for a patient, or
	// nil when the patient has never been synced.
	LastSyncTime(ctx context.Context, patientID string) (*time.Time, error)

	// SyncedWithin reports whether the patient has a ledger entry newer
	// than the given window.
	SyncedWithin(ctx context.Context, patientID string, within time.Duration) (bool, error)

	// LoadCensus returns up to limit patient summaries ordered by
	// descending risk score, each with its latest sync time.
	LoadCensus(ctx context.Context, limit int) ([]census.PatientSummary, error)

	// Ping reports destination reachability.
	Ping(ctx context.Context) error
}

// BatchSizes tunes upsert batching per row kind. Raw audit payloads are
// larger, so they ship in smaller batches.
type BatchSizes struct {
	Allergy    int
	Medication int
	Lab        int
	Vital      int
	Note       int
	Raw        int
}

// DefaultBatchSizes returns the production batching defaults.
func DefaultBatchSizes() BatchSizes {
	return BatchSizes{
		Allergy:    50,
		Medication: 50,
		Lab:        100,
		Vital:      100,
		Note:       25,
		Raw:        10,
	}
}
