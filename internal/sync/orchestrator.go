// Package sync drives the per-patient pipeline: fetch a resource bundle,
// transform it into a snapshot, and upsert it into the warehouse when one is
// attached.
package sync

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/careops/censusd/internal/snapshot"
	"github.com/careops/censusd/internal/source"
	"github.com/careops/censusd/internal/warehouse"
)

// Fetcher provides patient bundles from the record source.
type Fetcher interface {
	FetchBundle(ctx context.Context, patientID string) (*source.Bundle, error)
	ClearCache()
}

// Store is the warehouse surface the orchestrator writes to.
type Store interface {
	UpsertSnapshot(ctx context.Context, snap *snapshot.Snapshot) (*warehouse.UpsertResult, error)
	LastSyncTime(ctx context.Context, patientID string) (*time.Time, error)
	Ping(ctx context.Context) error
}

// Result reports the outcome of one patient sync. Pipeline failures land in
// Error rather than being returned, so a batch caller never needs to
// distinguish error channels.
type Result struct {
	PatientID   string                      `json:"patient_id"`
	Success     bool                        `json:"success"`
	SnapshotID  uuid.UUID                   `json:"snapshot_id,omitempty"`
	RowsWritten int                         `json:"rows_written"`
	Flags       warehouse.CompletenessFlags `json:"flags"`
	Duration    time.Duration               `json:"duration_ms"`
	Error       string                      `json:"error,omitempty"`
}

type Orchestrator struct {
	fetcher       Fetcher
	transformer   *snapshot.Transformer
	store         Store // nil runs the pipeline without a warehouse
	lookbackHours int
	log           zerolog.Logger
}

func NewOrchestrator(fetcher Fetcher, transformer *snapshot.Transformer, store Store, lookbackHours int, logger zerolog.Logger) *Orchestrator {
	return &Orchestrator{
		fetcher:       fetcher,
		transformer:   transformer,
		store:         store,
		lookbackHours: lookbackHours,
		log:           logger.With().Str("component", "sync").Logger(),
	}
}

// SyncPatient runs the full pipeline for one patient and always returns a
// result. When no warehouse is attached, or the attached one is unreachable,
// a usable snapshot still counts as success with locally derived flags.
func (o *Orchestrator) SyncPatient(ctx context.Context, patientID string) *Result {
	start := time.Now()
	res := &Result{PatientID: patientID}
	defer func() { res.Duration = time.Since(start) }()

	bundle, err := o.fetcher.FetchBundle(ctx, patientID)
	if err != nil {
		res.Error = "fetch bundle: " + err.Error()
		o.log.Error().Err(err).Str("patient_id", patientID).Msg("sync failed at fetch")
		return res
	}

	snap := o.transformer.Transform(patientID, bundle, o.lookbackHours)
	if !snap.Usable() {
		res.Error = "bundle has no patient resource"
		o.log.Warn().Str("patient_id", patientID).Msg("sync skipped, no patient resource")
		return res
	}

	if o.store != nil {
		if err := o.store.Ping(ctx); err != nil {
			o.log.Warn().Err(err).Str("patient_id", patientID).Msg("warehouse unreachable, keeping snapshot local")
		} else {
			up, err := o.store.UpsertSnapshot(ctx, snap)
			if err != nil {
				res.Error = "upsert snapshot: " + err.Error()
				o.log.Error().Err(err).Str("patient_id", patientID).Msg("sync failed at upsert")
				return res
			}
			res.Success = true
			res.SnapshotID = up.SnapshotID
			res.RowsWritten = up.RowsWritten
			res.Flags = up.Flags
			return res
		}
	}

	// Local-only success: nothing reached the warehouse, so RowsWritten
	// stays zero and completeness flags are derived from the snapshot.
	res.Success = true
	res.Flags = warehouse.BuildCompletenessFlags(snap, time.Now().UTC())
	return res
}

// Snapshot runs fetch and transform without touching the warehouse.
func (o *Orchestrator) Snapshot(ctx context.Context, patientID string) (*snapshot.Snapshot, error) {
	bundle, err := o.fetcher.FetchBundle(ctx, patientID)
	if err != nil {
		return nil, err
	}
	return o.transformer.Transform(patientID, bundle, o.lookbackHours), nil
}
