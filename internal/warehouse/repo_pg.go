package warehouse

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/careops/censusd/internal/census"
	"github.com/careops/censusd/internal/snapshot"
)

type repoPG struct {
	pool  *pgxpool.Pool
	batch BatchSizes
	log   zerolog.Logger
}

func NewRepo(pool *pgxpool.Pool, batch BatchSizes, logger zerolog.Logger) Repository {
	return &repoPG{
		pool:  pool,
		batch: batch,
		log:   logger.With().Str("component", "warehouse").Logger(),
	}
}

const patientUpsertSQL = `
	INSERT INTO patient (
		id, patient_id, name, age, sex, diagnosis, summary, risk_score,
		source_type, source_id, source_last_modified, source_system, updated_at
	) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,NOW())
	ON CONFLICT (id) DO UPDATE SET
		name = EXCLUDED.name, age = EXCLUDED.age, sex = EXCLUDED.sex,
		diagnosis = EXCLUDED.diagnosis, summary = EXCLUDED.summary,
		risk_score = EXCLUDED.risk_score,
		source_last_modified = EXCLUDED.source_last_modified,
		updated_at = NOW()`

const allergyUpsertSQL = `
	INSERT INTO allergy (
		id, patient_id, substance, reaction, severity, recorded_at,
		source_type, source_id, source_last_modified, source_system
	) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
	ON CONFLICT (id) DO UPDATE SET
		substance = EXCLUDED.substance, reaction = EXCLUDED.reaction,
		severity = EXCLUDED.severity, recorded_at = EXCLUDED.recorded_at,
		source_last_modified = EXCLUDED.source_last_modified`

const medicationUpsertSQL = `
	INSERT INTO medication (
		id, patient_id, name, dosage, status, authored_at,
		source_type, source_id, source_last_modified, source_system
	) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
	ON CONFLICT (id) DO UPDATE SET
		name = EXCLUDED.name, dosage = EXCLUDED.dosage,
		status = EXCLUDED.status, authored_at = EXCLUDED.authored_at,
		source_last_modified = EXCLUDED.source_last_modified`

const labUpsertSQL = `
	INSERT INTO lab (
		id, patient_id, name, value, value_text, unit, flag, taken_at,
		source_type, source_id, source_last_modified, source_system
	) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
	ON CONFLICT (id) DO UPDATE SET
		name = EXCLUDED.name, value = EXCLUDED.value,
		value_text = EXCLUDED.value_text, unit = EXCLUDED.unit,
		flag = EXCLUDED.flag, taken_at = EXCLUDED.taken_at,
		source_last_modified = EXCLUDED.source_last_modified`

const vitalUpsertSQL = `
	INSERT INTO vital (
		id, patient_id, taken_at, heart_rate, systolic_bp, diastolic_bp,
		resp_rate, temperature, spo2,
		source_type, source_id, source_last_modified, source_system
	) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)
	ON CONFLICT (id) DO UPDATE SET
		taken_at = EXCLUDED.taken_at, heart_rate = EXCLUDED.heart_rate,
		systolic_bp = EXCLUDED.systolic_bp, diastolic_bp = EXCLUDED.diastolic_bp,
		resp_rate = EXCLUDED.resp_rate, temperature = EXCLUDED.temperature,
		spo2 = EXCLUDED.spo2,
		source_last_modified = EXCLUDED.source_last_modified`

const noteUpsertSQL = `
	INSERT INTO note (
		id, patient_id, title, text, written_at,
		source_type, source_id, source_last_modified, source_system
	) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
	ON CONFLICT (id) DO UPDATE SET
		title = EXCLUDED.title, text = EXCLUDED.text,
		written_at = EXCLUDED.written_at,
		source_last_modified = EXCLUDED.source_last_modified`

const rawUpsertSQL = `
	INSERT INTO raw_resource (id, patient_id, resource_type, source_id, payload, last_modified)
	VALUES ($1,$2,$3,$4,$5,$6)
	ON CONFLICT (id) DO UPDATE SET
		payload = EXCLUDED.payload, last_modified = EXCLUDED.last_modified`

const ledgerInsertSQL = `
	INSERT INTO snapshot_ledger (id, patient_id, synced_at, lookback_hours, flags, row_counts)
	VALUES ($1,$2,$3,$4,$5,$6)`

// UpsertSnapshot writes one snapshot. Row kinds are written strictly in
// referential order; any failure aborts the remaining steps and is surfaced,
// leaving earlier writes in place.
func (r *repoPG) UpsertSnapshot(ctx context.Context, snap *snapshot.Snapshot) (*UpsertResult, error) {
	if !snap.Usable() {
		return nil, fmt.Errorf("snapshot for patient %s has no patient row", snap.PatientID)
	}

	p := snap.Patient
	if _, err := r.pool.Exec(ctx, patientUpsertSQL,
		p.ID, p.PatientID, p.Name, p.Age, p.Sex, p.Diagnosis, p.Summary, p.RiskScore,
		p.SourceType, p.SourceID, p.SourceLastModified, p.SourceSystem,
	); err != nil {
		return nil, fmt.Errorf("upsert patient %s: %w", snap.PatientID, err)
	}
	written := 1

	steps := []struct {
		kind string
		n    int
		run  func(context.Context) (int, error)
	}{
		{"allergies", len(snap.Allergies), func(ctx context.Context) (int, error) {
			return r.upsertBatched(ctx, len(snap.Allergies), r.batch.Allergy, func(b *pgx.Batch, i int) {
				row := snap.Allergies[i]
				b.Queue(allergyUpsertSQL, row.ID, row.PatientID, row.Substance, row.Reaction,
					row.Severity, row.RecordedAt,
					row.SourceType, row.SourceID, row.SourceLastModified, row.SourceSystem)
			})
		}},
		{"medications", len(snap.Medications), func(ctx context.Context) (int, error) {
			return r.upsertBatched(ctx, len(snap.Medications), r.batch.Medication, func(b *pgx.Batch, i int) {
				row := snap.Medications[i]
				b.Queue(medicationUpsertSQL, row.ID, row.PatientID, row.Name, row.Dosage,
					row.Status, row.AuthoredAt,
					row.SourceType, row.SourceID, row.SourceLastModified, row.SourceSystem)
			})
		}},
		{"labs", len(snap.Labs), func(ctx context.Context) (int, error) {
			return r.upsertBatched(ctx, len(snap.Labs), r.batch.Lab, func(b *pgx.Batch, i int) {
				row := snap.Labs[i]
				b.Queue(labUpsertSQL, row.ID, row.PatientID, row.Name, row.Value, row.ValueText,
					row.Unit, row.Flag, row.TakenAt,
					row.SourceType, row.SourceID, row.SourceLastModified, row.SourceSystem)
			})
		}},
		{"vitals", len(snap.Vitals), func(ctx context.Context) (int, error) {
			return r.upsertBatched(ctx, len(snap.Vitals), r.batch.Vital, func(b *pgx.Batch, i int) {
				row := snap.Vitals[i]
				b.Queue(vitalUpsertSQL, row.ID, row.PatientID, row.TakenAt, row.HeartRate,
					row.SystolicBP, row.DiastolicBP, row.RespRate, row.Temperature, row.SpO2,
					row.SourceType, row.SourceID, row.SourceLastModified, row.SourceSystem)
			})
		}},
		{"notes", len(snap.Notes), func(ctx context.Context) (int, error) {
			return r.upsertBatched(ctx, len(snap.Notes), r.batch.Note, func(b *pgx.Batch, i int) {
				row := snap.Notes[i]
				b.Queue(noteUpsertSQL, row.ID, row.PatientID, row.Title, row.Text, row.WrittenAt,
					row.SourceType, row.SourceID, row.SourceLastModified, row.SourceSystem)
			})
		}},
		{"raw", len(snap.Raw), func(ctx context.Context) (int, error) {
			return r.upsertBatched(ctx, len(snap.Raw), r.batch.Raw, func(b *pgx.Batch, i int) {
				row := snap.Raw[i]
				b.Queue(rawUpsertSQL, row.ID, row.PatientID, row.ResourceType, row.SourceID,
					[]byte(row.Payload), row.LastModified)
			})
		}},
	}

	for _, step := range steps {
		n, err := step.run(ctx)
		written += n
		if err != nil {
			return nil, fmt.Errorf("upsert %s for patient %s: %w", step.kind, snap.PatientID, err)
		}
	}

	flags := BuildCompletenessFlags(snap, time.Now().UTC())
	snapshotID := uuid.New()
	flagsJSON, err := json.Marshal(flags)
	if err != nil {
		return nil, fmt.Errorf("encode completeness flags: %w", err)
	}
	countsJSON, err := json.Marshal(snap.RowCounts())
	if err != nil {
		return nil, fmt.Errorf("encode row counts: %w", err)
	}
	if _, err := r.pool.Exec(ctx, ledgerInsertSQL,
		snapshotID, snap.PatientID, time.Now().UTC(), snap.LookbackHours, flagsJSON, countsJSON,
	); err != nil {
		return nil, fmt.Errorf("record snapshot ledger for patient %s: %w", snap.PatientID, err)
	}

	r.log.Info().
		Str("patient_id", snap.PatientID).
		Str("snapshot_id", snapshotID.String()).
		Int("rows_written", written).
		Msg("snapshot upserted")

	return &UpsertResult{SnapshotID: snapshotID, RowsWritten: written, Flags: flags}, nil
}

// upsertBatched sends count rows in fixed-size pgx batches, returning how
// many rows were written before any failure.
func (r *repoPG) upsertBatched(ctx context.Context, count, size int, queue func(b *pgx.Batch, i int)) (int, error) {
	if size < 1 {
		size = 1
	}
	written := 0
	for start := 0; start < count; start += size {
		end := start + size
		if end > count {
			end = count
		}
		b := &pgx.Batch{}
		for i := start; i < end; i++ {
			queue(b, i)
		}
		if err := r.sendBatch(ctx, b); err != nil {
			return written, err
		}
		written += end - start
	}
	return written, nil
}

func (r *repoPG) sendBatch(ctx context.Context, b *pgx.Batch) error {
	br := r.pool.SendBatch(ctx, b)
	for i := 0; i < b.Len(); i++ {
		if _, err := br.Exec(); err != nil {
			_ = br.Close()
			return err
		}
	}
	return br.Close()
}

func (r *repoPG) LastSyncTime(ctx context.Context, patientID string) (*time.Time, error) {
	var last *time.Time
	err := r.pool.QueryRow(ctx,
		`SELECT MAX(synced_at) FROM snapshot_ledger WHERE patient_id = $1`, patientID,
	).Scan(&last)
	if err != nil {
		return nil, fmt.Errorf("last sync time for patient %s: %w", patientID, err)
	}
	return last, nil
}

func (r *repoPG) SyncedWithin(ctx context.Context, patientID string, within time.Duration) (bool, error) {
	last, err := r.LastSyncTime(ctx, patientID)
	if err != nil {
		return false, err
	}
	return last != nil && time.Since(*last) <= within, nil
}

// LoadCensus reads the cohort straight from the warehouse, newest ledger
// entry per patient, ordered by descending risk score.
func (r *repoPG) LoadCensus(ctx context.Context, limit int) ([]census.PatientSummary, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT p.patient_id, p.name, p.age, p.sex, p.diagnosis, p.summary, p.risk_score, l.synced_at
		FROM patient p
		LEFT JOIN LATERAL (
			SELECT synced_at FROM snapshot_ledger
			WHERE patient_id = p.patient_id
			ORDER BY synced_at DESC LIMIT 1
		) l ON TRUE
		ORDER BY p.risk_score DESC
		LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("load census: %w", err)
	}
	defer rows.Close()

	var out []census.PatientSummary
	for rows.Next() {
		var s census.PatientSummary
		if err := rows.Scan(&s.PatientID, &s.Name, &s.Age, &s.Sex, &s.Diagnosis,
			&s.Summary, &s.RiskScore, &s.LastSyncedAt); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func (r *repoPG) Ping(ctx context.Context) error {
	return r.pool.Ping(ctx)
}
