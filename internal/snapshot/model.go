// Package snapshot normalizes a patient's resource bundle into the flat,
// warehouse-ready row sets the synchronizer stores and displays.
package snapshot

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// rowNamespace seeds UUIDv5 derivation for row ids. Deriving ids from the
// source resource identity keeps them stable across re-transformation, which
// is what makes warehouse upserts idempotent.
var rowNamespace = uuid.MustParse("6f1f3f1e-8a62-4a5b-9c43-2f6d9d3a7b10")

// RowID derives the stable row id for a source resource.
func RowID(resourceType, sourceID string) uuid.UUID {
	return uuid.NewSHA1(rowNamespace, []byte(resourceType+"/"+sourceID))
}

// Provenance records where a row came from.
type Provenance struct {
	SourceType         string     `json:"source_type"`
	SourceID           string     `json:"source_id"`
	SourceLastModified *time.Time `json:"source_last_modified,omitempty"`
	SourceSystem       string     `json:"source_system"`
}

// PatientRow is the demographics row, one per patient.
type PatientRow struct {
	ID        uuid.UUID `json:"id"`
	PatientID string    `json:"patient_id"`
	Name      string    `json:"name"`
	Age       int       `json:"age"`
	Sex       string    `json:"sex"`
	Diagnosis string    `json:"diagnosis"`
	Summary   string    `json:"summary"`
	RiskScore float64   `json:"risk_score"`
	Provenance
}

// AllergyRow is one recorded allergy.
type AllergyRow struct {
	ID         uuid.UUID  `json:"id"`
	PatientID  string     `json:"patient_id"`
	Substance  string     `json:"substance"`
	Reaction   string     `json:"reaction,omitempty"`
	Severity   string     `json:"severity,omitempty"`
	RecordedAt *time.Time `json:"recorded_at,omitempty"`
	Provenance
}

// MedicationRow is one medication order.
type MedicationRow struct {
	ID         uuid.UUID  `json:"id"`
	PatientID  string     `json:"patient_id"`
	Name       string     `json:"name"`
	Dosage     string     `json:"dosage,omitempty"`
	Status     string     `json:"status,omitempty"`
	AuthoredAt *time.Time `json:"authored_at,omitempty"`
	Provenance
}

// LabRow is one laboratory result.
type LabRow struct {
	ID        uuid.UUID `json:"id"`
	PatientID string    `json:"patient_id"`
	Name      string    `json:"name"`
	Value     *float64  `json:"value,omitempty"`
	ValueText string    `json:"value_text,omitempty"`
	Unit      string    `json:"unit,omitempty"`
	Flag      string    `json:"flag"`
	TakenAt   time.Time `json:"taken_at"`
	Provenance
}

// VitalRow is one coherent vitals reading: every vital-sign observation that
// landed on the same rounded minute, merged into a single row.
type VitalRow struct {
	ID          uuid.UUID `json:"id"`
	PatientID   string    `json:"patient_id"`
	TakenAt     time.Time `json:"taken_at"`
	HeartRate   *float64  `json:"heart_rate,omitempty"`
	SystolicBP  *float64  `json:"systolic_bp,omitempty"`
	DiastolicBP *float64  `json:"diastolic_bp,omitempty"`
	RespRate    *float64  `json:"resp_rate,omitempty"`
	Temperature *float64  `json:"temperature,omitempty"`
	SpO2        *float64  `json:"spo2,omitempty"`
	Provenance
}

// NoteRow is one clinical note.
type NoteRow struct {
	ID        uuid.UUID  `json:"id"`
	PatientID string     `json:"patient_id"`
	Title     string     `json:"title"`
	Text      string     `json:"text"`
	WrittenAt *time.Time `json:"written_at,omitempty"`
	Provenance
}

// RawResource is an audit copy of one source resource, stored verbatim.
type RawResource struct {
	ID           string          `json:"id"`
	PatientID    string          `json:"patient_id"`
	ResourceType string          `json:"resource_type"`
	SourceID     string          `json:"source_id"`
	Payload      json.RawMessage `json:"payload"`
	LastModified *time.Time      `json:"last_modified,omitempty"`
}

// Snapshot is the normalized representation of one bundle, valid as of a
// patient id and lookback window. A nil Patient makes the snapshot unusable
// for upsert and display.
type Snapshot struct {
	PatientID     string          `json:"patient_id"`
	Patient       *PatientRow     `json:"patient"`
	Allergies     []AllergyRow    `json:"allergies"`
	Medications   []MedicationRow `json:"medications"`
	Labs          []LabRow        `json:"labs"`
	Vitals        []VitalRow      `json:"vitals"`
	Notes         []NoteRow       `json:"notes"`
	Raw           []RawResource   `json:"raw"`
	LookbackHours int             `json:"lookback_hours"`
	GeneratedAt   time.Time       `json:"generated_at"`
}

// Usable reports whether the snapshot can be upserted or shown in a census.
func (s *Snapshot) Usable() bool {
	return s != nil && s.Patient != nil
}

// RowCounts returns the per-kind row counts recorded in the snapshot ledger.
func (s *Snapshot) RowCounts() map[string]int {
	patient := 0
	if s.Patient != nil {
		patient = 1
	}
	return map[string]int{
		"patient":     patient,
		"allergies":   len(s.Allergies),
		"medications": len(s.Medications),
		"labs":        len(s.Labs),
		"vitals":      len(s.Vitals),
		"notes":       len(s.Notes),
		"raw":         len(s.Raw),
	}
}
