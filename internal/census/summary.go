// Package census builds the cohort view: an ordered list of patient
// summaries loaded instantly from the warehouse when fresh enough, or
// produced by a bounded-concurrency crawl of the record source.
package census

import (
	"time"

	"github.com/careops/censusd/internal/snapshot"
)

// PatientSummary is the UI-ready cohort entry for one patient.
type PatientSummary struct {
	PatientID    string     `json:"patient_id"`
	Name         string     `json:"name"`
	Age          int        `json:"age"`
	Sex          string     `json:"sex"`
	Diagnosis    string     `json:"diagnosis"`
	Summary      string     `json:"summary"`
	RiskScore    float64    `json:"risk_score"`
	LastSyncedAt *time.Time `json:"last_synced_at,omitempty"`
}

// SummaryFromSnapshot maps a usable snapshot to its cohort summary.
func SummaryFromSnapshot(snap *snapshot.Snapshot) PatientSummary {
	p := snap.Patient
	return PatientSummary{
		PatientID: p.PatientID,
		Name:      p.Name,
		Age:       p.Age,
		Sex:       p.Sex,
		Diagnosis: p.Diagnosis,
		Summary:   p.Summary,
		RiskScore: p.RiskScore,
	}
}
