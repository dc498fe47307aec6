package warehouse

import (
	"strings"
	"time"

	"github.com/careops/censusd/internal/snapshot"
	"github.com/careops/censusd/pkg/fhirmodels"
)

// vitalStaleAfter is how old the newest vitals reading may be before the
// patient is flagged as having stale vitals.
const vitalStaleAfter = 4 * time.Hour

// CompletenessFlags are derived indicators of missing or stale clinical data
// for one patient, recorded in the snapshot ledger.
type CompletenessFlags struct {
	MissingLabs         bool     `json:"missing_labs"`
	StaleVitals         bool     `json:"stale_vitals"`
	NoMedications       bool     `json:"no_medications"`
	MissingCriticalLabs []string `json:"missing_critical_labs"`
}

// BuildCompletenessFlags derives completeness flags for a snapshot at write
// time. Critical labs are matched by case-insensitive substring against the
// canonical lab name list.
func BuildCompletenessFlags(snap *snapshot.Snapshot, now time.Time) CompletenessFlags {
	flags := CompletenessFlags{
		MissingLabs:   len(snap.Labs) == 0,
		NoMedications: len(snap.Medications) == 0,
	}

	flags.StaleVitals = true
	for _, v := range snap.Vitals {
		if now.Sub(v.TakenAt) <= vitalStaleAfter {
			flags.StaleVitals = false
			break
		}
	}

	for _, name := range fhirmodels.CriticalLabNames {
		found := false
		for _, lab := range snap.Labs {
			if strings.Contains(strings.ToLower(lab.Name), name) {
				found = true
				break
			}
		}
		if !found {
			flags.MissingCriticalLabs = append(flags.MissingCriticalLabs, name)
		}
	}

	return flags
}
