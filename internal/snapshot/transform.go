package snapshot

import (
	"encoding/base64"
	"fmt"
	"math"
	"math/rand"
	"sort"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/rs/zerolog"

	"github.com/careops/censusd/internal/fhir"
	"github.com/careops/censusd/internal/source"
	"github.com/careops/censusd/pkg/fhirmodels"
)

const (
	// Risk scoring: base plus a weight per condition plus a small jitter,
	// clamped. The jitter stands in for a future scoring model; it comes
	// from the injected rand source so tests can pin it.
	riskBaseScore       = 2.0
	riskConditionWeight = 0.9
	riskJitter          = 0.75
	riskMaxScore        = 9.9

	maxSummaryConditions = 5
	maxNoteLength        = 4000

	defaultSourceSystem = "fhir-r4"
)

// Transformer converts raw bundles into Snapshots. Deterministic given its
// inputs, clock, and rand source.
type Transformer struct {
	log          zerolog.Logger
	sourceSystem string

	mu  sync.Mutex
	rng *rand.Rand

	// now is swappable for tests.
	now func() time.Time
}

// NewTransformer builds a Transformer. A nil rng falls back to a time-seeded
// source.
func NewTransformer(logger zerolog.Logger, rng *rand.Rand) *Transformer {
	if rng == nil {
		rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	return &Transformer{
		log:          logger.With().Str("component", "transform").Logger(),
		sourceSystem: defaultSourceSystem,
		rng:          rng,
		now:          time.Now,
	}
}

// Transform normalizes a bundle into a Snapshot. Observations whose effective
// time predates the lookback window are discarded; everything else in the
// bundle is represented either as a typed row or, at minimum, as a raw audit
// copy.
func (t *Transformer) Transform(patientID string, bundle *source.Bundle, lookbackHours int) *Snapshot {
	now := t.now()
	cutoff := now.Add(-time.Duration(lookbackHours) * time.Hour)

	snap := &Snapshot{
		PatientID:     patientID,
		LookbackHours: lookbackHours,
		GeneratedAt:   now,
	}

	conditions := t.decodeConditions(bundle)
	snap.Patient = t.buildPatientRow(patientID, bundle, conditions, now)
	if snap.Patient == nil {
		t.log.Debug().Str("patient_id", patientID).Msg("bundle has no patient resource")
	}

	snap.Allergies = t.buildAllergyRows(patientID, bundle)
	snap.Medications = t.buildMedicationRows(patientID, bundle)
	snap.Labs, snap.Vitals = t.buildObservationRows(patientID, bundle, cutoff)
	snap.Notes = t.buildNoteRows(patientID, bundle)

	for _, r := range bundle.Resources {
		snap.Raw = append(snap.Raw, RawResource{
			ID:           r.ResourceType + "/" + r.ID,
			PatientID:    patientID,
			ResourceType: r.ResourceType,
			SourceID:     r.ID,
			Payload:      r.Raw,
			LastModified: lastModifiedPtr(r),
		})
	}

	return snap
}

func (t *Transformer) provenance(r fhir.Resource) Provenance {
	return Provenance{
		SourceType:         r.ResourceType,
		SourceID:           r.ID,
		SourceLastModified: lastModifiedPtr(r),
		SourceSystem:       t.sourceSystem,
	}
}

func (t *Transformer) decodeConditions(bundle *source.Bundle) []*fhir.Condition {
	var out []*fhir.Condition
	for _, r := range bundle.OfType(fhir.TypeCondition) {
		c, err := r.AsCondition()
		if err != nil {
			t.log.Warn().Str("resource_id", r.ID).Err(err).Msg("condition undecodable")
			continue
		}
		out = append(out, c)
	}
	return out
}

func (t *Transformer) buildPatientRow(patientID string, bundle *source.Bundle, conditions []*fhir.Condition, now time.Time) *PatientRow {
	patients := bundle.OfType(fhir.TypePatient)
	if len(patients) == 0 {
		return nil
	}
	res := patients[0]
	p, err := res.AsPatient()
	if err != nil {
		t.log.Warn().Str("patient_id", patientID).Err(err).Msg("patient undecodable")
		return nil
	}

	row := &PatientRow{
		ID:         RowID(fhir.TypePatient, res.ID),
		PatientID:  patientID,
		Name:       patientName(p),
		Age:        ageYears(p.BirthDate, now),
		Sex:        normalizeSex(p.Gender),
		Diagnosis:  primaryDiagnosis(conditions),
		Summary:    conditionSummary(conditions),
		Provenance: t.provenance(res),
	}
	row.RiskScore = t.riskScore(len(conditions))
	return row
}

// riskScore mixes the condition count with a bounded random perturbation.
func (t *Transformer) riskScore(conditionCount int) float64 {
	t.mu.Lock()
	jitter := t.rng.Float64() * riskJitter
	t.mu.Unlock()

	score := riskBaseScore + float64(conditionCount)*riskConditionWeight + jitter
	if score > riskMaxScore {
		score = riskMaxScore
	}
	return math.Round(score*1000) / 1000
}

func (t *Transformer) buildAllergyRows(patientID string, bundle *source.Bundle) []AllergyRow {
	var rows []AllergyRow
	for _, r := range bundle.OfType(fhir.TypeAllergyIntolerance) {
		a, err := r.AsAllergy()
		if err != nil {
			t.log.Warn().Str("resource_id", r.ID).Err(err).Msg("allergy undecodable")
			continue
		}
		row := AllergyRow{
			ID:         RowID(fhir.TypeAllergyIntolerance, r.ID),
			PatientID:  patientID,
			Substance:  textOr(a.Code.Display(), "Unknown substance"),
			Severity:   a.Criticality,
			RecordedAt: parseTimePtr(a.RecordedDate),
			Provenance: t.provenance(r),
		}
		if len(a.Reaction) > 0 {
			reaction := a.Reaction[0]
			if len(reaction.Manifestation) > 0 {
				row.Reaction = reaction.Manifestation[0].Display()
			}
			if reaction.Severity != "" {
				row.Severity = reaction.Severity
			}
		}
		rows = append(rows, row)
	}
	return rows
}

func (t *Transformer) buildMedicationRows(patientID string, bundle *source.Bundle) []MedicationRow {
	var rows []MedicationRow
	for _, r := range bundle.OfType(fhir.TypeMedicationRequest) {
		m, err := r.AsMedicationRequest()
		if err != nil {
			t.log.Warn().Str("resource_id", r.ID).Err(err).Msg("medication undecodable")
			continue
		}
		row := MedicationRow{
			ID:         RowID(fhir.TypeMedicationRequest, r.ID),
			PatientID:  patientID,
			Name:       textOr(m.MedicationCodeableConcept.Display(), "Unknown medication"),
			Status:     m.Status,
			AuthoredAt: parseTimePtr(m.AuthoredOn),
			Provenance: t.provenance(r),
		}
		if len(m.DosageInstruction) > 0 {
			row.Dosage = m.DosageInstruction[0].Text
		}
		rows = append(rows, row)
	}
	return rows
}

// buildObservationRows splits observations into vitals and labs by the LOINC
// allowlist after dropping anything older than the lookback cutoff. Vitals
// are grouped into one row per rounded minute; blood-pressure panels unpack
// their components into the same grouped row.
func (t *Transformer) buildObservationRows(patientID string, bundle *source.Bundle, cutoff time.Time) ([]LabRow, []VitalRow) {
	var labs []LabRow
	vitalGroups := map[time.Time]*VitalRow{}

	for _, r := range bundle.OfType(fhir.TypeObservation) {
		o, err := r.AsObservation()
		if err != nil {
			t.log.Warn().Str("resource_id", r.ID).Err(err).Msg("observation undecodable")
			continue
		}
		effective, ok := o.EffectiveTime()
		if !ok {
			t.log.Debug().Str("resource_id", r.ID).Msg("observation has no effective time, dropped")
			continue
		}
		if effective.Before(cutoff) {
			continue
		}

		if isVitalSign(o) {
			t.mergeVital(vitalGroups, patientID, r, o, effective)
			continue
		}
		labs = append(labs, t.buildLabRow(patientID, r, o, effective))
	}

	vitals := make([]VitalRow, 0, len(vitalGroups))
	for _, v := range vitalGroups {
		vitals = append(vitals, *v)
	}
	sortVitals(vitals)
	return labs, vitals
}

func isVitalSign(o *fhir.Observation) bool {
	if o.Code == nil {
		return false
	}
	for _, coding := range o.Code.Coding {
		if fhirmodels.VitalSignCodes[coding.Code] {
			return true
		}
	}
	return false
}

func (t *Transformer) mergeVital(groups map[time.Time]*VitalRow, patientID string, r fhir.Resource, o *fhir.Observation, effective time.Time) {
	minute := effective.Round(time.Minute).UTC()
	row, ok := groups[minute]
	if !ok {
		row = &VitalRow{
			ID:         RowID("VitalGroup", patientID+"@"+minute.Format(time.RFC3339)),
			PatientID:  patientID,
			TakenAt:    minute,
			Provenance: t.provenance(r),
		}
		groups[minute] = row
	}

	value := quantityValue(o.ValueQuantity)
	for _, coding := range o.Code.Coding {
		switch coding.Code {
		case fhirmodels.LoincHeartRate:
			row.HeartRate = value
		case fhirmodels.LoincSystolicBP:
			row.SystolicBP = value
		case fhirmodels.LoincDiastolicBP:
			row.DiastolicBP = value
		case fhirmodels.LoincRespiratoryRate:
			row.RespRate = value
		case fhirmodels.LoincBodyTemperature:
			row.Temperature = value
		case fhirmodels.LoincOxygenSat, fhirmodels.LoincOxygenSatPulse:
			row.SpO2 = value
		case fhirmodels.LoincBloodPressure:
			for _, comp := range o.Component {
				compValue := quantityValue(comp.ValueQuantity)
				if comp.Code.HasCode(fhirmodels.LoincSystolicBP) {
					row.SystolicBP = compValue
				}
				if comp.Code.HasCode(fhirmodels.LoincDiastolicBP) {
					row.DiastolicBP = compValue
				}
			}
		}
	}
}

func (t *Transformer) buildLabRow(patientID string, r fhir.Resource, o *fhir.Observation, effective time.Time) LabRow {
	row := LabRow{
		ID:         RowID(fhir.TypeObservation, r.ID),
		PatientID:  patientID,
		Name:       labName(o),
		Value:      quantityValue(o.ValueQuantity),
		ValueText:  o.ValueString,
		Flag:       labFlag(o),
		TakenAt:    effective,
		Provenance: t.provenance(r),
	}
	if o.ValueQuantity != nil {
		row.Unit = o.ValueQuantity.Unit
	}
	return row
}

func (t *Transformer) buildNoteRows(patientID string, bundle *source.Bundle) []NoteRow {
	var rows []NoteRow
	for _, r := range bundle.OfType(fhir.TypeDocumentReference) {
		d, err := r.AsDocumentReference()
		if err != nil {
			t.log.Warn().Str("resource_id", r.ID).Err(err).Msg("note undecodable")
			continue
		}
		rows = append(rows, NoteRow{
			ID:         RowID(fhir.TypeDocumentReference, r.ID),
			PatientID:  patientID,
			Title:      textOr(d.Type.Display(), "Clinical note"),
			Text:       truncate(noteText(d), maxNoteLength),
			WrittenAt:  parseTimePtr(d.Date),
			Provenance: t.provenance(r),
		})
	}
	return rows
}

// noteText extracts note content: decoded attachment data first, then an
// attachment-reference placeholder, then the free-text description.
func noteText(d *fhir.DocumentReference) string {
	for _, content := range d.Content {
		att := content.Attachment
		if att.Data != "" {
			decoded, err := base64.StdEncoding.DecodeString(att.Data)
			if err == nil {
				return string(decoded)
			}
		}
		if att.URL != "" {
			return fmt.Sprintf("[attachment: %s]", att.URL)
		}
	}
	return d.Description
}

func patientName(p *fhir.Patient) string {
	if len(p.Name) == 0 {
		return "Unknown"
	}
	n := p.Name[0]
	parts := append(append([]string{}, n.Given...), n.Family)
	name := strings.TrimSpace(strings.Join(parts, " "))
	if name == "" {
		name = n.Text
	}
	return textOr(name, "Unknown")
}

func ageYears(birthDate string, now time.Time) int {
	if birthDate == "" {
		return 0
	}
	born, err := fhir.ParseTime(birthDate)
	if err != nil {
		return 0
	}
	years := now.Year() - born.Year()
	if now.YearDay() < born.YearDay() {
		years--
	}
	if years < 0 {
		years = 0
	}
	return years
}

func normalizeSex(gender string) string {
	switch strings.ToLower(gender) {
	case fhirmodels.GenderMale:
		return fhirmodels.SexMale
	case fhirmodels.GenderFemale:
		return fhirmodels.SexFemale
	default:
		return fhirmodels.SexUnknown
	}
}

func primaryDiagnosis(conditions []*fhir.Condition) string {
	if len(conditions) == 0 {
		return "Unknown"
	}
	return textOr(conditions[0].Code.Display(), "Unknown")
}

func conditionSummary(conditions []*fhir.Condition) string {
	var names []string
	for _, c := range conditions {
		if name := c.Code.Display(); name != "" {
			names = append(names, name)
		}
		if len(names) == maxSummaryConditions {
			break
		}
	}
	return strings.Join(names, "; ")
}

func labName(o *fhir.Observation) string {
	if name := o.Code.Display(); name != "" {
		return name
	}
	return textOr(o.Code.FirstCode(), "Unknown lab")
}

func labFlag(o *fhir.Observation) string {
	for _, interp := range o.Interpretation {
		switch interp.FirstCode() {
		case fhirmodels.InterpretationHigh:
			return fhirmodels.LabFlagHigh
		case fhirmodels.InterpretationLow:
			return fhirmodels.LabFlagLow
		case fhirmodels.InterpretationCriticalHigh,
			fhirmodels.InterpretationCriticalLow,
			fhirmodels.InterpretationCriticalAbn:
			return fhirmodels.LabFlagCritical
		}
	}
	return fhirmodels.LabFlagNormal
}

func sortVitals(vitals []VitalRow) {
	sort.Slice(vitals, func(i, j int) bool { return vitals[i].TakenAt.Before(vitals[j].TakenAt) })
}

func quantityValue(q *fhir.Quantity) *float64 {
	if q == nil || q.Value == nil {
		return nil
	}
	v := *q.Value
	return &v
}

func parseTimePtr(s string) *time.Time {
	if s == "" {
		return nil
	}
	t, err := fhir.ParseTime(s)
	if err != nil {
		return nil
	}
	return &t
}

func lastModifiedPtr(r fhir.Resource) *time.Time {
	t := r.LastModified()
	if t.IsZero() {
		return nil
	}
	return &t
}

func textOr(s, fallback string) string {
	if strings.TrimSpace(s) == "" {
		return fallback
	}
	return s
}

// truncate cuts s to at most max bytes without splitting a rune, so the
// result stays valid UTF-8 for storage.
func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	cut := max
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}
