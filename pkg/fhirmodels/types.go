package fhirmodels

// Common FHIR code constants used across the synchronizer.

// LOINC codes classified as vital signs. Observations carrying any other
// code are treated as laboratory results.
const (
	LoincHeartRate       = "8867-4"
	LoincBloodPressure   = "85354-9"
	LoincSystolicBP      = "8480-6"
	LoincDiastolicBP     = "8462-4"
	LoincRespiratoryRate = "9279-1"
	LoincBodyTemperature = "8310-5"
	LoincOxygenSat       = "2708-6"
	LoincOxygenSatPulse  = "59408-5"
)

// VitalSignCodes is the allowlist used to split observations into vitals
// versus labs.
var VitalSignCodes = map[string]bool{
	LoincHeartRate:       true,
	LoincBloodPressure:   true,
	LoincSystolicBP:      true,
	LoincDiastolicBP:     true,
	LoincRespiratoryRate: true,
	LoincBodyTemperature: true,
	LoincOxygenSat:       true,
	LoincOxygenSatPulse:  true,
}

// Observation interpretation codes per FHIR R4 v3-ObservationInterpretation.
const (
	InterpretationNormal       = "N"
	InterpretationHigh         = "H"
	InterpretationLow          = "L"
	InterpretationCriticalHigh = "HH"
	InterpretationCriticalLow  = "LL"
	InterpretationAbnormal     = "A"
	InterpretationCriticalAbn  = "AA"
)

// Lab flags stored on lab rows.
const (
	LabFlagNormal   = "normal"
	LabFlagHigh     = "high"
	LabFlagLow      = "low"
	LabFlagCritical = "critical"
)

// AdministrativeGender codes.
const (
	GenderMale    = "male"
	GenderFemale  = "female"
	GenderOther   = "other"
	GenderUnknown = "unknown"
)

// Sex codes stored on patient rows.
const (
	SexMale    = "M"
	SexFemale  = "F"
	SexUnknown = "U"
)

// CriticalLabNames are the canonical lab names checked when deriving
// completeness flags. A patient with no lab row matching one of these by
// substring is flagged as missing that lab.
var CriticalLabNames = []string{
	"lactate",
	"wbc",
	"creatinine",
	"potassium",
	"hemoglobin",
}

// MedicationStatus codes per FHIR R4.
const (
	MedicationActive    = "active"
	MedicationStopped   = "stopped"
	MedicationCompleted = "completed"
	MedicationOnHold    = "on-hold"
)

// AllergyCriticality codes.
const (
	CriticalityLow    = "low"
	CriticalityHigh   = "high"
	CriticalityUnable = "unable-to-assess"
)
