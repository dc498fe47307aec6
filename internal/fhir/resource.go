// Package fhir holds the subset of the FHIR R4 wire model that the
// synchronizer reads from the upstream record source. Resources are kept as
// raw JSON alongside the envelope fields so the original payload survives
// into audit storage untouched.
package fhir

import (
	"encoding/json"
	"fmt"
	"time"
)

// Resource kinds fetched for every patient bundle, in merge order.
const (
	TypePatient            = "Patient"
	TypeEncounter          = "Encounter"
	TypeAllergyIntolerance = "AllergyIntolerance"
	TypeMedicationRequest  = "MedicationRequest"
	TypeObservation        = "Observation"
	TypeCondition          = "Condition"
	TypeDocumentReference  = "DocumentReference"
)

// BundleKinds is the fixed list of resource kinds that make up one patient
// bundle. Fetch results are merged in this order regardless of arrival order.
var BundleKinds = []string{
	TypePatient,
	TypeEncounter,
	TypeAllergyIntolerance,
	TypeMedicationRequest,
	TypeObservation,
	TypeCondition,
	TypeDocumentReference,
}

// Resource is one clinical record from the source system. ResourceType, ID
// and Meta are decoded eagerly; everything else stays in Raw until a typed
// view is requested.
type Resource struct {
	ResourceType string          `json:"resourceType"`
	ID           string          `json:"id"`
	Meta         *Meta           `json:"meta,omitempty"`
	Raw          json.RawMessage `json:"-"`
}

// ParseResource decodes the envelope of a raw resource payload.
func ParseResource(data []byte) (Resource, error) {
	var r Resource
	if err := json.Unmarshal(data, &r); err != nil {
		return Resource{}, fmt.Errorf("decode resource envelope: %w", err)
	}
	if r.ResourceType == "" {
		return Resource{}, fmt.Errorf("resource has no resourceType")
	}
	r.Raw = append(json.RawMessage(nil), data...)
	return r, nil
}

// LastModified returns meta.lastUpdated, or the zero time when absent.
func (r Resource) LastModified() time.Time {
	if r.Meta == nil || r.Meta.LastUpdated == nil {
		return time.Time{}
	}
	return *r.Meta.LastUpdated
}

func (r Resource) decode(v interface{}) error {
	if len(r.Raw) == 0 {
		return fmt.Errorf("resource %s/%s has no raw payload", r.ResourceType, r.ID)
	}
	return json.Unmarshal(r.Raw, v)
}

// AsPatient decodes the resource as a Patient.
func (r Resource) AsPatient() (*Patient, error) {
	var p Patient
	if err := r.decode(&p); err != nil {
		return nil, err
	}
	return &p, nil
}

// AsCondition decodes the resource as a Condition.
func (r Resource) AsCondition() (*Condition, error) {
	var c Condition
	if err := r.decode(&c); err != nil {
		return nil, err
	}
	return &c, nil
}

// AsObservation decodes the resource as an Observation.
func (r Resource) AsObservation() (*Observation, error) {
	var o Observation
	if err := r.decode(&o); err != nil {
		return nil, err
	}
	return &o, nil
}

// AsAllergy decodes the resource as an AllergyIntolerance.
func (r Resource) AsAllergy() (*AllergyIntolerance, error) {
	var a AllergyIntolerance
	if err := r.decode(&a); err != nil {
		return nil, err
	}
	return &a, nil
}

// AsMedicationRequest decodes the resource as a MedicationRequest.
func (r Resource) AsMedicationRequest() (*MedicationRequest, error) {
	var m MedicationRequest
	if err := r.decode(&m); err != nil {
		return nil, err
	}
	return &m, nil
}

// AsDocumentReference decodes the resource as a DocumentReference.
func (r Resource) AsDocumentReference() (*DocumentReference, error) {
	var d DocumentReference
	if err := r.decode(&d); err != nil {
		return nil, err
	}
	return &d, nil
}

// Meta carries resource versioning metadata.
type Meta struct {
	VersionID   string     `json:"versionId,omitempty"`
	LastUpdated *time.Time `json:"lastUpdated,omitempty"`
}

// Coding is a single code from a code system.
type Coding struct {
	System  string `json:"system,omitempty"`
	Code    string `json:"code,omitempty"`
	Display string `json:"display,omitempty"`
}

// CodeableConcept is a coded value with an optional free-text fallback.
type CodeableConcept struct {
	Coding []Coding `json:"coding,omitempty"`
	Text   string   `json:"text,omitempty"`
}

// FirstCode returns the code of the first coding, or "".
func (c *CodeableConcept) FirstCode() string {
	if c == nil || len(c.Coding) == 0 {
		return ""
	}
	return c.Coding[0].Code
}

// Display returns the first coding display, falling back to the concept text.
func (c *CodeableConcept) Display() string {
	if c == nil {
		return ""
	}
	for _, cd := range c.Coding {
		if cd.Display != "" {
			return cd.Display
		}
	}
	return c.Text
}

// HasCode reports whether any coding carries the given code.
func (c *CodeableConcept) HasCode(code string) bool {
	if c == nil {
		return false
	}
	for _, cd := range c.Coding {
		if cd.Code == code {
			return true
		}
	}
	return false
}

// Quantity is a measured amount.
type Quantity struct {
	Value *float64 `json:"value,omitempty"`
	Unit  string   `json:"unit,omitempty"`
}

// HumanName is one name for a person.
type HumanName struct {
	Family string   `json:"family,omitempty"`
	Given  []string `json:"given,omitempty"`
	Text   string   `json:"text,omitempty"`
}

// Reference points at another resource, e.g. "Patient/123".
type Reference struct {
	Reference string `json:"reference,omitempty"`
	Display   string `json:"display,omitempty"`
}

// Attachment is binary or referenced note content.
type Attachment struct {
	ContentType string `json:"contentType,omitempty"`
	Data        string `json:"data,omitempty"`
	URL         string `json:"url,omitempty"`
	Title       string `json:"title,omitempty"`
}

// Patient demographics.
type Patient struct {
	ID        string      `json:"id"`
	Name      []HumanName `json:"name,omitempty"`
	Gender    string      `json:"gender,omitempty"`
	BirthDate string      `json:"birthDate,omitempty"`
}

// Condition is a diagnosis or problem-list entry.
type Condition struct {
	ID           string           `json:"id"`
	Code         *CodeableConcept `json:"code,omitempty"`
	RecordedDate string           `json:"recordedDate,omitempty"`
}

// ObservationComponent is one component of a multi-part observation, such as
// the systolic leg of a blood-pressure panel.
type ObservationComponent struct {
	Code          *CodeableConcept `json:"code,omitempty"`
	ValueQuantity *Quantity        `json:"valueQuantity,omitempty"`
}

// Observation is a lab result or vital-sign measurement.
type Observation struct {
	ID                string                 `json:"id"`
	Code              *CodeableConcept       `json:"code,omitempty"`
	EffectiveDateTime string                 `json:"effectiveDateTime,omitempty"`
	Issued            string                 `json:"issued,omitempty"`
	ValueQuantity     *Quantity              `json:"valueQuantity,omitempty"`
	ValueString       string                 `json:"valueString,omitempty"`
	Interpretation    []CodeableConcept      `json:"interpretation,omitempty"`
	Component         []ObservationComponent `json:"component,omitempty"`
}

// EffectiveTime parses effectiveDateTime, falling back to issued.
func (o *Observation) EffectiveTime() (time.Time, bool) {
	for _, s := range []string{o.EffectiveDateTime, o.Issued} {
		if s == "" {
			continue
		}
		if t, err := ParseTime(s); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

// AllergyIntolerance is a recorded allergy.
type AllergyIntolerance struct {
	ID           string           `json:"id"`
	Code         *CodeableConcept `json:"code,omitempty"`
	Criticality  string           `json:"criticality,omitempty"`
	RecordedDate string           `json:"recordedDate,omitempty"`
	Reaction     []struct {
		Manifestation []CodeableConcept `json:"manifestation,omitempty"`
		Severity      string            `json:"severity,omitempty"`
	} `json:"reaction,omitempty"`
}

// MedicationRequest is a medication order.
type MedicationRequest struct {
	ID                        string           `json:"id"`
	Status                    string           `json:"status,omitempty"`
	MedicationCodeableConcept *CodeableConcept `json:"medicationCodeableConcept,omitempty"`
	AuthoredOn                string           `json:"authoredOn,omitempty"`
	DosageInstruction         []struct {
		Text string `json:"text,omitempty"`
	} `json:"dosageInstruction,omitempty"`
}

// DocumentReference is a clinical note.
type DocumentReference struct {
	ID          string           `json:"id"`
	Type        *CodeableConcept `json:"type,omitempty"`
	Date        string           `json:"date,omitempty"`
	Description string           `json:"description,omitempty"`
	Content     []struct {
		Attachment Attachment `json:"attachment"`
	} `json:"content,omitempty"`
}

// ParseTime accepts the timestamp shapes the source emits: full RFC3339,
// date-time without zone, and bare dates.
func ParseTime(s string) (time.Time, error) {
	for _, layout := range []string{time.RFC3339, "2006-01-02T15:04:05", "2006-01-02"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized timestamp %q", s)
}
