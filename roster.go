package consult

import (
	"fmt"
	"strings"
)

// SpecialistDescriptor is the immutable identity of one specialist.
type SpecialistDescriptor struct {
	ID             string `yaml:"id" json:"id"`
	DisplayName    string `yaml:"display_name" json:"displayName"`
	PromptTemplate string `yaml:"prompt" json:"prompt,omitempty"` // System instruction; a generic persona is used when empty
}

// persona returns the system instruction for this specialist.
func (d SpecialistDescriptor) persona() string {
	if d.PromptTemplate != "" {
		return d.PromptTemplate
	}
	return fmt.Sprintf("You are an experienced %s. Analyze the patient's exams strictly within your specialty "+
		"and answer only with the requested JSON.", strings.ToLower(d.label()))
}

// Roster is the ordered list of specialists consulted for every case.
// Roster order fixes the order of structured findings.
type Roster []SpecialistDescriptor

// Validate rejects empty rosters, blank ids and duplicate ids.
func (r Roster) Validate() error {
	if len(r) == 0 {
		return fmt.Errorf("roster is empty")
	}
	seen := make(map[string]struct{}, len(r))
	for i, d := range r {
		if strings.TrimSpace(d.ID) == "" {
			return fmt.Errorf("roster entry %d: id required", i)
		}
		if _, dup := seen[d.ID]; dup {
			return fmt.Errorf("roster entry %d: duplicate id %q", i, d.ID)
		}
		seen[d.ID] = struct{}{}
	}
	return nil
}

// IDs returns the specialist ids in roster order.
func (r Roster) IDs() []string {
	ids := make([]string, len(r))
	for i, d := range r {
		ids[i] = d.ID
	}
	return ids
}

// label returns the display name, or the id when no display name is set.
func (d SpecialistDescriptor) label() string {
	if d.DisplayName != "" {
		return d.DisplayName
	}
	return d.ID
}

// DefaultRoster returns the standard specialist panel plus the clinical validator.
func DefaultRoster() Roster {
	return Roster{
		{ID: "cardiologist", DisplayName: "Cardiologist"},
		{ID: "dermatologist", DisplayName: "Dermatologist"},
		{ID: "endocrinologist", DisplayName: "Endocrinologist"},
		{ID: "gastroenterologist", DisplayName: "Gastroenterologist"},
		{ID: "general_practitioner", DisplayName: "General Practitioner"},
		{ID: "geriatrician", DisplayName: "Geriatrician"},
		{ID: "gynecologist", DisplayName: "Gynecologist"},
		{ID: "hematologist", DisplayName: "Hematologist"},
		{ID: "infectologist", DisplayName: "Infectologist"},
		{ID: "nephrologist", DisplayName: "Nephrologist"},
		{ID: "neurologist", DisplayName: "Neurologist"},
		{ID: "nutritionist", DisplayName: "Nutritionist"},
		{ID: "oncologist", DisplayName: "Oncologist"},
		{ID: "ophthalmologist", DisplayName: "Ophthalmologist"},
		{ID: "orthopedist", DisplayName: "Orthopedist"},
		{ID: "otorhinolaryngologist", DisplayName: "Otorhinolaryngologist"},
		{ID: "pediatrician", DisplayName: "Pediatrician"},
		{ID: "psychiatrist", DisplayName: "Psychiatrist"},
		{ID: "pulmonologist", DisplayName: "Pulmonologist"},
		{ID: "rheumatologist", DisplayName: "Rheumatologist"},
		{ID: "urologist", DisplayName: "Urologist"},
		{
			ID:          "clinical_validator",
			DisplayName: "Clinical Validator",
			PromptTemplate: "You are a senior clinician validating a multi-specialist review. Check the exams for " +
				"inconsistencies, missing data, and findings that need confirmation, and answer only with the requested JSON.",
		},
	}
}
