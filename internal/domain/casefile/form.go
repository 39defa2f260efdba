package casefile

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
)

// FormKind names a case-form variant.
type FormKind string

const (
	FormHouseholdVisit FormKind = "household_visit"
	FormStrayDogVisit  FormKind = "stray_dog_visit"
)

// Form is the closed set of structured forms a field officer can attach to a
// case. Each variant validates its own fields.
type Form interface {
	Kind() FormKind
	Validate() error
}

// HouseholdVisitForm records a welfare check at a private residence.
type HouseholdVisitForm struct {
	Address         string   `json:"address"`
	OccupantPresent bool     `json:"occupantPresent"`
	AnimalCount     int      `json:"animalCount"`
	Species         []string `json:"species,omitempty"`
	ShelterAdequate bool     `json:"shelterAdequate"`
	WaterAvailable  bool     `json:"waterAvailable"`
	Observations    string   `json:"observations,omitempty"`
}

func (HouseholdVisitForm) Kind() FormKind { return FormHouseholdVisit }

func (f HouseholdVisitForm) Validate() error {
	if strings.TrimSpace(f.Address) == "" {
		return fmt.Errorf("%w: household visit requires an address", ErrInvalid)
	}
	if f.AnimalCount < 0 {
		return fmt.Errorf("%w: animal count cannot be negative", ErrInvalid)
	}
	return nil
}

// StrayDogVisitForm records an encounter with a roaming dog.
type StrayDogVisitForm struct {
	Sex            string `json:"sex,omitempty"`
	ApproxAgeYears int    `json:"approxAgeYears,omitempty"`
	Color          string `json:"color,omitempty"`
	Injured        bool   `json:"injured"`
	Aggressive     bool   `json:"aggressive"`
	Captured       bool   `json:"captured"`
	ChipScanned    bool   `json:"chipScanned"`
	Notes          string `json:"notes,omitempty"`
}

func (StrayDogVisitForm) Kind() FormKind { return FormStrayDogVisit }

func (f StrayDogVisitForm) Validate() error {
	switch f.Sex {
	case "", "male", "female", "unknown":
	default:
		return fmt.Errorf("%w: sex must be male, female or unknown", ErrInvalid)
	}
	if f.ApproxAgeYears < 0 || f.ApproxAgeYears > 30 {
		return fmt.Errorf("%w: approximate age out of range", ErrInvalid)
	}
	return nil
}

// FormEnvelope carries a Form as {"kind": "...", "data": {...}}.
type FormEnvelope struct {
	Form Form
}

type rawEnvelope struct {
	Kind FormKind        `json:"kind"`
	Data json.RawMessage `json:"data"`
}

func (e FormEnvelope) MarshalJSON() ([]byte, error) {
	if e.Form == nil {
		return []byte("null"), nil
	}
	data, err := json.Marshal(e.Form)
	if err != nil {
		return nil, err
	}
	return json.Marshal(rawEnvelope{Kind: e.Form.Kind(), Data: data})
}

func (e *FormEnvelope) UnmarshalJSON(b []byte) error {
	if bytes.Equal(bytes.TrimSpace(b), []byte("null")) {
		e.Form = nil
		return nil
	}

	var raw rawEnvelope
	if err := json.Unmarshal(b, &raw); err != nil {
		return fmt.Errorf("%w: malformed form: %v", ErrInvalid, err)
	}
	if len(raw.Data) == 0 {
		return fmt.Errorf("%w: form %q has no data", ErrInvalid, raw.Kind)
	}

	var form Form
	switch raw.Kind {
	case FormHouseholdVisit:
		var f HouseholdVisitForm
		if err := decodeStrict(raw.Data, &f); err != nil {
			return err
		}
		form = f
	case FormStrayDogVisit:
		var f StrayDogVisitForm
		if err := decodeStrict(raw.Data, &f); err != nil {
			return err
		}
		form = f
	default:
		return fmt.Errorf("%w: unknown form kind %q", ErrInvalid, raw.Kind)
	}
	e.Form = form
	return nil
}

func (e *FormEnvelope) Validate() error {
	if e == nil || e.Form == nil {
		return nil
	}
	return e.Form.Validate()
}

func decodeStrict(data []byte, v interface{}) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("%w: form data: %v", ErrInvalid, err)
	}
	return nil
}
