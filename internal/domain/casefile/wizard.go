package casefile

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

type WizardState string

const (
	StepDetails   WizardState = "details"
	StepLocation  WizardState = "location"
	StepAnimal    WizardState = "animal"
	StepContact   WizardState = "contact"
	StepReview    WizardState = "review"
	StepSubmitted WizardState = "submitted"
)

type WizardEvent string

const (
	EventNext   WizardEvent = "next"
	EventBack   WizardEvent = "back"
	EventSubmit WizardEvent = "submit"
)

var ErrInvalidTransition = errors.New("invalid wizard transition")

// wizardTransitions is the complete step graph of the public report form.
var wizardTransitions = map[WizardState]map[WizardEvent]WizardState{
	StepDetails:  {EventNext: StepLocation},
	StepLocation: {EventNext: StepAnimal, EventBack: StepDetails},
	StepAnimal:   {EventNext: StepContact, EventBack: StepLocation},
	StepContact:  {EventNext: StepReview, EventBack: StepAnimal},
	StepReview:   {EventSubmit: StepSubmitted, EventBack: StepContact},
}

// Report is everything the public wizard collects.
type Report struct {
	Category       string        `json:"category"`
	Description    string        `json:"description"`
	ReportedAt     *time.Time    `json:"reportedAt,omitempty"`
	LocationText   string        `json:"locationText"`
	Latitude       *float64      `json:"latitude,omitempty"`
	Longitude      *float64      `json:"longitude,omitempty"`
	ChipID         string        `json:"chipId,omitempty"`
	Form           *FormEnvelope `json:"form,omitempty"`
	ReporterName   string        `json:"reporterName,omitempty"`
	ReporterPhone  string        `json:"reporterPhone,omitempty"`
	ExternalCaseID string        `json:"externalCaseId,omitempty"`
}

// Wizard is the state machine behind the public intake form. The client
// holds the state between requests; the server replays each event.
type Wizard struct {
	State  WizardState `json:"state"`
	Report Report      `json:"report"`
}

func NewWizard() *Wizard {
	return &Wizard{State: StepDetails}
}

// Fire applies event. Leaving a step forwards requires that step to be
// complete. On error the state is unchanged.
func (w *Wizard) Fire(event WizardEvent) error {
	next, ok := wizardTransitions[w.State][event]
	if !ok {
		return fmt.Errorf("%w: %s from %s", ErrInvalidTransition, event, w.State)
	}
	if event != EventBack {
		if err := w.checkStep(w.State); err != nil {
			return err
		}
	}
	w.State = next
	return nil
}

func (w *Wizard) checkStep(step WizardState) error {
	r := &w.Report
	switch step {
	case StepDetails:
		if strings.TrimSpace(r.Category) == "" {
			return fmt.Errorf("%w: category is required", ErrInvalid)
		}
		if strings.TrimSpace(r.Description) == "" {
			return fmt.Errorf("%w: description is required", ErrInvalid)
		}
	case StepLocation:
		if (r.Latitude == nil) != (r.Longitude == nil) {
			return fmt.Errorf("%w: latitude and longitude must be given together", ErrInvalid)
		}
		if strings.TrimSpace(r.LocationText) == "" && r.Latitude == nil {
			return fmt.Errorf("%w: an address or a map position is required", ErrInvalid)
		}
	case StepAnimal:
		return r.Form.Validate()
	case StepContact:
		if r.ReporterPhone != "" && len(strings.TrimSpace(r.ReporterPhone)) < 6 {
			return fmt.Errorf("%w: phone number too short", ErrInvalid)
		}
	case StepReview:
		for _, s := range []WizardState{StepDetails, StepLocation, StepAnimal, StepContact} {
			if err := w.checkStep(s); err != nil {
				return err
			}
		}
	}
	return nil
}

// Submit fires the submit event and returns the case built from the report.
// Reporter contact details are not part of the case; see Service.SubmitReport.
func (w *Wizard) Submit() (*Case, error) {
	if err := w.Fire(EventSubmit); err != nil {
		return nil, err
	}
	r := w.Report
	c := &Case{
		Category:     strings.TrimSpace(r.Category),
		Description:  strings.TrimSpace(r.Description),
		LocationText: strings.TrimSpace(r.LocationText),
		Latitude:     r.Latitude,
		Longitude:    r.Longitude,
		Form:         r.Form,
	}
	if r.ReportedAt != nil {
		c.ReportedAt = *r.ReportedAt
	}
	if r.ChipID != "" {
		chip := r.ChipID
		c.ChipID = &chip
	}
	if r.ExternalCaseID != "" {
		ext := r.ExternalCaseID
		c.ExternalCaseID = &ext
	}
	return c, nil
}
