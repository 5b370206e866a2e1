package conversation

import (
	"context"
	"errors"
	"fmt"

	"github.com/annahealth/assistant-platform/internal/fhir"
	"github.com/annahealth/assistant-platform/internal/session"
)

// PatientLookup is the slice of the clinical directory the verifier needs.
type PatientLookup interface {
	PatientByEmail(ctx context.Context, email string) (*fhir.Patient, error)
}

// Verifier resolves a contact email to a patient record. It satisfies
// session.PatientVerifier.
type Verifier struct {
	directory PatientLookup
}

// NewVerifier creates a patient verifier over the clinical directory.
func NewVerifier(directory PatientLookup) *Verifier {
	return &Verifier{directory: directory}
}

// PatientByEmail returns the patient reference for the email, or (nil, nil)
// when no patient record exists.
func (v *Verifier) PatientByEmail(ctx context.Context, email string) (*session.PatientRef, error) {
	patient, err := v.directory.PatientByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, fhir.ErrNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("conversation: patient lookup failed: %w", err)
	}
	ref := &session.PatientRef{
		ID:    patient.ID,
		Name:  fhir.ResourceName(patient.Name),
		Email: email,
	}
	for _, contact := range patient.Telecom {
		if contact.System == "phone" && contact.Value != "" {
			ref.Phone = contact.Value
			break
		}
	}
	return ref, nil
}
