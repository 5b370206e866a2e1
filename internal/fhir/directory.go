package fhir

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
)

// PractitionerInfo is the flattened practitioner view used by the booking
// selection steps.
type PractitionerInfo struct {
	ID        string
	Name      string
	Role      string
	Specialty string
}

const defaultRole = "General Practitioner"

// AvailablePractitioners lists active practitioners, optionally filtered by a
// name substring (case-insensitive).
func (c *Client) AvailablePractitioners(ctx context.Context, nameFilter string) ([]PractitionerInfo, error) {
	params := url.Values{}
	params.Set("active", "true")

	bundle, err := c.Search(ctx, "Practitioner", params)
	if err != nil {
		return nil, fmt.Errorf("fhir: practitioner search failed: %w", err)
	}

	filter := strings.ToLower(strings.TrimSpace(nameFilter))

	var infos []PractitionerInfo
	for _, entry := range bundle.Entry {
		var p Practitioner
		if err := json.Unmarshal(entry.Resource, &p); err != nil {
			continue
		}
		name := ResourceName(p.Name)
		if name == "" || p.ID == "" {
			continue
		}
		if filter != "" && !strings.Contains(strings.ToLower(name), filter) {
			continue
		}
		role := defaultRole
		specialty := "General Practice"
		if len(p.Qualification) > 0 && p.Qualification[0].Code.Text != "" {
			role = p.Qualification[0].Code.Text
			specialty = role
		}
		infos = append(infos, PractitionerInfo{
			ID:        p.ID,
			Name:      name,
			Role:      role,
			Specialty: specialty,
		})
	}
	return infos, nil
}

// PatientByEmail looks up a patient record by email address. Returns
// ErrNotFound when no patient matches.
func (c *Client) PatientByEmail(ctx context.Context, email string) (*Patient, error) {
	params := url.Values{}
	params.Set("email", email)

	bundle, err := c.Search(ctx, "Patient", params)
	if err != nil {
		return nil, fmt.Errorf("fhir: patient search failed: %w", err)
	}
	if len(bundle.Entry) == 0 {
		return nil, ErrNotFound
	}

	var patient Patient
	if err := json.Unmarshal(bundle.Entry[0].Resource, &patient); err != nil {
		return nil, fmt.Errorf("fhir: failed to decode patient: %w", err)
	}
	return &patient, nil
}
