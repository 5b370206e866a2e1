package fhir

import (
	"encoding/json"
	"strings"
	"time"
)

// Bundle is a FHIR search result set.
type Bundle struct {
	ResourceType string        `json:"resourceType"`
	Total        int           `json:"total,omitempty"`
	Entry        []BundleEntry `json:"entry,omitempty"`
}

// BundleEntry wraps one resource in a bundle.
type BundleEntry struct {
	Resource json.RawMessage `json:"resource"`
}

// Reference points at another resource, e.g. "Practitioner/123".
type Reference struct {
	Reference string `json:"reference,omitempty"`
	Type      string `json:"type,omitempty"`
}

// ID returns the id part of a "Type/id" reference.
func (r Reference) ID() string {
	if i := strings.LastIndex(r.Reference, "/"); i >= 0 {
		return r.Reference[i+1:]
	}
	return r.Reference
}

// HumanName is the FHIR name element.
type HumanName struct {
	Text   string   `json:"text,omitempty"`
	Family string   `json:"family,omitempty"`
	Given  []string `json:"given,omitempty"`
}

// CodeableText carries the free-text form of a codeable concept.
type CodeableText struct {
	Text string `json:"text,omitempty"`
}

// ContactPoint is a telecom entry (email, phone).
type ContactPoint struct {
	System string `json:"system,omitempty"`
	Value  string `json:"value,omitempty"`
}

// Practitioner is the subset of the FHIR Practitioner resource the booking
// flow needs.
type Practitioner struct {
	ResourceType  string        `json:"resourceType,omitempty"`
	ID            string        `json:"id,omitempty"`
	Active        bool          `json:"active,omitempty"`
	Name          []HumanName   `json:"name,omitempty"`
	Qualification []struct {
		Code CodeableText `json:"code"`
	} `json:"qualification,omitempty"`
}

// Patient is the subset of the FHIR Patient resource the session needs.
type Patient struct {
	ResourceType string         `json:"resourceType,omitempty"`
	ID           string         `json:"id,omitempty"`
	Name         []HumanName    `json:"name,omitempty"`
	Telecom      []ContactPoint `json:"telecom,omitempty"`
}

// Slot is a fixed-duration schedulable unit of a practitioner's calendar.
type Slot struct {
	ResourceType string    `json:"resourceType,omitempty"`
	ID           string    `json:"id,omitempty"`
	Schedule     Reference `json:"schedule,omitempty"`
	Status       string    `json:"status,omitempty"` // "free" or "busy"
	Start        time.Time `json:"start"`
	End          time.Time `json:"end"`
}

// Slot status values.
const (
	SlotFree = "free"
	SlotBusy = "busy"
)

// Participant is one actor on an appointment.
type Participant struct {
	Actor  Reference `json:"actor"`
	Status string    `json:"status,omitempty"`
}

// Appointment is the subset of the FHIR Appointment resource the booking flow
// reads and writes.
type Appointment struct {
	ResourceType    string         `json:"resourceType,omitempty"`
	ID              string         `json:"id,omitempty"`
	Status          string         `json:"status,omitempty"`
	Description     string         `json:"description,omitempty"`
	Start           time.Time      `json:"start"`
	End             time.Time      `json:"end"`
	MinutesDuration int            `json:"minutesDuration,omitempty"`
	Slot            []Reference    `json:"slot,omitempty"`
	Participant     []Participant  `json:"participant,omitempty"`
	AppointmentType *CodeableText  `json:"appointmentType,omitempty"`
	Reason          []CodeableText `json:"reason,omitempty"`
	Created         *time.Time     `json:"created,omitempty"`
}

// PractitionerRef returns the practitioner participant reference, if any.
func (a Appointment) PractitionerRef() (Reference, bool) {
	for _, p := range a.Participant {
		if p.Actor.Type == "Practitioner" || strings.HasPrefix(p.Actor.Reference, "Practitioner/") {
			return p.Actor, true
		}
	}
	return Reference{}, false
}

// ResourceName extracts a display name from a FHIR name list: the text form
// when present, otherwise given + family.
func ResourceName(names []HumanName) string {
	if len(names) == 0 {
		return ""
	}
	n := names[0]
	if n.Text != "" {
		return n.Text
	}
	parts := make([]string, 0, 2)
	if len(n.Given) > 0 && n.Given[0] != "" {
		parts = append(parts, n.Given[0])
	}
	if n.Family != "" {
		parts = append(parts, n.Family)
	}
	return strings.Join(parts, " ")
}
