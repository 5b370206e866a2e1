package scheduling

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"sort"
	"time"

	"github.com/annahealth/assistant-platform/internal/fhir"
	"github.com/annahealth/assistant-platform/pkg/logging"
)

// ErrNoAppointment means the referenced appointment does not exist.
var ErrNoAppointment = errors.New("scheduling: appointment not found")

// Appointments reads and cancels booked appointments.
type Appointments struct {
	fhir   *fhir.Client
	logger *logging.Logger
}

// NewAppointments creates an appointment manager over the given FHIR client.
func NewAppointments(client *fhir.Client, logger *logging.Logger) *Appointments {
	if client == nil {
		panic("scheduling: fhir client cannot be nil")
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &Appointments{fhir: client, logger: logger}
}

// Upcoming returns the patient's booked future appointments, soonest first.
func (a *Appointments) Upcoming(ctx context.Context, patientID string) ([]fhir.Appointment, error) {
	params := url.Values{}
	params.Set("patient", "Patient/"+patientID)
	params.Set("status", "booked")
	params.Set("date", "ge"+time.Now().UTC().Format(time.RFC3339))

	bundle, err := a.fhir.Search(ctx, "Appointment", params)
	if err != nil {
		return nil, fmt.Errorf("scheduling: appointment search failed: %w", err)
	}

	appts := make([]fhir.Appointment, 0, len(bundle.Entry))
	for _, entry := range bundle.Entry {
		var appt fhir.Appointment
		if err := json.Unmarshal(entry.Resource, &appt); err != nil {
			a.logger.Warn("scheduling: skipping undecodable appointment entry", "error", err)
			continue
		}
		appts = append(appts, appt)
	}
	sort.Slice(appts, func(i, j int) bool { return appts[i].Start.Before(appts[j].Start) })
	return appts, nil
}

// Cancel marks the appointment cancelled and releases its slot back to free.
// A slot-release failure does not fail the cancellation; it is logged for
// reconciliation.
func (a *Appointments) Cancel(ctx context.Context, appointmentID string) error {
	var appt fhir.Appointment
	if err := a.fhir.Read(ctx, "Appointment", appointmentID, &appt); err != nil {
		if errors.Is(err, fhir.ErrNotFound) {
			return ErrNoAppointment
		}
		return fmt.Errorf("scheduling: failed to read appointment %s: %w", appointmentID, err)
	}
	if appt.Status == "cancelled" {
		return nil
	}

	appt.Status = "cancelled"
	if err := a.fhir.Update(ctx, "Appointment", appointmentID, appt, nil); err != nil {
		return fmt.Errorf("scheduling: failed to cancel appointment %s: %w", appointmentID, err)
	}

	for _, ref := range appt.Slot {
		slotID := ref.ID()
		if slotID == "" {
			continue
		}
		var slot fhir.Slot
		if err := a.fhir.Read(ctx, "Slot", slotID, &slot); err != nil {
			a.logger.Error("scheduling: cancelled appointment but slot read failed, reconciliation required",
				"appointment_id", appointmentID, "slot_id", slotID, "error", err)
			continue
		}
		slot.Status = fhir.SlotFree
		if err := a.fhir.Update(ctx, "Slot", slotID, slot, nil); err != nil {
			a.logger.Error("scheduling: cancelled appointment but slot release failed, reconciliation required",
				"appointment_id", appointmentID, "slot_id", slotID, "error", err)
		}
	}
	return nil
}
