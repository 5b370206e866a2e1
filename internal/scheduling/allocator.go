// Package scheduling wraps the clinical calendar: finding free slots and
// reserving them with an optimistic status transition.
package scheduling

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/annahealth/assistant-platform/internal/fhir"
	"github.com/annahealth/assistant-platform/internal/observability/metrics"
	"github.com/annahealth/assistant-platform/pkg/logging"
)

var (
	// ErrNoSlot means no free slot exists at the requested instant.
	ErrNoSlot = errors.New("scheduling: no free slot at requested time")
	// ErrSlotConflict means a concurrent booking took the slot first. This is
	// a normal outcome, not an exceptional error.
	ErrSlotConflict = errors.New("scheduling: slot no longer available")
)

// Allocator mediates access to the shared Slot resource.
type Allocator struct {
	fhir    *fhir.Client
	logger  *logging.Logger
	metrics *metrics.BookingMetrics
}

// NewAllocator creates an allocator over the given FHIR client.
func NewAllocator(client *fhir.Client, logger *logging.Logger, m *metrics.BookingMetrics) *Allocator {
	if client == nil {
		panic("scheduling: fhir client cannot be nil")
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &Allocator{fhir: client, logger: logger, metrics: m}
}

// FindFreeSlot looks for a free slot on the schedule starting exactly at the
// given instant.
func (a *Allocator) FindFreeSlot(ctx context.Context, scheduleRef string, at time.Time) (*fhir.Slot, error) {
	params := url.Values{}
	params.Set("schedule", scheduleRef)
	params.Set("start", "eq"+at.UTC().Format(time.RFC3339))
	params.Set("status", fhir.SlotFree)

	bundle, err := a.fhir.Search(ctx, "Slot", params)
	if err != nil {
		return nil, fmt.Errorf("scheduling: slot search failed: %w", err)
	}
	if len(bundle.Entry) == 0 {
		return nil, ErrNoSlot
	}

	var slot fhir.Slot
	if err := json.Unmarshal(bundle.Entry[0].Resource, &slot); err != nil {
		return nil, fmt.Errorf("scheduling: failed to decode slot: %w", err)
	}
	return &slot, nil
}

// Reserve transitions a slot free -> busy. The slot's current status is
// re-read immediately before the write; losing that race returns
// ErrSlotConflict. The caller is expected to re-prompt, never to retry in a
// loop.
func (a *Allocator) Reserve(ctx context.Context, slotID string) (*fhir.Slot, error) {
	var current fhir.Slot
	if err := a.fhir.Read(ctx, "Slot", slotID, &current); err != nil {
		if errors.Is(err, fhir.ErrNotFound) {
			a.metrics.ObserveSlotConflict()
			return nil, ErrSlotConflict
		}
		return nil, fmt.Errorf("scheduling: failed to re-read slot %s: %w", slotID, err)
	}
	if current.Status != fhir.SlotFree {
		a.metrics.ObserveSlotConflict()
		return nil, ErrSlotConflict
	}

	current.Status = fhir.SlotBusy
	if err := a.fhir.Update(ctx, "Slot", slotID, current, &current); err != nil {
		if errors.Is(err, fhir.ErrConflict) || errors.Is(err, fhir.ErrNotFound) {
			a.metrics.ObserveSlotConflict()
			return nil, ErrSlotConflict
		}
		return nil, fmt.Errorf("scheduling: failed to reserve slot %s: %w", slotID, err)
	}
	return &current, nil
}

// release returns a reserved slot to free after a failed booking.
func (a *Allocator) release(ctx context.Context, slot *fhir.Slot) error {
	slot.Status = fhir.SlotFree
	if err := a.fhir.Update(ctx, "Slot", slot.ID, slot, nil); err != nil {
		return fmt.Errorf("scheduling: failed to release slot %s: %w", slot.ID, err)
	}
	return nil
}

// BookingRequest carries everything needed to create an appointment against a
// reserved slot.
type BookingRequest struct {
	SlotID         string
	PatientID      string
	PractitionerID string
	VisitType      string
	Reason         string
}

// Book reserves the slot and creates the appointment as one logical unit.
// On a lost reservation race it returns ErrSlotConflict with no side effects.
// If appointment creation fails after the slot was reserved, the slot is
// released again; if the release itself fails the inconsistency is logged as
// a reconciliation case.
func (a *Allocator) Book(ctx context.Context, req BookingRequest) (*fhir.Appointment, error) {
	slot, err := a.Reserve(ctx, req.SlotID)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	appt := fhir.Appointment{
		ResourceType:    "Appointment",
		Status:          "booked",
		Description:     req.Reason,
		Start:           slot.Start,
		End:             slot.End,
		MinutesDuration: int(slot.End.Sub(slot.Start).Minutes()),
		Slot:            []fhir.Reference{{Reference: "Slot/" + slot.ID}},
		Participant: []fhir.Participant{
			{Actor: fhir.Reference{Reference: "Patient/" + req.PatientID, Type: "Patient"}, Status: "accepted"},
			{Actor: fhir.Reference{Reference: "Practitioner/" + req.PractitionerID, Type: "Practitioner"}, Status: "accepted"},
		},
		AppointmentType: &fhir.CodeableText{Text: req.VisitType},
		Reason:          []fhir.CodeableText{{Text: req.Reason}},
		Created:         &now,
	}

	var created fhir.Appointment
	if err := a.fhir.Create(ctx, "Appointment", appt, &created); err != nil {
		if relErr := a.release(ctx, slot); relErr != nil {
			a.logger.Error("scheduling: slot reserved but appointment creation and release both failed, reconciliation required",
				"slot_id", slot.ID, "create_error", err, "release_error", relErr)
		} else {
			a.logger.Warn("scheduling: appointment creation failed, slot released", "slot_id", slot.ID, "error", err)
		}
		return nil, fmt.Errorf("scheduling: appointment creation failed: %w", err)
	}

	a.metrics.ObserveOutcome("booked")
	return &created, nil
}
