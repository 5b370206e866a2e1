// Package booking drives the multi-step appointment-booking dialogue on top
// of the session store and the slot allocator.
package booking

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/annahealth/assistant-platform/internal/fhir"
	"github.com/annahealth/assistant-platform/internal/observability/metrics"
	"github.com/annahealth/assistant-platform/internal/scheduling"
	"github.com/annahealth/assistant-platform/internal/session"
	"github.com/annahealth/assistant-platform/pkg/logging"
)

const defaultVisitType = "consultation"

// SlotSource is the slice of the allocator the machine needs.
type SlotSource interface {
	FindFreeSlot(ctx context.Context, scheduleRef string, at time.Time) (*fhir.Slot, error)
	Book(ctx context.Context, req scheduling.BookingRequest) (*fhir.Appointment, error)
}

// Directory lists practitioners for the selection steps.
type Directory interface {
	AvailablePractitioners(ctx context.Context, nameFilter string) ([]fhir.PractitionerInfo, error)
}

// Booked describes a completed booking, for confirmation notifications.
type Booked struct {
	AppointmentID    string
	PractitionerName string
	VisitType        string
	Reason           string
	Start            time.Time
}

// Reply is what the machine hands back to the conversation layer.
type Reply struct {
	Messages []string
	Booked   *Booked
}

func reply(messages ...string) *Reply {
	return &Reply{Messages: messages}
}

// Machine sequences the booking steps. Every session mutation is persisted
// through the session store before a reply is returned.
type Machine struct {
	sessions   *session.Store
	slots      SlotSource
	directory  Directory
	negotiator *Negotiator
	schedule   string
	logger     *logging.Logger
	metrics    *metrics.BookingMetrics

	// now is overridable in tests.
	now func() time.Time
}

// NewMachine wires the booking state machine.
func NewMachine(sessions *session.Store, slots SlotSource, directory Directory, negotiator *Negotiator, schedule string, logger *logging.Logger, m *metrics.BookingMetrics) *Machine {
	if logger == nil {
		logger = logging.Default()
	}
	if negotiator == nil {
		negotiator = NewNegotiator(9, 17, 30, time.UTC)
	}
	return &Machine{
		sessions:   sessions,
		slots:      slots,
		directory:  directory,
		negotiator: negotiator,
		schedule:   schedule,
		logger:     logger,
		metrics:    m,
		now:        time.Now,
	}
}

// Start begins a new booking dialogue on the session.
func (m *Machine) Start(ctx context.Context, sess *session.Session) (*Reply, error) {
	practitioners, err := m.directory.AvailablePractitioners(ctx, "")
	if err != nil {
		m.logger.Error("booking: practitioner listing failed", "session_id", sess.ID, "error", err)
		return reply("I'm sorry, I couldn't reach the scheduling system. Please try again later."), nil
	}
	if len(practitioners) == 0 {
		return reply("I apologize, but no healthcare providers are currently available."), nil
	}

	sess.BookingState = &session.BookingState{
		Step:            session.StepInitialChoice,
		Schedule:        m.schedule,
		AppointmentInfo: session.AppointmentInfo{VisitType: defaultVisitType},
	}
	if err := m.sessions.Save(ctx, sess.ID, sess); err != nil {
		return nil, err
	}

	return reply(
		"How would you like to find a healthcare provider?\n\n" +
			"1. Search by practitioner name\n" +
			"2. Search by role (Doctor, Nurse, Specialist)\n\n" +
			"Or type 'cancel' to stop booking.",
	), nil
}

// HandleMessage advances the dialogue one step. The literal input "cancel"
// (case-insensitive) terminates the flow from any state and is checked before
// any step-specific parsing.
func (m *Machine) HandleMessage(ctx context.Context, sess *session.Session, input string) (*Reply, error) {
	state := sess.BookingState
	if state == nil {
		return m.Start(ctx, sess)
	}

	input = strings.TrimSpace(input)

	if strings.EqualFold(input, "cancel") {
		return m.cancel(ctx, sess)
	}

	m.metrics.ObserveStep(string(state.Step))

	switch state.Step {
	case session.StepInitialChoice:
		return m.handleInitialChoice(ctx, sess, input)
	case session.StepSelectRole:
		return m.handleSelectRole(ctx, sess, input)
	case session.StepSelectPractitioner:
		return m.handleSelectPractitioner(ctx, sess, input)
	case session.StepEnterReason:
		return m.handleEnterReason(ctx, sess, input)
	case session.StepSelectDateTime:
		return m.handleSelectDateTime(ctx, sess, input)
	case session.StepConfirmBooking:
		return m.handleConfirmBooking(ctx, sess, input)
	default:
		// Corrupted or unknown step: fatal to this booking flow only.
		m.logger.Error("booking: unknown step, clearing state", "session_id", sess.ID, "step", string(state.Step))
		return m.fail(ctx, sess, "Something went wrong with your booking. Please start over by asking to book an appointment.")
	}
}

func (m *Machine) cancel(ctx context.Context, sess *session.Session) (*Reply, error) {
	sess.ClearBooking()
	if err := m.sessions.Save(ctx, sess.ID, sess); err != nil {
		return nil, err
	}
	m.metrics.ObserveOutcome("cancelled")
	return reply("Booking cancelled. Is there anything else I can help you with?"), nil
}

// fail clears the booking state and tells the user to restart.
func (m *Machine) fail(ctx context.Context, sess *session.Session, message string) (*Reply, error) {
	sess.ClearBooking()
	if err := m.sessions.Save(ctx, sess.ID, sess); err != nil {
		return nil, err
	}
	m.metrics.ObserveOutcome("error")
	return reply(message), nil
}

func (m *Machine) handleInitialChoice(ctx context.Context, sess *session.Session, input string) (*Reply, error) {
	switch input {
	case "1":
		return m.listPractitioners(ctx, sess, "")
	case "2":
		return m.listRoles(ctx, sess)
	default:
		return reply(
			"Please select a valid option:\n\n" +
				"1. Search by practitioner name\n" +
				"2. Search by role (Doctor, Nurse, Specialist)\n\n" +
				"Or type 'cancel' to stop booking.",
		), nil
	}
}

func (m *Machine) listPractitioners(ctx context.Context, sess *session.Session, role string) (*Reply, error) {
	practitioners, err := m.directory.AvailablePractitioners(ctx, "")
	if err != nil {
		m.logger.Error("booking: practitioner listing failed", "session_id", sess.ID, "error", err)
		return m.fail(ctx, sess, "I couldn't reach the scheduling system. Please start over by asking to book an appointment.")
	}
	if role != "" {
		var filtered []fhir.PractitionerInfo
		for _, p := range practitioners {
			if p.Role == role {
				filtered = append(filtered, p)
			}
		}
		practitioners = filtered
	}
	if len(practitioners) == 0 {
		if role != "" {
			return reply(fmt.Sprintf("I apologize, but no %ss are currently available.", role)), nil
		}
		return m.fail(ctx, sess, "I apologize, but no healthcare providers are currently available.")
	}

	header := "Please select a practitioner by number:"
	if role != "" {
		header = fmt.Sprintf("Please select a %s by number:", role)
	}
	lines := []string{header}
	choices := make(map[string]string, len(practitioners))
	for i, p := range practitioners {
		lines = append(lines, fmt.Sprintf("%d. %s - %s", i+1, p.Name, p.Specialty))
		choices[fmt.Sprintf("%d", i+1)] = p.ID
	}
	lines = append(lines, "\nEnter the number of your choice, or type 'cancel' to stop booking.")

	state := sess.BookingState
	state.Practitioners = choices
	state.Roles = nil
	state.Step = session.StepSelectPractitioner
	if err := m.sessions.Save(ctx, sess.ID, sess); err != nil {
		return nil, err
	}
	return reply(strings.Join(lines, "\n")), nil
}

func (m *Machine) listRoles(ctx context.Context, sess *session.Session) (*Reply, error) {
	practitioners, err := m.directory.AvailablePractitioners(ctx, "")
	if err != nil {
		m.logger.Error("booking: practitioner listing failed", "session_id", sess.ID, "error", err)
		return m.fail(ctx, sess, "I couldn't reach the scheduling system. Please start over by asking to book an appointment.")
	}
	if len(practitioners) == 0 {
		return m.fail(ctx, sess, "I apologize, but no healthcare providers are currently available.")
	}

	seen := map[string]bool{}
	var roles []string
	for _, p := range practitioners {
		if !seen[p.Role] {
			seen[p.Role] = true
			roles = append(roles, p.Role)
		}
	}
	sort.Strings(roles)

	lines := []string{"Please select a healthcare provider role:"}
	choices := make(map[string]string, len(roles))
	for i, role := range roles {
		lines = append(lines, fmt.Sprintf("%d. %s", i+1, role))
		choices[fmt.Sprintf("%d", i+1)] = role
	}
	lines = append(lines, "\nEnter the number of your choice, or type 'cancel' to stop booking.")

	state := sess.BookingState
	state.Roles = choices
	state.Step = session.StepSelectRole
	if err := m.sessions.Save(ctx, sess.ID, sess); err != nil {
		return nil, err
	}
	return reply(strings.Join(lines, "\n")), nil
}

func (m *Machine) handleSelectRole(ctx context.Context, sess *session.Session, input string) (*Reply, error) {
	state := sess.BookingState
	if len(state.Roles) == 0 {
		m.logger.Error("booking: select_role with no role choices", "session_id", sess.ID)
		return m.fail(ctx, sess, "Something went wrong with your booking. Please start over by asking to book an appointment.")
	}

	role, ok := state.Roles[input]
	if !ok {
		lines := []string{"Please select a valid role number:"}
		for _, key := range sortedKeys(state.Roles) {
			lines = append(lines, fmt.Sprintf("%s. %s", key, state.Roles[key]))
		}
		lines = append(lines, "\nOr type 'cancel' to stop booking.")
		return reply(strings.Join(lines, "\n")), nil
	}

	return m.listPractitioners(ctx, sess, role)
}

func (m *Machine) handleSelectPractitioner(ctx context.Context, sess *session.Session, input string) (*Reply, error) {
	state := sess.BookingState
	if len(state.Practitioners) == 0 {
		m.logger.Error("booking: select_practitioner with no choices", "session_id", sess.ID)
		return m.fail(ctx, sess, "Something went wrong with your booking. Please start over by asking to book an appointment.")
	}

	practitionerID, ok := state.Practitioners[input]
	if !ok {
		return reply("Please select a practitioner by entering their number, or type 'cancel' to stop booking."), nil
	}

	name, err := m.practitionerName(ctx, practitionerID)
	if err != nil {
		m.logger.Error("booking: practitioner lookup failed", "session_id", sess.ID, "practitioner_id", practitionerID, "error", err)
		return m.fail(ctx, sess, "I couldn't confirm that practitioner. Please start over by asking to book an appointment.")
	}

	state.AppointmentInfo.PractitionerID = practitionerID
	state.AppointmentInfo.PractitionerName = name
	state.Practitioners = nil
	state.Roles = nil
	state.Step = session.StepEnterReason
	if err := m.sessions.Save(ctx, sess.ID, sess); err != nil {
		return nil, err
	}

	return reply(fmt.Sprintf("You've selected %s.\n\nPlease enter the reason for your visit.", name)), nil
}

func (m *Machine) practitionerName(ctx context.Context, id string) (string, error) {
	practitioners, err := m.directory.AvailablePractitioners(ctx, "")
	if err != nil {
		return "", err
	}
	for _, p := range practitioners {
		if p.ID == id {
			return p.Name, nil
		}
	}
	return "", fmt.Errorf("booking: practitioner %s not found", id)
}

func (m *Machine) handleEnterReason(ctx context.Context, sess *session.Session, input string) (*Reply, error) {
	if input == "" {
		return reply("Please provide a brief reason for your visit, or type 'cancel' to stop booking."), nil
	}

	state := sess.BookingState
	state.AppointmentInfo.Reason = input
	state.Step = session.StepSelectDateTime
	if err := m.sessions.Save(ctx, sess.ID, sess); err != nil {
		return nil, err
	}

	return reply(
		"Please enter your preferred date and time for the appointment.\n\n" +
			"For example:\n" +
			"- Tomorrow at 2pm\n" +
			"- Next Tuesday at 10:30am\n" +
			"- December 1st at 3pm\n\n" +
			"Our hours are 9 AM to 5 PM, Monday through Friday.",
	), nil
}

func (m *Machine) handleSelectDateTime(ctx context.Context, sess *session.Session, input string) (*Reply, error) {
	state := sess.BookingState

	when, err := m.negotiator.Parse(input, m.now())
	if err != nil {
		switch {
		case errors.Is(err, ErrWeekend):
			return reply("We are only open Monday through Friday. Please choose a weekday."), nil
		case errors.Is(err, ErrOutsideHours):
			return reply(fmt.Sprintf("Our hours are %s to %s. Please select a time within these hours.",
				formatHour(m.negotiator.HourStart), formatHour(m.negotiator.HourEnd))), nil
		default:
			return reply("I couldn't understand that date/time. Please try a format like 'December 9th at 1pm' or 'next Monday at 2 PM'."), nil
		}
	}

	scheduleRef := state.Schedule
	if !strings.HasPrefix(scheduleRef, "Schedule/") {
		scheduleRef = "Schedule/" + scheduleRef
	}

	slot, err := m.slots.FindFreeSlot(ctx, scheduleRef, when)
	if err != nil {
		if errors.Is(err, scheduling.ErrNoSlot) {
			return reply("That time slot is not available. Please select another time."), nil
		}
		m.logger.Error("booking: slot search failed", "session_id", sess.ID, "error", err)
		return m.fail(ctx, sess, "I couldn't check slot availability. Please start over by asking to book an appointment.")
	}

	start := slot.Start
	end := slot.End
	state.AppointmentInfo.Slot = &session.SlotRef{ID: slot.ID, Start: start, End: end}
	state.AppointmentInfo.Start = &start
	state.AppointmentInfo.End = &end
	state.Step = session.StepConfirmBooking
	if err := m.sessions.Save(ctx, sess.ID, sess); err != nil {
		return nil, err
	}

	info := state.AppointmentInfo
	return reply(fmt.Sprintf(
		"Please confirm your appointment:\n\n"+
			"Provider: %s\n"+
			"Type: %s\n"+
			"Time: %s\n"+
			"Reason: %s\n\n"+
			"Type 'confirm' to book or 'cancel' to start over.",
		info.PractitionerName, titleCase(info.VisitType), FormatFriendlyTime(start), reasonOrDefault(info.Reason),
	)), nil
}

func (m *Machine) handleConfirmBooking(ctx context.Context, sess *session.Session, input string) (*Reply, error) {
	switch strings.ToLower(input) {
	case "confirm", "yes", "y":
	default:
		return reply("Please type 'confirm' to book the appointment or 'cancel' to start over."), nil
	}

	state := sess.BookingState
	info := state.AppointmentInfo

	// The held slot reference must still be complete before any write.
	if info.Slot == nil || info.Slot.ID == "" || info.Slot.Start.IsZero() || info.Slot.End.IsZero() {
		m.logger.Error("booking: incomplete slot reference at confirmation", "session_id", sess.ID)
		return m.fail(ctx, sess, "Something went wrong with your booking. Please start over by asking to book an appointment.")
	}

	patientID := ""
	if sess.Patient != nil {
		patientID = sess.Patient.ID
	}

	appt, err := m.slots.Book(ctx, scheduling.BookingRequest{
		SlotID:         info.Slot.ID,
		PatientID:      patientID,
		PractitionerID: info.PractitionerID,
		VisitType:      info.VisitType,
		Reason:         reasonOrDefault(info.Reason),
	})
	if err != nil {
		if errors.Is(err, scheduling.ErrSlotConflict) {
			// A concurrent booking took the slot. Back to time selection, no
			// silent retry.
			state.AppointmentInfo.Slot = nil
			state.AppointmentInfo.Start = nil
			state.AppointmentInfo.End = nil
			state.Step = session.StepSelectDateTime
			if saveErr := m.sessions.Save(ctx, sess.ID, sess); saveErr != nil {
				return nil, saveErr
			}
			return reply("I'm sorry, that time slot was just taken. Please select another time."), nil
		}
		// Scheduling-resource failure: the slot was not left busy, so keep
		// the state for a retry.
		m.logger.Error("booking: appointment creation failed", "session_id", sess.ID, "error", err)
		return reply("Your booking could not be completed. Please type 'confirm' to try again, or 'cancel' to stop."), nil
	}

	booked := &Booked{
		AppointmentID:    appt.ID,
		PractitionerName: info.PractitionerName,
		VisitType:        info.VisitType,
		Reason:           reasonOrDefault(info.Reason),
		Start:            info.Slot.Start,
	}

	sess.ClearBooking()
	if err := m.sessions.Save(ctx, sess.ID, sess); err != nil {
		return nil, err
	}

	return &Reply{
		Messages: []string{fmt.Sprintf(
			"Your appointment has been confirmed!\n\n"+
				"Provider: %s\n"+
				"Type: %s\n"+
				"Time: %s\n"+
				"Reason: %s\n\n"+
				"You will receive a confirmation email shortly. Is there anything else I can help you with?",
			booked.PractitionerName, titleCase(booked.VisitType), FormatFriendlyTime(booked.Start), booked.Reason,
		)},
		Booked: booked,
	}, nil
}

func reasonOrDefault(reason string) string {
	if strings.TrimSpace(reason) == "" {
		return "General consultation"
	}
	return reason
}

func titleCase(s string) string {
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}

func formatHour(hour int) string {
	switch {
	case hour == 0:
		return "12 AM"
	case hour < 12:
		return fmt.Sprintf("%d AM", hour)
	case hour == 12:
		return "12 PM"
	default:
		return fmt.Sprintf("%d PM", hour-12)
	}
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
