package conversation

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/annahealth/assistant-platform/internal/booking"
	"github.com/annahealth/assistant-platform/internal/fhir"
	"github.com/annahealth/assistant-platform/internal/notify"
	"github.com/annahealth/assistant-platform/internal/session"
	"github.com/annahealth/assistant-platform/pkg/logging"
)

const (
	choiceKindCancelAppointment     = "cancel_appointment"
	choiceKindRescheduleAppointment = "reschedule_appointment"
)

// BookingFlow is the slice of the booking machine the service drives.
type BookingFlow interface {
	Start(ctx context.Context, sess *session.Session) (*booking.Reply, error)
	HandleMessage(ctx context.Context, sess *session.Session, input string) (*booking.Reply, error)
}

// AppointmentManager reads and cancels existing appointments.
type AppointmentManager interface {
	Upcoming(ctx context.Context, patientID string) ([]fhir.Appointment, error)
	Cancel(ctx context.Context, appointmentID string) error
}

// Archiver persists transcripts for long-term history.
type Archiver interface {
	SaveMessage(ctx context.Context, sessionID, role, content string) error
}

// ConfirmationSender delivers the post-booking confirmation.
type ConfirmationSender interface {
	SendAppointmentConfirmation(ctx context.Context, conf notify.AppointmentConfirmation)
}

// Service is the chat entry point. One call handles one user turn; turns for
// the same user are serialized so concurrent messages cannot interleave their
// read-modify-write of the session.
type Service struct {
	sessions     *session.Store
	booking      BookingFlow
	intents      IntentDetector
	appointments AppointmentManager
	archive      Archiver
	confirmer    ConfirmationSender
	logger       *logging.Logger

	mu    sync.Mutex
	locks map[string]*sync.Mutex

	now func() time.Time
}

// NewService wires the conversation orchestrator. archive and confirmer may
// be nil.
func NewService(sessions *session.Store, flow BookingFlow, intents IntentDetector, appointments AppointmentManager, archive Archiver, confirmer ConfirmationSender, logger *logging.Logger) *Service {
	if intents == nil {
		intents = NewRuleDetector()
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &Service{
		sessions:     sessions,
		booking:      flow,
		intents:      intents,
		appointments: appointments,
		archive:      archive,
		confirmer:    confirmer,
		logger:       logger,
		locks:        make(map[string]*sync.Mutex),
		now:          time.Now,
	}
}

// userLock returns the per-user mutex, creating it on first use. Entries are
// never evicted; one mutex per active user is negligible.
func (s *Service) userLock(userID string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	lock, ok := s.locks[userID]
	if !ok {
		lock = &sync.Mutex{}
		s.locks[userID] = lock
	}
	return lock
}

// HandleMessage processes one chat turn for the user and returns the
// assistant's reply messages.
func (s *Service) HandleMessage(ctx context.Context, userID, text string) ([]string, error) {
	if strings.TrimSpace(userID) == "" {
		return nil, session.ErrEmptyID
	}

	lock := s.userLock(userID)
	lock.Lock()
	defer lock.Unlock()

	sess, err := s.sessions.Get(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("conversation: failed to load session: %w", err)
	}

	sess.AppendHistory("user", text, s.now().UTC())
	s.archiveMessage(ctx, userID, "user", text)

	reply, err := s.route(ctx, sess, text)
	if err != nil {
		return nil, err
	}

	for _, msg := range reply.Messages {
		sess.AppendHistory("assistant", msg, s.now().UTC())
		s.archiveMessage(ctx, userID, "assistant", msg)
	}
	if err := s.sessions.Save(ctx, userID, sess); err != nil {
		return nil, fmt.Errorf("conversation: failed to persist session: %w", err)
	}

	if reply.Booked != nil {
		s.sendConfirmation(ctx, sess, reply.Booked)
	}

	return reply.Messages, nil
}

// route decides what handles this turn: a pending numbered menu, the booking
// dialogue, or intent routing.
func (s *Service) route(ctx context.Context, sess *session.Session, text string) (*booking.Reply, error) {
	if sess.PendingChoice != nil {
		return s.handlePendingChoice(ctx, sess, text)
	}
	if sess.BookingState != nil {
		return s.booking.HandleMessage(ctx, sess, text)
	}

	switch s.intents.Detect(ctx, text) {
	case IntentBookAppointment:
		return s.booking.Start(ctx, sess)
	case IntentShowAppointments:
		return s.showAppointments(ctx, sess)
	case IntentCancelAppointment:
		return s.offerCancellation(ctx, sess)
	case IntentRescheduleAppointment:
		return s.offerReschedule(ctx, sess)
	case IntentReset:
		fresh, err := s.sessions.Reset(ctx, sess.ID, true)
		if err != nil {
			return nil, fmt.Errorf("conversation: reset failed: %w", err)
		}
		*sess = *fresh
		return &booking.Reply{Messages: []string{"Let's start fresh. How can I help you today?"}}, nil
	case IntentGreeting:
		return &booking.Reply{Messages: []string{greeting(sess)}}, nil
	default:
		return &booking.Reply{Messages: []string{
			"I can help you book an appointment, show your upcoming appointments, or cancel one. What would you like to do?",
		}}, nil
	}
}

func greeting(sess *session.Session) string {
	if sess.Patient != nil && sess.Patient.Name != "" {
		return fmt.Sprintf("Hello %s! I can help you book, view, or cancel appointments. What would you like to do?", sess.Patient.Name)
	}
	return "Hello! I can help you book, view, or cancel appointments. What would you like to do?"
}

func (s *Service) showAppointments(ctx context.Context, sess *session.Session) (*booking.Reply, error) {
	if sess.Patient == nil {
		return &booking.Reply{Messages: []string{
			"I couldn't find a patient record for you, so I can't look up appointments. You can still book a new one.",
		}}, nil
	}

	appts, err := s.appointments.Upcoming(ctx, sess.Patient.ID)
	if err != nil {
		s.logger.Error("conversation: appointment lookup failed", "session_id", sess.ID, "error", err)
		return &booking.Reply{Messages: []string{"I couldn't retrieve your appointments right now. Please try again later."}}, nil
	}
	if len(appts) == 0 {
		return &booking.Reply{Messages: []string{"You have no upcoming appointments. Would you like to book one?"}}, nil
	}

	lines := []string{"Here are your upcoming appointments:"}
	for i, appt := range appts {
		lines = append(lines, fmt.Sprintf("%d. %s - %s", i+1, booking.FormatFriendlyTime(appt.Start), appointmentLabel(appt)))
	}
	return &booking.Reply{Messages: []string{strings.Join(lines, "\n")}}, nil
}

// offerCancellation shows the numbered menu of cancellable appointments and
// records it as the session's pending choice.
func (s *Service) offerCancellation(ctx context.Context, sess *session.Session) (*booking.Reply, error) {
	if sess.Patient == nil {
		return &booking.Reply{Messages: []string{
			"I couldn't find a patient record for you, so there's nothing to cancel.",
		}}, nil
	}
	return s.offerAppointmentMenu(ctx, sess, choiceKindCancelAppointment,
		"Which appointment would you like to cancel?",
		"You have no upcoming appointments to cancel.")
}

// offerReschedule shows the same menu for rescheduling. The chosen appointment
// is cancelled and a fresh booking dialogue picks the replacement time.
func (s *Service) offerReschedule(ctx context.Context, sess *session.Session) (*booking.Reply, error) {
	if sess.Patient == nil {
		return &booking.Reply{Messages: []string{
			"I couldn't find a patient record for you, so there's nothing to reschedule. You can still book a new appointment.",
		}}, nil
	}
	return s.offerAppointmentMenu(ctx, sess, choiceKindRescheduleAppointment,
		"Which appointment would you like to reschedule?",
		"You have no upcoming appointments to reschedule. Would you like to book one?")
}

func (s *Service) offerAppointmentMenu(ctx context.Context, sess *session.Session, kind, header, emptyMsg string) (*booking.Reply, error) {
	appts, err := s.appointments.Upcoming(ctx, sess.Patient.ID)
	if err != nil {
		s.logger.Error("conversation: appointment lookup failed", "session_id", sess.ID, "error", err)
		return &booking.Reply{Messages: []string{"I couldn't retrieve your appointments right now. Please try again later."}}, nil
	}
	if len(appts) == 0 {
		return &booking.Reply{Messages: []string{emptyMsg}}, nil
	}

	lines := []string{header}
	options := make(map[string]string, len(appts))
	for i, appt := range appts {
		key := fmt.Sprintf("%d", i+1)
		options[key] = appt.ID
		lines = append(lines, fmt.Sprintf("%s. %s - %s", key, booking.FormatFriendlyTime(appt.Start), appointmentLabel(appt)))
	}
	lines = append(lines, "\nEnter the number, or type 'never mind' to keep them all.")

	sess.PendingChoice = &session.PendingChoice{
		Kind:      kind,
		Options:   options,
		CreatedAt: s.now().UTC(),
	}
	return &booking.Reply{Messages: []string{strings.Join(lines, "\n")}}, nil
}

func (s *Service) handlePendingChoice(ctx context.Context, sess *session.Session, text string) (*booking.Reply, error) {
	choice := sess.PendingChoice
	input := strings.ToLower(strings.TrimSpace(text))

	if input == "never mind" || input == "nevermind" || input == "cancel" {
		sess.ClearPendingChoice()
		return &booking.Reply{Messages: []string{"Okay, I've left your appointments as they are."}}, nil
	}

	if choice.Kind != choiceKindCancelAppointment && choice.Kind != choiceKindRescheduleAppointment {
		s.logger.Error("conversation: unknown pending choice kind, clearing", "session_id", sess.ID, "kind", choice.Kind)
		sess.ClearPendingChoice()
		return &booking.Reply{Messages: []string{"Something went wrong. What would you like to do?"}}, nil
	}

	appointmentID, ok := choice.Options[strings.TrimSpace(text)]
	if !ok {
		return &booking.Reply{Messages: []string{
			"Please enter the number of the appointment, or type 'never mind'.",
		}}, nil
	}
	sess.ClearPendingChoice()

	switch choice.Kind {
	case choiceKindCancelAppointment:
		if err := s.appointments.Cancel(ctx, appointmentID); err != nil {
			s.logger.Error("conversation: cancellation failed", "session_id", sess.ID, "appointment_id", appointmentID, "error", err)
			return &booking.Reply{Messages: []string{"I couldn't cancel that appointment. Please try again later."}}, nil
		}
		return &booking.Reply{Messages: []string{"Your appointment has been cancelled. Is there anything else I can help you with?"}}, nil

	case choiceKindRescheduleAppointment:
		if err := s.appointments.Cancel(ctx, appointmentID); err != nil {
			s.logger.Error("conversation: reschedule cancellation failed", "session_id", sess.ID, "appointment_id", appointmentID, "error", err)
			return &booking.Reply{Messages: []string{"I couldn't release that appointment. Please try again later."}}, nil
		}
		started, err := s.booking.Start(ctx, sess)
		if err != nil {
			return nil, err
		}
		messages := append([]string{"Your old appointment has been released. Let's find a new time."}, started.Messages...)
		return &booking.Reply{Messages: messages, Booked: started.Booked}, nil

	default:
		return &booking.Reply{Messages: []string{"Something went wrong. What would you like to do?"}}, nil
	}
}

// archiveMessage is best-effort; the archive never blocks the conversation.
func (s *Service) archiveMessage(ctx context.Context, sessionID, role, content string) {
	if s.archive == nil {
		return
	}
	if err := s.archive.SaveMessage(ctx, sessionID, role, content); err != nil {
		s.logger.Warn("conversation: transcript archive failed", "session_id", sessionID, "error", err)
	}
}

// sendConfirmation fires the confirmation email without tying it to the
// request lifetime.
func (s *Service) sendConfirmation(ctx context.Context, sess *session.Session, booked *booking.Booked) {
	if s.confirmer == nil {
		return
	}
	conf := notify.AppointmentConfirmation{
		PractitionerName: booked.PractitionerName,
		VisitType:        booked.VisitType,
		Reason:           booked.Reason,
		Start:            booked.Start,
	}
	if sess.Patient != nil {
		conf.PatientName = sess.Patient.Name
		conf.PatientEmail = sess.Patient.Email
		conf.PatientPhone = sess.Patient.Phone
	}
	go s.confirmer.SendAppointmentConfirmation(context.WithoutCancel(ctx), conf)
}

func appointmentLabel(appt fhir.Appointment) string {
	if appt.AppointmentType != nil && appt.AppointmentType.Text != "" {
		return appt.AppointmentType.Text
	}
	if appt.Description != "" {
		return appt.Description
	}
	return "appointment"
}
