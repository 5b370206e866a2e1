package conversation

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/annahealth/assistant-platform/internal/booking"
	"github.com/annahealth/assistant-platform/internal/fhir"
	"github.com/annahealth/assistant-platform/internal/notify"
	"github.com/annahealth/assistant-platform/internal/session"
)

type fakeFlow struct {
	started  int
	handled  []string
	reply    *booking.Reply
	startErr error
}

func (f *fakeFlow) Start(ctx context.Context, sess *session.Session) (*booking.Reply, error) {
	f.started++
	if f.startErr != nil {
		return nil, f.startErr
	}
	sess.BookingState = &session.BookingState{Step: session.StepInitialChoice}
	return f.replyOrDefault("How would you like to find a provider?"), nil
}

func (f *fakeFlow) HandleMessage(ctx context.Context, sess *session.Session, input string) (*booking.Reply, error) {
	f.handled = append(f.handled, input)
	return f.replyOrDefault("next step"), nil
}

func (f *fakeFlow) replyOrDefault(msg string) *booking.Reply {
	if f.reply != nil {
		return f.reply
	}
	return &booking.Reply{Messages: []string{msg}}
}

type fakeAppointments struct {
	upcoming  []fhir.Appointment
	cancelled []string
	err       error
}

func (f *fakeAppointments) Upcoming(ctx context.Context, patientID string) ([]fhir.Appointment, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.upcoming, nil
}

func (f *fakeAppointments) Cancel(ctx context.Context, appointmentID string) error {
	f.cancelled = append(f.cancelled, appointmentID)
	return nil
}

type fakeArchive struct {
	mu       sync.Mutex
	messages []string
}

func (f *fakeArchive) SaveMessage(ctx context.Context, sessionID, role, content string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.messages = append(f.messages, role+": "+content)
	return nil
}

type fakeConfirmer struct {
	sent chan notify.AppointmentConfirmation
}

func (f *fakeConfirmer) SendAppointmentConfirmation(ctx context.Context, conf notify.AppointmentConfirmation) {
	f.sent <- conf
}

func newTestService(t *testing.T, flow BookingFlow, appts AppointmentManager) (*Service, *session.Store) {
	t.Helper()
	sessions := session.NewStore(nil, nil, time.Minute, nil, nil)
	svc := NewService(sessions, flow, nil, appts, nil, nil, nil)
	return svc, sessions
}

func verifiedSession(t *testing.T, sessions *session.Store, id string) {
	t.Helper()
	_, err := sessions.Update(context.Background(), id, func(sess *session.Session) {
		sess.Patient = &session.PatientRef{ID: "pat-1", Name: "Alice", Email: id}
		sess.Verified = true
	})
	if err != nil {
		t.Fatal(err)
	}
}

func TestBookingIntentStartsFlow(t *testing.T) {
	flow := &fakeFlow{}
	svc, _ := newTestService(t, flow, &fakeAppointments{})

	msgs, err := svc.HandleMessage(context.Background(), "alice@example.com", "I'd like to book an appointment")
	if err != nil {
		t.Fatal(err)
	}
	if flow.started != 1 {
		t.Errorf("flow started %d times", flow.started)
	}
	if len(msgs) != 1 || !strings.Contains(msgs[0], "provider") {
		t.Errorf("msgs = %v", msgs)
	}
}

func TestActiveBookingBypassesIntentRouting(t *testing.T) {
	flow := &fakeFlow{}
	svc, sessions := newTestService(t, flow, &fakeAppointments{})
	ctx := context.Background()

	if _, err := svc.HandleMessage(ctx, "alice@example.com", "book an appointment"); err != nil {
		t.Fatal(err)
	}
	// "hello" would be a greeting, but the booking dialogue owns the turn.
	if _, err := svc.HandleMessage(ctx, "alice@example.com", "hello"); err != nil {
		t.Fatal(err)
	}
	if len(flow.handled) != 1 || flow.handled[0] != "hello" {
		t.Errorf("handled = %v", flow.handled)
	}

	sess, err := sessions.Get(ctx, "alice@example.com")
	if err != nil {
		t.Fatal(err)
	}
	if len(sess.ConversationHistory) != 4 {
		t.Errorf("history = %d entries", len(sess.ConversationHistory))
	}
}

func TestShowAppointments(t *testing.T) {
	start := time.Date(2025, 3, 17, 14, 0, 0, 0, time.UTC)
	appts := &fakeAppointments{upcoming: []fhir.Appointment{{
		ID:              "appt-1",
		Status:          "booked",
		Start:           start,
		AppointmentType: &fhir.CodeableText{Text: "consultation"},
	}}}
	svc, sessions := newTestService(t, &fakeFlow{}, appts)
	verifiedSession(t, sessions, "alice@example.com")

	msgs, err := svc.HandleMessage(context.Background(), "alice@example.com", "show my appointments")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(msgs[0], "Monday, March 17th at 2:00 PM") || !strings.Contains(msgs[0], "consultation") {
		t.Errorf("msgs = %v", msgs)
	}
}

func TestShowAppointmentsWithoutPatientRecord(t *testing.T) {
	svc, _ := newTestService(t, &fakeFlow{}, &fakeAppointments{})

	msgs, err := svc.HandleMessage(context.Background(), "stranger", "show my appointments")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(msgs[0], "couldn't find a patient record") {
		t.Errorf("msgs = %v", msgs)
	}
}

func TestCancellationMenuFlow(t *testing.T) {
	start := time.Date(2025, 3, 17, 14, 0, 0, 0, time.UTC)
	appts := &fakeAppointments{upcoming: []fhir.Appointment{
		{ID: "appt-1", Status: "booked", Start: start, Description: "checkup"},
		{ID: "appt-2", Status: "booked", Start: start.AddDate(0, 0, 1), Description: "follow-up"},
	}}
	svc, sessions := newTestService(t, &fakeFlow{}, appts)
	verifiedSession(t, sessions, "alice@example.com")
	ctx := context.Background()

	msgs, err := svc.HandleMessage(ctx, "alice@example.com", "cancel my appointment")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(msgs[0], "1.") || !strings.Contains(msgs[0], "2.") {
		t.Errorf("menu = %v", msgs)
	}

	sess, _ := sessions.Get(ctx, "alice@example.com")
	if sess.PendingChoice == nil || sess.PendingChoice.Kind != "cancel_appointment" {
		t.Fatalf("pending choice = %+v", sess.PendingChoice)
	}

	msgs, err = svc.HandleMessage(ctx, "alice@example.com", "2")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(msgs[0], "cancelled") {
		t.Errorf("msgs = %v", msgs)
	}
	if len(appts.cancelled) != 1 || appts.cancelled[0] != "appt-2" {
		t.Errorf("cancelled = %v", appts.cancelled)
	}

	sess, _ = sessions.Get(ctx, "alice@example.com")
	if sess.PendingChoice != nil {
		t.Error("pending choice not cleared")
	}
}

func TestCancellationMenuNeverMind(t *testing.T) {
	start := time.Date(2025, 3, 17, 14, 0, 0, 0, time.UTC)
	appts := &fakeAppointments{upcoming: []fhir.Appointment{{ID: "appt-1", Status: "booked", Start: start}}}
	svc, sessions := newTestService(t, &fakeFlow{}, appts)
	verifiedSession(t, sessions, "alice@example.com")
	ctx := context.Background()

	if _, err := svc.HandleMessage(ctx, "alice@example.com", "cancel my appointment"); err != nil {
		t.Fatal(err)
	}
	msgs, err := svc.HandleMessage(ctx, "alice@example.com", "never mind")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(msgs[0], "left your appointments") {
		t.Errorf("msgs = %v", msgs)
	}
	if len(appts.cancelled) != 0 {
		t.Errorf("cancelled = %v", appts.cancelled)
	}
}

func TestInvalidMenuChoiceReprompts(t *testing.T) {
	start := time.Date(2025, 3, 17, 14, 0, 0, 0, time.UTC)
	appts := &fakeAppointments{upcoming: []fhir.Appointment{{ID: "appt-1", Status: "booked", Start: start}}}
	svc, sessions := newTestService(t, &fakeFlow{}, appts)
	verifiedSession(t, sessions, "alice@example.com")
	ctx := context.Background()

	if _, err := svc.HandleMessage(ctx, "alice@example.com", "cancel my appointment"); err != nil {
		t.Fatal(err)
	}
	msgs, err := svc.HandleMessage(ctx, "alice@example.com", "9")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(msgs[0], "Enter the number") && !strings.Contains(msgs[0], "enter the number") {
		t.Errorf("msgs = %v", msgs)
	}

	sess, _ := sessions.Get(ctx, "alice@example.com")
	if sess.PendingChoice == nil {
		t.Error("pending choice dropped on invalid input")
	}
}

func TestRescheduleMenuFlow(t *testing.T) {
	start := time.Date(2025, 3, 17, 14, 0, 0, 0, time.UTC)
	appts := &fakeAppointments{upcoming: []fhir.Appointment{
		{ID: "appt-1", Status: "booked", Start: start, Description: "checkup"},
	}}
	flow := &fakeFlow{}
	svc, sessions := newTestService(t, flow, appts)
	verifiedSession(t, sessions, "alice@example.com")
	ctx := context.Background()

	msgs, err := svc.HandleMessage(ctx, "alice@example.com", "I'd like to reschedule my appointment")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(msgs[0], "reschedule") || !strings.Contains(msgs[0], "1.") {
		t.Errorf("menu = %v", msgs)
	}
	if flow.started != 0 {
		t.Errorf("flow started before a choice was made")
	}

	sess, _ := sessions.Get(ctx, "alice@example.com")
	if sess.PendingChoice == nil || sess.PendingChoice.Kind != "reschedule_appointment" {
		t.Fatalf("pending choice = %+v", sess.PendingChoice)
	}

	// Choosing an appointment cancels it and drops into the booking dialogue.
	msgs, err = svc.HandleMessage(ctx, "alice@example.com", "1")
	if err != nil {
		t.Fatal(err)
	}
	if len(appts.cancelled) != 1 || appts.cancelled[0] != "appt-1" {
		t.Errorf("cancelled = %v", appts.cancelled)
	}
	if flow.started != 1 {
		t.Errorf("flow started %d times", flow.started)
	}
	if len(msgs) < 2 || !strings.Contains(msgs[0], "new time") || !strings.Contains(msgs[1], "provider") {
		t.Errorf("msgs = %v", msgs)
	}

	sess, _ = sessions.Get(ctx, "alice@example.com")
	if sess.PendingChoice != nil {
		t.Error("pending choice not cleared")
	}
	if sess.BookingState == nil {
		t.Error("booking dialogue not started")
	}
}

func TestRescheduleWithNoAppointments(t *testing.T) {
	svc, sessions := newTestService(t, &fakeFlow{}, &fakeAppointments{})
	verifiedSession(t, sessions, "alice@example.com")

	msgs, err := svc.HandleMessage(context.Background(), "alice@example.com", "move my appointment")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(msgs[0], "no upcoming appointments to reschedule") {
		t.Errorf("msgs = %v", msgs)
	}
}

func TestResetPreservesPatient(t *testing.T) {
	svc, sessions := newTestService(t, &fakeFlow{}, &fakeAppointments{})
	verifiedSession(t, sessions, "alice@example.com")
	ctx := context.Background()

	msgs, err := svc.HandleMessage(ctx, "alice@example.com", "reset")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(msgs[0], "start fresh") {
		t.Errorf("msgs = %v", msgs)
	}

	sess, _ := sessions.Get(ctx, "alice@example.com")
	if sess.Patient == nil || sess.Patient.ID != "pat-1" {
		t.Errorf("patient = %+v", sess.Patient)
	}
	if !sess.Verified {
		t.Error("verification flag dropped by reset")
	}
}

func TestUnknownIntentOffersHelp(t *testing.T) {
	svc, _ := newTestService(t, &fakeFlow{}, &fakeAppointments{})

	msgs, err := svc.HandleMessage(context.Background(), "alice@example.com", "what's the weather?")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(msgs[0], "book an appointment") {
		t.Errorf("msgs = %v", msgs)
	}
}

func TestTranscriptArchived(t *testing.T) {
	sessions := session.NewStore(nil, nil, time.Minute, nil, nil)
	arch := &fakeArchive{}
	svc := NewService(sessions, &fakeFlow{}, nil, &fakeAppointments{}, arch, nil, nil)

	if _, err := svc.HandleMessage(context.Background(), "alice@example.com", "hello"); err != nil {
		t.Fatal(err)
	}

	arch.mu.Lock()
	defer arch.mu.Unlock()
	if len(arch.messages) != 2 {
		t.Fatalf("archived = %v", arch.messages)
	}
	if !strings.HasPrefix(arch.messages[0], "user:") || !strings.HasPrefix(arch.messages[1], "assistant:") {
		t.Errorf("archived = %v", arch.messages)
	}
}

func TestBookedTriggersConfirmation(t *testing.T) {
	start := time.Date(2025, 3, 17, 14, 0, 0, 0, time.UTC)
	flow := &fakeFlow{reply: &booking.Reply{
		Messages: []string{"Your appointment has been confirmed!"},
		Booked: &booking.Booked{
			AppointmentID:    "appt-1",
			PractitionerName: "Dr. Ada Ruiz",
			VisitType:        "consultation",
			Start:            start,
		},
	}}
	sessions := session.NewStore(nil, nil, time.Minute, nil, nil)
	confirmer := &fakeConfirmer{sent: make(chan notify.AppointmentConfirmation, 1)}
	svc := NewService(sessions, flow, nil, &fakeAppointments{}, nil, confirmer, nil)
	verifiedSession(t, sessions, "alice@example.com")
	ctx := context.Background()

	// Put the session mid-booking so the flow handles the turn.
	if _, err := sessions.Update(ctx, "alice@example.com", func(sess *session.Session) {
		sess.BookingState = &session.BookingState{Step: session.StepConfirmBooking}
	}); err != nil {
		t.Fatal(err)
	}

	if _, err := svc.HandleMessage(ctx, "alice@example.com", "confirm"); err != nil {
		t.Fatal(err)
	}

	select {
	case conf := <-confirmer.sent:
		if conf.PatientEmail != "alice@example.com" || conf.PractitionerName != "Dr. Ada Ruiz" {
			t.Errorf("confirmation = %+v", conf)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("confirmation never sent")
	}
}

func TestTurnsForSameUserAreSerialized(t *testing.T) {
	svc, _ := newTestService(t, &fakeFlow{}, &fakeAppointments{})
	ctx := context.Background()

	const turns = 16
	var wg sync.WaitGroup
	for i := 0; i < turns; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := svc.HandleMessage(ctx, "alice@example.com", "hello"); err != nil {
				t.Error(err)
			}
		}()
	}
	wg.Wait()
}

func TestEmptyUserIDRejected(t *testing.T) {
	svc, _ := newTestService(t, &fakeFlow{}, &fakeAppointments{})
	if _, err := svc.HandleMessage(context.Background(), "  ", "hello"); err == nil {
		t.Fatal("expected error")
	}
}
