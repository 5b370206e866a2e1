// Package session holds the per-user conversational state and the two-tier
// store that persists it across request/response cycles.
package session

import "time"

// maxHistoryMessages bounds the conversation history kept on a session.
// Older messages are evicted first.
const maxHistoryMessages = 20

// Step identifies the current state of an in-progress booking dialogue.
type Step string

const (
	StepInitialChoice      Step = "initial_choice"
	StepSelectRole         Step = "select_role"
	StepSelectPractitioner Step = "select_practitioner"
	StepEnterReason        Step = "enter_reason"
	StepSelectDateTime     Step = "select_datetime"
	StepConfirmBooking     Step = "confirm_booking"
)

// Valid reports whether s is one of the defined booking steps.
func (s Step) Valid() bool {
	switch s {
	case StepInitialChoice, StepSelectRole, StepSelectPractitioner,
		StepEnterReason, StepSelectDateTime, StepConfirmBooking:
		return true
	}
	return false
}

// ChatMessage is one turn of the conversation history.
type ChatMessage struct {
	Role    string    `json:"role"` // "user" or "assistant"
	Content string    `json:"content"`
	At      time.Time `json:"at"`
}

// PatientRef is an opaque handle to the patient's clinical record.
type PatientRef struct {
	ID    string `json:"id"`
	Name  string `json:"name,omitempty"`
	Email string `json:"email,omitempty"`
	Phone string `json:"phone,omitempty"`
}

// SlotRef references a held calendar slot while a booking is in flight.
// The slot itself is owned by the scheduling resource.
type SlotRef struct {
	ID    string    `json:"id"`
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// AppointmentInfo accumulates the details captured across booking steps.
type AppointmentInfo struct {
	PractitionerID   string     `json:"practitioner_id,omitempty"`
	PractitionerName string     `json:"practitioner_name,omitempty"`
	VisitType        string     `json:"visit_type,omitempty"`
	Reason           string     `json:"reason,omitempty"`
	Slot             *SlotRef   `json:"slot,omitempty"`
	Start            *time.Time `json:"start,omitempty"`
	End              *time.Time `json:"end,omitempty"`
}

// BookingState is the sub-document describing an in-progress booking dialogue.
// It is owned exclusively by its Session.
type BookingState struct {
	Step            Step            `json:"step"`
	AppointmentInfo AppointmentInfo `json:"appointment_info"`
	Schedule        string          `json:"schedule,omitempty"`

	// Ephemeral numbered-choice maps (choice number -> id / role name), kept
	// only during the selection steps and discarded once a choice is made.
	Practitioners map[string]string `json:"practitioners,omitempty"`
	Roles         map[string]string `json:"roles,omitempty"`
}

// PendingChoice is a numbered-choice menu outside the booking flow, e.g. the
// list shown when cancelling an existing appointment. One typed structure
// replaces the ad hoc per-handler option maps.
type PendingChoice struct {
	Kind      string            `json:"kind"` // e.g. "cancel_appointment"
	Options   map[string]string `json:"options"`
	CreatedAt time.Time         `json:"created_at"`
}

// Session is the per-user persisted conversational state.
type Session struct {
	ID                  string         `json:"id"`
	Verified            bool           `json:"verified"`
	Patient             *PatientRef    `json:"patient"`
	BookingState        *BookingState  `json:"booking_state"`
	PendingChoice       *PendingChoice `json:"pending_choice,omitempty"`
	ConversationHistory []ChatMessage  `json:"conversation_history"`
	LastInteraction     time.Time      `json:"last_interaction"`
}

// NewDefault creates a session with default values for a first contact.
func NewDefault(id string, now time.Time) *Session {
	return &Session{
		ID:                  id,
		Verified:            false,
		Patient:             nil,
		BookingState:        nil,
		ConversationHistory: []ChatMessage{},
		LastInteraction:     now,
	}
}

// AppendHistory adds a message, evicting the oldest once the bound is reached.
func (s *Session) AppendHistory(role, content string, at time.Time) {
	s.ConversationHistory = append(s.ConversationHistory, ChatMessage{
		Role:    role,
		Content: content,
		At:      at,
	})
	if len(s.ConversationHistory) > maxHistoryMessages {
		s.ConversationHistory = s.ConversationHistory[len(s.ConversationHistory)-maxHistoryMessages:]
	}
}

// ClearBooking drops any in-progress booking dialogue.
func (s *Session) ClearBooking() {
	s.BookingState = nil
}

// ClearPendingChoice drops any pending numbered-choice menu.
func (s *Session) ClearPendingChoice() {
	s.PendingChoice = nil
}
