// Package conversation orchestrates chat turns: it serializes access per
// user, routes intents, drives the booking dialogue, and archives
// transcripts.
package conversation

import (
	"context"
	"strings"
)

// Intent is the routed meaning of a free-text message.
type Intent string

const (
	IntentBookAppointment       Intent = "book_appointment"
	IntentShowAppointments      Intent = "show_appointments"
	IntentCancelAppointment     Intent = "cancel_appointment"
	IntentRescheduleAppointment Intent = "reschedule_appointment"
	IntentGreeting              Intent = "greeting"
	IntentReset                 Intent = "reset"
	IntentUnknown               Intent = "unknown"
)

// IntentDetector classifies a message. Implementations range from keyword
// rules to model-backed classifiers.
type IntentDetector interface {
	Detect(ctx context.Context, text string) Intent
}

// RuleDetector classifies messages with keyword rules. It is deterministic
// and needs no external service, which makes it the default.
type RuleDetector struct{}

// NewRuleDetector creates the keyword-rule intent detector.
func NewRuleDetector() *RuleDetector {
	return &RuleDetector{}
}

// Detect classifies text. More specific intents are checked before broader
// ones, so "cancel my appointment" never routes to booking.
func (d *RuleDetector) Detect(ctx context.Context, text string) Intent {
	t := strings.ToLower(strings.TrimSpace(text))
	if t == "" {
		return IntentUnknown
	}

	if containsAny(t, "reset", "start over", "start again") {
		return IntentReset
	}
	if strings.Contains(t, "reschedule") || (containsAny(t, "move", "change") && containsAny(t, "appointment", "booking", "visit")) {
		return IntentRescheduleAppointment
	}
	if strings.Contains(t, "cancel") && containsAny(t, "appointment", "booking", "visit") {
		return IntentCancelAppointment
	}
	if containsAny(t, "my appointments", "my appointment", "upcoming appointment", "show appointment", "view appointment", "list appointment", "see my") {
		return IntentShowAppointments
	}
	if containsAny(t, "book", "schedule", "make an appointment", "new appointment", "see a doctor", "see a nurse") {
		return IntentBookAppointment
	}
	if t == "hi" || t == "hello" || t == "hey" || containsAny(t, "good morning", "good afternoon", "good evening") {
		return IntentGreeting
	}
	return IntentUnknown
}

func containsAny(text string, substrings ...string) bool {
	for _, s := range substrings {
		if strings.Contains(text, s) {
			return true
		}
	}
	return false
}
