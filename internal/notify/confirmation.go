package notify

import (
	"context"
	"fmt"
	"html"
	"time"

	"github.com/annahealth/assistant-platform/pkg/logging"
)

// AppointmentConfirmation carries the details rendered into the confirmation
// email.
type AppointmentConfirmation struct {
	PatientName      string
	PatientEmail     string
	PatientPhone     string
	PractitionerName string
	VisitType        string
	Reason           string
	Start            time.Time
}

// Confirmer composes and sends appointment confirmations over email and,
// when a phone number is known, SMS. Delivery is best-effort: failures are
// logged and never propagated to the caller.
type Confirmer struct {
	sender EmailSender
	sms    SMSSender
	logger *logging.Logger
}

// NewConfirmer creates a confirmer. sender and sms may be nil, in which case
// the corresponding channel is skipped.
func NewConfirmer(sender EmailSender, sms SMSSender, logger *logging.Logger) *Confirmer {
	if logger == nil {
		logger = logging.Default()
	}
	return &Confirmer{sender: sender, sms: sms, logger: logger}
}

// SendAppointmentConfirmation sends the confirmation email for a booked
// appointment. It never returns an error; a booking is already final by the
// time this runs.
func (c *Confirmer) SendAppointmentConfirmation(ctx context.Context, conf AppointmentConfirmation) {
	if c == nil {
		return
	}

	when := conf.Start.Format("Monday, January 2 at 3:04 PM")

	if c.sender != nil && conf.PatientEmail != "" {
		msg := EmailMessage{
			To:      conf.PatientEmail,
			ToName:  conf.PatientName,
			Subject: "Your appointment is confirmed",
			Body: fmt.Sprintf(
				"Hi %s,\n\nYour appointment has been confirmed.\n\n"+
					"Provider: %s\nType: %s\nTime: %s\nReason: %s\n\n"+
					"If you need to reschedule, just reply to the assistant.\n",
				nameOrDefault(conf.PatientName), conf.PractitionerName, conf.VisitType, when, conf.Reason),
			HTML: fmt.Sprintf(
				"<p>Hi %s,</p><p>Your appointment has been confirmed.</p>"+
					"<ul><li><b>Provider:</b> %s</li><li><b>Type:</b> %s</li>"+
					"<li><b>Time:</b> %s</li><li><b>Reason:</b> %s</li></ul>"+
					"<p>If you need to reschedule, just reply to the assistant.</p>",
				html.EscapeString(nameOrDefault(conf.PatientName)), html.EscapeString(conf.PractitionerName),
				html.EscapeString(conf.VisitType), when, html.EscapeString(conf.Reason)),
		}
		if err := c.sender.Send(ctx, msg); err != nil {
			c.logger.Error("notify: confirmation email failed", "to", conf.PatientEmail, "error", err)
		}
	} else if conf.PatientEmail == "" {
		c.logger.Warn("notify: no patient email, skipping email confirmation")
	}

	if c.sms != nil && conf.PatientPhone != "" {
		body := fmt.Sprintf("Your appointment with %s is confirmed for %s.", conf.PractitionerName, when)
		if err := c.sms.SendSMS(ctx, conf.PatientPhone, body); err != nil {
			c.logger.Error("notify: confirmation sms failed", "to", conf.PatientPhone, "error", err)
		}
	}
}

func nameOrDefault(name string) string {
	if name == "" {
		return "there"
	}
	return name
}
