// Package notify sends booking and cancellation emails through a
// transactional mail API. Every call is best-effort: callers run it
// under the notification retry policy and log the final failure without
// letting it into the critical path.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/carevista/clinic-scheduling/internal/apperr"
)

type Notification struct {
	PatientEmail      string
	PatientName       string
	DoctorEmail       string
	DoctorName        string
	AppointmentNumber string
	Date              string // 2006-01-02
	StartTime         string // HH:MM
	Reason            string
	RefundAmount      int64 // minor units, cancellation only
}

type Notifier interface {
	SendBookingConfirmation(ctx context.Context, n Notification) error
	SendCancellationNotification(ctx context.Context, n Notification) error
}

// MailNotifier posts to a Brevo-style transactional mail endpoint.
type MailNotifier struct {
	apiURL string
	apiKey string
	sender string
	client *http.Client
}

func NewMailNotifier(apiURL, apiKey, sender string) *MailNotifier {
	return &MailNotifier{
		apiURL: apiURL,
		apiKey: apiKey,
		sender: sender,
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

type mailPayload struct {
	Sender  map[string]string   `json:"sender"`
	To      []map[string]string `json:"to"`
	Subject string              `json:"subject"`
	Text    string              `json:"textContent"`
}

func (m *MailNotifier) SendBookingConfirmation(ctx context.Context, n Notification) error {
	subject := fmt.Sprintf("Appointment %s confirmed", n.AppointmentNumber)
	body := fmt.Sprintf(
		"Dear %s,\n\nyour appointment with %s on %s at %s is booked.\nReference: %s\n",
		n.PatientName, n.DoctorName, n.Date, n.StartTime, n.AppointmentNumber,
	)
	if err := m.send(ctx, n.PatientEmail, n.PatientName, subject, body); err != nil {
		return err
	}
	if n.DoctorEmail != "" {
		doctorBody := fmt.Sprintf(
			"Dear %s,\n\na new appointment %s was booked for %s at %s.\n",
			n.DoctorName, n.AppointmentNumber, n.Date, n.StartTime,
		)
		return m.send(ctx, n.DoctorEmail, n.DoctorName, subject, doctorBody)
	}
	return nil
}

func (m *MailNotifier) SendCancellationNotification(ctx context.Context, n Notification) error {
	subject := fmt.Sprintf("Appointment %s cancelled", n.AppointmentNumber)
	body := fmt.Sprintf(
		"Dear %s,\n\nyour appointment with %s on %s at %s has been cancelled.",
		n.PatientName, n.DoctorName, n.Date, n.StartTime,
	)
	if n.RefundAmount > 0 {
		body += fmt.Sprintf("\nA refund of %d.%02d will be issued to your original payment method.",
			n.RefundAmount/100, n.RefundAmount%100)
	}
	if err := m.send(ctx, n.PatientEmail, n.PatientName, subject, body); err != nil {
		return err
	}
	if n.DoctorEmail != "" {
		doctorBody := fmt.Sprintf(
			"Dear %s,\n\nappointment %s on %s at %s was cancelled.\n",
			n.DoctorName, n.AppointmentNumber, n.Date, n.StartTime,
		)
		return m.send(ctx, n.DoctorEmail, n.DoctorName, subject, doctorBody)
	}
	return nil
}

func (m *MailNotifier) send(ctx context.Context, toEmail, toName, subject, text string) error {
	if toEmail == "" {
		return apperr.E(apperr.InvalidState, "recipient has no email address")
	}

	payload, err := json.Marshal(mailPayload{
		Sender:  map[string]string{"email": m.sender},
		To:      []map[string]string{{"email": toEmail, "name": toName}},
		Subject: subject,
		Text:    text,
	})
	if err != nil {
		return fmt.Errorf("encode mail payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.apiURL, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build mail request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("api-key", m.apiKey)

	resp, err := m.client.Do(req)
	if err != nil {
		return apperr.Wrap(apperr.Transient, err, "mail API unreachable")
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		return apperr.E(apperr.Transient, "mail API returned %d", resp.StatusCode)
	}
	if resp.StatusCode >= 400 {
		return apperr.E(apperr.Upstream, "mail API rejected request with %d", resp.StatusCode)
	}
	return nil
}

// LogNotifier stands in when no mail API is configured.
type LogNotifier struct {
	log zerolog.Logger
}

func NewLogNotifier(log zerolog.Logger) *LogNotifier {
	return &LogNotifier{log: log.With().Str("component", "notify").Logger()}
}

func (l *LogNotifier) SendBookingConfirmation(_ context.Context, n Notification) error {
	l.log.Info().Str("appointment", n.AppointmentNumber).Str("to", n.PatientEmail).Msg("booking confirmation (mail disabled)")
	return nil
}

func (l *LogNotifier) SendCancellationNotification(_ context.Context, n Notification) error {
	l.log.Info().Str("appointment", n.AppointmentNumber).Str("to", n.PatientEmail).Msg("cancellation notification (mail disabled)")
	return nil
}
