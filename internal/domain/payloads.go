package domain

import (
	"encoding/json"
	"time"
)

// Notification types emitted by the API and webhook handlers.
const (
	NotificationAppointmentCreated       = "appointment_created"
	NotificationAppointmentStatusChanged = "appointment_status_changed"
	NotificationAppointmentCancelled     = "appointment_cancelled"
	NotificationWaitlistAdded            = "waitlist_added"
	NotificationUserCreated              = "user_created"
)

// Appointment is the snapshot carried by process-appointment jobs. The date
// stays a string because webhook records arrive in whatever format the
// database change feed uses.
type Appointment struct {
	ID              string `json:"id"`
	PatientName     string `json:"patient_name"`
	PatientEmail    string `json:"patient_email"`
	AppointmentDate string `json:"appointment_date"`
	DoctorID        string `json:"doctor_id"`
	Status          string `json:"status"`
}

// WaitlistEntry is a row on the waiting list for a fully booked doctor.
type WaitlistEntry struct {
	ID           string    `json:"id"`
	PatientName  string    `json:"patient_name"`
	PatientEmail string    `json:"patient_email"`
	DoctorID     string    `json:"doctor_id,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

// Notification is the payload of send-notification jobs. Context carries a
// snapshot of the triggering entity and is opaque to the queue.
type Notification struct {
	ID        string          `json:"id"`
	Type      string          `json:"type"`
	Recipient string          `json:"recipient"`
	Context   json.RawMessage `json:"context,omitempty"`
	OldStatus string          `json:"old_status,omitempty"`
	NewStatus string          `json:"new_status,omitempty"`
}

// ProcessResult is recorded when an appointment job completes.
type ProcessResult struct {
	EntityID    string    `json:"entity_id"`
	Status      string    `json:"status"`
	ProcessedAt time.Time `json:"processed_at"`
	LockKey     string    `json:"lock_key"`
}

// SendResult is recorded when a notification job completes.
type SendResult struct {
	NotificationID string    `json:"notification_id"`
	Type           string    `json:"type"`
	Recipient      string    `json:"recipient"`
	Status         string    `json:"status"`
	SentAt         time.Time `json:"sent_at"`
}
