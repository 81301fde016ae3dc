// Package storage is the thin Postgres layer for the domain rows the API
// writes before handing work to the queue.
package storage

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pkg/errors"

	"github.com/you/drcal/internal/domain"
)

// ErrNotFound is returned when the targeted row does not exist.
var ErrNotFound = errors.New("not found")

type Store struct {
	db *pgxpool.Pool
}

func New(db *pgxpool.Pool) *Store {
	return &Store{db: db}
}

type InsertAppointmentParams struct {
	PatientName     string
	PatientEmail    string
	AppointmentDate time.Time
	DoctorID        string
	Status          string
}

func (s *Store) InsertAppointment(ctx context.Context, p InsertAppointmentParams) (*domain.Appointment, error) {
	id := uuid.NewString()
	if p.Status == "" {
		p.Status = "pending"
	}
	_, err := s.db.Exec(ctx, `insert into appointments(
id, patient_name, patient_email, appointment_date, doctor_id, status
) values ($1,$2,$3,$4,$5,$6)`,
		id, p.PatientName, p.PatientEmail, p.AppointmentDate, p.DoctorID, p.Status,
	)
	if err != nil {
		return nil, errors.Wrap(err, "insert appointment")
	}
	return &domain.Appointment{
		ID:              id,
		PatientName:     p.PatientName,
		PatientEmail:    p.PatientEmail,
		AppointmentDate: p.AppointmentDate.UTC().Format(time.RFC3339),
		DoctorID:        p.DoctorID,
		Status:          p.Status,
	}, nil
}

// UpdateAppointmentStatus sets the new status and returns the updated row
// together with the status it replaced.
func (s *Store) UpdateAppointmentStatus(ctx context.Context, id, status string) (*domain.Appointment, string, error) {
	var (
		appt      domain.Appointment
		date      time.Time
		oldStatus string
	)
	err := s.db.QueryRow(ctx, `with prev as (
  select status from appointments where id = $1
)
update appointments
   set status = $2, updated_at = now()
 where id = $1
returning id, patient_name, patient_email, appointment_date, doctor_id, status,
          (select status from prev)`,
		id, status,
	).Scan(&appt.ID, &appt.PatientName, &appt.PatientEmail, &date, &appt.DoctorID, &appt.Status, &oldStatus)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, "", ErrNotFound
	}
	if err != nil {
		return nil, "", errors.Wrap(err, "update appointment status")
	}
	appt.AppointmentDate = date.UTC().Format(time.RFC3339)
	return &appt, oldStatus, nil
}

func (s *Store) DeleteAppointment(ctx context.Context, id string) (*domain.Appointment, error) {
	var (
		appt domain.Appointment
		date time.Time
	)
	err := s.db.QueryRow(ctx, `delete from appointments
 where id = $1
returning id, patient_name, patient_email, appointment_date, doctor_id, status`,
		id,
	).Scan(&appt.ID, &appt.PatientName, &appt.PatientEmail, &date, &appt.DoctorID, &appt.Status)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "delete appointment")
	}
	appt.AppointmentDate = date.UTC().Format(time.RFC3339)
	return &appt, nil
}

type InsertWaitlistParams struct {
	PatientName  string
	PatientEmail string
	DoctorID     string
}

func (s *Store) InsertWaitlistEntry(ctx context.Context, p InsertWaitlistParams) (*domain.WaitlistEntry, error) {
	id := uuid.NewString()
	now := time.Now().UTC()
	_, err := s.db.Exec(ctx, `insert into waitlist(
id, patient_name, patient_email, doctor_id, created_at
) values ($1,$2,$3,nullif($4,''),$5)`,
		id, p.PatientName, p.PatientEmail, p.DoctorID, now,
	)
	if err != nil {
		return nil, errors.Wrap(err, "insert waitlist entry")
	}
	return &domain.WaitlistEntry{
		ID:           id,
		PatientName:  p.PatientName,
		PatientEmail: p.PatientEmail,
		DoctorID:     p.DoctorID,
		CreatedAt:    now,
	}, nil
}

// InsertUser mirrors an auth-level user into the users table. Replayed
// webhooks make duplicates routine, hence the conflict no-op.
func (s *Store) InsertUser(ctx context.Context, userID string) error {
	_, err := s.db.Exec(ctx,
		`insert into users(user_id) values ($1) on conflict (user_id) do nothing`,
		userID,
	)
	return errors.Wrap(err, "insert user")
}
