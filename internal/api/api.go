// Package api serves the HTTP surface: appointment and waitlist writes that
// feed the queue, the database-change webhook, and queue statistics.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/you/drcal/internal/domain"
	"github.com/you/drcal/internal/queue"
	"github.com/you/drcal/internal/storage"
)

// Submitter is the enqueue surface the handlers need.
type Submitter interface {
	Submit(ctx context.Context, kind domain.Kind, payload any, opts ...queue.Option) (*domain.Job, error)
}

// Inspector reports queue depth by state.
type Inspector interface {
	Stats(ctx context.Context) (domain.Stats, error)
}

// Directory is the relational glue the handlers write through.
type Directory interface {
	InsertAppointment(ctx context.Context, p storage.InsertAppointmentParams) (*domain.Appointment, error)
	UpdateAppointmentStatus(ctx context.Context, id, status string) (*domain.Appointment, string, error)
	DeleteAppointment(ctx context.Context, id string) (*domain.Appointment, error)
	InsertWaitlistEntry(ctx context.Context, p storage.InsertWaitlistParams) (*domain.WaitlistEntry, error)
	InsertUser(ctx context.Context, userID string) error
}

type Server struct {
	dir       Directory
	jobs      Submitter
	inspector Inspector
	apiKey    string
	env       string
	log       *zap.Logger
	router    *chi.Mux
}

func NewServer(dir Directory, jobs Submitter, inspector Inspector, apiKey, env string, log *zap.Logger) *Server {
	s := &Server{
		dir:       dir,
		jobs:      jobs,
		inspector: inspector,
		apiKey:    apiKey,
		env:       env,
		log:       log,
		router:    chi.NewRouter(),
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.Recoverer)
	s.router.Use(s.requestLogger)

	s.router.Get("/health", s.health)

	s.router.Group(func(r chi.Router) {
		r.Use(s.requireAPIKey)

		r.Route("/appointments", func(r chi.Router) {
			r.Post("/", s.createAppointment)
			r.Get("/queue/stats", s.queueStats)
			r.Patch("/{id}/status", s.updateAppointmentStatus)
			r.Delete("/{id}", s.deleteAppointment)
		})
		r.Post("/waitlist", s.addToWaitlist)
		r.Post("/webhooks/db", s.handleDBEvent)
	})
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Request/Response types

type CreateAppointmentRequest struct {
	PatientName     string    `json:"patient_name"`
	PatientEmail    string    `json:"patient_email"`
	AppointmentDate time.Time `json:"appointment_date"`
	DoctorID        string    `json:"doctor_id"`
	Status          string    `json:"status,omitempty"`
}

type CreateAppointmentResponse struct {
	Appointment *domain.Appointment `json:"appointment"`
	JobID       string              `json:"job_id,omitempty"`
}

type UpdateStatusRequest struct {
	Status string `json:"status"`
}

type UpdateStatusResponse struct {
	Appointment *domain.Appointment `json:"appointment"`
	OldStatus   string              `json:"old_status"`
}

type WaitlistRequest struct {
	PatientName  string `json:"patient_name"`
	PatientEmail string `json:"patient_email"`
	DoctorID     string `json:"doctor_id,omitempty"`
}

// DBEvent is the change notification posted by the database webhook:
// INSERT/UPDATE/DELETE on a table, with the affected record(s).
type DBEvent struct {
	Type      string          `json:"type"`
	Table     string          `json:"table"`
	Record    json.RawMessage `json:"record,omitempty"`
	OldRecord json.RawMessage `json:"old_record,omitempty"`
}

// Handlers

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status":      "ok",
		"environment": s.env,
		"timestamp":   time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) createAppointment(w http.ResponseWriter, r *http.Request) {
	var req CreateAppointmentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.PatientName == "" || req.PatientEmail == "" || req.DoctorID == "" || req.AppointmentDate.IsZero() {
		respondError(w, http.StatusBadRequest, "patient_name, patient_email, doctor_id and appointment_date are required")
		return
	}

	appt, err := s.dir.InsertAppointment(r.Context(), storage.InsertAppointmentParams{
		PatientName:     req.PatientName,
		PatientEmail:    req.PatientEmail,
		AppointmentDate: req.AppointmentDate,
		DoctorID:        req.DoctorID,
		Status:          req.Status,
	})
	if err != nil {
		s.log.Error("insert appointment", zap.Error(err))
		respondError(w, http.StatusInternalServerError, "could not create appointment")
		return
	}

	// Queue trouble never fails the write that triggered it.
	resp := CreateAppointmentResponse{Appointment: appt}
	if job := s.submit(r.Context(), domain.KindProcessAppointment, appt); job != nil {
		resp.JobID = job.ID
	}
	s.submitNotification(r.Context(), domain.Notification{
		ID:        appt.ID,
		Type:      domain.NotificationAppointmentCreated,
		Recipient: appt.PatientEmail,
		Context:   mustJSON(appt),
	})

	respondJSON(w, http.StatusCreated, resp)
}

func (s *Server) updateAppointmentStatus(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var req UpdateStatusRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Status == "" {
		respondError(w, http.StatusBadRequest, "status is required")
		return
	}

	appt, oldStatus, err := s.dir.UpdateAppointmentStatus(r.Context(), id, req.Status)
	if errors.Is(err, storage.ErrNotFound) {
		respondError(w, http.StatusNotFound, "appointment not found")
		return
	}
	if err != nil {
		s.log.Error("update appointment status", zap.Error(err))
		respondError(w, http.StatusInternalServerError, "could not update appointment")
		return
	}

	if oldStatus != appt.Status {
		s.submitNotification(r.Context(), domain.Notification{
			ID:        appt.ID,
			Type:      domain.NotificationAppointmentStatusChanged,
			Recipient: appt.PatientEmail,
			Context:   mustJSON(appt),
			OldStatus: oldStatus,
			NewStatus: appt.Status,
		})
	}

	respondJSON(w, http.StatusOK, UpdateStatusResponse{Appointment: appt, OldStatus: oldStatus})
}

func (s *Server) deleteAppointment(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	appt, err := s.dir.DeleteAppointment(r.Context(), id)
	if errors.Is(err, storage.ErrNotFound) {
		respondError(w, http.StatusNotFound, "appointment not found")
		return
	}
	if err != nil {
		s.log.Error("delete appointment", zap.Error(err))
		respondError(w, http.StatusInternalServerError, "could not delete appointment")
		return
	}

	s.submitNotification(r.Context(), domain.Notification{
		ID:        appt.ID,
		Type:      domain.NotificationAppointmentCancelled,
		Recipient: appt.PatientEmail,
		Context:   mustJSON(appt),
	})

	respondJSON(w, http.StatusOK, map[string]any{"deleted": appt.ID})
}

func (s *Server) addToWaitlist(w http.ResponseWriter, r *http.Request) {
	var req WaitlistRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.PatientName == "" || req.PatientEmail == "" {
		respondError(w, http.StatusBadRequest, "patient_name and patient_email are required")
		return
	}

	entry, err := s.dir.InsertWaitlistEntry(r.Context(), storage.InsertWaitlistParams{
		PatientName:  req.PatientName,
		PatientEmail: req.PatientEmail,
		DoctorID:     req.DoctorID,
	})
	if err != nil {
		s.log.Error("insert waitlist entry", zap.Error(err))
		respondError(w, http.StatusInternalServerError, "could not add to waitlist")
		return
	}

	s.submitNotification(r.Context(), domain.Notification{
		ID:        entry.ID,
		Type:      domain.NotificationWaitlistAdded,
		Recipient: entry.PatientEmail,
		Context:   mustJSON(entry),
	})

	respondJSON(w, http.StatusCreated, entry)
}

func (s *Server) queueStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.inspector.Stats(r.Context())
	if err != nil {
		s.log.Error("queue stats", zap.Error(err))
		respondError(w, http.StatusServiceUnavailable, "queue store unavailable")
		return
	}
	respondJSON(w, http.StatusOK, stats)
}

// submit enqueues and logs instead of failing; background work must not
// break the request that triggered it.
func (s *Server) submit(ctx context.Context, kind domain.Kind, payload any, opts ...queue.Option) *domain.Job {
	job, err := s.jobs.Submit(ctx, kind, payload, opts...)
	if err != nil {
		s.log.Warn("enqueue skipped", zap.String("kind", string(kind)), zap.Error(err))
		return nil
	}
	return job
}

func (s *Server) submitNotification(ctx context.Context, n domain.Notification) {
	s.submit(ctx, domain.KindSendNotification, n)
}

func mustJSON(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return b
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, msg string) {
	respondJSON(w, status, map[string]any{"success": false, "message": msg})
}
