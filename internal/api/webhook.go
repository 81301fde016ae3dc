package api

import (
	"encoding/json"
	"net/http"

	"go.uber.org/zap"

	"github.com/you/drcal/internal/domain"
)

// handleDBEvent is the ingestion adapter for database change notifications.
// Each event fans out to at most one job; enqueue failures are logged and the
// webhook is still acknowledged so the feed does not retry forever.
func (s *Server) handleDBEvent(w http.ResponseWriter, r *http.Request) {
	var ev DBEvent
	if err := json.NewDecoder(r.Body).Decode(&ev); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if ev.Type == "" || ev.Table == "" {
		respondError(w, http.StatusBadRequest, "type and table are required")
		return
	}

	switch ev.Type {
	case "INSERT":
		s.handleInsertEvent(r, ev)
	case "UPDATE":
		s.handleUpdateEvent(r, ev)
	case "DELETE":
		s.handleDeleteEvent(r, ev)
	default:
		s.log.Info("unsupported event type", zap.String("type", ev.Type))
	}

	respondJSON(w, http.StatusOK, map[string]any{"success": true})
}

func (s *Server) handleInsertEvent(r *http.Request, ev DBEvent) {
	switch ev.Table {
	case "appointments":
		s.submit(r.Context(), domain.KindProcessAppointment, ev.Record)

	case "waitlist":
		var entry domain.WaitlistEntry
		if err := json.Unmarshal(ev.Record, &entry); err != nil {
			s.log.Warn("bad waitlist record", zap.Error(err))
			return
		}
		s.submitNotification(r.Context(), domain.Notification{
			ID:        entry.ID,
			Type:      domain.NotificationWaitlistAdded,
			Recipient: entry.PatientEmail,
			Context:   ev.Record,
		})

	case "auth.users":
		s.handleAuthUserCreated(r, ev)

	default:
		s.log.Info("unsupported table for INSERT", zap.String("table", ev.Table))
	}
}

func (s *Server) handleUpdateEvent(r *http.Request, ev DBEvent) {
	if ev.Table != "appointments" {
		s.log.Info("unsupported table for UPDATE", zap.String("table", ev.Table))
		return
	}

	var cur, old domain.Appointment
	if err := json.Unmarshal(ev.Record, &cur); err != nil {
		s.log.Warn("bad appointment record", zap.Error(err))
		return
	}
	if err := json.Unmarshal(ev.OldRecord, &old); err != nil {
		s.log.Warn("bad old appointment record", zap.Error(err))
		return
	}
	if cur.Status == old.Status {
		return
	}

	s.submitNotification(r.Context(), domain.Notification{
		ID:        cur.ID,
		Type:      domain.NotificationAppointmentStatusChanged,
		Recipient: cur.PatientEmail,
		Context:   ev.Record,
		OldStatus: old.Status,
		NewStatus: cur.Status,
	})
}

func (s *Server) handleDeleteEvent(r *http.Request, ev DBEvent) {
	if ev.Table != "appointments" {
		s.log.Info("unsupported table for DELETE", zap.String("table", ev.Table))
		return
	}

	var old domain.Appointment
	if err := json.Unmarshal(ev.OldRecord, &old); err != nil {
		s.log.Warn("bad old appointment record", zap.Error(err))
		return
	}

	s.submitNotification(r.Context(), domain.Notification{
		ID:        old.ID,
		Type:      domain.NotificationAppointmentCancelled,
		Recipient: old.PatientEmail,
		Context:   ev.OldRecord,
	})
}

// handleAuthUserCreated mirrors a new auth-level user into the users table
// and greets them. Failures here stay local: the event may also carry other
// work and webhooks get replayed.
func (s *Server) handleAuthUserCreated(r *http.Request, ev DBEvent) {
	var user struct {
		ID    string `json:"id"`
		Email string `json:"email"`
	}
	if err := json.Unmarshal(ev.Record, &user); err != nil || user.ID == "" {
		s.log.Warn("bad auth user record", zap.Error(err))
		return
	}

	if err := s.dir.InsertUser(r.Context(), user.ID); err != nil {
		s.log.Error("insert user", zap.String("user_id", user.ID), zap.Error(err))
		return
	}

	s.submitNotification(r.Context(), domain.Notification{
		ID:        user.ID,
		Type:      domain.NotificationUserCreated,
		Recipient: user.Email,
		Context:   ev.Record,
	})
}
