package api

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog/hlog"

	"lexbridge/internal/realtime"
)

const defaultPendingLimit = 50

// SessionDiagnostics lists in-memory and persisted sessions with stale flags.
func (s *Server) SessionDiagnostics() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		infos, err := s.sessions.Snapshot(r.Context())
		if err != nil {
			s.respondError(w, r, err)
			return
		}
		stale := 0
		for _, info := range infos {
			if info.Stale {
				stale++
			}
		}
		s.Respond(w, r, http.StatusOK, map[string]interface{}{
			"sessions": infos,
			"total":    len(infos),
			"stale":    stale,
		})
	}
}

// DeliveryStatus reports fan-out counters and the oldest pending events,
// optionally filtered by the tenant query parameter.
func (s *Server) DeliveryStatus() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tenantID := r.URL.Query().Get("tenant")
		limit := defaultPendingLimit
		if v := r.URL.Query().Get("limit"); v != "" {
			if parsed, err := strconv.Atoi(v); err == nil && parsed > 0 {
				limit = parsed
			}
		}

		events := s.delivery.Pending(tenantID, limit)
		s.Respond(w, r, http.StatusOK, struct {
			realtime.DeliveryStats
			Events []realtime.Event `json:"events"`
		}{s.delivery.Stats(), events})
	}
}

func (s *Server) EventStatus() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		evt, ok := s.delivery.Event(mux.Vars(r)["eventId"])
		if !ok {
			s.Respond(w, r, http.StatusNotFound, errors.New("event not found or already completed"))
			return
		}
		s.Respond(w, r, http.StatusOK, evt)
	}
}

// ForceRetry redelivers one pending event, or all of them without an id.
func (s *Server) ForceRetry() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		eventID := mux.Vars(r)["eventId"]
		if !s.delivery.Retry(eventID) {
			s.Respond(w, r, http.StatusNotFound, errors.New("event not found or in flight"))
			return
		}
		hlog.FromRequest(r).Info().Str("eventID", eventID).Msg("Manual delivery retry triggered")
		if eventID == "" {
			s.Respond(w, r, http.StatusOK, "retry triggered for all pending events")
			return
		}
		s.Respond(w, r, http.StatusOK, "retry triggered for event "+eventID)
	}
}
