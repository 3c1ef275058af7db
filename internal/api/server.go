// Package api exposes connection lifecycle, sending and diagnostics over HTTP.
package api

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/justinas/alice"
	"github.com/rs/zerolog/hlog"
	"github.com/rs/zerolog/log"

	"lexbridge/internal/apperr"
	"lexbridge/internal/db"
	"lexbridge/internal/media"
	"lexbridge/internal/metrics"
	"lexbridge/internal/models"
	"lexbridge/internal/realtime"
	"lexbridge/internal/session"
)

// Sessions is the lifecycle surface of the session manager.
type Sessions interface {
	Create(ctx context.Context, connectionID string) (*session.Session, error)
	Disconnect(ctx context.Context, connectionID string) error
	IsAlive(connectionID string) bool
	Snapshot(ctx context.Context) ([]session.SessionInfo, error)
}

// Sender is the outbound dispatcher.
type Sender interface {
	Send(ctx context.Context, connectionID, messageID string) error
	SendText(ctx context.Context, connectionID, to, text string) (string, error)
	SendMedia(ctx context.Context, connectionID, to string, contentType models.ContentType, blobRef, caption string) (string, error)
	MarkRead(ctx context.Context, connectionID, identity string, externalIDs []string) error
}

// Delivery is the realtime fan-out seen by diagnostics.
type Delivery interface {
	Stats() realtime.DeliveryStats
	Pending(tenantID string, limit int) []realtime.Event
	Event(id string) (realtime.Event, bool)
	Retry(id string) bool
}

// Store is the persistence the handlers read.
type Store interface {
	GetConnection(ctx context.Context, id string) (*models.Connection, error)
	GetMessage(ctx context.Context, id string) (*models.Message, error)
	GetTicket(ctx context.Context, id string) (*models.Ticket, error)
}

// Server holds the handler dependencies.
type Server struct {
	sessions Sessions
	sender   Sender
	delivery Delivery
	store    Store
	blobs    media.BlobStore
	token    string
	router   *mux.Router
}

// New builds the server and its routes.
func New(sessions Sessions, sender Sender, delivery Delivery, store Store, blobs media.BlobStore, token string) *Server {
	s := &Server{
		sessions: sessions,
		sender:   sender,
		delivery: delivery,
		store:    store,
		blobs:    blobs,
		token:    token,
		router:   mux.NewRouter(),
	}
	if token == "" {
		log.Warn().Msg("API_TOKEN is empty, API authentication is disabled")
	}
	s.routes()
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) routes() {
	c := alice.New(
		hlog.NewHandler(log.Logger),
		hlog.AccessHandler(func(r *http.Request, status, size int, duration time.Duration) {
			hlog.FromRequest(r).Info().
				Str("method", r.Method).
				Stringer("url", r.URL).
				Int("status", status).
				Int("size", size).
				Dur("duration", duration).
				Msg("Got API request")
		}),
		hlog.RemoteAddrHandler("ip"),
		hlog.RequestIDHandler("reqID", "Request-Id"),
		s.recoverer,
	)
	authed := c.Append(s.authorize)

	s.router.Handle("/health", c.ThenFunc(func(w http.ResponseWriter, r *http.Request) {
		s.Respond(w, r, http.StatusOK, map[string]string{"status": "ok"})
	})).Methods(http.MethodGet)
	s.router.Handle("/metrics", c.Then(metrics.Handler())).Methods(http.MethodGet)

	s.router.Handle("/connections/{id}/session", authed.Then(s.CreateSession())).Methods(http.MethodPost)
	s.router.Handle("/connections/{id}/session", authed.Then(s.DeleteSession())).Methods(http.MethodDelete)
	s.router.Handle("/connections/{id}/alive", authed.Then(s.Alive())).Methods(http.MethodGet)
	s.router.Handle("/connections/{id}/send/text", authed.Then(s.SendText())).Methods(http.MethodPost)
	s.router.Handle("/connections/{id}/send/media", authed.Then(s.SendMedia())).Methods(http.MethodPost)
	s.router.Handle("/connections/{id}/read", authed.Then(s.MarkRead())).Methods(http.MethodPost)
	s.router.Handle("/messages/{id}/send", authed.Then(s.SendMessage())).Methods(http.MethodPost)

	s.router.Handle("/diagnostics/sessions", authed.Then(s.SessionDiagnostics())).Methods(http.MethodGet)
	s.router.Handle("/diagnostics/delivery", authed.Then(s.DeliveryStatus())).Methods(http.MethodGet)
	s.router.Handle("/diagnostics/delivery/retry", authed.Then(s.ForceRetry())).Methods(http.MethodPost)
	s.router.Handle("/diagnostics/delivery/{eventId}", authed.Then(s.EventStatus())).Methods(http.MethodGet)
	s.router.Handle("/diagnostics/delivery/{eventId}/retry", authed.Then(s.ForceRetry())).Methods(http.MethodPost)
}

// authorize accepts the token as a bearer credential or in the token header.
func (s *Server) authorize(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.token == "" {
			next.ServeHTTP(w, r)
			return
		}
		got := r.Header.Get("token")
		if got == "" {
			got = strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		}
		if subtle.ConstantTimeCompare([]byte(got), []byte(s.token)) != 1 {
			s.Respond(w, r, http.StatusUnauthorized, errors.New("unauthorized"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) recoverer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				hlog.FromRequest(r).Error().Interface("panic", rec).Msg("Handler panicked")
				s.Respond(w, r, http.StatusInternalServerError, errors.New("internal error"))
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// Respond writes the JSON envelope. An error payload sets success to false.
func (s *Server) Respond(w http.ResponseWriter, r *http.Request, status int, data interface{}) {
	envelope := map[string]interface{}{"code": status}
	if err, ok := data.(error); ok {
		envelope["error"] = err.Error()
		envelope["success"] = false
	} else {
		envelope["data"] = data
		envelope["success"] = status < http.StatusBadRequest
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(envelope); err != nil {
		hlog.FromRequest(r).Error().Err(err).Msg("Failed to encode JSON response")
	}
}

// respondError maps an application error onto its HTTP status. Causes are
// logged, never returned.
func (s *Server) respondError(w http.ResponseWriter, r *http.Request, err error) {
	code := apperr.CodeOf(err)
	message := apperr.MessageOf(err)
	switch {
	case code != apperr.CodeInternal:
	case errors.Is(err, db.ErrNotFound):
		code, message = apperr.CodeNotFound, "not found"
	case errors.Is(err, session.ErrNoSession), errors.Is(err, session.ErrNotLoggedIn):
		code, message = apperr.CodeNoConnection, "connection is not connected"
	}

	status := statusFor(code)
	if errors.Is(err, session.ErrShuttingDown) {
		status = http.StatusServiceUnavailable
	}
	ev := hlog.FromRequest(r).Warn()
	if status >= http.StatusInternalServerError {
		ev = hlog.FromRequest(r).Error()
	}
	ev.Err(err).Str("code", string(code)).Msg("Request failed")

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"code":      status,
		"success":   false,
		"error":     message,
		"errorCode": code,
	})
}

func statusFor(code apperr.Code) int {
	switch code {
	case apperr.CodeInvalidInput:
		return http.StatusBadRequest
	case apperr.CodeNotFound:
		return http.StatusNotFound
	case apperr.CodeNoConnection:
		return http.StatusConflict
	case apperr.CodeNoPhone:
		return http.StatusUnprocessableEntity
	case apperr.CodeSendError:
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

func decode(r *http.Request, v interface{}) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return apperr.Wrap(err, apperr.CodeInvalidInput, "could not decode payload")
	}
	return nil
}
