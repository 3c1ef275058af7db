package api

import (
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/rs/zerolog/hlog"
	"github.com/vincent-petithory/dataurl"

	"lexbridge/internal/apperr"
	"lexbridge/internal/media"
	"lexbridge/internal/models"
)

type sendTextRequest struct {
	To   string `json:"to"`
	Text string `json:"text"`
}

type sendMediaRequest struct {
	To       string `json:"to"`
	Media    string `json:"media"`
	Type     string `json:"type,omitempty"`
	Caption  string `json:"caption,omitempty"`
	FileName string `json:"fileName,omitempty"`
}

type markReadRequest struct {
	Chat string   `json:"chat"`
	IDs  []string `json:"ids"`
}

type sendMessageRequest struct {
	ConnectionID string `json:"connectionId,omitempty"`
}

// CreateSession starts pairing or reconnects a connection, replacing any
// live session.
func (s *Server) CreateSession() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := mux.Vars(r)["id"]
		if _, err := s.sessions.Create(r.Context(), id); err != nil {
			s.respondError(w, r, err)
			return
		}
		s.Respond(w, r, http.StatusOK, map[string]interface{}{
			"connectionId": id,
			"alive":        s.sessions.IsAlive(id),
		})
	}
}

// DeleteSession logs the device out and erases its credentials.
func (s *Server) DeleteSession() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := mux.Vars(r)["id"]
		if err := s.sessions.Disconnect(r.Context(), id); err != nil {
			s.respondError(w, r, err)
			return
		}
		s.Respond(w, r, http.StatusOK, map[string]interface{}{
			"connectionId": id,
			"status":       models.ConnectionDisconnected,
		})
	}
}

func (s *Server) Alive() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := mux.Vars(r)["id"]
		s.Respond(w, r, http.StatusOK, map[string]interface{}{
			"connectionId": id,
			"alive":        s.sessions.IsAlive(id),
		})
	}
}

func (s *Server) SendText() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req sendTextRequest
		if err := decode(r, &req); err != nil {
			s.respondError(w, r, err)
			return
		}
		id, err := s.sender.SendText(r.Context(), mux.Vars(r)["id"], req.To, req.Text)
		if err != nil {
			s.respondError(w, r, err)
			return
		}
		s.Respond(w, r, http.StatusOK, map[string]string{"id": id})
	}
}

// SendMedia accepts the attachment as a data URL, stores it, then sends it.
func (s *Server) SendMedia() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		connectionID := mux.Vars(r)["id"]
		var req sendMediaRequest
		if err := decode(r, &req); err != nil {
			s.respondError(w, r, err)
			return
		}

		payload, err := dataurl.DecodeString(req.Media)
		if err != nil {
			s.respondError(w, r, apperr.Wrap(err, apperr.CodeInvalidInput, "media must be a data URL"))
			return
		}
		mimeType := payload.MediaType.ContentType()

		contentType := contentTypeFor(mimeType)
		if req.Type != "" {
			var ok bool
			if contentType, ok = models.ParseContentType(req.Type); !ok || contentType == models.ContentText {
				s.respondError(w, r, apperr.New(apperr.CodeInvalidInput, "unknown media type"))
				return
			}
		}

		conn, err := s.store.GetConnection(r.Context(), connectionID)
		if err != nil {
			s.respondError(w, r, err)
			return
		}

		name := uuid.NewString() + media.ExtensionFor(mimeType)
		if req.FileName != "" && !strings.ContainsAny(req.FileName, `/\`) {
			name = uuid.NewString()[:8] + "-" + req.FileName
		}
		ref, err := s.blobs.Write(r.Context(), conn.TenantID, name, mimeType, payload.Data)
		if err != nil {
			s.respondError(w, r, apperr.Wrap(err, apperr.CodeInternal, "attachment could not be stored"))
			return
		}
		hlog.FromRequest(r).Debug().Str("ref", ref).Str("mimeType", mimeType).Msg("Attachment stored for sending")

		id, err := s.sender.SendMedia(r.Context(), connectionID, req.To, contentType, ref, req.Caption)
		if err != nil {
			s.respondError(w, r, err)
			return
		}
		resp := map[string]string{"id": id, "media": ref}
		if linker, ok := s.blobs.(media.PublicLinker); ok {
			resp["url"] = linker.PublicURL(ref)
		}
		s.Respond(w, r, http.StatusOK, resp)
	}
}

func (s *Server) MarkRead() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req markReadRequest
		if err := decode(r, &req); err != nil {
			s.respondError(w, r, err)
			return
		}
		if err := s.sender.MarkRead(r.Context(), mux.Vars(r)["id"], req.Chat, req.IDs); err != nil {
			s.respondError(w, r, err)
			return
		}
		s.Respond(w, r, http.StatusOK, map[string]int{"read": len(req.IDs)})
	}
}

// SendMessage delivers a stored ticket message now. The connection defaults
// to the ticket's.
func (s *Server) SendMessage() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		messageID := mux.Vars(r)["id"]
		var req sendMessageRequest
		if r.ContentLength != 0 {
			if err := decode(r, &req); err != nil {
				s.respondError(w, r, err)
				return
			}
		}

		connectionID := req.ConnectionID
		if connectionID == "" {
			msg, err := s.store.GetMessage(r.Context(), messageID)
			if err != nil {
				s.respondError(w, r, err)
				return
			}
			ticket, err := s.store.GetTicket(r.Context(), msg.TicketID)
			if err != nil {
				s.respondError(w, r, err)
				return
			}
			connectionID = ticket.ConnectionID
		}

		if err := s.sender.Send(r.Context(), connectionID, messageID); err != nil {
			s.respondError(w, r, err)
			return
		}
		s.Respond(w, r, http.StatusOK, map[string]string{"messageId": messageID, "status": string(models.MessageSent)})
	}
}

func contentTypeFor(mimeType string) models.ContentType {
	switch media.KindFor(mimeType) {
	case "stickers":
		return models.ContentSticker
	case "images":
		return models.ContentImage
	case "videos":
		return models.ContentVideo
	case "audio":
		return models.ContentAudio
	}
	return models.ContentDocument
}
