// Package outbound sends tenant messages through live sessions.
package outbound

import (
	"context"
	"errors"
	"fmt"
	"mime"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"go.mau.fi/whatsmeow/types"

	"lexbridge/internal/apperr"
	"lexbridge/internal/db"
	"lexbridge/internal/media"
	"lexbridge/internal/metrics"
	"lexbridge/internal/models"
	"lexbridge/internal/realtime"
	"lexbridge/internal/session"
)

// Store is the persistence the dispatcher reads and updates.
type Store interface {
	GetMessage(ctx context.Context, id string) (*models.Message, error)
	GetTicket(ctx context.Context, id string) (*models.Ticket, error)
	GetContact(ctx context.Context, id string) (*models.Contact, error)
	MarkMessageSent(ctx context.Context, id, externalID string) error
}

// Sessions finds the live session of a connection.
type Sessions interface {
	Lookup(connectionID string) (session.Handle, error)
}

// Options configures a Dispatcher.
type Options struct {
	Store     Store
	Sessions  Sessions
	Blobs     media.BlobStore
	Publisher realtime.Publisher

	PresenceDelay      time.Duration
	AudioPresenceDelay time.Duration
	SendRate           float64
	SendBurst          int
}

// Dispatcher delivers outgoing messages with a short typing simulation.
type Dispatcher struct {
	store     Store
	sessions  Sessions
	blobs     media.BlobStore
	publisher realtime.Publisher
	limiter   *sendLimiter

	presenceDelay      time.Duration
	audioPresenceDelay time.Duration

	// Replaced in tests.
	sleep func(ctx context.Context, d time.Duration) error
	voice func(ctx context.Context, audio []byte) (*media.VoiceNote, error)
}

// NewDispatcher creates a dispatcher.
func NewDispatcher(opts Options) *Dispatcher {
	return &Dispatcher{
		store:              opts.Store,
		sessions:           opts.Sessions,
		blobs:              opts.Blobs,
		publisher:          opts.Publisher,
		limiter:            newSendLimiter(opts.SendRate, opts.SendBurst),
		presenceDelay:      opts.PresenceDelay,
		audioPresenceDelay: opts.AudioPresenceDelay,
		sleep:              sleepContext,
		voice:              media.PrepareVoiceNote,
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Send delivers a stored ticket message. On success the message carries the
// wire id and status SENT. On failure a ticket:error is published and the
// message is left as it was.
func (d *Dispatcher) Send(ctx context.Context, connectionID, messageID string) error {
	msg, err := d.store.GetMessage(ctx, messageID)
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			return apperr.New(apperr.CodeNotFound, "message not found")
		}
		return fmt.Errorf("failed to load message %s: %w", messageID, err)
	}
	if msg.SenderType != models.SenderUser || msg.Status != models.MessageScheduled || msg.ExternalID != nil {
		return apperr.New(apperr.CodeInvalidInput, "only scheduled user messages can be sent")
	}
	ticket, err := d.store.GetTicket(ctx, msg.TicketID)
	if err != nil {
		return fmt.Errorf("failed to load ticket %s: %w", msg.TicketID, err)
	}
	contact, err := d.store.GetContact(ctx, ticket.ContactID)
	if err != nil {
		return fmt.Errorf("failed to load contact %s: %w", ticket.ContactID, err)
	}

	fail := func(code apperr.Code, text string, cause error) error {
		return d.fail(ctx, msg, code, text, cause)
	}

	sess, err := d.live(connectionID)
	if err != nil {
		return fail(apperr.CodeNoConnection, "connection is not connected", err)
	}

	target := contact.Phone
	if ticket.IsGroup && contact.WireIdentity != nil {
		target = *contact.WireIdentity
	}
	if strings.TrimSpace(target) == "" {
		return fail(apperr.CodeNoPhone, "contact has no phone number", nil)
	}
	to, err := sess.Resolve(ctx, target)
	if err != nil {
		return fail(apperr.CodeNoPhone, "contact phone could not be resolved", err)
	}

	out := outgoing{Type: msg.ContentType, Text: msg.Content}
	if msg.MediaPath != nil && *msg.MediaPath != "" {
		out.Data, err = d.blobs.Read(ctx, *msg.MediaPath)
		if err != nil {
			return fail(apperr.CodeSendError, "attachment could not be read", err)
		}
		out.FileName = path.Base(*msg.MediaPath)
		if msg.MediaMime != nil {
			out.MimeType = *msg.MediaMime
		} else {
			out.MimeType = detectMime(out.FileName, out.Data)
		}
		if msg.ContentType != models.ContentDocument {
			out.FileName = ""
		}
	}

	wireID, err := d.deliver(ctx, sess, to, out)
	if err != nil {
		return fail(apperr.CodeSendError, "message could not be sent", err)
	}

	if err := d.store.MarkMessageSent(ctx, msg.ID, string(wireID)); err != nil {
		log.Error().Err(err).Str("messageID", msg.ID).Str("externalID", wireID).Msg("Sent message could not be marked as sent")
		return err
	}
	d.publisher.Publish(ctx, msg.TenantID, realtime.TopicMessageStatus, map[string]interface{}{
		"messageId":  msg.ID,
		"ticketId":   msg.TicketID,
		"externalId": wireID,
		"status":     models.MessageSent,
	})
	metrics.OutboundSends.WithLabelValues("sent").Inc()

	log.Info().
		Str("connectionID", connectionID).
		Str("messageID", msg.ID).
		Str("externalID", wireID).
		Msg("Message sent")
	return nil
}

// SendText sends a plain text to a free-form recipient and returns the wire id.
func (d *Dispatcher) SendText(ctx context.Context, connectionID, to, text string) (string, error) {
	if strings.TrimSpace(text) == "" {
		return "", apperr.New(apperr.CodeInvalidInput, "text is required")
	}
	return d.sendDirect(ctx, connectionID, to, outgoing{Type: models.ContentText, Text: text})
}

// SendMedia sends a stored blob to a free-form recipient and returns the wire id.
func (d *Dispatcher) SendMedia(ctx context.Context, connectionID, to string, contentType models.ContentType, blobRef, caption string) (string, error) {
	if contentType == models.ContentText {
		return "", apperr.New(apperr.CodeInvalidInput, "media type is required")
	}
	data, err := d.blobs.Read(ctx, blobRef)
	if err != nil {
		return "", apperr.Wrap(err, apperr.CodeNotFound, "attachment not found")
	}
	name := path.Base(blobRef)
	out := outgoing{
		Type:     contentType,
		Text:     caption,
		Data:     data,
		MimeType: detectMime(name, data),
	}
	if contentType == models.ContentDocument {
		out.FileName = name
	}
	return d.sendDirect(ctx, connectionID, to, out)
}

func (d *Dispatcher) sendDirect(ctx context.Context, connectionID, to string, out outgoing) (string, error) {
	sess, err := d.live(connectionID)
	if err != nil {
		metrics.OutboundSends.WithLabelValues(string(apperr.CodeNoConnection)).Inc()
		return "", apperr.Wrap(err, apperr.CodeNoConnection, "connection is not connected")
	}
	if strings.TrimSpace(to) == "" {
		metrics.OutboundSends.WithLabelValues(string(apperr.CodeNoPhone)).Inc()
		return "", apperr.New(apperr.CodeNoPhone, "recipient is required")
	}
	jid, err := sess.Resolve(ctx, to)
	if err != nil {
		metrics.OutboundSends.WithLabelValues(string(apperr.CodeNoPhone)).Inc()
		return "", apperr.Wrap(err, apperr.CodeNoPhone, "recipient could not be resolved")
	}
	id, err := d.deliver(ctx, sess, jid, out)
	if err != nil {
		metrics.OutboundSends.WithLabelValues(string(apperr.CodeSendError)).Inc()
		return "", apperr.Wrap(err, apperr.CodeSendError, "message could not be sent")
	}
	metrics.OutboundSends.WithLabelValues("sent").Inc()
	return string(id), nil
}

// MarkRead sends read receipts for messages received from identity.
func (d *Dispatcher) MarkRead(ctx context.Context, connectionID, identity string, externalIDs []string) error {
	if len(externalIDs) == 0 {
		return apperr.New(apperr.CodeInvalidInput, "at least one message id is required")
	}
	sess, err := d.live(connectionID)
	if err != nil {
		return apperr.Wrap(err, apperr.CodeNoConnection, "connection is not connected")
	}
	chat, err := sess.Resolve(ctx, identity)
	if err != nil {
		return apperr.Wrap(err, apperr.CodeNoPhone, "chat could not be resolved")
	}
	ids := make([]types.MessageID, len(externalIDs))
	for i, id := range externalIDs {
		ids[i] = types.MessageID(id)
	}
	if err := sess.Socket().MarkRead(ctx, ids, time.Now(), chat, types.EmptyJID); err != nil {
		return apperr.Wrap(err, apperr.CodeSendError, "read receipt could not be sent")
	}
	return nil
}

func (d *Dispatcher) live(connectionID string) (session.Handle, error) {
	sess, err := d.sessions.Lookup(connectionID)
	if err != nil {
		return nil, err
	}
	if !sess.IsAlive() {
		return nil, session.ErrNotLoggedIn
	}
	return sess, nil
}

// deliver waits for the connection's rate limit, simulates typing or
// recording, and sends.
func (d *Dispatcher) deliver(ctx context.Context, sess session.Handle, to types.JID, out outgoing) (types.MessageID, error) {
	if err := d.limiter.Wait(ctx, sess.ConnectionID()); err != nil {
		return "", err
	}
	socket := sess.Socket()

	msg, err := d.build(ctx, socket, out)
	if err != nil {
		return "", err
	}

	if err := d.simulatePresence(ctx, sess, to, out.Type == models.ContentAudio); err != nil {
		return "", err
	}

	resp, err := socket.SendMessage(ctx, to, msg)
	if err != nil {
		return "", err
	}
	sess.RememberSent(resp.ID, msg)
	return resp.ID, nil
}

func (d *Dispatcher) simulatePresence(ctx context.Context, sess session.Handle, to types.JID, audio bool) error {
	socket := sess.Socket()
	logger := log.With().Str("connectionID", sess.ConnectionID()).Str("to", to.String()).Logger()

	if err := socket.SubscribePresence(ctx, to); err != nil {
		logger.Debug().Err(err).Msg("Presence subscription failed")
	}

	delay, mediaKind := d.presenceDelay, types.ChatPresenceMediaText
	if audio {
		delay, mediaKind = d.audioPresenceDelay, types.ChatPresenceMediaAudio
	}
	if err := socket.SendChatPresence(ctx, to, types.ChatPresenceComposing, mediaKind); err != nil {
		logger.Debug().Err(err).Msg("Chat presence failed")
	}
	if err := d.sleep(ctx, delay); err != nil {
		return err
	}
	if err := socket.SendChatPresence(ctx, to, types.ChatPresencePaused, types.ChatPresenceMediaText); err != nil {
		logger.Debug().Err(err).Msg("Chat presence failed")
	}
	return nil
}

func (d *Dispatcher) fail(ctx context.Context, msg *models.Message, code apperr.Code, text string, cause error) error {
	metrics.OutboundSends.WithLabelValues(string(code)).Inc()
	d.publisher.Publish(ctx, msg.TenantID, realtime.TopicTicketError, map[string]interface{}{
		"ticketId":  msg.TicketID,
		"messageId": msg.ID,
		"code":      code,
		"message":   text,
	})
	log.Warn().
		Err(cause).
		Str("messageID", msg.ID).
		Str("ticketID", msg.TicketID).
		Str("code", string(code)).
		Msg(text)
	if cause == nil {
		return apperr.New(code, text)
	}
	return apperr.Wrap(cause, code, text)
}

// detectMime prefers the file extension and falls back to content sniffing.
func detectMime(name string, data []byte) string {
	if ext := path.Ext(name); ext != "" {
		if mt := mime.TypeByExtension(ext); mt != "" {
			return mt
		}
	}
	return http.DetectContentType(data)
}
