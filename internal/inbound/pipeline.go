// Package inbound turns protocol events into contacts, tickets and messages.
package inbound

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"

	"lexbridge/internal/db"
	"lexbridge/internal/media"
	"lexbridge/internal/metrics"
	"lexbridge/internal/models"
	"lexbridge/internal/realtime"
	"lexbridge/internal/session"
)

// Store is the persistence the pipeline writes through.
type Store interface {
	MessageExists(ctx context.Context, externalID string) (bool, error)
	FindCaseByGroup(ctx context.Context, tenantID, groupJID string) (*models.Case, error)
	FindContactByPhone(ctx context.Context, tenantID string, phones ...string) (*models.Contact, error)
	CreateContact(ctx context.Context, c *models.Contact) error
	UpdateContactIdentity(ctx context.Context, id string, wireIdentity *string, name string) error
	UpdateContactPicture(ctx context.Context, id string, url *string) error
	FindOpenTicket(ctx context.Context, tenantID, contactID, channel string) (*models.Ticket, error)
	CreateTicket(ctx context.Context, t *models.Ticket) error
	TouchTicket(ctx context.Context, id, lastMessage string, at time.Time, awaitingReply bool) error
	CreateMessage(ctx context.Context, m *models.Message) error
	GetMessageByExternalID(ctx context.Context, externalID string) (*models.Message, error)
	UpdateMessageStatus(ctx context.Context, id string, status models.MessageStatus, readAt *time.Time) error
}

// Credentials receives the device identity once pairing succeeds.
type Credentials interface {
	Save(ctx context.Context, connectionID string, jid types.JID) error
}

// Pipeline handles every non-lifecycle session event.
type Pipeline struct {
	store       Store
	blobs       media.BlobStore
	credentials Credentials
	publisher   realtime.Publisher

	// ticketMu serializes ticket find-or-create across sessions of a tenant.
	ticketMu sync.Mutex
}

// NewPipeline wires the pipeline to its collaborators.
func NewPipeline(store Store, blobs media.BlobStore, credentials Credentials, publisher realtime.Publisher) *Pipeline {
	return &Pipeline{store: store, blobs: blobs, credentials: credentials, publisher: publisher}
}

// HandleEvent is called on the session goroutine, in arrival order.
func (p *Pipeline) HandleEvent(ctx context.Context, src session.Source, evt interface{}) {
	switch e := evt.(type) {
	case *events.Message:
		p.handleMessage(ctx, src, e)
	case *events.Receipt:
		p.handleReceipt(ctx, src, e)
	case *events.PairSuccess:
		if err := p.credentials.Save(ctx, src.ConnectionID(), e.ID); err != nil {
			log.Error().Err(err).Str("connectionID", src.ConnectionID()).Msg("Failed to persist paired device")
		}
	}
}

func drop(reason string) {
	metrics.InboundDropped.WithLabelValues(reason).Inc()
}

func (p *Pipeline) handleMessage(ctx context.Context, src session.Source, evt *events.Message) {
	info := evt.Info
	tenantID := src.TenantID()
	logger := log.With().
		Str("connectionID", src.ConnectionID()).
		Str("messageID", info.ID).
		Str("chat", info.Chat.String()).
		Logger()

	switch info.Chat.Server {
	case types.BroadcastServer, types.NewsletterServer:
		drop("broadcast")
		return
	}

	content, ok := Classify(Unwrap(evt.Message))
	if !ok {
		drop("empty")
		return
	}

	exists, err := p.store.MessageExists(ctx, info.ID)
	if err != nil {
		logger.Error().Err(err).Msg("Failed to check for duplicate message")
		return
	}
	if exists {
		drop("duplicate")
		return
	}

	isGroup := info.Chat.Server == types.GroupServer
	if isGroup && !p.groupAdmitted(ctx, src, info.Chat) {
		logger.Debug().Msg("Group message blocked by connection policy")
		drop("group_blocked")
		return
	}

	contact, err := p.findOrCreateContact(ctx, src, info, isGroup)
	if err != nil {
		logger.Error().Err(err).Msg("Failed to resolve contact")
		return
	}
	ticket, created, err := p.findOrCreateTicket(ctx, src, contact, isGroup)
	if err != nil {
		logger.Error().Err(err).Str("contactID", contact.ID).Msg("Failed to resolve ticket")
		return
	}

	msg := &models.Message{
		TicketID:    ticket.ID,
		TenantID:    tenantID,
		SenderType:  models.SenderContact,
		ContentType: content.Type,
		Content:     content.Text,
		ExternalID:  models.StringPtr(info.ID),
		Status:      models.MessageDelivered,
		CreatedAt:   info.Timestamp.UTC(),
	}
	if info.IsFromMe {
		msg.SenderType = models.SenderUser
		msg.Status = models.MessageSent
	}
	if content.Media != nil {
		if ref := p.storeMedia(ctx, src, content); ref != "" {
			msg.MediaPath = models.StringPtr(ref)
			msg.MediaMime = models.StringPtr(content.MimeType)
		}
	}

	if err := p.store.CreateMessage(ctx, msg); err != nil {
		if errors.Is(err, db.ErrDuplicate) {
			drop("duplicate")
			return
		}
		logger.Error().Err(err).Msg("Failed to persist message")
		return
	}
	metrics.InboundMessages.WithLabelValues(string(content.Type)).Inc()

	at := msg.CreatedAt
	if at.IsZero() {
		at = time.Now().UTC()
	}
	if err := p.store.TouchTicket(ctx, ticket.ID, msg.Content, at, !info.IsFromMe); err != nil {
		logger.Warn().Err(err).Str("ticketID", ticket.ID).Msg("Failed to bump ticket activity")
	}
	ticket.LastMessage = msg.Content
	ticket.LastActivityAt = at
	ticket.AwaitingReply = !info.IsFromMe

	topic := realtime.TopicTicketUpdate
	if created {
		topic = realtime.TopicTicketNew
	}
	p.publisher.Publish(ctx, tenantID, topic, map[string]interface{}{"ticket": ticket, "contact": contact})
	p.publisher.Publish(ctx, tenantID, realtime.TopicMessageNew, map[string]interface{}{"ticketId": ticket.ID, "message": msg})

	logger.Info().
		Str("ticketID", ticket.ID).
		Str("contentType", string(content.Type)).
		Bool("fromMe", info.IsFromMe).
		Msg("Inbound message stored")
}

// groupAdmitted applies the connection's group policy. Case linkage is a
// best-effort match on the group identity.
func (p *Pipeline) groupAdmitted(ctx context.Context, src session.Source, chat types.JID) bool {
	cfg := src.Connection().Config
	if !cfg.BlockGroups {
		return true
	}
	for _, allowed := range cfg.GroupWhitelist {
		allowed = strings.TrimSpace(allowed)
		if allowed == chat.String() || allowed == chat.User {
			return true
		}
	}
	_, err := p.store.FindCaseByGroup(ctx, src.TenantID(), chat.String())
	if err == nil {
		return true
	}
	if !errors.Is(err, db.ErrNotFound) {
		log.Warn().Err(err).Str("group", chat.String()).Msg("Failed to look up case for group")
	}
	return false
}

// storeMedia returns the blob reference, or "" when the attachment could not
// be kept. The message is stored either way.
func (p *Pipeline) storeMedia(ctx context.Context, src session.Source, content Content) string {
	data, err := src.Socket().Download(ctx, content.Media)
	if err != nil {
		log.Warn().Err(err).Str("connectionID", src.ConnectionID()).Msg("Failed to download inbound media")
		return ""
	}
	ext := filepath.Ext(content.FileName)
	if ext == "" {
		ext = media.ExtensionFor(content.MimeType)
	}
	ref, err := p.blobs.Write(ctx, src.TenantID(), uuid.NewString()+ext, content.MimeType, data)
	if err != nil {
		log.Warn().Err(err).Str("connectionID", src.ConnectionID()).Msg("Failed to store inbound media")
		return ""
	}
	return ref
}
