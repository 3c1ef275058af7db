package db

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"lexbridge/internal/models"
)

// CreateConnection inserts a new connection record.
func (s *Store) CreateConnection(ctx context.Context, c *models.Connection) error {
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	if c.Type == "" {
		c.Type = models.ChannelWhatsApp
	}
	if c.Status == "" {
		c.Status = models.ConnectionDisconnected
	}
	c.UpdatedAt = time.Now().UTC()
	_, err := s.db.NamedExecContext(ctx, `
		INSERT INTO connections (id, tenant_id, name, type, status, pairing_code, device_jid, config, updated_at)
		VALUES (:id, :tenant_id, :name, :type, :status, :pairing_code, :device_jid, :config, :updated_at)`, c)
	if err != nil {
		return fmt.Errorf("failed to create connection: %w", err)
	}
	return nil
}

// GetConnection loads a connection by id.
func (s *Store) GetConnection(ctx context.Context, id string) (*models.Connection, error) {
	var c models.Connection
	err := s.db.GetContext(ctx, &c, s.rebind(`SELECT * FROM connections WHERE id = ?`), id)
	if err != nil {
		return nil, notFound(err)
	}
	return &c, nil
}

// ListConnectionsByStatus returns every connection in one of the given states.
func (s *Store) ListConnectionsByStatus(ctx context.Context, statuses ...models.ConnectionStatus) ([]models.Connection, error) {
	if len(statuses) == 0 {
		return nil, nil
	}
	query, args, err := sqlx.In(`SELECT * FROM connections WHERE status IN (?) ORDER BY id`, statuses)
	if err != nil {
		return nil, err
	}
	var out []models.Connection
	if err := s.db.SelectContext(ctx, &out, s.rebind(query), args...); err != nil {
		return nil, fmt.Errorf("failed to list connections: %w", err)
	}
	return out, nil
}

// UpdateConnectionStatus persists the status and pairing code of a connection.
func (s *Store) UpdateConnectionStatus(ctx context.Context, id string, status models.ConnectionStatus, pairingCode *string) error {
	res, err := s.db.ExecContext(ctx, s.rebind(`
		UPDATE connections SET status = ?, pairing_code = ?, updated_at = ? WHERE id = ?`),
		status, pairingCode, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to update connection status: %w", err)
	}
	return mustAffect(res)
}

// SetConnectionDevice records (or clears, with nil) the device JID paired to a connection.
func (s *Store) SetConnectionDevice(ctx context.Context, id string, jid *string) error {
	res, err := s.db.ExecContext(ctx, s.rebind(`
		UPDATE connections SET device_jid = ?, updated_at = ? WHERE id = ?`),
		jid, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to update connection device: %w", err)
	}
	return mustAffect(res)
}

// FindContactByPhone returns the tenant's contact stored under any of the given phone forms.
func (s *Store) FindContactByPhone(ctx context.Context, tenantID string, phones ...string) (*models.Contact, error) {
	if len(phones) == 0 {
		return nil, ErrNotFound
	}
	query, args, err := sqlx.In(`SELECT * FROM contacts WHERE tenant_id = ? AND phone IN (?) ORDER BY created_at LIMIT 1`, tenantID, phones)
	if err != nil {
		return nil, err
	}
	var c models.Contact
	if err := s.db.GetContext(ctx, &c, s.rebind(query), args...); err != nil {
		return nil, notFound(err)
	}
	return &c, nil
}

// GetContact loads a contact by id.
func (s *Store) GetContact(ctx context.Context, id string) (*models.Contact, error) {
	var c models.Contact
	if err := s.db.GetContext(ctx, &c, s.rebind(`SELECT * FROM contacts WHERE id = ?`), id); err != nil {
		return nil, notFound(err)
	}
	return &c, nil
}

// CreateContact inserts a contact. A concurrent insert of the same tenant+phone
// resolves to the row that won.
func (s *Store) CreateContact(ctx context.Context, c *models.Contact) error {
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	if c.Category == "" {
		c.Category = models.ContactCategoryLead
	}
	c.CreatedAt = time.Now().UTC()
	res, err := s.db.NamedExecContext(ctx, `
		INSERT INTO contacts (id, tenant_id, phone, wire_identity, name, category, profile_pic_url, created_at)
		VALUES (:id, :tenant_id, :phone, :wire_identity, :name, :category, :profile_pic_url, :created_at)
		ON CONFLICT (tenant_id, phone) DO NOTHING`, c)
	if err != nil {
		return fmt.Errorf("failed to create contact: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		existing, err := s.FindContactByPhone(ctx, c.TenantID, c.Phone)
		if err != nil {
			return err
		}
		*c = *existing
	}
	return nil
}

// UpdateContactIdentity stores the most recently verified wire identity and display name.
func (s *Store) UpdateContactIdentity(ctx context.Context, id string, wireIdentity *string, name string) error {
	_, err := s.db.ExecContext(ctx, s.rebind(`UPDATE contacts SET wire_identity = ?, name = ? WHERE id = ?`), wireIdentity, name, id)
	if err != nil {
		return fmt.Errorf("failed to update contact: %w", err)
	}
	return nil
}

// UpdateContactPicture stores the profile picture URL of a contact.
func (s *Store) UpdateContactPicture(ctx context.Context, id string, url *string) error {
	_, err := s.db.ExecContext(ctx, s.rebind(`UPDATE contacts SET profile_pic_url = ? WHERE id = ?`), url, id)
	if err != nil {
		return fmt.Errorf("failed to update contact picture: %w", err)
	}
	return nil
}

// FindOpenTicket returns the non-closed ticket for a tenant's contact on a channel.
func (s *Store) FindOpenTicket(ctx context.Context, tenantID, contactID, channel string) (*models.Ticket, error) {
	var t models.Ticket
	err := s.db.GetContext(ctx, &t, s.rebind(`
		SELECT * FROM tickets
		WHERE tenant_id = ? AND contact_id = ? AND channel = ? AND status <> ?
		ORDER BY created_at DESC LIMIT 1`),
		tenantID, contactID, channel, models.TicketClosed)
	if err != nil {
		return nil, notFound(err)
	}
	return &t, nil
}

// GetTicket loads a ticket by id.
func (s *Store) GetTicket(ctx context.Context, id string) (*models.Ticket, error) {
	var t models.Ticket
	if err := s.db.GetContext(ctx, &t, s.rebind(`SELECT * FROM tickets WHERE id = ?`), id); err != nil {
		return nil, notFound(err)
	}
	return &t, nil
}

// CreateTicket inserts a ticket.
func (s *Store) CreateTicket(ctx context.Context, t *models.Ticket) error {
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	if t.Status == "" {
		t.Status = models.TicketOpen
	}
	if t.Channel == "" {
		t.Channel = models.ChannelWhatsApp
	}
	now := time.Now().UTC()
	t.CreatedAt = now
	if t.LastActivityAt.IsZero() {
		t.LastActivityAt = now
	}
	_, err := s.db.NamedExecContext(ctx, `
		INSERT INTO tickets (id, tenant_id, contact_id, connection_id, status, channel, is_group, last_message,
			last_activity_at, awaiting_reply, unread_count, created_at)
		VALUES (:id, :tenant_id, :contact_id, :connection_id, :status, :channel, :is_group, :last_message,
			:last_activity_at, :awaiting_reply, :unread_count, :created_at)`, t)
	if err != nil {
		return fmt.Errorf("failed to create ticket: %w", err)
	}
	return nil
}

// TouchTicket bumps the ticket's last activity. Inbound contact messages
// set awaitingReply and increment the unread counter.
func (s *Store) TouchTicket(ctx context.Context, id, lastMessage string, at time.Time, awaitingReply bool) error {
	unread := 0
	if awaitingReply {
		unread = 1
	}
	_, err := s.db.ExecContext(ctx, s.rebind(`
		UPDATE tickets SET last_message = ?, last_activity_at = ?, awaiting_reply = ?,
			unread_count = CASE WHEN ? = 1 THEN unread_count + 1 ELSE 0 END
		WHERE id = ?`),
		lastMessage, at.UTC(), awaitingReply, unread, id)
	if err != nil {
		return fmt.Errorf("failed to touch ticket: %w", err)
	}
	return nil
}

// MessageExists reports whether a message with the given external id is stored.
func (s *Store) MessageExists(ctx context.Context, externalID string) (bool, error) {
	var n int
	if err := s.db.GetContext(ctx, &n, s.rebind(`SELECT COUNT(1) FROM messages WHERE external_id = ?`), externalID); err != nil {
		return false, fmt.Errorf("failed to check message: %w", err)
	}
	return n > 0, nil
}

// CreateMessage inserts a message. It returns ErrDuplicate when another row
// already carries the same external id.
func (s *Store) CreateMessage(ctx context.Context, m *models.Message) error {
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now().UTC()
	}
	if m.ScheduledAt != nil {
		at := m.ScheduledAt.UTC()
		m.ScheduledAt = &at
	}
	res, err := s.db.NamedExecContext(ctx, `
		INSERT INTO messages (id, ticket_id, tenant_id, sender_type, content_type, content, media_path, media_mime,
			external_id, status, scheduled_at, read_at, created_at)
		VALUES (:id, :ticket_id, :tenant_id, :sender_type, :content_type, :content, :media_path, :media_mime,
			:external_id, :status, :scheduled_at, :read_at, :created_at)
		ON CONFLICT (external_id) DO NOTHING`, m)
	if err != nil {
		return fmt.Errorf("failed to create message: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrDuplicate
	}
	return nil
}

// GetMessage loads a message by id.
func (s *Store) GetMessage(ctx context.Context, id string) (*models.Message, error) {
	var m models.Message
	if err := s.db.GetContext(ctx, &m, s.rebind(`SELECT * FROM messages WHERE id = ?`), id); err != nil {
		return nil, notFound(err)
	}
	return &m, nil
}

// GetMessageByExternalID loads a message by its wire id.
func (s *Store) GetMessageByExternalID(ctx context.Context, externalID string) (*models.Message, error) {
	var m models.Message
	if err := s.db.GetContext(ctx, &m, s.rebind(`SELECT * FROM messages WHERE external_id = ?`), externalID); err != nil {
		return nil, notFound(err)
	}
	return &m, nil
}

// UpdateMessageStatus sets the status (and read timestamp) of a message.
func (s *Store) UpdateMessageStatus(ctx context.Context, id string, status models.MessageStatus, readAt *time.Time) error {
	_, err := s.db.ExecContext(ctx, s.rebind(`
		UPDATE messages SET status = ?, read_at = COALESCE(?, read_at) WHERE id = ?`), status, readAt, id)
	if err != nil {
		return fmt.Errorf("failed to update message status: %w", err)
	}
	return nil
}

// MarkMessageSent stores the wire id returned by the protocol and flips the status to SENT.
func (s *Store) MarkMessageSent(ctx context.Context, id, externalID string) error {
	_, err := s.db.ExecContext(ctx, s.rebind(`
		UPDATE messages SET external_id = ?, status = ? WHERE id = ?`), externalID, models.MessageSent, id)
	if err != nil {
		return fmt.Errorf("failed to mark message sent: %w", err)
	}
	return nil
}

// DueMessage is a scheduled message joined with the connection of its ticket.
type DueMessage struct {
	models.Message
	ConnectionID string `db:"connection_id"`
}

// ListDueScheduled returns scheduled messages whose time has come.
func (s *Store) ListDueScheduled(ctx context.Context, now time.Time) ([]DueMessage, error) {
	var out []DueMessage
	err := s.db.SelectContext(ctx, &out, s.rebind(`
		SELECT m.*, t.connection_id FROM messages m
		JOIN tickets t ON t.id = m.ticket_id
		WHERE m.status = ? AND m.scheduled_at IS NOT NULL AND m.scheduled_at <= ?
		ORDER BY m.scheduled_at`), models.MessageScheduled, now.UTC())
	if err != nil {
		return nil, fmt.Errorf("failed to list scheduled messages: %w", err)
	}
	return out, nil
}

// CreateCase inserts a case record.
func (s *Store) CreateCase(ctx context.Context, c *models.Case) error {
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	_, err := s.db.NamedExecContext(ctx, `
		INSERT INTO cases (id, tenant_id, number, group_jid) VALUES (:id, :tenant_id, :number, :group_jid)`, c)
	if err != nil {
		return fmt.Errorf("failed to create case: %w", err)
	}
	return nil
}

// FindCaseByGroup returns a tenant case linked to the given group identity.
func (s *Store) FindCaseByGroup(ctx context.Context, tenantID, groupJID string) (*models.Case, error) {
	var c models.Case
	err := s.db.GetContext(ctx, &c, s.rebind(`
		SELECT * FROM cases WHERE tenant_id = ? AND group_jid = ? LIMIT 1`), tenantID, groupJID)
	if err != nil {
		return nil, notFound(err)
	}
	return &c, nil
}

type rowsAffected interface {
	RowsAffected() (int64, error)
}

func mustAffect(res rowsAffected) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
