package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// ConnectionStatus is the persisted state of a tenant connection.
type ConnectionStatus string

const (
	ConnectionDisconnected ConnectionStatus = "DISCONNECTED"
	ConnectionPairing      ConnectionStatus = "PAIRING"
	ConnectionConnected    ConnectionStatus = "CONNECTED"
)

// ConnectionConfig is the tenant-editable channel policy, stored as JSON.
type ConnectionConfig struct {
	BlockGroups    bool     `json:"blockGroups"`
	GroupWhitelist []string `json:"groupWhitelist,omitempty"`
}

// Value implements driver.Valuer.
func (c ConnectionConfig) Value() (driver.Value, error) {
	b, err := json.Marshal(c)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

// Scan implements sql.Scanner.
func (c *ConnectionConfig) Scan(src interface{}) error {
	var raw []byte
	switch v := src.(type) {
	case nil:
		*c = ConnectionConfig{}
		return nil
	case string:
		raw = []byte(v)
	case []byte:
		raw = v
	default:
		return fmt.Errorf("unsupported connection config type %T", src)
	}
	if len(raw) == 0 {
		*c = ConnectionConfig{}
		return nil
	}
	return json.Unmarshal(raw, c)
}

// Connection is a tenant's configured messaging channel.
type Connection struct {
	ID          string           `db:"id" json:"id"`
	TenantID    string           `db:"tenant_id" json:"tenantId"`
	Name        string           `db:"name" json:"name"`
	Type        string           `db:"type" json:"type"`
	Status      ConnectionStatus `db:"status" json:"status"`
	PairingCode *string          `db:"pairing_code" json:"pairingCode,omitempty"`
	DeviceJID   *string          `db:"device_jid" json:"deviceJid,omitempty"`
	Config      ConnectionConfig `db:"config" json:"config"`
	UpdatedAt   time.Time        `db:"updated_at" json:"updatedAt"`
}

// Contact is a person the tenant talks to over the channel.
type Contact struct {
	ID            string    `db:"id" json:"id"`
	TenantID      string    `db:"tenant_id" json:"tenantId"`
	Phone         string    `db:"phone" json:"phone"`
	WireIdentity  *string   `db:"wire_identity" json:"wireIdentity,omitempty"`
	Name          string    `db:"name" json:"name"`
	Category      string    `db:"category" json:"category"`
	ProfilePicURL *string   `db:"profile_pic_url" json:"profilePicUrl,omitempty"`
	CreatedAt     time.Time `db:"created_at" json:"createdAt"`
}

const (
	ContactCategoryLead   = "LEAD"
	ContactCategoryClient = "CLIENT"
)

// TicketStatus enumerates lifecycle states for tickets.
type TicketStatus string

const (
	TicketOpen    TicketStatus = "OPEN"
	TicketPending TicketStatus = "PENDING"
	TicketClosed  TicketStatus = "CLOSED"
)

// ChannelWhatsApp is the only messaging channel this service bridges.
const ChannelWhatsApp = "whatsapp"

// Ticket aggregates the conversation with one contact on one channel.
type Ticket struct {
	ID             string       `db:"id" json:"id"`
	TenantID       string       `db:"tenant_id" json:"tenantId"`
	ContactID      string       `db:"contact_id" json:"contactId"`
	ConnectionID   string       `db:"connection_id" json:"connectionId"`
	Status         TicketStatus `db:"status" json:"status"`
	Channel        string       `db:"channel" json:"channel"`
	IsGroup        bool         `db:"is_group" json:"isGroup"`
	LastMessage    string       `db:"last_message" json:"lastMessage"`
	LastActivityAt time.Time    `db:"last_activity_at" json:"lastActivityAt"`
	AwaitingReply  bool         `db:"awaiting_reply" json:"awaitingReply"`
	UnreadCount    int          `db:"unread_count" json:"unreadCount"`
	CreatedAt      time.Time    `db:"created_at" json:"createdAt"`
}

// SenderType indicates who authored a message.
type SenderType string

const (
	SenderUser    SenderType = "USER"
	SenderContact SenderType = "CONTACT"
)

// ContentType classifies the message payload.
type ContentType string

const (
	ContentText     ContentType = "TEXT"
	ContentImage    ContentType = "IMAGE"
	ContentVideo    ContentType = "VIDEO"
	ContentAudio    ContentType = "AUDIO"
	ContentDocument ContentType = "DOCUMENT"
	ContentSticker  ContentType = "STICKER"
)

// ParseContentType maps a case-insensitive name to a ContentType.
func ParseContentType(s string) (ContentType, bool) {
	switch ContentType(strings.ToUpper(strings.TrimSpace(s))) {
	case ContentText:
		return ContentText, true
	case ContentImage:
		return ContentImage, true
	case ContentVideo:
		return ContentVideo, true
	case ContentAudio:
		return ContentAudio, true
	case ContentDocument:
		return ContentDocument, true
	case ContentSticker:
		return ContentSticker, true
	}
	return "", false
}

// MessageStatus is the delivery state of a message.
type MessageStatus string

const (
	MessageScheduled MessageStatus = "SCHEDULED"
	MessageSent      MessageStatus = "SENT"
	MessageDelivered MessageStatus = "DELIVERED"
	MessageRead      MessageStatus = "READ"
)

// Message is one entry of a ticket thread.
type Message struct {
	ID          string        `db:"id" json:"id"`
	TicketID    string        `db:"ticket_id" json:"ticketId"`
	TenantID    string        `db:"tenant_id" json:"tenantId"`
	SenderType  SenderType    `db:"sender_type" json:"senderType"`
	ContentType ContentType   `db:"content_type" json:"contentType"`
	Content     string        `db:"content" json:"content"`
	MediaPath   *string       `db:"media_path" json:"mediaPath,omitempty"`
	MediaMime   *string       `db:"media_mime" json:"mediaMime,omitempty"`
	ExternalID  *string       `db:"external_id" json:"externalId,omitempty"`
	Status      MessageStatus `db:"status" json:"status"`
	ScheduledAt *time.Time    `db:"scheduled_at" json:"scheduledAt,omitempty"`
	ReadAt      *time.Time    `db:"read_at" json:"readAt,omitempty"`
	CreatedAt   time.Time     `db:"created_at" json:"createdAt"`
}

// Case is a legal process record; a group chat may be linked to one.
type Case struct {
	ID       string  `db:"id" json:"id"`
	TenantID string  `db:"tenant_id" json:"tenantId"`
	Number   string  `db:"number" json:"number"`
	GroupJID *string `db:"group_jid" json:"groupJid,omitempty"`
}

// StringPtr returns a pointer to s, or nil when s is empty.
func StringPtr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
