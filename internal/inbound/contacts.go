package inbound

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"go.mau.fi/whatsmeow/types"

	"lexbridge/internal/db"
	"lexbridge/internal/identity"
	"lexbridge/internal/models"
	"lexbridge/internal/session"
)

const profilePictureTimeout = 15 * time.Second

// findOrCreateContact looks the origin up under its phone and the alternate
// spelling of that phone, creating a lead when neither is on file. For group
// chats the group itself is the contact.
func (p *Pipeline) findOrCreateContact(ctx context.Context, src session.Source, info types.MessageInfo, isGroup bool) (*models.Contact, error) {
	origin := info.Chat.ToNonAD()
	phone := origin.User
	wireIdentity := origin.String()
	if origin.Server == types.HiddenUserServer {
		phone = phoneForLID(info)
	}

	name := ""
	if isGroup {
		if group, err := src.Socket().GetGroupInfo(ctx, origin); err == nil {
			name = group.Name
		}
	} else if !info.IsFromMe {
		name = info.PushName
	}

	phones := append([]string{phone}, identity.AlternateForms(phone)...)
	contact, err := p.store.FindContactByPhone(ctx, src.TenantID(), phones...)
	switch {
	case err == nil:
		p.refreshContact(ctx, contact, wireIdentity, name)
		return contact, nil
	case !errors.Is(err, db.ErrNotFound):
		return nil, fmt.Errorf("failed to find contact %s: %w", phone, err)
	}

	if name == "" {
		name = phone
	}
	contact = &models.Contact{
		TenantID:     src.TenantID(),
		Phone:        phone,
		WireIdentity: models.StringPtr(wireIdentity),
		Name:         name,
		Category:     models.ContactCategoryLead,
	}
	if err := p.store.CreateContact(ctx, contact); err != nil {
		return nil, err
	}
	log.Info().Str("contactID", contact.ID).Str("phone", phone).Str("tenantID", src.TenantID()).Msg("Created contact")

	go p.fetchProfilePicture(src, contact.ID, origin)
	return contact, nil
}

// phoneForLID reads the phone behind a LID-addressed chat from the alternate
// address the server attaches. The LID user stands in when none is present.
func phoneForLID(info types.MessageInfo) string {
	alt := info.SenderAlt
	if info.IsFromMe {
		alt = info.RecipientAlt
	}
	if alt.Server == types.DefaultUserServer && alt.User != "" {
		return alt.User
	}
	return info.Chat.User
}

// refreshContact keeps the most recently seen wire identity on file and
// replaces a name that is still just the phone number.
func (p *Pipeline) refreshContact(ctx context.Context, c *models.Contact, wireIdentity, name string) {
	identityChanged := c.WireIdentity == nil || *c.WireIdentity != wireIdentity
	nameImproved := name != "" && name != c.Name && c.Name == c.Phone
	if !identityChanged && !nameImproved {
		return
	}
	if nameImproved {
		c.Name = name
	}
	c.WireIdentity = models.StringPtr(wireIdentity)
	if err := p.store.UpdateContactIdentity(ctx, c.ID, c.WireIdentity, c.Name); err != nil {
		log.Warn().Err(err).Str("contactID", c.ID).Msg("Failed to update contact identity")
	}
}

func (p *Pipeline) fetchProfilePicture(src session.Source, contactID string, jid types.JID) {
	ctx, cancel := context.WithTimeout(context.Background(), profilePictureTimeout)
	defer cancel()

	pic, err := src.Socket().GetProfilePictureInfo(ctx, jid)
	if err != nil || pic == nil || pic.URL == "" {
		return
	}
	if err := p.store.UpdateContactPicture(ctx, contactID, &pic.URL); err != nil {
		log.Warn().Err(err).Str("contactID", contactID).Msg("Failed to store profile picture")
	}
}

// findOrCreateTicket returns the contact's open ticket on this channel and
// whether it had to be created.
func (p *Pipeline) findOrCreateTicket(ctx context.Context, src session.Source, contact *models.Contact, isGroup bool) (*models.Ticket, bool, error) {
	p.ticketMu.Lock()
	defer p.ticketMu.Unlock()

	ticket, err := p.store.FindOpenTicket(ctx, src.TenantID(), contact.ID, models.ChannelWhatsApp)
	if err == nil {
		return ticket, false, nil
	}
	if !errors.Is(err, db.ErrNotFound) {
		return nil, false, err
	}

	ticket = &models.Ticket{
		TenantID:     src.TenantID(),
		ContactID:    contact.ID,
		ConnectionID: src.ConnectionID(),
		Status:       models.TicketOpen,
		Channel:      models.ChannelWhatsApp,
		IsGroup:      isGroup,
	}
	if err := p.store.CreateTicket(ctx, ticket); err != nil {
		return nil, false, err
	}
	log.Info().Str("ticketID", ticket.ID).Str("contactID", contact.ID).Msg("Opened ticket")
	return ticket, true, nil
}
