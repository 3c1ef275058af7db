package inbound

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog/log"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"

	"lexbridge/internal/db"
	"lexbridge/internal/models"
	"lexbridge/internal/realtime"
	"lexbridge/internal/session"
)

var statusRank = map[models.MessageStatus]int{
	models.MessageScheduled: 0,
	models.MessageSent:      1,
	models.MessageDelivered: 2,
	models.MessageRead:      3,
}

// StatusForReceipt maps a receipt type to a message status. ok is false for
// receipt types that carry no delivery progress.
func StatusForReceipt(t types.ReceiptType) (models.MessageStatus, bool) {
	switch t {
	case types.ReceiptTypeDelivered:
		return models.MessageDelivered, true
	case types.ReceiptTypeRead, types.ReceiptTypeReadSelf, types.ReceiptTypePlayed:
		return models.MessageRead, true
	case types.ReceiptTypeSender:
		return models.MessageSent, true
	}
	return "", false
}

func (p *Pipeline) handleReceipt(ctx context.Context, src session.Source, evt *events.Receipt) {
	status, ok := StatusForReceipt(evt.Type)
	if !ok {
		return
	}

	var readAt *time.Time
	if status == models.MessageRead {
		ts := evt.Timestamp.UTC()
		readAt = &ts
	}

	for _, id := range evt.MessageIDs {
		msg, err := p.store.GetMessageByExternalID(ctx, id)
		if err != nil {
			if !errors.Is(err, db.ErrNotFound) {
				log.Warn().Err(err).Str("messageID", id).Msg("Failed to load message for receipt")
			}
			continue
		}
		// Receipts can arrive out of order; status only moves forward.
		if statusRank[status] <= statusRank[msg.Status] {
			continue
		}
		if err := p.store.UpdateMessageStatus(ctx, msg.ID, status, readAt); err != nil {
			log.Error().Err(err).Str("messageID", msg.ID).Msg("Failed to update message status")
			continue
		}

		p.publisher.Publish(ctx, msg.TenantID, realtime.TopicMessageStatus, map[string]interface{}{
			"messageId":  msg.ID,
			"ticketId":   msg.TicketID,
			"externalId": id,
			"status":     status,
		})
		log.Debug().
			Str("connectionID", src.ConnectionID()).
			Str("messageID", msg.ID).
			Str("status", string(status)).
			Msg("Message status updated")
	}
}
