package inbound

import (
	"fmt"
	"strings"

	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/proto/waE2E"

	"lexbridge/internal/models"
)

// Placeholders stored as message content when a media payload has no caption.
const (
	placeholderImage    = "[Imagem]"
	placeholderVideo    = "[Vídeo]"
	placeholderAudio    = "[Áudio]"
	placeholderDocument = "[Documento]"
	placeholderSticker  = "[Figurinha]"
)

// Content is the classified, storable shape of an inbound payload.
type Content struct {
	Type     models.ContentType
	Text     string
	Media    whatsmeow.DownloadableMessage
	MimeType string
	FileName string
}

// Unwrap strips container wrappers until it reaches a payload variant.
func Unwrap(msg *waE2E.Message) *waE2E.Message {
	if inner := innerMessage(msg); inner != nil {
		return Unwrap(inner)
	}
	return msg
}

func innerMessage(msg *waE2E.Message) *waE2E.Message {
	switch {
	case msg == nil:
		return nil
	case msg.GetEphemeralMessage() != nil:
		return msg.GetEphemeralMessage().GetMessage()
	case msg.GetViewOnceMessage() != nil:
		return msg.GetViewOnceMessage().GetMessage()
	case msg.GetViewOnceMessageV2() != nil:
		return msg.GetViewOnceMessageV2().GetMessage()
	case msg.GetViewOnceMessageV2Extension() != nil:
		return msg.GetViewOnceMessageV2Extension().GetMessage()
	case msg.GetEditedMessage() != nil:
		return msg.GetEditedMessage().GetMessage()
	case msg.GetDocumentWithCaptionMessage() != nil:
		return msg.GetDocumentWithCaptionMessage().GetMessage()
	case msg.GetProtocolMessage().GetEditedMessage() != nil:
		return msg.GetProtocolMessage().GetEditedMessage()
	}
	return nil
}

// Classify maps an unwrapped payload to a content type. ok is false when
// the payload carries nothing worth storing.
func Classify(msg *waE2E.Message) (c Content, ok bool) {
	if msg == nil {
		return Content{}, false
	}
	switch {
	case msg.GetConversation() != "":
		return textContent(msg.GetConversation())
	case msg.GetExtendedTextMessage() != nil:
		return textContent(msg.GetExtendedTextMessage().GetText())
	case msg.GetImageMessage() != nil:
		img := msg.GetImageMessage()
		return Content{
			Type:     models.ContentImage,
			Text:     orPlaceholder(img.GetCaption(), placeholderImage),
			Media:    img,
			MimeType: img.GetMimetype(),
		}, true
	case msg.GetVideoMessage() != nil:
		vid := msg.GetVideoMessage()
		return Content{
			Type:     models.ContentVideo,
			Text:     orPlaceholder(vid.GetCaption(), placeholderVideo),
			Media:    vid,
			MimeType: vid.GetMimetype(),
		}, true
	case msg.GetAudioMessage() != nil:
		aud := msg.GetAudioMessage()
		return Content{
			Type:     models.ContentAudio,
			Text:     placeholderAudio,
			Media:    aud,
			MimeType: aud.GetMimetype(),
		}, true
	case msg.GetDocumentMessage() != nil:
		doc := msg.GetDocumentMessage()
		text := doc.GetCaption()
		if strings.TrimSpace(text) == "" {
			text = orPlaceholder(doc.GetFileName(), placeholderDocument)
		}
		return Content{
			Type:     models.ContentDocument,
			Text:     text,
			Media:    doc,
			MimeType: doc.GetMimetype(),
			FileName: doc.GetFileName(),
		}, true
	case msg.GetStickerMessage() != nil:
		st := msg.GetStickerMessage()
		return Content{
			Type:     models.ContentSticker,
			Text:     placeholderSticker,
			Media:    st,
			MimeType: st.GetMimetype(),
		}, true
	case msg.GetContactMessage() != nil:
		return textContent("[Contato] " + msg.GetContactMessage().GetDisplayName())
	case msg.GetLocationMessage() != nil:
		loc := msg.GetLocationMessage()
		return textContent(fmt.Sprintf("[Localização] https://maps.google.com/?q=%f,%f",
			loc.GetDegreesLatitude(), loc.GetDegreesLongitude()))
	}
	return Content{}, false
}

func textContent(s string) (Content, bool) {
	if strings.TrimSpace(s) == "" {
		return Content{}, false
	}
	return Content{Type: models.ContentText, Text: s}, true
}

func orPlaceholder(s, placeholder string) string {
	if strings.TrimSpace(s) == "" {
		return placeholder
	}
	return s
}
