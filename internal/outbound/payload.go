package outbound

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"
	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"google.golang.org/protobuf/proto"

	"lexbridge/internal/media"
	"lexbridge/internal/models"
	"lexbridge/internal/wa"
)

const voiceNoteMime = "audio/ogg; codecs=opus"

// outgoing is one message ready to be encoded for the wire.
type outgoing struct {
	Type     models.ContentType
	Text     string
	Data     []byte
	MimeType string
	FileName string
}

// build uploads media when needed and returns the protocol message.
func (d *Dispatcher) build(ctx context.Context, socket wa.Socket, out outgoing) (*waE2E.Message, error) {
	switch out.Type {
	case models.ContentText, "":
		return &waE2E.Message{Conversation: proto.String(out.Text)}, nil
	case models.ContentImage:
		return d.buildImage(ctx, socket, out)
	case models.ContentVideo:
		up, err := socket.Upload(ctx, out.Data, whatsmeow.MediaVideo)
		if err != nil {
			return nil, fmt.Errorf("failed to upload video: %w", err)
		}
		return &waE2E.Message{VideoMessage: &waE2E.VideoMessage{
			Caption:       optional(out.Text),
			Mimetype:      proto.String(out.MimeType),
			URL:           proto.String(up.URL),
			DirectPath:    proto.String(up.DirectPath),
			MediaKey:      up.MediaKey,
			FileEncSHA256: up.FileEncSHA256,
			FileSHA256:    up.FileSHA256,
			FileLength:    proto.Uint64(up.FileLength),
		}}, nil
	case models.ContentAudio:
		return d.buildAudio(ctx, socket, out)
	case models.ContentDocument:
		up, err := socket.Upload(ctx, out.Data, whatsmeow.MediaDocument)
		if err != nil {
			return nil, fmt.Errorf("failed to upload document: %w", err)
		}
		name := out.FileName
		if name == "" {
			name = "documento" + media.ExtensionFor(out.MimeType)
		}
		return &waE2E.Message{DocumentMessage: &waE2E.DocumentMessage{
			Caption:       optional(out.Text),
			FileName:      proto.String(name),
			Title:         proto.String(name),
			Mimetype:      proto.String(out.MimeType),
			URL:           proto.String(up.URL),
			DirectPath:    proto.String(up.DirectPath),
			MediaKey:      up.MediaKey,
			FileEncSHA256: up.FileEncSHA256,
			FileSHA256:    up.FileSHA256,
			FileLength:    proto.Uint64(up.FileLength),
		}}, nil
	case models.ContentSticker:
		up, err := socket.Upload(ctx, out.Data, whatsmeow.MediaImage)
		if err != nil {
			return nil, fmt.Errorf("failed to upload sticker: %w", err)
		}
		return &waE2E.Message{StickerMessage: &waE2E.StickerMessage{
			Mimetype:      proto.String("image/webp"),
			URL:           proto.String(up.URL),
			DirectPath:    proto.String(up.DirectPath),
			MediaKey:      up.MediaKey,
			FileEncSHA256: up.FileEncSHA256,
			FileSHA256:    up.FileSHA256,
			FileLength:    proto.Uint64(up.FileLength),
		}}, nil
	}
	return nil, fmt.Errorf("unsupported content type %q", out.Type)
}

func (d *Dispatcher) buildImage(ctx context.Context, socket wa.Socket, out outgoing) (*waE2E.Message, error) {
	up, err := socket.Upload(ctx, out.Data, whatsmeow.MediaImage)
	if err != nil {
		return nil, fmt.Errorf("failed to upload image: %w", err)
	}
	img := &waE2E.ImageMessage{
		Caption:       optional(out.Text),
		Mimetype:      proto.String(out.MimeType),
		URL:           proto.String(up.URL),
		DirectPath:    proto.String(up.DirectPath),
		MediaKey:      up.MediaKey,
		FileEncSHA256: up.FileEncSHA256,
		FileSHA256:    up.FileSHA256,
		FileLength:    proto.Uint64(up.FileLength),
	}
	if info, err := media.Thumbnail(out.Data); err == nil {
		img.Width = proto.Uint32(info.Width)
		img.Height = proto.Uint32(info.Height)
		img.JPEGThumbnail = info.Thumbnail
	} else {
		log.Debug().Err(err).Msg("Sending image without thumbnail")
	}
	return &waE2E.Message{ImageMessage: img}, nil
}

// buildAudio sends a voice note when the audio converts, and the original
// file otherwise.
func (d *Dispatcher) buildAudio(ctx context.Context, socket wa.Socket, out outgoing) (*waE2E.Message, error) {
	data, mimeType := out.Data, out.MimeType
	audio := &waE2E.AudioMessage{}

	if note, err := d.voice(ctx, out.Data); err == nil {
		data, mimeType = note.Data, voiceNoteMime
		audio.PTT = proto.Bool(true)
		audio.Seconds = proto.Uint32(note.Seconds)
		audio.Waveform = note.Waveform
	} else {
		log.Warn().Err(err).Msg("Audio conversion failed, sending original file")
	}

	up, err := socket.Upload(ctx, data, whatsmeow.MediaAudio)
	if err != nil {
		return nil, fmt.Errorf("failed to upload audio: %w", err)
	}
	audio.Mimetype = proto.String(mimeType)
	audio.URL = proto.String(up.URL)
	audio.DirectPath = proto.String(up.DirectPath)
	audio.MediaKey = up.MediaKey
	audio.FileEncSHA256 = up.FileEncSHA256
	audio.FileSHA256 = up.FileSHA256
	audio.FileLength = proto.Uint64(up.FileLength)
	return &waE2E.Message{AudioMessage: audio}, nil
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return proto.String(s)
}
