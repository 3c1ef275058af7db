package wa

import (
	"context"
	"time"

	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/types"
)

// Socket is the subset of the protocol client the bridge drives. One Socket
// backs exactly one Session.
//
// Context parameters are kept for callers even where the pinned client
// takes none.
type Socket interface {
	Connect() error
	Disconnect()
	Logout(ctx context.Context) error
	IsConnected() bool
	IsLoggedIn() bool
	DeviceJID() *types.JID

	// QRChannel must be requested before Connect on a device that has never paired.
	QRChannel(ctx context.Context) (<-chan whatsmeow.QRChannelItem, error)
	AddEventHandler(handler func(evt interface{}))
	RemoveEventHandlers()
	// SetRetryLookup supplies previously sent messages when a recipient asks
	// for a retry.
	SetRetryLookup(lookup func(id types.MessageID) *waE2E.Message)

	IsOnWhatsApp(ctx context.Context, phones []string) ([]types.IsOnWhatsAppResponse, error)
	SubscribePresence(ctx context.Context, jid types.JID) error
	SendChatPresence(ctx context.Context, jid types.JID, state types.ChatPresence, media types.ChatPresenceMedia) error
	SendPresence(ctx context.Context, state types.Presence) error
	SendMessage(ctx context.Context, to types.JID, msg *waE2E.Message) (whatsmeow.SendResponse, error)
	Upload(ctx context.Context, data []byte, mediaType whatsmeow.MediaType) (whatsmeow.UploadResponse, error)
	Download(ctx context.Context, msg whatsmeow.DownloadableMessage) ([]byte, error)
	MarkRead(ctx context.Context, ids []types.MessageID, ts time.Time, chat, sender types.JID) error
	GetGroupInfo(ctx context.Context, jid types.JID) (*types.GroupInfo, error)
	GetProfilePictureInfo(ctx context.Context, jid types.JID) (*types.ProfilePictureInfo, error)
}

// clientSocket adapts *whatsmeow.Client to Socket.
type clientSocket struct {
	cli *whatsmeow.Client
}

var _ Socket = (*clientSocket)(nil)

func (s *clientSocket) Connect() error { return s.cli.Connect() }

func (s *clientSocket) Disconnect() { s.cli.Disconnect() }

func (s *clientSocket) Logout(ctx context.Context) error { return s.cli.Logout(ctx) }

func (s *clientSocket) IsConnected() bool { return s.cli.IsConnected() }

func (s *clientSocket) IsLoggedIn() bool { return s.cli.IsLoggedIn() }

func (s *clientSocket) DeviceJID() *types.JID {
	if s.cli.Store == nil {
		return nil
	}
	return s.cli.Store.ID
}

func (s *clientSocket) QRChannel(ctx context.Context) (<-chan whatsmeow.QRChannelItem, error) {
	return s.cli.GetQRChannel(ctx)
}

func (s *clientSocket) AddEventHandler(handler func(evt interface{})) {
	s.cli.AddEventHandler(handler)
}

func (s *clientSocket) RemoveEventHandlers() { s.cli.RemoveEventHandlers() }

func (s *clientSocket) SetRetryLookup(lookup func(id types.MessageID) *waE2E.Message) {
	s.cli.GetMessageForRetry = func(_, _ types.JID, id types.MessageID) *waE2E.Message {
		return lookup(id)
	}
}

func (s *clientSocket) IsOnWhatsApp(_ context.Context, phones []string) ([]types.IsOnWhatsAppResponse, error) {
	return s.cli.IsOnWhatsApp(phones)
}

func (s *clientSocket) SubscribePresence(_ context.Context, jid types.JID) error {
	return s.cli.SubscribePresence(jid)
}

func (s *clientSocket) SendChatPresence(_ context.Context, jid types.JID, state types.ChatPresence, media types.ChatPresenceMedia) error {
	return s.cli.SendChatPresence(jid, state, media)
}

func (s *clientSocket) SendPresence(_ context.Context, state types.Presence) error {
	return s.cli.SendPresence(state)
}

func (s *clientSocket) SendMessage(ctx context.Context, to types.JID, msg *waE2E.Message) (whatsmeow.SendResponse, error) {
	return s.cli.SendMessage(ctx, to, msg)
}

func (s *clientSocket) Upload(ctx context.Context, data []byte, mediaType whatsmeow.MediaType) (whatsmeow.UploadResponse, error) {
	return s.cli.Upload(ctx, data, mediaType)
}

func (s *clientSocket) Download(ctx context.Context, msg whatsmeow.DownloadableMessage) ([]byte, error) {
	return s.cli.Download(ctx, msg)
}

func (s *clientSocket) MarkRead(_ context.Context, ids []types.MessageID, ts time.Time, chat, sender types.JID) error {
	return s.cli.MarkRead(ids, ts, chat, sender)
}

func (s *clientSocket) GetGroupInfo(_ context.Context, jid types.JID) (*types.GroupInfo, error) {
	return s.cli.GetGroupInfo(jid)
}

func (s *clientSocket) GetProfilePictureInfo(_ context.Context, jid types.JID) (*types.ProfilePictureInfo, error) {
	return s.cli.GetProfilePictureInfo(jid, &whatsmeow.GetProfilePictureParams{Preview: true})
}
