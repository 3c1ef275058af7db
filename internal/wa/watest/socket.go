// Package watest provides an in-memory wa.Socket for tests.
package watest

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/types"
)

// SentMessage records one SendMessage call.
type SentMessage struct {
	To      types.JID
	Message *waE2E.Message
	ID      types.MessageID
}

// ReadCall records one MarkRead call.
type ReadCall struct {
	IDs  []types.MessageID
	Chat types.JID
}

// Socket is a scriptable, concurrency-safe fake. Zero values mean "succeed".
type Socket struct {
	mu sync.Mutex

	Device       *types.JID
	ConnectErr   error
	SendErr      error
	DownloadData []byte
	DownloadErr  error
	Registered   map[string]types.JID
	Groups       map[types.JID]*types.GroupInfo
	ProfilePic   *types.ProfilePictureInfo
	// EmitOnConnect is delivered to handlers synchronously from Connect.
	EmitOnConnect []interface{}

	connected   bool
	loggedIn    bool
	handlers    []func(interface{})
	qr          chan whatsmeow.QRChannelItem
	retryLookup func(types.MessageID) *waE2E.Message
	nextID      int

	ConnectCalls    int
	DisconnectCalls int
	LogoutCalls     int
	Sent            []SentMessage
	ChatPresences   []types.ChatPresence
	Presences       []types.Presence
	Subscriptions   []types.JID
	Uploads         []whatsmeow.MediaType
	Reads           []ReadCall
}

// NewSocket returns a fake for a device that has already paired.
func NewSocket() *Socket {
	jid := types.NewJID("5531900000000", types.DefaultUserServer)
	return &Socket{Device: &jid, Registered: map[string]types.JID{}, Groups: map[types.JID]*types.GroupInfo{}}
}

// NewUnpairedSocket returns a fake that will emit pairing codes.
func NewUnpairedSocket() *Socket {
	s := NewSocket()
	s.Device = nil
	return s
}

// Emit delivers evt to the registered handlers like the protocol library would.
func (s *Socket) Emit(evt interface{}) {
	s.mu.Lock()
	handlers := append([]func(interface{}){}, s.handlers...)
	s.mu.Unlock()
	for _, h := range handlers {
		h(evt)
	}
}

// EmitQR sends a pairing channel item; QRChannel must have been requested.
func (s *Socket) EmitQR(item whatsmeow.QRChannelItem) {
	s.mu.Lock()
	ch := s.qr
	s.mu.Unlock()
	ch <- item
}

// SetLoggedIn toggles the authenticated state.
func (s *Socket) SetLoggedIn(v bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.loggedIn = v
}

// RetryLookup returns the lookup installed by the session.
func (s *Socket) RetryLookup() func(types.MessageID) *waE2E.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.retryLookup
}

// Snapshot runs fn while holding the fake's lock.
func (s *Socket) Snapshot(fn func(s *Socket)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn(s)
}

func (s *Socket) Connect() error {
	s.mu.Lock()
	s.ConnectCalls++
	if s.ConnectErr != nil {
		s.mu.Unlock()
		return s.ConnectErr
	}
	s.connected = true
	if s.Device != nil {
		s.loggedIn = true
	}
	emit := s.EmitOnConnect
	s.mu.Unlock()

	for _, evt := range emit {
		s.Emit(evt)
	}
	return nil
}

func (s *Socket) Disconnect() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.DisconnectCalls++
	s.connected = false
}

func (s *Socket) Logout(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.LogoutCalls++
	s.loggedIn = false
	s.connected = false
	return nil
}

func (s *Socket) IsConnected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connected
}

func (s *Socket) IsLoggedIn() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loggedIn
}

func (s *Socket) DeviceJID() *types.JID {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.Device
}

func (s *Socket) QRChannel(context.Context) (<-chan whatsmeow.QRChannelItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Device != nil {
		return nil, whatsmeow.ErrQRStoreContainsID
	}
	s.qr = make(chan whatsmeow.QRChannelItem, 8)
	return s.qr, nil
}

func (s *Socket) AddEventHandler(handler func(evt interface{})) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers = append(s.handlers, handler)
}

func (s *Socket) RemoveEventHandlers() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers = nil
}

func (s *Socket) SetRetryLookup(lookup func(id types.MessageID) *waE2E.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.retryLookup = lookup
}

func (s *Socket) IsOnWhatsApp(_ context.Context, phones []string) ([]types.IsOnWhatsAppResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]types.IsOnWhatsAppResponse, 0, len(phones))
	for _, p := range phones {
		jid, ok := s.Registered[strings.TrimPrefix(p, "+")]
		out = append(out, types.IsOnWhatsAppResponse{Query: p, JID: jid, IsIn: ok})
	}
	return out, nil
}

func (s *Socket) SubscribePresence(_ context.Context, jid types.JID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Subscriptions = append(s.Subscriptions, jid)
	return nil
}

func (s *Socket) SendChatPresence(_ context.Context, _ types.JID, state types.ChatPresence, _ types.ChatPresenceMedia) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ChatPresences = append(s.ChatPresences, state)
	return nil
}

func (s *Socket) SendPresence(_ context.Context, state types.Presence) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Presences = append(s.Presences, state)
	return nil
}

func (s *Socket) SendMessage(_ context.Context, to types.JID, msg *waE2E.Message) (whatsmeow.SendResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.SendErr != nil {
		return whatsmeow.SendResponse{}, s.SendErr
	}
	s.nextID++
	id := types.MessageID(fmt.Sprintf("3EB0%06d", s.nextID))
	s.Sent = append(s.Sent, SentMessage{To: to, Message: msg, ID: id})
	return whatsmeow.SendResponse{ID: id, Timestamp: time.Now()}, nil
}

func (s *Socket) Upload(_ context.Context, data []byte, mediaType whatsmeow.MediaType) (whatsmeow.UploadResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Uploads = append(s.Uploads, mediaType)
	return whatsmeow.UploadResponse{
		URL:           "https://mmg.whatsapp.net/fake",
		DirectPath:    "/v/t62.fake",
		MediaKey:      []byte{1, 2, 3},
		FileEncSHA256: []byte{4, 5, 6},
		FileSHA256:    []byte{7, 8, 9},
		FileLength:    uint64(len(data)),
	}, nil
}

func (s *Socket) Download(context.Context, whatsmeow.DownloadableMessage) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.DownloadErr != nil {
		return nil, s.DownloadErr
	}
	return s.DownloadData, nil
}

func (s *Socket) MarkRead(_ context.Context, ids []types.MessageID, _ time.Time, chat, _ types.JID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Reads = append(s.Reads, ReadCall{IDs: ids, Chat: chat})
	return nil
}

func (s *Socket) GetGroupInfo(_ context.Context, jid types.JID) (*types.GroupInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if info, ok := s.Groups[jid]; ok {
		return info, nil
	}
	return nil, errors.New("group not found")
}

func (s *Socket) GetProfilePictureInfo(context.Context, types.JID) (*types.ProfilePictureInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ProfilePic, nil
}
