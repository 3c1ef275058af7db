package inbound

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
	"google.golang.org/protobuf/proto"

	"lexbridge/internal/db"
	"lexbridge/internal/media"
	"lexbridge/internal/models"
	"lexbridge/internal/realtime"
	"lexbridge/internal/wa"
	"lexbridge/internal/wa/watest"
)

type fakeSource struct {
	conn   models.Connection
	socket *watest.Socket
}

func (s *fakeSource) ConnectionID() string          { return s.conn.ID }
func (s *fakeSource) TenantID() string              { return s.conn.TenantID }
func (s *fakeSource) Connection() models.Connection { return s.conn }
func (s *fakeSource) Socket() wa.Socket             { return s.socket }

type published struct {
	tenantID string
	topic    string
	payload  interface{}
}

type recordPublisher struct {
	mu     sync.Mutex
	events []published
}

func (p *recordPublisher) Publish(_ context.Context, tenantID, topic string, payload interface{}) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, published{tenantID, topic, payload})
}

func (p *recordPublisher) count(topic string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, e := range p.events {
		if e.topic == topic {
			n++
		}
	}
	return n
}

type mockCredentials struct {
	mock.Mock
}

func (m *mockCredentials) Save(ctx context.Context, connectionID string, jid types.JID) error {
	return m.Called(ctx, connectionID, jid).Error(0)
}

type fixture struct {
	store  *db.Store
	pub    *recordPublisher
	creds  *mockCredentials
	socket *watest.Socket
	src    *fakeSource
	p      *Pipeline
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store, err := db.Open(context.Background(), "sqlite", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	blobs, err := media.NewLocalStore(t.TempDir())
	require.NoError(t, err)

	f := &fixture{
		store:  store,
		pub:    &recordPublisher{},
		creds:  &mockCredentials{},
		socket: watest.NewSocket(),
	}
	f.src = &fakeSource{conn: models.Connection{ID: "conn-1", TenantID: "t1"}, socket: f.socket}
	f.p = NewPipeline(store, blobs, f.creds, f.pub)
	return f
}

func (f *fixture) count(t *testing.T, table string) int {
	t.Helper()
	var n int
	require.NoError(t, f.store.DB().Get(&n, "SELECT COUNT(1) FROM "+table))
	return n
}

func directMessage(id, from string, msg *waE2E.Message) *events.Message {
	chat := types.NewJID(from, types.DefaultUserServer)
	return &events.Message{
		Info: types.MessageInfo{
			MessageSource: types.MessageSource{Chat: chat, Sender: chat},
			ID:            id,
			PushName:      "Maria Souza",
			Timestamp:     time.Now(),
		},
		Message: msg,
	}
}

func text(body string) *waE2E.Message {
	return &waE2E.Message{Conversation: proto.String(body)}
}

func TestNewContactNewTicket(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.p.HandleEvent(ctx, f.src, directMessage("MSG-1", "5531999990000", text("Olá")))

	contact, err := f.store.FindContactByPhone(ctx, "t1", "5531999990000")
	require.NoError(t, err)
	assert.Equal(t, "Maria Souza", contact.Name)
	assert.Equal(t, models.ContactCategoryLead, contact.Category)
	require.NotNil(t, contact.WireIdentity)
	assert.Equal(t, "5531999990000@s.whatsapp.net", *contact.WireIdentity)

	ticket, err := f.store.FindOpenTicket(ctx, "t1", contact.ID, models.ChannelWhatsApp)
	require.NoError(t, err)
	assert.Equal(t, models.TicketOpen, ticket.Status)
	assert.Equal(t, "Olá", ticket.LastMessage)
	assert.True(t, ticket.AwaitingReply)

	msg, err := f.store.GetMessageByExternalID(ctx, "MSG-1")
	require.NoError(t, err)
	assert.Equal(t, "Olá", msg.Content)
	assert.Equal(t, models.SenderContact, msg.SenderType)
	assert.Equal(t, models.MessageDelivered, msg.Status)
	assert.Equal(t, ticket.ID, msg.TicketID)

	assert.Equal(t, 1, f.count(t, "contacts"))
	assert.Equal(t, 1, f.count(t, "tickets"))
	assert.Equal(t, 1, f.pub.count(realtime.TopicTicketNew))
	assert.Equal(t, 1, f.pub.count(realtime.TopicMessageNew))
}

func TestReplayIsIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	evt := directMessage("MSG-1", "5531999990000", text("Olá"))

	f.p.HandleEvent(ctx, f.src, evt)
	f.p.HandleEvent(ctx, f.src, evt)

	assert.Equal(t, 1, f.count(t, "messages"))
	assert.Equal(t, 1, f.pub.count(realtime.TopicMessageNew))
}

func TestConcurrentDuplicatesStoreOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			f.p.HandleEvent(ctx, f.src, directMessage("MSG-RACE", "5531999990000", text("Olá")))
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, f.count(t, "messages"))
	assert.Equal(t, 1, f.count(t, "contacts"))
	assert.Equal(t, 1, f.count(t, "tickets"))
}

func TestSecondMessageUpdatesTicket(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.p.HandleEvent(ctx, f.src, directMessage("MSG-1", "5531999990000", text("Olá")))
	f.p.HandleEvent(ctx, f.src, directMessage("MSG-2", "5531999990000", text("Tudo bem?")))

	assert.Equal(t, 1, f.count(t, "tickets"))
	assert.Equal(t, 2, f.count(t, "messages"))
	assert.Equal(t, 1, f.pub.count(realtime.TopicTicketNew))
	assert.Equal(t, 1, f.pub.count(realtime.TopicTicketUpdate))
}

func TestAlternateFormFindsExistingContact(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	existing := &models.Contact{TenantID: "t1", Phone: "553199990000", Name: "Maria"}
	require.NoError(t, f.store.CreateContact(ctx, existing))

	f.p.HandleEvent(ctx, f.src, directMessage("MSG-1", "5531999990000", text("Olá")))

	assert.Equal(t, 1, f.count(t, "contacts"))
	msg, err := f.store.GetMessageByExternalID(ctx, "MSG-1")
	require.NoError(t, err)
	ticket, err := f.store.GetTicket(ctx, msg.TicketID)
	require.NoError(t, err)
	assert.Equal(t, existing.ID, ticket.ContactID)

	updated, err := f.store.GetContact(ctx, existing.ID)
	require.NoError(t, err)
	require.NotNil(t, updated.WireIdentity)
	assert.Equal(t, "5531999990000@s.whatsapp.net", *updated.WireIdentity)
	assert.Equal(t, "Maria", updated.Name)
}

func TestFromSelfStoredAsUser(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	evt := directMessage("MSG-1", "5531999990000", text("Bom dia, doutor aqui"))
	evt.Info.IsFromMe = true
	f.p.HandleEvent(ctx, f.src, evt)

	msg, err := f.store.GetMessageByExternalID(ctx, "MSG-1")
	require.NoError(t, err)
	assert.Equal(t, models.SenderUser, msg.SenderType)
	assert.Equal(t, models.MessageSent, msg.Status)

	contact, err := f.store.FindContactByPhone(ctx, "t1", "5531999990000")
	require.NoError(t, err)
	assert.Equal(t, "5531999990000", contact.Name)

	ticket, err := f.store.GetTicket(ctx, msg.TicketID)
	require.NoError(t, err)
	assert.False(t, ticket.AwaitingReply)
}

func TestLIDAddressedMessageUsesPhone(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	lid := types.NewJID("123456789012345", types.HiddenUserServer)
	evt := directMessage("MSG-1", "5531999990000", text("Olá"))
	evt.Info.Chat = lid
	evt.Info.Sender = lid
	evt.Info.SenderAlt = types.NewJID("5531999990000", types.DefaultUserServer)
	f.p.HandleEvent(ctx, f.src, evt)

	contact, err := f.store.FindContactByPhone(ctx, "t1", "5531999990000")
	require.NoError(t, err)
	assert.Equal(t, "5531999990000", contact.Phone)
	require.NotNil(t, contact.WireIdentity)
	assert.Equal(t, "123456789012345@lid", *contact.WireIdentity)

	fromSelf := directMessage("MSG-2", "5531999990000", text("Bom dia"))
	fromSelf.Info.Chat = lid
	fromSelf.Info.IsFromMe = true
	fromSelf.Info.RecipientAlt = types.NewJID("5531999990000", types.DefaultUserServer)
	f.p.HandleEvent(ctx, f.src, fromSelf)

	assert.Equal(t, 1, f.count(t, "contacts"))
	assert.Equal(t, 1, f.count(t, "tickets"))
	assert.Equal(t, 2, f.count(t, "messages"))
}

func TestDroppedEvents(t *testing.T) {
	tests := []struct {
		name string
		evt  *events.Message
	}{
		{"status broadcast", &events.Message{
			Info:    types.MessageInfo{MessageSource: types.MessageSource{Chat: types.StatusBroadcastJID}, ID: "S-1"},
			Message: text("story"),
		}},
		{"empty payload", directMessage("E-1", "5531999990000", &waE2E.Message{})},
		{"nil payload", directMessage("E-2", "5531999990000", nil)},
		{"blank text", directMessage("E-3", "5531999990000", text("   "))},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			f.p.HandleEvent(context.Background(), f.src, tt.evt)
			assert.Equal(t, 0, f.count(t, "messages"))
			assert.Equal(t, 0, f.count(t, "contacts"))
		})
	}
}

func groupMessage(id string, group types.JID) *events.Message {
	sender := types.NewJID("5531988887777", types.DefaultUserServer)
	return &events.Message{
		Info: types.MessageInfo{
			MessageSource: types.MessageSource{Chat: group, Sender: sender, IsGroup: true},
			ID:            id,
			PushName:      "Joana",
			Timestamp:     time.Now(),
		},
		Message: text("reunião amanhã"),
	}
}

func TestGroupPolicy(t *testing.T) {
	group := types.NewJID("120363025555555555", types.GroupServer)

	t.Run("blocked", func(t *testing.T) {
		f := newFixture(t)
		f.src.conn.Config = models.ConnectionConfig{BlockGroups: true}
		f.p.HandleEvent(context.Background(), f.src, groupMessage("G-1", group))
		assert.Equal(t, 0, f.count(t, "messages"))
	})

	t.Run("whitelisted", func(t *testing.T) {
		f := newFixture(t)
		f.src.conn.Config = models.ConnectionConfig{BlockGroups: true, GroupWhitelist: []string{group.String()}}
		f.p.HandleEvent(context.Background(), f.src, groupMessage("G-1", group))
		assert.Equal(t, 1, f.count(t, "messages"))
	})

	t.Run("linked to case", func(t *testing.T) {
		f := newFixture(t)
		ctx := context.Background()
		f.src.conn.Config = models.ConnectionConfig{BlockGroups: true}
		require.NoError(t, f.store.CreateCase(ctx, &models.Case{TenantID: "t1", Number: "0001234-56.2024.8.13.0024", GroupJID: models.StringPtr(group.String())}))
		f.socket.Groups[group] = &types.GroupInfo{GroupName: types.GroupName{Name: "Processo Silva"}}

		f.p.HandleEvent(ctx, f.src, groupMessage("G-1", group))

		assert.Equal(t, 1, f.count(t, "messages"))
		contact, err := f.store.FindContactByPhone(ctx, "t1", group.User)
		require.NoError(t, err)
		assert.Equal(t, "Processo Silva", contact.Name)

		msg, err := f.store.GetMessageByExternalID(ctx, "G-1")
		require.NoError(t, err)
		ticket, err := f.store.GetTicket(ctx, msg.TicketID)
		require.NoError(t, err)
		assert.True(t, ticket.IsGroup)
	})

	t.Run("allowed when not blocking", func(t *testing.T) {
		f := newFixture(t)
		f.p.HandleEvent(context.Background(), f.src, groupMessage("G-1", group))
		assert.Equal(t, 1, f.count(t, "messages"))
	})
}

func TestMediaStored(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.socket.DownloadData = []byte("%PDF-1.4")

	doc := &waE2E.Message{DocumentMessage: &waE2E.DocumentMessage{
		Mimetype: proto.String("application/pdf"),
		FileName: proto.String("procuracao.pdf"),
	}}
	f.p.HandleEvent(ctx, f.src, directMessage("D-1", "5531999990000", doc))

	msg, err := f.store.GetMessageByExternalID(ctx, "D-1")
	require.NoError(t, err)
	assert.Equal(t, models.ContentDocument, msg.ContentType)
	assert.Equal(t, "procuracao.pdf", msg.Content)
	require.NotNil(t, msg.MediaPath)
	assert.Regexp(t, `^t1/[0-9a-f-]{36}\.pdf$`, *msg.MediaPath)
	require.NotNil(t, msg.MediaMime)
	assert.Equal(t, "application/pdf", *msg.MediaMime)
}

func TestMediaFailureKeepsMessage(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.socket.DownloadErr = errors.New("media expired")

	img := &waE2E.Message{ImageMessage: &waE2E.ImageMessage{Mimetype: proto.String("image/jpeg")}}
	f.p.HandleEvent(ctx, f.src, directMessage("I-1", "5531999990000", img))

	msg, err := f.store.GetMessageByExternalID(ctx, "I-1")
	require.NoError(t, err)
	assert.Equal(t, models.ContentImage, msg.ContentType)
	assert.Equal(t, "[Imagem]", msg.Content)
	assert.Nil(t, msg.MediaPath)
}

func TestReceiptsMoveStatusForward(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, tk := seedOutgoing(t, f, "OUT-1")

	receipt := func(rt types.ReceiptType) *events.Receipt {
		return &events.Receipt{MessageIDs: []types.MessageID{"OUT-1", "UNKNOWN"}, Type: rt, Timestamp: time.Now()}
	}

	f.p.HandleEvent(ctx, f.src, receipt(types.ReceiptTypeDelivered))
	msg, err := f.store.GetMessageByExternalID(ctx, "OUT-1")
	require.NoError(t, err)
	assert.Equal(t, models.MessageDelivered, msg.Status)

	f.p.HandleEvent(ctx, f.src, receipt(types.ReceiptTypeRead))
	msg, err = f.store.GetMessageByExternalID(ctx, "OUT-1")
	require.NoError(t, err)
	assert.Equal(t, models.MessageRead, msg.Status)
	assert.NotNil(t, msg.ReadAt)
	assert.Equal(t, tk.ID, msg.TicketID)

	// A late delivery receipt must not downgrade READ.
	f.p.HandleEvent(ctx, f.src, receipt(types.ReceiptTypeDelivered))
	f.p.HandleEvent(ctx, f.src, receipt(types.ReceiptTypeRetry))
	msg, err = f.store.GetMessageByExternalID(ctx, "OUT-1")
	require.NoError(t, err)
	assert.Equal(t, models.MessageRead, msg.Status)

	assert.Equal(t, 2, f.pub.count(realtime.TopicMessageStatus))
}

func seedOutgoing(t *testing.T, f *fixture, externalID string) (*models.Contact, *models.Ticket) {
	t.Helper()
	ctx := context.Background()
	c := &models.Contact{TenantID: "t1", Phone: "5531999990000", Name: "Maria"}
	require.NoError(t, f.store.CreateContact(ctx, c))
	tk := &models.Ticket{TenantID: "t1", ContactID: c.ID, ConnectionID: "conn-1"}
	require.NoError(t, f.store.CreateTicket(ctx, tk))
	require.NoError(t, f.store.CreateMessage(ctx, &models.Message{
		TicketID:    tk.ID,
		TenantID:    "t1",
		SenderType:  models.SenderUser,
		ContentType: models.ContentText,
		Content:     "Segue a petição",
		ExternalID:  models.StringPtr(externalID),
		Status:      models.MessageSent,
	}))
	return c, tk
}

func TestStatusForReceipt(t *testing.T) {
	tests := []struct {
		in   types.ReceiptType
		want models.MessageStatus
		ok   bool
	}{
		{types.ReceiptTypeDelivered, models.MessageDelivered, true},
		{types.ReceiptTypeRead, models.MessageRead, true},
		{types.ReceiptTypeReadSelf, models.MessageRead, true},
		{types.ReceiptTypePlayed, models.MessageRead, true},
		{types.ReceiptTypeSender, models.MessageSent, true},
		{types.ReceiptTypeRetry, "", false},
		{types.ReceiptTypeServerError, "", false},
	}
	for _, tt := range tests {
		got, ok := StatusForReceipt(tt.in)
		assert.Equal(t, tt.ok, ok, string(tt.in))
		assert.Equal(t, tt.want, got, string(tt.in))
	}
}

func TestPairSuccessSavesDevice(t *testing.T) {
	f := newFixture(t)
	jid := types.NewJID("5531900000000", types.DefaultUserServer)
	jid.Device = 12
	f.creds.On("Save", mock.Anything, "conn-1", jid).Return(nil).Once()

	f.p.HandleEvent(context.Background(), f.src, &events.PairSuccess{ID: jid})

	f.creds.AssertExpectations(t)
}
