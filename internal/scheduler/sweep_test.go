package scheduler

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

	"lexbridge/internal/db"
	"lexbridge/internal/identity"
	"lexbridge/internal/media"
	"lexbridge/internal/models"
	"lexbridge/internal/outbound"
	"lexbridge/internal/realtime"
	"lexbridge/internal/session"
	"lexbridge/internal/wa"
	"lexbridge/internal/wa/watest"
)

type mockSender struct {
	mock.Mock
}

func (m *mockSender) Send(ctx context.Context, connectionID, messageID string) error {
	return m.Called(ctx, connectionID, messageID).Error(0)
}

type staticStore struct {
	due []db.DueMessage
	err error
}

func (s *staticStore) ListDueScheduled(context.Context, time.Time) ([]db.DueMessage, error) {
	return s.due, s.err
}

func due(id, conn string) db.DueMessage {
	return db.DueMessage{Message: models.Message{ID: id}, ConnectionID: conn}
}

func TestTickSendsEachIndependently(t *testing.T) {
	sender := &mockSender{}
	sender.On("Send", mock.Anything, "conn-1", "m1").Return(errors.New("NO_CONNECTION")).Once()
	sender.On("Send", mock.Anything, "conn-2", "m2").Return(nil).Once()
	sender.On("Send", mock.Anything, "conn-2", "m3").Return(nil).Once()

	s := NewSweep(&staticStore{due: []db.DueMessage{due("m1", "conn-1"), due("m2", "conn-2"), due("m3", "conn-2")}}, sender, time.Minute)

	assert.Equal(t, 2, s.Tick(context.Background()))
	sender.AssertExpectations(t)
}

func TestTickListError(t *testing.T) {
	sender := &mockSender{}
	s := NewSweep(&staticStore{err: errors.New("db down")}, sender, time.Minute)

	assert.Equal(t, 0, s.Tick(context.Background()))
	sender.AssertNotCalled(t, "Send", mock.Anything, mock.Anything, mock.Anything)
}

func TestOverlappingTickIsSkipped(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{})
	sender := &mockSender{}
	sender.On("Send", mock.Anything, "conn-1", "m1").Run(func(mock.Arguments) {
		close(started)
		<-release
	}).Return(nil).Once()

	s := NewSweep(&staticStore{due: []db.DueMessage{due("m1", "conn-1")}}, sender, time.Minute)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		s.Tick(context.Background())
	}()
	<-started
	assert.Equal(t, 0, s.Tick(context.Background()))
	close(release)
	wg.Wait()

	sender.AssertExpectations(t)
}

func TestStartStop(t *testing.T) {
	s := NewSweep(&staticStore{}, &mockSender{}, time.Millisecond)
	s.Start()
	time.Sleep(5 * time.Millisecond)
	assert.NotPanics(t, func() {
		s.Stop()
		s.Stop()
	})
}

type liveHandle struct {
	socket   *watest.Socket
	resolver *identity.Resolver
}

func (h *liveHandle) ConnectionID() string                         { return "conn-1" }
func (h *liveHandle) TenantID() string                             { return "t1" }
func (h *liveHandle) Socket() wa.Socket                            { return h.socket }
func (h *liveHandle) IsAlive() bool                                { return true }
func (h *liveHandle) RememberSent(types.MessageID, *waE2E.Message) {}

func (h *liveHandle) Resolve(ctx context.Context, raw string) (types.JID, error) {
	return h.resolver.Resolve(ctx, raw)
}

type sessions map[string]session.Handle

func (s sessions) Lookup(connectionID string) (session.Handle, error) {
	if h, ok := s[connectionID]; ok {
		return h, nil
	}
	return nil, session.ErrNoSession
}

type topicRecorder struct {
	mu     sync.Mutex
	topics []string
}

func (r *topicRecorder) Publish(_ context.Context, _, topic string, _ interface{}) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.topics = append(r.topics, topic)
}

func seedScheduled(t *testing.T, store *db.Store, conn string, at time.Time) *models.Message {
	t.Helper()
	ctx := context.Background()
	c := &models.Contact{TenantID: "t1", Phone: "5531999990000", Name: "Maria"}
	require.NoError(t, store.CreateContact(ctx, c))
	tk := &models.Ticket{TenantID: "t1", ContactID: c.ID, ConnectionID: conn}
	require.NoError(t, store.CreateTicket(ctx, tk))
	m := &models.Message{
		TicketID:    tk.ID,
		TenantID:    "t1",
		SenderType:  models.SenderUser,
		ContentType: models.ContentText,
		Content:     "Lembrete: audiência amanhã às 14h",
		Status:      models.MessageScheduled,
		ScheduledAt: &at,
	}
	require.NoError(t, store.CreateMessage(ctx, m))
	return m
}

func newScheduledFixture(t *testing.T, live bool) (*db.Store, *watest.Socket, *topicRecorder, *Sweep) {
	t.Helper()
	store, err := db.Open(context.Background(), "sqlite", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	blobs, err := media.NewLocalStore(t.TempDir())
	require.NoError(t, err)

	socket := watest.NewSocket()
	socket.Registered["5531999990000"] = types.NewJID("5531999990000", types.DefaultUserServer)
	reg := sessions{}
	if live {
		reg["conn-1"] = &liveHandle{socket: socket, resolver: identity.NewResolver(socket, "55", time.Hour)}
	}
	pub := &topicRecorder{}
	dispatcher := outbound.NewDispatcher(outbound.Options{Store: store, Sessions: reg, Blobs: blobs, Publisher: pub})
	return store, socket, pub, NewSweep(store, dispatcher, time.Minute)
}

func TestDueMessagePromotedToSent(t *testing.T) {
	store, socket, pub, sweep := newScheduledFixture(t, true)
	m := seedScheduled(t, store, "conn-1", time.Now().Add(-time.Second))

	assert.Equal(t, 1, sweep.Tick(context.Background()))

	got, err := store.GetMessage(context.Background(), m.ID)
	require.NoError(t, err)
	assert.Equal(t, models.MessageSent, got.Status)
	require.NotNil(t, got.ExternalID)
	assert.Len(t, socket.Sent, 1)
	assert.Contains(t, pub.topics, realtime.TopicMessageStatus)

	// Already SENT, so the next tick has nothing to do.
	assert.Equal(t, 0, sweep.Tick(context.Background()))
}

func TestDueMessageWithoutSessionPublishesError(t *testing.T) {
	store, _, pub, sweep := newScheduledFixture(t, false)
	m := seedScheduled(t, store, "conn-1", time.Now().Add(-time.Second))

	assert.Equal(t, 0, sweep.Tick(context.Background()))

	got, err := store.GetMessage(context.Background(), m.ID)
	require.NoError(t, err)
	assert.Equal(t, models.MessageScheduled, got.Status)
	assert.Equal(t, []string{realtime.TopicTicketError}, pub.topics)
}

func TestFutureMessageNotSent(t *testing.T) {
	store, socket, _, sweep := newScheduledFixture(t, true)
	seedScheduled(t, store, "conn-1", time.Now().Add(time.Hour))

	assert.Equal(t, 0, sweep.Tick(context.Background()))
	assert.Empty(t, socket.Sent)
}
