package session

import (
	"context"
	"sync"
	"time"

	"github.com/patrickmn/go-cache"
	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/types"

	"lexbridge/internal/identity"
	"lexbridge/internal/models"
	"lexbridge/internal/wa"
)

// State is a session's position in the connection lifecycle.
type State string

const (
	StateOpening   State = "OPENING"
	StatePairing   State = "PAIRING"
	StateConnected State = "CONNECTED"
	StateClosed    State = "CLOSED"
)

const (
	eventBuffer   = 256
	retryCacheTTL = 10 * time.Minute
)

// qrEvent carries a pairing channel item through the ordered event stream.
type qrEvent struct {
	item whatsmeow.QRChannelItem
}

// Session is one live protocol socket for one connection. Its events are
// handled in arrival order on a single goroutine.
type Session struct {
	conn     models.Connection
	socket   wa.Socket
	resolver *identity.Resolver
	sent     *cache.Cache

	ctx    context.Context
	cancel context.CancelFunc
	events chan interface{}

	mu    sync.RWMutex
	state State

	stopOnce sync.Once
	done     chan struct{}
}

func newSession(conn models.Connection, socket wa.Socket, resolver *identity.Resolver) *Session {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		conn:     conn,
		socket:   socket,
		resolver: resolver,
		sent:     cache.New(retryCacheTTL, 2*retryCacheTTL),
		ctx:      ctx,
		cancel:   cancel,
		events:   make(chan interface{}, eventBuffer),
		state:    StateOpening,
		done:     make(chan struct{}),
	}
	socket.SetRetryLookup(s.lookupSent)
	return s
}

func (s *Session) ConnectionID() string { return s.conn.ID }

func (s *Session) TenantID() string { return s.conn.TenantID }

// Connection is the connection record as loaded when the session was created.
func (s *Session) Connection() models.Connection { return s.conn }

func (s *Session) Socket() wa.Socket { return s.socket }

// Resolve turns a stored phone or identity into a verified wire identity,
// using this session's socket and cache.
func (s *Session) Resolve(ctx context.Context, raw string) (types.JID, error) {
	return s.resolver.Resolve(ctx, raw)
}

// Context is cancelled when the session is torn down.
func (s *Session) Context() context.Context { return s.ctx }

func (s *Session) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

func (s *Session) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

// IsAlive reports an authenticated, connected socket.
func (s *Session) IsAlive() bool {
	return s.State() == StateConnected && s.socket.IsConnected() && s.socket.IsLoggedIn()
}

// RememberSent keeps an outgoing message so it can be re-encrypted when the
// recipient requests a retry.
func (s *Session) RememberSent(id types.MessageID, msg *waE2E.Message) {
	s.sent.Set(string(id), msg, cache.DefaultExpiration)
}

func (s *Session) lookupSent(id types.MessageID) *waE2E.Message {
	if v, ok := s.sent.Get(string(id)); ok {
		return v.(*waE2E.Message)
	}
	return nil
}

// enqueue is called from the protocol library's goroutine. A full buffer
// blocks the library rather than reordering or dropping events.
func (s *Session) enqueue(evt interface{}) {
	select {
	case s.events <- evt:
	case <-s.done:
	}
}

func (s *Session) run(handle func(*Session, interface{})) {
	for {
		select {
		case <-s.done:
			return
		case evt := <-s.events:
			handle(s, evt)
		}
	}
}

// pumpQR forwards pairing channel items into the event stream.
func (s *Session) pumpQR(ch <-chan whatsmeow.QRChannelItem) {
	for {
		select {
		case <-s.done:
			return
		case item, ok := <-ch:
			if !ok {
				return
			}
			s.enqueue(qrEvent{item: item})
		}
	}
}

// stop detaches the socket and ends the event goroutine. It does not wait,
// so it is safe to call from inside an event handler.
func (s *Session) stop() {
	s.stopOnce.Do(func() {
		s.setState(StateClosed)
		close(s.done)
		s.cancel()
		s.socket.RemoveEventHandlers()
		s.socket.Disconnect()
		s.resolver.Flush()
		s.sent.Flush()
	})
}
