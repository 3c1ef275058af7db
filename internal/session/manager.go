// Package session owns the live protocol sessions: creation, replacement,
// reconnection and teardown.
package session

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/types"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"lexbridge/internal/identity"
	"lexbridge/internal/metrics"
	"lexbridge/internal/models"
	"lexbridge/internal/realtime"
	"lexbridge/internal/wa"
)

var (
	ErrNoSession    = errors.New("no live session for connection")
	ErrNotLoggedIn  = errors.New("session is not logged in")
	ErrShuttingDown = errors.New("session manager is shutting down")
)

// Store is the connection persistence the manager drives.
type Store interface {
	GetConnection(ctx context.Context, id string) (*models.Connection, error)
	ListConnectionsByStatus(ctx context.Context, statuses ...models.ConnectionStatus) ([]models.Connection, error)
	UpdateConnectionStatus(ctx context.Context, id string, status models.ConnectionStatus, pairingCode *string) error
}

// Credentials persists and erases device key material.
type Credentials interface {
	Save(ctx context.Context, connectionID string, jid types.JID) error
	Erase(ctx context.Context, connectionID string) error
}

// Source is what an event handler may know about the session that emitted
// an event.
type Source interface {
	ConnectionID() string
	TenantID() string
	Connection() models.Connection
	Socket() wa.Socket
}

// Handle is what a sender needs from a live session.
type Handle interface {
	ConnectionID() string
	TenantID() string
	Socket() wa.Socket
	IsAlive() bool
	Resolve(ctx context.Context, raw string) (types.JID, error)
	RememberSent(id types.MessageID, msg *waE2E.Message)
}

// EventHandler receives every non-lifecycle event, in order, per session.
type EventHandler interface {
	HandleEvent(ctx context.Context, src Source, evt interface{})
}

// Options configures a Manager.
type Options struct {
	Store       Store
	Opener      wa.Opener
	Credentials Credentials
	Publisher   realtime.Publisher
	Handler     EventHandler

	ReconnectDelay   time.Duration
	IdentityCacheTTL time.Duration
	CountryCode      string
	QRTerminal       bool
}

// SessionInfo is one row of the diagnostic snapshot.
type SessionInfo struct {
	ConnectionID    string                  `json:"connectionId"`
	TenantID        string                  `json:"tenantId"`
	State           State                   `json:"state,omitempty"`
	InMemory        bool                    `json:"inMemory"`
	Alive           bool                    `json:"alive"`
	Connected       bool                    `json:"connected"`
	LoggedIn        bool                    `json:"loggedIn"`
	Reconnecting    bool                    `json:"reconnecting"`
	PersistedStatus models.ConnectionStatus `json:"persistedStatus,omitempty"`
	// Stale marks a disagreement between memory and the persisted status.
	Stale bool `json:"stale"`
}

type reconnectTicket struct {
	stop func() bool
}

// Manager is the registry of live sessions keyed by connection id.
type Manager struct {
	store       Store
	opener      wa.Opener
	credentials Credentials
	publisher   realtime.Publisher
	handler     EventHandler

	reconnectDelay time.Duration
	cacheTTL       time.Duration
	countryCode    string
	qrTerminal     bool

	// after schedules reconnects; tests replace it.
	after func(d time.Duration, f func()) func() bool

	group singleflight.Group

	mu           sync.Mutex
	sessions     map[string]*Session
	reconnecting map[string]*reconnectTicket
	closed       bool
}

// NewManager creates an empty registry.
func NewManager(opts Options) *Manager {
	if opts.ReconnectDelay <= 0 {
		opts.ReconnectDelay = 3 * time.Second
	}
	if opts.IdentityCacheTTL <= 0 {
		opts.IdentityCacheTTL = 6 * time.Hour
	}
	return &Manager{
		store:          opts.Store,
		opener:         opts.Opener,
		credentials:    opts.Credentials,
		publisher:      opts.Publisher,
		handler:        opts.Handler,
		reconnectDelay: opts.ReconnectDelay,
		cacheTTL:       opts.IdentityCacheTTL,
		countryCode:    opts.CountryCode,
		qrTerminal:     opts.QRTerminal,
		after: func(d time.Duration, f func()) func() bool {
			return time.AfterFunc(d, f).Stop
		},
		sessions:     make(map[string]*Session),
		reconnecting: make(map[string]*reconnectTicket),
	}
}

// SetHandler installs the event handler. Must be called before any Create.
func (m *Manager) SetHandler(h EventHandler) {
	m.handler = h
}

// Create opens a fresh session for the connection, replacing any live one.
// Concurrent calls for the same connection share one result and one socket.
func (m *Manager) Create(ctx context.Context, connectionID string) (*Session, error) {
	v, err, shared := m.group.Do(connectionID, func() (interface{}, error) {
		return m.create(ctx, connectionID)
	})
	if shared {
		log.Debug().Str("connectionID", connectionID).Msg("Joined in-flight session creation")
	}
	if err != nil {
		return nil, err
	}
	return v.(*Session), nil
}

func (m *Manager) create(ctx context.Context, connectionID string) (*Session, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, ErrShuttingDown
	}
	m.cancelReconnectLocked(connectionID)
	old := m.sessions[connectionID]
	delete(m.sessions, connectionID)
	m.mu.Unlock()

	if old != nil {
		log.Info().Str("connectionID", connectionID).Msg("Replacing live session")
		old.stop()
	}

	conn, err := m.store.GetConnection(ctx, connectionID)
	if err != nil {
		return nil, fmt.Errorf("failed to load connection %s: %w", connectionID, err)
	}

	socket, err := m.opener.Open(ctx, connectionID)
	if err != nil {
		return nil, err
	}
	metrics.SessionOpens.Inc()

	s := newSession(*conn, socket, identity.NewResolver(socket, m.countryCode, m.cacheTTL))
	socket.AddEventHandler(s.enqueue)

	if socket.DeviceJID() == nil {
		qrCh, err := socket.QRChannel(s.ctx)
		if err != nil {
			s.stop()
			return nil, fmt.Errorf("failed to open pairing channel: %w", err)
		}
		go s.pumpQR(qrCh)
	}

	m.mu.Lock()
	m.sessions[connectionID] = s
	metrics.SessionsLive.Set(float64(len(m.sessions)))
	m.mu.Unlock()

	go s.run(m.dispatch)

	if err := socket.Connect(); err != nil {
		m.remove(s)
		s.stop()
		return nil, fmt.Errorf("failed to connect session %s: %w", connectionID, err)
	}

	log.Info().
		Str("connectionID", connectionID).
		Str("tenantID", conn.TenantID).
		Bool("paired", socket.DeviceJID() != nil).
		Msg("Session created")
	return s, nil
}

// dispatch runs on the session goroutine. A panic in one event must not end
// the session.
func (m *Manager) dispatch(s *Session, evt interface{}) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Str("connectionID", s.ConnectionID()).Msgf("Recovered while handling %T", evt)
		}
	}()

	if m.handleLifecycle(s, evt) {
		return
	}
	if m.handler != nil {
		m.handler.HandleEvent(s.ctx, s, evt)
	}
}

// Get returns the registered session for the connection.
func (m *Manager) Get(connectionID string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[connectionID]
	if !ok {
		return nil, ErrNoSession
	}
	return s, nil
}

// Lookup is Get narrowed to the sending view.
func (m *Manager) Lookup(connectionID string) (Handle, error) {
	s, err := m.Get(connectionID)
	if err != nil {
		return nil, err
	}
	return s, nil
}

// IsAlive reports whether the connection has an authenticated live socket.
func (m *Manager) IsAlive(connectionID string) bool {
	s, err := m.Get(connectionID)
	return err == nil && s.IsAlive()
}

// Teardown stops the connection's session and any pending reconnect.
func (m *Manager) Teardown(connectionID string) {
	m.mu.Lock()
	s := m.sessions[connectionID]
	delete(m.sessions, connectionID)
	m.cancelReconnectLocked(connectionID)
	metrics.SessionsLive.Set(float64(len(m.sessions)))
	m.mu.Unlock()

	if s != nil {
		s.stop()
		log.Info().Str("connectionID", connectionID).Msg("Session torn down")
	}
}

// Disconnect logs the device out, erases its credentials and marks the
// connection DISCONNECTED. The next Create starts a fresh pairing.
func (m *Manager) Disconnect(ctx context.Context, connectionID string) error {
	s, _ := m.Get(connectionID)
	if s != nil && s.socket.IsLoggedIn() {
		if err := s.socket.Logout(ctx); err != nil {
			log.Warn().Err(err).Str("connectionID", connectionID).Msg("Logout failed, erasing credentials anyway")
		}
	}
	m.Teardown(connectionID)

	if err := m.credentials.Erase(ctx, connectionID); err != nil {
		log.Error().Err(err).Str("connectionID", connectionID).Msg("Failed to erase credentials")
	}
	conn, err := m.store.GetConnection(ctx, connectionID)
	if err != nil {
		return err
	}
	return m.setStatus(ctx, conn.TenantID, connectionID, models.ConnectionDisconnected, nil)
}

// RestoreAll recreates sessions for every connection persisted as CONNECTED
// or PAIRING. A connection that fails to restore is marked DISCONNECTED.
func (m *Manager) RestoreAll(ctx context.Context) error {
	conns, err := m.store.ListConnectionsByStatus(ctx, models.ConnectionConnected, models.ConnectionPairing)
	if err != nil {
		return fmt.Errorf("failed to list connections to restore: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(4)
	for _, c := range conns {
		c := c
		g.Go(func() error {
			if _, err := m.Create(gctx, c.ID); err != nil {
				log.Error().Err(err).Str("connectionID", c.ID).Msg("Failed to restore session")
				if serr := m.setStatus(gctx, c.TenantID, c.ID, models.ConnectionDisconnected, nil); serr != nil {
					log.Error().Err(serr).Str("connectionID", c.ID).Msg("Failed to mark unrestored connection")
				}
			}
			return nil
		})
	}
	_ = g.Wait()

	log.Info().Int("connections", len(conns)).Msg("Session restore finished")
	return nil
}

// Snapshot lists in-memory sessions and persisted live connections, flagging
// any that disagree.
func (m *Manager) Snapshot(ctx context.Context) ([]SessionInfo, error) {
	persisted, err := m.store.ListConnectionsByStatus(ctx,
		models.ConnectionConnected, models.ConnectionPairing, models.ConnectionDisconnected)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	sessions := make(map[string]*Session, len(m.sessions))
	for id, s := range m.sessions {
		sessions[id] = s
	}
	reconnecting := make(map[string]bool, len(m.reconnecting))
	for id := range m.reconnecting {
		reconnecting[id] = true
	}
	m.mu.Unlock()

	byID := make(map[string]*SessionInfo)
	for id, s := range sessions {
		byID[id] = &SessionInfo{
			ConnectionID: id,
			TenantID:     s.TenantID(),
			State:        s.State(),
			InMemory:     true,
			Alive:        s.IsAlive(),
			Connected:    s.socket.IsConnected(),
			LoggedIn:     s.socket.IsLoggedIn(),
			Reconnecting: reconnecting[id],
		}
	}
	for _, c := range persisted {
		info, ok := byID[c.ID]
		if !ok {
			if c.Status == models.ConnectionDisconnected && !reconnecting[c.ID] {
				continue
			}
			info = &SessionInfo{ConnectionID: c.ID, TenantID: c.TenantID, Reconnecting: reconnecting[c.ID]}
			byID[c.ID] = info
		}
		info.PersistedStatus = c.Status
	}

	out := make([]SessionInfo, 0, len(byID))
	for _, info := range byID {
		switch info.PersistedStatus {
		case models.ConnectionConnected:
			info.Stale = !info.Alive && !info.Reconnecting
		case models.ConnectionPairing:
			info.Stale = !info.InMemory
		default:
			info.Stale = info.Alive
		}
		out = append(out, *info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ConnectionID < out[j].ConnectionID })
	return out, nil
}

// Shutdown stops every session without touching persisted status, so the
// next process start restores them.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	m.closed = true
	sessions := make([]*Session, 0, len(m.sessions))
	for id, s := range m.sessions {
		sessions = append(sessions, s)
		delete(m.sessions, id)
	}
	for id := range m.reconnecting {
		m.cancelReconnectLocked(id)
	}
	metrics.SessionsLive.Set(0)
	m.mu.Unlock()

	for _, s := range sessions {
		s.stop()
	}
	log.Info().Int("sessions", len(sessions)).Msg("Session manager shut down")
}

// remove drops s from the registry only if it is still the registered one.
func (m *Manager) remove(s *Session) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sessions[s.ConnectionID()] == s {
		delete(m.sessions, s.ConnectionID())
		metrics.SessionsLive.Set(float64(len(m.sessions)))
	}
}

func (m *Manager) isCurrent(s *Session) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sessions[s.ConnectionID()] == s
}

func (m *Manager) setStatus(ctx context.Context, tenantID, connectionID string, status models.ConnectionStatus, pairingCode *string) error {
	if err := m.store.UpdateConnectionStatus(ctx, connectionID, status, pairingCode); err != nil {
		return fmt.Errorf("failed to update connection %s to %s: %w", connectionID, status, err)
	}
	payload := map[string]interface{}{
		"connectionId": connectionID,
		"status":       status,
	}
	if pairingCode != nil {
		payload["pairingCode"] = *pairingCode
	}
	m.publisher.Publish(ctx, tenantID, realtime.TopicConnectionUpdate, payload)
	return nil
}
