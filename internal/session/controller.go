package session

import (
	"context"
	"os"

	"github.com/mdp/qrterminal/v3"
	"github.com/rs/zerolog/log"
	"github.com/skip2/go-qrcode"
	"github.com/vincent-petithory/dataurl"
	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"

	"lexbridge/internal/metrics"
	"lexbridge/internal/models"
	"lexbridge/internal/realtime"
)

// Pairing channel item kinds.
const (
	qrItemCode    = "code"
	qrItemSuccess = "success"
	qrItemTimeout = "timeout"
)

// keepAliveFailures is how many consecutive keepalive timeouts count as a
// dead socket.
const keepAliveFailures = 3

// closeReason classifies why a session ended.
type closeReason struct {
	name     string
	terminal bool
}

// classify maps protocol lifecycle events to close reasons. ok is false for
// events that do not end the session.
func classify(evt interface{}) (reason closeReason, ok bool) {
	switch e := evt.(type) {
	case *events.LoggedOut:
		return closeReason{"logged_out", true}, true
	case *events.StreamReplaced:
		return closeReason{"stream_replaced", true}, true
	case *events.ClientOutdated:
		return closeReason{"client_outdated", true}, true
	case *events.TemporaryBan:
		return closeReason{"temporary_ban", true}, true
	case *events.ConnectFailure:
		if e.Reason.IsLoggedOut() {
			return closeReason{"connect_failure_logged_out", true}, true
		}
		return closeReason{"connect_failure", false}, true
	case *events.Disconnected:
		return closeReason{"disconnected", false}, true
	case *events.StreamError:
		return closeReason{"stream_error", false}, true
	case *events.KeepAliveTimeout:
		if e.ErrorCount >= keepAliveFailures {
			return closeReason{"keepalive_timeout", false}, true
		}
	}
	return closeReason{}, false
}

// handleLifecycle drives the connection state machine. It returns true when
// evt was consumed here.
func (m *Manager) handleLifecycle(s *Session, evt interface{}) bool {
	switch e := evt.(type) {
	case qrEvent:
		m.onPairingItem(s, e.item)
		return true
	case *events.Connected:
		m.onConnected(s)
		return true
	case *events.KeepAliveRestored:
		log.Info().Str("connectionID", s.ConnectionID()).Msg("Keepalive restored")
		return true
	}

	if reason, ok := classify(evt); ok {
		m.onClose(s, reason)
		return true
	}
	if e, ok := evt.(*events.KeepAliveTimeout); ok {
		log.Warn().Str("connectionID", s.ConnectionID()).Int("errorCount", e.ErrorCount).Msg("Keepalive timeout")
		return true
	}
	return false
}

func (m *Manager) onPairingItem(s *Session, item whatsmeow.QRChannelItem) {
	switch item.Event {
	case qrItemCode:
		m.onPairingCode(s, item.Code)
	case qrItemSuccess:
		log.Info().Str("connectionID", s.ConnectionID()).Msg("Pairing code scanned")
	case qrItemTimeout:
		m.onClose(s, closeReason{"pairing_timeout", true})
	default:
		log.Warn().Str("connectionID", s.ConnectionID()).Str("event", item.Event).Msg("Pairing failed")
		m.onClose(s, closeReason{"pairing_" + item.Event, true})
	}
}

func (m *Manager) onPairingCode(s *Session, code string) {
	if !m.isCurrent(s) {
		return
	}
	s.setState(StatePairing)
	ctx := s.Context()

	if err := m.setStatus(ctx, s.TenantID(), s.ConnectionID(), models.ConnectionPairing, &code); err != nil {
		log.Error().Err(err).Str("connectionID", s.ConnectionID()).Msg("Failed to persist pairing code")
	}

	payload := map[string]string{"connectionId": s.ConnectionID(), "code": code}
	if png, err := qrcode.Encode(code, qrcode.Medium, 256); err == nil {
		payload["image"] = dataurl.EncodeBytes(png)
	} else {
		log.Warn().Err(err).Str("connectionID", s.ConnectionID()).Msg("Failed to render pairing code")
	}
	m.publisher.Publish(ctx, s.TenantID(), realtime.TopicConnectionQRCode, payload)

	if m.qrTerminal {
		qrterminal.GenerateHalfBlock(code, qrterminal.L, os.Stdout)
	}
	log.Info().Str("connectionID", s.ConnectionID()).Msg("Pairing code issued")
}

func (m *Manager) onConnected(s *Session) {
	if !m.isCurrent(s) {
		return
	}
	s.setState(StateConnected)
	ctx := s.Context()

	if err := m.setStatus(ctx, s.TenantID(), s.ConnectionID(), models.ConnectionConnected, nil); err != nil {
		log.Error().Err(err).Str("connectionID", s.ConnectionID()).Msg("Failed to persist connected status")
	}
	if err := s.socket.SendPresence(ctx, types.PresenceAvailable); err != nil {
		log.Warn().Err(err).Str("connectionID", s.ConnectionID()).Msg("Failed to announce presence")
	}
	log.Info().Str("connectionID", s.ConnectionID()).Msg("Session connected")
}

// onClose persists DISCONNECTED and then either erases credentials (terminal)
// or schedules a single reconnect (retryable).
func (m *Manager) onClose(s *Session, reason closeReason) {
	if !m.isCurrent(s) {
		log.Debug().Str("connectionID", s.ConnectionID()).Str("reason", reason.name).Msg("Ignoring close from replaced session")
		return
	}
	s.setState(StateClosed)
	// The session context dies with teardown; persistence must outlive it.
	ctx := context.Background()
	id := s.ConnectionID()

	logger := log.With().Str("connectionID", id).Str("reason", reason.name).Bool("terminal", reason.terminal).Logger()
	logger.Warn().Msg("Session closed")

	if err := m.setStatus(ctx, s.TenantID(), id, models.ConnectionDisconnected, nil); err != nil {
		logger.Error().Err(err).Msg("Failed to persist disconnected status")
	}

	if reason.terminal {
		metrics.TerminalDisconnects.WithLabelValues(reason.name).Inc()
		m.Teardown(id)
		if err := m.credentials.Erase(ctx, id); err != nil {
			logger.Error().Err(err).Msg("Failed to erase credentials")
		}
		return
	}
	m.scheduleReconnect(id)
}

// scheduleReconnect arms one reconnect after the fixed delay. It returns
// false when one is already pending for the connection.
func (m *Manager) scheduleReconnect(connectionID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return false
	}
	if _, pending := m.reconnecting[connectionID]; pending {
		log.Debug().Str("connectionID", connectionID).Msg("Reconnect already pending")
		return false
	}

	ticket := &reconnectTicket{}
	m.reconnecting[connectionID] = ticket
	ticket.stop = m.after(m.reconnectDelay, func() { m.reconnect(connectionID, ticket) })
	metrics.Reconnects.Inc()

	log.Info().Str("connectionID", connectionID).Dur("delay", m.reconnectDelay).Msg("Reconnect scheduled")
	return true
}

func (m *Manager) reconnect(connectionID string, ticket *reconnectTicket) {
	m.mu.Lock()
	if m.closed || m.reconnecting[connectionID] != ticket {
		m.mu.Unlock()
		return
	}
	delete(m.reconnecting, connectionID)
	m.mu.Unlock()

	if _, err := m.Create(context.Background(), connectionID); err != nil {
		log.Error().Err(err).Str("connectionID", connectionID).Msg("Reconnect failed")
		m.scheduleReconnect(connectionID)
	}
}

func (m *Manager) cancelReconnectLocked(connectionID string) {
	if ticket, ok := m.reconnecting[connectionID]; ok {
		if ticket.stop != nil {
			ticket.stop()
		}
		delete(m.reconnecting, connectionID)
	}
}
