// Package credstore persists per-connection pairing credentials and ratchet
// keys so a session can reconnect without pairing again.
package credstore

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"
	"go.mau.fi/whatsmeow/store"
	"go.mau.fi/whatsmeow/store/sqlstore"
	"go.mau.fi/whatsmeow/types"
	waLog "go.mau.fi/whatsmeow/util/log"

	"lexbridge/internal/db"
	"lexbridge/internal/models"
)

// Connections is the persistence the store needs to bind devices to connections.
type Connections interface {
	GetConnection(ctx context.Context, id string) (*models.Connection, error)
	SetConnectionDevice(ctx context.Context, id string, jid *string) error
}

// Store keeps the device key material in whatsmeow's sql container and the
// device address on the connection row.
type Store struct {
	container *sqlstore.Container
	conns     Connections
}

// Open creates the credential container on the given database. dialect is
// "postgres" or "sqlite".
func Open(ctx context.Context, dialect, dsn string, conns Connections) (*Store, error) {
	dbLog := waLog.Zerolog(log.Logger.With().Str("module", "credstore").Logger())
	container, err := sqlstore.New(ctx, dialect, dsn, dbLog)
	if err != nil {
		return nil, fmt.Errorf("failed to open credential store: %w", err)
	}
	return &Store{container: container, conns: conns}, nil
}

// LoadDevice returns the stored device for the connection, or a blank device
// when the connection has never paired or its keys are gone.
func (s *Store) LoadDevice(ctx context.Context, connectionID string) (*store.Device, error) {
	conn, err := s.conns.GetConnection(ctx, connectionID)
	if err != nil {
		return nil, err
	}
	if conn.DeviceJID == nil || *conn.DeviceJID == "" {
		return s.container.NewDevice(), nil
	}

	jid, err := types.ParseJID(*conn.DeviceJID)
	if err != nil {
		log.Warn().Err(err).Str("connectionID", connectionID).Msg("Stored device address is invalid, starting fresh")
		return s.container.NewDevice(), nil
	}
	device, err := s.container.GetDevice(ctx, jid)
	if err != nil {
		return nil, fmt.Errorf("failed to load device %s: %w", jid, err)
	}
	if device == nil {
		log.Info().Str("connectionID", connectionID).Str("jid", jid.String()).Msg("No keys for stored device, starting fresh")
		return s.container.NewDevice(), nil
	}
	return device, nil
}

// Save binds a freshly paired device to the connection.
func (s *Store) Save(ctx context.Context, connectionID string, jid types.JID) error {
	addr := jid.String()
	if err := s.conns.SetConnectionDevice(ctx, connectionID, &addr); err != nil {
		return fmt.Errorf("failed to save device for connection %s: %w", connectionID, err)
	}
	log.Info().Str("connectionID", connectionID).Str("jid", addr).Msg("Device credentials saved")
	return nil
}

// Erase deletes the connection's key material so the next connect pairs again.
func (s *Store) Erase(ctx context.Context, connectionID string) error {
	conn, err := s.conns.GetConnection(ctx, connectionID)
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			return nil
		}
		return err
	}
	if conn.DeviceJID != nil && *conn.DeviceJID != "" {
		if jid, perr := types.ParseJID(*conn.DeviceJID); perr == nil {
			device, gerr := s.container.GetDevice(ctx, jid)
			if gerr != nil {
				return fmt.Errorf("failed to load device %s: %w", jid, gerr)
			}
			if device != nil {
				if derr := device.Delete(ctx); derr != nil {
					return fmt.Errorf("failed to delete device %s: %w", jid, derr)
				}
			}
		}
	}
	if err := s.conns.SetConnectionDevice(ctx, connectionID, nil); err != nil {
		return err
	}
	log.Info().Str("connectionID", connectionID).Msg("Device credentials erased")
	return nil
}
