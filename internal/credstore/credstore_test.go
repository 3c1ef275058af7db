package credstore

import (
	"context"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mau.fi/whatsmeow/types"
	_ "modernc.org/sqlite"

	"lexbridge/internal/db"
	"lexbridge/internal/models"
)

type memConnections struct {
	mu    sync.Mutex
	conns map[string]*models.Connection
}

func (m *memConnections) GetConnection(_ context.Context, id string) (*models.Connection, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.conns[id]
	if !ok {
		return nil, db.ErrNotFound
	}
	cp := *c
	return &cp, nil
}

func (m *memConnections) SetConnectionDevice(_ context.Context, id string, jid *string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.conns[id]
	if !ok {
		return db.ErrNotFound
	}
	c.DeviceJID = jid
	return nil
}

func newTestStore(t *testing.T) (*Store, *memConnections) {
	t.Helper()
	conns := &memConnections{conns: map[string]*models.Connection{
		"conn-1": {ID: "conn-1", TenantID: "t1"},
	}}
	dsn := "file:" + filepath.Join(t.TempDir(), "creds.db") + "?_pragma=foreign_keys(1)"
	s, err := Open(context.Background(), "sqlite", dsn, conns)
	require.NoError(t, err)
	return s, conns
}

func TestLoadDeviceForUnpairedConnection(t *testing.T) {
	s, _ := newTestStore(t)

	device, err := s.LoadDevice(context.Background(), "conn-1")
	require.NoError(t, err)
	require.NotNil(t, device)
	assert.Nil(t, device.ID)

	_, err = s.LoadDevice(context.Background(), "missing")
	assert.ErrorIs(t, err, db.ErrNotFound)
}

func TestSaveAndEraseBinding(t *testing.T) {
	s, conns := newTestStore(t)
	ctx := context.Background()

	jid := types.NewJID("5531999990000", types.DefaultUserServer)
	require.NoError(t, s.Save(ctx, "conn-1", jid))
	require.NotNil(t, conns.conns["conn-1"].DeviceJID)
	assert.Equal(t, jid.String(), *conns.conns["conn-1"].DeviceJID)

	// Keys were never written for this address, so loading falls back to a fresh device.
	device, err := s.LoadDevice(ctx, "conn-1")
	require.NoError(t, err)
	assert.Nil(t, device.ID)

	require.NoError(t, s.Erase(ctx, "conn-1"))
	assert.Nil(t, conns.conns["conn-1"].DeviceJID)

	assert.NoError(t, s.Erase(ctx, "missing"))
}
