package wa

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"
	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/store"
	waLog "go.mau.fi/whatsmeow/util/log"
	"google.golang.org/protobuf/proto"
)

// DeviceLoader returns the protocol device (credentials) bound to a connection.
type DeviceLoader interface {
	LoadDevice(ctx context.Context, connectionID string) (*store.Device, error)
}

// Opener opens a new Socket for a connection.
type Opener interface {
	Open(ctx context.Context, connectionID string) (Socket, error)
}

// Factory opens whatsmeow-backed sockets.
type Factory struct {
	devices DeviceLoader
}

// NewFactory creates a Factory announcing itself to the network as osName.
func NewFactory(devices DeviceLoader, osName string) *Factory {
	if osName != "" {
		store.DeviceProps.Os = proto.String(osName)
	}
	return &Factory{devices: devices}
}

// Open builds a client for the connection's stored device, or a fresh device
// that will need pairing.
func (f *Factory) Open(ctx context.Context, connectionID string) (Socket, error) {
	device, err := f.devices.LoadDevice(ctx, connectionID)
	if err != nil {
		return nil, fmt.Errorf("failed to load device for connection %s: %w", connectionID, err)
	}

	clientLog := waLog.Zerolog(log.Logger.With().Str("module", "whatsmeow").Str("connectionID", connectionID).Logger())
	cli := whatsmeow.NewClient(device, clientLog)
	// Reconnection is owned by the session controller.
	cli.EnableAutoReconnect = false

	return &clientSocket{cli: cli}, nil
}
