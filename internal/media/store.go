// Package media stores message attachments and prepares outgoing media.
package media

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog/log"
)

// BlobStore is durable storage for attachment bytes. Write returns the
// reference later passed to Read.
type BlobStore interface {
	Write(ctx context.Context, tenantID, name, mimeType string, data []byte) (string, error)
	Read(ctx context.Context, ref string) ([]byte, error)
}

// PublicLinker is implemented by stores whose blobs are reachable over HTTP.
type PublicLinker interface {
	PublicURL(ref string) string
}

// LocalStore keeps blobs on the filesystem under one directory per tenant.
type LocalStore struct {
	dir string
}

// NewLocalStore creates the base directory if needed.
func NewLocalStore(dir string) (*LocalStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create media dir %s: %w", dir, err)
	}
	return &LocalStore{dir: dir}, nil
}

func (s *LocalStore) Write(_ context.Context, tenantID, name, mimeType string, data []byte) (string, error) {
	if tenantID == "" || name == "" || strings.ContainsAny(name, `/\`) {
		return "", fmt.Errorf("invalid blob name %q for tenant %q", name, tenantID)
	}
	tenantDir := filepath.Join(s.dir, tenantID)
	if err := os.MkdirAll(tenantDir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create tenant media dir: %w", err)
	}
	if err := os.WriteFile(filepath.Join(tenantDir, name), data, 0o644); err != nil {
		return "", fmt.Errorf("failed to write blob: %w", err)
	}
	ref := tenantID + "/" + name
	log.Debug().Str("ref", ref).Str("mimeType", mimeType).Int("size", len(data)).Msg("Blob written")
	return ref, nil
}

func (s *LocalStore) Read(_ context.Context, ref string) ([]byte, error) {
	clean := filepath.Clean("/" + ref)
	data, err := os.ReadFile(filepath.Join(s.dir, clean))
	if err != nil {
		return nil, fmt.Errorf("failed to read blob %s: %w", ref, err)
	}
	return data, nil
}

// KindFor returns the storage folder for a mime type.
func KindFor(mimeType string) string {
	switch {
	case strings.HasPrefix(mimeType, "image/webp"):
		return "stickers"
	case strings.HasPrefix(mimeType, "image/"):
		return "images"
	case strings.HasPrefix(mimeType, "video/"):
		return "videos"
	case strings.HasPrefix(mimeType, "audio/"):
		return "audio"
	}
	return "documents"
}

// ExtensionFor returns a file extension, with dot, for a mime type.
func ExtensionFor(mimeType string) string {
	mt := strings.ToLower(strings.TrimSpace(strings.SplitN(mimeType, ";", 2)[0]))
	switch {
	case strings.Contains(mt, "jpeg"), strings.Contains(mt, "jpg"):
		return ".jpg"
	case strings.Contains(mt, "png"):
		return ".png"
	case strings.Contains(mt, "gif"):
		return ".gif"
	case strings.Contains(mt, "webp"):
		return ".webp"
	case strings.Contains(mt, "mp4"):
		return ".mp4"
	case strings.Contains(mt, "webm"):
		return ".webm"
	case strings.Contains(mt, "ogg"):
		return ".ogg"
	case strings.Contains(mt, "opus"):
		return ".opus"
	case strings.Contains(mt, "mpeg"):
		return ".mp3"
	case strings.Contains(mt, "pdf"):
		return ".pdf"
	case strings.Contains(mt, "wordprocessingml"):
		return ".docx"
	case strings.Contains(mt, "msword"):
		return ".doc"
	case strings.Contains(mt, "spreadsheetml"):
		return ".xlsx"
	case mt == "text/plain":
		return ".txt"
	}
	return ".bin"
}
